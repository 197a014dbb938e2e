// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/utreexo/horizond/chaincfg"
	"github.com/utreexo/horizond/wire"
)

// ProofVerifier verifies the proof attached to an output.
type ProofVerifier interface {
	VerifyProof(output *wire.TxOutput) error
}

// SchnorrProofVerifier accepts an output when its proof is a schnorr
// signature over the output's proof message made with the key the
// commitment encodes.
type SchnorrProofVerifier struct{}

// VerifyProof implements ProofVerifier.
func (SchnorrProofVerifier) VerifyProof(output *wire.TxOutput) error {
	pubKey, err := secp256k1.ParsePubKey(output.Commitment[:])
	if err != nil {
		str := fmt.Sprintf("commitment %v is not a valid point: %v",
			output.Commitment, err)
		return ruleError(ErrInvalidCommitment, str)
	}
	sig, err := schnorr.ParseSignature(output.Proof)
	if err != nil {
		str := fmt.Sprintf("malformed proof for output %v: %v",
			output.Hash(), err)
		return ruleError(ErrBadRangeProof, str)
	}
	msg := output.ProofMessage()
	if !sig.Verify(msg[:], pubKey) {
		str := fmt.Sprintf("proof for output %v does not verify",
			output.Hash())
		return ruleError(ErrBadRangeProof, str)
	}
	return nil
}

// CheckCommitment ensures a commitment encodes a point on the curve.
func CheckCommitment(c *wire.Commitment) error {
	if _, err := secp256k1.ParsePubKey(c[:]); err != nil {
		str := fmt.Sprintf("commitment %v is not a valid point: %v", c, err)
		return ruleError(ErrInvalidCommitment, str)
	}
	return nil
}

// CheckKernelSignature verifies the excess signature of a kernel.
func CheckKernelSignature(k *wire.TxKernel) error {
	pubKey, err := schnorr.ParsePubKey(k.Excess[:])
	if err != nil {
		str := fmt.Sprintf("kernel excess %x is not a valid key: %v",
			k.Excess, err)
		return ruleError(ErrBadSignature, str)
	}
	sig, err := schnorr.ParseSignature(k.ExcessSig[:])
	if err != nil {
		str := fmt.Sprintf("malformed excess signature %v: %v",
			k.ExcessSig, err)
		return ruleError(ErrBadSignature, str)
	}
	msg := k.SigMessage()
	if !sig.Verify(msg[:], pubKey) {
		str := fmt.Sprintf("excess signature %v does not verify",
			k.ExcessSig)
		return ruleError(ErrBadSignature, str)
	}
	return nil
}

// CheckOutputSanity performs the context free checks of a single output.
func CheckOutputSanity(out *wire.TxOutput, params *chaincfg.Params,
	verifier ProofVerifier) error {

	if len(out.Script) > params.MaxScriptSize {
		str := fmt.Sprintf("output %v script of %d bytes exceeds max %d",
			out.Hash(), len(out.Script), params.MaxScriptSize)
		return ruleError(ErrScriptTooLarge, str)
	}
	if err := CheckCommitment(&out.Commitment); err != nil {
		return err
	}
	return verifier.VerifyProof(out)
}

// checkHeaderSanity performs the checks of a header that do not depend on
// its position in the chain.
func checkHeaderSanity(header *wire.BlockHeader, params *chaincfg.Params,
	now time.Time) error {

	if header.Difficulty < params.MinDifficulty {
		str := fmt.Sprintf("block difficulty of %d is below the minimum "+
			"of %d", header.Difficulty, params.MinDifficulty)
		return ruleError(ErrDifficultyTooLow, str)
	}

	hash := header.BlockHash()
	if achieved := params.AchievedDifficulty(&hash); achieved < header.Difficulty {
		str := fmt.Sprintf("block hash %v achieves difficulty %d, "+
			"declared %d", hash, achieved, header.Difficulty)
		return ruleError(ErrHighHash, str)
	}

	maxTimestamp := now.Add(params.MaxFutureBlockTime)
	if header.Timestamp.After(maxTimestamp) {
		str := fmt.Sprintf("block timestamp of %v is too far in the "+
			"future", header.Timestamp)
		return ruleError(ErrTimeTooNew, str)
	}
	return nil
}

// checkHeaderContext performs the checks of a header that depend on its
// parent and on the timestamps of its ancestors, most recent first.
func checkHeaderContext(header *wire.BlockHeader, parent *headerRecord,
	ancestorTimes []time.Time) error {

	if header.PrevBlock != parent.hash {
		str := fmt.Sprintf("block %v does not link to %v",
			header.BlockHash(), parent.hash)
		return ruleError(ErrBadPrevHash, str)
	}
	if header.Height != parent.header.Height+1 {
		str := fmt.Sprintf("block height %d does not follow parent "+
			"height %d", header.Height, parent.header.Height)
		return ruleError(ErrBadHeight, str)
	}

	medianTime := calcMedianTime(ancestorTimes)
	if !header.Timestamp.After(medianTime) {
		str := fmt.Sprintf("block timestamp of %v is not after "+
			"expected %v", header.Timestamp, medianTime)
		return ruleError(ErrTimeTooOld, str)
	}
	return nil
}

// calcMedianTime returns the median of the given timestamps.
func calcMedianTime(timestamps []time.Time) time.Time {
	if len(timestamps) == 0 {
		return time.Time{}
	}
	sorted := make([]time.Time, len(timestamps))
	copy(sorted, timestamps)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Before(sorted[j])
	})
	return sorted[len(sorted)/2]
}

// checkBodySanity performs the checks of a block body that do not depend on
// the chain state.
func checkBodySanity(body *wire.AggregateBody, params *chaincfg.Params,
	verifier ProofVerifier) error {

	if !body.IsSorted() {
		return ruleError(ErrUnsortedBody, "block body is not in "+
			"canonical order")
	}
	if weight := body.Weight(); weight > params.MaxBlockWeight {
		str := fmt.Sprintf("block weight of %d exceeds max %d", weight,
			params.MaxBlockWeight)
		return ruleError(ErrBlockWeightTooHigh, str)
	}

	seenInputs := make(map[chainhash.Hash]struct{}, len(body.Inputs))
	for i := range body.Inputs {
		h := body.Inputs[i].OutputHash
		if _, ok := seenInputs[h]; ok {
			str := fmt.Sprintf("block spends output %v twice", h)
			return ruleError(ErrDuplicateInput, str)
		}
		seenInputs[h] = struct{}{}
	}

	seenOutputs := make(map[chainhash.Hash]struct{}, len(body.Outputs))
	seenCommitments := make(map[wire.Commitment]struct{}, len(body.Outputs))
	for i := range body.Outputs {
		out := &body.Outputs[i]
		h := out.Hash()
		if _, ok := seenOutputs[h]; ok {
			str := fmt.Sprintf("block creates output %v twice", h)
			return ruleError(ErrDuplicateOutput, str)
		}
		seenOutputs[h] = struct{}{}
		if _, ok := seenCommitments[out.Commitment]; ok {
			str := fmt.Sprintf("block creates commitment %v twice",
				out.Commitment)
			return ruleError(ErrDuplicateCommitment, str)
		}
		seenCommitments[out.Commitment] = struct{}{}
		if err := CheckOutputSanity(out, params, verifier); err != nil {
			return err
		}
	}

	var coinbase bool
	seenSigs := make(map[wire.ExcessSig]struct{}, len(body.Kernels))
	for i := range body.Kernels {
		k := &body.Kernels[i]
		if _, ok := seenSigs[k.ExcessSig]; ok {
			str := fmt.Sprintf("block contains kernel %v twice",
				k.ExcessSig)
			return ruleError(ErrDuplicateKernel, str)
		}
		seenSigs[k.ExcessSig] = struct{}{}
		if k.IsCoinbase() {
			coinbase = true
		}
		if err := CheckKernelSignature(k); err != nil {
			return err
		}
	}
	if !coinbase {
		return ruleError(ErrNoCoinbase, "block has no coinbase kernel")
	}
	return nil
}

// CheckTransactionSanity performs the context free checks of a transaction.
func CheckTransactionSanity(tx *wire.MsgTx, params *chaincfg.Params,
	verifier ProofVerifier) error {

	if len(tx.Kernels) == 0 {
		return ruleError(ErrBadSignature, "transaction has no kernel")
	}
	for i := range tx.Kernels {
		if tx.Kernels[i].IsCoinbase() {
			return ruleError(ErrNoCoinbase, "transaction carries a "+
				"coinbase kernel")
		}
		if err := CheckKernelSignature(&tx.Kernels[i]); err != nil {
			return err
		}
	}
	for i := range tx.Outputs {
		if tx.Outputs[i].IsCoinbase() {
			return ruleError(ErrNoCoinbase, "transaction carries a "+
				"coinbase output")
		}
		if err := CheckOutputSanity(&tx.Outputs[i], params, verifier); err != nil {
			return err
		}
	}
	return nil
}
