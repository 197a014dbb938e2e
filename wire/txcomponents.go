// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/hex"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/blake2b"
)

const (
	// CommitmentSize is the size of a compressed commitment point.
	CommitmentSize = 33

	// ExcessSize is the size of an x-only kernel excess public key.
	ExcessSize = 32

	// ExcessSigSize is the size of a kernel excess signature.
	ExcessSigSize = 64

	// MaxWireScriptSize is the largest script accepted while decoding.  The
	// consensus limit is tighter and lives in the chain parameters.
	MaxWireScriptSize = 64 * 1024

	// MaxProofSize is the largest output proof accepted while decoding.
	MaxProofSize = 4096

	// InputWeight, OutputWeight and KernelWeight are the per item weights
	// used when computing the weight of a body.
	InputWeight  = 1
	OutputWeight = 13
	KernelWeight = 3
)

// Commitment is a compressed curve point committing to an output value.
type Commitment [CommitmentSize]byte

// Hash returns the hash of the commitment.  It is the key of the live
// commitment index.
func (c *Commitment) Hash() chainhash.Hash {
	return chainhash.Hash(blake2b.Sum256(c[:]))
}

// String returns the commitment as a hex string.
func (c Commitment) String() string {
	return hex.EncodeToString(c[:])
}

// ExcessSig is a serialized kernel excess signature.  It uniquely identifies
// a kernel and therefore the transaction carrying it.
type ExcessSig [ExcessSigSize]byte

// String returns the signature as a hex string.
func (s ExcessSig) String() string {
	return hex.EncodeToString(s[:])
}

// OutputFeatures flag special outputs.
type OutputFeatures uint8

const (
	// OutputFeatureDefault is a regular transaction output.
	OutputFeatureDefault OutputFeatures = 0

	// OutputFeatureCoinbase marks an output created by the block reward.
	OutputFeatureCoinbase OutputFeatures = 1
)

// KernelFeatures flag special kernels.
type KernelFeatures uint8

const (
	// KernelFeatureDefault is a regular transaction kernel.
	KernelFeatureDefault KernelFeatures = 0

	// KernelFeatureCoinbase marks the kernel of the block reward.
	KernelFeatureCoinbase KernelFeatures = 1
)

// TxInput spends a previously created output.
type TxInput struct {
	// OutputHash is the hash of the output being spent.
	OutputHash chainhash.Hash

	// Commitment is the commitment of the output being spent.
	Commitment Commitment
}

// TxOutput is a confidential output.
type TxOutput struct {
	Features   OutputFeatures
	Commitment Commitment
	Script     []byte

	// Proof proves the output is well formed.  It is not part of the output
	// hash so that it can be dropped once the output is buried.
	Proof []byte
}

// Hash returns the output hash, the leaf committed to the output MMR.
func (o *TxOutput) Hash() chainhash.Hash {
	var buf bytes.Buffer
	buf.WriteByte(byte(o.Features))
	buf.Write(o.Commitment[:])
	_ = writeVarBytes(&buf, 0, o.Script)
	return chainhash.Hash(blake2b.Sum256(buf.Bytes()))
}

// IsCoinbase returns whether the output was created by a block reward.
func (o *TxOutput) IsCoinbase() bool {
	return o.Features&OutputFeatureCoinbase != 0
}

// ProofMessage returns the message an output proof signs.
func (o *TxOutput) ProofMessage() [32]byte {
	h := o.Hash()
	return blake2b.Sum256(append(o.Commitment[:], h[:]...))
}

// TxKernel proves a transaction balances and carries its fee.
type TxKernel struct {
	Features   KernelFeatures
	Fee        btcutil.Amount
	LockHeight uint64
	Excess     [ExcessSize]byte
	ExcessSig  ExcessSig
}

// Hash returns the kernel hash, the leaf committed to the kernel MMR.
func (k *TxKernel) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = writeKernel(&buf, 0, k)
	return chainhash.Hash(blake2b.Sum256(buf.Bytes()))
}

// SigMessage returns the message signed by the kernel excess.
func (k *TxKernel) SigMessage() [32]byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(k.Features))
	_ = writeUint64(&buf, uint64(k.Fee))
	_ = writeUint64(&buf, k.LockHeight)
	buf.Write(k.Excess[:])
	return blake2b.Sum256(buf.Bytes())
}

// IsCoinbase returns whether this is a coinbase kernel.
func (k *TxKernel) IsCoinbase() bool {
	return k.Features&KernelFeatureCoinbase != 0
}

func readInput(r io.Reader, pver uint32, in *TxInput) error {
	if err := readHash(r, &in.OutputHash); err != nil {
		return err
	}
	_, err := io.ReadFull(r, in.Commitment[:])
	return err
}

func writeInput(w io.Writer, pver uint32, in *TxInput) error {
	if err := writeHash(w, &in.OutputHash); err != nil {
		return err
	}
	_, err := w.Write(in.Commitment[:])
	return err
}

func readOutput(r io.Reader, pver uint32, out *TxOutput) error {
	features, err := readUint8(r)
	if err != nil {
		return err
	}
	out.Features = OutputFeatures(features)
	if _, err := io.ReadFull(r, out.Commitment[:]); err != nil {
		return err
	}
	if out.Script, err = readVarBytes(r, pver, MaxWireScriptSize, "script"); err != nil {
		return err
	}
	out.Proof, err = readVarBytes(r, pver, MaxProofSize, "proof")
	return err
}

func writeOutput(w io.Writer, pver uint32, out *TxOutput) error {
	if err := writeUint8(w, uint8(out.Features)); err != nil {
		return err
	}
	if _, err := w.Write(out.Commitment[:]); err != nil {
		return err
	}
	if err := writeVarBytes(w, pver, out.Script); err != nil {
		return err
	}
	return writeVarBytes(w, pver, out.Proof)
}

func readKernel(r io.Reader, pver uint32, k *TxKernel) error {
	features, err := readUint8(r)
	if err != nil {
		return err
	}
	k.Features = KernelFeatures(features)
	fee, err := readUint64(r)
	if err != nil {
		return err
	}
	k.Fee = btcutil.Amount(fee)
	if k.LockHeight, err = readUint64(r); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, k.Excess[:]); err != nil {
		return err
	}
	_, err = io.ReadFull(r, k.ExcessSig[:])
	return err
}

func writeKernel(w io.Writer, pver uint32, k *TxKernel) error {
	if err := writeUint8(w, uint8(k.Features)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(k.Fee)); err != nil {
		return err
	}
	if err := writeUint64(w, k.LockHeight); err != nil {
		return err
	}
	if _, err := w.Write(k.Excess[:]); err != nil {
		return err
	}
	_, err := w.Write(k.ExcessSig[:])
	return err
}

// Encode writes the output using the wire encoding.
func (o *TxOutput) Encode(w io.Writer, pver uint32) error {
	return writeOutput(w, pver, o)
}

// Decode reads the output using the wire encoding.
func (o *TxOutput) Decode(r io.Reader, pver uint32) error {
	return readOutput(r, pver, o)
}

// Encode writes the kernel using the wire encoding.
func (k *TxKernel) Encode(w io.Writer, pver uint32) error {
	return writeKernel(w, pver, k)
}

// Decode reads the kernel using the wire encoding.
func (k *TxKernel) Decode(r io.Reader, pver uint32) error {
	return readKernel(r, pver, k)
}
