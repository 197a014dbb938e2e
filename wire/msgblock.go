// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"io"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MaxBodyItems is the maximum number of inputs, outputs or kernels a single
// body may carry on the wire.
const MaxBodyItems = 100_000

// AggregateBody holds the inputs, outputs and kernels of a transaction or of
// a whole block.
type AggregateBody struct {
	Inputs  []TxInput
	Outputs []TxOutput
	Kernels []TxKernel
}

// Sort puts the body into its canonical order.  Blocks are only valid in
// canonical order so that the MMR insertion order is deterministic.
func (b *AggregateBody) Sort() {
	sort.Slice(b.Inputs, func(i, j int) bool {
		return bytes.Compare(b.Inputs[i].OutputHash[:], b.Inputs[j].OutputHash[:]) < 0
	})
	outHashes := make(map[int]chainhash.Hash, len(b.Outputs))
	for i := range b.Outputs {
		outHashes[i] = b.Outputs[i].Hash()
	}
	idx := make([]int, len(b.Outputs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool {
		hi, hj := outHashes[idx[i]], outHashes[idx[j]]
		return bytes.Compare(hi[:], hj[:]) < 0
	})
	outputs := make([]TxOutput, len(b.Outputs))
	for i, k := range idx {
		outputs[i] = b.Outputs[k]
	}
	b.Outputs = outputs

	sort.Slice(b.Kernels, func(i, j int) bool {
		hi, hj := b.Kernels[i].Hash(), b.Kernels[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})
}

// IsSorted reports whether the body is in canonical order.
func (b *AggregateBody) IsSorted() bool {
	for i := 1; i < len(b.Inputs); i++ {
		if bytes.Compare(b.Inputs[i-1].OutputHash[:], b.Inputs[i].OutputHash[:]) > 0 {
			return false
		}
	}
	for i := 1; i < len(b.Outputs); i++ {
		prev, cur := b.Outputs[i-1].Hash(), b.Outputs[i].Hash()
		if bytes.Compare(prev[:], cur[:]) > 0 {
			return false
		}
	}
	for i := 1; i < len(b.Kernels); i++ {
		prev, cur := b.Kernels[i-1].Hash(), b.Kernels[i].Hash()
		if bytes.Compare(prev[:], cur[:]) > 0 {
			return false
		}
	}
	return true
}

// Weight returns the weight of the body as used by the block weight limit.
func (b *AggregateBody) Weight() uint64 {
	var scriptBytes uint64
	for i := range b.Outputs {
		scriptBytes += uint64(len(b.Outputs[i].Script))
	}
	return uint64(len(b.Inputs))*InputWeight +
		uint64(len(b.Outputs))*OutputWeight +
		uint64(len(b.Kernels))*KernelWeight +
		(scriptBytes+15)/16
}

// Add appends every component of other to the body.
func (b *AggregateBody) Add(other *AggregateBody) {
	b.Inputs = append(b.Inputs, other.Inputs...)
	b.Outputs = append(b.Outputs, other.Outputs...)
	b.Kernels = append(b.Kernels, other.Kernels...)
}

// Decode decodes r using the wire protocol encoding into the receiver.
func (b *AggregateBody) Decode(r io.Reader, pver uint32) error {
	count, err := readCount(r, pver, MaxBodyItems, "inputs")
	if err != nil {
		return err
	}
	b.Inputs = makeItems[TxInput](count)
	for i := range b.Inputs {
		if err := readInput(r, pver, &b.Inputs[i]); err != nil {
			return err
		}
	}

	count, err = readCount(r, pver, MaxBodyItems, "outputs")
	if err != nil {
		return err
	}
	b.Outputs = makeItems[TxOutput](count)
	for i := range b.Outputs {
		if err := readOutput(r, pver, &b.Outputs[i]); err != nil {
			return err
		}
	}

	count, err = readCount(r, pver, MaxBodyItems, "kernels")
	if err != nil {
		return err
	}
	b.Kernels = makeItems[TxKernel](count)
	for i := range b.Kernels {
		if err := readKernel(r, pver, &b.Kernels[i]); err != nil {
			return err
		}
	}
	return nil
}

// Encode encodes the receiver to w using the wire protocol encoding.
func (b *AggregateBody) Encode(w io.Writer, pver uint32) error {
	if err := WriteVarInt(w, pver, uint64(len(b.Inputs))); err != nil {
		return err
	}
	for i := range b.Inputs {
		if err := writeInput(w, pver, &b.Inputs[i]); err != nil {
			return err
		}
	}
	if err := WriteVarInt(w, pver, uint64(len(b.Outputs))); err != nil {
		return err
	}
	for i := range b.Outputs {
		if err := writeOutput(w, pver, &b.Outputs[i]); err != nil {
			return err
		}
	}
	if err := WriteVarInt(w, pver, uint64(len(b.Kernels))); err != nil {
		return err
	}
	for i := range b.Kernels {
		if err := writeKernel(w, pver, &b.Kernels[i]); err != nil {
			return err
		}
	}
	return nil
}

// MsgTx implements the Message interface and represents a transaction.
type MsgTx struct {
	AggregateBody
}

// ExcessSigs returns the excess signatures of all kernels of the transaction.
func (msg *MsgTx) ExcessSigs() []ExcessSig {
	sigs := make([]ExcessSig, 0, len(msg.Kernels))
	for i := range msg.Kernels {
		sigs = append(sigs, msg.Kernels[i].ExcessSig)
	}
	return sigs
}

// Command returns the protocol command string for the message.
func (msg *MsgTx) Command() string {
	return CmdTx
}

// MsgBlock implements the Message interface and represents a full block.
type MsgBlock struct {
	Header BlockHeader
	Body   AggregateBody
}

// BlockHash computes the block identifier hash for this block.
func (msg *MsgBlock) BlockHash() chainhash.Hash {
	return msg.Header.BlockHash()
}

// Decode decodes r using the wire protocol encoding into the receiver.
func (msg *MsgBlock) Decode(r io.Reader, pver uint32) error {
	if err := readBlockHeader(r, pver, &msg.Header); err != nil {
		return err
	}
	return msg.Body.Decode(r, pver)
}

// Encode encodes the receiver to w using the wire protocol encoding.
func (msg *MsgBlock) Encode(w io.Writer, pver uint32) error {
	if err := writeBlockHeader(w, pver, &msg.Header); err != nil {
		return err
	}
	return msg.Body.Encode(w, pver)
}

// Serialize encodes the block using the storage format.
func (msg *MsgBlock) Serialize(w io.Writer) error {
	return msg.Encode(w, 0)
}

// Deserialize decodes a block using the storage format.
func (msg *MsgBlock) Deserialize(r io.Reader) error {
	return msg.Decode(r, 0)
}

// Command returns the protocol command string for the message.
func (msg *MsgBlock) Command() string {
	return CmdBlock
}
