// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// MaxCoinbaseItems bounds the coinbase outputs and kernels of a block
	// announcement.
	MaxCoinbaseItems = 16

	// MaxTxPerRequest is the maximum number of transactions requested or
	// returned in one transactions round trip.
	MaxTxPerRequest = 5000
)

// MsgNewBlock announces a freshly mined block.  Only the header, the
// coinbase and the excess signatures of the remaining kernels are sent, the
// receiver rebuilds the rest of the body from its mempool.
type MsgNewBlock struct {
	Header          BlockHeader
	CoinbaseOutputs []TxOutput
	CoinbaseKernels []TxKernel
	ExcessSigs      []ExcessSig
}

// BlockHash returns the hash of the announced block.
func (msg *MsgNewBlock) BlockHash() chainhash.Hash {
	return msg.Header.BlockHash()
}

// NewMsgNewBlockFromBlock builds the compact announcement of a full block.
func NewMsgNewBlockFromBlock(block *MsgBlock) *MsgNewBlock {
	msg := &MsgNewBlock{Header: block.Header}
	for i := range block.Body.Outputs {
		if block.Body.Outputs[i].IsCoinbase() {
			msg.CoinbaseOutputs = append(msg.CoinbaseOutputs,
				block.Body.Outputs[i])
		}
	}
	for i := range block.Body.Kernels {
		k := &block.Body.Kernels[i]
		if k.IsCoinbase() {
			msg.CoinbaseKernels = append(msg.CoinbaseKernels, *k)
			continue
		}
		msg.ExcessSigs = append(msg.ExcessSigs, k.ExcessSig)
	}
	return msg
}

// Decode is part of the Message interface implementation.
func (msg *MsgNewBlock) Decode(r io.Reader, pver uint32) error {
	if err := readBlockHeader(r, pver, &msg.Header); err != nil {
		return err
	}
	count, err := readCount(r, pver, MaxCoinbaseItems, "coinbase outputs")
	if err != nil {
		return err
	}
	msg.CoinbaseOutputs = makeItems[TxOutput](count)
	for i := range msg.CoinbaseOutputs {
		if err := readOutput(r, pver, &msg.CoinbaseOutputs[i]); err != nil {
			return err
		}
	}
	count, err = readCount(r, pver, MaxCoinbaseItems, "coinbase kernels")
	if err != nil {
		return err
	}
	msg.CoinbaseKernels = makeItems[TxKernel](count)
	for i := range msg.CoinbaseKernels {
		if err := readKernel(r, pver, &msg.CoinbaseKernels[i]); err != nil {
			return err
		}
	}
	msg.ExcessSigs, err = readExcessSigs(r, pver, MaxBodyItems)
	return err
}

// Encode is part of the Message interface implementation.
func (msg *MsgNewBlock) Encode(w io.Writer, pver uint32) error {
	if err := writeBlockHeader(w, pver, &msg.Header); err != nil {
		return err
	}
	if err := WriteVarInt(w, pver, uint64(len(msg.CoinbaseOutputs))); err != nil {
		return err
	}
	for i := range msg.CoinbaseOutputs {
		if err := writeOutput(w, pver, &msg.CoinbaseOutputs[i]); err != nil {
			return err
		}
	}
	if err := WriteVarInt(w, pver, uint64(len(msg.CoinbaseKernels))); err != nil {
		return err
	}
	for i := range msg.CoinbaseKernels {
		if err := writeKernel(w, pver, &msg.CoinbaseKernels[i]); err != nil {
			return err
		}
	}
	return writeExcessSigs(w, pver, msg.ExcessSigs)
}

// Command returns the protocol command string for the message.
func (msg *MsgNewBlock) Command() string { return CmdNewBlock }

// MsgGetBlock requests a full block by hash.  The answer is a MsgBlock or a
// MsgReject with RejectNotFound.
type MsgGetBlock struct {
	Hash chainhash.Hash
}

// Decode is part of the Message interface implementation.
func (msg *MsgGetBlock) Decode(r io.Reader, pver uint32) error {
	return readHash(r, &msg.Hash)
}

// Encode is part of the Message interface implementation.
func (msg *MsgGetBlock) Encode(w io.Writer, pver uint32) error {
	return writeHash(w, &msg.Hash)
}

// Command returns the protocol command string for the message.
func (msg *MsgGetBlock) Command() string { return CmdGetBlock }

// MsgGetTransactions requests mempool transactions by kernel excess
// signature.
type MsgGetTransactions struct {
	ExcessSigs []ExcessSig
}

// Decode is part of the Message interface implementation.
func (msg *MsgGetTransactions) Decode(r io.Reader, pver uint32) error {
	var err error
	msg.ExcessSigs, err = readExcessSigs(r, pver, MaxTxPerRequest)
	return err
}

// Encode is part of the Message interface implementation.
func (msg *MsgGetTransactions) Encode(w io.Writer, pver uint32) error {
	return writeExcessSigs(w, pver, msg.ExcessSigs)
}

// Command returns the protocol command string for the message.
func (msg *MsgGetTransactions) Command() string { return CmdGetTransactions }

// MsgTransactions answers MsgGetTransactions with the transactions that
// were found.  Unknown signatures are left out.
type MsgTransactions struct {
	Txs []MsgTx
}

// Decode is part of the Message interface implementation.
func (msg *MsgTransactions) Decode(r io.Reader, pver uint32) error {
	count, err := readCount(r, pver, MaxTxPerRequest, "transactions")
	if err != nil {
		return err
	}
	msg.Txs = makeItems[MsgTx](count)
	for i := range msg.Txs {
		if err := msg.Txs[i].Decode(r, pver); err != nil {
			return err
		}
	}
	return nil
}

// Encode is part of the Message interface implementation.
func (msg *MsgTransactions) Encode(w io.Writer, pver uint32) error {
	if err := WriteVarInt(w, pver, uint64(len(msg.Txs))); err != nil {
		return err
	}
	for i := range msg.Txs {
		if err := msg.Txs[i].Encode(w, pver); err != nil {
			return err
		}
	}
	return nil
}

// Command returns the protocol command string for the message.
func (msg *MsgTransactions) Command() string { return CmdTransactions }

func readExcessSigs(r io.Reader, pver uint32, max uint64) ([]ExcessSig, error) {
	count, err := readCount(r, pver, max, "excess signatures")
	if err != nil {
		return nil, err
	}
	sigs := makeItems[ExcessSig](count)
	for i := range sigs {
		if _, err := io.ReadFull(r, sigs[i][:]); err != nil {
			return nil, err
		}
	}
	return sigs, nil
}

func writeExcessSigs(w io.Writer, pver uint32, sigs []ExcessSig) error {
	if err := WriteVarInt(w, pver, uint64(len(sigs))); err != nil {
		return err
	}
	for i := range sigs {
		if _, err := w.Write(sigs[i][:]); err != nil {
			return err
		}
	}
	return nil
}
