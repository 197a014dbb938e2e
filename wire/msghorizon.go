// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MaxBitmapBytes bounds the serialized deletion bitmap of a horizon trailer.
const MaxBitmapBytes = 16 * 1024 * 1024

// MsgSyncKernels opens a stream of kernels in MMR order starting at leaf
// StartIndex and ending with the last kernel committed to by the header
// EndHeaderHash.
type MsgSyncKernels struct {
	StartIndex    uint64
	EndHeaderHash chainhash.Hash
}

// Decode is part of the Message interface implementation.
func (msg *MsgSyncKernels) Decode(r io.Reader, pver uint32) error {
	var err error
	if msg.StartIndex, err = readUint64(r); err != nil {
		return err
	}
	return readHash(r, &msg.EndHeaderHash)
}

// Encode is part of the Message interface implementation.
func (msg *MsgSyncKernels) Encode(w io.Writer, pver uint32) error {
	if err := writeUint64(w, msg.StartIndex); err != nil {
		return err
	}
	return writeHash(w, &msg.EndHeaderHash)
}

// Command returns the protocol command string for the message.
func (msg *MsgSyncKernels) Command() string { return CmdSyncKernels }

// MsgKernel is a single item of a kernel stream.
type MsgKernel struct {
	Kernel TxKernel
}

// Decode is part of the Message interface implementation.
func (msg *MsgKernel) Decode(r io.Reader, pver uint32) error {
	return readKernel(r, pver, &msg.Kernel)
}

// Encode is part of the Message interface implementation.
func (msg *MsgKernel) Encode(w io.Writer, pver uint32) error {
	return writeKernel(w, pver, &msg.Kernel)
}

// Command returns the protocol command string for the message.
func (msg *MsgKernel) Command() string { return CmdKernel }

// MsgSyncUtxos opens a stream of output MMR leaves starting at leaf
// StartIndex and ending with the last output committed to by the header
// EndHeaderHash.  The stream ends with a MsgUtxoTrailer carrying the deletion
// bitmap as of that header.
type MsgSyncUtxos struct {
	StartIndex    uint64
	EndHeaderHash chainhash.Hash
}

// Decode is part of the Message interface implementation.
func (msg *MsgSyncUtxos) Decode(r io.Reader, pver uint32) error {
	var err error
	if msg.StartIndex, err = readUint64(r); err != nil {
		return err
	}
	return readHash(r, &msg.EndHeaderHash)
}

// Encode is part of the Message interface implementation.
func (msg *MsgSyncUtxos) Encode(w io.Writer, pver uint32) error {
	if err := writeUint64(w, msg.StartIndex); err != nil {
		return err
	}
	return writeHash(w, &msg.EndHeaderHash)
}

// Command returns the protocol command string for the message.
func (msg *MsgSyncUtxos) Command() string { return CmdSyncUtxos }

// UtxoKind describes how much of an output a horizon stream item carries.
type UtxoKind uint8

const (
	// UtxoUnspent is an output that is unspent at the horizon.
	UtxoUnspent UtxoKind = iota

	// UtxoPruned is a spent output of which only the leaf hash is left.
	UtxoPruned

	// UtxoSpent is a spent output the sender still holds in full.
	UtxoSpent
)

var utxoKindStrings = map[UtxoKind]string{
	UtxoUnspent: "unspent",
	UtxoPruned:  "pruned",
	UtxoSpent:   "spent",
}

// String returns the UtxoKind in human-readable form.
func (k UtxoKind) String() string {
	if s, ok := utxoKindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("Unknown UtxoKind (%d)", uint8(k))
}

// MsgSyncUtxo is a single item of an output stream.  PrunedHash is only set
// for UtxoPruned items, Output only for the other kinds.
type MsgSyncUtxo struct {
	Kind        UtxoKind
	MMRPosition uint64
	Output      TxOutput
	PrunedHash  chainhash.Hash
}

// LeafHash returns the output MMR leaf the item stands for.
func (msg *MsgSyncUtxo) LeafHash() chainhash.Hash {
	if msg.Kind == UtxoPruned {
		return msg.PrunedHash
	}
	return msg.Output.Hash()
}

// Decode is part of the Message interface implementation.
func (msg *MsgSyncUtxo) Decode(r io.Reader, pver uint32) error {
	kind, err := readUint8(r)
	if err != nil {
		return err
	}
	msg.Kind = UtxoKind(kind)
	if msg.MMRPosition, err = readUint64(r); err != nil {
		return err
	}
	switch msg.Kind {
	case UtxoPruned:
		return readHash(r, &msg.PrunedHash)
	case UtxoUnspent, UtxoSpent:
		return readOutput(r, pver, &msg.Output)
	default:
		str := fmt.Sprintf("unknown utxo kind %d", kind)
		return messageError("MsgSyncUtxo.Decode", str)
	}
}

// Encode is part of the Message interface implementation.
func (msg *MsgSyncUtxo) Encode(w io.Writer, pver uint32) error {
	if err := writeUint8(w, uint8(msg.Kind)); err != nil {
		return err
	}
	if err := writeUint64(w, msg.MMRPosition); err != nil {
		return err
	}
	switch msg.Kind {
	case UtxoPruned:
		return writeHash(w, &msg.PrunedHash)
	case UtxoUnspent, UtxoSpent:
		return writeOutput(w, pver, &msg.Output)
	default:
		str := fmt.Sprintf("unknown utxo kind %d", msg.Kind)
		return messageError("MsgSyncUtxo.Encode", str)
	}
}

// Command returns the protocol command string for the message.
func (msg *MsgSyncUtxo) Command() string { return CmdSyncUtxo }

// MsgUtxoTrailer closes an output stream with the serialized deletion bitmap
// of the output MMR at the requested header.
type MsgUtxoTrailer struct {
	DeletedBitmap []byte
}

// Decode is part of the Message interface implementation.
func (msg *MsgUtxoTrailer) Decode(r io.Reader, pver uint32) error {
	var err error
	msg.DeletedBitmap, err = readVarBytes(r, pver, MaxBitmapBytes, "bitmap")
	return err
}

// Encode is part of the Message interface implementation.
func (msg *MsgUtxoTrailer) Encode(w io.Writer, pver uint32) error {
	return writeVarBytes(w, pver, msg.DeletedBitmap)
}

// Command returns the protocol command string for the message.
func (msg *MsgUtxoTrailer) Command() string { return CmdUtxoTrailer }
