// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"io"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ChainMetadata summarises the best chain of a node.  The local copy is owned
// by the chain store, copies received from peers are untrusted claims.
type ChainMetadata struct {
	// Height of the best block with a body.
	Height uint64

	// AccumulatedDifficulty is the total proof of work of the best chain.
	AccumulatedDifficulty *big.Int

	// BestBlock is the hash of the best block.
	BestBlock chainhash.Hash

	// PruningHorizon is the number of blocks behind the tip for which full
	// bodies are kept.  Zero means an archival node.
	PruningHorizon uint64

	// PrunedHeight is the height below which bodies have been discarded.
	PrunedHeight uint64
}

// IsPrunedNode returns whether the metadata describes a pruned node.
func (m *ChainMetadata) IsPrunedNode() bool {
	return m.PruningHorizon > 0
}

// HorizonBlockHeight returns the pruning horizon height relative to tip.
func (m *ChainMetadata) HorizonBlockHeight(tip uint64) uint64 {
	if m.PruningHorizon == 0 || tip <= m.PruningHorizon {
		return 0
	}
	return tip - m.PruningHorizon
}

// Difficulty returns the accumulated difficulty, never nil.
func (m *ChainMetadata) Difficulty() *big.Int {
	if m.AccumulatedDifficulty == nil {
		return new(big.Int)
	}
	return m.AccumulatedDifficulty
}

// String returns a human readable summary.
func (m ChainMetadata) String() string {
	return fmt.Sprintf("height %d, hash %v, accumulated difficulty %v, "+
		"pruning horizon %d, pruned height %d", m.Height, m.BestBlock,
		m.Difficulty(), m.PruningHorizon, m.PrunedHeight)
}

// Decode decodes r using the wire protocol encoding into the receiver.
func (m *ChainMetadata) Decode(r io.Reader, pver uint32) error {
	var err error
	if m.Height, err = readUint64(r); err != nil {
		return err
	}
	if m.AccumulatedDifficulty, err = readDifficulty(r, pver); err != nil {
		return err
	}
	if err = readHash(r, &m.BestBlock); err != nil {
		return err
	}
	if m.PruningHorizon, err = readUint64(r); err != nil {
		return err
	}
	m.PrunedHeight, err = readUint64(r)
	return err
}

// Encode encodes the receiver to w using the wire protocol encoding.
func (m *ChainMetadata) Encode(w io.Writer, pver uint32) error {
	if err := writeUint64(w, m.Height); err != nil {
		return err
	}
	if err := writeDifficulty(w, pver, m.AccumulatedDifficulty); err != nil {
		return err
	}
	if err := writeHash(w, &m.BestBlock); err != nil {
		return err
	}
	if err := writeUint64(w, m.PruningHorizon); err != nil {
		return err
	}
	return writeUint64(w, m.PrunedHeight)
}

// MsgPing implements the Message interface and is the request half of a
// liveness round.  It carries the chain metadata of the sender.
type MsgPing struct {
	Nonce    uint64
	Metadata ChainMetadata
}

// Decode is part of the Message interface implementation.
func (msg *MsgPing) Decode(r io.Reader, pver uint32) error {
	var err error
	if msg.Nonce, err = readUint64(r); err != nil {
		return err
	}
	return msg.Metadata.Decode(r, pver)
}

// Encode is part of the Message interface implementation.
func (msg *MsgPing) Encode(w io.Writer, pver uint32) error {
	if err := writeUint64(w, msg.Nonce); err != nil {
		return err
	}
	return msg.Metadata.Encode(w, pver)
}

// Command returns the protocol command string for the message.
func (msg *MsgPing) Command() string { return CmdPing }

// MsgPong implements the Message interface and answers a MsgPing.
type MsgPong struct {
	Nonce    uint64
	Metadata ChainMetadata
}

// Decode is part of the Message interface implementation.
func (msg *MsgPong) Decode(r io.Reader, pver uint32) error {
	var err error
	if msg.Nonce, err = readUint64(r); err != nil {
		return err
	}
	return msg.Metadata.Decode(r, pver)
}

// Encode is part of the Message interface implementation.
func (msg *MsgPong) Encode(w io.Writer, pver uint32) error {
	if err := writeUint64(w, msg.Nonce); err != nil {
		return err
	}
	return msg.Metadata.Encode(w, pver)
}

// Command returns the protocol command string for the message.
func (msg *MsgPong) Command() string { return CmdPong }
