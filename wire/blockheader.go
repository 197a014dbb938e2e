// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/blake2b"
)

// BlockHeaderLen is the number of bytes of a serialized block header.
//
// Version 2 bytes + Height 8 bytes + PrevBlock 32 bytes + Timestamp 8 bytes +
// OutputMMRRoot 32 bytes + OutputMMRSize 8 bytes + KernelMMRRoot 32 bytes +
// KernelMMRSize 8 bytes + Difficulty 8 bytes + Nonce 8 bytes.
const BlockHeaderLen = 146

// BlockHeader defines information about a block and is used in the block
// (MsgBlock) and headers messages.
type BlockHeader struct {
	// Version of the block.
	Version uint16

	// Height of the block in the chain it commits to.
	Height uint64

	// Hash of the previous block header in the block chain.
	PrevBlock chainhash.Hash

	// Time the block was created.  Encoded as a uint64 in seconds.
	Timestamp time.Time

	// Root of the output MMR combined with the deletion bitmap after this
	// block has been applied.
	OutputMMRRoot chainhash.Hash

	// Number of leaves in the output MMR after this block.
	OutputMMRSize uint64

	// Root of the kernel MMR after this block has been applied.
	KernelMMRRoot chainhash.Hash

	// Number of leaves in the kernel MMR after this block.
	KernelMMRSize uint64

	// Target difficulty the proof of work of this header commits to.
	Difficulty uint64

	// Nonce used to generate the block.
	Nonce uint64
}

// BlockHash computes the block identifier hash for the given block header.
func (h *BlockHeader) BlockHash() chainhash.Hash {
	buf := bytes.NewBuffer(make([]byte, 0, BlockHeaderLen))
	_ = writeBlockHeader(buf, 0, h)

	return chainhash.Hash(blake2b.Sum256(buf.Bytes()))
}

// Decode decodes r using the wire protocol encoding into the receiver.
func (h *BlockHeader) Decode(r io.Reader, pver uint32) error {
	return readBlockHeader(r, pver, h)
}

// Encode encodes the receiver to w using the wire protocol encoding.
func (h *BlockHeader) Encode(w io.Writer, pver uint32) error {
	return writeBlockHeader(w, pver, h)
}

// Deserialize decodes a block header from r into the receiver using a format
// that is suitable for long-term storage such as a database.
func (h *BlockHeader) Deserialize(r io.Reader) error {
	// At the current time, there is no difference between the wire encoding
	// and the stable long-term storage format.
	return readBlockHeader(r, 0, h)
}

// Serialize encodes a block header from r into the receiver using a format
// that is suitable for long-term storage such as a database.
func (h *BlockHeader) Serialize(w io.Writer) error {
	return writeBlockHeader(w, 0, h)
}

// Bytes returns the serialized header.
func (h *BlockHeader) Bytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, BlockHeaderLen))
	_ = writeBlockHeader(buf, 0, h)
	return buf.Bytes()
}

// readBlockHeader reads a block header from r.
func readBlockHeader(r io.Reader, pver uint32, bh *BlockHeader) error {
	var err error
	if bh.Version, err = readUint16(r); err != nil {
		return err
	}
	if bh.Height, err = readUint64(r); err != nil {
		return err
	}
	if err = readHash(r, &bh.PrevBlock); err != nil {
		return err
	}
	if bh.Timestamp, err = readTimestamp(r); err != nil {
		return err
	}
	if err = readHash(r, &bh.OutputMMRRoot); err != nil {
		return err
	}
	if bh.OutputMMRSize, err = readUint64(r); err != nil {
		return err
	}
	if err = readHash(r, &bh.KernelMMRRoot); err != nil {
		return err
	}
	if bh.KernelMMRSize, err = readUint64(r); err != nil {
		return err
	}
	if bh.Difficulty, err = readUint64(r); err != nil {
		return err
	}
	bh.Nonce, err = readUint64(r)
	return err
}

// writeBlockHeader writes a block header to w.
func writeBlockHeader(w io.Writer, pver uint32, bh *BlockHeader) error {
	if err := writeUint16(w, bh.Version); err != nil {
		return err
	}
	if err := writeUint64(w, bh.Height); err != nil {
		return err
	}
	if err := writeHash(w, &bh.PrevBlock); err != nil {
		return err
	}
	if err := writeTimestamp(w, bh.Timestamp); err != nil {
		return err
	}
	if err := writeHash(w, &bh.OutputMMRRoot); err != nil {
		return err
	}
	if err := writeUint64(w, bh.OutputMMRSize); err != nil {
		return err
	}
	if err := writeHash(w, &bh.KernelMMRRoot); err != nil {
		return err
	}
	if err := writeUint64(w, bh.KernelMMRSize); err != nil {
		return err
	}
	if err := writeUint64(w, bh.Difficulty); err != nil {
		return err
	}
	return writeUint64(w, bh.Nonce)
}
