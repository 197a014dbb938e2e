// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	// MaxBlockLocatorHashes is the maximum number of local block hashes a
	// node may send when looking for the point its chain splits from a
	// peer's chain.
	MaxBlockLocatorHashes = 500

	// MaxChainSplitHeaders is the maximum number of headers decoded from a
	// chain split response.  It is deliberately larger than what any honest
	// peer will send so that the sync layer sees oversized replies and can
	// punish the sender instead of failing on a decode error.
	MaxChainSplitHeaders = 2000

	// MaxHeadersPerStream is the maximum number of headers a single header
	// stream may be asked for.
	MaxHeadersPerStream = 10_000
)

// MsgFindChainSplit asks a peer to locate the most recent of the given block
// hashes that is on its main chain and to return up to HeaderCount headers
// following it.  Hashes are ordered from the local tip backwards.
type MsgFindChainSplit struct {
	BlockHashes []chainhash.Hash
	HeaderCount uint64
}

// Decode is part of the Message interface implementation.
func (msg *MsgFindChainSplit) Decode(r io.Reader, pver uint32) error {
	count, err := readCount(r, pver, MaxBlockLocatorHashes, "locator hashes")
	if err != nil {
		return err
	}
	msg.BlockHashes = makeItems[chainhash.Hash](count)
	for i := range msg.BlockHashes {
		if err := readHash(r, &msg.BlockHashes[i]); err != nil {
			return err
		}
	}
	msg.HeaderCount, err = readUint64(r)
	return err
}

// Encode is part of the Message interface implementation.
func (msg *MsgFindChainSplit) Encode(w io.Writer, pver uint32) error {
	if len(msg.BlockHashes) > MaxBlockLocatorHashes {
		str := fmt.Sprintf("too many locator hashes for message "+
			"[count %v, max %v]", len(msg.BlockHashes),
			MaxBlockLocatorHashes)
		return messageError("MsgFindChainSplit.Encode", str)
	}
	if err := WriteVarInt(w, pver, uint64(len(msg.BlockHashes))); err != nil {
		return err
	}
	for i := range msg.BlockHashes {
		if err := writeHash(w, &msg.BlockHashes[i]); err != nil {
			return err
		}
	}
	return writeUint64(w, msg.HeaderCount)
}

// Command returns the protocol command string for the message.
func (msg *MsgFindChainSplit) Command() string { return CmdFindChainSplit }

// MsgChainSplit answers MsgFindChainSplit.  When Found is set ForkHashIndex
// is the index into the request's hashes of the fork point and Headers follow
// it in ascending height order.
type MsgChainSplit struct {
	Found         bool
	ForkHashIndex uint64
	Headers       []BlockHeader
}

// Decode is part of the Message interface implementation.
func (msg *MsgChainSplit) Decode(r io.Reader, pver uint32) error {
	found, err := readUint8(r)
	if err != nil {
		return err
	}
	msg.Found = found != 0
	if msg.ForkHashIndex, err = readUint64(r); err != nil {
		return err
	}
	count, err := readCount(r, pver, MaxChainSplitHeaders, "split headers")
	if err != nil {
		return err
	}
	msg.Headers = makeItems[BlockHeader](count)
	for i := range msg.Headers {
		if err := readBlockHeader(r, pver, &msg.Headers[i]); err != nil {
			return err
		}
	}
	return nil
}

// Encode is part of the Message interface implementation.
func (msg *MsgChainSplit) Encode(w io.Writer, pver uint32) error {
	var found uint8
	if msg.Found {
		found = 1
	}
	if err := writeUint8(w, found); err != nil {
		return err
	}
	if err := writeUint64(w, msg.ForkHashIndex); err != nil {
		return err
	}
	if err := WriteVarInt(w, pver, uint64(len(msg.Headers))); err != nil {
		return err
	}
	for i := range msg.Headers {
		if err := writeBlockHeader(w, pver, &msg.Headers[i]); err != nil {
			return err
		}
	}
	return nil
}

// Command returns the protocol command string for the message.
func (msg *MsgChainSplit) Command() string { return CmdChainSplit }

// MsgSyncHeaders opens a stream of up to Count headers following StartHash
// on the peer's main chain.
type MsgSyncHeaders struct {
	StartHash chainhash.Hash
	Count     uint64
}

// Decode is part of the Message interface implementation.
func (msg *MsgSyncHeaders) Decode(r io.Reader, pver uint32) error {
	if err := readHash(r, &msg.StartHash); err != nil {
		return err
	}
	var err error
	msg.Count, err = readUint64(r)
	return err
}

// Encode is part of the Message interface implementation.
func (msg *MsgSyncHeaders) Encode(w io.Writer, pver uint32) error {
	if err := writeHash(w, &msg.StartHash); err != nil {
		return err
	}
	return writeUint64(w, msg.Count)
}

// Command returns the protocol command string for the message.
func (msg *MsgSyncHeaders) Command() string { return CmdSyncHeaders }

// MsgHeader is a single item of a header stream.
type MsgHeader struct {
	Header BlockHeader
}

// Decode is part of the Message interface implementation.
func (msg *MsgHeader) Decode(r io.Reader, pver uint32) error {
	return readBlockHeader(r, pver, &msg.Header)
}

// Encode is part of the Message interface implementation.
func (msg *MsgHeader) Encode(w io.Writer, pver uint32) error {
	return writeBlockHeader(w, pver, &msg.Header)
}

// Command returns the protocol command string for the message.
func (msg *MsgHeader) Command() string { return CmdHeader }

// MsgSyncBlocks opens a stream of block bodies for the main chain blocks
// from StartHash to EndHash, both inclusive.
type MsgSyncBlocks struct {
	StartHash chainhash.Hash
	EndHash   chainhash.Hash
}

// Decode is part of the Message interface implementation.
func (msg *MsgSyncBlocks) Decode(r io.Reader, pver uint32) error {
	if err := readHash(r, &msg.StartHash); err != nil {
		return err
	}
	return readHash(r, &msg.EndHash)
}

// Encode is part of the Message interface implementation.
func (msg *MsgSyncBlocks) Encode(w io.Writer, pver uint32) error {
	if err := writeHash(w, &msg.StartHash); err != nil {
		return err
	}
	return writeHash(w, &msg.EndHash)
}

// Command returns the protocol command string for the message.
func (msg *MsgSyncBlocks) Command() string { return CmdSyncBlocks }

// MsgBlockBody is a single item of a block stream.  The header is not sent
// since the receiver already synchronized it.
type MsgBlockBody struct {
	Hash chainhash.Hash
	Body AggregateBody
}

// Decode is part of the Message interface implementation.
func (msg *MsgBlockBody) Decode(r io.Reader, pver uint32) error {
	if err := readHash(r, &msg.Hash); err != nil {
		return err
	}
	return msg.Body.Decode(r, pver)
}

// Encode is part of the Message interface implementation.
func (msg *MsgBlockBody) Encode(w io.Writer, pver uint32) error {
	if err := writeHash(w, &msg.Hash); err != nil {
		return err
	}
	return msg.Body.Encode(w, pver)
}

// Command returns the protocol command string for the message.
func (msg *MsgBlockBody) Command() string { return CmdBlockBody }
