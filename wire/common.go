// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
)

const (
	// ProtocolVersion is the latest protocol version this package supports.
	ProtocolVersion uint32 = 1

	// MaxVarBytesLen is the upper bound applied to any variable length byte
	// field that has no tighter limit of its own.
	MaxVarBytesLen = 1 << 20

	// maxDifficultyBytes bounds the serialized accumulated difficulty.  A
	// 32 byte big endian integer is far beyond any reachable amount of work.
	maxDifficultyBytes = 32
)

// littleEndian is a convenience variable since binary.LittleEndian is quite
// long.
var littleEndian = binary.LittleEndian

// MessageError describes an issue with a message.  An example of some
// potential issues are messages from the wrong network, invalid commands,
// mismatched checksums, and exceeding max payloads.
type MessageError struct {
	Func        string // Function name
	Description string // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e *MessageError) Error() string {
	if e.Func != "" {
		return fmt.Sprintf("%v: %v", e.Func, e.Description)
	}
	return e.Description
}

// messageError creates an error for the given function and description.
func messageError(f string, desc string) *MessageError {
	return &MessageError{Func: f, Description: desc}
}

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return littleEndian.Uint16(b[:]), nil
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	littleEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return littleEndian.Uint64(b[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	littleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readHash(r io.Reader, hash *chainhash.Hash) error {
	_, err := io.ReadFull(r, hash[:])
	return err
}

func writeHash(w io.Writer, hash *chainhash.Hash) error {
	_, err := w.Write(hash[:])
	return err
}

// readTimestamp reads a unix timestamp encoded as a uint64 in seconds.
func readTimestamp(r io.Reader) (time.Time, error) {
	sec, err := readUint64(r)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(sec), 0), nil
}

func writeTimestamp(w io.Writer, t time.Time) error {
	return writeUint64(w, uint64(t.Unix()))
}

// ReadVarInt reads a variable length integer from r and returns it as a
// uint64.
func ReadVarInt(r io.Reader, pver uint32) (uint64, error) {
	return btcwire.ReadVarInt(r, pver)
}

// WriteVarInt serializes val to w using a variable number of bytes depending
// on its value.
func WriteVarInt(w io.Writer, pver uint32, val uint64) error {
	return btcwire.WriteVarInt(w, pver, val)
}

// readCount reads a variable length element count and rejects it when it
// exceeds max so that a malicious peer cannot force huge allocations.
func readCount(r io.Reader, pver uint32, max uint64, fieldName string) (uint64, error) {
	count, err := btcwire.ReadVarInt(r, pver)
	if err != nil {
		return 0, err
	}
	if count > max {
		str := fmt.Sprintf("too many %s [count %d, max %d]", fieldName,
			count, max)
		return 0, messageError("readCount", str)
	}
	return count, nil
}

// readVarBytes reads a variable length byte array.  An empty array decodes
// to nil so decoded messages compare equal to the ones they were built from.
func readVarBytes(r io.Reader, pver uint32, max uint32, fieldName string) ([]byte, error) {
	b, err := btcwire.ReadVarBytes(r, pver, max, fieldName)
	if err != nil || len(b) == 0 {
		return nil, err
	}
	return b, nil
}

// makeItems allocates the slice for count decoded list items, leaving empty
// lists nil.
func makeItems[T any](count uint64) []T {
	if count == 0 {
		return nil
	}
	return make([]T, count)
}

func writeVarBytes(w io.Writer, pver uint32, b []byte) error {
	return btcwire.WriteVarBytes(w, pver, b)
}

func readVarString(r io.Reader, pver uint32) (string, error) {
	return btcwire.ReadVarString(r, pver)
}

func writeVarString(w io.Writer, pver uint32, s string) error {
	return btcwire.WriteVarString(w, pver, s)
}

// readDifficulty reads a big endian encoded unsigned integer.
func readDifficulty(r io.Reader, pver uint32) (*big.Int, error) {
	b, err := readVarBytes(r, pver, maxDifficultyBytes, "difficulty")
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

func writeDifficulty(w io.Writer, pver uint32, d *big.Int) error {
	if d == nil {
		return writeVarBytes(w, pver, nil)
	}
	if d.Sign() < 0 {
		return messageError("writeDifficulty", "negative difficulty")
	}
	return writeVarBytes(w, pver, d.Bytes())
}

// VarIntSerializeSize returns the number of bytes it would take to serialize
// val as a variable length integer.
func VarIntSerializeSize(val uint64) int {
	return btcwire.VarIntSerializeSize(val)
}
