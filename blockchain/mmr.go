// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/utreexo/utreexo"
	"golang.org/x/crypto/blake2b"
)

// MerkleMountainRange is an append only accumulator over leaf hashes.  Only
// the peaks are kept which is all that is needed to extend it and compute
// its root.
type MerkleMountainRange struct {
	stump utreexo.Stump
}

// NewMerkleMountainRange returns an empty accumulator.
func NewMerkleMountainRange() *MerkleMountainRange {
	return &MerkleMountainRange{}
}

// Add appends leaves to the accumulator.
func (m *MerkleMountainRange) Add(leaves ...chainhash.Hash) error {
	if len(leaves) == 0 {
		return nil
	}
	adds := make([]utreexo.Hash, len(leaves))
	for i := range leaves {
		adds[i] = utreexo.Hash(leaves[i])
	}
	_, err := m.stump.Update(nil, adds, utreexo.Proof{})
	return err
}

// NumLeaves returns the number of leaves added so far.
func (m *MerkleMountainRange) NumLeaves() uint64 {
	return m.stump.NumLeaves
}

// Root bags the peaks into a single commitment that also covers the leaf
// count.
func (m *MerkleMountainRange) Root() chainhash.Hash {
	h, _ := blake2b.New256(nil)
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], m.stump.NumLeaves)
	h.Write(n[:])
	for _, root := range m.stump.Roots {
		h.Write(root[:])
	}
	var root chainhash.Hash
	copy(root[:], h.Sum(nil))
	return root
}

// Copy returns a deep copy of the accumulator.
func (m *MerkleMountainRange) Copy() *MerkleMountainRange {
	roots := make([]utreexo.Hash, len(m.stump.Roots))
	copy(roots, m.stump.Roots)
	return &MerkleMountainRange{stump: utreexo.Stump{
		Roots:     roots,
		NumLeaves: m.stump.NumLeaves,
	}}
}

// maxMMRPeaks bounds the number of peaks read back from storage.  A range
// never has more peaks than bits in its leaf count.
const maxMMRPeaks = 64

// Serialize writes the accumulator state to w.
func (m *MerkleMountainRange) Serialize(w io.Writer) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], m.stump.NumLeaves)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(len(m.stump.Roots))}); err != nil {
		return err
	}
	for _, root := range m.stump.Roots {
		if _, err := w.Write(root[:]); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize reads an accumulator state written by Serialize.
func (m *MerkleMountainRange) Deserialize(r io.Reader) error {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	numLeaves := binary.LittleEndian.Uint64(buf[:])
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return err
	}
	count := int(buf[0])
	if count > maxMMRPeaks {
		return fmt.Errorf("mmr state has %d peaks, max %d", count,
			maxMMRPeaks)
	}
	roots := make([]utreexo.Hash, count)
	for i := range roots {
		if _, err := io.ReadFull(r, roots[i][:]); err != nil {
			return err
		}
	}
	m.stump = utreexo.Stump{Roots: roots, NumLeaves: numLeaves}
	return nil
}
