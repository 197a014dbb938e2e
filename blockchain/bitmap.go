// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/kkdai/bstream"
	"golang.org/x/crypto/blake2b"
)

// maxBitmapBits bounds the size of a deserialized bitmap.
const maxBitmapBits = 1 << 34

// Bitmap marks the output MMR positions that have been spent.  Its size
// always equals the number of leaves in the output MMR.
type Bitmap struct {
	size  uint64
	words []uint64
}

// NewBitmap returns a bitmap of size cleared bits.
func NewBitmap(size uint64) *Bitmap {
	b := &Bitmap{}
	b.Resize(size)
	return b
}

// Size returns the number of positions covered by the bitmap.
func (b *Bitmap) Size() uint64 {
	return b.size
}

// Resize grows or shrinks the bitmap.  Bits beyond a shrunk size are
// dropped so the serialization stays canonical.
func (b *Bitmap) Resize(size uint64) {
	n := int((size + 63) / 64)
	switch {
	case n > len(b.words):
		b.words = append(b.words, make([]uint64, n-len(b.words))...)
	case n < len(b.words):
		b.words = b.words[:n]
	}
	b.size = size
	if rem := size % 64; rem != 0 {
		b.words[n-1] &= (uint64(1) << rem) - 1
	}
}

// Set marks pos as spent.
func (b *Bitmap) Set(pos uint64) {
	if pos >= b.size {
		return
	}
	b.words[pos/64] |= 1 << (pos % 64)
}

// Clear marks pos as unspent.
func (b *Bitmap) Clear(pos uint64) {
	if pos >= b.size {
		return
	}
	b.words[pos/64] &^= 1 << (pos % 64)
}

// Contains reports whether pos is marked spent.
func (b *Bitmap) Contains(pos uint64) bool {
	if pos >= b.size {
		return false
	}
	return b.words[pos/64]&(1<<(pos%64)) != 0
}

// Count returns the number of spent positions.
func (b *Bitmap) Count() uint64 {
	var n uint64
	for _, w := range b.words {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}
	return n
}

// Copy returns a deep copy of the bitmap.
func (b *Bitmap) Copy() *Bitmap {
	words := make([]uint64, len(b.words))
	copy(words, b.words)
	return &Bitmap{size: b.size, words: words}
}

// Bytes serializes the bitmap as its size followed by its words.
func (b *Bitmap) Bytes() []byte {
	w := bstream.NewBStreamWriter(uint8(8))
	w.WriteBits(b.size, 64)
	for _, word := range b.words {
		w.WriteBits(word, 64)
	}

	// The writer keeps a spare byte open after every whole byte.
	return w.Bytes()[:8+8*len(b.words)]
}

// Hash returns the commitment to the bitmap that is folded into the output
// MMR root.
func (b *Bitmap) Hash() chainhash.Hash {
	return chainhash.Hash(blake2b.Sum256(b.Bytes()))
}

// DeserializeBitmap parses a bitmap produced by Bytes.  Set bits beyond the
// encoded size make the encoding non-canonical and are refused.
func DeserializeBitmap(data []byte) (*Bitmap, error) {
	// The reader shifts partially read bytes in place.
	r := bstream.NewBStreamReader(append([]byte(nil), data...))
	size, err := r.ReadBits(64)
	if err != nil {
		return nil, fmt.Errorf("reading bitmap size: %w", err)
	}
	if size > maxBitmapBits {
		return nil, fmt.Errorf("bitmap size %d exceeds max %d", size,
			maxBitmapBits)
	}
	n := (size + 63) / 64
	if uint64(len(data)) != 8+8*n {
		return nil, fmt.Errorf("bitmap of size %d needs %d bytes, got %d",
			size, 8+8*n, len(data))
	}
	b := &Bitmap{size: size, words: make([]uint64, n)}
	for i := range b.words {
		if b.words[i], err = r.ReadBits(64); err != nil {
			return nil, fmt.Errorf("reading bitmap word: %w", err)
		}
	}
	if rem := size % 64; rem != 0 && b.words[n-1]>>rem != 0 {
		return nil, fmt.Errorf("bitmap has bits set beyond size %d", size)
	}
	return b, nil
}

// OutputMMRRoot combines the output MMR root with the deletion bitmap into
// the value committed to by block headers.
func OutputMMRRoot(mmr *MerkleMountainRange, deleted *Bitmap) chainhash.Hash {
	root := mmr.Root()
	bitmapHash := deleted.Hash()
	var buf [64]byte
	copy(buf[:32], root[:])
	copy(buf[32:], bitmapHash[:])
	return chainhash.Hash(blake2b.Sum256(buf[:]))
}
