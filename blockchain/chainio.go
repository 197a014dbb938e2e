// Copyright (c) 2015-2017 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/utreexo/horizond/wire"
)

// Key prefixes of the chain store.  Every record lives in a single leveldb
// keyspace and is addressed by a one byte prefix followed by its key.
var (
	// headerPrefix + block hash -> serialized header and accumulated
	// difficulty.
	headerPrefix = []byte{'h'}

	// headerChainPrefix + big endian height -> hash of the header on the
	// best header chain at that height.
	headerChainPrefix = []byte{'H'}

	// bodyPrefix + block hash -> serialized block body.
	bodyPrefix = []byte{'b'}

	// statePrefix + block hash -> kernel and output MMR state after the
	// block.
	statePrefix = []byte{'s'}

	// undoPrefix + block hash -> output positions spent by the block.
	undoPrefix = []byte{'u'}

	// kernelPrefix + big endian MMR index -> serialized kernel.
	kernelPrefix = []byte{'k'}

	// kernelSigPrefix + excess signature -> big endian MMR index.
	kernelSigPrefix = []byte{'K'}

	// outputPrefix + big endian MMR position -> output record.
	outputPrefix = []byte{'o'}

	// outputHashPrefix + output hash -> big endian MMR position.
	outputHashPrefix = []byte{'O'}

	// commitmentPrefix + commitment hash -> big endian MMR position.  Only
	// live outputs are indexed, which is what keeps commitments unique.
	commitmentPrefix = []byte{'c'}

	// badBlockPrefix + block hash -> reason the block was rejected.
	badBlockPrefix = []byte{'x'}

	// orphanPrefix + block hash -> serialized orphan block.
	orphanPrefix = []byte{'r'}

	blockTipKey  = []byte("blocktip")
	headerTipKey = []byte("headertip")
	bitmapKey    = []byte("deleted")
	prunedKey    = []byte("pruned")
)

// dbReader is satisfied by *leveldb.DB, *leveldb.Transaction and
// *leveldb.Snapshot.
type dbReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	Has(key []byte, ro *opt.ReadOptions) (bool, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

// dbWriter is satisfied by *leveldb.DB and *leveldb.Transaction.
type dbWriter interface {
	dbReader
	Put(key, value []byte, wo *opt.WriteOptions) error
	Delete(key []byte, wo *opt.WriteOptions) error
}

func prefixKey(prefix []byte, key []byte) []byte {
	k := make([]byte, len(prefix)+len(key))
	copy(k, prefix)
	copy(k[len(prefix):], key)
	return k
}

func uint64Key(prefix []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return prefixKey(prefix, buf[:])
}

func encodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("expected 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// dbGet wraps Get so that a missing key is reported as (nil, nil).
func dbGet(r dbReader, key []byte) ([]byte, error) {
	v, err := r.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// update runs fn inside a single leveldb transaction.  Either every write
// made by fn is committed or none is.
func update(db *leveldb.DB, fn func(tx dbWriter) error) error {
	tx, err := db.OpenTransaction()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

// headerRecord is a validated header together with the work of the chain
// ending in it.
type headerRecord struct {
	header  wire.BlockHeader
	hash    chainhash.Hash
	accDiff *big.Int
}

func serializeHeaderRecord(rec *headerRecord) []byte {
	var buf bytes.Buffer
	_ = rec.header.Serialize(&buf)
	buf.Write(rec.accDiff.Bytes())
	return buf.Bytes()
}

func deserializeHeaderRecord(b []byte) (*headerRecord, error) {
	if len(b) < wire.BlockHeaderLen {
		return nil, fmt.Errorf("header record of %d bytes is too short",
			len(b))
	}
	rec := &headerRecord{}
	if err := rec.header.Deserialize(bytes.NewReader(b[:wire.BlockHeaderLen])); err != nil {
		return nil, err
	}
	rec.hash = rec.header.BlockHash()
	rec.accDiff = new(big.Int).SetBytes(b[wire.BlockHeaderLen:])
	return rec, nil
}

func dbFetchHeaderRecord(r dbReader, hash *chainhash.Hash) (*headerRecord, error) {
	v, err := dbGet(r, prefixKey(headerPrefix, hash[:]))
	if err != nil || v == nil {
		return nil, err
	}
	return deserializeHeaderRecord(v)
}

func dbPutHeaderRecord(w dbWriter, rec *headerRecord) error {
	return w.Put(prefixKey(headerPrefix, rec.hash[:]),
		serializeHeaderRecord(rec), nil)
}

func dbFetchHeaderChainHash(r dbReader, height uint64) (*chainhash.Hash, error) {
	v, err := dbGet(r, uint64Key(headerChainPrefix, height))
	if err != nil || v == nil {
		return nil, err
	}
	return chainhash.NewHash(v)
}

func dbFetchBody(r dbReader, hash *chainhash.Hash) (*wire.AggregateBody, error) {
	v, err := dbGet(r, prefixKey(bodyPrefix, hash[:]))
	if err != nil || v == nil {
		return nil, err
	}
	var body wire.AggregateBody
	if err := body.Decode(bytes.NewReader(v), 0); err != nil {
		return nil, err
	}
	return &body, nil
}

func dbPutBody(w dbWriter, hash *chainhash.Hash, body *wire.AggregateBody) error {
	var buf bytes.Buffer
	if err := body.Encode(&buf, 0); err != nil {
		return err
	}
	return w.Put(prefixKey(bodyPrefix, hash[:]), buf.Bytes(), nil)
}

// blockState is the accumulator state after a block has been applied.
type blockState struct {
	kernels *MerkleMountainRange
	outputs *MerkleMountainRange
}

func dbFetchBlockState(r dbReader, hash *chainhash.Hash) (*blockState, error) {
	v, err := dbGet(r, prefixKey(statePrefix, hash[:]))
	if err != nil || v == nil {
		return nil, err
	}
	state := &blockState{
		kernels: NewMerkleMountainRange(),
		outputs: NewMerkleMountainRange(),
	}
	rd := bytes.NewReader(v)
	if err := state.kernels.Deserialize(rd); err != nil {
		return nil, err
	}
	if err := state.outputs.Deserialize(rd); err != nil {
		return nil, err
	}
	return state, nil
}

func dbPutBlockState(w dbWriter, hash *chainhash.Hash, state *blockState) error {
	var buf bytes.Buffer
	if err := state.kernels.Serialize(&buf); err != nil {
		return err
	}
	if err := state.outputs.Serialize(&buf); err != nil {
		return err
	}
	return w.Put(prefixKey(statePrefix, hash[:]), buf.Bytes(), nil)
}

func serializePositions(positions []uint64) []byte {
	b := make([]byte, 8*len(positions))
	for i, pos := range positions {
		binary.BigEndian.PutUint64(b[i*8:], pos)
	}
	return b
}

func deserializePositions(b []byte) ([]uint64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("position list of %d bytes is malformed",
			len(b))
	}
	positions := make([]uint64, len(b)/8)
	for i := range positions {
		positions[i] = binary.BigEndian.Uint64(b[i*8:])
	}
	return positions, nil
}

// dbFetchUndo returns the positions spent by a block and whether undo data
// was present at all.
func dbFetchUndo(r dbReader, hash *chainhash.Hash) ([]uint64, bool, error) {
	v, err := dbGet(r, prefixKey(undoPrefix, hash[:]))
	if err != nil || v == nil {
		return nil, false, err
	}
	positions, err := deserializePositions(v)
	return positions, true, err
}

// outputRecord is a leaf of the output MMR.  Pruned records only keep the
// leaf hash.
type outputRecord struct {
	pruned bool
	hash   chainhash.Hash
	output wire.TxOutput
}

func serializeOutputRecord(rec *outputRecord) []byte {
	var buf bytes.Buffer
	if rec.pruned {
		buf.WriteByte(1)
		buf.Write(rec.hash[:])
		return buf.Bytes()
	}
	buf.WriteByte(0)
	_ = rec.output.Encode(&buf, 0)
	return buf.Bytes()
}

func deserializeOutputRecord(b []byte) (*outputRecord, error) {
	if len(b) == 0 {
		return nil, errors.New("empty output record")
	}
	rec := &outputRecord{pruned: b[0] == 1}
	if rec.pruned {
		if len(b) != 1+chainhash.HashSize {
			return nil, errors.New("malformed pruned output record")
		}
		copy(rec.hash[:], b[1:])
		return rec, nil
	}
	if err := rec.output.Decode(bytes.NewReader(b[1:]), 0); err != nil {
		return nil, err
	}
	rec.hash = rec.output.Hash()
	return rec, nil
}

func dbFetchOutput(r dbReader, pos uint64) (*outputRecord, error) {
	v, err := dbGet(r, uint64Key(outputPrefix, pos))
	if err != nil || v == nil {
		return nil, err
	}
	return deserializeOutputRecord(v)
}

// dbPutOutput writes a new output leaf and its hash index.  Live outputs are
// also added to the commitment index.
func dbPutOutput(w dbWriter, pos uint64, rec *outputRecord, live bool) error {
	if err := w.Put(uint64Key(outputPrefix, pos),
		serializeOutputRecord(rec), nil); err != nil {
		return err
	}
	if err := w.Put(prefixKey(outputHashPrefix, rec.hash[:]),
		encodeUint64(pos), nil); err != nil {
		return err
	}
	if live && !rec.pruned {
		return dbPutLiveCommitment(w, &rec.output.Commitment, pos)
	}
	return nil
}

// dbDeleteOutput removes an output leaf along with every index pointing at
// it.
func dbDeleteOutput(w dbWriter, pos uint64) error {
	rec, err := dbFetchOutput(w, pos)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if !rec.pruned {
		if err := dbDeleteLiveCommitment(w, &rec.output.Commitment, pos); err != nil {
			return err
		}
	}
	if err := w.Delete(prefixKey(outputHashPrefix, rec.hash[:]), nil); err != nil {
		return err
	}
	return w.Delete(uint64Key(outputPrefix, pos), nil)
}

func dbFetchOutputPosition(r dbReader, hash *chainhash.Hash) (uint64, bool, error) {
	v, err := dbGet(r, prefixKey(outputHashPrefix, hash[:]))
	if err != nil || v == nil {
		return 0, false, err
	}
	pos, err := decodeUint64(v)
	return pos, err == nil, err
}

func dbFetchLiveCommitment(r dbReader, c *wire.Commitment) (uint64, bool, error) {
	h := c.Hash()
	v, err := dbGet(r, prefixKey(commitmentPrefix, h[:]))
	if err != nil || v == nil {
		return 0, false, err
	}
	pos, err := decodeUint64(v)
	return pos, err == nil, err
}

// dbPutLiveCommitment indexes a live commitment.  A second live output with
// the same commitment is refused.
func dbPutLiveCommitment(w dbWriter, c *wire.Commitment, pos uint64) error {
	h := c.Hash()
	key := prefixKey(commitmentPrefix, h[:])
	existing, err := dbGet(w, key)
	if err != nil {
		return err
	}
	if existing != nil {
		str := fmt.Sprintf("commitment %v is already used by a live "+
			"output", c)
		return ruleError(ErrDuplicateCommitment, str)
	}
	return w.Put(key, encodeUint64(pos), nil)
}

// dbDeleteLiveCommitment removes a commitment from the live index if it
// still points at pos.
func dbDeleteLiveCommitment(w dbWriter, c *wire.Commitment, pos uint64) error {
	h := c.Hash()
	key := prefixKey(commitmentPrefix, h[:])
	v, err := dbGet(w, key)
	if err != nil || v == nil {
		return err
	}
	if cur, err := decodeUint64(v); err != nil || cur != pos {
		return err
	}
	return w.Delete(key, nil)
}

func dbFetchKernel(r dbReader, index uint64) (*wire.TxKernel, error) {
	v, err := dbGet(r, uint64Key(kernelPrefix, index))
	if err != nil || v == nil {
		return nil, err
	}
	var k wire.TxKernel
	if err := k.Decode(bytes.NewReader(v), 0); err != nil {
		return nil, err
	}
	return &k, nil
}

func dbPutKernel(w dbWriter, index uint64, k *wire.TxKernel) error {
	var buf bytes.Buffer
	if err := k.Encode(&buf, 0); err != nil {
		return err
	}
	if err := w.Put(uint64Key(kernelPrefix, index), buf.Bytes(), nil); err != nil {
		return err
	}
	return w.Put(prefixKey(kernelSigPrefix, k.ExcessSig[:]),
		encodeUint64(index), nil)
}

func dbDeleteKernel(w dbWriter, index uint64) error {
	k, err := dbFetchKernel(w, index)
	if err != nil || k == nil {
		return err
	}
	if err := w.Delete(prefixKey(kernelSigPrefix, k.ExcessSig[:]), nil); err != nil {
		return err
	}
	return w.Delete(uint64Key(kernelPrefix, index), nil)
}

func dbHasKernel(r dbReader, sig *wire.ExcessSig) (bool, error) {
	return r.Has(prefixKey(kernelSigPrefix, sig[:]), nil)
}

func dbFetchBitmap(r dbReader) (*Bitmap, error) {
	v, err := dbGet(r, bitmapKey)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return NewBitmap(0), nil
	}
	return DeserializeBitmap(v)
}

func dbFetchUint64(r dbReader, key []byte) (uint64, bool, error) {
	v, err := dbGet(r, key)
	if err != nil || v == nil {
		return 0, false, err
	}
	n, err := decodeUint64(v)
	return n, err == nil, err
}

func dbFetchOrphan(r dbReader, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	v, err := dbGet(r, prefixKey(orphanPrefix, hash[:]))
	if err != nil || v == nil {
		return nil, err
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(v)); err != nil {
		return nil, err
	}
	return &block, nil
}

func dbPutOrphan(w dbWriter, block *wire.MsgBlock) error {
	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		return err
	}
	hash := block.BlockHash()
	return w.Put(prefixKey(orphanPrefix, hash[:]), buf.Bytes(), nil)
}

// prefixRange returns the key range covering every key with the given
// prefix.
func prefixRange(prefix []byte) *util.Range {
	return util.BytesPrefix(prefix)
}

// uint64Range returns the key range of prefixed big endian keys in
// [start, end).
func uint64Range(prefix []byte, start, end uint64) *util.Range {
	return &util.Range{
		Start: uint64Key(prefix, start),
		Limit: uint64Key(prefix, end),
	}
}
