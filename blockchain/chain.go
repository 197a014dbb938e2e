// Copyright (c) 2013-2018 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/utreexo/horizond/chaincfg"
	"github.com/utreexo/horizond/wire"
)

const (
	// defaultBadBlockCacheSize is the number of known bad block hashes kept
	// in memory in front of the persisted list.
	defaultBadBlockCacheSize = 1000

	// defaultMaxOrphans is the maximum number of orphan blocks that can be
	// kept.
	defaultMaxOrphans = 100
)

// ChainTip describes the end of the block chain or of the header chain.
type ChainTip struct {
	Hash                  chainhash.Hash
	Height                uint64
	AccumulatedDifficulty *big.Int
	Header                wire.BlockHeader
}

func tipFromRecord(rec *headerRecord) ChainTip {
	return ChainTip{
		Hash:                  rec.hash,
		Height:                rec.header.Height,
		AccumulatedDifficulty: new(big.Int).Set(rec.accDiff),
		Header:                rec.header,
	}
}

// chainState is the accumulator state at the block tip.
type chainState struct {
	tip     *headerRecord
	kernels *MerkleMountainRange
	outputs *MerkleMountainRange
	deleted *Bitmap
}

func (s *chainState) copy() *chainState {
	return &chainState{
		tip:     s.tip,
		kernels: s.kernels.Copy(),
		outputs: s.outputs.Copy(),
		deleted: s.deleted.Copy(),
	}
}

// Config is a descriptor which specifies the blockchain instance configuration.
type Config struct {
	// DB defines the database which houses the blocks and will be used to
	// store all metadata created by this package.
	//
	// This field is required.
	DB *leveldb.DB

	// ChainParams identifies which chain parameters the chain is associated
	// with.
	//
	// This field is required.
	ChainParams *chaincfg.Params

	// PruningHorizon is the number of blocks below the tip whose bodies are
	// kept.  Zero keeps every body.
	PruningHorizon uint64

	// TimeSource defines the clock used when checking header timestamps.
	// It defaults to time.Now.
	TimeSource func() time.Time

	// ProofVerifier verifies output proofs.  It defaults to the schnorr
	// ownership proof verifier.
	ProofVerifier ProofVerifier

	// BadBlockCacheSize is the number of known bad block hashes cached in
	// memory.
	BadBlockCacheSize uint

	// MaxOrphans is the maximum number of orphan blocks kept.
	MaxOrphans int
}

// BlockChain provides functions for working with the chain of headers and
// blocks.  It keeps two tips: the header tip is the end of the best known
// header chain and the block tip is the end of the chain whose bodies have
// been validated and applied.  The header chain never carries less work than
// the block chain.
type BlockChain struct {
	db             *leveldb.DB
	chainParams    *chaincfg.Params
	timeSource     func() time.Time
	proofVerifier  ProofVerifier
	pruningHorizon uint64
	maxOrphans     int

	// chainLock protects every field below as well as all writes to the
	// database.
	chainLock    sync.RWMutex
	state        *chainState
	headerTip    *headerRecord
	prunedHeight uint64

	// orphans indexes the persisted orphan blocks by hash and by parent.
	orphans     map[chainhash.Hash]*orphanBlock
	prevOrphans map[chainhash.Hash][]chainhash.Hash

	badBlocks lru.Cache

	notificationsLock sync.RWMutex
	notifications     []NotificationCallback
}

// New returns a BlockChain instance using the provided configuration details.
// An empty database is initialized with the genesis block of the network.
func New(config *Config) (*BlockChain, error) {
	if config.DB == nil {
		return nil, errors.New("blockchain.New database is nil")
	}
	if config.ChainParams == nil {
		return nil, errors.New("blockchain.New chain parameters nil")
	}

	b := &BlockChain{
		db:             config.DB,
		chainParams:    config.ChainParams,
		timeSource:     config.TimeSource,
		proofVerifier:  config.ProofVerifier,
		pruningHorizon: config.PruningHorizon,
		maxOrphans:     config.MaxOrphans,
		orphans:        make(map[chainhash.Hash]*orphanBlock),
		prevOrphans:    make(map[chainhash.Hash][]chainhash.Hash),
	}
	if b.timeSource == nil {
		b.timeSource = time.Now
	}
	if b.proofVerifier == nil {
		b.proofVerifier = SchnorrProofVerifier{}
	}
	if b.maxOrphans == 0 {
		b.maxOrphans = defaultMaxOrphans
	}
	cacheSize := config.BadBlockCacheSize
	if cacheSize == 0 {
		cacheSize = defaultBadBlockCacheSize
	}
	b.badBlocks = lru.NewCache(cacheSize)

	if err := b.initChainState(); err != nil {
		return nil, err
	}
	if err := b.loadOrphans(); err != nil {
		return nil, err
	}

	log.Infof("Chain state (block height %d, hash %v, header height %d, "+
		"pruned height %d)", b.state.tip.header.Height, b.state.tip.hash,
		b.headerTip.header.Height, b.prunedHeight)

	return b, nil
}

// initChainState loads the chain state from the database, creating the
// genesis state on first use.
func (b *BlockChain) initChainState() error {
	tipHash, err := dbGet(b.db, blockTipKey)
	if err != nil {
		return err
	}
	if tipHash == nil {
		if err := b.createChainState(); err != nil {
			return err
		}
		if tipHash, err = dbGet(b.db, blockTipKey); err != nil {
			return err
		}
	}

	hash, err := chainhash.NewHash(tipHash)
	if err != nil {
		return err
	}
	tip, err := dbFetchHeaderRecord(b.db, hash)
	if err != nil {
		return err
	}
	if tip == nil {
		return fmt.Errorf("block tip %v has no header", hash)
	}
	state, err := dbFetchBlockState(b.db, hash)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("block tip %v has no accumulator state", hash)
	}
	deleted, err := dbFetchBitmap(b.db)
	if err != nil {
		return err
	}
	b.state = &chainState{
		tip:     tip,
		kernels: state.kernels,
		outputs: state.outputs,
		deleted: deleted,
	}

	headerTipHash, err := dbGet(b.db, headerTipKey)
	if err != nil {
		return err
	}
	hash, err = chainhash.NewHash(headerTipHash)
	if err != nil {
		return err
	}
	if b.headerTip, err = dbFetchHeaderRecord(b.db, hash); err != nil {
		return err
	}
	if b.headerTip == nil {
		return fmt.Errorf("header tip %v has no header", hash)
	}

	b.prunedHeight, _, err = dbFetchUint64(b.db, prunedKey)
	return err
}

// createChainState writes the genesis block and its empty accumulators.
func (b *BlockChain) createChainState() error {
	genesis := &headerRecord{
		header:  *b.chainParams.GenesisHeader,
		hash:    *b.chainParams.GenesisHash,
		accDiff: new(big.Int).SetUint64(b.chainParams.GenesisHeader.Difficulty),
	}
	return update(b.db, func(tx dbWriter) error {
		if err := dbPutHeaderRecord(tx, genesis); err != nil {
			return err
		}
		if err := tx.Put(uint64Key(headerChainPrefix, 0), genesis.hash[:], nil); err != nil {
			return err
		}
		if err := dbPutBody(tx, &genesis.hash, &wire.AggregateBody{}); err != nil {
			return err
		}
		state := &blockState{
			kernels: NewMerkleMountainRange(),
			outputs: NewMerkleMountainRange(),
		}
		if err := dbPutBlockState(tx, &genesis.hash, state); err != nil {
			return err
		}
		if err := tx.Put(bitmapKey, NewBitmap(0).Bytes(), nil); err != nil {
			return err
		}
		if err := tx.Put(blockTipKey, genesis.hash[:], nil); err != nil {
			return err
		}
		return tx.Put(headerTipKey, genesis.hash[:], nil)
	})
}

// ChainParams returns the network parameters of the chain.
func (b *BlockChain) ChainParams() *chaincfg.Params {
	return b.chainParams
}

// PruningHorizon returns the configured pruning horizon.  Zero means the
// node keeps every body.
func (b *BlockChain) PruningHorizon() uint64 {
	return b.pruningHorizon
}

// ChainMetadata returns the metadata of the block chain.
func (b *BlockChain) ChainMetadata() wire.ChainMetadata {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	return wire.ChainMetadata{
		Height:                b.state.tip.header.Height,
		AccumulatedDifficulty: new(big.Int).Set(b.state.tip.accDiff),
		BestBlock:             b.state.tip.hash,
		PruningHorizon:        b.pruningHorizon,
		PrunedHeight:          b.prunedHeight,
	}
}

// BlockTip returns the end of the block chain.
func (b *BlockChain) BlockTip() ChainTip {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()
	return tipFromRecord(b.state.tip)
}

// HeaderTip returns the end of the best header chain.
func (b *BlockChain) HeaderTip() ChainTip {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()
	return tipFromRecord(b.headerTip)
}

// PrunedHeight returns the height below which bodies have been discarded.
func (b *BlockChain) PrunedHeight() uint64 {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()
	return b.prunedHeight
}

// FetchHeader returns the header with the given hash.
func (b *BlockChain) FetchHeader(hash *chainhash.Hash) (*wire.BlockHeader, error) {
	rec, err := dbFetchHeaderRecord(b.db, hash)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("header %v: %w", hash, ErrNotFound)
	}
	return &rec.header, nil
}

// HaveHeader returns whether a validated header with the given hash is known.
func (b *BlockChain) HaveHeader(hash *chainhash.Hash) (bool, error) {
	return b.db.Has(prefixKey(headerPrefix, hash[:]), nil)
}

// AccumulatedDifficulty returns the work of the chain ending in hash.
func (b *BlockChain) AccumulatedDifficulty(hash *chainhash.Hash) (*big.Int, error) {
	rec, err := dbFetchHeaderRecord(b.db, hash)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("header %v: %w", hash, ErrNotFound)
	}
	return rec.accDiff, nil
}

// HeaderByHeight returns the header at height on the best header chain.
func (b *BlockChain) HeaderByHeight(height uint64) (*wire.BlockHeader, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	hash, err := dbFetchHeaderChainHash(b.db, height)
	if err != nil {
		return nil, err
	}
	if hash == nil {
		return nil, fmt.Errorf("no header at height %d: %w", height,
			ErrNotFound)
	}
	return b.FetchHeader(hash)
}

// HashByHeight returns the hash at height on the best header chain.
func (b *BlockChain) HashByHeight(height uint64) (*chainhash.Hash, error) {
	hash, err := dbFetchHeaderChainHash(b.db, height)
	if err != nil {
		return nil, err
	}
	if hash == nil {
		return nil, fmt.Errorf("no header at height %d: %w", height,
			ErrNotFound)
	}
	return hash, nil
}

// IsOnHeaderChain returns whether hash is part of the best header chain.
func (b *BlockChain) IsOnHeaderChain(hash *chainhash.Hash) (bool, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()
	return b.isOnHeaderChain(b.db, hash)
}

func (b *BlockChain) isOnHeaderChain(r dbReader, hash *chainhash.Hash) (bool, error) {
	rec, err := dbFetchHeaderRecord(r, hash)
	if err != nil || rec == nil {
		return false, err
	}
	onChain, err := dbFetchHeaderChainHash(r, rec.header.Height)
	if err != nil || onChain == nil {
		return false, err
	}
	return onChain.IsEqual(hash), nil
}

// HaveBlock returns whether the block with the given hash is known, either
// applied, stored as a side chain block or held as an orphan.
func (b *BlockChain) HaveBlock(hash *chainhash.Hash) (bool, error) {
	b.chainLock.RLock()
	_, isOrphan := b.orphans[*hash]
	b.chainLock.RUnlock()
	if isOrphan {
		return true, nil
	}
	if ok, err := b.db.Has(prefixKey(statePrefix, hash[:]), nil); err != nil || ok {
		return ok, err
	}
	return b.db.Has(prefixKey(bodyPrefix, hash[:]), nil)
}

// IsOrphan returns whether hash is held as an orphan block.
func (b *BlockChain) IsOrphan(hash *chainhash.Hash) bool {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()
	_, ok := b.orphans[*hash]
	return ok
}

// FetchBlock returns the full block with the given hash if its body is
// still stored.
func (b *BlockChain) FetchBlock(hash *chainhash.Hash) (*wire.MsgBlock, error) {
	rec, err := dbFetchHeaderRecord(b.db, hash)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("block %v: %w", hash, ErrNotFound)
	}
	body, err := dbFetchBody(b.db, hash)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("body of block %v: %w", hash, ErrNotFound)
	}
	return &wire.MsgBlock{Header: rec.header, Body: *body}, nil
}

// HasKernel returns whether a kernel with the given excess signature is part
// of the block chain.
func (b *BlockChain) HasKernel(sig *wire.ExcessSig) (bool, error) {
	return dbHasKernel(b.db, sig)
}

// LiveOutput describes an unspent output of the block chain.
type LiveOutput struct {
	Position uint64
	Output   wire.TxOutput
}

// FetchLiveOutput returns the unspent output with the given hash.  A nil
// result means the output is unknown or spent.
func (b *BlockChain) FetchLiveOutput(hash *chainhash.Hash) (*LiveOutput, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()
	return b.fetchLiveOutput(b.db, b.state, hash)
}

func (b *BlockChain) fetchLiveOutput(r dbReader, state *chainState,
	hash *chainhash.Hash) (*LiveOutput, error) {

	pos, ok, err := dbFetchOutputPosition(r, hash)
	if err != nil || !ok {
		return nil, err
	}
	if pos >= state.outputs.NumLeaves() || state.deleted.Contains(pos) {
		return nil, nil
	}
	rec, err := dbFetchOutput(r, pos)
	if err != nil || rec == nil || rec.pruned {
		return nil, err
	}
	return &LiveOutput{Position: pos, Output: rec.output}, nil
}

// HasLiveCommitment returns whether an unspent output with the given
// commitment exists.
func (b *BlockChain) HasLiveCommitment(c *wire.Commitment) (bool, error) {
	_, ok, err := dbFetchLiveCommitment(b.db, c)
	return ok, err
}

// fetchAncestorTimestamps returns up to n timestamps of the header with hash
// and its ancestors, most recent first.  lookup is consulted before the
// database so that pending headers can take part.
func fetchAncestorTimestamps(r dbReader, hash chainhash.Hash, n int,
	lookup func(chainhash.Hash) *headerRecord) ([]time.Time, error) {

	timestamps := make([]time.Time, 0, n)
	for len(timestamps) < n {
		var rec *headerRecord
		if lookup != nil {
			rec = lookup(hash)
		}
		if rec == nil {
			var err error
			if rec, err = dbFetchHeaderRecord(r, &hash); err != nil {
				return nil, err
			}
		}
		if rec == nil {
			break
		}
		timestamps = append(timestamps, rec.header.Timestamp)
		if rec.header.Height == 0 {
			break
		}
		hash = rec.header.PrevBlock
	}
	return timestamps, nil
}
