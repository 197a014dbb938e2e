// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/utreexo/horizond/wire"
)

// PendingChain is a chain of validated headers built on top of a known
// header that has not been made the best header chain yet.  Nothing is
// written to the database until it is handed to SwapHeaderChain.
type PendingChain struct {
	b       *BlockChain
	fork    *headerRecord
	headers []*headerRecord
	index   map[chainhash.Hash]*headerRecord
}

// NewPendingChain starts a pending chain on top of the known header with the
// given hash.
func (b *BlockChain) NewPendingChain(forkHash *chainhash.Hash) (*PendingChain, error) {
	fork, err := dbFetchHeaderRecord(b.db, forkHash)
	if err != nil {
		return nil, err
	}
	if fork == nil {
		return nil, fmt.Errorf("fork header %v: %w", forkHash, ErrNotFound)
	}
	return &PendingChain{
		b:     b,
		fork:  fork,
		index: make(map[chainhash.Hash]*headerRecord),
	}, nil
}

func (pc *PendingChain) last() *headerRecord {
	if len(pc.headers) == 0 {
		return pc.fork
	}
	return pc.headers[len(pc.headers)-1]
}

func (pc *PendingChain) lookup(hash chainhash.Hash) *headerRecord {
	if rec, ok := pc.index[hash]; ok {
		return rec
	}
	if hash == pc.fork.hash {
		return pc.fork
	}
	return nil
}

// Add validates header against the end of the pending chain and appends it.
// The header must link to the previous one, carry valid proof of work and
// respect the timestamp rules.
func (pc *PendingChain) Add(header *wire.BlockHeader) error {
	hash := header.BlockHash()
	if pc.b.IsBadBlock(&hash) {
		str := fmt.Sprintf("header %v is known to be invalid", hash)
		return ruleError(ErrKnownBadBlock, str)
	}

	parent := pc.last()
	if err := pc.b.validateHeader(header, parent, pc.lookup); err != nil {
		return err
	}

	rec := &headerRecord{
		header:  *header,
		hash:    hash,
		accDiff: new(big.Int).Add(parent.accDiff, new(big.Int).SetUint64(header.Difficulty)),
	}
	pc.headers = append(pc.headers, rec)
	pc.index[hash] = rec
	return nil
}

// Len returns the number of headers added on top of the fork.
func (pc *PendingChain) Len() int {
	return len(pc.headers)
}

// Fork returns the header the pending chain is built on.
func (pc *PendingChain) Fork() ChainTip {
	return tipFromRecord(pc.fork)
}

// Tip returns the last header of the pending chain.
func (pc *PendingChain) Tip() ChainTip {
	return tipFromRecord(pc.last())
}

// AccumulatedDifficulty returns the work of the chain ending in the pending
// tip.
func (pc *PendingChain) AccumulatedDifficulty() *big.Int {
	return new(big.Int).Set(pc.last().accDiff)
}

// reset restarts the pending chain on top of its current tip.
func (pc *PendingChain) reset() {
	pc.fork = pc.last()
	pc.headers = nil
	pc.index = make(map[chainhash.Hash]*headerRecord)
}

// ValidateHeader performs the stateless and contextual checks of a header
// whose parent is stored.
func (b *BlockChain) ValidateHeader(header *wire.BlockHeader) error {
	parent, err := dbFetchHeaderRecord(b.db, &header.PrevBlock)
	if err != nil {
		return err
	}
	if parent == nil {
		str := fmt.Sprintf("header %v has unknown parent %v",
			header.BlockHash(), header.PrevBlock)
		return ruleError(ErrMissingParent, str)
	}
	return b.validateHeader(header, parent, nil)
}

// validateHeader checks header on top of parent.  lookup, if not nil,
// resolves ancestors that are not stored yet.
func (b *BlockChain) validateHeader(header *wire.BlockHeader, parent *headerRecord,
	lookup func(chainhash.Hash) *headerRecord) error {

	if err := checkHeaderSanity(header, b.chainParams, b.timeSource()); err != nil {
		return err
	}
	times, err := fetchAncestorTimestamps(b.db, parent.hash,
		b.chainParams.MedianTimeBlocks, lookup)
	if err != nil {
		return err
	}
	return checkHeaderContext(header, parent, times)
}

// SwapHeaderChain makes the pending chain the best header chain.  The
// pending chain must carry strictly more work than the current header
// chain, otherwise ErrNotHeavier is returned and nothing changes.  On
// success the pending chain restarts on top of its tip so that later
// headers can keep extending it.
func (b *BlockChain) SwapHeaderChain(pc *PendingChain) error {
	if len(pc.headers) == 0 {
		return ErrNotHeavier
	}

	b.chainLock.Lock()
	tip := pc.last()
	if tip.accDiff.Cmp(b.headerTip.accDiff) <= 0 {
		b.chainLock.Unlock()
		return ErrNotHeavier
	}

	err := update(b.db, func(tx dbWriter) error {
		for _, rec := range pc.headers {
			if err := dbPutHeaderRecord(tx, rec); err != nil {
				return err
			}
		}
		return b.setHeaderChainTip(tx, tip, pc.lookup)
	})
	if err != nil {
		b.chainLock.Unlock()
		return err
	}
	b.headerTip = tip
	b.chainLock.Unlock()

	log.Infof("Header chain swapped to %v (height %d, %d new headers)",
		tip.hash, tip.header.Height, len(pc.headers))
	pc.reset()

	header := tip.header
	b.sendNotification(NTHeaderChainSwapped, &header)
	return nil
}

// LocatorHashes returns up to count hashes of the best header chain,
// starting at the header tip and going backwards one height at a time.
func (b *BlockChain) LocatorHashes(count uint64) ([]chainhash.Hash, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	height := b.headerTip.header.Height
	hashes := make([]chainhash.Hash, 0, count)
	for uint64(len(hashes)) < count {
		hash, err := dbFetchHeaderChainHash(b.db, height)
		if err != nil {
			return nil, err
		}
		if hash == nil {
			return nil, fmt.Errorf("header chain has no entry at height %d",
				height)
		}
		hashes = append(hashes, *hash)
		if height == 0 {
			break
		}
		height--
	}
	return hashes, nil
}

// FindSplit returns the index of the first hash in hashes that is part of
// the best header chain.  The hashes are expected to be ordered from the
// highest to the lowest header.
func (b *BlockChain) FindSplit(hashes []chainhash.Hash) (uint64, bool, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	for i := range hashes {
		ok, err := b.isOnHeaderChain(b.db, &hashes[i])
		if err != nil {
			return 0, false, err
		}
		if ok {
			return uint64(i), true, nil
		}
	}
	return 0, false, nil
}

// HeadersAfter returns up to count headers of the best header chain that
// follow the header with the given hash.
func (b *BlockChain) HeadersAfter(hash *chainhash.Hash, count uint64) ([]wire.BlockHeader, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	start, err := dbFetchHeaderRecord(b.db, hash)
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, fmt.Errorf("header %v: %w", hash, ErrNotFound)
	}
	headers := make([]wire.BlockHeader, 0, count)
	for h := start.header.Height + 1; uint64(len(headers)) < count; h++ {
		next, err := dbFetchHeaderChainHash(b.db, h)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}
		rec, err := dbFetchHeaderRecord(b.db, next)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("header chain entry %v has no header", next)
		}
		headers = append(headers, rec.header)
	}
	return headers, nil
}
