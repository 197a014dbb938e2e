// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/utreexo/horizond/wire"
)

// orphanBlock is the in-memory index entry of a persisted orphan block.
type orphanBlock struct {
	hash     chainhash.Hash
	prevHash chainhash.Hash
	height   uint64
}

// loadOrphans rebuilds the orphan index from the database.
func (b *BlockChain) loadOrphans() error {
	iter := b.db.NewIterator(prefixRange(orphanPrefix), nil)
	defer iter.Release()

	for iter.Next() {
		hash, err := chainhash.NewHash(iter.Key()[len(orphanPrefix):])
		if err != nil {
			return err
		}
		block, err := dbFetchOrphan(b.db, hash)
		if err != nil {
			return err
		}
		if block == nil {
			continue
		}
		b.indexOrphan(block)
	}
	return iter.Error()
}

func (b *BlockChain) indexOrphan(block *wire.MsgBlock) {
	o := &orphanBlock{
		hash:     block.BlockHash(),
		prevHash: block.Header.PrevBlock,
		height:   block.Header.Height,
	}
	b.orphans[o.hash] = o
	b.prevOrphans[o.prevHash] = append(b.prevOrphans[o.prevHash], o.hash)
}

// addOrphanBlock persists block as an orphan.  When the pool is full the
// orphan with the lowest height is evicted first.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) addOrphanBlock(block *wire.MsgBlock) error {
	hash := block.BlockHash()
	if _, ok := b.orphans[hash]; ok {
		return nil
	}

	for len(b.orphans) >= b.maxOrphans {
		var evict *orphanBlock
		for _, o := range b.orphans {
			if evict == nil || o.height < evict.height {
				evict = o
			}
		}
		if err := b.removeOrphanBlock(evict.hash); err != nil {
			return err
		}
		log.Debugf("Evicted orphan block %v (height %d)", evict.hash,
			evict.height)
	}

	if err := dbPutOrphan(b.db, block); err != nil {
		return err
	}
	b.indexOrphan(block)
	return nil
}

// removeOrphanBlock removes the orphan with the given hash.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) removeOrphanBlock(hash chainhash.Hash) error {
	o, ok := b.orphans[hash]
	if !ok {
		return nil
	}
	delete(b.orphans, hash)

	siblings := b.prevOrphans[o.prevHash]
	for i := range siblings {
		if siblings[i] == hash {
			siblings = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(siblings) == 0 {
		delete(b.prevOrphans, o.prevHash)
	} else {
		b.prevOrphans[o.prevHash] = siblings
	}

	return b.db.Delete(prefixKey(orphanPrefix, hash[:]), nil)
}

// processOrphans determines if there are any orphans which depend on the
// passed block hash and processes them.  Children are processed in turn
// until no more orphans can be accepted.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) processOrphans(hash *chainhash.Hash, connected,
	disconnected *[]*wire.MsgBlock) error {

	processHashes := []chainhash.Hash{*hash}
	for len(processHashes) > 0 {
		parent := processHashes[0]
		processHashes = processHashes[1:]

		children := append([]chainhash.Hash(nil), b.prevOrphans[parent]...)
		for _, childHash := range children {
			block, err := dbFetchOrphan(b.db, &childHash)
			if err != nil {
				return err
			}
			if err := b.removeOrphanBlock(childHash); err != nil {
				return err
			}
			if block == nil {
				continue
			}

			_, _, err = b.processBlock(block, connected, disconnected)
			if err != nil {
				log.Debugf("Rejected orphan block %v: %v", childHash, err)
				continue
			}
			processHashes = append(processHashes, childHash)
		}
	}
	return nil
}

// NumOrphans returns the number of orphan blocks held.
func (b *BlockChain) NumOrphans() int {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()
	return len(b.orphans)
}

// PruneOrphans discards orphans at or below the block tip height.  Such
// blocks can no longer extend the chain the node follows.
func (b *BlockChain) PruneOrphans() error {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	tipHeight := b.state.tip.header.Height
	var stale []chainhash.Hash
	for hash, o := range b.orphans {
		if o.height <= tipHeight {
			stale = append(stale, hash)
		}
	}
	for _, hash := range stale {
		if err := b.removeOrphanBlock(hash); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		log.Debugf("Pruned %d stale orphan blocks", len(stale))
	}
	return nil
}
