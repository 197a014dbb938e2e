// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/utreexo/horizond/wire"
)

// ChainExtension is a fully validated block ready to be committed on top of
// the block tip it was prepared against.
type ChainExtension struct {
	Block   *wire.MsgBlock
	Hash    chainhash.Hash
	AccDiff *big.Int

	parent  chainhash.Hash
	kernels *MerkleMountainRange
	outputs *MerkleMountainRange
	deleted *Bitmap
	spent   []uint64
}

// PrepareChainExtension fully validates block against the current block tip
// and computes the accumulator state it leads to.  Nothing is written.
func (b *BlockChain) PrepareChainExtension(block *wire.MsgBlock) (*ChainExtension, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	hash := block.BlockHash()
	if b.isBadBlock(b.db, &hash) {
		str := fmt.Sprintf("block %v is known to be invalid", hash)
		return nil, ruleError(ErrKnownBadBlock, str)
	}
	if err := checkHeaderSanity(&block.Header, b.chainParams, b.timeSource()); err != nil {
		return nil, err
	}
	return b.prepareExtension(b.db, b.state, block)
}

// prepareExtension validates block on top of state.  state is not modified.
func (b *BlockChain) prepareExtension(r dbReader, state *chainState,
	block *wire.MsgBlock) (*ChainExtension, error) {

	header := &block.Header
	parent := state.tip
	times, err := fetchAncestorTimestamps(r, parent.hash,
		b.chainParams.MedianTimeBlocks, nil)
	if err != nil {
		return nil, err
	}
	if err := checkHeaderContext(header, parent, times); err != nil {
		return nil, err
	}
	ext := &ChainExtension{
		Block:   block,
		Hash:    block.BlockHash(),
		AccDiff: new(big.Int).Add(parent.accDiff, new(big.Int).SetUint64(header.Difficulty)),
		parent:  parent.hash,
		kernels: state.kernels.Copy(),
		outputs: state.outputs.Copy(),
		deleted: state.deleted.Copy(),
	}

	// Every input must spend a live output with a matching commitment.
	spentCommitments := make(map[wire.Commitment]struct{}, len(block.Body.Inputs))
	for i := range block.Body.Inputs {
		in := &block.Body.Inputs[i]
		live, err := b.fetchLiveOutput(r, state, &in.OutputHash)
		if err != nil {
			return nil, err
		}
		if live == nil {
			str := fmt.Sprintf("input spends unknown or spent output %v",
				in.OutputHash)
			return nil, ruleError(ErrMissingInput, str)
		}
		if live.Output.Commitment != in.Commitment {
			str := fmt.Sprintf("input commitment %v does not match "+
				"output %v", in.Commitment, in.OutputHash)
			return nil, ruleError(ErrInputMismatch, str)
		}
		ext.spent = append(ext.spent, live.Position)
		spentCommitments[in.Commitment] = struct{}{}
	}

	leaves := make([]chainhash.Hash, len(block.Body.Outputs))
	for i := range block.Body.Outputs {
		leaves[i] = block.Body.Outputs[i].Hash()
	}

	kernelLeaves := make([]chainhash.Hash, len(block.Body.Kernels))
	for i := range block.Body.Kernels {
		kernelLeaves[i] = block.Body.Kernels[i].Hash()
	}
	if err := ext.kernels.Add(kernelLeaves...); err != nil {
		return nil, err
	}
	if ext.kernels.NumLeaves() != header.KernelMMRSize ||
		ext.kernels.Root() != header.KernelMMRRoot {

		str := fmt.Sprintf("block %v kernel mmr root mismatch", ext.Hash)
		return nil, ruleError(ErrBadKernelMMRRoot, str)
	}

	if err := ext.outputs.Add(leaves...); err != nil {
		return nil, err
	}
	ext.deleted.Resize(ext.outputs.NumLeaves())
	for _, pos := range ext.spent {
		ext.deleted.Set(pos)
	}
	if ext.outputs.NumLeaves() != header.OutputMMRSize ||
		OutputMMRRoot(ext.outputs, ext.deleted) != header.OutputMMRRoot {

		str := fmt.Sprintf("block %v output mmr root mismatch", ext.Hash)
		return nil, ruleError(ErrBadOutputMMRRoot, str)
	}

	// The body belongs to the header, whatever fails from here on makes
	// the block invalid.
	if err := checkBodySanity(&block.Body, b.chainParams, b.proofVerifier); err != nil {
		return nil, err
	}

	// Kernels must be new to the chain.
	for i := range block.Body.Kernels {
		k := &block.Body.Kernels[i]
		ok, err := dbHasKernel(r, &k.ExcessSig)
		if err != nil {
			return nil, err
		}
		if ok {
			str := fmt.Sprintf("kernel %v already exists", k.ExcessSig)
			return nil, ruleError(ErrDuplicateKernel, str)
		}
	}

	// New outputs must not collide with an output that stays live.
	for i := range block.Body.Outputs {
		out := &block.Body.Outputs[i]
		if _, ok, err := dbFetchOutputPosition(r, &leaves[i]); err != nil {
			return nil, err
		} else if ok {
			str := fmt.Sprintf("output %v already exists", leaves[i])
			return nil, ruleError(ErrDuplicateOutput, str)
		}
		_, ok, err := dbFetchLiveCommitment(r, &out.Commitment)
		if err != nil {
			return nil, err
		}
		if _, respent := spentCommitments[out.Commitment]; ok && !respent {
			str := fmt.Sprintf("commitment %v is already used by a "+
				"live output", out.Commitment)
			return nil, ruleError(ErrDuplicateCommitment, str)
		}
	}

	return ext, nil
}

// applyExtension writes a prepared extension and advances state to it.
func (b *BlockChain) applyExtension(w dbWriter, state *chainState,
	ext *ChainExtension) error {

	if state.tip.hash != ext.parent {
		return ErrStaleExtension
	}

	rec := &headerRecord{
		header:  ext.Block.Header,
		hash:    ext.Hash,
		accDiff: ext.AccDiff,
	}
	if err := dbPutHeaderRecord(w, rec); err != nil {
		return err
	}
	if err := dbPutBody(w, &ext.Hash, &ext.Block.Body); err != nil {
		return err
	}

	// Spent commitments leave the live index before new outputs enter it
	// so that a commitment can be recreated by the block spending it.
	for _, pos := range ext.spent {
		out, err := dbFetchOutput(w, pos)
		if err != nil {
			return err
		}
		if out == nil || out.pruned {
			return fmt.Errorf("spent output %d has no record", pos)
		}
		if err := dbDeleteLiveCommitment(w, &out.output.Commitment, pos); err != nil {
			return err
		}
	}

	kernelIndex := state.kernels.NumLeaves()
	for i := range ext.Block.Body.Kernels {
		if err := dbPutKernel(w, kernelIndex+uint64(i), &ext.Block.Body.Kernels[i]); err != nil {
			return err
		}
	}
	outputPos := state.outputs.NumLeaves()
	for i := range ext.Block.Body.Outputs {
		out := &outputRecord{
			hash:   ext.Block.Body.Outputs[i].Hash(),
			output: ext.Block.Body.Outputs[i],
		}
		if err := dbPutOutput(w, outputPos+uint64(i), out, true); err != nil {
			return err
		}
	}

	if err := w.Put(prefixKey(undoPrefix, ext.Hash[:]),
		serializePositions(ext.spent), nil); err != nil {
		return err
	}
	newState := &blockState{kernels: ext.kernels, outputs: ext.outputs}
	if err := dbPutBlockState(w, &ext.Hash, newState); err != nil {
		return err
	}
	if err := w.Put(bitmapKey, ext.deleted.Bytes(), nil); err != nil {
		return err
	}
	if err := w.Put(blockTipKey, ext.Hash[:], nil); err != nil {
		return err
	}

	state.tip = rec
	state.kernels = ext.kernels.Copy()
	state.outputs = ext.outputs.Copy()
	state.deleted = ext.deleted.Copy()
	return nil
}

// disconnectTip undoes the block at the tip of state.  The body stays stored
// so the block can be reapplied later.
func (b *BlockChain) disconnectTip(w dbWriter, state *chainState) (*wire.MsgBlock, error) {
	tip := state.tip
	if tip.header.Height == 0 || tip.header.Height <= b.prunedHeight {
		return nil, ErrBelowPrunedHeight
	}
	spent, ok, err := dbFetchUndo(w, &tip.hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBelowPrunedHeight
	}
	parent, err := dbFetchHeaderRecord(w, &tip.header.PrevBlock)
	if err != nil {
		return nil, err
	}
	parentState, err := dbFetchBlockState(w, &tip.header.PrevBlock)
	if err != nil {
		return nil, err
	}
	if parent == nil || parentState == nil {
		return nil, fmt.Errorf("parent %v of block %v has no state",
			tip.header.PrevBlock, tip.hash)
	}

	for i := parentState.kernels.NumLeaves(); i < state.kernels.NumLeaves(); i++ {
		if err := dbDeleteKernel(w, i); err != nil {
			return nil, err
		}
	}
	for pos := parentState.outputs.NumLeaves(); pos < state.outputs.NumLeaves(); pos++ {
		if err := dbDeleteOutput(w, pos); err != nil {
			return nil, err
		}
	}
	deleted := state.deleted.Copy()
	deleted.Resize(parentState.outputs.NumLeaves())
	for _, pos := range spent {
		deleted.Clear(pos)
		out, err := dbFetchOutput(w, pos)
		if err != nil {
			return nil, err
		}
		if out == nil || out.pruned {
			return nil, fmt.Errorf("output %d spent by %v has no record",
				pos, tip.hash)
		}
		if err := dbPutLiveCommitment(w, &out.output.Commitment, pos); err != nil {
			return nil, err
		}
	}

	if err := w.Delete(prefixKey(undoPrefix, tip.hash[:]), nil); err != nil {
		return nil, err
	}
	if err := w.Delete(prefixKey(statePrefix, tip.hash[:]), nil); err != nil {
		return nil, err
	}
	if err := w.Put(bitmapKey, deleted.Bytes(), nil); err != nil {
		return nil, err
	}
	if err := w.Put(blockTipKey, parent.hash[:], nil); err != nil {
		return nil, err
	}

	body, err := dbFetchBody(w, &tip.hash)
	if err != nil {
		return nil, err
	}
	block := &wire.MsgBlock{Header: tip.header}
	if body != nil {
		block.Body = *body
	}

	state.tip = parent
	state.kernels = parentState.kernels
	state.outputs = parentState.outputs
	state.deleted = deleted
	return block, nil
}

// setHeaderChainTip makes rec the tip of the best header chain, rewriting
// the height index back to the point where it joins the current one.
func (b *BlockChain) setHeaderChainTip(w dbWriter, rec *headerRecord,
	lookup func(chainhash.Hash) *headerRecord) error {

	oldTip := b.headerTip.header.Height
	for h := oldTip; h > rec.header.Height; h-- {
		if err := w.Delete(uint64Key(headerChainPrefix, h), nil); err != nil {
			return err
		}
	}

	cur := rec
	for {
		existing, err := dbFetchHeaderChainHash(w, cur.header.Height)
		if err != nil {
			return err
		}
		if existing != nil && *existing == cur.hash {
			break
		}
		if err := w.Put(uint64Key(headerChainPrefix, cur.header.Height),
			cur.hash[:], nil); err != nil {
			return err
		}
		if cur.header.Height == 0 {
			break
		}
		prev := cur.header.PrevBlock
		var next *headerRecord
		if lookup != nil {
			next = lookup(prev)
		}
		if next == nil {
			if next, err = dbFetchHeaderRecord(w, &prev); err != nil {
				return err
			}
		}
		if next == nil {
			return fmt.Errorf("header %v has no ancestor %v", cur.hash, prev)
		}
		cur = next
	}
	return w.Put(headerTipKey, rec.hash[:], nil)
}

// CommitChainExtension atomically writes a prepared extension: header, body,
// kernels, outputs, spends and accumulator state.  The header chain follows
// the block when the block carries more work than the header tip.
func (b *BlockChain) CommitChainExtension(ext *ChainExtension) error {
	b.chainLock.Lock()
	if b.state.tip.hash != ext.parent {
		b.chainLock.Unlock()
		return ErrStaleExtension
	}

	state := b.state.copy()
	var newHeaderTip *headerRecord
	var pruned uint64
	err := update(b.db, func(tx dbWriter) error {
		if err := b.applyExtension(tx, state, ext); err != nil {
			return err
		}
		if ext.AccDiff.Cmp(b.headerTip.accDiff) > 0 {
			if err := b.setHeaderChainTip(tx, state.tip, nil); err != nil {
				return err
			}
			newHeaderTip = state.tip
		}
		return b.maybePruneBodies(tx, state, &pruned)
	})
	if err != nil {
		b.chainLock.Unlock()
		return err
	}
	b.state = state
	b.prunedHeight = pruned
	if newHeaderTip != nil {
		b.headerTip = newHeaderTip
	}
	b.chainLock.Unlock()

	log.Debugf("Connected block %v (height %d)", ext.Hash,
		ext.Block.Header.Height)
	b.sendNotification(NTBlockConnected, ext.Block)
	return nil
}

// ProcessBlock is the main workhorse for handling insertion of new blocks
// into the block chain.  Blocks extending the block tip are connected,
// blocks on a heavier side chain trigger a reorganization and blocks whose
// parent is unknown are kept as orphans.
//
// Re-delivering a known block is reported as ErrDuplicateBlock and changes
// nothing.
func (b *BlockChain) ProcessBlock(block *wire.MsgBlock) (isMainChain bool, isOrphan bool, err error) {
	hash := block.BlockHash()

	known, err := b.HaveBlock(&hash)
	if err != nil {
		return false, false, err
	}
	if known {
		str := fmt.Sprintf("already have block %v", hash)
		return false, false, ruleError(ErrDuplicateBlock, str)
	}

	b.chainLock.Lock()
	var connected []*wire.MsgBlock
	var disconnected []*wire.MsgBlock
	isMainChain, isOrphan, err = b.processBlock(block, &connected, &disconnected)
	if err == nil && !isOrphan {
		err = b.processOrphans(&hash, &connected, &disconnected)
	}
	b.chainLock.Unlock()

	for _, blk := range disconnected {
		b.sendNotification(NTBlockDisconnected, blk)
	}
	for _, blk := range connected {
		b.sendNotification(NTBlockConnected, blk)
	}
	return isMainChain, isOrphan, err
}

// processBlock must be called with the chain lock held for writes.
func (b *BlockChain) processBlock(block *wire.MsgBlock, connected,
	disconnected *[]*wire.MsgBlock) (bool, bool, error) {

	hash := block.BlockHash()
	if b.isBadBlock(b.db, &hash) {
		str := fmt.Sprintf("block %v is known to be invalid", hash)
		return false, false, ruleError(ErrKnownBadBlock, str)
	}
	if err := checkHeaderSanity(&block.Header, b.chainParams, b.timeSource()); err != nil {
		return false, false, err
	}

	if b.isBadBlock(b.db, &block.Header.PrevBlock) {
		str := fmt.Sprintf("block %v builds on invalid block %v", hash,
			block.Header.PrevBlock)
		b.markBadBlock(b.db, &hash, str)
		return false, false, ruleError(ErrKnownBadBlock, str)
	}
	parent, err := dbFetchHeaderRecord(b.db, &block.Header.PrevBlock)
	if err != nil {
		return false, false, err
	}
	if parent == nil {
		if err := b.addOrphanBlock(block); err != nil {
			return false, false, err
		}
		log.Infof("Adding orphan block %v with parent %v", hash,
			block.Header.PrevBlock)
		return false, true, nil
	}

	times, err := fetchAncestorTimestamps(b.db, parent.hash,
		b.chainParams.MedianTimeBlocks, nil)
	if err != nil {
		return false, false, err
	}
	if err := checkHeaderContext(&block.Header, parent, times); err != nil {
		return false, false, err
	}

	rec := &headerRecord{
		header:  block.Header,
		hash:    hash,
		accDiff: new(big.Int).Add(parent.accDiff, new(big.Int).SetUint64(block.Header.Difficulty)),
	}
	onHeaderChain, err := b.isOnHeaderChain(b.db, &hash)
	if err != nil {
		return false, false, err
	}
	beatsHeaderTip := rec.accDiff.Cmp(b.headerTip.accDiff) > 0
	mayBecomeTip := onHeaderChain || beatsHeaderTip

	switch {
	case parent.hash == b.state.tip.hash && mayBecomeTip:
		ext, err := b.prepareExtension(b.db, b.state, block)
		if err != nil {
			if IsPermanentFailure(err) {
				b.markBadBlock(b.db, &hash, err.Error())
			}
			return false, false, err
		}
		state := b.state.copy()
		var pruned uint64
		err = update(b.db, func(tx dbWriter) error {
			if err := b.applyExtension(tx, state, ext); err != nil {
				return err
			}
			if beatsHeaderTip {
				if err := b.setHeaderChainTip(tx, rec, nil); err != nil {
					return err
				}
			}
			return b.maybePruneBodies(tx, state, &pruned)
		})
		if err != nil {
			return false, false, err
		}
		b.state = state
		b.prunedHeight = pruned
		if beatsHeaderTip {
			b.headerTip = rec
		}
		*connected = append(*connected, block)
		log.Debugf("Connected block %v (height %d)", hash, block.Header.Height)
		return true, false, nil

	case rec.accDiff.Cmp(b.state.tip.accDiff) > 0 && mayBecomeTip:
		err := update(b.db, func(tx dbWriter) error {
			if err := dbPutHeaderRecord(tx, rec); err != nil {
				return err
			}
			return dbPutBody(tx, &hash, &block.Body)
		})
		if err != nil {
			return false, false, err
		}
		reorganized, err := b.reorganizeChain(rec, beatsHeaderTip, connected, disconnected)
		if err != nil {
			return false, false, err
		}
		return reorganized, false, nil

	default:
		// A side chain block that does not carry enough work yet.
		err := update(b.db, func(tx dbWriter) error {
			if err := dbPutHeaderRecord(tx, rec); err != nil {
				return err
			}
			return dbPutBody(tx, &hash, &block.Body)
		})
		if err != nil {
			return false, false, err
		}
		log.Infof("Stored side chain block %v (height %d)", hash,
			block.Header.Height)
		return false, false, nil
	}
}

// reorganizeChain makes the chain ending in rec the block chain.  Every body
// between the fork point and rec must be stored, otherwise nothing happens
// and false is returned.  The whole reorganization is written in one
// transaction, a failure leaves the chain untouched.
//
// This function MUST be called with the chain lock held (for writes).
func (b *BlockChain) reorganizeChain(rec *headerRecord, moveHeaderTip bool,
	connected, disconnected *[]*wire.MsgBlock) (bool, error) {

	// Collect the side chain back to the first block with applied state.
	var attach []*headerRecord
	cur := rec
	for {
		applied, err := b.db.Has(prefixKey(statePrefix, cur.hash[:]), nil)
		if err != nil {
			return false, err
		}
		if applied {
			break
		}
		if cur.header.Height <= b.prunedHeight {
			str := fmt.Sprintf("reorganization to %v forks below the "+
				"pruned height %d", rec.hash, b.prunedHeight)
			return false, ruleError(ErrReorgTooDeep, str)
		}
		attach = append(attach, cur)
		prev, err := dbFetchHeaderRecord(b.db, &cur.header.PrevBlock)
		if err != nil {
			return false, err
		}
		if prev == nil {
			return false, fmt.Errorf("side chain block %v has no parent", cur.hash)
		}
		cur = prev
	}
	fork := cur
	if fork.header.Height < b.prunedHeight {
		str := fmt.Sprintf("reorganization to %v forks at %d below the "+
			"pruned height %d", rec.hash, fork.header.Height, b.prunedHeight)
		return false, ruleError(ErrReorgTooDeep, str)
	}

	blocks := make([]*wire.MsgBlock, 0, len(attach))
	for i := len(attach) - 1; i >= 0; i-- {
		body, err := dbFetchBody(b.db, &attach[i].hash)
		if err != nil {
			return false, err
		}
		if body == nil {
			log.Debugf("Postponing reorganization to %v, body of %v "+
				"is missing", rec.hash, attach[i].hash)
			return false, nil
		}
		blocks = append(blocks, &wire.MsgBlock{Header: attach[i].header, Body: *body})
	}

	state := b.state.copy()
	var detached []*wire.MsgBlock
	var badHash *chainhash.Hash
	var badErr error
	var pruned uint64
	err := update(b.db, func(tx dbWriter) error {
		for state.tip.hash != fork.hash {
			blk, err := b.disconnectTip(tx, state)
			if err != nil {
				return err
			}
			detached = append(detached, blk)
		}
		for _, blk := range blocks {
			ext, err := b.prepareExtension(tx, state, blk)
			if err != nil {
				if IsPermanentFailure(err) {
					h := blk.BlockHash()
					badHash, badErr = &h, err
				}
				return err
			}
			if err := b.applyExtension(tx, state, ext); err != nil {
				return err
			}
		}
		if moveHeaderTip {
			if err := b.setHeaderChainTip(tx, rec, nil); err != nil {
				return err
			}
		}
		return b.maybePruneBodies(tx, state, &pruned)
	})
	if err != nil {
		if badHash != nil {
			b.markBadBlock(b.db, badHash, badErr.Error())
		}
		if errors.Is(err, ErrBelowPrunedHeight) {
			str := fmt.Sprintf("reorganization to %v needs pruned data",
				rec.hash)
			return false, ruleError(ErrReorgTooDeep, str)
		}
		return false, err
	}

	log.Infof("REORGANIZE: block chain forks at %v (height %d), "+
		"disconnected %d blocks, connected %d blocks, new tip %v",
		fork.hash, fork.header.Height, len(detached), len(blocks), rec.hash)

	b.state = state
	b.prunedHeight = pruned
	if moveHeaderTip {
		b.headerTip = rec
	}
	*disconnected = append(*disconnected, detached...)
	*connected = append(*connected, blocks...)
	return true, nil
}

// RewindToHeight disconnects blocks from the block tip down to height.  It
// fails without changes when that would need pruned data.
func (b *BlockChain) RewindToHeight(height uint64) error {
	b.chainLock.Lock()
	if height >= b.state.tip.header.Height {
		b.chainLock.Unlock()
		return nil
	}
	if height < b.prunedHeight {
		b.chainLock.Unlock()
		return fmt.Errorf("rewind to %d: %w", height, ErrBelowPrunedHeight)
	}

	state := b.state.copy()
	var detached []*wire.MsgBlock
	err := update(b.db, func(tx dbWriter) error {
		for state.tip.header.Height > height {
			blk, err := b.disconnectTip(tx, state)
			if err != nil {
				return err
			}
			detached = append(detached, blk)
		}
		return nil
	})
	if err != nil {
		b.chainLock.Unlock()
		return err
	}
	b.state = state
	b.chainLock.Unlock()

	log.Infof("Rewound block chain to height %d (%d blocks disconnected)",
		height, len(detached))
	for _, blk := range detached {
		b.sendNotification(NTBlockDisconnected, blk)
	}
	return nil
}

// BlockTipFork returns the height of the highest block of the block chain
// that is also on the best header chain.
func (b *BlockChain) BlockTipFork() (uint64, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	cur := b.state.tip
	for {
		onChain, err := b.isOnHeaderChain(b.db, &cur.hash)
		if err != nil {
			return 0, err
		}
		if onChain || cur.header.Height == 0 {
			return cur.header.Height, nil
		}
		prev, err := dbFetchHeaderRecord(b.db, &cur.header.PrevBlock)
		if err != nil {
			return 0, err
		}
		if prev == nil {
			return 0, fmt.Errorf("block %v has no parent", cur.hash)
		}
		cur = prev
	}
}

// ResetHeaderChain makes the block tip the tip of the best header chain.  It
// is used once headers beyond the block tip turned out to be unusable.
func (b *BlockChain) ResetHeaderChain() error {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	tip := b.state.tip
	err := update(b.db, func(tx dbWriter) error {
		return b.setHeaderChainTip(tx, tip, nil)
	})
	if err != nil {
		return err
	}
	b.headerTip = tip
	log.Infof("Header chain reset to block tip %v (height %d)", tip.hash,
		tip.header.Height)
	b.sendNotification(NTHeaderChainSwapped, &tip.header)
	return nil
}

// maybePruneBodies discards bodies and spend data of blocks that fell below
// the pruning horizon.  Outputs spent by those blocks shrink to their leaf
// hash.  The new pruned height is stored in pruned and must only be adopted
// once w is committed.
func (b *BlockChain) maybePruneBodies(w dbWriter, state *chainState, pruned *uint64) error {
	*pruned = b.prunedHeight
	if b.pruningHorizon == 0 || state.tip.header.Height <= b.pruningHorizon {
		return nil
	}
	target := state.tip.header.Height - b.pruningHorizon
	if target <= b.prunedHeight {
		return nil
	}

	// Walk back from the tip to the new pruned height.
	cur := state.tip
	for cur.header.Height > target {
		prev, err := dbFetchHeaderRecord(w, &cur.header.PrevBlock)
		if err != nil {
			return err
		}
		if prev == nil {
			return fmt.Errorf("block %v has no parent", cur.hash)
		}
		cur = prev
	}
	for cur.header.Height > b.prunedHeight {
		spent, ok, err := dbFetchUndo(w, &cur.hash)
		if err != nil {
			return err
		}
		if ok {
			for _, pos := range spent {
				out, err := dbFetchOutput(w, pos)
				if err != nil {
					return err
				}
				if out == nil || out.pruned {
					continue
				}
				leafOnly := &outputRecord{pruned: true, hash: out.hash}
				if err := w.Put(uint64Key(outputPrefix, pos),
					serializeOutputRecord(leafOnly), nil); err != nil {
					return err
				}
			}
			if err := w.Delete(prefixKey(undoPrefix, cur.hash[:]), nil); err != nil {
				return err
			}
		}
		if err := w.Delete(prefixKey(bodyPrefix, cur.hash[:]), nil); err != nil {
			return err
		}
		prev, err := dbFetchHeaderRecord(w, &cur.header.PrevBlock)
		if err != nil {
			return err
		}
		if prev == nil {
			break
		}
		cur = prev
	}

	if err := w.Put(prunedKey, encodeUint64(target), nil); err != nil {
		return err
	}
	*pruned = target
	return nil
}

// MarkBadBlock records hash as invalid so it is never processed again.
func (b *BlockChain) MarkBadBlock(hash *chainhash.Hash, reason string) {
	b.markBadBlock(b.db, hash, reason)
}

func (b *BlockChain) markBadBlock(w dbWriter, hash *chainhash.Hash, reason string) {
	b.badBlocks.Add(*hash)
	if err := w.Put(prefixKey(badBlockPrefix, hash[:]), []byte(reason), nil); err != nil {
		log.Errorf("Unable to persist bad block %v: %v", hash, err)
	}
	log.Infof("Marked block %v as invalid: %s", hash, reason)
}

// IsBadBlock returns whether hash was found to be invalid before.
func (b *BlockChain) IsBadBlock(hash *chainhash.Hash) bool {
	return b.isBadBlock(b.db, hash)
}

func (b *BlockChain) isBadBlock(r dbReader, hash *chainhash.Hash) bool {
	if b.badBlocks.Contains(*hash) {
		return true
	}
	ok, err := r.Has(prefixKey(badBlockPrefix, hash[:]), nil)
	if err != nil {
		log.Errorf("Unable to look up bad block %v: %v", hash, err)
		return false
	}
	if ok {
		b.badBlocks.Add(*hash)
	}
	return ok
}
