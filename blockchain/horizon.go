// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/utreexo/horizond/wire"
)

// kernelCheckpoint is the kernel MMR committed to by a header between the
// local block tip and the horizon target.
type kernelCheckpoint struct {
	hash chainhash.Hash
	size uint64
	root chainhash.Hash
}

type stagedOutput struct {
	kind wire.UtxoKind
	hash chainhash.Hash
	out  wire.TxOutput
}

// HorizonWriter stages the kernels and outputs that bring a pruned node from
// its block tip to a horizon header without the block bodies in between.
// Nothing is written until Commit, so abandoning a writer leaves the chain
// untouched.
type HorizonWriter struct {
	b      *BlockChain
	target *headerRecord
	base   *chainState

	kernels     *MerkleMountainRange
	outputs     *MerkleMountainRange
	checkpoints []kernelCheckpoint

	newKernels  []wire.TxKernel
	kernelSigs  map[wire.ExcessSig]struct{}
	newOutputs  []stagedOutput
	commitments map[wire.Commitment]struct{}

	deleted   *Bitmap
	finalized bool
}

// BeginHorizonSync starts staging the state at the header with the given
// hash.  The header must be on the best header chain above the block tip.
// A block tip that is not on the header chain is first rewound to the fork
// point; a fork below the pruned height cannot be recovered and is returned
// as ErrBelowPrunedHeight.
func (b *BlockChain) BeginHorizonSync(targetHash *chainhash.Hash) (*HorizonWriter, error) {
	fork, err := b.BlockTipFork()
	if err != nil {
		return nil, err
	}
	if tip := b.BlockTip(); fork < tip.Height {
		if err := b.RewindToHeight(fork); err != nil {
			return nil, fmt.Errorf("rewind to header chain fork at %d: %w",
				fork, err)
		}
	}

	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	target, err := dbFetchHeaderRecord(b.db, targetHash)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("horizon header %v: %w", targetHash, ErrNotFound)
	}
	onChain, err := b.isOnHeaderChain(b.db, targetHash)
	if err != nil {
		return nil, err
	}
	if !onChain {
		return nil, fmt.Errorf("horizon header %v is not on the best "+
			"header chain", targetHash)
	}
	if target.header.Height <= b.state.tip.header.Height {
		return nil, fmt.Errorf("horizon height %d is not above the block "+
			"tip %d", target.header.Height, b.state.tip.header.Height)
	}

	w := &HorizonWriter{
		b:           b,
		target:      target,
		base:        b.state.copy(),
		kernels:     b.state.kernels.Copy(),
		outputs:     b.state.outputs.Copy(),
		kernelSigs:  make(map[wire.ExcessSig]struct{}),
		commitments: make(map[wire.Commitment]struct{}),
	}
	for h := b.state.tip.header.Height + 1; h <= target.header.Height; h++ {
		hash, err := dbFetchHeaderChainHash(b.db, h)
		if err != nil {
			return nil, err
		}
		if hash == nil {
			return nil, fmt.Errorf("header chain has no entry at height %d", h)
		}
		rec, err := dbFetchHeaderRecord(b.db, hash)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("header chain entry %v has no header", hash)
		}
		w.checkpoints = append(w.checkpoints, kernelCheckpoint{
			hash: rec.hash,
			size: rec.header.KernelMMRSize,
			root: rec.header.KernelMMRRoot,
		})
	}

	log.Infof("Starting horizon sync from height %d to %d (kernels %d..%d, "+
		"outputs %d..%d)", b.state.tip.header.Height, target.header.Height,
		w.kernels.NumLeaves(), target.header.KernelMMRSize,
		w.outputs.NumLeaves(), target.header.OutputMMRSize)
	return w, nil
}

// Target returns the horizon header.
func (w *HorizonWriter) Target() ChainTip {
	return tipFromRecord(w.target)
}

// NextKernelIndex returns the MMR index the next kernel must take.
func (w *HorizonWriter) NextKernelIndex() uint64 {
	return w.kernels.NumLeaves()
}

// NextOutputPosition returns the MMR position the next output must take.
func (w *HorizonWriter) NextOutputPosition() uint64 {
	return w.outputs.NumLeaves()
}

// KernelsDone returns whether every kernel up to the horizon was added.
func (w *HorizonWriter) KernelsDone() bool {
	return w.kernels.NumLeaves() >= w.target.header.KernelMMRSize
}

// OutputsDone returns whether every output up to the horizon was added.
func (w *HorizonWriter) OutputsDone() bool {
	return w.outputs.NumLeaves() >= w.target.header.OutputMMRSize
}

// AddKernel verifies and appends the next kernel.  Every time the kernel MMR
// reaches the size committed to by a header, its root must match that
// header.
func (w *HorizonWriter) AddKernel(k *wire.TxKernel) error {
	if w.KernelsDone() {
		str := fmt.Sprintf("kernel beyond the %d committed to by the "+
			"horizon header", w.target.header.KernelMMRSize)
		return ruleError(ErrBadKernelMMRRoot, str)
	}
	if err := CheckKernelSignature(k); err != nil {
		return err
	}
	if _, ok := w.kernelSigs[k.ExcessSig]; ok {
		str := fmt.Sprintf("kernel %v streamed twice", k.ExcessSig)
		return ruleError(ErrDuplicateKernel, str)
	}
	known, err := dbHasKernel(w.b.db, &k.ExcessSig)
	if err != nil {
		return err
	}
	if known {
		str := fmt.Sprintf("kernel %v already exists", k.ExcessSig)
		return ruleError(ErrDuplicateKernel, str)
	}

	if err := w.kernels.Add(k.Hash()); err != nil {
		return err
	}
	w.newKernels = append(w.newKernels, *k)
	w.kernelSigs[k.ExcessSig] = struct{}{}

	n := w.kernels.NumLeaves()
	for len(w.checkpoints) > 0 && w.checkpoints[0].size <= n {
		cp := w.checkpoints[0]
		w.checkpoints = w.checkpoints[1:]
		if cp.size < n {
			continue
		}
		if root := w.kernels.Root(); root != cp.root {
			str := fmt.Sprintf("kernel mmr root %v at size %d does not "+
				"match header %v root %v", root, n, cp.hash, cp.root)
			return ruleError(ErrBadKernelMMRRoot, str)
		}
	}
	return nil
}

// AddOutput stages the next output leaf.  Unspent outputs are fully checked,
// spent outputs must still carry a valid proof and pruned outputs are
// trusted through the output root checked by Finalize.
func (w *HorizonWriter) AddOutput(msg *wire.MsgSyncUtxo) error {
	pos := w.outputs.NumLeaves()
	if msg.MMRPosition != pos {
		str := fmt.Sprintf("output at position %d, expected %d",
			msg.MMRPosition, pos)
		return ruleError(ErrBadOutputMMRRoot, str)
	}
	if w.OutputsDone() {
		str := fmt.Sprintf("output beyond the %d committed to by the "+
			"horizon header", w.target.header.OutputMMRSize)
		return ruleError(ErrBadOutputMMRRoot, str)
	}

	staged := stagedOutput{kind: msg.Kind, hash: msg.LeafHash()}
	switch msg.Kind {
	case wire.UtxoUnspent:
		if err := CheckOutputSanity(&msg.Output, w.b.chainParams,
			w.b.proofVerifier); err != nil {
			return err
		}
		if _, ok := w.commitments[msg.Output.Commitment]; ok {
			str := fmt.Sprintf("commitment %v is used by two unspent "+
				"outputs", msg.Output.Commitment)
			return ruleError(ErrDuplicateCommitment, str)
		}
		w.commitments[msg.Output.Commitment] = struct{}{}
		staged.out = msg.Output

	case wire.UtxoSpent:
		if err := w.b.proofVerifier.VerifyProof(&msg.Output); err != nil {
			return err
		}
		staged.out = msg.Output

	case wire.UtxoPruned:

	default:
		return fmt.Errorf("unknown output kind %d", msg.Kind)
	}

	if err := w.outputs.Add(staged.hash); err != nil {
		return err
	}
	w.newOutputs = append(w.newOutputs, staged)
	return nil
}

// Finalize checks the staged state against the horizon header using the
// deletion bitmap the peer sent for it.
func (w *HorizonWriter) Finalize(bitmapBytes []byte) error {
	hdr := &w.target.header
	if w.kernels.NumLeaves() != hdr.KernelMMRSize {
		str := fmt.Sprintf("have %d kernels, horizon header commits to %d",
			w.kernels.NumLeaves(), hdr.KernelMMRSize)
		return ruleError(ErrBadKernelMMRRoot, str)
	}
	if w.kernels.Root() != hdr.KernelMMRRoot {
		return ruleError(ErrBadKernelMMRRoot, "kernel mmr root does not "+
			"match the horizon header")
	}
	if w.outputs.NumLeaves() != hdr.OutputMMRSize {
		str := fmt.Sprintf("have %d outputs, horizon header commits to %d",
			w.outputs.NumLeaves(), hdr.OutputMMRSize)
		return ruleError(ErrBadOutputMMRRoot, str)
	}

	deleted, err := DeserializeBitmap(bitmapBytes)
	if err != nil {
		return ruleError(ErrBadBitmap, err.Error())
	}
	if deleted.Size() != hdr.OutputMMRSize {
		str := fmt.Sprintf("deletion bitmap covers %d outputs, expected %d",
			deleted.Size(), hdr.OutputMMRSize)
		return ruleError(ErrBadBitmap, str)
	}

	// Spends are permanent, whatever was spent locally stays spent.
	base := w.base.outputs.NumLeaves()
	for pos := uint64(0); pos < base; pos++ {
		if w.base.deleted.Contains(pos) && !deleted.Contains(pos) {
			str := fmt.Sprintf("deletion bitmap unspends output %d", pos)
			return ruleError(ErrBadBitmap, str)
		}
	}
	for i, staged := range w.newOutputs {
		pos := base + uint64(i)
		spent := deleted.Contains(pos)
		if staged.kind == wire.UtxoUnspent && spent {
			str := fmt.Sprintf("unspent output %d is marked deleted", pos)
			return ruleError(ErrBadBitmap, str)
		}
		if staged.kind != wire.UtxoUnspent && !spent {
			str := fmt.Sprintf("%v output %d is not marked deleted",
				staged.kind, pos)
			return ruleError(ErrBadBitmap, str)
		}
	}

	if root := OutputMMRRoot(w.outputs, deleted); root != hdr.OutputMMRRoot {
		str := fmt.Sprintf("output mmr root %v does not match the horizon "+
			"header root %v", root, hdr.OutputMMRRoot)
		return ruleError(ErrBadOutputMMRRoot, str)
	}

	w.deleted = deleted
	w.finalized = true
	return nil
}

// Commit atomically writes the staged state and makes the horizon header the
// block tip and the pruned height.
func (w *HorizonWriter) Commit() error {
	if !w.finalized {
		return errors.New("horizon state committed before it was finalized")
	}
	b := w.b

	b.chainLock.Lock()
	if b.state.tip.hash != w.base.tip.hash {
		b.chainLock.Unlock()
		return ErrStaleExtension
	}

	base := w.base.outputs.NumLeaves()
	err := update(b.db, func(tx dbWriter) error {
		// Local outputs spent between the block tip and the horizon leave
		// the live set first.
		for pos := uint64(0); pos < base; pos++ {
			if w.base.deleted.Contains(pos) || !w.deleted.Contains(pos) {
				continue
			}
			out, err := dbFetchOutput(tx, pos)
			if err != nil {
				return err
			}
			if out == nil || out.pruned {
				continue
			}
			err = dbDeleteLiveCommitment(tx, &out.output.Commitment, pos)
			if err != nil {
				return err
			}
		}

		kernelIndex := w.base.kernels.NumLeaves()
		for i := range w.newKernels {
			err := dbPutKernel(tx, kernelIndex+uint64(i), &w.newKernels[i])
			if err != nil {
				return err
			}
		}
		for i, staged := range w.newOutputs {
			rec := &outputRecord{hash: staged.hash, output: staged.out}
			rec.pruned = staged.kind != wire.UtxoUnspent
			err := dbPutOutput(tx, base+uint64(i), rec, !rec.pruned)
			if err != nil {
				return err
			}
		}

		state := &blockState{kernels: w.kernels, outputs: w.outputs}
		if err := dbPutBlockState(tx, &w.target.hash, state); err != nil {
			return err
		}
		if err := tx.Put(bitmapKey, w.deleted.Bytes(), nil); err != nil {
			return err
		}
		if err := tx.Put(blockTipKey, w.target.hash[:], nil); err != nil {
			return err
		}
		return tx.Put(prunedKey, encodeUint64(w.target.header.Height), nil)
	})
	if err != nil {
		b.chainLock.Unlock()
		return err
	}

	b.state = &chainState{
		tip:     w.target,
		kernels: w.kernels.Copy(),
		outputs: w.outputs.Copy(),
		deleted: w.deleted.Copy(),
	}
	b.prunedHeight = w.target.header.Height
	b.chainLock.Unlock()

	log.Infof("Horizon state committed at height %d (%d kernels, %d outputs)",
		w.target.header.Height, len(w.newKernels), len(w.newOutputs))
	return nil
}

// blockChainRecord returns the header record of the block chain ancestor
// with the given hash.  The hash must be at or below the block tip and at or
// above the pruned height.
//
// This function MUST be called with the chain lock held (for reads).
func (b *BlockChain) blockChainRecord(hash *chainhash.Hash) (*headerRecord, error) {
	rec, err := dbFetchHeaderRecord(b.db, hash)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("header %v: %w", hash, ErrNotFound)
	}
	if rec.header.Height > b.state.tip.header.Height ||
		rec.header.Height < b.prunedHeight {

		return nil, fmt.Errorf("header %v at height %d is outside the "+
			"served range %d..%d: %w", hash, rec.header.Height,
			b.prunedHeight, b.state.tip.header.Height, ErrNotFound)
	}
	cur := b.state.tip
	for cur.header.Height > rec.header.Height {
		if cur, err = dbFetchHeaderRecord(b.db, &cur.header.PrevBlock); err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, fmt.Errorf("block chain is missing an ancestor "+
				"of %v", b.state.tip.hash)
		}
	}
	if cur.hash != rec.hash {
		return nil, fmt.Errorf("header %v is not on the block chain: %w",
			hash, ErrNotFound)
	}
	return rec, nil
}

// HorizonSizes returns the kernel and output MMR sizes at the block chain
// header with the given hash.
func (b *BlockChain) HorizonSizes(hash *chainhash.Hash) (uint64, uint64, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	rec, err := b.blockChainRecord(hash)
	if err != nil {
		return 0, 0, err
	}
	return rec.header.KernelMMRSize, rec.header.OutputMMRSize, nil
}

// FetchKernels returns the kernels with MMR indexes in [start, end).
func (b *BlockChain) FetchKernels(start, end uint64) ([]wire.TxKernel, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	if end > b.state.kernels.NumLeaves() {
		end = b.state.kernels.NumLeaves()
	}
	var kernels []wire.TxKernel
	for i := start; i < end; i++ {
		k, err := dbFetchKernel(b.db, i)
		if err != nil {
			return nil, err
		}
		if k == nil {
			return nil, fmt.Errorf("kernel %d: %w", i, ErrNotFound)
		}
		kernels = append(kernels, *k)
	}
	return kernels, nil
}

// FetchOutputLeaves returns the output leaves with MMR positions in
// [start, end) as they stood when deleted was the deletion bitmap.
func (b *BlockChain) FetchOutputLeaves(start, end uint64, deleted *Bitmap) ([]wire.MsgSyncUtxo, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	if end > deleted.Size() {
		end = deleted.Size()
	}
	var leaves []wire.MsgSyncUtxo
	for pos := start; pos < end; pos++ {
		rec, err := dbFetchOutput(b.db, pos)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("output %d: %w", pos, ErrNotFound)
		}
		leaf := wire.MsgSyncUtxo{MMRPosition: pos}
		switch {
		case rec.pruned:
			leaf.Kind = wire.UtxoPruned
			leaf.PrunedHash = rec.hash
		case deleted.Contains(pos):
			leaf.Kind = wire.UtxoSpent
			leaf.Output = rec.output
		default:
			leaf.Kind = wire.UtxoUnspent
			leaf.Output = rec.output
		}
		leaves = append(leaves, leaf)
	}
	return leaves, nil
}

// BitmapAt returns the deletion bitmap as it stood after the block chain
// block with the given hash.  The spends of every later block are undone.
func (b *BlockChain) BitmapAt(hash *chainhash.Hash) (*Bitmap, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	rec, err := b.blockChainRecord(hash)
	if err != nil {
		return nil, err
	}
	deleted := b.state.deleted.Copy()
	cur := b.state.tip
	for cur.header.Height > rec.header.Height {
		spent, ok, err := dbFetchUndo(b.db, &cur.hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("spend data of block %v: %w", cur.hash,
				ErrBelowPrunedHeight)
		}
		for _, pos := range spent {
			deleted.Clear(pos)
		}
		if cur, err = dbFetchHeaderRecord(b.db, &cur.header.PrevBlock); err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, errors.New("block chain is missing an ancestor")
		}
	}
	deleted.Resize(rec.header.OutputMMRSize)
	return deleted, nil
}
