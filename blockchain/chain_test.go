// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain_test

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/blockchain/chaingen"
	"github.com/utreexo/horizond/chaincfg"
	"github.com/utreexo/horizond/wire"
)

// chainHarness pairs a chain generator with a chain under test.
type chainHarness struct {
	*chaingen.Generator

	t     *testing.T
	chain *blockchain.BlockChain

	connected    []*wire.MsgBlock
	disconnected []*wire.MsgBlock
}

func newTestChain(t *testing.T, horizon uint64) *blockchain.BlockChain {
	t.Helper()

	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	chain, err := blockchain.New(&blockchain.Config{
		DB:             db,
		ChainParams:    &chaincfg.RegressionNetParams,
		PruningHorizon: horizon,
	})
	require.NoError(t, err)
	return chain
}

func newChainHarness(t *testing.T, horizon uint64) *chainHarness {
	h := &chainHarness{
		Generator: chaingen.NewGenerator(&chaincfg.RegressionNetParams),
		t:         t,
		chain:     newTestChain(t, horizon),
	}
	h.chain.Subscribe(func(n *blockchain.Notification) {
		switch n.Type {
		case blockchain.NTBlockConnected:
			h.connected = append(h.connected, n.Data.(*wire.MsgBlock))
		case blockchain.NTBlockDisconnected:
			h.disconnected = append(h.disconnected, n.Data.(*wire.MsgBlock))
		}
	})
	return h
}

func (h *chainHarness) nextBlock(name string, txs ...*wire.MsgTx) *wire.MsgBlock {
	h.t.Helper()
	block, err := h.NextBlock(name, txs)
	require.NoError(h.t, err)
	return block
}

func (h *chainHarness) spendTx(spends ...*chaingen.SpendableOut) *wire.MsgTx {
	h.t.Helper()
	tx, err := h.CreateSpendTx(100, spends...)
	require.NoError(h.t, err)
	return tx
}

// accept expects the named block to be connected as the new block tip.
func (h *chainHarness) accept(name string) {
	h.t.Helper()
	block := h.BlockByName(name)
	isMainChain, isOrphan, err := h.chain.ProcessBlock(block)
	require.NoError(h.t, err, "block %q", name)
	require.True(h.t, isMainChain, "block %q", name)
	require.False(h.t, isOrphan, "block %q", name)
	require.Equal(h.t, block.BlockHash(), h.chain.BlockTip().Hash,
		"block %q is not the tip", name)
}

// acceptSide expects the named block to be stored without becoming the tip.
func (h *chainHarness) acceptSide(name string) {
	h.t.Helper()
	isMainChain, isOrphan, err := h.chain.ProcessBlock(h.BlockByName(name))
	require.NoError(h.t, err, "block %q", name)
	require.False(h.t, isMainChain, "block %q", name)
	require.False(h.t, isOrphan, "block %q", name)
}

// reject expects the named block to be rejected with the given code.
func (h *chainHarness) reject(name string, code blockchain.ErrorCode) {
	h.t.Helper()
	tip := h.chain.BlockTip()
	_, _, err := h.chain.ProcessBlock(h.BlockByName(name))
	require.True(h.t, blockchain.IsErrorCode(err, code),
		"block %q: want %v, got %v", name, code, err)
	require.Equal(h.t, tip.Hash, h.chain.BlockTip().Hash)
}

func TestProcessBlockExtendsChain(t *testing.T) {
	h := newChainHarness(t, 0)

	for i := 1; i <= 5; i++ {
		name := fmt.Sprintf("b%d", i)
		h.nextBlock(name)
		h.accept(name)
	}

	meta := h.chain.ChainMetadata()
	require.Equal(t, uint64(5), meta.Height)
	require.Equal(t, big.NewInt(6), meta.AccumulatedDifficulty)
	require.Equal(t, h.chain.BlockTip().Hash, h.chain.HeaderTip().Hash)
	require.Len(t, h.connected, 5)

	hash, err := h.chain.HashByHeight(3)
	require.NoError(t, err)
	require.Equal(t, h.BlockByName("b3").BlockHash(), *hash)

	// Re-delivering a committed block changes nothing.
	_, _, err = h.chain.ProcessBlock(h.BlockByName("b3"))
	require.True(t, blockchain.IsErrorCode(err, blockchain.ErrDuplicateBlock))
	require.Equal(t, uint64(5), h.chain.BlockTip().Height)
	require.Len(t, h.connected, 5)
}

func TestProcessBlockSpends(t *testing.T) {
	h := newChainHarness(t, 0)

	h.nextBlock("b1")
	h.accept("b1")
	cb := h.SpendableOuts()[0]

	tx := h.spendTx(cb)
	h.nextBlock("b2", tx)
	h.accept("b2")

	live, err := h.chain.FetchLiveOutput(&cb.Hash)
	require.NoError(t, err)
	require.Nil(t, live)

	outHash := tx.Outputs[0].Hash()
	live, err = h.chain.FetchLiveOutput(&outHash)
	require.NoError(t, err)
	require.NotNil(t, live)

	ok, err := h.chain.HasKernel(&tx.Kernels[0].ExcessSig)
	require.NoError(t, err)
	require.True(t, ok)

	// Spending the same output again is a double spend.
	h.SetTip("b2")
	double := h.spendTx(cb)
	h.nextBlock("b3bad", double)
	h.reject("b3bad", blockchain.ErrMissingInput)
}

func TestUniqueLiveCommitments(t *testing.T) {
	h := newChainHarness(t, 0)

	h.nextBlock("b1")
	h.accept("b1")
	cb := h.SpendableOuts()[0]
	tx := h.spendTx(cb)
	h.nextBlock("b2", tx)
	h.accept("b2")

	var out *chaingen.SpendableOut
	for _, o := range h.SpendableOuts() {
		if o.Hash == tx.Outputs[0].Hash() {
			out = o
		}
	}
	require.NotNil(t, out)

	// A second live output with the same commitment is refused.
	dup, err := h.ReuseCommitment(out.Output.Commitment, []byte{0x52})
	require.NoError(t, err)
	_, err = h.NextBlock("b3dup", nil, func(b *wire.MsgBlock) {
		b.Body.Outputs = append(b.Body.Outputs, dup)
		b.Body.Sort()
	})
	require.NoError(t, err)
	h.reject("b3dup", blockchain.ErrDuplicateCommitment)

	ok, err := h.chain.HasLiveCommitment(&out.Output.Commitment)
	require.NoError(t, err)
	require.True(t, ok)

	// Spending the output frees its commitment in the same block.
	h.SetTip("b2")
	respend := h.spendTx(out)
	respend.Outputs[0] = dup
	respend.Sort()
	h.nextBlock("b3", respend)
	h.accept("b3")

	live, err := h.chain.FetchLiveOutput(&out.Hash)
	require.NoError(t, err)
	require.Nil(t, live)
	dupHash := dup.Hash()
	live, err = h.chain.FetchLiveOutput(&dupHash)
	require.NoError(t, err)
	require.NotNil(t, live)
}

func TestReorgToMoreWork(t *testing.T) {
	h := newChainHarness(t, 0)

	h.nextBlock("b1")
	h.accept("b1")
	cb := h.SpendableOuts()[0]
	mainTx := h.spendTx(cb)
	h.nextBlock("b2", mainTx)
	h.accept("b2")
	h.nextBlock("b3")
	h.accept("b3")

	// A longer fork with the same difficulty only wins once it carries
	// more work.
	h.SetTip("b1")
	forkTx := h.spendTx(cb)
	h.nextBlock("f2", forkTx)
	h.acceptSide("f2")
	h.nextBlock("f3")
	h.acceptSide("f3")
	h.nextBlock("f4")
	h.accept("f4")

	require.Len(t, h.disconnected, 2)
	require.Equal(t, h.BlockByName("b3").BlockHash(), h.disconnected[0].BlockHash())

	ok, err := h.chain.HasKernel(&mainTx.Kernels[0].ExcessSig)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = h.chain.HasKernel(&forkTx.Kernels[0].ExcessSig)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, h.BlockByName("f4").BlockHash(), h.chain.HeaderTip().Hash)

	// A shorter chain with more work wins over height.
	h.SetTip("b1")
	h.Difficulty = 10
	h.nextBlock("g2")
	h.accept("g2")
	require.Equal(t, uint64(2), h.chain.BlockTip().Height)
	require.Equal(t, big.NewInt(12), h.chain.BlockTip().AccumulatedDifficulty)

	live, err := h.chain.FetchLiveOutput(&cb.Hash)
	require.NoError(t, err)
	require.NotNil(t, live)
}

func TestOrphanBlocks(t *testing.T) {
	h := newChainHarness(t, 0)

	h.nextBlock("b1")
	h.nextBlock("b2")
	h.nextBlock("b3")

	_, isOrphan, err := h.chain.ProcessBlock(h.BlockByName("b3"))
	require.NoError(t, err)
	require.True(t, isOrphan)
	_, isOrphan, err = h.chain.ProcessBlock(h.BlockByName("b2"))
	require.NoError(t, err)
	require.True(t, isOrphan)
	require.Equal(t, 2, h.chain.NumOrphans())

	hash := h.BlockByName("b3").BlockHash()
	have, err := h.chain.HaveBlock(&hash)
	require.NoError(t, err)
	require.True(t, have)

	isMainChain, isOrphan, err := h.chain.ProcessBlock(h.BlockByName("b1"))
	require.NoError(t, err)
	require.True(t, isMainChain)
	require.False(t, isOrphan)
	require.Equal(t, h.BlockByName("b3").BlockHash(), h.chain.BlockTip().Hash)
	require.Equal(t, 0, h.chain.NumOrphans())
	require.Len(t, h.connected, 3)
}

func TestBadBlockIsRemembered(t *testing.T) {
	h := newChainHarness(t, 0)

	h.nextBlock("b1")
	h.accept("b1")

	_, err := h.NextBlock("b2bad", nil, func(b *wire.MsgBlock) {
		b.Body.Kernels[0].ExcessSig[10] ^= 0xff
		b.Body.Sort()
	})
	require.NoError(t, err)
	h.reject("b2bad", blockchain.ErrBadSignature)

	hash := h.BlockByName("b2bad").BlockHash()
	require.True(t, h.chain.IsBadBlock(&hash))
	h.reject("b2bad", blockchain.ErrKnownBadBlock)

	// Children of a bad block are bad too.
	h.nextBlock("b3bad")
	h.reject("b3bad", blockchain.ErrKnownBadBlock)
}

func TestWrongBodyDoesNotPoisonHeader(t *testing.T) {
	h := newChainHarness(t, 0)

	h.nextBlock("b1")
	h.accept("b1")
	good := h.nextBlock("b2")

	// A body with a broken kernel signature does not match the kernel root
	// the header commits to, so only the body is at fault.
	bad := &wire.MsgBlock{Header: good.Header}
	bad.Body.Outputs = append(bad.Body.Outputs, good.Body.Outputs...)
	bad.Body.Kernels = append(bad.Body.Kernels, good.Body.Kernels...)
	bad.Body.Kernels[0].ExcessSig[10] ^= 0xff

	_, err := h.chain.PrepareChainExtension(bad)
	require.True(t, blockchain.IsErrorCode(err, blockchain.ErrBadKernelMMRRoot), "%v", err)
	_, _, err = h.chain.ProcessBlock(bad)
	require.True(t, blockchain.IsErrorCode(err, blockchain.ErrBadKernelMMRRoot), "%v", err)
	require.False(t, blockchain.IsPermanentFailure(err))

	hash := good.BlockHash()
	require.False(t, h.chain.IsBadBlock(&hash))
	h.accept("b2")
}

func TestRewindAndReapply(t *testing.T) {
	h := newChainHarness(t, 0)

	for i := 1; i <= 5; i++ {
		name := fmt.Sprintf("b%d", i)
		var txs []*wire.MsgTx
		if i > 1 {
			txs = append(txs, h.spendTx(h.SpendableOuts()[0]))
		}
		h.nextBlock(name, txs...)
		h.accept(name)
	}
	want := h.chain.ChainMetadata()

	require.NoError(t, h.chain.RewindToHeight(2))
	require.Equal(t, uint64(2), h.chain.BlockTip().Height)
	require.Equal(t, h.BlockByName("b2").BlockHash(), h.chain.BlockTip().Hash)
	require.Len(t, h.disconnected, 3)

	// The header chain is untouched, the bodies can be applied again.
	require.Equal(t, uint64(5), h.chain.HeaderTip().Height)
	for i := 3; i <= 5; i++ {
		ext, err := h.chain.PrepareChainExtension(h.BlockByName(fmt.Sprintf("b%d", i)))
		require.NoError(t, err)
		require.NoError(t, h.chain.CommitChainExtension(ext))
	}
	require.Equal(t, want, h.chain.ChainMetadata())

	// An extension prepared against an old tip is refused.
	h.nextBlock("b6")
	ext, err := h.chain.PrepareChainExtension(h.BlockByName("b6"))
	require.NoError(t, err)
	require.NoError(t, h.chain.RewindToHeight(4))
	require.ErrorIs(t, h.chain.CommitChainExtension(ext), blockchain.ErrStaleExtension)
}

func TestPruneBodies(t *testing.T) {
	h := newChainHarness(t, 3)

	for i := 1; i <= 8; i++ {
		name := fmt.Sprintf("b%d", i)
		var txs []*wire.MsgTx
		if i > 1 {
			txs = append(txs, h.spendTx(h.SpendableOuts()[0]))
		}
		h.nextBlock(name, txs...)
		h.accept(name)
	}
	require.Equal(t, uint64(5), h.chain.PrunedHeight())

	hash := h.BlockByName("b3").BlockHash()
	_, err := h.chain.FetchBlock(&hash)
	require.True(t, errors.Is(err, blockchain.ErrNotFound))
	hash = h.BlockByName("b7").BlockHash()
	_, err = h.chain.FetchBlock(&hash)
	require.NoError(t, err)

	require.ErrorIs(t, h.chain.RewindToHeight(4), blockchain.ErrBelowPrunedHeight)
	require.NoError(t, h.chain.RewindToHeight(6))
	require.Equal(t, uint64(6), h.chain.BlockTip().Height)
}

// TestPrunedHeightFollowsCommits ensures a failed commit leaves the pruned
// height where the store has it.
func TestPrunedHeightFollowsCommits(t *testing.T) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	chain, err := blockchain.New(&blockchain.Config{
		DB:             db,
		ChainParams:    &chaincfg.RegressionNetParams,
		PruningHorizon: 3,
	})
	require.NoError(t, err)

	g := chaingen.NewGenerator(&chaincfg.RegressionNetParams)
	for i := 1; i <= 6; i++ {
		_, err := g.NextBlock(fmt.Sprintf("b%d", i), nil)
		require.NoError(t, err)
	}
	for i := 1; i <= 5; i++ {
		_, _, err := chain.ProcessBlock(g.BlockByName(fmt.Sprintf("b%d", i)))
		require.NoError(t, err)
	}
	require.Equal(t, uint64(2), chain.PrunedHeight())

	ext, err := chain.PrepareChainExtension(g.BlockByName("b6"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.Error(t, chain.CommitChainExtension(ext))
	require.Equal(t, uint64(2), chain.PrunedHeight())
	require.Equal(t, uint64(5), chain.BlockTip().Height)
}

func TestHeaderChainSwap(t *testing.T) {
	h := newChainHarness(t, 0)
	for i := 1; i <= 5; i++ {
		h.nextBlock(fmt.Sprintf("b%d", i))
	}

	genesis := chaincfg.RegressionNetParams.GenesisHash
	pc, err := h.chain.NewPendingChain(genesis)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		require.NoError(t, pc.Add(&h.BlockByName(fmt.Sprintf("b%d", i)).Header))
	}

	// Headers that do not link are refused.
	err = pc.Add(&h.BlockByName("b2").Header)
	require.True(t, blockchain.IsErrorCode(err, blockchain.ErrBadPrevHash))

	require.NoError(t, h.chain.SwapHeaderChain(pc))
	require.Equal(t, uint64(5), h.chain.HeaderTip().Height)
	require.Equal(t, uint64(0), h.chain.BlockTip().Height)

	// Fewer headers carry less work.
	pc, err = h.chain.NewPendingChain(genesis)
	require.NoError(t, err)
	require.NoError(t, pc.Add(&h.BlockByName("b1").Header))
	require.ErrorIs(t, h.chain.SwapHeaderChain(pc), blockchain.ErrNotHeavier)

	locator, err := h.chain.LocatorHashes(3)
	require.NoError(t, err)
	require.Equal(t, h.BlockByName("b5").BlockHash(), locator[0])
	require.Equal(t, h.BlockByName("b3").BlockHash(), locator[2])

	idx, found, err := h.chain.FindSplit(locator)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(0), idx)

	hash := h.BlockByName("b2").BlockHash()
	headers, err := h.chain.HeadersAfter(&hash, 10)
	require.NoError(t, err)
	require.Len(t, headers, 3)

	// Blocks follow the header chain.
	for i := 1; i <= 5; i++ {
		h.accept(fmt.Sprintf("b%d", i))
	}
	require.Equal(t, h.chain.HeaderTip().Hash, h.chain.BlockTip().Hash)
}

// buildSpendingChain generates n blocks, each after the first spending the
// oldest spendable output, and feeds them to chain.
func buildSpendingChain(t *testing.T, h *chainHarness, n int) {
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("b%d", i)
		var txs []*wire.MsgTx
		if i > 1 {
			txs = append(txs, h.spendTx(h.SpendableOuts()[0]))
		}
		h.nextBlock(name, txs...)
		h.accept(name)
	}
}

func syncHeaders(t *testing.T, chain *blockchain.BlockChain, g *chaingen.Generator, n int) {
	pc, err := chain.NewPendingChain(chaincfg.RegressionNetParams.GenesisHash)
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		require.NoError(t, pc.Add(&g.BlockByName(fmt.Sprintf("b%d", i)).Header))
	}
	require.NoError(t, chain.SwapHeaderChain(pc))
}

func TestHorizonSync(t *testing.T) {
	server := newChainHarness(t, 0)
	buildSpendingChain(t, server, 10)

	client := newTestChain(t, 3)
	syncHeaders(t, client, server.Generator, 10)

	target := server.BlockByName("b7").BlockHash()
	w, err := client.BeginHorizonSync(&target)
	require.NoError(t, err)

	kernelCount, outputCount, err := server.chain.HorizonSizes(&target)
	require.NoError(t, err)
	kernels, err := server.chain.FetchKernels(w.NextKernelIndex(), kernelCount)
	require.NoError(t, err)
	for i := range kernels {
		require.NoError(t, w.AddKernel(&kernels[i]))
	}
	require.True(t, w.KernelsDone())

	bitmap, err := server.chain.BitmapAt(&target)
	require.NoError(t, err)
	leaves, err := server.chain.FetchOutputLeaves(w.NextOutputPosition(), outputCount, bitmap)
	require.NoError(t, err)
	for i := range leaves {
		require.NoError(t, w.AddOutput(&leaves[i]))
	}
	require.True(t, w.OutputsDone())
	require.NoError(t, w.Finalize(bitmap.Bytes()))
	require.NoError(t, w.Commit())

	require.Equal(t, target, client.BlockTip().Hash)
	require.Equal(t, uint64(7), client.PrunedHeight())

	for i := 8; i <= 10; i++ {
		ext, err := client.PrepareChainExtension(server.BlockByName(fmt.Sprintf("b%d", i)))
		require.NoError(t, err)
		require.NoError(t, client.CommitChainExtension(ext))
	}
	require.Equal(t, server.chain.ChainMetadata().BestBlock, client.ChainMetadata().BestBlock)
	require.Equal(t, server.chain.ChainMetadata().AccumulatedDifficulty,
		client.ChainMetadata().AccumulatedDifficulty)

	for _, out := range server.SpendableOuts() {
		live, err := client.FetchLiveOutput(&out.Hash)
		require.NoError(t, err)
		require.NotNil(t, live)
	}

	// The pruned client can not go back below the horizon.
	require.ErrorIs(t, client.RewindToHeight(6), blockchain.ErrBelowPrunedHeight)
}

func TestHorizonSyncRejectsBadData(t *testing.T) {
	server := newChainHarness(t, 0)
	buildSpendingChain(t, server, 6)

	client := newTestChain(t, 2)
	syncHeaders(t, client, server.Generator, 6)
	target := server.BlockByName("b4").BlockHash()
	kernelCount, outputCount, err := server.chain.HorizonSizes(&target)
	require.NoError(t, err)

	// Kernels out of order do not add up to the committed roots.
	w, err := client.BeginHorizonSync(&target)
	require.NoError(t, err)
	kernels, err := server.chain.FetchKernels(0, kernelCount)
	require.NoError(t, err)
	kernels[0], kernels[1] = kernels[1], kernels[0]
	err = w.AddKernel(&kernels[0])
	require.True(t, blockchain.IsErrorCode(err, blockchain.ErrBadKernelMMRRoot), "%v", err)

	// A bitmap that does not match the outputs is refused.
	w, err = client.BeginHorizonSync(&target)
	require.NoError(t, err)
	kernels, err = server.chain.FetchKernels(0, kernelCount)
	require.NoError(t, err)
	for i := range kernels {
		require.NoError(t, w.AddKernel(&kernels[i]))
	}
	bitmap, err := server.chain.BitmapAt(&target)
	require.NoError(t, err)
	leaves, err := server.chain.FetchOutputLeaves(0, outputCount, bitmap)
	require.NoError(t, err)
	for i := range leaves {
		require.NoError(t, w.AddOutput(&leaves[i]))
	}
	tampered := bitmap.Copy()
	tampered.Set(outputCount - 1)
	require.Error(t, w.Finalize(tampered.Bytes()))

	// Nothing was committed.
	require.Equal(t, uint64(0), client.BlockTip().Height)
	require.Equal(t, uint64(0), client.PrunedHeight())
}
