// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"errors"
	"testing"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/blockchain/chaingen"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

// horizonFixture is a pruned client whose header chain leads 30 blocks
// ahead of its block chain, and two archival servers holding those blocks.
type horizonFixture struct {
	net     *peer.LocalNetwork
	g       *chaingen.Generator
	blocks  []*wire.MsgBlock
	client  *testNode
	first   *testNode
	second  *testNode
	bans    *peer.BanManager
	cfg     *Config
	horizon uint64
}

func newHorizonFixture(t *testing.T) *horizonFixture {
	t.Helper()

	const horizon = 5
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "a", 3)
	outs := g.SpendableOuts()
	require.NotEmpty(t, outs)
	blocks = append(blocks, mine(t, g, "b", 27, spendTx(t, g, outs[0]))...)

	f := &horizonFixture{
		net:     net,
		g:       g,
		blocks:  blocks,
		client:  newTestNode(t, net, "client", horizon),
		first:   newTestNode(t, net, "first", 0),
		second:  newTestNode(t, net, "second", 0),
		bans:    peer.NewBanManager(nil),
		horizon: horizon,
	}
	f.first.accept(blocks...)
	f.second.accept(blocks...)
	f.cfg = f.client.config(net, f.bans)

	headers := NewHeaderSynchronizer(f.cfg,
		[]*peer.SyncPeer{f.second.syncPeer()}, nil)
	needsBodies, err := headers.Synchronize(context.Background())
	require.NoError(t, err)
	require.True(t, needsBodies)
	return f
}

func (f *horizonFixture) servers() []*peer.SyncPeer {
	return []*peer.SyncPeer{f.first.syncPeer(), f.second.syncPeer()}
}

// TestHorizonSyncRootMismatchMovesOn ensures a kernel stream whose roots do
// not add up makes the sync move on to the next peer without a ban.
func TestHorizonSyncRootMismatchMovesOn(t *testing.T) {
	f := newHorizonFixture(t)

	dropped := false
	f.net.SetFaults(f.first.id, peer.Faults{
		Tamper: func(req, resp wire.Message) wire.Message {
			if _, ok := resp.(*wire.MsgKernel); ok && !dropped {
				dropped = true
				return nil
			}
			return resp
		},
	})

	observer := newRecordingObserver()
	sync := NewHorizonSynchronizer(f.cfg, f.servers(), observer)
	require.NoError(t, sync.Synchronize(context.Background()))

	require.True(t, dropped)
	require.False(t, f.bans.IsBanned(f.first.id))
	require.False(t, f.bans.IsBanned(f.second.id))
	require.Equal(t, 1, f.first.requestCount(wire.CmdSyncKernels))
	require.Equal(t, 0, f.first.requestCount(wire.CmdSyncUtxos))
	require.Equal(t, 1, f.second.requestCount(wire.CmdSyncKernels))
	require.Equal(t, 1, f.second.requestCount(wire.CmdSyncUtxos))

	horizonBlock := f.blocks[len(f.blocks)-1-int(f.horizon)]
	tip := f.client.chain.BlockTip()
	require.Equal(t, horizonBlock.Header.Height, tip.Height)
	require.Equal(t, horizonBlock.BlockHash(), tip.Hash)
	require.Equal(t, tip.Height, f.client.chain.PrunedHeight())
	require.NoError(t, observer.completed[SyncHorizon])
	require.Positive(t, observer.progress)

	// The bodies above the horizon follow with a block sync.
	blocks := NewBlockSynchronizer(f.cfg, f.servers(), nil)
	require.NoError(t, blocks.Synchronize(context.Background()))
	require.Equal(t, f.blocks[len(f.blocks)-1].BlockHash(),
		f.client.chain.BlockTip().Hash)
}

// TestHorizonStateMatchesFullSync ensures the state rebuilt at the horizon
// is the state of a node that connected every block, so blocks spending
// outputs from below the horizon connect on both.
func TestHorizonStateMatchesFullSync(t *testing.T) {
	f := newHorizonFixture(t)

	sync := NewHorizonSynchronizer(f.cfg, f.servers(), nil)
	require.NoError(t, sync.Synchronize(context.Background()))

	horizonHash := f.client.chain.BlockTip().Hash
	kernels, outputs, err := f.first.chain.HorizonSizes(&horizonHash)
	require.NoError(t, err)
	gotKernels, gotOutputs, err := f.client.chain.HorizonSizes(&horizonHash)
	require.NoError(t, err)
	require.Equal(t, kernels, gotKernels)
	require.Equal(t, outputs, gotOutputs)

	want, err := f.first.chain.FetchKernels(0, kernels)
	require.NoError(t, err)
	got, err := f.client.chain.FetchKernels(0, kernels)
	require.NoError(t, err)
	require.Equal(t, want, got)

	wantBitmap, err := f.first.chain.BitmapAt(&horizonHash)
	require.NoError(t, err)
	gotBitmap, err := f.client.chain.BitmapAt(&horizonHash)
	require.NoError(t, err)
	require.Equal(t, wantBitmap.Bytes(), gotBitmap.Bytes())

	blocks := NewBlockSynchronizer(f.cfg, f.servers(), nil)
	require.NoError(t, blocks.Synchronize(context.Background()))

	// Every output the generator considers unspent is live on both.
	outs := f.g.SpendableOuts()
	require.NotEmpty(t, outs)
	for _, out := range outs {
		wantOut, err := f.first.chain.FetchLiveOutput(&out.Hash)
		require.NoError(t, err)
		gotOut, err := f.client.chain.FetchLiveOutput(&out.Hash)
		require.NoError(t, err)
		require.NotNil(t, gotOut)
		require.Equal(t, wantOut, gotOut)
	}

	// The oldest output was created below the horizon.
	next, err := f.g.NextBlock("spend", []*wire.MsgTx{spendTx(t, f.g, outs[0])})
	require.NoError(t, err)
	require.Less(t, outs[0].Position, outputs)
	f.first.accept(next)
	f.client.accept(next)
	require.Equal(t, next.BlockHash(), f.client.chain.BlockTip().Hash)
	require.Zero(t, f.first.chain.BlockTip().AccumulatedDifficulty.Cmp(
		f.client.chain.BlockTip().AccumulatedDifficulty))
}

// TestHorizonSyncBansTruncatedKernelStream ensures a peer ending the kernel
// stream before the horizon is reached is banned.
func TestHorizonSyncBansTruncatedKernelStream(t *testing.T) {
	f := newHorizonFixture(t)

	horizonBlock := f.blocks[len(f.blocks)-1-int(f.horizon)]
	last := horizonBlock.Body.Kernels[len(horizonBlock.Body.Kernels)-1].ExcessSig
	f.net.SetFaults(f.first.id, peer.Faults{
		Tamper: func(req, resp wire.Message) wire.Message {
			if m, ok := resp.(*wire.MsgKernel); ok && m.Kernel.ExcessSig == last {
				return nil
			}
			return resp
		},
	})

	sync := NewHorizonSynchronizer(f.cfg, f.servers(), nil)
	require.NoError(t, sync.Synchronize(context.Background()))
	require.True(t, f.bans.IsBanned(f.first.id))
	require.Equal(t, horizonBlock.BlockHash(), f.client.chain.BlockTip().Hash)
}

// TestHorizonSyncInterruptedStream ensures an interrupted stream is retried
// with the next peer without a ban.
func TestHorizonSyncInterruptedStream(t *testing.T) {
	f := newHorizonFixture(t)
	f.net.SetFaults(f.first.id, peer.Faults{FailAfter: 3})

	sync := NewHorizonSynchronizer(f.cfg, f.servers(), nil)
	require.NoError(t, sync.Synchronize(context.Background()))
	require.False(t, f.bans.IsBanned(f.first.id))
	require.Equal(t, 1, f.second.requestCount(wire.CmdSyncKernels))
}

// TestHorizonSyncNotNeeded ensures nothing is synced when the block tip is
// within the pruning horizon of the header tip.
func TestHorizonSyncNotNeeded(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 8)

	server := newTestNode(t, net, "server", 0)
	server.accept(blocks...)
	client := newTestNode(t, net, "client", 5)
	client.accept(blocks[:4]...)

	cfg := client.config(net, peer.NewBanManager(nil))
	headers := NewHeaderSynchronizer(cfg, []*peer.SyncPeer{server.syncPeer()}, nil)
	_, err := headers.Synchronize(context.Background())
	require.NoError(t, err)

	_, _, ok, err := horizonTarget(client.chain)
	require.NoError(t, err)
	require.False(t, ok)

	sync := NewHorizonSynchronizer(cfg, []*peer.SyncPeer{server.syncPeer()}, nil)
	require.NoError(t, sync.Synchronize(context.Background()))
	require.Equal(t, 0, server.requestCount(wire.CmdSyncKernels))
	require.Equal(t, uint64(4), client.chain.BlockTip().Height)
}

func TestHorizonErrorClassification(t *testing.T) {
	id := libp2ppeer.ID("server")

	tests := []struct {
		name      string
		err       error
		ambiguous bool
	}{
		{"kernel root", blockchain.RuleError{ErrorCode: blockchain.ErrBadKernelMMRRoot}, true},
		{"output root", blockchain.RuleError{ErrorCode: blockchain.ErrBadOutputMMRRoot}, true},
		{"bitmap", blockchain.RuleError{ErrorCode: blockchain.ErrBadBitmap}, true},
		{"duplicate commitment", blockchain.RuleError{ErrorCode: blockchain.ErrDuplicateCommitment}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var verr *ValidationError
			require.ErrorAs(t, horizonError(id, test.err), &verr)
			require.Equal(t, id, verr.Peer)
			require.Equal(t, test.ambiguous, verr.Ambiguous)
		})
	}

	// Local failures stay fatal.
	diskErr := errors.New("disk failure")
	require.Same(t, diskErr, horizonError(id, diskErr))
	require.ErrorIs(t, horizonError(id, blockchain.ErrStaleExtension),
		blockchain.ErrStaleExtension)
}
