// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/blockchain/chaingen"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

// syncHeaders brings the header chain of client up to server.
func syncHeaders(t *testing.T, cfg *Config, server *testNode) {
	t.Helper()
	headers := NewHeaderSynchronizer(cfg, []*peer.SyncPeer{server.syncPeer()}, nil)
	_, err := headers.Synchronize(context.Background())
	require.NoError(t, err)
}

// TestBlockSyncDownloadsBodies ensures the bodies of the header chain are
// downloaded in batches and connected.
func TestBlockSyncDownloadsBodies(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "a", 2)
	outs := g.SpendableOuts()
	blocks = append(blocks, mine(t, g, "b", 8, spendTx(t, g, outs[0]))...)

	server := newTestNode(t, net, "server", 0)
	server.accept(blocks...)
	client := newTestNode(t, net, "client", 0)

	cfg := client.config(net, peer.NewBanManager(nil))
	cfg.BlocksPerRequest = 3
	syncHeaders(t, cfg, server)

	var connected []uint64
	client.chain.Subscribe(func(n *blockchain.Notification) {
		if n.Type == blockchain.NTBlockConnected {
			connected = append(connected, n.Data.(*wire.MsgBlock).Header.Height)
		}
	})

	observer := newRecordingObserver()
	sync := NewBlockSynchronizer(cfg, []*peer.SyncPeer{server.syncPeer()}, observer)
	require.NoError(t, sync.Synchronize(context.Background()))

	require.Equal(t, 4, server.requestCount(wire.CmdSyncBlocks))
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, connected)
	require.Equal(t, blocks[9].BlockHash(), client.chain.BlockTip().Hash)
	require.Equal(t, []SyncType{SyncBlocks}, observer.started)
	require.NoError(t, observer.completed[SyncBlocks])
}

// TestBlockSyncBansInvalidBody ensures a peer serving a body that does not
// match its header is banned while the header stays usable for the next
// peer.
func TestBlockSyncBansInvalidBody(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 5)

	bad := newTestNode(t, net, "bad", 0)
	bad.accept(blocks...)
	good := newTestNode(t, net, "good", 0)
	good.accept(blocks...)
	client := newTestNode(t, net, "client", 0)

	net.SetFaults(bad.id, peer.Faults{
		Tamper: func(req, resp wire.Message) wire.Message {
			if m, ok := resp.(*wire.MsgBlockBody); ok {
				m.Body.Kernels = m.Body.Kernels[:0]
			}
			return resp
		},
	})

	bans := peer.NewBanManager(nil)
	cfg := client.config(net, bans)
	syncHeaders(t, cfg, good)

	sync := NewBlockSynchronizer(cfg, []*peer.SyncPeer{bad.syncPeer(),
		good.syncPeer()}, nil)
	require.NoError(t, sync.Synchronize(context.Background()))

	require.True(t, bans.IsBanned(bad.id))
	require.False(t, bans.IsBanned(good.id))
	hash := blocks[0].BlockHash()
	require.False(t, client.chain.IsBadBlock(&hash))
	require.Equal(t, blocks[4].BlockHash(), client.chain.BlockTip().Hash)
}

// TestBlockSyncBansUnrequestedBody ensures a body for another block than
// the one requested is a protocol violation.
func TestBlockSyncBansUnrequestedBody(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 3)

	server := newTestNode(t, net, "server", 0)
	server.accept(blocks...)
	client := newTestNode(t, net, "client", 0)

	net.SetFaults(server.id, peer.Faults{
		Tamper: func(req, resp wire.Message) wire.Message {
			if m, ok := resp.(*wire.MsgBlockBody); ok {
				m.Hash = blocks[2].BlockHash()
			}
			return resp
		},
	})

	bans := peer.NewBanManager(nil)
	cfg := client.config(net, bans)
	syncHeaders(t, cfg, server)

	sync := NewBlockSynchronizer(cfg, []*peer.SyncPeer{server.syncPeer()}, nil)
	require.ErrorIs(t, sync.Synchronize(context.Background()),
		ErrSyncPeersExhausted)
	require.True(t, bans.IsBanned(server.id))
	require.Equal(t, uint64(0), client.chain.BlockTip().Height)
}

// TestBlockSyncSkipsPeersWithoutBodies ensures only peers holding the
// bodies after the fork are asked for them.
func TestBlockSyncSkipsPeersWithoutBodies(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 4)

	server := newTestNode(t, net, "server", 0)
	server.accept(blocks...)
	client := newTestNode(t, net, "client", 0)

	cfg := client.config(net, peer.NewBanManager(nil))
	syncHeaders(t, cfg, server)

	claimed := server.chain.ChainMetadata()
	claimed.PruningHorizon = 2
	claimed.PrunedHeight = 2
	pruned := peer.NewSyncPeer(server.id, claimed)

	sync := NewBlockSynchronizer(cfg, []*peer.SyncPeer{pruned}, nil)
	require.ErrorIs(t, sync.Synchronize(context.Background()), ErrNoSyncPeers)
	require.Equal(t, 0, server.requestCount(wire.CmdSyncBlocks))
}

// TestBlockSyncLatencyRelaxation ensures slow peers are abandoned without a
// ban, each retried once with a relaxed bound, and that the sync then fails
// with every peer too slow.  Bodies connected on the way are kept.
func TestBlockSyncLatencyRelaxation(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 10)

	slow1 := newTestNode(t, net, "slow1", 0)
	slow1.accept(blocks...)
	slow2 := newTestNode(t, net, "slow2", 0)
	slow2.accept(blocks...)
	client := newTestNode(t, net, "client", 0)

	bans := peer.NewBanManager(nil)
	cfg := client.config(net, bans)
	syncHeaders(t, cfg, slow1)

	for _, n := range []*testNode{slow1, slow2} {
		net.SetFaults(n.id, peer.Faults{Latency: 60 * time.Millisecond})
	}
	cfg.MaxLatency = 10 * time.Millisecond
	cfg.LatencyIncrease = 10 * time.Millisecond

	sync := NewBlockSynchronizer(cfg, []*peer.SyncPeer{slow1.syncPeer(),
		slow2.syncPeer()}, nil)
	require.ErrorIs(t, sync.Synchronize(context.Background()),
		ErrAllSyncPeersExceedLatency)

	require.False(t, bans.IsBanned(slow1.id))
	require.False(t, bans.IsBanned(slow2.id))
	require.Equal(t, 2, slow1.requestCount(wire.CmdSyncBlocks))
	require.Equal(t, 2, slow2.requestCount(wire.CmdSyncBlocks))

	tip := client.chain.BlockTip().Height
	require.Positive(t, tip)
	require.Less(t, tip, uint64(10))
}
