// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"github.com/utreexo/horizond/blockchain/chaingen"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

func metadata(height, work uint64) wire.ChainMetadata {
	return wire.ChainMetadata{
		Height:                height,
		AccumulatedDifficulty: new(big.Int).SetUint64(work),
	}
}

func pruned(m wire.ChainMetadata, horizon, prunedHeight uint64) wire.ChainMetadata {
	m.PruningHorizon = horizon
	m.PrunedHeight = prunedHeight
	return m
}

func TestDetermineSyncMode(t *testing.T) {
	tests := []struct {
		name       string
		local      wire.ChainMetadata
		peers      map[string]wire.ChainMetadata
		mode       SyncMode
		candidates []string
	}{{
		name:  "no peers",
		local: metadata(10, 10),
		mode:  UpToDate,
	}, {
		name:  "peers behind",
		local: metadata(10, 10),
		peers: map[string]wire.ChainMetadata{
			"a": metadata(9, 9),
			"b": metadata(10, 10),
		},
		mode: UpToDate,
	}, {
		name:  "higher but lighter",
		local: metadata(10, 100),
		peers: map[string]wire.ChainMetadata{
			"a": metadata(20, 50),
		},
		mode: UpToDate,
	}, {
		name:  "within tolerance",
		local: metadata(10, 10),
		peers: map[string]wire.ChainMetadata{
			"a": metadata(12, 12),
		},
		mode:       BehindButNotYetLagging,
		candidates: []string{"a"},
	}, {
		name:  "lagging",
		local: metadata(10, 10),
		peers: map[string]wire.ChainMetadata{
			"a": metadata(14, 14),
			"b": metadata(20, 20),
			"c": metadata(5, 5),
		},
		mode:       Lagging,
		candidates: []string{"b", "a"},
	}, {
		name:  "heavier at the same height",
		local: metadata(10, 10),
		peers: map[string]wire.ChainMetadata{
			"a": metadata(10, 30),
		},
		mode:       BehindButNotYetLagging,
		candidates: []string{"a"},
	}, {
		name:  "archival node needs unpruned history",
		local: metadata(10, 10),
		peers: map[string]wire.ChainMetadata{
			"a": pruned(metadata(40, 40), 5, 35),
		},
		mode: SyncNotPossible,
	}, {
		name:  "pruned node needs a long enough horizon",
		local: pruned(metadata(10, 10), 20, 0),
		peers: map[string]wire.ChainMetadata{
			"a": pruned(metadata(40, 40), 5, 35),
			"b": pruned(metadata(40, 40), 30, 10),
		},
		mode:       Lagging,
		candidates: []string{"b"},
	}, {
		name:  "pruned node syncs from archival nodes",
		local: pruned(metadata(10, 10), 20, 0),
		peers: map[string]wire.ChainMetadata{
			"a": metadata(40, 40),
		},
		mode:       Lagging,
		candidates: []string{"a"},
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var peers []*peer.SyncPeer
			for name, claimed := range test.peers {
				peers = append(peers, peer.NewSyncPeer(libp2ppeer.ID(name),
					claimed))
			}
			mode, candidates := DetermineSyncMode(test.local, peers, 2)
			require.Equal(t, test.mode, mode)

			var names []string
			for _, sp := range candidates {
				names = append(names, string(sp.NodeID()))
			}
			require.Equal(t, test.candidates, names)
		})
	}
}

// TestSortSyncPeersByLatency ensures peers claiming the same work are
// ordered by latency, measured peers first.
func TestSortSyncPeersByLatency(t *testing.T) {
	claimed := metadata(10, 10)
	fast := peer.NewSyncPeer(libp2ppeer.ID("fast"), claimed)
	fast.AddLatencySample(time.Millisecond)
	slow := peer.NewSyncPeer(libp2ppeer.ID("slow"), claimed)
	slow.AddLatencySample(time.Second)
	unknown := peer.NewSyncPeer(libp2ppeer.ID("unknown"), claimed)

	peers := []*peer.SyncPeer{unknown, slow, fast}
	sortSyncPeers(peers)
	require.Equal(t, []*peer.SyncPeer{fast, slow, unknown}, peers)
}

// TestMonitorRoundDetectsLagging ensures a liveness round refreshes the
// claims of the peers and reports the sync candidates once the node lags.
func TestMonitorRoundDetectsLagging(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 5)

	server := newTestNode(t, net, "server", 0)
	server.accept(blocks...)
	client := newTestNode(t, net, "client", 0)

	var (
		mtx   sync.Mutex
		modes []SyncMode
	)
	cfg := client.config(net, peer.NewBanManager(nil))
	monitor := NewChainMetadataMonitor(cfg, func(mode SyncMode) {
		mtx.Lock()
		modes = append(modes, mode)
		mtx.Unlock()
	})
	sp := monitor.AddPeer(server.id, wire.ChainMetadata{})

	require.Equal(t, Lagging, monitor.RunRound(context.Background()))
	require.Equal(t, Lagging, monitor.Mode())
	require.Equal(t, []SyncMode{Lagging}, modes)
	require.Equal(t, uint64(5), sp.ClaimedMetadata().Height)
	require.Equal(t, blocks[4].BlockHash(), sp.ClaimedMetadata().BestBlock)
	_, measured := sp.AverageLatency()
	require.True(t, measured)

	select {
	case candidates := <-monitor.FallenBehind():
		require.Equal(t, []*peer.SyncPeer{sp}, candidates)
	default:
		t.Fatal("fallen behind not signalled")
	}

	require.Equal(t, 1, server.requestCount(wire.CmdPing))
}

// TestMonitorLaggingTimeout ensures a node staying behind within the
// tolerance is lagging once the lagging timeout expired.
func TestMonitorLaggingTimeout(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 3)

	server := newTestNode(t, net, "server", 0)
	server.accept(blocks...)
	client := newTestNode(t, net, "client", 0)
	client.accept(blocks[:2]...)

	now := time.Unix(1700000000, 0)
	cfg := client.config(net, peer.NewBanManager(nil))
	cfg.TimeSource = func() time.Time { return now }
	cfg.LaggingTimeout = time.Minute
	monitor := NewChainMetadataMonitor(cfg, nil)
	monitor.AddPeer(server.id, server.chain.ChainMetadata())

	require.Equal(t, BehindButNotYetLagging, monitor.RunRound(context.Background()))
	now = now.Add(30 * time.Second)
	require.Equal(t, BehindButNotYetLagging, monitor.RunRound(context.Background()))
	require.Len(t, monitor.FallenBehind(), 0)

	now = now.Add(31 * time.Second)
	require.Equal(t, Lagging, monitor.RunRound(context.Background()))
	require.Len(t, monitor.FallenBehind(), 1)

	// Catching up resets the timer.
	client.accept(blocks[2])
	require.Equal(t, UpToDate, monitor.RunRound(context.Background()))
}

// TestMonitorIgnoresBannedPeers ensures banned peers neither get their claims
// recorded nor take part in the rounds.
func TestMonitorIgnoresBannedPeers(t *testing.T) {
	net := peer.NewLocalNetwork()
	client := newTestNode(t, net, "client", 0)
	bans := peer.NewBanManager(nil)
	monitor := NewChainMetadataMonitor(client.config(net, bans), nil)

	good, bad := libp2ppeer.ID("good"), libp2ppeer.ID("bad")
	bans.BanPeer(bad, time.Hour, "test")
	monitor.UpdatePeerMetadata(good, metadata(3, 3))
	monitor.UpdatePeerMetadata(bad, metadata(9, 9))

	peers := monitor.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, good, peers[0].NodeID())

	monitor.RemovePeer(good)
	require.Empty(t, monitor.Peers())
}

// TestMonitorSignalKeepsLatest ensures only the latest candidates are kept
// when nobody reads the reports.
func TestMonitorSignalKeepsLatest(t *testing.T) {
	net := peer.NewLocalNetwork()
	client := newTestNode(t, net, "client", 0)
	monitor := NewChainMetadataMonitor(client.config(net,
		peer.NewBanManager(nil)), nil)

	first := []*peer.SyncPeer{peer.NewSyncPeer(libp2ppeer.ID("a"), metadata(1, 1))}
	second := []*peer.SyncPeer{peer.NewSyncPeer(libp2ppeer.ID("b"), metadata(2, 2))}
	monitor.signal(first)
	monitor.signal(second)
	require.Equal(t, second, <-monitor.FallenBehind())
	require.Len(t, monitor.FallenBehind(), 0)
}
