// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/utreexo/horizond/blockchain/chaingen"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

// TestHeaderSyncLatencyRelaxation ensures slow peers are abandoned without
// a ban, retried once with a relaxed bound and reported when they stay too
// slow.
func TestHeaderSyncLatencyRelaxation(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 3)

	slow1 := newTestNode(t, net, "slow1", 0)
	slow1.accept(blocks...)
	slow2 := newTestNode(t, net, "slow2", 0)
	slow2.accept(blocks...)
	client := newTestNode(t, net, "client", 0)
	for _, n := range []*testNode{slow1, slow2} {
		net.SetFaults(n.id, peer.Faults{Latency: 60 * time.Millisecond})
	}

	bans := peer.NewBanManager(nil)
	cfg := client.config(net, bans)
	cfg.MaxLatency = 10 * time.Millisecond
	cfg.LatencyIncrease = 10 * time.Millisecond

	sync := NewHeaderSynchronizer(cfg, []*peer.SyncPeer{slow1.syncPeer(),
		slow2.syncPeer()}, nil)
	_, err := sync.Synchronize(context.Background())
	require.ErrorIs(t, err, ErrAllSyncPeersExceedLatency)

	require.False(t, bans.IsBanned(slow1.id))
	require.False(t, bans.IsBanned(slow2.id))
	require.Equal(t, 2, slow1.requestCount(wire.CmdFindChainSplit))
	require.Equal(t, 2, slow2.requestCount(wire.CmdFindChainSplit))
}

// TestHeaderSyncRelaxedBoundSucceeds ensures a peer that is slow but within
// the relaxed bound completes the sync.
func TestHeaderSyncRelaxedBoundSucceeds(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 3)

	server := newTestNode(t, net, "server", 0)
	server.accept(blocks...)
	client := newTestNode(t, net, "client", 0)
	net.SetFaults(server.id, peer.Faults{Latency: 20 * time.Millisecond})

	cfg := client.config(net, peer.NewBanManager(nil))
	cfg.MaxLatency = 5 * time.Millisecond
	cfg.LatencyIncrease = time.Second

	sync := NewHeaderSynchronizer(cfg, []*peer.SyncPeer{server.syncPeer()}, nil)
	_, err := sync.Synchronize(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(3), client.chain.HeaderTip().Height)
}

// TestRotationSkipsUnreachablePeers ensures unreachable peers are skipped
// without a ban.
func TestRotationSkipsUnreachablePeers(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 3)

	down := newTestNode(t, net, "down", 0)
	down.accept(blocks...)
	up := newTestNode(t, net, "up", 0)
	up.accept(blocks...)
	client := newTestNode(t, net, "client", 0)
	net.SetFaults(down.id, peer.Faults{Unreachable: true})

	bans := peer.NewBanManager(nil)
	cfg := client.config(net, bans)
	rotation := newPeerRotation("test", cfg)

	var attempted []peer.NodeID
	sp, err := rotation.run(context.Background(), []*peer.SyncPeer{
		down.syncPeer(), up.syncPeer(),
	}, func(ctx context.Context, sp *peer.SyncPeer, session peer.Session,
		maxLatency time.Duration) error {

		attempted = append(attempted, sp.NodeID())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, up.id, sp.NodeID())
	require.Equal(t, []peer.NodeID{up.id}, attempted)
	require.False(t, bans.IsBanned(down.id))
}

// TestRotationStopsOnFatalError ensures an error that is not the fault of a
// peer ends the rotation.
func TestRotationStopsOnFatalError(t *testing.T) {
	net := peer.NewLocalNetwork()
	first := newTestNode(t, net, "first", 0)
	second := newTestNode(t, net, "second", 0)
	client := newTestNode(t, net, "client", 0)

	fatal := errors.New("disk on fire")
	attempts := 0
	rotation := newPeerRotation("test", client.config(net, peer.NewBanManager(nil)))
	_, err := rotation.run(context.Background(), []*peer.SyncPeer{
		first.syncPeer(), second.syncPeer(),
	}, func(context.Context, *peer.SyncPeer, peer.Session, time.Duration) error {
		attempts++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, attempts)
}

// TestRotationSkipsBannedPeers ensures banned peers are never tried.
func TestRotationSkipsBannedPeers(t *testing.T) {
	net := peer.NewLocalNetwork()
	banned := newTestNode(t, net, "banned", 0)
	client := newTestNode(t, net, "client", 0)

	bans := peer.NewBanManager(nil)
	bans.BanPeer(banned.id, time.Hour, "test")
	rotation := newPeerRotation("test", client.config(net, bans))
	_, err := rotation.run(context.Background(), []*peer.SyncPeer{
		banned.syncPeer(),
	}, func(context.Context, *peer.SyncPeer, peer.Session, time.Duration) error {
		t.Fatal("banned peer attempted")
		return nil
	})
	require.ErrorIs(t, err, ErrNoSyncPeers)
}
