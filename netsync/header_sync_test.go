// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"github.com/utreexo/horizond/blockchain/chaingen"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

// TestHeaderSyncBansOversizedSplit ensures a peer answering a chain split
// request with more headers than asked for is banned and the sync moves on
// to the next peer.
func TestHeaderSyncBansOversizedSplit(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 10)

	honest := newTestNode(t, net, "honest", 0)
	honest.accept(blocks...)
	client := newTestNode(t, net, "client", 0)

	liar := libp2ppeer.ID("liar")
	net.Register(liar, peer.HandlerFunc(func(ctx context.Context,
		from peer.NodeID, req wire.Message, send func(wire.Message) error) error {

		if _, ok := req.(*wire.MsgFindChainSplit); !ok {
			return wire.NewMsgReject(wire.RejectMalformed, "unsupported")
		}
		headers := make([]wire.BlockHeader, 520)
		for i := range headers {
			headers[i].Height = uint64(i) + 1
			headers[i].Timestamp = time.Unix(int64(i), 0)
		}
		return send(&wire.MsgChainSplit{Found: true, Headers: headers})
	}))

	bans := peer.NewBanManager(nil)
	cfg := client.config(net, bans)
	cfg.HeaderBackoff = 500
	observer := newRecordingObserver()
	candidates := []*peer.SyncPeer{
		peer.NewSyncPeer(liar, honest.chain.ChainMetadata()),
		honest.syncPeer(),
	}

	sync := NewHeaderSynchronizer(cfg, candidates, observer)
	needsBodies, err := sync.Synchronize(context.Background())
	require.NoError(t, err)
	require.True(t, needsBodies)
	require.Equal(t, honest.id, sync.SyncPeer().NodeID())

	require.True(t, bans.IsBanned(liar))
	require.False(t, bans.IsBanned(honest.id))
	require.Equal(t, uint64(10), client.chain.HeaderTip().Height)
	require.Equal(t, blocks[9].BlockHash(), client.chain.HeaderTip().Hash)
	require.Equal(t, uint64(0), client.chain.BlockTip().Height)

	require.Equal(t, []SyncType{SyncHeaders, SyncHeaders}, observer.started)
	require.NoError(t, observer.completed[SyncHeaders])
}

// TestHeaderSyncStreamsRemainingHeaders ensures headers beyond the chain
// split are streamed until the claimed height is reached.
func TestHeaderSyncStreamsRemainingHeaders(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 12)

	server := newTestNode(t, net, "server", 0)
	server.accept(blocks...)
	client := newTestNode(t, net, "client", 0)
	client.accept(blocks[:2]...)

	cfg := client.config(net, peer.NewBanManager(nil))
	cfg.HeaderBackoff = 5
	sync := NewHeaderSynchronizer(cfg, []*peer.SyncPeer{server.syncPeer()}, nil)
	needsBodies, err := sync.Synchronize(context.Background())
	require.NoError(t, err)
	require.True(t, needsBodies)

	require.Equal(t, 1, server.requestCount(wire.CmdFindChainSplit))
	require.Equal(t, 1, server.requestCount(wire.CmdSyncHeaders))
	require.Equal(t, uint64(12), client.chain.HeaderTip().Height)
	require.Equal(t, blocks[11].BlockHash(), client.chain.HeaderTip().Hash)
	require.Equal(t, uint64(2), client.chain.BlockTip().Height)
}

// TestHeaderSyncBansBadStreamedHeader ensures a peer streaming a header
// that does not link or does not validate is banned, while the headers it
// delivered before are kept and the next peer completes the chain.
func TestHeaderSyncBansBadStreamedHeader(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(*wire.BlockHeader)
	}{
		{"not linking", func(h *wire.BlockHeader) {
			h.PrevBlock = chainhash.Hash{0x01}
		}},
		{"insufficient work", func(h *wire.BlockHeader) {
			h.Difficulty = 1 << 40
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			net := peer.NewLocalNetwork()
			g := chaingen.NewGenerator(testParams)
			blocks := mine(t, g, "b", 12)

			bad := newTestNode(t, net, "bad", 0)
			bad.accept(blocks...)
			good := newTestNode(t, net, "good", 0)
			good.accept(blocks...)
			client := newTestNode(t, net, "client", 0)
			client.accept(blocks[:2]...)

			net.SetFaults(bad.id, peer.Faults{
				Tamper: func(req, resp wire.Message) wire.Message {
					m, ok := resp.(*wire.MsgHeader)
					if ok && m.Header.Height == 9 {
						test.tamper(&m.Header)
					}
					return resp
				},
			})

			bans := peer.NewBanManager(nil)
			cfg := client.config(net, bans)
			cfg.HeaderBackoff = 5
			sync := NewHeaderSynchronizer(cfg, []*peer.SyncPeer{
				bad.syncPeer(), good.syncPeer(),
			}, nil)
			_, err := sync.Synchronize(context.Background())
			require.NoError(t, err)

			require.True(t, bans.IsBanned(bad.id))
			require.False(t, bans.IsBanned(good.id))
			require.Equal(t, good.id, sync.SyncPeer().NodeID())
			require.Equal(t, 1, bad.requestCount(wire.CmdSyncHeaders))
			require.Equal(t, blocks[11].BlockHash(), client.chain.HeaderTip().Hash)
		})
	}
}

// TestHeaderSyncPrefersWorkOverHeight ensures a shorter chain carrying more
// work replaces a longer one, headers first and then bodies.
func TestHeaderSyncPrefersWorkOverHeight(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	common := mine(t, g, "c", 2)
	light := mine(t, g, "l", 6)
	g.SetTip("c2")
	g.Difficulty = 10
	heavy := mine(t, g, "h", 3)

	server := newTestNode(t, net, "server", 0)
	server.accept(common...)
	server.accept(heavy...)
	client := newTestNode(t, net, "client", 0)
	client.accept(common...)
	client.accept(light...)
	require.Equal(t, uint64(8), client.chain.BlockTip().Height)
	require.Positive(t, server.chain.BlockTip().AccumulatedDifficulty.Cmp(
		client.chain.BlockTip().AccumulatedDifficulty))

	cfg := client.config(net, peer.NewBanManager(nil))
	headers := NewHeaderSynchronizer(cfg, []*peer.SyncPeer{server.syncPeer()}, nil)
	needsBodies, err := headers.Synchronize(context.Background())
	require.NoError(t, err)
	require.True(t, needsBodies)
	require.Equal(t, uint64(5), client.chain.HeaderTip().Height)
	require.Equal(t, heavy[2].BlockHash(), client.chain.HeaderTip().Hash)
	require.Equal(t, light[5].BlockHash(), client.chain.BlockTip().Hash)

	blocks := NewBlockSynchronizer(cfg, []*peer.SyncPeer{server.syncPeer()}, nil)
	require.NoError(t, blocks.Synchronize(context.Background()))
	require.Equal(t, heavy[2].BlockHash(), client.chain.BlockTip().Hash)
	require.Equal(t, uint64(5), client.chain.BlockTip().Height)
}

// TestHeaderSyncInSync ensures a node sharing the chain of its peer needs no
// bodies.
func TestHeaderSyncInSync(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 4)

	server := newTestNode(t, net, "server", 0)
	server.accept(blocks...)
	client := newTestNode(t, net, "client", 0)
	client.accept(blocks...)

	cfg := client.config(net, peer.NewBanManager(nil))
	sync := NewHeaderSynchronizer(cfg, []*peer.SyncPeer{server.syncPeer()}, nil)
	needsBodies, err := sync.Synchronize(context.Background())
	require.NoError(t, err)
	require.False(t, needsBodies)
	require.Equal(t, 0, server.requestCount(wire.CmdSyncHeaders))
}

// TestHeaderSyncBansOverclaimedWork ensures a peer delivering less work than
// it claimed is banned.
func TestHeaderSyncBansOverclaimedWork(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 6)

	server := newTestNode(t, net, "server", 0)
	server.accept(blocks...)
	client := newTestNode(t, net, "client", 0)

	claimed := server.chain.ChainMetadata()
	claimed.AccumulatedDifficulty = new(big.Int).Lsh(big.NewInt(1), 40)

	bans := peer.NewBanManager(nil)
	cfg := client.config(net, bans)
	sync := NewHeaderSynchronizer(cfg, []*peer.SyncPeer{
		peer.NewSyncPeer(server.id, claimed),
	}, nil)
	_, err := sync.Synchronize(context.Background())
	require.ErrorIs(t, err, ErrSyncPeersExhausted)
	require.True(t, bans.IsBanned(server.id))
}

// TestHeaderSyncNoPeers ensures a sync without peers fails without touching
// the chain.
func TestHeaderSyncNoPeers(t *testing.T) {
	net := peer.NewLocalNetwork()
	client := newTestNode(t, net, "client", 0)

	sync := NewHeaderSynchronizer(client.config(net, peer.NewBanManager(nil)),
		nil, nil)
	_, err := sync.Synchronize(context.Background())
	require.ErrorIs(t, err, ErrNoSyncPeers)
	require.Equal(t, uint64(0), client.chain.HeaderTip().Height)
}
