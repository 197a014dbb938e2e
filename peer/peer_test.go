// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"math/big"
	"testing"
	"time"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"github.com/utreexo/horizond/wire"
)

func TestSyncPeerLatency(t *testing.T) {
	t.Parallel()

	p := NewSyncPeer(libp2ppeer.ID("alice"), wire.ChainMetadata{
		Height:                10,
		AccumulatedDifficulty: big.NewInt(100),
	})
	_, ok := p.AverageLatency()
	require.False(t, ok)

	p.AddLatencySample(10 * time.Millisecond)
	p.AddLatencySample(30 * time.Millisecond)
	avg, ok := p.AverageLatency()
	require.True(t, ok)
	require.Equal(t, 20*time.Millisecond, avg)

	// Only the most recent samples count.
	for i := 0; i < maxLatencySamples; i++ {
		p.AddLatencySample(time.Second)
	}
	avg, _ = p.AverageLatency()
	require.Equal(t, time.Second, avg)

	p.SetClaimedMetadata(wire.ChainMetadata{Height: 12})
	require.Equal(t, uint64(12), p.ClaimedMetadata().Height)
}

func TestSyncPeerBan(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	p := NewSyncPeer(libp2ppeer.ID("bob"), wire.ChainMetadata{})
	require.False(t, p.IsBanned(now))

	p.MarkBanned(now.Add(time.Minute), false)
	require.True(t, p.IsBanned(now))
	require.False(t, p.IsBanned(now.Add(2*time.Minute)))

	p.MarkBanned(time.Time{}, true)
	require.True(t, p.IsBanned(now.Add(time.Hour)))
}

func TestBanManager(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	bans := NewBanManager(func() time.Time { return now })
	var banned []NodeID
	bans.OnBan(func(id NodeID) { banned = append(banned, id) })

	alice, bob := libp2ppeer.ID("alice"), libp2ppeer.ID("bob")
	rec := bans.BanPeer(alice, time.Minute, "slow to answer")
	require.False(t, rec.Permanent)
	require.Equal(t, now.Add(time.Minute), rec.ExpiresAt)
	require.True(t, bans.IsBanned(alice))
	require.False(t, bans.IsBanned(bob))

	// A shorter ban does not shorten an active one.
	rec = bans.BanPeer(alice, time.Second, "again")
	require.Equal(t, now.Add(time.Minute), rec.ExpiresAt)

	now = now.Add(30 * time.Second)
	rec = bans.BanPeer(bob, PermanentBan, "bad headers")
	require.True(t, rec.Permanent)

	// A temporary ban never lifts a permanent one.
	rec = bans.BanPeer(bob, time.Second, "more")
	require.True(t, rec.Permanent)

	recs := bans.BannedPeers()
	require.Len(t, recs, 2)
	require.Equal(t, alice, recs[0].ID)
	require.Equal(t, bob, recs[1].ID)

	now = now.Add(time.Minute)
	require.False(t, bans.IsBanned(alice))
	require.True(t, bans.IsBanned(bob))
	require.Len(t, bans.BannedPeers(), 1)

	bans.Unban(bob)
	require.False(t, bans.IsBanned(bob))
	require.Equal(t, []NodeID{alice, alice, bob, bob}, banned)
}

func TestBanGater(t *testing.T) {
	t.Parallel()

	bans := NewBanManager(nil)
	gater := NewBanGater(bans)
	alice := libp2ppeer.ID("alice")

	require.True(t, gater.InterceptPeerDial(alice))
	require.True(t, gater.InterceptAddrDial(alice, nil))
	require.True(t, gater.InterceptSecured(0, alice, nil))

	bans.BanPeer(alice, time.Hour, "test")
	require.False(t, gater.InterceptPeerDial(alice))
	require.False(t, gater.InterceptAddrDial(alice, nil))
	require.False(t, gater.InterceptSecured(0, alice, nil))
	require.True(t, gater.InterceptAccept(nil))
}
