// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"fmt"
	"sync"
	"time"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/utreexo/horizond/wire"
)

// NodeID identifies a peer on the network.
type NodeID = libp2ppeer.ID

// maxLatencySamples is the number of most recent latency samples the
// average is computed over.
const maxLatencySamples = 16

// SyncPeer is a peer that advertised its chain metadata and is therefore a
// candidate to sync from.  The claimed metadata is untrusted.
type SyncPeer struct {
	id NodeID

	mtx         sync.Mutex
	claimed     wire.ChainMetadata
	samples     []time.Duration
	next        int
	bannedUntil time.Time
	permanent   bool
}

// NewSyncPeer returns a sync peer with the metadata it claimed.
func NewSyncPeer(id NodeID, claimed wire.ChainMetadata) *SyncPeer {
	return &SyncPeer{
		id:      id,
		claimed: claimed,
	}
}

// NodeID returns the identity of the peer.
func (p *SyncPeer) NodeID() NodeID {
	return p.id
}

// ClaimedMetadata returns the chain metadata last advertised by the peer.
func (p *SyncPeer) ClaimedMetadata() wire.ChainMetadata {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.claimed
}

// SetClaimedMetadata replaces the advertised chain metadata.
func (p *SyncPeer) SetClaimedMetadata(m wire.ChainMetadata) {
	p.mtx.Lock()
	p.claimed = m
	p.mtx.Unlock()
}

// AddLatencySample records the duration of one request to the peer.
func (p *SyncPeer) AddLatencySample(d time.Duration) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if len(p.samples) < maxLatencySamples {
		p.samples = append(p.samples, d)
		return
	}
	p.samples[p.next] = d
	p.next = (p.next + 1) % maxLatencySamples
}

// AverageLatency returns the mean of the recorded latency samples.  ok is
// false when no sample was recorded yet.
func (p *SyncPeer) AverageLatency() (avg time.Duration, ok bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if len(p.samples) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, s := range p.samples {
		total += s
	}
	return total / time.Duration(len(p.samples)), true
}

// MarkBanned records that the peer is banned until the given time, or
// forever when permanent is set.
func (p *SyncPeer) MarkBanned(until time.Time, permanent bool) {
	p.mtx.Lock()
	p.bannedUntil = until
	p.permanent = p.permanent || permanent
	p.mtx.Unlock()
}

// IsBanned returns whether the peer is banned at now.
func (p *SyncPeer) IsBanned(now time.Time) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.permanent || now.Before(p.bannedUntil)
}

// String returns the peer identity along with its claimed tip.
func (p *SyncPeer) String() string {
	m := p.ClaimedMetadata()
	return fmt.Sprintf("%s (height %d, difficulty %v)", p.id, m.Height,
		m.Difficulty())
}
