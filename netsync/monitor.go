// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// SyncMode is the standing of the local chain against the chains the peers
// claim to have.
type SyncMode int

const (
	// UpToDate means no peer claims more work than the local chain.
	UpToDate SyncMode = iota

	// SyncNotPossible means the peers claiming more work cannot serve the
	// history the local node needs.
	SyncNotPossible

	// BehindButNotYetLagging means the node is behind within the
	// tolerance and the lagging timeout did not expire yet.
	BehindButNotYetLagging

	// Lagging means the node has to sync.
	Lagging
)

var syncModeStrings = map[SyncMode]string{
	UpToDate:               "UpToDate",
	SyncNotPossible:        "SyncNotPossible",
	BehindButNotYetLagging: "BehindButNotYetLagging",
	Lagging:                "Lagging",
}

func (m SyncMode) String() string {
	if s, ok := syncModeStrings[m]; ok {
		return s
	}
	return fmt.Sprintf("Unknown SyncMode (%d)", int(m))
}

// canServe returns whether a peer advertising claimed holds the history a
// node with the local metadata needs to catch up.
func canServe(local, claimed *wire.ChainMetadata) bool {
	if !local.IsPrunedNode() {
		return claimed.PrunedHeight <= local.Height
	}
	if claimed.IsPrunedNode() {
		return local.PruningHorizon <= claimed.PruningHorizon
	}
	return true
}

// sortSyncPeers orders peers by claimed work, most first, and then by
// average latency.
func sortSyncPeers(peers []*peer.SyncPeer) {
	slices.SortStableFunc(peers, func(a, b *peer.SyncPeer) int {
		ma, mb := a.ClaimedMetadata(), b.ClaimedMetadata()
		if c := mb.Difficulty().Cmp(ma.Difficulty()); c != 0 {
			return c
		}
		la, oka := a.AverageLatency()
		lb, okb := b.AverageLatency()
		switch {
		case oka && !okb:
			return -1
		case !oka && okb:
			return 1
		case la < lb:
			return -1
		case la > lb:
			return 1
		}
		return 0
	})
}

// DetermineSyncMode classifies the local chain against the claims of peers.
// For BehindButNotYetLagging and Lagging it also returns the peers able to
// serve the sync, best first.  Chains are compared by accumulated work,
// heights only decide whether the gap is within tolerance.
func DetermineSyncMode(local wire.ChainMetadata, peers []*peer.SyncPeer,
	tolerance uint64) (SyncMode, []*peer.SyncPeer) {

	localWork := local.Difficulty()
	var ahead []*peer.SyncPeer
	for _, sp := range peers {
		claimed := sp.ClaimedMetadata()
		if claimed.Difficulty().Cmp(localWork) > 0 {
			ahead = append(ahead, sp)
		}
	}
	if len(ahead) == 0 {
		return UpToDate, nil
	}

	var candidates []*peer.SyncPeer
	for _, sp := range ahead {
		claimed := sp.ClaimedMetadata()
		if canServe(&local, &claimed) {
			candidates = append(candidates, sp)
		}
	}
	if len(candidates) == 0 {
		return SyncNotPossible, nil
	}
	sortSyncPeers(candidates)

	best := candidates[0].ClaimedMetadata()
	if best.Height > local.Height && best.Height-local.Height > tolerance {
		return Lagging, candidates
	}
	return BehindButNotYetLagging, candidates
}

// ChainMetadataMonitor exchanges chain metadata with the connected peers on
// every liveness round and reports when the node has fallen behind.  It
// never changes the chain.
type ChainMetadataMonitor struct {
	cfg   *Config
	chain *blockchain.BlockChain

	mtx         sync.Mutex
	peers       map[peer.NodeID]*peer.SyncPeer
	behindSince time.Time
	mode        SyncMode

	fallenBehind chan []*peer.SyncPeer
	onRound      func(SyncMode)
}

// NewChainMetadataMonitor returns a monitor without peers.  onRound, when
// not nil, is called with the outcome of every liveness round.
func NewChainMetadataMonitor(cfg *Config, onRound func(SyncMode)) *ChainMetadataMonitor {
	cfg.normalize()
	return &ChainMetadataMonitor{
		cfg:          cfg,
		chain:        cfg.Chain,
		peers:        make(map[peer.NodeID]*peer.SyncPeer),
		fallenBehind: make(chan []*peer.SyncPeer, 1),
		onRound:      onRound,
	}
}

// FallenBehind delivers the sync candidates every time the node is found
// lagging.  Only the latest report is kept when nobody listens.
func (m *ChainMetadataMonitor) FallenBehind() <-chan []*peer.SyncPeer {
	return m.fallenBehind
}

// AddPeer starts monitoring id.  A peer already known keeps its record.
func (m *ChainMetadataMonitor) AddPeer(id peer.NodeID, claimed wire.ChainMetadata) *peer.SyncPeer {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if sp, ok := m.peers[id]; ok {
		return sp
	}
	sp := peer.NewSyncPeer(id, claimed)
	m.peers[id] = sp
	log.Debugf("Monitoring chain metadata of peer %s", id)
	return sp
}

// RemovePeer stops monitoring id.
func (m *ChainMetadataMonitor) RemovePeer(id peer.NodeID) {
	m.mtx.Lock()
	delete(m.peers, id)
	m.mtx.Unlock()
}

// UpdatePeerMetadata records metadata advertised by id outside of a
// liveness round.  Unknown peers are added unless they are banned.
func (m *ChainMetadataMonitor) UpdatePeerMetadata(id peer.NodeID, claimed wire.ChainMetadata) {
	if m.cfg.BanManager.IsBanned(id) {
		return
	}
	m.AddPeer(id, claimed).SetClaimedMetadata(claimed)
}

// Peers returns the monitored peers that are not banned, best first.
func (m *ChainMetadataMonitor) Peers() []*peer.SyncPeer {
	m.mtx.Lock()
	all := maps.Values(m.peers)
	m.mtx.Unlock()

	peers := all[:0]
	for _, sp := range all {
		if !m.cfg.BanManager.IsBanned(sp.NodeID()) {
			peers = append(peers, sp)
		}
	}
	sortSyncPeers(peers)
	return peers
}

// Mode returns the outcome of the last liveness round.
func (m *ChainMetadataMonitor) Mode() SyncMode {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.mode
}

// RunRound pings every monitored peer concurrently and then classifies the
// local chain.  Peers failing to answer keep their previous claim.
func (m *ChainMetadataMonitor) RunRound(ctx context.Context) SyncMode {
	local := m.chain.ChainMetadata()
	peers := m.Peers()

	g, gctx := errgroup.WithContext(ctx)
	for _, sp := range peers {
		sp := sp
		g.Go(func() error {
			if err := m.ping(gctx, sp, &local); err != nil {
				log.Debugf("Liveness check of %s failed: %v",
					sp.NodeID(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	mode := m.evaluate(local, peers)
	if m.onRound != nil {
		m.onRound(mode)
	}
	return mode
}

func (m *ChainMetadataMonitor) ping(ctx context.Context, sp *peer.SyncPeer,
	local *wire.ChainMetadata) error {

	id := sp.NodeID()
	session, err := m.cfg.Connector.Connect(ctx, id)
	if err != nil {
		return &ConnectivityError{Peer: id, Err: err}
	}
	defer session.Close()

	req := &wire.MsgPing{Nonce: rand.Uint64(), Metadata: *local}
	resp, err := requestTimed(ctx, session, sp, req)
	if err != nil {
		return err
	}
	pong, ok := resp.(*wire.MsgPong)
	if !ok {
		return unexpectedMessage(id, resp, req)
	}
	if pong.Nonce != req.Nonce {
		return protocolViolation(id, "pong nonce %d does not match ping "+
			"nonce %d", pong.Nonce, req.Nonce)
	}
	sp.SetClaimedMetadata(pong.Metadata)
	return nil
}

// evaluate classifies local against peers and signals FallenBehind when the
// node is lagging or stayed behind for longer than the lagging timeout.
func (m *ChainMetadataMonitor) evaluate(local wire.ChainMetadata,
	peers []*peer.SyncPeer) SyncMode {

	mode, candidates := DetermineSyncMode(local, peers, m.cfg.BehindTolerance)
	now := m.cfg.TimeSource()

	m.mtx.Lock()
	switch mode {
	case BehindButNotYetLagging:
		if m.behindSince.IsZero() {
			m.behindSince = now
		}
		if now.Sub(m.behindSince) >= m.cfg.LaggingTimeout {
			mode = Lagging
		}
	case UpToDate, SyncNotPossible:
		m.behindSince = time.Time{}
	}
	if mode == Lagging {
		m.behindSince = time.Time{}
	}
	m.mode = mode
	m.mtx.Unlock()

	switch mode {
	case Lagging:
		best := candidates[0].ClaimedMetadata()
		log.Infof("Fallen behind: local height %d, best peer %s claims "+
			"height %d", local.Height, candidates[0].NodeID(), best.Height)
		m.signal(candidates)
	case SyncNotPossible:
		log.Warnf("Peers claim more work but none can serve the history "+
			"needed from height %d", local.Height)
	case BehindButNotYetLagging:
		log.Debugf("Behind the best peer within tolerance at height %d",
			local.Height)
	}
	return mode
}

// signal replaces any unread report with candidates.
func (m *ChainMetadataMonitor) signal(candidates []*peer.SyncPeer) {
	for {
		select {
		case m.fallenBehind <- candidates:
			return
		default:
		}
		select {
		case <-m.fallenBehind:
		default:
		}
	}
}

// Run runs a liveness round right away and then every liveness interval
// until ctx is done.
func (m *ChainMetadataMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		m.RunRound(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
