// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

// headerSyncStatus is how the local header chain relates to a peer's chain.
type headerSyncStatus int

const (
	// statusInSync means the peer has no header the local chain lacks.
	statusInSync headerSyncStatus = iota

	// statusWereAhead means the local chain extends past the split and
	// the peer has nothing beyond it.
	statusWereAhead

	// statusLagging means the peer has headers the local chain lacks.
	statusLagging
)

func (s headerSyncStatus) String() string {
	switch s {
	case statusInSync:
		return "in sync"
	case statusWereAhead:
		return "ahead"
	case statusLagging:
		return "lagging"
	}
	return fmt.Sprintf("unknown status (%d)", int(s))
}

// HeaderSynchronizer brings the best header chain in line with the best
// chain of the sync peers.  Headers are validated into a pending chain that
// only replaces the header chain once it carries more work.
type HeaderSynchronizer struct {
	cfg      *Config
	chain    *blockchain.BlockChain
	peers    []*peer.SyncPeer
	observer SyncObserver

	syncPeer *peer.SyncPeer
}

// NewHeaderSynchronizer returns a synchronizer trying peers in order.
func NewHeaderSynchronizer(cfg *Config, peers []*peer.SyncPeer,
	observer SyncObserver) *HeaderSynchronizer {

	cfg.normalize()
	if observer == nil {
		observer = observers(nil)
	}
	return &HeaderSynchronizer{
		cfg:      cfg,
		chain:    cfg.Chain,
		peers:    peers,
		observer: observer,
	}
}

// SyncPeer returns the peer the last successful attempt ran against.
func (s *HeaderSynchronizer) SyncPeer() *peer.SyncPeer {
	return s.syncPeer
}

// Synchronize runs the header sync.  It returns whether the header chain
// now carries more work than the block chain, meaning bodies have to
// follow.
func (s *HeaderSynchronizer) Synchronize(ctx context.Context) (bool, error) {
	rotation := newPeerRotation(SyncHeaders.String(), s.cfg)
	sp, err := rotation.run(ctx, s.peers, s.attempt)
	s.observer.OnComplete(SyncHeaders, err)
	if err != nil {
		return false, err
	}
	s.syncPeer = sp

	headerTip := s.chain.HeaderTip()
	blockTip := s.chain.BlockTip()
	return headerTip.AccumulatedDifficulty.Cmp(blockTip.AccumulatedDifficulty) > 0, nil
}

func (s *HeaderSynchronizer) attempt(ctx context.Context, sp *peer.SyncPeer,
	session peer.Session, maxLatency time.Duration) error {

	s.observer.OnStarting(SyncHeaders, sp.NodeID())
	id := sp.NodeID()
	claimed := sp.ClaimedMetadata()
	backoff := s.cfg.HeaderBackoff

	// Find where the peer's chain leaves ours.
	locator, err := s.chain.LocatorHashes(backoff)
	if err != nil {
		return err
	}
	req := &wire.MsgFindChainSplit{BlockHashes: locator, HeaderCount: backoff}
	resp, err := requestTimed(ctx, session, sp, req)
	if err != nil {
		return err
	}
	split, ok := resp.(*wire.MsgChainSplit)
	if !ok {
		return unexpectedMessage(id, resp, req)
	}
	if uint64(len(split.Headers)) > backoff {
		return protocolViolation(id, "sent %d headers in chain split, "+
			"limit is %d", len(split.Headers), backoff)
	}
	if !split.Found {
		return protocolViolation(id, "shares none of the last %d headers",
			len(locator))
	}
	if split.ForkHashIndex >= uint64(len(locator)) {
		return protocolViolation(id, "fork index %d out of range of %d "+
			"locator hashes", split.ForkHashIndex, len(locator))
	}
	if err := checkLatency(sp, maxLatency); err != nil {
		return err
	}

	forkHash := locator[split.ForkHashIndex]
	fork, err := s.chain.FetchHeader(&forkHash)
	if err != nil {
		return err
	}
	if fork.Height > claimed.Height {
		return protocolViolation(id, "split at height %d is above its "+
			"claimed height %d", fork.Height, claimed.Height)
	}
	prev := forkHash
	for i := range split.Headers {
		header := &split.Headers[i]
		if header.PrevBlock != prev || header.Height != fork.Height+uint64(i)+1 {
			return protocolViolation(id, "chain split header %d at "+
				"height %d does not link", i, header.Height)
		}
		prev = header.BlockHash()
	}

	status := statusLagging
	switch {
	case len(split.Headers) == 0 && split.ForkHashIndex == 0:
		status = statusInSync
	case len(split.Headers) == 0:
		status = statusWereAhead
	}
	log.Debugf("Header chain is %v with peer %s (split at height %d, %d "+
		"headers offered)", status, id, fork.Height, len(split.Headers))

	delivered, err := s.chain.AccumulatedDifficulty(&forkHash)
	if err != nil {
		return err
	}
	if status == statusLagging {
		delivered, err = s.syncHeaders(ctx, sp, session, maxLatency,
			&forkHash, split.Headers)
		if err != nil {
			return err
		}
	}

	if claimed.AccumulatedDifficulty != nil &&
		claimed.AccumulatedDifficulty.Cmp(delivered) > 0 {

		return protocolViolation(id, "claimed accumulated difficulty %v "+
			"but delivered a chain of %v", claimed.AccumulatedDifficulty,
			delivered)
	}
	return nil
}

// syncHeaders validates the split headers and then streams the remaining
// ones into a pending chain built on forkHash.  It returns the work of the
// best chain the peer delivered.
func (s *HeaderSynchronizer) syncHeaders(ctx context.Context, sp *peer.SyncPeer,
	session peer.Session, maxLatency time.Duration, forkHash *chainhash.Hash,
	headers []wire.BlockHeader) (*big.Int, error) {

	id := sp.NodeID()
	claimed := sp.ClaimedMetadata()
	pc, err := s.chain.NewPendingChain(forkHash)
	if err != nil {
		return nil, err
	}
	progress := newProgressTracker(SyncHeaders, pc.Fork().Height, claimed.Height)

	add := func(header *wire.BlockHeader) error {
		if err := pc.Add(header); err != nil {
			return s.headerError(id, header, err)
		}
		s.observer.OnProgress(progress.event(id, header.Height))
		return nil
	}

	// commit swaps the pending chain in once it carries more work, so that
	// a later failure of the peer does not lose the headers it delivered.
	commit := func() error {
		err := s.chain.SwapHeaderChain(pc)
		if err != nil && !errors.Is(err, blockchain.ErrNotHeavier) {
			return err
		}
		return nil
	}

	for i := range headers {
		if err := add(&headers[i]); err != nil {
			return nil, err
		}
	}

	for pc.Tip().Height < claimed.Height {
		count := claimed.Height - pc.Tip().Height
		if count > wire.MaxHeadersPerStream {
			count = wire.MaxHeadersPerStream
		}
		received, err := s.streamHeaders(ctx, sp, session, maxLatency,
			pc.Tip().Hash, count, add)
		if err != nil {
			if commitErr := commit(); commitErr != nil {
				return nil, commitErr
			}
			return nil, err
		}
		if err := commit(); err != nil {
			return nil, err
		}
		if received == 0 {
			break
		}
	}
	if err := commit(); err != nil {
		return nil, err
	}
	return pc.AccumulatedDifficulty(), nil
}

// streamHeaders requests count headers following start and passes each one
// to add.
func (s *HeaderSynchronizer) streamHeaders(ctx context.Context, sp *peer.SyncPeer,
	session peer.Session, maxLatency time.Duration, start chainhash.Hash,
	count uint64, add func(*wire.BlockHeader) error) (uint64, error) {

	id := sp.NodeID()
	req := &wire.MsgSyncHeaders{StartHash: start, Count: count}
	stream, err := session.OpenStream(ctx, req)
	if err != nil {
		return 0, requestError(id, err)
	}
	defer stream.Close()

	prev := start
	var received uint64
	for {
		msg, err := recvTimed(stream, sp)
		if err == io.EOF {
			return received, nil
		}
		if err != nil {
			return received, err
		}
		m, ok := msg.(*wire.MsgHeader)
		if !ok {
			return received, unexpectedMessage(id, msg, req)
		}
		if received == count {
			return received, protocolViolation(id, "sent more than the "+
				"%d headers requested", count)
		}
		if m.Header.PrevBlock != prev {
			return received, protocolViolation(id, "header at height %d "+
				"does not link to %v", m.Header.Height, prev)
		}
		if err := add(&m.Header); err != nil {
			return received, err
		}
		prev = m.Header.BlockHash()
		received++

		if err := checkLatency(sp, maxLatency); err != nil {
			return received, err
		}
	}
}

// headerError classifies the failure to add header.  Headers that can never
// become valid are remembered as bad.
func (s *HeaderSynchronizer) headerError(id peer.NodeID, header *wire.BlockHeader,
	err error) error {

	if !blockchain.IsRuleError(err) {
		return err
	}
	hash := header.BlockHash()
	if blockchain.IsPermanentFailure(err) {
		s.chain.MarkBadBlock(&hash, err.Error())
	}
	return &ValidationError{
		Peer:      id,
		Hash:      hash,
		Ambiguous: blockchain.IsErrorCode(err, blockchain.ErrTimeTooNew),
		Err:       err,
	}
}
