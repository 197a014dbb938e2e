// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

// commitBlock connects block to the chain.  A block extending the block tip
// is validated into a chain extension and committed.  Anything else, or an
// extension that went stale in between, goes through ProcessBlock, which
// stores side chain blocks and reorganizes when they get heavier.
func commitBlock(chain *blockchain.BlockChain, block *wire.MsgBlock) error {
	hash := block.BlockHash()
	if block.Header.PrevBlock == chain.BlockTip().Hash {
		onHeaderChain, err := chain.IsOnHeaderChain(&hash)
		if err != nil {
			return err
		}
		ext, err := chain.PrepareChainExtension(block)
		if err != nil {
			if blockchain.IsPermanentFailure(err) {
				chain.MarkBadBlock(&hash, err.Error())
			}
			return err
		}
		heavier := ext.AccDiff.Cmp(chain.HeaderTip().AccumulatedDifficulty) > 0
		if onHeaderChain || heavier {
			err = chain.CommitChainExtension(ext)
			if !errors.Is(err, blockchain.ErrStaleExtension) {
				return err
			}
		}
	}
	_, _, err := chain.ProcessBlock(block)
	return err
}

// BlockSynchronizer downloads the bodies of the best header chain from the
// block tip fork onwards.
type BlockSynchronizer struct {
	cfg      *Config
	chain    *blockchain.BlockChain
	peers    []*peer.SyncPeer
	observer SyncObserver

	started bool
}

// NewBlockSynchronizer returns a synchronizer trying peers in order.
func NewBlockSynchronizer(cfg *Config, peers []*peer.SyncPeer,
	observer SyncObserver) *BlockSynchronizer {

	cfg.normalize()
	if observer == nil {
		observer = observers(nil)
	}
	return &BlockSynchronizer{
		cfg:      cfg,
		chain:    cfg.Chain,
		peers:    peers,
		observer: observer,
	}
}

// Synchronize downloads and connects the missing bodies.  Orphans left
// behind by the extended chain are pruned on success.
func (s *BlockSynchronizer) Synchronize(ctx context.Context) error {
	fork, err := s.chain.BlockTipFork()
	if err != nil {
		return err
	}
	if fork >= s.chain.HeaderTip().Height {
		s.observer.OnComplete(SyncBlocks, nil)
		return nil
	}

	// Peers have to hold the bodies following the fork.
	var candidates []*peer.SyncPeer
	for _, sp := range s.peers {
		claimed := sp.ClaimedMetadata()
		if claimed.Height > fork && claimed.PrunedHeight <= fork {
			candidates = append(candidates, sp)
		}
	}

	rotation := newPeerRotation(SyncBlocks.String(), s.cfg)
	_, err = rotation.run(ctx, candidates, s.attempt)
	if err == nil {
		err = s.chain.PruneOrphans()
	}
	s.observer.OnComplete(SyncBlocks, err)
	return err
}

func (s *BlockSynchronizer) attempt(ctx context.Context, sp *peer.SyncPeer,
	session peer.Session, maxLatency time.Duration) error {

	id := sp.NodeID()
	if !s.started {
		s.started = true
		s.observer.OnStarting(SyncBlocks, id)
	}

	// A previous peer may have connected part of the range.
	fork, err := s.chain.BlockTipFork()
	if err != nil {
		return err
	}
	target := s.chain.HeaderTip().Height
	end := target
	if claimed := sp.ClaimedMetadata().Height; claimed < end {
		end = claimed
	}
	progress := newProgressTracker(SyncBlocks, fork, target)

	next := fork + 1
	for next <= end {
		last := next + s.cfg.BlocksPerRequest - 1
		if last > end {
			last = end
		}
		log.Debugf("Requesting blocks %d to %d from %s", next, last, id)
		next, err = s.syncRange(ctx, sp, session, maxLatency, next, last,
			progress)
		if err != nil {
			return err
		}
	}
	return nil
}

// syncRange streams the bodies of the header chain from height first to
// height last and connects them.  It returns the height following the last
// connected block.
func (s *BlockSynchronizer) syncRange(ctx context.Context, sp *peer.SyncPeer,
	session peer.Session, maxLatency time.Duration, first, last uint64,
	progress *progressTracker) (uint64, error) {

	id := sp.NodeID()
	startHash, err := s.chain.HashByHeight(first)
	if err != nil {
		return first, err
	}
	endHash, err := s.chain.HashByHeight(last)
	if err != nil {
		return first, err
	}
	if startHash == nil || endHash == nil {
		return first, errors.New("header chain changed during block sync")
	}

	req := &wire.MsgSyncBlocks{StartHash: *startHash, EndHash: *endHash}
	stream, err := session.OpenStream(ctx, req)
	if err != nil {
		return first, requestError(id, err)
	}
	defer stream.Close()

	height := first
	for {
		msg, err := recvTimed(stream, sp)
		if err == io.EOF {
			if height <= last {
				return height, protocolViolation(id, "block stream "+
					"ended at height %d of %d", height, last)
			}
			return height, nil
		}
		if err != nil {
			return height, err
		}
		m, ok := msg.(*wire.MsgBlockBody)
		if !ok {
			return height, unexpectedMessage(id, msg, req)
		}
		if height > last {
			return height, protocolViolation(id, "sent blocks beyond "+
				"height %d", last)
		}

		want, err := s.chain.HashByHeight(height)
		if err != nil {
			return height, err
		}
		if want == nil || m.Hash != *want {
			return height, protocolViolation(id, "sent body %v for "+
				"height %d", m.Hash, height)
		}
		header, err := s.chain.FetchHeader(want)
		if err != nil {
			return height, err
		}
		block := &wire.MsgBlock{Header: *header, Body: m.Body}
		err = commitBlock(s.chain, block)
		if err != nil && !blockchain.IsErrorCode(err, blockchain.ErrDuplicateBlock) {
			return height, blockError(id, block, err)
		}

		s.observer.OnProgress(progress.event(id, height))
		height++

		if err := checkLatency(sp, maxLatency); err != nil {
			return height, err
		}
	}
}

// blockError classifies the failure to connect a block received from id.
// Reorganizations deeper than the pruned history and local failures end the
// sync.  Everything else is the peer's fault.
func blockError(id peer.NodeID, block *wire.MsgBlock, err error) error {
	if !blockchain.IsRuleError(err) ||
		blockchain.IsErrorCode(err, blockchain.ErrReorgTooDeep) {

		return err
	}
	return &ValidationError{
		Peer:      id,
		Hash:      block.BlockHash(),
		Ambiguous: blockchain.IsErrorCode(err, blockchain.ErrTimeTooNew),
		Err:       err,
	}
}
