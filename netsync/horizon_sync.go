// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

// horizonTarget returns the height and hash of the header a pruned node
// has to sync the state of before it downloads bodies again.  ok is false
// when the block tip is within the pruning horizon of the header tip.
func horizonTarget(chain *blockchain.BlockChain) (uint64, *chainhash.Hash, bool, error) {
	horizon := chain.PruningHorizon()
	headerTip := chain.HeaderTip()
	if horizon == 0 || headerTip.Height <= horizon {
		return 0, nil, false, nil
	}
	height := headerTip.Height - horizon
	if height <= chain.BlockTip().Height {
		return 0, nil, false, nil
	}
	hash, err := chain.HashByHeight(height)
	if err != nil {
		return 0, nil, false, err
	}
	return height, hash, true, nil
}

// HorizonSynchronizer downloads the kernels and outputs of a pruned node's
// horizon state instead of the bodies below it.
type HorizonSynchronizer struct {
	cfg      *Config
	chain    *blockchain.BlockChain
	peers    []*peer.SyncPeer
	observer SyncObserver
}

// NewHorizonSynchronizer returns a synchronizer trying peers in order.
func NewHorizonSynchronizer(cfg *Config, peers []*peer.SyncPeer,
	observer SyncObserver) *HorizonSynchronizer {

	cfg.normalize()
	if observer == nil {
		observer = observers(nil)
	}
	return &HorizonSynchronizer{
		cfg:      cfg,
		chain:    cfg.Chain,
		peers:    peers,
		observer: observer,
	}
}

// Synchronize syncs the state at the horizon and makes it the block tip.
// It does nothing when no horizon sync is needed.
func (s *HorizonSynchronizer) Synchronize(ctx context.Context) error {
	height, target, ok, err := horizonTarget(s.chain)
	if err != nil || !ok {
		return err
	}

	// Only peers still holding the data at the horizon can serve it.
	var candidates []*peer.SyncPeer
	for _, sp := range s.peers {
		claimed := sp.ClaimedMetadata()
		if claimed.PrunedHeight <= height && claimed.Height >= height {
			candidates = append(candidates, sp)
		}
	}

	log.Infof("Syncing horizon state at height %d (%v)", height, target)
	rotation := newPeerRotation(SyncHorizon.String(), s.cfg)
	_, err = rotation.run(ctx, candidates, func(ctx context.Context,
		sp *peer.SyncPeer, session peer.Session, maxLatency time.Duration) error {

		return s.attempt(ctx, sp, session, maxLatency, target)
	})
	s.observer.OnComplete(SyncHorizon, err)
	return err
}

func (s *HorizonSynchronizer) attempt(ctx context.Context, sp *peer.SyncPeer,
	session peer.Session, maxLatency time.Duration, target *chainhash.Hash) error {

	s.observer.OnStarting(SyncHorizon, sp.NodeID())

	// Every attempt starts over, nothing of a failed peer is kept.
	w, err := s.chain.BeginHorizonSync(target)
	if err != nil {
		return err
	}
	hdr := w.Target().Header
	progress := newProgressTracker(SyncHorizon, w.NextKernelIndex()+
		w.NextOutputPosition(), hdr.KernelMMRSize+hdr.OutputMMRSize)
	report := func() {
		s.observer.OnProgress(progress.event(sp.NodeID(),
			w.NextKernelIndex()+w.NextOutputPosition()))
	}

	if err := s.syncKernels(ctx, sp, session, maxLatency, w, report); err != nil {
		return err
	}
	if err := s.syncOutputs(ctx, sp, session, maxLatency, w, report); err != nil {
		return err
	}

	// Outputs colliding with live local outputs only show up on commit.
	if err := w.Commit(); err != nil {
		return horizonError(sp.NodeID(), err)
	}
	return nil
}

func (s *HorizonSynchronizer) syncKernels(ctx context.Context, sp *peer.SyncPeer,
	session peer.Session, maxLatency time.Duration, w *blockchain.HorizonWriter,
	report func()) error {

	id := sp.NodeID()
	target := w.Target()
	req := &wire.MsgSyncKernels{
		StartIndex:    w.NextKernelIndex(),
		EndHeaderHash: target.Hash,
	}
	stream, err := session.OpenStream(ctx, req)
	if err != nil {
		return requestError(id, err)
	}
	defer stream.Close()

	for {
		msg, err := recvTimed(stream, sp)
		if err == io.EOF {
			if !w.KernelsDone() {
				return protocolViolation(id, "kernel stream ended at %d "+
					"of %d", w.NextKernelIndex(), target.Header.KernelMMRSize)
			}
			return nil
		}
		if err != nil {
			return err
		}
		m, ok := msg.(*wire.MsgKernel)
		if !ok {
			return unexpectedMessage(id, msg, req)
		}
		if err := w.AddKernel(&m.Kernel); err != nil {
			return horizonError(id, err)
		}
		report()
		if err := checkLatency(sp, maxLatency); err != nil {
			return err
		}
	}
}

func (s *HorizonSynchronizer) syncOutputs(ctx context.Context, sp *peer.SyncPeer,
	session peer.Session, maxLatency time.Duration, w *blockchain.HorizonWriter,
	report func()) error {

	id := sp.NodeID()
	target := w.Target()
	req := &wire.MsgSyncUtxos{
		StartIndex:    w.NextOutputPosition(),
		EndHeaderHash: target.Hash,
	}
	stream, err := session.OpenStream(ctx, req)
	if err != nil {
		return requestError(id, err)
	}
	defer stream.Close()

	finalized := false
	for {
		msg, err := recvTimed(stream, sp)
		if err == io.EOF {
			if !finalized {
				return protocolViolation(id, "output stream ended "+
					"without a trailer at %d of %d",
					w.NextOutputPosition(), target.Header.OutputMMRSize)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if finalized {
			return protocolViolation(id, "sent %s after the output "+
				"trailer", msg.Command())
		}

		switch m := msg.(type) {
		case *wire.MsgSyncUtxo:
			if err := w.AddOutput(m); err != nil {
				return horizonError(id, err)
			}
			report()

		case *wire.MsgUtxoTrailer:
			if !w.OutputsDone() {
				return protocolViolation(id, "output trailer at %d of "+
					"%d", w.NextOutputPosition(),
					target.Header.OutputMMRSize)
			}
			if err := w.Finalize(m.DeletedBitmap); err != nil {
				return horizonError(id, err)
			}
			finalized = true

		default:
			return unexpectedMessage(id, msg, req)
		}

		if err := checkLatency(sp, maxLatency); err != nil {
			return err
		}
	}
}

// horizonError classifies a failure to add horizon data.  Roots or bitmaps
// that do not add up may come from a peer that moved on to another chain,
// so they do not get it banned.
func horizonError(id peer.NodeID, err error) error {
	var ruleErr blockchain.RuleError
	if !errors.As(err, &ruleErr) {
		return err
	}
	ambiguous := false
	switch ruleErr.ErrorCode {
	case blockchain.ErrBadKernelMMRRoot, blockchain.ErrBadOutputMMRRoot,
		blockchain.ErrBadBitmap:
		ambiguous = true
	}
	return &ValidationError{Peer: id, Ambiguous: ambiguous, Err: err}
}
