// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

// attemptFunc runs one sync attempt against sp over session.  maxLatency is
// the latency bound in force, zero disables it.
type attemptFunc func(ctx context.Context, sp *peer.SyncPeer,
	session peer.Session, maxLatency time.Duration) error

// peerRotation tries sync peers one after the other until one of them
// completes an attempt.  Misbehaving peers are banned, unreachable ones are
// skipped and slow ones are retried once with a relaxed latency bound.
type peerRotation struct {
	name       string
	cfg        *Config
	maxLatency time.Duration
	relaxed    bool
}

func newPeerRotation(name string, cfg *Config) *peerRotation {
	cfg.normalize()
	return &peerRotation{
		name:       name,
		cfg:        cfg,
		maxLatency: cfg.MaxLatency,
	}
}

// run returns the peer that completed attempt.  A fatal error from attempt
// ends the rotation at once.
func (r *peerRotation) run(ctx context.Context, peers []*peer.SyncPeer,
	attempt attemptFunc) (*peer.SyncPeer, error) {

	candidates := peers
	tried := 0
	for {
		var slow []*peer.SyncPeer
		failed := 0
		for len(candidates) > 0 {
			sp := candidates[0]
			candidates = candidates[1:]

			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if r.cfg.BanManager.IsBanned(sp.NodeID()) {
				log.Debugf("Skipping banned %s peer %s", r.name, sp)
				continue
			}

			tried++
			err := r.try(ctx, sp, attempt)
			if err == nil {
				return sp, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if !isPeerError(err) {
				return nil, err
			}

			failed++
			var latencyErr *LatencyError
			if errors.As(err, &latencyErr) {
				log.Infof("Abandoning slow %s peer: %v", r.name, err)
				slow = append(slow, sp)
				continue
			}
			r.punish(sp, err)
		}

		switch {
		case tried == 0:
			return nil, ErrNoSyncPeers
		case len(slow) == 0:
			return nil, ErrSyncPeersExhausted
		case r.relaxed || r.maxLatency == 0:
			if failed == len(slow) {
				return nil, ErrAllSyncPeersExceedLatency
			}
			return nil, ErrSyncPeersExhausted
		}

		r.relaxed = true
		r.maxLatency += r.cfg.LatencyIncrease
		log.Warnf("%d %s peers exceeded the latency bound, retrying them "+
			"with a bound of %v", len(slow), r.name, r.maxLatency)
		candidates = slow
	}
}

func (r *peerRotation) try(ctx context.Context, sp *peer.SyncPeer,
	attempt attemptFunc) error {

	session, err := r.cfg.Connector.Connect(ctx, sp.NodeID())
	if err != nil {
		return &ConnectivityError{Peer: sp.NodeID(), Err: err}
	}
	defer session.Close()

	err = attempt(ctx, sp, session, r.maxLatency)
	if avg, ok := sp.AverageLatency(); ok {
		r.cfg.Metrics.PeerLatency.Observe(avg.Seconds())
	}
	return err
}

// punish bans sp for a protocol violation or a validation failure.
// Connectivity failures and ambiguous validation failures only move on to
// the next peer.
func (r *peerRotation) punish(sp *peer.SyncPeer, err error) {
	var (
		protoErr    *ProtocolViolationError
		validateErr *ValidationError
	)
	switch {
	case errors.As(err, &protoErr):
	case errors.As(err, &validateErr) && !validateErr.Ambiguous:
	default:
		log.Infof("Trying next %s peer: %v", r.name, err)
		return
	}

	rec := r.cfg.BanManager.BanPeer(sp.NodeID(), r.cfg.BanDuration, err.Error())
	sp.MarkBanned(rec.ExpiresAt, rec.Permanent)
	r.cfg.Metrics.BannedPeers.Add(1)
	log.Warnf("Banned %s peer %s: %v", r.name, sp, err)
}

// checkLatency returns a LatencyError when the average latency of sp
// exceeds max.
func checkLatency(sp *peer.SyncPeer, max time.Duration) error {
	if max <= 0 {
		return nil
	}
	avg, ok := sp.AverageLatency()
	if !ok || avg <= max {
		return nil
	}
	return &LatencyError{Peer: sp.NodeID(), Latency: avg, MaxLatency: max}
}

// requestTimed makes a RPC to sp and records its latency.
func requestTimed(ctx context.Context, session peer.Session, sp *peer.SyncPeer,
	req wire.Message) (wire.Message, error) {

	start := time.Now()
	resp, err := session.RequestRPC(ctx, req)
	if err != nil {
		return nil, requestError(sp.NodeID(), err)
	}
	sp.AddLatencySample(time.Since(start))
	return resp, nil
}

// recvTimed reads the next item of a stream from sp and records its
// latency.  io.EOF is returned unchanged.
func recvTimed(stream peer.Stream, sp *peer.SyncPeer) (wire.Message, error) {
	start := time.Now()
	msg, err := stream.Recv()
	if err == io.EOF {
		return nil, err
	}
	if err != nil {
		return nil, requestError(sp.NodeID(), err)
	}
	sp.AddLatencySample(time.Since(start))
	return msg, nil
}
