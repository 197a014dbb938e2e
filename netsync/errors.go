// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

var (
	// ErrAllSyncPeersExceedLatency is returned when every sync peer stayed
	// above the latency bound, even after it was relaxed.
	ErrAllSyncPeersExceedLatency = errors.New("all sync peers exceed the " +
		"maximum latency")

	// ErrNoSyncPeers is returned when a synchronizer has no peer it may
	// try.
	ErrNoSyncPeers = errors.New("no sync peers available")

	// ErrSyncPeersExhausted is returned when every sync peer was tried and
	// none of them completed the sync.
	ErrSyncPeersExhausted = errors.New("all sync peers failed")

	// ErrNotBootstrapped is returned for block announcements received
	// before the initial sync completed.
	ErrNotBootstrapped = errors.New("node is not bootstrapped")
)

// ConnectivityError is a transient failure to reach a peer or to get an
// answer in time.  The peer is not at fault.
type ConnectivityError struct {
	Peer peer.NodeID
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("peer %s unreachable: %v", e.Peer, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// ProtocolViolationError is returned for malformed, oversized, unsolicited
// or inconsistent data sent by a peer.
type ProtocolViolationError struct {
	Peer   peer.NodeID
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("peer %s violated the protocol: %s", e.Peer, e.Reason)
}

// ValidationError is returned when a peer sends a header, block or state
// that fails consensus validation.  Ambiguous failures, such as roots that
// do not match a header the peer may have moved away from, do not get the
// peer banned.
type ValidationError struct {
	Peer      peer.NodeID
	Hash      chainhash.Hash
	Ambiguous bool
	Err       error
}

func (e *ValidationError) Error() string {
	if e.Hash == (chainhash.Hash{}) {
		return fmt.Sprintf("peer %s sent invalid data: %v", e.Peer, e.Err)
	}
	return fmt.Sprintf("peer %s sent invalid block %v: %v", e.Peer, e.Hash,
		e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// LatencyError is returned when the average latency of a peer exceeds the
// current bound.  Slowness is not misbehaviour, the peer is only abandoned.
type LatencyError struct {
	Peer       peer.NodeID
	Latency    time.Duration
	MaxLatency time.Duration
}

func (e *LatencyError) Error() string {
	return fmt.Sprintf("peer %s average latency %v exceeds %v", e.Peer,
		e.Latency, e.MaxLatency)
}

// protocolViolation returns a ProtocolViolationError for id.
func protocolViolation(id peer.NodeID, format string, args ...interface{}) error {
	return &ProtocolViolationError{Peer: id, Reason: fmt.Sprintf(format, args...)}
}

// requestError classifies an error returned by a session of peer id.
// Undecodable or missing answers break the protocol, refusals and transport
// failures are connectivity problems.
func requestError(id peer.NodeID, err error) error {
	var msgErr *wire.MessageError
	switch {
	case errors.As(err, &msgErr), errors.Is(err, peer.ErrEmptyResponse):
		return &ProtocolViolationError{Peer: id, Reason: err.Error()}
	default:
		return &ConnectivityError{Peer: id, Err: err}
	}
}

// unexpectedMessage returns the protocol violation for a response of the
// wrong type.
func unexpectedMessage(id peer.NodeID, msg wire.Message, req wire.Message) error {
	return protocolViolation(id, "unexpected %s in response to %s",
		msg.Command(), req.Command())
}

// isPeerError returns whether err is one of the failures that move a
// synchronizer on to its next peer.  Everything else is fatal.
func isPeerError(err error) bool {
	var (
		connErr     *ConnectivityError
		protoErr    *ProtocolViolationError
		validateErr *ValidationError
		latencyErr  *LatencyError
	)
	return errors.As(err, &connErr) || errors.As(err, &protoErr) ||
		errors.As(err, &validateErr) || errors.As(err, &latencyErr)
}
