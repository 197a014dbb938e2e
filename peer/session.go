// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"context"
	"errors"
	"io"

	"github.com/utreexo/horizond/wire"
)

var (
	// ErrPeerUnreachable is returned when no connection to a peer can be
	// established.
	ErrPeerUnreachable = errors.New("peer is unreachable")

	// ErrSessionClosed is returned when a closed session is used.
	ErrSessionClosed = errors.New("session is closed")
)

// Session is a connection to a single peer over which requests are made.
// Every call is bound by the context and the timeout of the transport.
type Session interface {
	// PeerID returns the identity of the remote peer.
	PeerID() NodeID

	// RequestRPC sends req and returns the single response.  A peer that
	// refuses the request answers with a *wire.MsgReject, which is
	// returned as the error.
	RequestRPC(ctx context.Context, req wire.Message) (wire.Message, error)

	// OpenStream sends req and returns the stream of its responses.
	OpenStream(ctx context.Context, req wire.Message) (Stream, error)

	// Close releases the session.
	Close() error
}

// Stream is a finite sequence of response messages.  It cannot be resumed
// once it fails, a fresh request has to be made.
type Stream interface {
	// Recv returns the next message.  io.EOF is returned once the peer
	// ended the stream and a *wire.MsgReject when it aborted it.
	Recv() (wire.Message, error)

	// Close abandons the stream.
	Close() error
}

// Connector opens sessions to peers.
type Connector interface {
	Connect(ctx context.Context, id NodeID) (Session, error)
}

// Handler answers the requests of remote peers.  Responses are passed to
// send in order, the transport ends the response once the handler returns.
// A returned *wire.MsgReject is forwarded to the peer, any other error is
// reported as an internal failure.
type Handler interface {
	HandleRequest(ctx context.Context, from NodeID, req wire.Message,
		send func(wire.Message) error) error
}

// HandlerFunc is an adapter to allow the use of ordinary functions as
// request handlers.
type HandlerFunc func(ctx context.Context, from NodeID, req wire.Message,
	send func(wire.Message) error) error

// HandleRequest calls f(ctx, from, req, send).
func (f HandlerFunc) HandleRequest(ctx context.Context, from NodeID,
	req wire.Message, send func(wire.Message) error) error {

	return f(ctx, from, req, send)
}

// rejectFromError returns the reject message sent to a peer for a handler
// error.
func rejectFromError(err error) *wire.MsgReject {
	var reject *wire.MsgReject
	if errors.As(err, &reject) {
		return reject
	}
	log.Errorf("Failed to serve request: %v", err)
	return wire.NewMsgReject(wire.RejectInternal, "internal error")
}

// responseFromMessage turns a response message into the value returned by
// a Stream or a RPC.
func responseFromMessage(msg wire.Message) (wire.Message, error) {
	switch m := msg.(type) {
	case *wire.MsgEndOfStream:
		return nil, io.EOF
	case *wire.MsgReject:
		return nil, m
	}
	return msg, nil
}
