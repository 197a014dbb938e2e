// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/utreexo/horizond/wire"
)

// Faults alters how a node of a LocalNetwork answers.
type Faults struct {
	// Latency delays every RPC and every item of a stream.
	Latency time.Duration

	// Unreachable makes every connection attempt and request fail.
	Unreachable bool

	// FailAfter interrupts streams after that many items.  Zero never
	// interrupts them.
	FailAfter int

	// Tamper, when set, rewrites every response message.  Returning nil
	// drops the message.
	Tamper func(req, resp wire.Message) wire.Message
}

// LocalNetwork connects in-process nodes to each other.  Requests and
// responses go through the wire encoding so that no memory is shared
// between nodes.
type LocalNetwork struct {
	mtx      sync.RWMutex
	handlers map[NodeID]Handler
	faults   map[NodeID]Faults
}

// NewLocalNetwork returns an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		handlers: make(map[NodeID]Handler),
		faults:   make(map[NodeID]Faults),
	}
}

// Register makes h answer the requests sent to id.
func (n *LocalNetwork) Register(id NodeID, h Handler) {
	n.mtx.Lock()
	n.handlers[id] = h
	n.mtx.Unlock()
}

// Unregister removes the node id from the network.
func (n *LocalNetwork) Unregister(id NodeID) {
	n.mtx.Lock()
	delete(n.handlers, id)
	n.mtx.Unlock()
}

// SetFaults sets the faults of the node id.  They apply to requests made
// from now on.
func (n *LocalNetwork) SetFaults(id NodeID, f Faults) {
	n.mtx.Lock()
	n.faults[id] = f
	n.mtx.Unlock()
}

// Connector returns a connector dialing from the node with the given id.
func (n *LocalNetwork) Connector(from NodeID) Connector {
	return &localConnector{net: n, from: from}
}

func (n *LocalNetwork) lookup(id NodeID) (Handler, Faults, error) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()

	h, ok := n.handlers[id]
	f := n.faults[id]
	if !ok || f.Unreachable {
		return nil, f, fmt.Errorf("%w: %s", ErrPeerUnreachable, id)
	}
	return h, f, nil
}

type localConnector struct {
	net  *LocalNetwork
	from NodeID
}

// Connect implements Connector.
func (c *localConnector) Connect(ctx context.Context, id NodeID) (Session, error) {
	if _, _, err := c.net.lookup(id); err != nil {
		return nil, err
	}
	return &localSession{net: c.net, from: c.from, to: id}, nil
}

type localSession struct {
	net  *LocalNetwork
	from NodeID
	to   NodeID

	mtx    sync.Mutex
	closed bool
}

// PeerID implements Session.
func (s *localSession) PeerID() NodeID {
	return s.to
}

// copyMessage passes msg through the wire encoding.
func copyMessage(msg wire.Message) (wire.Message, error) {
	var buf bytes.Buffer
	if err := wire.WriteMessage(&buf, msg, wire.ProtocolVersion); err != nil {
		return nil, err
	}
	return wire.ReadMessage(&buf, wire.ProtocolVersion)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serve runs the request against the remote handler and returns every
// response message including the terminating one.
func (s *localSession) serve(ctx context.Context, req wire.Message) ([]wire.Message, Faults, error) {
	s.mtx.Lock()
	closed := s.closed
	s.mtx.Unlock()
	if closed {
		return nil, Faults{}, ErrSessionClosed
	}

	h, f, err := s.net.lookup(s.to)
	if err != nil {
		return nil, f, err
	}
	reqCopy, err := copyMessage(req)
	if err != nil {
		return nil, f, err
	}

	var out []wire.Message
	send := func(msg wire.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := copyMessage(msg)
		if err != nil {
			return err
		}
		out = append(out, c)
		return nil
	}
	if err := h.HandleRequest(ctx, s.from, reqCopy, send); err != nil {
		out = append(out, rejectFromError(err))
	} else {
		out = append(out, &wire.MsgEndOfStream{})
	}

	if f.Tamper != nil {
		tampered := out[:0]
		for _, msg := range out {
			if _, ok := msg.(*wire.MsgEndOfStream); !ok {
				msg = f.Tamper(reqCopy, msg)
			}
			if msg != nil {
				tampered = append(tampered, msg)
			}
		}
		out = tampered
	}
	return out, f, nil
}

// RequestRPC implements Session.
func (s *localSession) RequestRPC(ctx context.Context, req wire.Message) (wire.Message, error) {
	out, f, err := s.serve(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := sleepContext(ctx, f.Latency); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w to %s", ErrEmptyResponse, req.Command())
	}
	resp, err := responseFromMessage(out[0])
	if err == io.EOF {
		return nil, fmt.Errorf("%w to %s", ErrEmptyResponse, req.Command())
	}
	return resp, err
}

// OpenStream implements Session.
func (s *localSession) OpenStream(ctx context.Context, req wire.Message) (Stream, error) {
	out, f, err := s.serve(ctx, req)
	if err != nil {
		return nil, err
	}
	return &localStream{ctx: ctx, msgs: out, faults: f, peer: s.to}, nil
}

// Close implements Session.
func (s *localSession) Close() error {
	s.mtx.Lock()
	s.closed = true
	s.mtx.Unlock()
	return nil
}

type localStream struct {
	ctx       context.Context
	msgs      []wire.Message
	faults    Faults
	peer      NodeID
	delivered int
	err       error
}

// Recv implements Stream.
func (s *localStream) Recv() (wire.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.faults.FailAfter > 0 && s.delivered >= s.faults.FailAfter {
		s.err = fmt.Errorf("%w: %s: stream interrupted", ErrPeerUnreachable,
			s.peer)
		return nil, s.err
	}
	if err := sleepContext(s.ctx, s.faults.Latency); err != nil {
		s.err = err
		return nil, err
	}
	if len(s.msgs) == 0 {
		s.err = io.ErrUnexpectedEOF
		return nil, s.err
	}
	msg := s.msgs[0]
	s.msgs = s.msgs[1:]
	resp, err := responseFromMessage(msg)
	if err != nil {
		s.err = err
		return nil, err
	}
	s.delivered++
	return resp, nil
}

// Close implements Stream.
func (s *localStream) Close() error {
	if s.err == nil {
		s.err = ErrSessionClosed
	}
	s.msgs = nil
	return nil
}
