// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/utreexo/horizond/wire"
)

const (
	// ProtocolRPC is the libp2p protocol the sync requests are served on.
	ProtocolRPC protocol.ID = "/horizond/rpc/1.0.0"

	// DefaultRequestTimeout bounds every read and write of a request.
	DefaultRequestTimeout = 30 * time.Second
)

// ErrEmptyResponse is returned when a peer ends a request without
// answering it.
var ErrEmptyResponse = errors.New("peer sent an empty response")

// Libp2pConnector opens sessions to peers of a libp2p host.  Each request is
// sent on its own stream: the request message is written first, then the
// responses are read until the end of stream marker.
type Libp2pConnector struct {
	host    host.Host
	timeout time.Duration
}

// NewLibp2pConnector returns a connector using h.  A zero timeout uses
// DefaultRequestTimeout.
func NewLibp2pConnector(h host.Host, timeout time.Duration) *Libp2pConnector {
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	return &Libp2pConnector{host: h, timeout: timeout}
}

// Connect implements Connector.
func (c *Libp2pConnector) Connect(ctx context.Context, id NodeID) (Session, error) {
	if c.host.Network().Connectedness(id) != network.Connected {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		info := c.host.Peerstore().PeerInfo(id)
		if err := c.host.Connect(ctx, info); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, id, err)
		}
	}
	return &libp2pSession{host: c.host, id: id, timeout: c.timeout}, nil
}

type libp2pSession struct {
	host    host.Host
	id      NodeID
	timeout time.Duration
}

// PeerID implements Session.
func (s *libp2pSession) PeerID() NodeID {
	return s.id
}

// send opens a stream and writes req on it.
func (s *libp2pSession) send(ctx context.Context, req wire.Message) (network.Stream, error) {
	str, err := s.host.NewStream(ctx, s.id, ProtocolRPC)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, s.id, err)
	}
	if err := str.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		str.Reset()
		return nil, err
	}
	if err := wire.WriteMessage(str, req, wire.ProtocolVersion); err != nil {
		str.Reset()
		return nil, err
	}
	if err := str.CloseWrite(); err != nil {
		str.Reset()
		return nil, err
	}
	return str, nil
}

// RequestRPC implements Session.
func (s *libp2pSession) RequestRPC(ctx context.Context, req wire.Message) (wire.Message, error) {
	str, err := s.send(ctx, req)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { str.Reset() })
	defer stop()
	defer str.Close()

	msg, err := wire.ReadMessage(bufio.NewReader(str), wire.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	resp, err := responseFromMessage(msg)
	if err == io.EOF {
		return nil, fmt.Errorf("%w to %s", ErrEmptyResponse, req.Command())
	}
	return resp, err
}

// OpenStream implements Session.
func (s *libp2pSession) OpenStream(ctx context.Context, req wire.Message) (Stream, error) {
	str, err := s.send(ctx, req)
	if err != nil {
		return nil, err
	}
	return &libp2pStream{
		str:     str,
		r:       bufio.NewReader(str),
		timeout: s.timeout,
		stop:    context.AfterFunc(ctx, func() { str.Reset() }),
	}, nil
}

// Close implements Session.  Streams are closed individually so there is
// nothing to release.
func (s *libp2pSession) Close() error {
	return nil
}

type libp2pStream struct {
	str     network.Stream
	r       *bufio.Reader
	timeout time.Duration
	stop    func() bool
	err     error
}

// Recv implements Stream.
func (s *libp2pStream) Recv() (wire.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	if err := s.str.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		s.err = err
		return nil, err
	}
	msg, err := wire.ReadMessage(s.r, wire.ProtocolVersion)
	if err != nil {
		s.err = err
		return nil, err
	}
	resp, err := responseFromMessage(msg)
	if err != nil {
		s.err = err
	}
	return resp, err
}

// Close implements Stream.
func (s *libp2pStream) Close() error {
	s.stop()
	if s.err == nil {
		s.err = ErrSessionClosed
	}
	return s.str.Close()
}

// ServeLibp2p answers the requests arriving on h with handler until the
// returned function is called.
func ServeLibp2p(h host.Host, handler Handler, timeout time.Duration) func() {
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	h.SetStreamHandler(ProtocolRPC, func(s network.Stream) {
		serveLibp2pStream(s, handler, timeout)
	})
	return func() {
		h.RemoveStreamHandler(ProtocolRPC)
	}
}

func serveLibp2pStream(s network.Stream, handler Handler, timeout time.Duration) {
	defer s.Close()

	from := s.Conn().RemotePeer()
	if err := s.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		s.Reset()
		return
	}
	req, err := wire.ReadMessage(bufio.NewReader(s), wire.ProtocolVersion)
	if err != nil {
		log.Debugf("Unable to read request from %s: %v", from, err)
		s.Reset()
		return
	}

	w := bufio.NewWriter(s)
	send := func(msg wire.Message) error {
		if err := s.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		if err := wire.WriteMessage(w, msg, wire.ProtocolVersion); err != nil {
			return err
		}
		return w.Flush()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := handler.HandleRequest(ctx, from, req, send); err != nil {
		log.Debugf("Request %s from %s failed: %v", req.Command(), from, err)
		if err := send(rejectFromError(err)); err != nil {
			s.Reset()
		}
		return
	}
	if err := send(&wire.MsgEndOfStream{}); err != nil {
		log.Debugf("Unable to end response to %s: %v", from, err)
		s.Reset()
	}
}
