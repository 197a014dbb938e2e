// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"
)

// disconnectBanned is the disconnect reason given to banned peers.
const disconnectBanned control.DisconnectReason = 1

// BanGater is a libp2p connection gater refusing banned peers.
type BanGater struct {
	bans *BanManager
}

// NewBanGater returns a gater backed by bans.
func NewBanGater(bans *BanManager) *BanGater {
	return &BanGater{bans: bans}
}

// InterceptPeerDial tests whether we're permitted to dial the peer.
func (g *BanGater) InterceptPeerDial(id NodeID) bool {
	return !g.bans.IsBanned(id)
}

// InterceptAddrDial tests whether we're permitted to dial the peer at addr.
func (g *BanGater) InterceptAddrDial(id NodeID, addr multiaddr.Multiaddr) bool {
	return !g.bans.IsBanned(id)
}

// InterceptAccept lets every inbound connection through, the peer is not
// known before the handshake.
func (g *BanGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured tests whether a secured connection is allowed.
func (g *BanGater) InterceptSecured(dir network.Direction, id NodeID,
	addrs network.ConnMultiaddrs) bool {

	return !g.bans.IsBanned(id)
}

// InterceptUpgraded tests whether a fully upgraded connection is allowed.
func (g *BanGater) InterceptUpgraded(conn network.Conn) (bool, control.DisconnectReason) {
	if g.bans.IsBanned(conn.RemotePeer()) {
		return false, disconnectBanned
	}
	return true, 0
}
