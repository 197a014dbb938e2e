// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"testing"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"github.com/utreexo/horizond/peer"
)

func TestNextState(t *testing.T) {
	peers := []*peer.SyncPeer{peer.NewSyncPeer(libp2ppeer.ID("a"), metadata(5, 5))}

	tests := []struct {
		name string
		cur  syncState
		ev   StateEvent
		want syncState
	}{
		{"start", stateStarting{}, Continue, stateListening{}},
		{"start behind", stateStarting{}, FallenBehind, stateHeaderSync{peers: peers}},
		{"listen behind", stateListening{}, FallenBehind, stateHeaderSync{peers: peers}},
		{"listen continue", stateListening{}, Continue, stateListening{}},
		{"headers done", stateHeaderSync{peers: peers}, HeadersSynchronized,
			stateDecideNextSync{peers: peers}},
		{"headers failed", stateHeaderSync{peers: peers}, HeaderSyncFailed, stateWaiting{}},
		{"headers in sync", stateHeaderSync{peers: peers}, Continue, stateListening{}},
		{"decide horizon", stateDecideNextSync{peers: peers}, ProceedToHorizonSync,
			stateHorizonSync{peers: peers}},
		{"decide blocks", stateDecideNextSync{peers: peers}, ProceedToBlockSync,
			stateBlockSync{peers: peers}},
		{"decide nothing", stateDecideNextSync{peers: peers}, Continue, stateListening{}},
		{"horizon done", stateHorizonSync{peers: peers}, HorizonStateSynchronized,
			stateBlockSync{peers: peers}},
		{"horizon failed", stateHorizonSync{peers: peers}, HorizonStateFailure, stateWaiting{}},
		{"blocks done", stateBlockSync{peers: peers}, BlocksSynchronized, stateListening{}},
		{"blocks failed", stateBlockSync{peers: peers}, BlocksSyncFailed, stateWaiting{}},
		{"wait over", stateWaiting{}, Continue, stateListening{}},
		{"unexpected event", stateHorizonSync{peers: peers}, HeadersSynchronized,
			stateListening{}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := nextState(test.cur, test.ev, peers)
			require.Equal(t, test.want, got)
		})
	}
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "HorizonStateSynchronized", HorizonStateSynchronized.String())
	require.Equal(t, "Unknown StateEvent (99)", StateEvent(99).String())
	require.Equal(t, "Lagging", Lagging.String())
	require.Equal(t, "Unknown SyncMode (7)", SyncMode(7).String())
	require.Equal(t, "HorizonStateSync", stateHorizonSync{}.String())

	codes := make(map[int]string)
	for _, s := range []syncState{stateStarting{}, stateListening{},
		stateHeaderSync{}, stateDecideNextSync{}, stateHorizonSync{},
		stateBlockSync{}, stateWaiting{}} {

		_, dup := codes[s.code()]
		require.False(t, dup, "duplicate code for %v", s)
		codes[s.code()] = s.String()
	}
}
