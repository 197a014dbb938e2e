// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"fmt"

	"github.com/utreexo/horizond/peer"
)

// StateEvent is emitted by a sync state when it completes and selects the
// next state.
type StateEvent int

const (
	Continue StateEvent = iota
	HeadersSynchronized
	HeaderSyncFailed
	ProceedToHorizonSync
	ProceedToBlockSync
	HorizonStateSynchronized
	HorizonStateFailure
	BlocksSynchronized
	BlocksSyncFailed
	FallenBehind
)

var stateEventStrings = map[StateEvent]string{
	Continue:                 "Continue",
	HeadersSynchronized:      "HeadersSynchronized",
	HeaderSyncFailed:         "HeaderSyncFailed",
	ProceedToHorizonSync:     "ProceedToHorizonSync",
	ProceedToBlockSync:       "ProceedToBlockSync",
	HorizonStateSynchronized: "HorizonStateSynchronized",
	HorizonStateFailure:      "HorizonStateFailure",
	BlocksSynchronized:       "BlocksSynchronized",
	BlocksSyncFailed:         "BlocksSyncFailed",
	FallenBehind:             "FallenBehind",
}

func (e StateEvent) String() string {
	if s, ok := stateEventStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("Unknown StateEvent (%d)", int(e))
}

// syncState is one state of the sync state machine.  The set of states is
// closed, only the types below implement it.
type syncState interface {
	// code identifies the state in the sync state metric.
	code() int
	String() string
}

type (
	stateStarting  struct{}
	stateListening struct{}
	stateWaiting   struct{}

	stateHeaderSync struct {
		peers []*peer.SyncPeer
	}
	stateDecideNextSync struct {
		peers []*peer.SyncPeer
	}
	stateHorizonSync struct {
		peers []*peer.SyncPeer
	}
	stateBlockSync struct {
		peers []*peer.SyncPeer
	}
)

func (stateStarting) code() int       { return 0 }
func (stateListening) code() int      { return 1 }
func (stateHeaderSync) code() int     { return 2 }
func (stateDecideNextSync) code() int { return 3 }
func (stateHorizonSync) code() int    { return 4 }
func (stateBlockSync) code() int      { return 5 }
func (stateWaiting) code() int        { return 6 }

func (stateStarting) String() string       { return "Starting" }
func (stateListening) String() string      { return "Listening" }
func (stateHeaderSync) String() string     { return "HeaderSync" }
func (stateDecideNextSync) String() string { return "DecideNextSync" }
func (stateHorizonSync) String() string    { return "HorizonStateSync" }
func (stateBlockSync) String() string      { return "BlockSync" }
func (stateWaiting) String() string        { return "Waiting" }

// nextState is the transition function of the sync state machine.  peers
// are the sync candidates reported along with FallenBehind, the sync
// states pass their candidates on.  Pairs without a transition of their
// own go back to Listening.
func nextState(cur syncState, ev StateEvent, peers []*peer.SyncPeer) syncState {
	switch s := cur.(type) {
	case stateStarting:
		switch ev {
		case Continue:
			return stateListening{}
		case FallenBehind:
			return stateHeaderSync{peers: peers}
		}

	case stateListening:
		if ev == FallenBehind {
			return stateHeaderSync{peers: peers}
		}

	case stateHeaderSync:
		switch ev {
		case HeadersSynchronized:
			return stateDecideNextSync{peers: s.peers}
		case HeaderSyncFailed:
			return stateWaiting{}
		}

	case stateDecideNextSync:
		switch ev {
		case ProceedToHorizonSync:
			return stateHorizonSync{peers: s.peers}
		case ProceedToBlockSync:
			return stateBlockSync{peers: s.peers}
		}

	case stateHorizonSync:
		switch ev {
		case HorizonStateSynchronized:
			return stateBlockSync{peers: s.peers}
		case HorizonStateFailure:
			return stateWaiting{}
		}

	case stateBlockSync:
		if ev == BlocksSyncFailed {
			return stateWaiting{}
		}
	}
	return stateListening{}
}
