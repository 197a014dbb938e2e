// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"time"

	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/chaincfg"
	"github.com/utreexo/horizond/mempool"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

const (
	// DefaultLivenessInterval is the time between two chain metadata
	// exchanges with the connected peers.
	DefaultLivenessInterval = 30 * time.Second

	// DefaultBehindTolerance is the number of blocks the node may trail
	// the best peer before it is lagging right away.
	DefaultBehindTolerance = 2

	// DefaultLaggingTimeout is how long the node may stay behind within
	// the tolerance before it is lagging anyway.
	DefaultLaggingTimeout = 90 * time.Second

	// DefaultMaxLatency is the average response latency above which a
	// sync peer is abandoned.
	DefaultMaxLatency = 20 * time.Second

	// DefaultLatencyIncrease is added to the latency bound once when every
	// sync peer was too slow.
	DefaultLatencyIncrease = 10 * time.Second

	// DefaultWaitDelay is the time spent waiting after a failed sync.
	DefaultWaitDelay = 30 * time.Second

	// DefaultBlocksPerRequest is the number of block bodies requested by
	// one streaming request.
	DefaultBlocksPerRequest = 500

	// DefaultBanDuration is the ban given to peers sending invalid data or
	// breaking the protocol.
	DefaultBanDuration = 2 * time.Hour

	// DefaultShortBanDuration is the ban given to peers failing to deliver
	// a block they announced.
	DefaultShortBanDuration = 10 * time.Minute

	// DefaultMaxOrphanAncestors is the number of missing ancestors fetched
	// for an orphan block announcement before leaving the gap to a sync.
	DefaultMaxOrphanAncestors = 32
)

// Config is a configuration struct used to initialize a new SyncManager and
// the synchronizers it runs.
type Config struct {
	// Chain is the chain the node synchronizes.  Required.
	Chain *blockchain.BlockChain

	// TxMemPool resolves announced blocks and is kept in line with the
	// chain.  Required.
	TxMemPool *mempool.TxPool

	// ChainParams identifies the network.  Required.
	ChainParams *chaincfg.Params

	// Connector opens sessions to sync peers.  Required.
	Connector peer.Connector

	// BanManager records the bans given to misbehaving peers.  Required.
	BanManager *peer.BanManager

	// Metrics defaults to NopMetrics.
	Metrics *Metrics

	// Observer, when set, is told about every sync stage in addition to
	// the logging and metrics observers.
	Observer SyncObserver

	// TimeSource defaults to time.Now.
	TimeSource func() time.Time

	LivenessInterval   time.Duration
	BehindTolerance    uint64
	LaggingTimeout     time.Duration
	MaxLatency         time.Duration
	LatencyIncrease    time.Duration
	WaitDelay          time.Duration
	HeaderBackoff      uint64
	BlocksPerRequest   uint64
	BanDuration        time.Duration
	ShortBanDuration   time.Duration
	MaxOrphanAncestors int

	// RelayBlocks announces reconciled blocks to the other peers.
	RelayBlocks bool

	normalized bool
}

// DefaultConfig returns a Config carrying the default tunables.  The
// collaborators still have to be set.
func DefaultConfig() Config {
	return Config{
		LivenessInterval:   DefaultLivenessInterval,
		BehindTolerance:    DefaultBehindTolerance,
		LaggingTimeout:     DefaultLaggingTimeout,
		MaxLatency:         DefaultMaxLatency,
		LatencyIncrease:    DefaultLatencyIncrease,
		WaitDelay:          DefaultWaitDelay,
		BlocksPerRequest:   DefaultBlocksPerRequest,
		BanDuration:        DefaultBanDuration,
		ShortBanDuration:   DefaultShortBanDuration,
		MaxOrphanAncestors: DefaultMaxOrphanAncestors,
		RelayBlocks:        true,
	}
}

// normalize fills unset tunables with their defaults.  The latency bound is
// only left at zero, which disables it, when it was disabled on purpose
// through a negative value.
func (cfg *Config) normalize() {
	if cfg.normalized {
		return
	}
	cfg.normalized = true

	def := DefaultConfig()
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	if cfg.TimeSource == nil {
		cfg.TimeSource = time.Now
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = def.LivenessInterval
	}
	if cfg.LaggingTimeout <= 0 {
		cfg.LaggingTimeout = def.LaggingTimeout
	}
	switch {
	case cfg.MaxLatency == 0:
		cfg.MaxLatency = def.MaxLatency
	case cfg.MaxLatency < 0:
		cfg.MaxLatency = 0
	}
	if cfg.LatencyIncrease <= 0 {
		cfg.LatencyIncrease = def.LatencyIncrease
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = def.WaitDelay
	}
	if cfg.HeaderBackoff == 0 {
		cfg.HeaderBackoff = cfg.ChainParams.HeaderBackoff
	}
	if cfg.HeaderBackoff > wire.MaxBlockLocatorHashes {
		cfg.HeaderBackoff = wire.MaxBlockLocatorHashes
	}
	if cfg.BlocksPerRequest == 0 {
		cfg.BlocksPerRequest = def.BlocksPerRequest
	}
	if cfg.BanDuration == 0 {
		cfg.BanDuration = def.BanDuration
	}
	if cfg.ShortBanDuration == 0 {
		cfg.ShortBanDuration = def.ShortBanDuration
	}
	if cfg.MaxOrphanAncestors == 0 {
		cfg.MaxOrphanAncestors = def.MaxOrphanAncestors
	}
}
