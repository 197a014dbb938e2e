// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"errors"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/utreexo/horizond/wire"
)

// These variables are the chain proof-of-work limit parameters for each default
// network.
var (
	// bigOne is 1 represented as a big.Int.  It is defined here to avoid
	// the overhead of creating it multiple times.
	bigOne = big.NewInt(1)

	// powLimit is the easiest target a block hash can be checked against.
	// It is the value 2^256 - 1 on every network, networks differ in their
	// minimum difficulty instead.
	powLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 256), bigOne)
)

// Network identifies the network a node is running on.
type Network uint32

// Constants used to indicate the network.
const (
	MainNet       Network = 0x48525a4d
	TestNet       Network = 0x48525a54
	RegressionNet Network = 0x48525a52
)

// Params defines a network by its consensus parameters.
type Params struct {
	// Name defines a human-readable identifier for the network.
	Name string

	// Net defines the network identifier.
	Net Network

	// DefaultPort defines the default peer-to-peer port for the network.
	DefaultPort string

	// GenesisHeader defines the first header of the chain.  The genesis
	// block has an empty body.
	GenesisHeader *wire.BlockHeader

	// GenesisHash is the hash of the genesis header.
	GenesisHash *chainhash.Hash

	// PowLimit defines the target corresponding to a difficulty of one.
	PowLimit *big.Int

	// MinDifficulty is the lowest difficulty a header may declare.
	MinDifficulty uint64

	// MedianTimeBlocks is the number of previous blocks whose median
	// timestamp a new block must exceed.
	MedianTimeBlocks int

	// MaxFutureBlockTime is how far ahead of the local clock a block
	// timestamp may be.
	MaxFutureBlockTime time.Duration

	// MaxBlockWeight is the maximum body weight of a block.
	MaxBlockWeight uint64

	// MaxScriptSize is the maximum size of an output script.
	MaxScriptSize int

	// CoinbaseLockHeight is the number of blocks a coinbase output must be
	// buried before it can be spent.
	CoinbaseLockHeight uint64

	// DefaultPruningHorizon is the pruning horizon used when a pruned node
	// is requested without an explicit horizon.
	DefaultPruningHorizon uint64

	// HeaderBackoff is the number of local headers sent when looking for
	// the split point with a peer.
	HeaderBackoff uint64
}

// CalcTarget returns the target a block hash must not exceed for the given
// difficulty.
func (p *Params) CalcTarget(difficulty uint64) *big.Int {
	if difficulty == 0 {
		return new(big.Int).Set(p.PowLimit)
	}
	return new(big.Int).Div(p.PowLimit, new(big.Int).SetUint64(difficulty))
}

// AchievedDifficulty returns the difficulty actually achieved by hash.  A
// header is valid only if it achieves at least its declared difficulty.
func (p *Params) AchievedDifficulty(hash *chainhash.Hash) uint64 {
	n := HashToBig(hash)
	if n.Sign() == 0 {
		return ^uint64(0)
	}
	d := new(big.Int).Div(p.PowLimit, n)
	if !d.IsUint64() {
		return ^uint64(0)
	}
	return d.Uint64()
}

// HashToBig converts a chainhash.Hash into a big.Int that can be used to
// perform math comparisons.
func HashToBig(hash *chainhash.Hash) *big.Int {
	// A Hash is in little-endian, but the big package wants the bytes in
	// big-endian, so reverse them.
	buf := *hash
	blen := len(buf)
	for i := 0; i < blen/2; i++ {
		buf[i], buf[blen-1-i] = buf[blen-1-i], buf[i]
	}

	return new(big.Int).SetBytes(buf[:])
}

func genesisHeader(ts int64, difficulty uint64) *wire.BlockHeader {
	return &wire.BlockHeader{
		Version:    1,
		Height:     0,
		Timestamp:  time.Unix(ts, 0),
		Difficulty: difficulty,
	}
}

func hashOf(h *wire.BlockHeader) *chainhash.Hash {
	hash := h.BlockHash()
	return &hash
}

var (
	mainGenesisHeader    = genesisHeader(1704067200, 1)
	testGenesisHeader    = genesisHeader(1704067201, 1)
	regtestGenesisHeader = genesisHeader(1704067202, 1)
)

// MainNetParams defines the network parameters for the main network.
var MainNetParams = Params{
	Name:        "mainnet",
	Net:         MainNet,
	DefaultPort: "18141",

	GenesisHeader: mainGenesisHeader,
	GenesisHash:   hashOf(mainGenesisHeader),

	PowLimit:              powLimit,
	MinDifficulty:         1 << 16,
	MedianTimeBlocks:      11,
	MaxFutureBlockTime:    2 * time.Hour,
	MaxBlockWeight:        19500,
	MaxScriptSize:         2048,
	CoinbaseLockHeight:    720,
	DefaultPruningHorizon: 2880,
	HeaderBackoff:         500,
}

// TestNetParams defines the network parameters for the test network.
var TestNetParams = Params{
	Name:        "testnet",
	Net:         TestNet,
	DefaultPort: "18151",

	GenesisHeader: testGenesisHeader,
	GenesisHash:   hashOf(testGenesisHeader),

	PowLimit:              powLimit,
	MinDifficulty:         1 << 8,
	MedianTimeBlocks:      11,
	MaxFutureBlockTime:    2 * time.Hour,
	MaxBlockWeight:        19500,
	MaxScriptSize:         2048,
	CoinbaseLockHeight:    6,
	DefaultPruningHorizon: 1000,
	HeaderBackoff:         500,
}

// RegressionNetParams defines the network parameters for the regression test
// network.  Any hash satisfies a difficulty of one so blocks are free to mine.
var RegressionNetParams = Params{
	Name:        "regtest",
	Net:         RegressionNet,
	DefaultPort: "18161",

	GenesisHeader: regtestGenesisHeader,
	GenesisHash:   hashOf(regtestGenesisHeader),

	PowLimit:              powLimit,
	MinDifficulty:         1,
	MedianTimeBlocks:      11,
	MaxFutureBlockTime:    2 * time.Hour,
	MaxBlockWeight:        19500,
	MaxScriptSize:         2048,
	CoinbaseLockHeight:    1,
	DefaultPruningHorizon: 20,
	HeaderBackoff:         500,
}

var (
	// ErrDuplicateNet describes an error where the parameters for a network
	// could not be set due to the network already being a standard
	// network or previously-registered into this package.
	ErrDuplicateNet = errors.New("duplicate network")

	// ErrUnknownNet is returned when looking up parameters for a network
	// that was never registered.
	ErrUnknownNet = errors.New("unknown network")
)

var registeredNets = make(map[string]*Params)

// Register registers the network parameters for a network.  This may error
// with ErrDuplicateNet if the network is already registered.
func Register(params *Params) error {
	if _, ok := registeredNets[params.Name]; ok {
		return ErrDuplicateNet
	}
	registeredNets[params.Name] = params
	return nil
}

// ParamsForName returns the registered parameters of the named network.
func ParamsForName(name string) (*Params, error) {
	params, ok := registeredNets[name]
	if !ok {
		return nil, ErrUnknownNet
	}
	return params, nil
}

// mustRegister performs the same function as Register except it panics if there
// is an error.  This should only be called from package init functions.
func mustRegister(params *Params) {
	if err := Register(params); err != nil {
		panic("failed to register network: " + err.Error())
	}
}

func init() {
	// Register all default networks when the package is initialized.
	mustRegister(&MainNetParams)
	mustRegister(&TestNetParams)
	mustRegister(&RegressionNetParams)
}
