// Copyright (c) 2016-2017 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package chaingen provides facilities for generating valid chains of blocks.

A Generator keeps the kernel and output accumulators, the deletion bitmap
and the spendable outputs of the chain it builds.  Every block it produces
carries valid proof of work, canonical bodies, signed kernels, output proofs
and the MMR roots the chain expects.  Blocks are named so that tests can
fork from any earlier block with SetTip.
*/
package chaingen

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/chaincfg"
	"github.com/utreexo/horizond/wire"
)

// BlockInterval is the timestamp distance between generated blocks.
const BlockInterval = time.Minute

// SpendableOut is an unspent output of the generated chain.
type SpendableOut struct {
	Position uint64
	Output   wire.TxOutput
	Hash     chainhash.Hash
}

// genState is the chain state after a generated block.
type genState struct {
	header  wire.BlockHeader
	hash    chainhash.Hash
	kernels *blockchain.MerkleMountainRange
	outputs *blockchain.MerkleMountainRange
	deleted *blockchain.Bitmap
	utxos   map[chainhash.Hash]*SpendableOut
}

func (s *genState) copy() *genState {
	utxos := make(map[chainhash.Hash]*SpendableOut, len(s.utxos))
	for h, u := range s.utxos {
		utxos[h] = u
	}
	return &genState{
		header:  s.header,
		hash:    s.hash,
		kernels: s.kernels.Copy(),
		outputs: s.outputs.Copy(),
		deleted: s.deleted.Copy(),
		utxos:   utxos,
	}
}

// Generator houses the state used to generate chains of blocks.
type Generator struct {
	params *chaincfg.Params

	tip       *genState
	tipName   string
	blocks    map[chainhash.Hash]*wire.MsgBlock
	names     map[string]*wire.MsgBlock
	snapshots map[string]*genState

	// Difficulty is the difficulty declared by the next blocks.  It
	// defaults to the minimum difficulty of the network.
	Difficulty uint64

	keyCounter uint64
	keys       map[wire.Commitment]*btcec.PrivateKey
}

// NewGenerator returns a generator positioned at the genesis block of the
// given network.  The genesis block is named "genesis".
func NewGenerator(params *chaincfg.Params) *Generator {
	genesis := &wire.MsgBlock{Header: *params.GenesisHeader}
	state := &genState{
		header:  genesis.Header,
		hash:    *params.GenesisHash,
		kernels: blockchain.NewMerkleMountainRange(),
		outputs: blockchain.NewMerkleMountainRange(),
		deleted: blockchain.NewBitmap(0),
		utxos:   make(map[chainhash.Hash]*SpendableOut),
	}
	return &Generator{
		params:     params,
		tip:        state,
		tipName:    "genesis",
		blocks:     map[chainhash.Hash]*wire.MsgBlock{state.hash: genesis},
		names:      map[string]*wire.MsgBlock{"genesis": genesis},
		snapshots:  map[string]*genState{"genesis": state.copy()},
		Difficulty: params.MinDifficulty,
		keys:       make(map[wire.Commitment]*btcec.PrivateKey),
	}
}

// Params returns the network parameters the generator builds for.
func (g *Generator) Params() *chaincfg.Params {
	return g.params
}

// Tip returns the block at the tip of the generator.
func (g *Generator) Tip() *wire.MsgBlock {
	return g.blocks[g.tip.hash]
}

// TipName returns the name of the block at the tip of the generator.
func (g *Generator) TipName() string {
	return g.tipName
}

// BlockByName returns the block generated under the given name.  It panics
// for unknown names since that is a bug in the calling test.
func (g *Generator) BlockByName(name string) *wire.MsgBlock {
	block, ok := g.names[name]
	if !ok {
		panic(fmt.Sprintf("block name %s does not exist", name))
	}
	return block
}

// BlockByHash returns the generated block with the given hash.
func (g *Generator) BlockByHash(hash *chainhash.Hash) *wire.MsgBlock {
	return g.blocks[*hash]
}

// SetTip changes the tip of the generator to the named block so that the
// next block forks from it.
func (g *Generator) SetTip(name string) {
	state, ok := g.snapshots[name]
	if !ok {
		panic(fmt.Sprintf("tip block name %s does not exist", name))
	}
	g.tip = state.copy()
	g.tipName = name
}

// SpendableOuts returns the unspent outputs of the tip ordered by MMR
// position.
func (g *Generator) SpendableOuts() []*SpendableOut {
	outs := make([]*SpendableOut, 0, len(g.tip.utxos))
	for _, u := range g.tip.utxos {
		outs = append(outs, u)
	}
	sort.Slice(outs, func(i, j int) bool {
		return outs[i].Position < outs[j].Position
	})
	return outs
}

// KernelMMR returns a copy of the kernel MMR at the tip.
func (g *Generator) KernelMMR() *blockchain.MerkleMountainRange {
	return g.tip.kernels.Copy()
}

// OutputMMR returns a copy of the output MMR at the tip.
func (g *Generator) OutputMMR() *blockchain.MerkleMountainRange {
	return g.tip.outputs.Copy()
}

// DeletedBitmap returns a copy of the deletion bitmap at the tip.
func (g *Generator) DeletedBitmap() *blockchain.Bitmap {
	return g.tip.deleted.Copy()
}

// nextKey deterministically derives a fresh private key.
func (g *Generator) nextKey() *btcec.PrivateKey {
	g.keyCounter++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], g.keyCounter)
	digest := sha256.Sum256(append([]byte("chaingen"), seed[:]...))
	priv, _ := btcec.PrivKeyFromBytes(digest[:])
	return priv
}

// newOutput creates an output owned by a fresh key along with its proof.
func (g *Generator) newOutput(features wire.OutputFeatures, script []byte) (*SpendableOut, error) {
	key := g.nextKey()
	out := wire.TxOutput{Features: features, Script: script}
	copy(out.Commitment[:], key.PubKey().SerializeCompressed())
	g.keys[out.Commitment] = key
	msg := out.ProofMessage()
	sig, err := schnorr.Sign(key, msg[:])
	if err != nil {
		return nil, err
	}
	out.Proof = sig.Serialize()
	return &SpendableOut{Output: out, Hash: out.Hash()}, nil
}

// ReuseCommitment returns a new output with the commitment of an output
// the generator created earlier, carrying a valid proof.
func (g *Generator) ReuseCommitment(c wire.Commitment, script []byte) (wire.TxOutput, error) {
	key, ok := g.keys[c]
	if !ok {
		return wire.TxOutput{}, fmt.Errorf("commitment %v was not created "+
			"by the generator", c)
	}
	out := wire.TxOutput{Commitment: c, Script: script}
	msg := out.ProofMessage()
	sig, err := schnorr.Sign(key, msg[:])
	if err != nil {
		return out, err
	}
	out.Proof = sig.Serialize()
	return out, nil
}

// newKernel creates a kernel signed by a fresh excess key.
func (g *Generator) newKernel(features wire.KernelFeatures, fee btcutil.Amount) (wire.TxKernel, error) {
	key := g.nextKey()
	k := wire.TxKernel{Features: features, Fee: fee}
	copy(k.Excess[:], schnorr.SerializePubKey(key.PubKey()))
	msg := k.SigMessage()
	sig, err := schnorr.Sign(key, msg[:])
	if err != nil {
		return k, err
	}
	copy(k.ExcessSig[:], sig.Serialize())
	return k, nil
}

// CreateSpendTx returns a transaction spending the given outputs into as
// many fresh outputs, with a single kernel paying fee.
func (g *Generator) CreateSpendTx(fee btcutil.Amount, spends ...*SpendableOut) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	for _, spend := range spends {
		tx.Inputs = append(tx.Inputs, wire.TxInput{
			OutputHash: spend.Hash,
			Commitment: spend.Output.Commitment,
		})
		out, err := g.newOutput(wire.OutputFeatureDefault, []byte{0x51})
		if err != nil {
			return nil, err
		}
		tx.Outputs = append(tx.Outputs, out.Output)
	}
	k, err := g.newKernel(wire.KernelFeatureDefault, fee)
	if err != nil {
		return nil, err
	}
	tx.Kernels = append(tx.Kernels, k)
	tx.Sort()
	return tx, nil
}

// NextBlock builds a block on top of the tip containing a coinbase and the
// given transactions, mines it and makes it the new tip under name.
// Munge functions run on the block before its header commitments are
// computed so tests can craft invalid bodies with otherwise valid headers.
func (g *Generator) NextBlock(name string, txs []*wire.MsgTx,
	mungers ...func(*wire.MsgBlock)) (*wire.MsgBlock, error) {

	if _, ok := g.names[name]; ok {
		return nil, fmt.Errorf("block name %s already exists", name)
	}

	height := g.tip.header.Height + 1
	cbScript := make([]byte, 8)
	binary.BigEndian.PutUint64(cbScript, height)
	cb, err := g.newOutput(wire.OutputFeatureCoinbase, cbScript)
	if err != nil {
		return nil, err
	}
	cbKernel, err := g.newKernel(wire.KernelFeatureCoinbase, 0)
	if err != nil {
		return nil, err
	}

	block := &wire.MsgBlock{}
	block.Body.Outputs = []wire.TxOutput{cb.Output}
	block.Body.Kernels = []wire.TxKernel{cbKernel}
	for _, tx := range txs {
		block.Body.Add(&tx.AggregateBody)
	}
	block.Body.Sort()
	for _, munge := range mungers {
		munge(block)
	}

	state := g.tip.copy()
	for i := range block.Body.Inputs {
		in := &block.Body.Inputs[i]
		if spent, ok := state.utxos[in.OutputHash]; ok {
			state.deleted.Resize(state.outputs.NumLeaves())
			state.deleted.Set(spent.Position)
			delete(state.utxos, in.OutputHash)
		}
	}

	for i := range block.Body.Outputs {
		out := &block.Body.Outputs[i]
		h := out.Hash()
		pos := state.outputs.NumLeaves()
		if err := state.outputs.Add(h); err != nil {
			return nil, err
		}
		state.utxos[h] = &SpendableOut{Position: pos, Output: *out, Hash: h}
	}
	state.deleted.Resize(state.outputs.NumLeaves())
	for i := range block.Body.Kernels {
		if err := state.kernels.Add(block.Body.Kernels[i].Hash()); err != nil {
			return nil, err
		}
	}

	ts := g.params.GenesisHeader.Timestamp.Add(time.Duration(height) * BlockInterval)
	if !ts.After(g.tip.header.Timestamp) {
		ts = g.tip.header.Timestamp.Add(BlockInterval)
	}
	block.Header = wire.BlockHeader{
		Version:       1,
		Height:        height,
		PrevBlock:     g.tip.hash,
		Timestamp:     ts,
		OutputMMRRoot: blockchain.OutputMMRRoot(state.outputs, state.deleted),
		OutputMMRSize: state.outputs.NumLeaves(),
		KernelMMRRoot: state.kernels.Root(),
		KernelMMRSize: state.kernels.NumLeaves(),
		Difficulty:    g.Difficulty,
	}
	g.solve(&block.Header)

	state.header = block.Header
	state.hash = block.BlockHash()
	g.tip = state
	g.tipName = name
	g.blocks[state.hash] = block
	g.names[name] = block
	g.snapshots[name] = state.copy()
	return block, nil
}

// solve increments the nonce until the header hash achieves its declared
// difficulty.
func (g *Generator) solve(header *wire.BlockHeader) {
	for {
		hash := header.BlockHash()
		if g.params.AchievedDifficulty(&hash) >= header.Difficulty {
			return
		}
		header.Nonce++
	}
}
