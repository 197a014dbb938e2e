// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"fmt"
	"sync"
	"testing"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/blockchain/chaingen"
	"github.com/utreexo/horizond/chaincfg"
	"github.com/utreexo/horizond/mempool"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

var testParams = &chaincfg.RegressionNetParams

// testNode is a node of a local test network: a chain, a mempool following
// it and the service answering requests from both.
type testNode struct {
	t     *testing.T
	id    peer.NodeID
	chain *blockchain.BlockChain
	pool  *mempool.TxPool

	service *Service

	mtx      sync.Mutex
	requests map[string]int
}

// newTestChain returns an in-memory chain and a mempool on top of it.
func newTestChain(t *testing.T, horizon uint64) (*blockchain.BlockChain, *mempool.TxPool) {
	t.Helper()

	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	chain, err := blockchain.New(&blockchain.Config{
		DB:             db,
		ChainParams:    testParams,
		PruningHorizon: horizon,
	})
	require.NoError(t, err)

	pool := mempool.New(&mempool.Config{
		ChainParams: testParams,
		Chain:       chain,
	})
	return chain, pool
}

func newTestNode(t *testing.T, net *peer.LocalNetwork, name string,
	horizon uint64) *testNode {

	t.Helper()

	chain, pool := newTestChain(t, horizon)
	chain.Subscribe(pool.HandleChainNotification)

	n := &testNode{
		t:        t,
		id:       libp2ppeer.ID(name),
		chain:    chain,
		pool:     pool,
		requests: make(map[string]int),
	}
	n.service = NewService(n.config(net, peer.NewBanManager(nil)), nil)
	net.Register(n.id, peer.HandlerFunc(n.handleRequest))
	return n
}

// handleRequest counts the requests by command before serving them.
func (n *testNode) handleRequest(ctx context.Context, from peer.NodeID,
	req wire.Message, send func(wire.Message) error) error {

	n.mtx.Lock()
	n.requests[req.Command()]++
	n.mtx.Unlock()
	return n.service.HandleRequest(ctx, from, req, send)
}

func (n *testNode) requestCount(cmd string) int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.requests[cmd]
}

// config returns a sync configuration for n dialing through net.
func (n *testNode) config(net *peer.LocalNetwork, bans *peer.BanManager) *Config {
	cfg := DefaultConfig()
	cfg.Chain = n.chain
	cfg.TxMemPool = n.pool
	cfg.ChainParams = testParams
	cfg.Connector = net.Connector(n.id)
	cfg.BanManager = bans
	return &cfg
}

// accept connects blocks in order.
func (n *testNode) accept(blocks ...*wire.MsgBlock) {
	n.t.Helper()
	for _, block := range blocks {
		_, isOrphan, err := n.chain.ProcessBlock(block)
		require.NoError(n.t, err, "block at height %d", block.Header.Height)
		require.False(n.t, isOrphan)
	}
}

// syncPeer returns a sync peer advertising the current metadata of n.
func (n *testNode) syncPeer() *peer.SyncPeer {
	return peer.NewSyncPeer(n.id, n.chain.ChainMetadata())
}

// mine generates count blocks named prefix1..prefixN on top of the
// generator tip.  Transactions in txs go into the first block.
func mine(t *testing.T, g *chaingen.Generator, prefix string, count int,
	txs ...*wire.MsgTx) []*wire.MsgBlock {

	t.Helper()
	blocks := make([]*wire.MsgBlock, 0, count)
	for i := 1; i <= count; i++ {
		block, err := g.NextBlock(fmt.Sprintf("%s%d", prefix, i), txs)
		require.NoError(t, err)
		blocks = append(blocks, block)
		txs = nil
	}
	return blocks
}

// spendTx returns a transaction spending out.
func spendTx(t *testing.T, g *chaingen.Generator, out *chaingen.SpendableOut) *wire.MsgTx {
	t.Helper()
	tx, err := g.CreateSpendTx(100, out)
	require.NoError(t, err)
	return tx
}

// recordingObserver remembers the sync stages it was told about.
type recordingObserver struct {
	mtx       sync.Mutex
	started   []SyncType
	completed map[SyncType]error
	progress  int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{completed: make(map[SyncType]error)}
}

func (o *recordingObserver) OnStarting(typ SyncType, _ peer.NodeID) {
	o.mtx.Lock()
	o.started = append(o.started, typ)
	o.mtx.Unlock()
}

func (o *recordingObserver) OnProgress(ProgressEvent) {
	o.mtx.Lock()
	o.progress++
	o.mtx.Unlock()
}

func (o *recordingObserver) OnComplete(typ SyncType, err error) {
	o.mtx.Lock()
	o.completed[typ] = err
	o.mtx.Unlock()
}
