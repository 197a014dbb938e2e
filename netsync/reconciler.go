// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/mempool"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
	"golang.org/x/sync/errgroup"
)

// ReconcilingBlocks is the set of announced blocks currently being
// reconciled.  It is shared by everything handling block announcements so
// that a block arriving from several peers is only reconciled once.
type ReconcilingBlocks struct {
	mtx    sync.Mutex
	hashes map[chainhash.Hash]struct{}
}

// NewReconcilingBlocks returns an empty registry.
func NewReconcilingBlocks() *ReconcilingBlocks {
	return &ReconcilingBlocks{hashes: make(map[chainhash.Hash]struct{})}
}

// TryAdd adds hash to the registry.  It returns false when hash is already
// being reconciled.
func (r *ReconcilingBlocks) TryAdd(hash chainhash.Hash) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.hashes[hash]; ok {
		return false
	}
	r.hashes[hash] = struct{}{}
	return true
}

// Remove removes hash from the registry.
func (r *ReconcilingBlocks) Remove(hash chainhash.Hash) {
	r.mtx.Lock()
	delete(r.hashes, hash)
	r.mtx.Unlock()
}

// Contains returns whether hash is being reconciled.
func (r *ReconcilingBlocks) Contains(hash chainhash.Hash) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	_, ok := r.hashes[hash]
	return ok
}

// Len returns the number of blocks being reconciled.
func (r *ReconcilingBlocks) Len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	return len(r.hashes)
}

// RelayFunc announces a block accepted from a peer to the other peers.
type RelayFunc func(from peer.NodeID, msg *wire.MsgNewBlock)

// BlockReconciler turns block announcements into blocks.  Bodies are put
// together from mempool transactions where possible, missing transactions
// are requested from the announcing peer and the full block is only
// downloaded when that does not work out.
type BlockReconciler struct {
	cfg       *Config
	chain     *blockchain.BlockChain
	txMemPool *mempool.TxPool
	registry  *ReconcilingBlocks
	relay     RelayFunc

	bootstrapped atomic.Bool
}

// NewBlockReconciler returns a reconciler registering its work in registry.
// relay may be nil.
func NewBlockReconciler(cfg *Config, registry *ReconcilingBlocks,
	relay RelayFunc) *BlockReconciler {

	cfg.normalize()
	return &BlockReconciler{
		cfg:       cfg,
		chain:     cfg.Chain,
		txMemPool: cfg.TxMemPool,
		registry:  registry,
		relay:     relay,
	}
}

// SetBootstrapped opens or closes the reconciler for announcements.
func (r *BlockReconciler) SetBootstrapped(b bool) {
	r.bootstrapped.Store(b)
}

// IsBootstrapped returns whether announcements are processed.
func (r *BlockReconciler) IsBootstrapped() bool {
	return r.bootstrapped.Load()
}

// HandleNewBlock processes a block announced by from.  Announcements of
// known blocks and of blocks already being reconciled are dropped without
// error.
//
// This function is safe for concurrent access.
func (r *BlockReconciler) HandleNewBlock(ctx context.Context, from peer.NodeID,
	msg *wire.MsgNewBlock) error {

	if !r.IsBootstrapped() {
		return ErrNotBootstrapped
	}

	hash := msg.BlockHash()
	if r.chain.IsBadBlock(&hash) {
		err := &ValidationError{Peer: from, Hash: hash,
			Err: errors.New("block is known to be invalid")}
		r.ban(from, r.cfg.BanDuration, err)
		return err
	}
	have, err := r.chain.HaveBlock(&hash)
	if err != nil {
		return err
	}
	if have {
		log.Tracef("Ignoring announcement of known block %v from %s",
			hash, from)
		return nil
	}
	if msg.Header.Difficulty < r.cfg.ChainParams.MinDifficulty {
		return protocolViolation(from, "announced block %v has difficulty "+
			"%d below the minimum %d", hash, msg.Header.Difficulty,
			r.cfg.ChainParams.MinDifficulty)
	}

	if !r.registry.TryAdd(hash) {
		log.Debugf("Block %v from %s is already being reconciled", hash,
			from)
		return nil
	}
	haveParent, err := r.chain.HaveBlock(&msg.Header.PrevBlock)
	switch {
	case err != nil:
	case !haveParent:
		err = r.handleOrphan(ctx, from, msg)
	default:
		err = r.reconcile(ctx, from, msg)
	}
	r.registry.Remove(hash)
	if err != nil {
		return err
	}

	if r.cfg.RelayBlocks && r.relay != nil {
		r.relay(from, msg)
	}
	return nil
}

// reconcile rebuilds the announced block from the mempool and commits it.
// Bodies are only put together for blocks extending the block tip, side
// chain blocks are downloaded in full.
func (r *BlockReconciler) reconcile(ctx context.Context, from peer.NodeID,
	msg *wire.MsgNewBlock) error {

	hash := msg.BlockHash()
	if msg.Header.PrevBlock != r.chain.BlockTip().Hash {
		return r.fetchAndCommit(ctx, from, msg)
	}

	found, missing := r.txMemPool.FetchTransactions(msg.ExcessSigs)
	if len(missing) > 0 {
		log.Debugf("Requesting %d transactions of block %v from %s",
			len(missing), hash, from)
		fetched, err := r.fetchTransactions(ctx, from, missing)
		if err != nil {
			var connErr *ConnectivityError
			if !errors.As(err, &connErr) {
				r.ban(from, r.cfg.BanDuration, err)
				return err
			}
			log.Debugf("Unable to fetch transactions of block %v: %v",
				hash, err)
			return r.fetchAndCommit(ctx, from, msg)
		}
		r.txMemPool.Insert(fetched)
		found = append(found, fetched...)
	}

	block := assembleBlock(msg, found)
	if len(block.Body.Kernels) != len(msg.CoinbaseKernels)+len(msg.ExcessSigs) {
		log.Debugf("Transactions of block %v carry extra kernels, "+
			"fetching it in full", hash)
		return r.fetchAndCommit(ctx, from, msg)
	}

	err := commitBlock(r.chain, block)
	switch {
	case err == nil:
		r.cfg.Metrics.ReconciledBlocks.Add(1)
		log.Infof("Reconciled block %v (height %d, %d transactions) from "+
			"the mempool", hash, msg.Header.Height, len(found))
		return nil

	case blockchain.IsErrorCode(err, blockchain.ErrDuplicateBlock):
		return nil

	case blockchain.IsPermanentFailure(err):
		verr := &ValidationError{Peer: from, Hash: hash, Err: err}
		r.ban(from, r.cfg.BanDuration, verr)
		return verr

	case blockchain.IsRuleError(err):
		// The assembled body is not the one the header commits to.
		log.Debugf("Reconstructed block %v does not validate (%v), "+
			"fetching it in full", hash, err)
		return r.fetchAndCommit(ctx, from, msg)

	default:
		return err
	}
}

// assembleBlock puts the coinbase of msg and txs together into a block in
// canonical order.
func assembleBlock(msg *wire.MsgNewBlock, txs []*wire.MsgTx) *wire.MsgBlock {
	block := &wire.MsgBlock{Header: msg.Header}
	block.Body.Outputs = append(block.Body.Outputs, msg.CoinbaseOutputs...)
	block.Body.Kernels = append(block.Body.Kernels, msg.CoinbaseKernels...)
	for _, tx := range txs {
		block.Body.Add(&tx.AggregateBody)
	}
	block.Body.Sort()
	return block
}

// fetchTransactions requests the transactions carrying the missing kernels
// from id.  Requests are split into chunks sent concurrently over one
// session.
func (r *BlockReconciler) fetchTransactions(ctx context.Context, id peer.NodeID,
	missing []wire.ExcessSig) ([]*wire.MsgTx, error) {

	session, err := r.cfg.Connector.Connect(ctx, id)
	if err != nil {
		return nil, &ConnectivityError{Peer: id, Err: err}
	}
	defer session.Close()

	wanted := make(map[wire.ExcessSig]struct{}, len(missing))
	for _, sig := range missing {
		wanted[sig] = struct{}{}
	}

	var (
		mtx     sync.Mutex
		fetched []*wire.MsgTx
	)
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(missing); start += wire.MaxTxPerRequest {
		end := start + wire.MaxTxPerRequest
		if end > len(missing) {
			end = len(missing)
		}
		req := &wire.MsgGetTransactions{ExcessSigs: missing[start:end]}
		g.Go(func() error {
			resp, err := session.RequestRPC(gctx, req)
			if err != nil {
				return requestError(id, err)
			}
			m, ok := resp.(*wire.MsgTransactions)
			if !ok {
				return unexpectedMessage(id, resp, req)
			}
			mtx.Lock()
			defer mtx.Unlock()
			for i := range m.Txs {
				tx := &m.Txs[i]
				if !carriesWanted(tx, wanted) {
					return protocolViolation(id, "sent an unrequested "+
						"transaction")
				}
				fetched = append(fetched, tx)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, tx := range fetched {
		for _, sig := range tx.ExcessSigs() {
			delete(wanted, sig)
		}
	}
	if len(wanted) > 0 {
		return nil, &ConnectivityError{Peer: id, Err: errors.New("peer " +
			"does not have every transaction of the block")}
	}
	return fetched, nil
}

func carriesWanted(tx *wire.MsgTx, wanted map[wire.ExcessSig]struct{}) bool {
	for i := range tx.Kernels {
		if _, ok := wanted[tx.Kernels[i].ExcessSig]; ok {
			return true
		}
	}
	return false
}

// fetchAndCommit downloads the announced block from id and commits it.
func (r *BlockReconciler) fetchAndCommit(ctx context.Context, id peer.NodeID,
	msg *wire.MsgNewBlock) error {

	r.cfg.Metrics.ReconcileFallbacks.Add(1)
	block, err := r.fetchBlock(ctx, id, msg.BlockHash())
	if err != nil {
		r.punishFetch(id, err)
		return err
	}
	return r.commitFetched(id, block)
}

// handleOrphan downloads an announced block with an unknown parent along
// with its missing ancestors and commits them oldest first.  The walk back
// is bounded, a longer gap is left to the next sync and the fetched blocks
// are kept as orphans.
func (r *BlockReconciler) handleOrphan(ctx context.Context, from peer.NodeID,
	msg *wire.MsgNewBlock) error {

	hash := msg.BlockHash()
	log.Debugf("Block %v announced by %s is an orphan, fetching it with its "+
		"ancestors", hash, from)

	r.cfg.Metrics.ReconcileFallbacks.Add(1)
	var pending []*wire.MsgBlock
	for {
		block, err := r.fetchBlock(ctx, from, hash)
		if err != nil {
			r.punishFetch(from, err)
			return err
		}
		pending = append(pending, block)

		hash = block.Header.PrevBlock
		have, err := r.chain.HaveBlock(&hash)
		if err != nil {
			return err
		}
		if have {
			break
		}
		if len(pending) > r.cfg.MaxOrphanAncestors {
			log.Infof("Gave up on ancestors of orphan block %v from %s "+
				"after %d blocks", msg.BlockHash(), from,
				r.cfg.MaxOrphanAncestors)
			break
		}
	}

	for i := len(pending) - 1; i >= 0; i-- {
		if err := r.commitFetched(from, pending[i]); err != nil {
			return err
		}
	}
	return nil
}

// fetchBlock requests the full block with the given hash from id.
func (r *BlockReconciler) fetchBlock(ctx context.Context, id peer.NodeID,
	hash chainhash.Hash) (*wire.MsgBlock, error) {

	session, err := r.cfg.Connector.Connect(ctx, id)
	if err != nil {
		return nil, &ConnectivityError{Peer: id, Err: err}
	}
	defer session.Close()

	req := &wire.MsgGetBlock{Hash: hash}
	resp, err := session.RequestRPC(ctx, req)
	if err != nil {
		return nil, requestError(id, err)
	}
	block, ok := resp.(*wire.MsgBlock)
	if !ok {
		return nil, unexpectedMessage(id, resp, req)
	}
	if block.BlockHash() != hash {
		return nil, protocolViolation(id, "sent block %v in place of %v",
			block.BlockHash(), hash)
	}
	return block, nil
}

// commitFetched commits a block downloaded in full from id.
func (r *BlockReconciler) commitFetched(id peer.NodeID, block *wire.MsgBlock) error {
	err := commitBlock(r.chain, block)
	if err == nil || blockchain.IsErrorCode(err, blockchain.ErrDuplicateBlock) {
		log.Infof("Accepted block %v (height %d) from %s",
			block.BlockHash(), block.Header.Height, id)
		return nil
	}
	err = blockError(id, block, err)
	var verr *ValidationError
	if errors.As(err, &verr) && !verr.Ambiguous {
		r.ban(id, r.cfg.BanDuration, err)
	}
	return err
}

// punishFetch bans a peer failing to deliver a block it announced.  Failing
// to answer earns a short ban, answering with garbage a permanent one.
func (r *BlockReconciler) punishFetch(id peer.NodeID, err error) {
	var (
		connErr  *ConnectivityError
		protoErr *ProtocolViolationError
	)
	switch {
	case errors.As(err, &connErr):
		r.ban(id, r.cfg.ShortBanDuration, err)
	case errors.As(err, &protoErr):
		r.ban(id, peer.PermanentBan, err)
	}
}

func (r *BlockReconciler) ban(id peer.NodeID, d time.Duration, err error) {
	r.cfg.BanManager.BanPeer(id, d, err.Error())
	r.cfg.Metrics.BannedPeers.Add(1)
	log.Warnf("Banned peer %s: %v", id, err)
}
