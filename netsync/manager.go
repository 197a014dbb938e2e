// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/mempool"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
	"golang.org/x/sync/errgroup"
)

const (
	// msgChanSize is the number of peer and announcement messages that
	// can be queued for the block handler.
	msgChanSize = 256

	// maxConcurrentReconciles is the number of block announcements
	// reconciled at the same time.  Announcements arriving while all
	// slots are taken are dropped, a later sync picks the block up.
	maxConcurrentReconciles = 8

	// maxRelayPeers is the number of peers a block is announced to at the
	// same time.
	maxRelayPeers = 8

	// relayTimeout bounds the announcement of a block to one peer.
	relayTimeout = 30 * time.Second
)

// newPeerMsg signifies a newly connected peer to the block handler.
type newPeerMsg struct {
	id      peer.NodeID
	claimed wire.ChainMetadata
}

// donePeerMsg signifies a newly disconnected peer to the block handler.
type donePeerMsg struct {
	id peer.NodeID
}

// newBlockMsg packages a block announcement and the peer it came from.
type newBlockMsg struct {
	from peer.NodeID
	msg  *wire.MsgNewBlock
}

// SyncManager drives the node from wherever its chain is to the best chain
// of its peers.  The SyncManager is started by executing Start().  Once
// started, it monitors the chain metadata of the connected peers, runs the
// sync state machine whenever the node falls behind and reconciles the
// blocks announced by peers once the initial sync completed.
type SyncManager struct {
	started  int32
	shutdown int32

	cfg            *Config
	chain          *blockchain.BlockChain
	txMemPool      *mempool.TxPool
	monitor        *ChainMetadataMonitor
	registry       *ReconcilingBlocks
	reconciler     *BlockReconciler
	observer       SyncObserver
	progressLogger *blockProgressLogger
	msgChan        chan interface{}
	reconcileSem   chan struct{}
	wg             sync.WaitGroup
	quit           chan struct{}
	ctx            context.Context
	cancel         context.CancelFunc

	stateMtx sync.Mutex
	state    syncState
}

// blockHandler is the main handler for the sync manager.  It must be run as a
// goroutine.  It processes peer and block announcement messages in a
// separate goroutine from the peer handlers so the reconciliation of
// announced blocks never holds up the transport.
func (sm *SyncManager) blockHandler() {
out:
	for {
		select {
		case m := <-sm.msgChan:
			switch msg := m.(type) {
			case *newPeerMsg:
				sm.monitor.AddPeer(msg.id, msg.claimed)

			case *donePeerMsg:
				sm.monitor.RemovePeer(msg.id)

			case *newBlockMsg:
				sm.handleNewBlockMsg(msg)

			default:
				log.Warnf("Invalid message type in block "+
					"handler: %T", msg)
			}

		case <-sm.quit:
			break out
		}
	}

	sm.wg.Done()
	log.Trace("Block handler done")
}

// handleNewBlockMsg reconciles an announced block in its own goroutine.
func (sm *SyncManager) handleNewBlockMsg(msg *newBlockMsg) {
	hash := msg.msg.BlockHash()
	select {
	case sm.reconcileSem <- struct{}{}:
	default:
		log.Debugf("Dropping announcement of block %v from %s: too "+
			"many blocks in reconciliation", hash, msg.from)
		return
	}

	sm.wg.Add(1)
	go func() {
		defer func() {
			<-sm.reconcileSem
			sm.wg.Done()
		}()

		err := sm.reconciler.HandleNewBlock(sm.ctx, msg.from, msg.msg)
		var verr *ValidationError
		switch {
		case err == nil:
		case errors.Is(err, ErrNotBootstrapped):
			log.Debugf("Ignoring announcement of block %v from %s: %v",
				hash, msg.from, err)
		case errors.Is(err, context.Canceled):
		case errors.As(err, &verr):
			log.Infof("Rejected block %v announced by %s: %v", hash,
				msg.from, err)
		default:
			log.Warnf("Unable to reconcile block %v announced by %s: %v",
				hash, msg.from, err)
		}
	}()
}

// syncHandler runs the sync state machine until the manager stops.  It must
// be run as a goroutine.
func (sm *SyncManager) syncHandler() {
	defer sm.wg.Done()

	var state syncState = stateStarting{}
	sm.setState(state)
	for {
		ev, peers, err := sm.runState(sm.ctx, state)
		if err != nil {
			break
		}
		next := nextState(state, ev, peers)
		log.Debugf("Sync state %v -> %v on %v", state, next, ev)
		state = next
		sm.setState(state)
	}
	log.Trace("Sync handler done")
}

func (sm *SyncManager) setState(state syncState) {
	sm.stateMtx.Lock()
	sm.state = state
	sm.stateMtx.Unlock()
	sm.cfg.Metrics.SyncState.Set(float64(state.code()))
}

// runState runs state to completion and returns the event it ends with.
// An error is only returned once ctx is done.
func (sm *SyncManager) runState(ctx context.Context,
	state syncState) (StateEvent, []*peer.SyncPeer, error) {

	switch s := state.(type) {
	case stateStarting:
		return Continue, nil, nil

	case stateListening:
		select {
		case peers := <-sm.monitor.FallenBehind():
			return FallenBehind, peers, nil
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}

	case stateHeaderSync:
		needsBodies, err := NewHeaderSynchronizer(sm.cfg, s.peers,
			sm.observer).Synchronize(ctx)
		switch {
		case ctx.Err() != nil:
			return 0, nil, ctx.Err()
		case err != nil:
			return HeaderSyncFailed, nil, nil
		case !needsBodies:
			sm.setBootstrapped()
			return Continue, nil, nil
		}
		return HeadersSynchronized, nil, nil

	case stateDecideNextSync:
		ev, err := sm.decideNextSync()
		if err != nil {
			log.Errorf("Unable to decide the next sync: %v", err)
			return Continue, nil, nil
		}
		return ev, nil, nil

	case stateHorizonSync:
		err := NewHorizonSynchronizer(sm.cfg, s.peers,
			sm.observer).Synchronize(ctx)
		switch {
		case ctx.Err() != nil:
			return 0, nil, ctx.Err()
		case err != nil:
			return HorizonStateFailure, nil, nil
		}
		return HorizonStateSynchronized, nil, nil

	case stateBlockSync:
		err := NewBlockSynchronizer(sm.cfg, s.peers,
			sm.observer).Synchronize(ctx)
		switch {
		case ctx.Err() != nil:
			return 0, nil, ctx.Err()
		case err != nil:
			return BlocksSyncFailed, nil, nil
		}
		sm.setBootstrapped()
		return BlocksSynchronized, nil, nil

	case stateWaiting:
		log.Debugf("Waiting %v before listening again", sm.cfg.WaitDelay)
		timer := time.NewTimer(sm.cfg.WaitDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
			return Continue, nil, nil
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}
	return Continue, nil, nil
}

// decideNextSync picks the sync following a header sync.  A pruned node
// whose block chain trails the horizon of the new header chain syncs the
// horizon state first, everybody else downloads the missing bodies.
func (sm *SyncManager) decideNextSync() (StateEvent, error) {
	_, _, ok, err := horizonTarget(sm.chain)
	if err != nil {
		return Continue, err
	}
	if ok {
		return ProceedToHorizonSync, nil
	}
	fork, err := sm.chain.BlockTipFork()
	if err != nil {
		return Continue, err
	}
	if fork < sm.chain.HeaderTip().Height {
		return ProceedToBlockSync, nil
	}
	return Continue, nil
}

func (sm *SyncManager) setBootstrapped() {
	if sm.reconciler.IsBootstrapped() {
		return
	}
	sm.reconciler.SetBootstrapped(true)
	log.Infof("Node is bootstrapped at height %d", sm.chain.BlockTip().Height)
}

// onRound is called by the monitor after every liveness round.  A node that
// is up to date with its peers has nothing to sync and starts processing
// block announcements.
func (sm *SyncManager) onRound(mode SyncMode) {
	if mode == UpToDate {
		sm.setBootstrapped()
	}
}

// relayBlock announces a block accepted from a peer to the other peers.
func (sm *SyncManager) relayBlock(from peer.NodeID, msg *wire.MsgNewBlock) {
	hash := msg.BlockHash()

	var g errgroup.Group
	g.SetLimit(maxRelayPeers)
	for _, sp := range sm.monitor.Peers() {
		id := sp.NodeID()
		if id == from {
			continue
		}
		if claimed := sp.ClaimedMetadata(); claimed.BestBlock == hash {
			continue
		}
		g.Go(func() error {
			if err := sm.announce(id, msg); err != nil {
				log.Debugf("Unable to relay block %v to %s: %v",
					hash, id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (sm *SyncManager) announce(id peer.NodeID, msg *wire.MsgNewBlock) error {
	ctx, cancel := context.WithTimeout(sm.ctx, relayTimeout)
	defer cancel()

	session, err := sm.cfg.Connector.Connect(ctx, id)
	if err != nil {
		return err
	}
	defer session.Close()

	stream, err := session.OpenStream(ctx, msg)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// handleBlockchainNotification handles notifications from blockchain.  It
// keeps the mempool in line with the chain and reports the chain progress.
func (sm *SyncManager) handleBlockchainNotification(notification *blockchain.Notification) {
	sm.txMemPool.HandleChainNotification(notification)

	switch notification.Type {
	// A block has been connected to the block chain.
	case blockchain.NTBlockConnected:
		block, ok := notification.Data.(*wire.MsgBlock)
		if !ok {
			log.Warnf("Chain connected notification is not a block.")
			break
		}
		sm.progressLogger.LogBlockHeight(block)
		sm.cfg.Metrics.BlockHeight.Set(float64(block.Header.Height))

	// The best header chain changed.
	case blockchain.NTHeaderChainSwapped:
		header, ok := notification.Data.(*wire.BlockHeader)
		if !ok {
			log.Warnf("Header chain notification is not a header.")
			break
		}
		sm.cfg.Metrics.HeaderHeight.Set(float64(header.Height))
	}
}

// NewPeer informs the sync manager of a newly active peer.
func (sm *SyncManager) NewPeer(id peer.NodeID, claimed wire.ChainMetadata) {
	sm.queue(&newPeerMsg{id: id, claimed: claimed})
}

// DonePeer informs the sync manager that a peer has disconnected.
func (sm *SyncManager) DonePeer(id peer.NodeID) {
	sm.queue(&donePeerMsg{id: id})
}

// QueueNewBlock adds the passed block announcement and peer to the block
// handling queue.
func (sm *SyncManager) QueueNewBlock(from peer.NodeID, msg *wire.MsgNewBlock) {
	sm.queue(&newBlockMsg{from: from, msg: msg})
}

func (sm *SyncManager) queue(msg interface{}) {
	// Ignore if we are shutting down.
	if atomic.LoadInt32(&sm.shutdown) != 0 {
		return
	}
	select {
	case sm.msgChan <- msg:
	case <-sm.quit:
	}
}

// Start begins the block handler, the sync state machine and the chain
// metadata monitor.
func (sm *SyncManager) Start() {
	// Already started?
	if atomic.AddInt32(&sm.started, 1) != 1 {
		return
	}

	log.Trace("Starting sync manager")
	sm.wg.Add(3)
	go sm.blockHandler()
	go sm.syncHandler()
	go func() {
		defer sm.wg.Done()
		sm.monitor.Run(sm.ctx)
	}()
}

// Stop gracefully shuts down the sync manager by stopping all asynchronous
// handlers and waiting for them to finish.
func (sm *SyncManager) Stop() error {
	if atomic.AddInt32(&sm.shutdown, 1) != 1 {
		log.Warnf("Sync manager is already in the process of " +
			"shutting down")
		return nil
	}

	log.Infof("Sync manager shutting down")
	sm.cancel()
	close(sm.quit)
	sm.wg.Wait()
	return nil
}

// IsBootstrapped returns whether the initial sync completed and block
// announcements are processed.
func (sm *SyncManager) IsBootstrapped() bool {
	return sm.reconciler.IsBootstrapped()
}

// SyncState returns the name of the current sync state.
func (sm *SyncManager) SyncState() string {
	sm.stateMtx.Lock()
	defer sm.stateMtx.Unlock()
	return sm.state.String()
}

// Monitor returns the chain metadata monitor of the manager.
func (sm *SyncManager) Monitor() *ChainMetadataMonitor {
	return sm.monitor
}

// New constructs a new SyncManager. Use Start to begin syncing and
// processing block announcements.
func New(config *Config) (*SyncManager, error) {
	switch {
	case config.Chain == nil:
		return nil, errors.New("sync manager requires a chain")
	case config.TxMemPool == nil:
		return nil, errors.New("sync manager requires a mempool")
	case config.ChainParams == nil:
		return nil, errors.New("sync manager requires chain params")
	case config.Connector == nil:
		return nil, errors.New("sync manager requires a connector")
	case config.BanManager == nil:
		return nil, errors.New("sync manager requires a ban manager")
	}
	config.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	sm := SyncManager{
		cfg:            config,
		chain:          config.Chain,
		txMemPool:      config.TxMemPool,
		registry:       NewReconcilingBlocks(),
		progressLogger: newBlockProgressLogger("Processed", log),
		msgChan:        make(chan interface{}, msgChanSize),
		reconcileSem:   make(chan struct{}, maxConcurrentReconciles),
		quit:           make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		state:          stateStarting{},
	}
	obs := observers{newLogObserver(), metricsObserver{config.Metrics}}
	if config.Observer != nil {
		obs = append(obs, config.Observer)
	}
	sm.observer = obs
	sm.monitor = NewChainMetadataMonitor(config, sm.onRound)
	sm.reconciler = NewBlockReconciler(config, sm.registry, sm.relayBlock)

	blockTip := sm.chain.BlockTip()
	headerTip := sm.chain.HeaderTip()
	config.Metrics.BlockHeight.Set(float64(blockTip.Height))
	config.Metrics.HeaderHeight.Set(float64(headerTip.Height))
	log.Infof("Block tip at height %d, header tip at height %d",
		blockTip.Height, headerTip.Height)

	sm.chain.Subscribe(sm.handleBlockchainNotification)

	return &sm, nil
}
