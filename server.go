// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/mempool"
	"github.com/utreexo/horizond/netsync"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

const (
	// connectRetryInterval is the time between two attempts to reach the
	// peers given with --connect.
	connectRetryInterval = 30 * time.Second

	// metricsNamespace prefixes every exported metric.
	metricsNamespace = "horizond"
)

// server provides a horizond server for syncing the chain with and serving
// it to the peers of a libp2p host.
type server struct {
	started  int32
	shutdown int32

	cfg         *config
	host        host.Host
	bans        *peer.BanManager
	chain       *blockchain.BlockChain
	txMemPool   *mempool.TxPool
	syncManager *netsync.SyncManager
	service     *netsync.Service
	metrics     *http.Server
	stopServing func()

	wg   sync.WaitGroup
	quit chan struct{}
}

// loadIdentity reads the libp2p identity of the node from path, creating it
// on first start.
func loadIdentity(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err = crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, err
	}
	srvrLog.Infof("Created node identity at %s", path)
	return priv, nil
}

// peerConnected hands a newly connected peer to the sync manager.  Its
// chain metadata is learned on the next liveness round.
func (s *server) peerConnected(_ network.Network, conn network.Conn) {
	id := conn.RemotePeer()
	srvrLog.Debugf("Connected to %s at %s", id, conn.RemoteMultiaddr())
	s.syncManager.NewPeer(id, wire.ChainMetadata{})
}

// peerDisconnected tells the sync manager about a peer once its last
// connection is gone.
func (s *server) peerDisconnected(n network.Network, conn network.Conn) {
	id := conn.RemotePeer()
	if n.Connectedness(id) == network.Connected {
		return
	}
	srvrLog.Debugf("Disconnected from %s", id)
	s.syncManager.DonePeer(id)
}

// connectPeers keeps the connections to the --connect peers up until the
// server shuts down.  It must be run as a goroutine.
func (s *server) connectPeers() {
	defer s.wg.Done()

	peers := make([]libp2ppeer.AddrInfo, 0, len(s.cfg.connectAddrs))
	for _, addr := range s.cfg.connectAddrs {
		info, err := libp2ppeer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			srvrLog.Warnf("Ignoring peer %v: %v", addr, err)
			continue
		}
		peers = append(peers, *info)
	}
	if len(peers) == 0 {
		return
	}

	ticker := time.NewTicker(connectRetryInterval)
	defer ticker.Stop()
	for {
		for _, info := range peers {
			if s.host.Network().Connectedness(info.ID) == network.Connected {
				continue
			}
			if s.bans.IsBanned(info.ID) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(),
				connectRetryInterval)
			err := s.host.Connect(ctx, info)
			cancel()
			if err != nil {
				srvrLog.Debugf("Unable to connect to %s: %v", info.ID, err)
			}
		}

		select {
		case <-ticker.C:
		case <-s.quit:
			return
		}
	}
}

// Start begins accepting requests from peers and syncing the chain.
func (s *server) Start() {
	// Already started?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}

	srvrLog.Trace("Starting server")
	for _, addr := range s.host.Addrs() {
		srvrLog.Infof("Listening on %s/p2p/%s", addr, s.host.ID())
	}

	s.stopServing = peer.ServeLibp2p(s.host, s.service, s.cfg.RequestTimeout)
	s.syncManager.Start()

	s.wg.Add(1)
	go s.connectPeers()

	if s.metrics != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			srvrLog.Infof("Metrics server listening on %s", s.metrics.Addr)
			err := s.metrics.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvrLog.Errorf("Metrics server: %v", err)
			}
		}()
	}
}

// Stop gracefully shuts down the server by stopping and disconnecting all
// peers and the main listener.
func (s *server) Stop() error {
	// Make sure this only happens once.
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		srvrLog.Infof("Server is already in the process of shutting down")
		return nil
	}

	srvrLog.Warnf("Server shutting down")
	close(s.quit)
	if s.stopServing != nil {
		s.stopServing()
	}
	s.syncManager.Stop()
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.metrics.Shutdown(ctx)
		cancel()
	}
	return s.host.Close()
}

// WaitForShutdown blocks until the main listener and peer handlers are
// stopped.
func (s *server) WaitForShutdown() {
	s.wg.Wait()
}

// newServer returns a new horizond server configured to listen on the
// configured addresses and sync the chain stored in db.  Use Start to begin
// accepting connections from peers.
func newServer(cfg *config, db *leveldb.DB) (*server, error) {
	chain, err := blockchain.New(&blockchain.Config{
		DB:             db,
		ChainParams:    cfg.params,
		PruningHorizon: cfg.PruningHorizon,
	})
	if err != nil {
		return nil, err
	}

	txMemPool := mempool.New(&mempool.Config{
		Policy: mempool.Policy{
			MinRelayFee:    btcutil.Amount(cfg.MinRelayFee),
			MaxUnconfirmed: cfg.MaxUnconfirmed,
		},
		ChainParams: cfg.params,
		Chain:       chain,
	})

	priv, err := loadIdentity(filepath.Join(cfg.DataDir, defaultIdentityFile))
	if err != nil {
		return nil, err
	}
	bans := peer.NewBanManager(nil)
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(cfg.listenAddrs...),
		libp2p.ConnectionGater(peer.NewBanGater(bans)),
	)
	if err != nil {
		return nil, err
	}

	s := server{
		cfg:       cfg,
		host:      h,
		bans:      bans,
		chain:     chain,
		txMemPool: txMemPool,
		quit:      make(chan struct{}),
	}

	syncCfg := cfg.syncConfig()
	syncCfg.Chain = chain
	syncCfg.TxMemPool = txMemPool
	syncCfg.ChainParams = cfg.params
	syncCfg.Connector = peer.NewLibp2pConnector(h, cfg.RequestTimeout)
	syncCfg.BanManager = bans
	if cfg.MetricsListen != "" {
		syncCfg.Metrics = netsync.PrometheusMetrics(metricsNamespace)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metrics = &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	s.syncManager, err = netsync.New(&syncCfg)
	if err != nil {
		h.Close()
		return nil, err
	}
	s.service = netsync.NewService(&syncCfg, s.syncManager)

	bans.OnBan(func(id peer.NodeID) {
		if err := h.Network().ClosePeer(id); err != nil {
			srvrLog.Debugf("Unable to disconnect banned peer %s: %v",
				id, err)
		}
	})
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    s.peerConnected,
		DisconnectedF: s.peerDisconnected,
	})

	srvrLog.Infof("Node identity %s", h.ID())
	return &s, nil
}
