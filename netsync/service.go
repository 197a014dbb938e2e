// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/mempool"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

const (
	// MaxBlocksPerStream is the largest block range served by one
	// block stream.
	MaxBlocksPerStream = 2000

	// serveBatchSize is the number of kernels or outputs read from the
	// chain at once while streaming them.
	serveBatchSize = 1000
)

// Service answers the sync requests of other nodes from the local chain and
// mempool.  Block announcements and liveness pings are passed on to the
// sync manager when there is one.
type Service struct {
	chain     *blockchain.BlockChain
	txMemPool *mempool.TxPool
	manager   *SyncManager
}

// NewService returns a service for the chain and mempool of cfg.  manager
// may be nil for a node that only serves.
func NewService(cfg *Config, manager *SyncManager) *Service {
	return &Service{
		chain:     cfg.Chain,
		txMemPool: cfg.TxMemPool,
		manager:   manager,
	}
}

func notFound(format string, args ...interface{}) error {
	return wire.NewMsgReject(wire.RejectNotFound, fmt.Sprintf(format, args...))
}

func malformed(format string, args ...interface{}) error {
	return wire.NewMsgReject(wire.RejectMalformed, fmt.Sprintf(format, args...))
}

// HandleRequest implements peer.Handler.
func (s *Service) HandleRequest(ctx context.Context, from peer.NodeID,
	req wire.Message, send func(wire.Message) error) error {

	switch m := req.(type) {
	case *wire.MsgPing:
		if s.manager != nil {
			s.manager.monitor.UpdatePeerMetadata(from, m.Metadata)
		}
		return send(&wire.MsgPong{Nonce: m.Nonce, Metadata: s.chain.ChainMetadata()})

	case *wire.MsgFindChainSplit:
		return s.handleFindChainSplit(m, send)

	case *wire.MsgSyncHeaders:
		return s.handleSyncHeaders(ctx, m, send)

	case *wire.MsgSyncBlocks:
		return s.handleSyncBlocks(ctx, m, send)

	case *wire.MsgSyncKernels:
		return s.handleSyncKernels(ctx, m, send)

	case *wire.MsgSyncUtxos:
		return s.handleSyncUtxos(ctx, m, send)

	case *wire.MsgGetBlock:
		block, err := s.chain.FetchBlock(&m.Hash)
		if err != nil {
			return notFound("block %v: %v", m.Hash, err)
		}
		return send(block)

	case *wire.MsgGetTransactions:
		found, _ := s.txMemPool.FetchTransactions(m.ExcessSigs)
		resp := &wire.MsgTransactions{Txs: make([]wire.MsgTx, 0, len(found))}
		for _, tx := range found {
			resp.Txs = append(resp.Txs, *tx)
		}
		return send(resp)

	case *wire.MsgNewBlock:
		if s.manager == nil {
			return nil
		}
		s.manager.QueueNewBlock(from, m)
		return nil

	case *wire.MsgTx:
		if _, err := s.txMemPool.ProcessTransaction(m); err != nil {
			code, reason := mempool.ErrToRejectCode(err)
			return wire.NewMsgReject(code, reason)
		}
		return nil
	}
	return malformed("unsupported request %s", req.Command())
}

// servedHeight is the height up to which headers and bodies are served.  It
// matches the height the node advertises.
func (s *Service) servedHeight() uint64 {
	return s.chain.BlockTip().Height
}

func (s *Service) handleFindChainSplit(m *wire.MsgFindChainSplit,
	send func(wire.Message) error) error {

	if m.HeaderCount > wire.MaxChainSplitHeaders {
		return malformed("requested %d split headers, limit is %d",
			m.HeaderCount, wire.MaxChainSplitHeaders)
	}
	idx, found, err := s.chain.FindSplit(m.BlockHashes)
	if err != nil {
		return err
	}
	if !found {
		return send(&wire.MsgChainSplit{})
	}

	// Locator hashes go back one height at a time, so a split above the
	// served height moves down to the locator entry at that height.
	fork, err := s.chain.FetchHeader(&m.BlockHashes[idx])
	if err != nil {
		return err
	}
	if served := s.servedHeight(); fork.Height > served {
		idx += fork.Height - served
		if idx >= uint64(len(m.BlockHashes)) {
			return send(&wire.MsgChainSplit{})
		}
	}
	headers, err := s.chain.HeadersAfter(&m.BlockHashes[idx], m.HeaderCount)
	if err != nil {
		return err
	}
	return send(&wire.MsgChainSplit{
		Found:         true,
		ForkHashIndex: idx,
		Headers:       s.capHeaders(headers),
	})
}

// capHeaders drops the headers above the served height.
func (s *Service) capHeaders(headers []wire.BlockHeader) []wire.BlockHeader {
	served := s.servedHeight()
	for i := range headers {
		if headers[i].Height > served {
			return headers[:i]
		}
	}
	return headers
}

func (s *Service) handleSyncHeaders(ctx context.Context, m *wire.MsgSyncHeaders,
	send func(wire.Message) error) error {

	if m.Count > wire.MaxHeadersPerStream {
		return malformed("requested %d headers, limit is %d", m.Count,
			wire.MaxHeadersPerStream)
	}
	onChain, err := s.chain.IsOnHeaderChain(&m.StartHash)
	if err != nil {
		return err
	}
	if !onChain {
		return notFound("header %v is not on the best chain", m.StartHash)
	}

	start := m.StartHash
	remaining := m.Count
	for remaining > 0 {
		n := remaining
		if n > wire.MaxChainSplitHeaders {
			n = wire.MaxChainSplitHeaders
		}
		headers, err := s.chain.HeadersAfter(&start, n)
		if err != nil {
			return err
		}
		headers = s.capHeaders(headers)
		for i := range headers {
			if err := send(&wire.MsgHeader{Header: headers[i]}); err != nil {
				return err
			}
		}
		if uint64(len(headers)) < n {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		start = headers[len(headers)-1].BlockHash()
		remaining -= n
	}
	return nil
}

func (s *Service) handleSyncBlocks(ctx context.Context, m *wire.MsgSyncBlocks,
	send func(wire.Message) error) error {

	first, err := s.servedHeader(&m.StartHash)
	if err != nil {
		return err
	}
	last, err := s.servedHeader(&m.EndHash)
	if err != nil {
		return err
	}
	if last.Height < first.Height {
		return malformed("block range ends at %d before its start %d",
			last.Height, first.Height)
	}
	if last.Height-first.Height >= MaxBlocksPerStream {
		return malformed("requested %d blocks, limit is %d",
			last.Height-first.Height+1, MaxBlocksPerStream)
	}

	for h := first.Height; h <= last.Height; h++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		hash, err := s.chain.HashByHeight(h)
		if err != nil {
			return err
		}
		if hash == nil {
			return notFound("no block at height %d", h)
		}
		block, err := s.chain.FetchBlock(hash)
		if err != nil {
			return notFound("block %v: %v", hash, err)
		}
		if err := send(&wire.MsgBlockBody{Hash: *hash, Body: block.Body}); err != nil {
			return err
		}
	}
	return nil
}

// servedHeader returns the header with the given hash when it is on the
// best chain and within the served height.
func (s *Service) servedHeader(hash *chainhash.Hash) (*wire.BlockHeader, error) {
	onChain, err := s.chain.IsOnHeaderChain(hash)
	if err != nil {
		return nil, err
	}
	if !onChain {
		return nil, notFound("header %v is not on the best chain", hash)
	}
	header, err := s.chain.FetchHeader(hash)
	if err != nil {
		return nil, err
	}
	if header.Height > s.servedHeight() {
		return nil, notFound("block %v is not available yet", hash)
	}
	return header, nil
}

func (s *Service) handleSyncKernels(ctx context.Context, m *wire.MsgSyncKernels,
	send func(wire.Message) error) error {

	size, _, err := s.chain.HorizonSizes(&m.EndHeaderHash)
	if errors.Is(err, blockchain.ErrNotFound) {
		return notFound("%v", err)
	}
	if err != nil {
		return err
	}
	if m.StartIndex > size {
		return malformed("kernel index %d beyond %d", m.StartIndex, size)
	}
	for start := m.StartIndex; start < size; start += serveBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + serveBatchSize
		if end > size {
			end = size
		}
		kernels, err := s.chain.FetchKernels(start, end)
		if err != nil {
			return err
		}
		for i := range kernels {
			if err := send(&wire.MsgKernel{Kernel: kernels[i]}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) handleSyncUtxos(ctx context.Context, m *wire.MsgSyncUtxos,
	send func(wire.Message) error) error {

	_, size, err := s.chain.HorizonSizes(&m.EndHeaderHash)
	if errors.Is(err, blockchain.ErrNotFound) {
		return notFound("%v", err)
	}
	if err != nil {
		return err
	}
	if m.StartIndex > size {
		return malformed("output position %d beyond %d", m.StartIndex, size)
	}
	deleted, err := s.chain.BitmapAt(&m.EndHeaderHash)
	if err != nil {
		return err
	}
	for start := m.StartIndex; start < size; start += serveBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + serveBatchSize
		if end > size {
			end = size
		}
		leaves, err := s.chain.FetchOutputLeaves(start, end, deleted)
		if err != nil {
			return err
		}
		for i := range leaves {
			if err := send(&leaves[i]); err != nil {
				return err
			}
		}
	}
	return send(&wire.MsgUtxoTrailer{DeletedBitmap: deleted.Bytes()})
}
