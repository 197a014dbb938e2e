// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"github.com/utreexo/horizond/blockchain/chaingen"
	"github.com/utreexo/horizond/peer"
	"github.com/utreexo/horizond/wire"
)

// serve hands req to the service of n and collects the responses.
func serve(n *testNode, req wire.Message) ([]wire.Message, error) {
	var sent []wire.Message
	err := n.service.HandleRequest(context.Background(),
		libp2ppeer.ID("requester"), req, func(msg wire.Message) error {
			sent = append(sent, msg)
			return nil
		})
	return sent, err
}

func requireReject(t *testing.T, err error, code wire.RejectCode) {
	t.Helper()
	var reject *wire.MsgReject
	require.ErrorAs(t, err, &reject)
	require.Equal(t, code, reject.Code, reject.Reason)
}

func TestServiceFindChainSplit(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 10)

	server := newTestNode(t, net, "server", 0)
	server.accept(blocks...)
	client := newTestNode(t, net, "client", 0)
	client.accept(blocks[:3]...)

	locator, err := client.chain.LocatorHashes(wire.MaxBlockLocatorHashes)
	require.NoError(t, err)
	require.Len(t, locator, 4)

	sent, err := serve(server, &wire.MsgFindChainSplit{
		BlockHashes: locator,
		HeaderCount: 5,
	})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	split := sent[0].(*wire.MsgChainSplit)
	require.True(t, split.Found)
	require.Equal(t, uint64(0), split.ForkHashIndex)
	require.Len(t, split.Headers, 5)
	require.Equal(t, blocks[3].Header, split.Headers[0])
	require.Equal(t, blocks[7].Header, split.Headers[4])

	// No common header.
	sent, err = serve(server, &wire.MsgFindChainSplit{
		BlockHashes: []chainhash.Hash{{1}, {2}},
		HeaderCount: 5,
	})
	require.NoError(t, err)
	require.False(t, sent[0].(*wire.MsgChainSplit).Found)

	_, err = serve(server, &wire.MsgFindChainSplit{
		BlockHashes: locator,
		HeaderCount: wire.MaxChainSplitHeaders + 1,
	})
	requireReject(t, err, wire.RejectMalformed)
}

// TestServiceServesUpToBlockTip ensures headers above the block tip of the
// serving node are never handed out.
func TestServiceServesUpToBlockTip(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 8)

	ahead := newTestNode(t, net, "ahead", 0)
	ahead.accept(blocks...)
	server := newTestNode(t, net, "server", 0)
	server.accept(blocks[:5]...)
	syncHeaders(t, server.config(net, peer.NewBanManager(nil)), ahead)
	require.Equal(t, uint64(8), server.chain.HeaderTip().Height)
	require.Equal(t, uint64(5), server.chain.BlockTip().Height)

	locator, err := ahead.chain.LocatorHashes(wire.MaxBlockLocatorHashes)
	require.NoError(t, err)
	sent, err := serve(server, &wire.MsgFindChainSplit{
		BlockHashes: locator,
		HeaderCount: 10,
	})
	require.NoError(t, err)
	split := sent[0].(*wire.MsgChainSplit)
	require.True(t, split.Found)
	require.Equal(t, uint64(3), split.ForkHashIndex)
	require.Empty(t, split.Headers)

	sent, err = serve(server, &wire.MsgSyncHeaders{
		StartHash: *testParams.GenesisHash,
		Count:     10,
	})
	require.NoError(t, err)
	require.Len(t, sent, 5)

	_, err = serve(server, &wire.MsgSyncBlocks{
		StartHash: blocks[0].BlockHash(),
		EndHash:   blocks[6].BlockHash(),
	})
	requireReject(t, err, wire.RejectNotFound)
}

func TestServiceSyncHeaders(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 6)

	server := newTestNode(t, net, "server", 0)
	server.accept(blocks...)

	sent, err := serve(server, &wire.MsgSyncHeaders{
		StartHash: blocks[0].BlockHash(),
		Count:     3,
	})
	require.NoError(t, err)
	require.Len(t, sent, 3)
	for i, msg := range sent {
		require.Equal(t, blocks[i+1].Header, msg.(*wire.MsgHeader).Header)
	}

	_, err = serve(server, &wire.MsgSyncHeaders{
		StartHash: chainhash.Hash{7},
		Count:     3,
	})
	requireReject(t, err, wire.RejectNotFound)

	_, err = serve(server, &wire.MsgSyncHeaders{
		StartHash: blocks[0].BlockHash(),
		Count:     wire.MaxHeadersPerStream + 1,
	})
	requireReject(t, err, wire.RejectMalformed)
}

func TestServiceSyncBlocks(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 6)

	server := newTestNode(t, net, "server", 0)
	server.accept(blocks...)

	sent, err := serve(server, &wire.MsgSyncBlocks{
		StartHash: blocks[1].BlockHash(),
		EndHash:   blocks[3].BlockHash(),
	})
	require.NoError(t, err)
	require.Len(t, sent, 3)
	for i, msg := range sent {
		body := msg.(*wire.MsgBlockBody)
		require.Equal(t, blocks[i+1].BlockHash(), body.Hash)
		require.Equal(t, blocks[i+1].Body, body.Body)
	}

	_, err = serve(server, &wire.MsgSyncBlocks{
		StartHash: blocks[3].BlockHash(),
		EndHash:   blocks[1].BlockHash(),
	})
	requireReject(t, err, wire.RejectMalformed)
}

func TestServiceBlocksAndTransactions(t *testing.T) {
	net := peer.NewLocalNetwork()
	g := chaingen.NewGenerator(testParams)
	blocks := mine(t, g, "b", 3)

	server := newTestNode(t, net, "server", 0)
	server.accept(blocks...)

	sent, err := serve(server, &wire.MsgGetBlock{Hash: blocks[1].BlockHash()})
	require.NoError(t, err)
	require.Equal(t, blocks[1].BlockHash(), sent[0].(*wire.MsgBlock).BlockHash())

	_, err = serve(server, &wire.MsgGetBlock{Hash: chainhash.Hash{9}})
	requireReject(t, err, wire.RejectNotFound)

	tx := spendTx(t, g, g.SpendableOuts()[0])
	sent, err = serve(server, tx)
	require.NoError(t, err)
	require.Empty(t, sent)
	require.Equal(t, 1, server.pool.Count())

	_, err = serve(server, tx)
	requireReject(t, err, wire.RejectInvalid)

	sent, err = serve(server, &wire.MsgGetTransactions{
		ExcessSigs: append(tx.ExcessSigs(), wire.ExcessSig{1}),
	})
	require.NoError(t, err)
	txs := sent[0].(*wire.MsgTransactions).Txs
	require.Len(t, txs, 1)
	require.Equal(t, tx.ExcessSigs(), txs[0].ExcessSigs())

	// Announcements are dropped without a sync manager.
	sent, err = serve(server, wire.NewMsgNewBlockFromBlock(blocks[2]))
	require.NoError(t, err)
	require.Empty(t, sent)

	_, err = serve(server, &wire.MsgPong{})
	requireReject(t, err, wire.RejectMalformed)
}
