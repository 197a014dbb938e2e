// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool_test

import (
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/blockchain/chaingen"
	"github.com/utreexo/horizond/chaincfg"
	"github.com/utreexo/horizond/mempool"
	"github.com/utreexo/horizond/wire"
)

// poolHarness pairs a chain generator with a chain and a pool that follows
// it.
type poolHarness struct {
	*chaingen.Generator

	t     *testing.T
	chain *blockchain.BlockChain
	pool  *mempool.TxPool
}

func newPoolHarness(t *testing.T, policy mempool.Policy) *poolHarness {
	t.Helper()

	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	params := &chaincfg.RegressionNetParams
	chain, err := blockchain.New(&blockchain.Config{
		DB:          db,
		ChainParams: params,
	})
	require.NoError(t, err)

	pool := mempool.New(&mempool.Config{
		Policy:      policy,
		ChainParams: params,
		Chain:       chain,
	})
	chain.Subscribe(pool.HandleChainNotification)

	return &poolHarness{
		Generator: chaingen.NewGenerator(params),
		t:         t,
		chain:     chain,
		pool:      pool,
	}
}

// mine generates the named block with txs and connects it.
func (h *poolHarness) mine(name string, txs ...*wire.MsgTx) *wire.MsgBlock {
	h.t.Helper()
	block, err := h.NextBlock(name, txs)
	require.NoError(h.t, err)
	_, _, err = h.chain.ProcessBlock(block)
	require.NoError(h.t, err, "block %q", name)
	return block
}

// mineMany extends the chain by n empty blocks named prefix1..prefixN.
func (h *poolHarness) mineMany(prefix string, n int) {
	h.t.Helper()
	for i := 1; i <= n; i++ {
		h.mine(fmt.Sprintf("%s%d", prefix, i))
	}
}

func (h *poolHarness) spendTx(fee btcutil.Amount, spends ...*chaingen.SpendableOut) *wire.MsgTx {
	h.t.Helper()
	tx, err := h.CreateSpendTx(fee, spends...)
	require.NoError(h.t, err)
	return tx
}

func TestProcessTransaction(t *testing.T) {
	h := newPoolHarness(t, mempool.Policy{})
	h.mineMany("b", 3)
	outs := h.SpendableOuts()
	require.Len(t, outs, 3)

	tx := h.spendTx(100, outs[0])
	desc, err := h.pool.ProcessTransaction(tx)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(100), desc.Fee)
	require.Equal(t, uint64(3), desc.Height)
	require.Equal(t, 1, h.pool.Count())

	got, ok := h.pool.LookupByExcessSig(&tx.Kernels[0].ExcessSig)
	require.True(t, ok)
	require.Equal(t, tx, got)
	require.True(t, h.pool.HaveTransaction(&tx.Kernels[0].ExcessSig))

	_, err = h.pool.ProcessTransaction(tx)
	require.True(t, mempool.IsErrorCode(err, mempool.ErrDuplicate), err)

	// A second spend of the same output conflicts with the pool.
	_, err = h.pool.ProcessTransaction(h.spendTx(100, outs[0]))
	require.True(t, mempool.IsErrorCode(err, mempool.ErrDoubleSpend), err)

	// Spending an output the chain does not know is a consensus failure.
	unknown := &chaingen.SpendableOut{
		Output: outs[1].Output,
		Hash:   chainhash.HashH([]byte("unknown")),
	}
	_, err = h.pool.ProcessTransaction(h.spendTx(100, unknown))
	require.True(t, blockchain.IsErrorCode(err, blockchain.ErrMissingInput), err)

	// The commitment of an input must match the output it spends.
	mismatch := &chaingen.SpendableOut{
		Output: outs[2].Output,
		Hash:   outs[1].Hash,
	}
	_, err = h.pool.ProcessTransaction(h.spendTx(100, mismatch))
	require.True(t, blockchain.IsErrorCode(err, blockchain.ErrInputMismatch), err)

	require.Equal(t, 1, h.pool.Count())
}

func TestPolicyLimits(t *testing.T) {
	h := newPoolHarness(t, mempool.Policy{
		MinRelayFee:    50,
		MaxUnconfirmed: 1,
	})
	h.mineMany("b", 3)
	outs := h.SpendableOuts()

	_, err := h.pool.ProcessTransaction(h.spendTx(10, outs[0]))
	require.True(t, mempool.IsErrorCode(err, mempool.ErrInsufficientFee), err)

	_, err = h.pool.ProcessTransaction(h.spendTx(50, outs[0]))
	require.NoError(t, err)

	_, err = h.pool.ProcessTransaction(h.spendTx(50, outs[1]))
	require.True(t, mempool.IsErrorCode(err, mempool.ErrPoolFull), err)
	code, _ := mempool.ErrToRejectCode(err)
	require.Equal(t, wire.RejectBusy, code)
}

func TestRejectedTransactionIsRemembered(t *testing.T) {
	h := newPoolHarness(t, mempool.Policy{})
	h.mineMany("b", 1)

	tx := h.spendTx(100, h.SpendableOuts()[0])
	tx.Kernels[0].Fee++

	_, err := h.pool.ProcessTransaction(tx)
	require.True(t, blockchain.IsErrorCode(err, blockchain.ErrBadSignature), err)
	code, _ := mempool.ErrToRejectCode(err)
	require.Equal(t, wire.RejectInvalid, code)

	_, err = h.pool.ProcessTransaction(tx)
	require.True(t, mempool.IsErrorCode(err, mempool.ErrPreviouslyRejected), err)
	require.Zero(t, h.pool.Count())
}

func TestInsertAndFetchTransactions(t *testing.T) {
	h := newPoolHarness(t, mempool.Policy{})
	h.mineMany("b", 3)
	outs := h.SpendableOuts()

	tx1 := h.spendTx(100, outs[0])
	tx2 := h.spendTx(100, outs[1])
	conflict := h.spendTx(100, outs[1])
	require.Equal(t, 2, h.pool.Insert([]*wire.MsgTx{tx1, tx2, conflict}))

	// Inserting a transaction the pool holds counts it again.
	require.Equal(t, 1, h.pool.Insert([]*wire.MsgTx{tx1}))

	var absent wire.ExcessSig
	absent[0] = 0x01
	sigs := []wire.ExcessSig{
		tx2.Kernels[0].ExcessSig,
		absent,
		tx1.Kernels[0].ExcessSig,
		tx2.Kernels[0].ExcessSig,
	}
	found, missing := h.pool.FetchTransactions(sigs)
	require.Equal(t, []*wire.MsgTx{tx2, tx1}, found)
	require.Equal(t, []wire.ExcessSig{absent}, missing)

	h.pool.RemoveTransaction(tx1)
	require.Equal(t, 1, h.pool.Count())
	_, ok := h.pool.LookupByExcessSig(&tx1.Kernels[0].ExcessSig)
	require.False(t, ok)
}

func TestTxDescsOrderedByFeeRate(t *testing.T) {
	h := newPoolHarness(t, mempool.Policy{})
	h.mineMany("b", 3)
	outs := h.SpendableOuts()

	low := h.spendTx(100, outs[0])
	high := h.spendTx(900, outs[1])
	mid := h.spendTx(400, outs[2])
	require.Equal(t, 3, h.pool.Insert([]*wire.MsgTx{low, high, mid}))

	descs := h.pool.TxDescs()
	require.Len(t, descs, 3)
	require.Equal(t, high, descs[0].Tx)
	require.Equal(t, mid, descs[1].Tx)
	require.Equal(t, low, descs[2].Tx)
}

func TestMoveToReorgPool(t *testing.T) {
	h := newPoolHarness(t, mempool.Policy{})
	h.mineMany("b", 3)
	outs := h.SpendableOuts()

	mined := h.spendTx(100, outs[0])
	conflicting := h.spendTx(100, outs[1])
	unrelated := h.spendTx(100, outs[2])
	require.Equal(t, 3, h.pool.Insert([]*wire.MsgTx{mined, conflicting, unrelated}))

	// The block mines one pool transaction and double spends another one
	// with a transaction the pool never saw.
	h.mine("b4", mined, h.spendTx(100, outs[1]))

	require.Equal(t, 1, h.pool.Count())
	require.Equal(t, 1, h.pool.ReorgCount())
	require.True(t, h.pool.HaveTransaction(&unrelated.Kernels[0].ExcessSig))
	require.False(t, h.pool.HaveTransaction(&conflicting.Kernels[0].ExcessSig))

	// Mined transactions stay resolvable from the reorg pool.
	got, ok := h.pool.LookupByExcessSig(&mined.Kernels[0].ExcessSig)
	require.True(t, ok)
	require.Equal(t, mined, got)

	// Once mined the kernel cannot enter the unconfirmed pool again.
	_, err := h.pool.ProcessTransaction(mined)
	require.True(t, mempool.IsErrorCode(err, mempool.ErrAlreadyMined), err)
}

func TestReorgPoolRetention(t *testing.T) {
	h := newPoolHarness(t, mempool.Policy{ReorgRetention: 2})
	h.mineMany("b", 1)

	tx := h.spendTx(100, h.SpendableOuts()[0])
	require.Equal(t, 1, h.pool.Insert([]*wire.MsgTx{tx}))
	h.mine("b2", tx)
	require.Equal(t, 1, h.pool.ReorgCount())

	// Mined at height 2, kept through height 4, dropped at height 5.
	h.mine("b3")
	h.mine("b4")
	require.Equal(t, 1, h.pool.ReorgCount())
	h.mine("b5")
	require.Zero(t, h.pool.ReorgCount())
	_, ok := h.pool.LookupByExcessSig(&tx.Kernels[0].ExcessSig)
	require.False(t, ok)
}

func TestReorgPoolSizeLimit(t *testing.T) {
	h := newPoolHarness(t, mempool.Policy{MaxReorgTxs: 1})
	h.mineMany("b", 2)
	outs := h.SpendableOuts()

	first := h.spendTx(100, outs[0])
	second := h.spendTx(100, outs[1])
	require.Equal(t, 2, h.pool.Insert([]*wire.MsgTx{first, second}))
	h.mine("b3", first)
	h.mine("b4", second)

	require.Equal(t, 1, h.pool.ReorgCount())
	_, ok := h.pool.LookupByExcessSig(&first.Kernels[0].ExcessSig)
	require.False(t, ok)
	_, ok = h.pool.LookupByExcessSig(&second.Kernels[0].ExcessSig)
	require.True(t, ok)
}

func TestReinsertOnDisconnect(t *testing.T) {
	h := newPoolHarness(t, mempool.Policy{})
	h.mineMany("b", 2)

	tx := h.spendTx(100, h.SpendableOuts()[0])
	require.Equal(t, 1, h.pool.Insert([]*wire.MsgTx{tx}))
	h.mine("b3", tx)
	require.Zero(t, h.pool.Count())

	// A heavier fork from b2 disconnects b3 and the transaction returns
	// to the unconfirmed pool.
	h.SetTip("b2")
	h.mine("f3")
	h.mine("f4")
	require.Equal(t, h.BlockByName("f4").BlockHash(), h.chain.BlockTip().Hash)

	require.Equal(t, 1, h.pool.Count())
	require.Zero(t, h.pool.ReorgCount())
	require.True(t, h.pool.HaveTransaction(&tx.Kernels[0].ExcessSig))
}
