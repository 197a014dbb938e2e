// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"
	"github.com/utreexo/horizond/blockchain"
	"github.com/utreexo/horizond/chaincfg"
	"github.com/utreexo/horizond/wire"
	"golang.org/x/exp/slices"
)

const (
	// DefaultMaxUnconfirmed is the default number of transactions the
	// unconfirmed pool holds.
	DefaultMaxUnconfirmed = 10000

	// DefaultReorgRetention is the default number of blocks a mined
	// transaction stays in the reorg pool.
	DefaultReorgRetention = 10

	// DefaultMaxReorgTxs is the default number of transactions the reorg
	// pool holds.
	DefaultMaxReorgTxs = 10000

	// DefaultRejectedCacheSize is the default number of rejected
	// transactions remembered.
	DefaultRejectedCacheSize = 1000
)

// Chain is the view of the block chain transactions are validated against.
type Chain interface {
	BlockTip() blockchain.ChainTip
	HasKernel(sig *wire.ExcessSig) (bool, error)
	FetchLiveOutput(hash *chainhash.Hash) (*blockchain.LiveOutput, error)
	HasLiveCommitment(c *wire.Commitment) (bool, error)
}

// Policy houses the policy (configuration parameters) which is used to
// control the mempool.
type Policy struct {
	// MaxTxWeight is the heaviest transaction accepted.  Zero uses the
	// block weight limit of the network.
	MaxTxWeight uint64

	// MinRelayFee is the minimum total kernel fee of a transaction.
	MinRelayFee btcutil.Amount

	// MaxUnconfirmed is the maximum number of unconfirmed transactions.
	MaxUnconfirmed int

	// ReorgRetention is the number of blocks a mined transaction is kept
	// in the reorg pool.
	ReorgRetention uint64

	// MaxReorgTxs is the maximum number of transactions in the reorg pool.
	MaxReorgTxs int
}

// Config is a descriptor containing the memory pool configuration.
type Config struct {
	// Policy defines the various mempool configuration options related
	// to policy.
	Policy Policy

	// ChainParams identifies which chain parameters the txpool is
	// associated with.
	ChainParams *chaincfg.Params

	// Chain is the block chain transactions are checked against.
	Chain Chain

	// ProofVerifier verifies output proofs.  It defaults to the schnorr
	// ownership proof verifier.
	ProofVerifier blockchain.ProofVerifier

	// RejectedCacheSize is the number of invalid transactions remembered.
	RejectedCacheSize uint

	// TimeSource defines the clock used to stamp new transactions.
	TimeSource func() time.Time
}

// TxDesc is a descriptor containing a transaction in the mempool along with
// additional metadata.
type TxDesc struct {
	// Tx is the transaction associated with the entry.
	Tx *wire.MsgTx

	// Added is the time when the entry was added to the source pool.
	Added time.Time

	// Height is the block height when the entry was added to the source
	// pool.
	Height uint64

	// Fee is the total fee the transaction pays.
	Fee btcutil.Amount

	// Weight is the weight of the transaction body.
	Weight uint64
}

// FeePerWeight returns the fee paid per unit of weight.
func (d *TxDesc) FeePerWeight() float64 {
	if d.Weight == 0 {
		return 0
	}
	return float64(d.Fee) / float64(d.Weight)
}

// reorgTx is a transaction that was mined in the block at height.
type reorgTx struct {
	tx     *wire.MsgTx
	height uint64
}

// TxPool holds the transactions that are waiting to be mined along with the
// recently mined ones.  Both pools are keyed by the excess signatures of the
// transaction kernels.
type TxPool struct {
	cfg Config

	mtx sync.RWMutex

	// pool indexes unconfirmed transactions by every kernel signature.
	pool        map[wire.ExcessSig]*TxDesc
	count       int
	spends      map[chainhash.Hash]*TxDesc
	commitments map[wire.Commitment]*TxDesc

	// reorg indexes mined transactions by every kernel signature.
	reorg      map[wire.ExcessSig]*reorgTx
	reorgCount int

	rejected lru.Cache
}

// New returns a new memory pool for validating and storing standalone
// transactions until they are mined into a block.
func New(cfg *Config) *TxPool {
	c := *cfg
	if c.ProofVerifier == nil {
		c.ProofVerifier = blockchain.SchnorrProofVerifier{}
	}
	if c.TimeSource == nil {
		c.TimeSource = time.Now
	}
	if c.Policy.MaxTxWeight == 0 {
		c.Policy.MaxTxWeight = c.ChainParams.MaxBlockWeight
	}
	if c.Policy.MaxUnconfirmed == 0 {
		c.Policy.MaxUnconfirmed = DefaultMaxUnconfirmed
	}
	if c.Policy.ReorgRetention == 0 {
		c.Policy.ReorgRetention = DefaultReorgRetention
	}
	if c.Policy.MaxReorgTxs == 0 {
		c.Policy.MaxReorgTxs = DefaultMaxReorgTxs
	}
	if c.RejectedCacheSize == 0 {
		c.RejectedCacheSize = DefaultRejectedCacheSize
	}
	return &TxPool{
		cfg:         c,
		pool:        make(map[wire.ExcessSig]*TxDesc),
		spends:      make(map[chainhash.Hash]*TxDesc),
		commitments: make(map[wire.Commitment]*TxDesc),
		reorg:       make(map[wire.ExcessSig]*reorgTx),
		rejected:    lru.NewCache(c.RejectedCacheSize),
	}
}

// ProcessTransaction validates tx against the pool and the block chain and
// adds it to the unconfirmed pool.  A returned RuleError means the
// transaction was rejected, any other error is unexpected.
//
// This function is safe for concurrent access.
func (mp *TxPool) ProcessTransaction(tx *wire.MsgTx) (*TxDesc, error) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	return mp.maybeAcceptTransaction(tx)
}

// maybeAcceptTransaction is the internal function which implements the
// public ProcessTransaction.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) maybeAcceptTransaction(tx *wire.MsgTx) (*TxDesc, error) {
	if len(tx.Kernels) > 0 && mp.rejected.Contains(tx.Kernels[0].ExcessSig) {
		str := fmt.Sprintf("transaction %v was rejected recently",
			tx.Kernels[0].ExcessSig)
		return nil, txRuleError(ErrPreviouslyRejected, str)
	}

	err := blockchain.CheckTransactionSanity(tx, mp.cfg.ChainParams,
		mp.cfg.ProofVerifier)
	if err != nil {
		if cerr, ok := err.(blockchain.RuleError); ok {
			if len(tx.Kernels) > 0 {
				mp.rejected.Add(tx.Kernels[0].ExcessSig)
			}
			return nil, chainRuleError(cerr)
		}
		return nil, err
	}
	if !tx.IsSorted() {
		str := fmt.Sprintf("transaction %v is not in canonical order",
			tx.Kernels[0].ExcessSig)
		return nil, chainRuleError(blockchain.RuleError{
			ErrorCode:   blockchain.ErrUnsortedBody,
			Description: str,
		})
	}

	id := tx.Kernels[0].ExcessSig
	var fee btcutil.Amount
	for i := range tx.Kernels {
		k := &tx.Kernels[i]
		if _, ok := mp.pool[k.ExcessSig]; ok {
			str := fmt.Sprintf("already have transaction with kernel %v",
				k.ExcessSig)
			return nil, txRuleError(ErrDuplicate, str)
		}
		mined, err := mp.cfg.Chain.HasKernel(&k.ExcessSig)
		if err != nil {
			return nil, err
		}
		if mined {
			str := fmt.Sprintf("kernel %v is already mined", k.ExcessSig)
			return nil, txRuleError(ErrAlreadyMined, str)
		}
		fee += k.Fee
	}

	weight := tx.Weight()
	if weight > mp.cfg.Policy.MaxTxWeight {
		str := fmt.Sprintf("transaction %v weight of %d exceeds max %d",
			id, weight, mp.cfg.Policy.MaxTxWeight)
		return nil, txRuleError(ErrTxTooHeavy, str)
	}
	if fee < mp.cfg.Policy.MinRelayFee {
		str := fmt.Sprintf("transaction %v pays fee %v, minimum is %v",
			id, fee, mp.cfg.Policy.MinRelayFee)
		return nil, txRuleError(ErrInsufficientFee, str)
	}

	spent := make(map[wire.Commitment]struct{}, len(tx.Inputs))
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if other, ok := mp.spends[in.OutputHash]; ok {
			str := fmt.Sprintf("output %v is already spent by pool "+
				"transaction %v", in.OutputHash,
				other.Tx.Kernels[0].ExcessSig)
			return nil, txRuleError(ErrDoubleSpend, str)
		}
		live, err := mp.cfg.Chain.FetchLiveOutput(&in.OutputHash)
		if err != nil {
			return nil, err
		}
		if live == nil {
			str := fmt.Sprintf("input spends unknown or spent output %v",
				in.OutputHash)
			return nil, chainRuleError(blockchain.RuleError{
				ErrorCode:   blockchain.ErrMissingInput,
				Description: str,
			})
		}
		if live.Output.Commitment != in.Commitment {
			str := fmt.Sprintf("input commitment %v does not match "+
				"output %v", in.Commitment, in.OutputHash)
			return nil, chainRuleError(blockchain.RuleError{
				ErrorCode:   blockchain.ErrInputMismatch,
				Description: str,
			})
		}
		spent[in.Commitment] = struct{}{}
	}

	for i := range tx.Outputs {
		c := &tx.Outputs[i].Commitment
		if _, ok := mp.commitments[*c]; ok {
			str := fmt.Sprintf("commitment %v is already created by a "+
				"pool transaction", c)
			return nil, txRuleError(ErrCommitmentInPool, str)
		}
		if _, ok := spent[*c]; ok {
			continue
		}
		live, err := mp.cfg.Chain.HasLiveCommitment(c)
		if err != nil {
			return nil, err
		}
		if live {
			str := fmt.Sprintf("commitment %v matches an unspent output", c)
			return nil, chainRuleError(blockchain.RuleError{
				ErrorCode:   blockchain.ErrDuplicateCommitment,
				Description: str,
			})
		}
	}

	if mp.count >= mp.cfg.Policy.MaxUnconfirmed {
		str := fmt.Sprintf("pool is full with %d transactions", mp.count)
		return nil, txRuleError(ErrPoolFull, str)
	}

	desc := &TxDesc{
		Tx:     tx,
		Added:  mp.cfg.TimeSource(),
		Height: mp.cfg.Chain.BlockTip().Height,
		Fee:    fee,
		Weight: weight,
	}
	mp.addTransaction(desc)

	log.Debugf("Accepted transaction %v (pool size: %d)", id, mp.count)
	return desc, nil
}

// addTransaction indexes desc in the unconfirmed pool.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) addTransaction(desc *TxDesc) {
	tx := desc.Tx
	for i := range tx.Kernels {
		mp.pool[tx.Kernels[i].ExcessSig] = desc
	}
	for i := range tx.Inputs {
		mp.spends[tx.Inputs[i].OutputHash] = desc
	}
	for i := range tx.Outputs {
		mp.commitments[tx.Outputs[i].Commitment] = desc
	}
	mp.count++
}

// removeTransaction drops desc from the unconfirmed pool.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) removeTransaction(desc *TxDesc) {
	tx := desc.Tx
	if mp.pool[tx.Kernels[0].ExcessSig] != desc {
		return
	}
	for i := range tx.Kernels {
		delete(mp.pool, tx.Kernels[i].ExcessSig)
	}
	for i := range tx.Inputs {
		delete(mp.spends, tx.Inputs[i].OutputHash)
	}
	for i := range tx.Outputs {
		delete(mp.commitments, tx.Outputs[i].Commitment)
	}
	mp.count--
}

// Insert adds the given transactions to the unconfirmed pool and returns
// how many of them are now in it.  Transactions the pool already holds are
// counted, rejected ones are logged and skipped.
//
// This function is safe for concurrent access.
func (mp *TxPool) Insert(txs []*wire.MsgTx) int {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	var n int
	for _, tx := range txs {
		_, err := mp.maybeAcceptTransaction(tx)
		switch {
		case err == nil:
			n++
		case IsErrorCode(err, ErrDuplicate):
			n++
		default:
			log.Debugf("Rejected transaction: %v", err)
		}
	}
	return n
}

// RemoveTransaction removes the transaction from the unconfirmed pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveTransaction(tx *wire.MsgTx) {
	if len(tx.Kernels) == 0 {
		return
	}
	mp.mtx.Lock()
	if desc, ok := mp.pool[tx.Kernels[0].ExcessSig]; ok {
		mp.removeTransaction(desc)
	}
	mp.mtx.Unlock()
}

// LookupByExcessSig returns the transaction carrying a kernel with the given
// excess signature.  The unconfirmed pool is searched before the reorg pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) LookupByExcessSig(sig *wire.ExcessSig) (*wire.MsgTx, bool) {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	return mp.lookup(sig)
}

func (mp *TxPool) lookup(sig *wire.ExcessSig) (*wire.MsgTx, bool) {
	if desc, ok := mp.pool[*sig]; ok {
		return desc.Tx, true
	}
	if rtx, ok := mp.reorg[*sig]; ok {
		return rtx.tx, true
	}
	return nil, false
}

// FetchTransactions resolves the given excess signatures.  A transaction
// carrying several of the signatures is returned once.  Signatures that
// cannot be resolved are returned in missing.
//
// This function is safe for concurrent access.
func (mp *TxPool) FetchTransactions(sigs []wire.ExcessSig) (found []*wire.MsgTx,
	missing []wire.ExcessSig) {

	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	seen := make(map[*wire.MsgTx]struct{})
	for i := range sigs {
		tx, ok := mp.lookup(&sigs[i])
		if !ok {
			missing = append(missing, sigs[i])
			continue
		}
		if _, ok := seen[tx]; ok {
			continue
		}
		seen[tx] = struct{}{}
		found = append(found, tx)
	}
	return found, missing
}

// HaveTransaction returns whether a transaction carrying the kernel with the
// given excess signature is in the unconfirmed pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) HaveTransaction(sig *wire.ExcessSig) bool {
	mp.mtx.RLock()
	_, ok := mp.pool[*sig]
	mp.mtx.RUnlock()
	return ok
}

// Count returns the number of transactions in the unconfirmed pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) Count() int {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()
	return mp.count
}

// ReorgCount returns the number of transactions in the reorg pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) ReorgCount() int {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()
	return mp.reorgCount
}

// TxDescs returns the unconfirmed transactions ordered by fee per weight,
// highest first.
//
// This function is safe for concurrent access.
func (mp *TxPool) TxDescs() []*TxDesc {
	mp.mtx.RLock()
	descs := make([]*TxDesc, 0, mp.count)
	for sig, desc := range mp.pool {
		if desc.Tx.Kernels[0].ExcessSig == sig {
			descs = append(descs, desc)
		}
	}
	mp.mtx.RUnlock()

	slices.SortFunc(descs, func(a, b *TxDesc) int {
		fa, fb := a.FeePerWeight(), b.FeePerWeight()
		switch {
		case fa > fb:
			return -1
		case fa < fb:
			return 1
		}
		return a.Added.Compare(b.Added)
	})
	return descs
}

// MoveToReorgPool moves the transactions mined in block from the unconfirmed
// pool to the reorg pool and drops the pool transactions the block
// conflicts with.  Mined transactions older than the retention window are
// discarded.
//
// This function is safe for concurrent access.
func (mp *TxPool) MoveToReorgPool(block *wire.MsgBlock) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	height := block.Header.Height
	body := &block.Body
	var mined, conflicts int
	for i := range body.Kernels {
		k := &body.Kernels[i]
		if k.IsCoinbase() {
			continue
		}
		desc, ok := mp.pool[k.ExcessSig]
		if !ok {
			continue
		}
		mp.removeTransaction(desc)
		mp.addReorgTx(desc.Tx, height)
		mined++
	}

	for i := range body.Inputs {
		if desc, ok := mp.spends[body.Inputs[i].OutputHash]; ok {
			mp.removeTransaction(desc)
			conflicts++
		}
	}
	for i := range body.Outputs {
		if desc, ok := mp.commitments[body.Outputs[i].Commitment]; ok {
			mp.removeTransaction(desc)
			conflicts++
		}
	}

	mp.compactReorgPool(height)

	log.Debugf("Block %v (height %d) mined %d pool transactions, removed "+
		"%d conflicting ones (pool size: %d, reorg pool size: %d)",
		block.BlockHash(), height, mined, conflicts, mp.count, mp.reorgCount)
}

// addReorgTx stores a transaction mined at height in the reorg pool.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) addReorgTx(tx *wire.MsgTx, height uint64) {
	if _, ok := mp.reorg[tx.Kernels[0].ExcessSig]; ok {
		return
	}
	rtx := &reorgTx{tx: tx, height: height}
	for i := range tx.Kernels {
		mp.reorg[tx.Kernels[i].ExcessSig] = rtx
	}
	mp.reorgCount++
}

// removeReorgTx drops a transaction from the reorg pool.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) removeReorgTx(rtx *reorgTx) {
	for i := range rtx.tx.Kernels {
		delete(mp.reorg, rtx.tx.Kernels[i].ExcessSig)
	}
	mp.reorgCount--
}

// compactReorgPool discards the reorg pool entries mined more than the
// retention window below height and, when the pool is still too large,
// the oldest entries.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) compactReorgPool(height uint64) {
	var entries []*reorgTx
	for sig, rtx := range mp.reorg {
		if rtx.tx.Kernels[0].ExcessSig != sig {
			continue
		}
		if rtx.height+mp.cfg.Policy.ReorgRetention < height {
			mp.removeReorgTx(rtx)
			continue
		}
		entries = append(entries, rtx)
	}

	excess := len(entries) - mp.cfg.Policy.MaxReorgTxs
	if excess <= 0 {
		return
	}
	slices.SortFunc(entries, func(a, b *reorgTx) int {
		switch {
		case a.height < b.height:
			return -1
		case a.height > b.height:
			return 1
		}
		return 0
	})
	for _, rtx := range entries[:excess] {
		mp.removeReorgTx(rtx)
	}
}

// ReinsertBlock returns the transactions of a disconnected block that are
// held by the reorg pool to the unconfirmed pool.  The number of
// transactions reinserted is returned.
//
// This function is safe for concurrent access.
func (mp *TxPool) ReinsertBlock(block *wire.MsgBlock) int {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	var n int
	for i := range block.Body.Kernels {
		rtx, ok := mp.reorg[block.Body.Kernels[i].ExcessSig]
		if !ok {
			continue
		}
		mp.removeReorgTx(rtx)
		if _, err := mp.maybeAcceptTransaction(rtx.tx); err != nil {
			log.Debugf("Dropping transaction %v of disconnected block "+
				"%v: %v", rtx.tx.Kernels[0].ExcessSig,
				block.BlockHash(), err)
			continue
		}
		n++
	}
	log.Debugf("Reinserted %d transactions of disconnected block %v", n,
		block.BlockHash())
	return n
}

// HandleChainNotification keeps the pools in line with the block chain.  It
// is meant to be subscribed to the chain notifications.
func (mp *TxPool) HandleChainNotification(n *blockchain.Notification) {
	switch n.Type {
	case blockchain.NTBlockConnected:
		if block, ok := n.Data.(*wire.MsgBlock); ok {
			mp.MoveToReorgPool(block)
		}
	case blockchain.NTBlockDisconnected:
		if block, ok := n.Data.(*wire.MsgBlock); ok {
			mp.ReinsertBlock(block)
		}
	}
}
