package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	redisadapter "github.com/metarelay/relay-node/adapters/redis"
	"github.com/metarelay/relay-node/metrics"
	"github.com/metarelay/relay-node/retryqueue"
	"go.uber.org/zap"
)

// boostCheckMaxBlockWindow bounds how long a boost-check job stays eligible
// in the retry queue before it's considered stale and dropped; the
// ReconciliationLoop's own synchronous boost pass is the source of truth, so
// a dropped job only costs latency, never correctness.
const boostCheckMaxBlockWindow = 1000

var ErrWouldRevert = errors.New("relay: transaction would revert")

// TransactionDetails carries everything sendTransaction needs to allocate a
// nonce, sign, and broadcast a transaction on behalf of one of the relay's
// own signers.
type TransactionDetails struct {
	Signer              common.Address
	Action              ServerAction
	To                  common.Address
	Value               *big.Int
	GasLimit            uint64
	GasPrice            *big.Int
	Data                []byte
	CreationBlockNumber uint64
}

// TransactionManager owns nonce allocation, signing, broadcast, gas-price
// boosting and confirmation pruning for every signer the relay controls
// (spec.md §4.2).
type TransactionManager struct {
	chain    ChainAccess
	keys     KeyStore
	store    *TxStore
	chainID  *big.Int
	log      *zap.Logger

	confirmationsNeeded       uint64
	pendingTransactionTimeout uint64
	retryGasPriceFactor       float64
	maxGasPrice               *big.Int

	signerLocksMu sync.Mutex
	signerLocks   map[common.Address]*sync.Mutex

	queue      retryqueue.Queue
	nonceCache *redisadapter.NonceCache
}

func NewTransactionManager(chain ChainAccess, keys KeyStore, store *TxStore, chainID *big.Int, log *zap.Logger,
	confirmationsNeeded, pendingTransactionTimeout uint64, retryGasPriceFactor float64, maxGasPrice *big.Int,
) *TransactionManager {
	return &TransactionManager{
		chain:                     chain,
		keys:                      keys,
		store:                     store,
		chainID:                   chainID,
		log:                       log.With(zap.String("component", "tx_manager")),
		confirmationsNeeded:       confirmationsNeeded,
		pendingTransactionTimeout: pendingTransactionTimeout,
		retryGasPriceFactor:       retryGasPriceFactor,
		maxGasPrice:               maxGasPrice,
		signerLocks:               make(map[common.Address]*sync.Mutex),
	}
}

// SetBoostQueue attaches a retry queue used to schedule boost-check jobs as
// a latency optimization on top of the ReconciliationLoop's own synchronous
// per-tick boost pass, which remains the source of truth. Optional: a
// TransactionManager with no queue attached behaves exactly as before.
func (m *TransactionManager) SetBoostQueue(q retryqueue.Queue) {
	m.queue = q
}

// SetNonceCache attaches a redis-backed next-nonce cache to PollNonce. The
// cached value is an additional lower bound only: PollNonce still queries the
// chain and reads GetAllBySigner from the store on every call and takes the
// max of all three, so a stale, evicted, or never-set entry cannot lower the
// allocated nonce.
func (m *TransactionManager) SetNonceCache(c *redisadapter.NonceCache) {
	m.nonceCache = c
}

// BoostCheckWorker is a retryqueue.ProcessFunc that re-examines the oldest
// pending transaction for the signer encoded in data, rescheduling itself
// for the next block if that signer still has unmined transactions.
func (m *TransactionManager) BoostCheckWorker(ctx context.Context, data []byte) error {
	if len(data) != common.AddressLength {
		return fmt.Errorf("boost-check: malformed payload length %d", len(data))
	}
	signer := common.BytesToAddress(data)

	currentBlock, err := m.chain.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if _, err := m.BoostOldestPendingTransactionForSigner(ctx, signer, currentBlock); err != nil {
		return fmt.Errorf("boost-check for %s: %w", signer.Hex(), err)
	}

	if _, err := m.store.GetOldestPending(ctx, signer); err != nil {
		if errors.Is(err, ErrTxNotFound) {
			return nil
		}
		return err
	}
	return retryqueue.ErrProcessScheduleNextBlock
}

func (m *TransactionManager) scheduleBoostCheck(ctx context.Context, signer common.Address, creationBlockNumber uint64) {
	if m.queue == nil {
		return
	}
	minBlock := creationBlockNumber + m.pendingTransactionTimeout
	if err := m.queue.Push(ctx, signer.Bytes(), false, minBlock, minBlock+boostCheckMaxBlockWindow); err != nil {
		m.log.Debug("failed to schedule boost-check job", zap.Error(err), zap.String("signer", signer.Hex()))
	}
}

func (m *TransactionManager) lockFor(signer common.Address) *sync.Mutex {
	m.signerLocksMu.Lock()
	defer m.signerLocksMu.Unlock()
	l, ok := m.signerLocks[signer]
	if !ok {
		l = &sync.Mutex{}
		m.signerLocks[signer] = l
	}
	return l
}

// PollNonce returns the max of the chain-reported pending nonce, one past the
// highest locally-stored nonce for signer, and (if attached) the cached
// next-nonce, per spec.md §4.2.
func (m *TransactionManager) PollNonce(ctx context.Context, signer common.Address) (uint64, error) {
	chainNonce, err := m.chain.PendingNonceAt(ctx, signer)
	if err != nil {
		return 0, fmt.Errorf("poll chain nonce: %w", err)
	}

	stored, err := m.store.GetAllBySigner(ctx, signer)
	if err != nil {
		return 0, fmt.Errorf("poll stored nonce: %w", err)
	}

	nonce := chainNonce
	if len(stored) > 0 {
		highest := stored[len(stored)-1].Nonce + 1
		if highest > nonce {
			nonce = highest
		}
	}

	if m.nonceCache != nil {
		if cached, err := m.nonceCache.Peek(ctx, signer.Hex()); err == nil && cached > nonce {
			nonce = cached
		}
	}

	return nonce, nil
}

// SendTransaction allocates a nonce, signs and broadcasts details on behalf
// of details.Signer, persists the record, and returns its hash. This entire
// sequence runs under the signer's mutex (spec.md §5's per-signer critical
// section).
func (m *TransactionManager) SendTransaction(ctx context.Context, details TransactionDetails) (common.Hash, *types.Transaction, error) {
	lock := m.lockFor(details.Signer)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := m.PollNonce(ctx, details.Signer)
	if err != nil {
		return common.Hash{}, nil, err
	}

	value := details.Value
	if value == nil {
		value = big.NewInt(0)
	}

	unsigned := types.NewTransaction(nonce, details.To, value, details.GasLimit, details.GasPrice, details.Data)
	signed, err := m.keys.Sign(details.Signer, unsigned, m.chainID)
	if err != nil {
		return common.Hash{}, nil, fmt.Errorf("sign transaction: %w", err)
	}

	if err := m.chain.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, nil, fmt.Errorf("broadcast transaction: %w", err)
	}

	record := &StoredTransaction{
		TxHash:              signed.Hash(),
		From:                details.Signer,
		To:                  details.To,
		Nonce:               nonce,
		GasPrice:            details.GasPrice,
		GasLimit:            details.GasLimit,
		Value:               value,
		Data:                details.Data,
		CreationBlockNumber: details.CreationBlockNumber,
		CreationTimestamp:   time.Now(),
		ServerAction:        details.Action,
	}
	if err := m.store.Put(ctx, record); err != nil {
		m.log.Error("failed to persist broadcast transaction, will re-derive nonce on next poll",
			zap.Error(err), zap.String("tx_hash", signed.Hash().Hex()))
		return common.Hash{}, nil, fmt.Errorf("persist transaction: %w", err)
	}

	if m.nonceCache != nil {
		if err := m.nonceCache.Reset(ctx, details.Signer.Hex(), nonce+1); err != nil {
			m.log.Debug("failed to update nonce cache", zap.Error(err), zap.String("signer", details.Signer.Hex()))
		}
	}

	metrics.IncTransactionsSent()
	m.log.Info("sent transaction",
		zap.String("signer", details.Signer.Hex()),
		zap.Uint64("nonce", nonce),
		zap.String("action", string(details.Action)),
		zap.String("tx_hash", signed.Hash().Hex()))

	m.scheduleBoostCheck(ctx, details.Signer, details.CreationBlockNumber)

	return signed.Hash(), signed, nil
}

// BoostOldestPendingTransactionForSigner re-signs the oldest unmined
// transaction for signer at a higher gas price if it has been pending
// longer than pendingTransactionTimeout blocks (spec.md §4.2).
func (m *TransactionManager) BoostOldestPendingTransactionForSigner(ctx context.Context, signer common.Address, currentBlock uint64) (*common.Hash, error) {
	lock := m.lockFor(signer)
	lock.Lock()
	defer lock.Unlock()

	pending, err := m.store.GetOldestPending(ctx, signer)
	if err != nil {
		if errors.Is(err, ErrTxNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if currentBlock < pending.CreationBlockNumber+m.pendingTransactionTimeout {
		return nil, nil
	}

	networkGasPrice, err := m.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	boosted := new(big.Float).Mul(new(big.Float).SetInt(pending.GasPrice), big.NewFloat(m.retryGasPriceFactor))
	boostedGasPrice, _ := boosted.Int(nil)
	newGasPrice := networkGasPrice
	if boostedGasPrice.Cmp(newGasPrice) > 0 {
		newGasPrice = boostedGasPrice
	}
	if newGasPrice.Cmp(m.maxGasPrice) > 0 {
		newGasPrice = m.maxGasPrice
	}

	unsigned := types.NewTransaction(pending.Nonce, pending.To, pending.Value, pending.GasLimit, newGasPrice, pending.Data)
	signed, err := m.keys.Sign(signer, unsigned, m.chainID)
	if err != nil {
		return nil, fmt.Errorf("sign boosted transaction: %w", err)
	}
	if err := m.chain.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("broadcast boosted transaction: %w", err)
	}

	replaced := *pending
	replaced.TxHash = signed.Hash()
	replaced.GasPrice = newGasPrice
	if err := m.store.Put(ctx, &replaced); err != nil {
		return nil, fmt.Errorf("persist boosted transaction: %w", err)
	}

	metrics.IncBoostsPerformed()
	m.log.Info("boosted stuck transaction",
		zap.String("signer", signer.Hex()),
		zap.Uint64("nonce", pending.Nonce),
		zap.String("old_gas_price", pending.GasPrice.String()),
		zap.String("new_gas_price", newGasPrice.String()))

	hash := signed.Hash()
	return &hash, nil
}

// RemoveConfirmedTransactions prunes, for each signer in signers, every
// prefix of mined records whose confirmation depth has reached
// confirmationsNeeded. Pruning halts at the first gap (unmined or
// insufficiently confirmed record) per spec.md §4.2.
func (m *TransactionManager) RemoveConfirmedTransactions(ctx context.Context, currentBlock uint64, signers []common.Address) error {
	for _, signer := range signers {
		if err := m.removeConfirmedForSigner(ctx, signer, currentBlock); err != nil {
			return err
		}
	}
	return nil
}

func (m *TransactionManager) removeConfirmedForSigner(ctx context.Context, signer common.Address, currentBlock uint64) error {
	txs, err := m.store.GetAllBySigner(ctx, signer)
	if err != nil {
		return err
	}

	var highestConfirmed uint64
	confirmed := 0
	for _, tx := range txs {
		if !tx.IsMined() {
			break
		}
		depth := currentBlock - *tx.MinedBlockNumber + 1
		if depth < m.confirmationsNeeded {
			break
		}
		highestConfirmed = tx.Nonce
		confirmed++
	}
	if confirmed == 0 {
		return nil
	}

	if err := m.store.RemoveTxsUntilNonce(ctx, signer, highestConfirmed); err != nil {
		return err
	}
	metrics.IncTransactionsConfirmed(confirmed)
	return nil
}

// AttemptEstimateGas estimates gas for a call with a 15% fixed margin,
// surfacing a would-revert condition as ErrWouldRevert (spec.md §4.2).
func (m *TransactionManager) AttemptEstimateGas(ctx context.Context, label string, call EthCallMsg) (uint64, error) {
	gas, err := m.chain.EstimateGas(ctx, call)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrWouldRevert, label, err)
	}
	return gas + gas*15/100, nil
}
