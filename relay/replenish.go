package relay

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/metarelay/relay-node/retryqueue"
	"go.uber.org/zap"
)

// replenishCheckQueueKey is the fixed payload for replenish-check jobs: a
// single pair of signers, so unlike boost-check there is no per-signer
// payload to decode.
var replenishCheckQueueKey = []byte("replenish-check")

// Replenisher keeps the manager and worker signers funded, per spec.md
// §4.6: withdraw from the hub into the manager when the manager falls below
// its target, and top up the worker from the manager when the worker falls
// below its minimum.
type Replenisher struct {
	chain ChainAccess
	txs   *TransactionManager
	log   *zap.Logger

	hubAddress     common.Address
	managerAddress common.Address
	workerAddress  common.Address

	managerMinBalance       *big.Int
	managerTargetBalance    *big.Int
	minHubWithdrawalBalance *big.Int
	workerMinBalance        *big.Int
	workerTargetBalance     *big.Int

	queue    retryqueue.Queue
	gasPrice atomic.Pointer[big.Int]
}

func NewReplenisher(chain ChainAccess, txs *TransactionManager, log *zap.Logger,
	hub, manager, worker common.Address,
	managerMinBalance, managerTargetBalance, minHubWithdrawalBalance, workerMinBalance, workerTargetBalance *big.Int,
) *Replenisher {
	return &Replenisher{
		chain:                   chain,
		txs:                     txs,
		log:                     log.With(zap.String("component", "replenisher")),
		hubAddress:              hub,
		managerAddress:          manager,
		workerAddress:           worker,
		managerMinBalance:       managerMinBalance,
		managerTargetBalance:    managerTargetBalance,
		minHubWithdrawalBalance: minHubWithdrawalBalance,
		workerMinBalance:        workerMinBalance,
		workerTargetBalance:     workerTargetBalance,
	}
}

// SetQueue attaches a retry queue used to schedule a replenish-check job
// shortly after a relay request is admitted, decoupling that check from the
// HTTP response path (spec.md §4.6's "trigger a worker-replenish check").
// The ReconciliationLoop's own per-tick call to Tick remains the source of
// truth; the queued job is a latency optimization only.
func (r *Replenisher) SetQueue(q retryqueue.Queue) {
	r.queue = q
}

// SetGasPrice updates the gas price used for the replenishment transactions
// this Replenisher submits, refreshed once per tick by ReconciliationLoop
// (spec.md §4.4 step 4).
func (r *Replenisher) SetGasPrice(price *big.Int) {
	r.gasPrice.Store(price)
}

func (r *Replenisher) currentGasPrice() *big.Int {
	if p := r.gasPrice.Load(); p != nil {
		return p
	}
	return big.NewInt(0)
}

// ScheduleCheck pushes a replenish-check job eligible starting next block.
// No-op if no queue is attached.
func (r *Replenisher) ScheduleCheck(ctx context.Context, currentBlock uint64) {
	if r.queue == nil {
		return
	}
	if err := r.queue.Push(ctx, replenishCheckQueueKey, true, currentBlock+1, currentBlock+20); err != nil {
		r.log.Debug("failed to schedule replenish-check job", zap.Error(err))
	}
}

// ReplenishCheckWorker is a retryqueue.ProcessFunc wrapping Tick for use as
// a queued background job; it resolves the current block itself since the
// job may run well after it was scheduled.
func (r *Replenisher) ReplenishCheckWorker(ctx context.Context, data []byte) error {
	currentBlock, err := r.chain.BlockNumber(ctx)
	if err != nil {
		return err
	}
	return r.Tick(ctx, currentBlock)
}

// Tick checks both signers' balances and submits at most one funding
// transaction per signer per call.
func (r *Replenisher) Tick(ctx context.Context, currentBlock uint64) error {
	if err := r.replenishManager(ctx, currentBlock); err != nil {
		return fmt.Errorf("replenish manager: %w", err)
	}
	if err := r.replenishWorker(ctx, currentBlock); err != nil {
		return fmt.Errorf("replenish worker: %w", err)
	}
	return nil
}

func (r *Replenisher) replenishManager(ctx context.Context, currentBlock uint64) error {
	pending, err := r.txs.store.IsActionPending(ctx, ActionDepositWithdrawal, r.managerAddress)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}

	managerBalance, err := r.chain.BalanceAt(ctx, r.managerAddress, false)
	if err != nil {
		return err
	}
	if managerBalance.Cmp(r.managerTargetBalance) >= 0 {
		return nil
	}

	hubBalance, err := r.chain.HubBalance(ctx, r.hubAddress, r.managerAddress)
	if err != nil {
		return err
	}
	if hubBalance.Cmp(r.minHubWithdrawalBalance) < 0 {
		r.log.Warn("manager below target but hub balance too low to withdraw",
			zap.String("manager_balance", managerBalance.String()),
			zap.String("hub_balance", hubBalance.String()))
		return nil
	}

	withdrawAmount := new(big.Int).Sub(r.managerTargetBalance, managerBalance)
	if withdrawAmount.Cmp(hubBalance) > 0 {
		withdrawAmount = hubBalance
	}

	_, _, err = r.txs.SendTransaction(ctx, TransactionDetails{
		Signer:              r.managerAddress,
		Action:              ActionDepositWithdrawal,
		To:                  r.hubAddress,
		Value:               big.NewInt(0),
		GasLimit:            100000,
		GasPrice:            r.currentGasPrice(),
		Data:                []byte{},
		CreationBlockNumber: currentBlock,
	})
	if err != nil {
		return err
	}
	r.log.Info("withdrew from hub to replenish manager", zap.String("amount", withdrawAmount.String()))
	return nil
}

func (r *Replenisher) replenishWorker(ctx context.Context, currentBlock uint64) error {
	pending, err := r.txs.store.IsActionPending(ctx, ActionValueTransfer, r.managerAddress)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}

	workerBalance, err := r.chain.BalanceAt(ctx, r.workerAddress, false)
	if err != nil {
		return err
	}
	if workerBalance.Cmp(r.workerMinBalance) >= 0 {
		return nil
	}

	managerBalance, err := r.chain.BalanceAt(ctx, r.managerAddress, false)
	if err != nil {
		return err
	}
	refill := new(big.Int).Sub(r.workerTargetBalance, workerBalance)
	headroom := new(big.Int).Sub(managerBalance, r.managerMinBalance)
	if refill.Cmp(headroom) >= 0 {
		r.log.Error("funding needed: manager cannot cover worker replenishment without going below its own minimum",
			zap.String("refill", refill.String()),
			zap.String("manager_balance", managerBalance.String()),
			zap.String("manager_min_balance", r.managerMinBalance.String()))
		return nil
	}
	transferAmount := refill

	_, _, err = r.txs.SendTransaction(ctx, TransactionDetails{
		Signer:              r.managerAddress,
		Action:              ActionValueTransfer,
		To:                  r.workerAddress,
		Value:               transferAmount,
		GasLimit:            21000,
		GasPrice:            r.currentGasPrice(),
		Data:                []byte{},
		CreationBlockNumber: currentBlock,
	})
	if err != nil {
		return err
	}
	r.log.Info("transferred from manager to replenish worker", zap.String("amount", transferAmount.String()))
	return nil
}
