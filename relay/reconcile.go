package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/metarelay/relay-node/metrics"
	"github.com/metarelay/relay-node/retryqueue"
	"go.uber.org/zap"
)

// ReconciliationLoop drives the relay's periodic tick: observe chain state,
// advance registration, boost or prune the relay's own transactions,
// replenish balances, and update readiness (spec.md §4.4).
type ReconciliationLoop struct {
	chain ChainAccess
	txs   *TransactionManager
	reg   *RegistrationManager
	rep   *Replenisher
	log   *zap.Logger

	managerAddress common.Address
	workerAddress  common.Address
	hubAddress     common.Address

	checkInterval             time.Duration
	readyTimeout              time.Duration
	refreshStateTimeoutBlocks uint64
	successfulRoundsForReady  int
	alertedBlockDelay         uint64
	workerMinBalance          *big.Int
	gasPriceFactor            float64

	running atomic.Bool
	queue   retryqueue.Queue

	mu               sync.Mutex
	lastScannedBlock uint64
	readiness        ReadinessState
	alerted          bool
	alertedBlock     uint64
	gasPrice         *big.Int
}

func NewReconciliationLoop(chain ChainAccess, txs *TransactionManager, reg *RegistrationManager, rep *Replenisher, log *zap.Logger,
	manager, worker, hub common.Address,
	checkInterval, readyTimeout time.Duration, refreshStateTimeoutBlocks uint64, successfulRoundsForReady int, alertedBlockDelay uint64,
	workerMinBalance *big.Int, gasPriceFactor float64,
) *ReconciliationLoop {
	return &ReconciliationLoop{
		chain:                     chain,
		txs:                       txs,
		reg:                       reg,
		rep:                       rep,
		log:                       log.With(zap.String("component", "reconciliation_loop")),
		managerAddress:            manager,
		workerAddress:             worker,
		hubAddress:                hub,
		checkInterval:             checkInterval,
		readyTimeout:              readyTimeout,
		refreshStateTimeoutBlocks: refreshStateTimeoutBlocks,
		successfulRoundsForReady:  successfulRoundsForReady,
		alertedBlockDelay:         alertedBlockDelay,
		workerMinBalance:          workerMinBalance,
		gasPriceFactor:            gasPriceFactor,
	}
}

// SetQueue attaches the retry queue driving boost-check/replenish-check
// background jobs; the loop keeps the queue's block cursor current.
func (l *ReconciliationLoop) SetQueue(q retryqueue.Queue) {
	l.queue = q
}

// Run blocks, ticking every checkInterval until ctx is cancelled.
func (l *ReconciliationLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// IsReady reports the loop's last-computed readiness with hysteresis applied.
func (l *ReconciliationLoop) IsReady() bool {
	l.mu.Lock()
	r := l.readiness
	l.mu.Unlock()
	return r.IsReady(l.successfulRoundsForReady)
}

func (l *ReconciliationLoop) IsAlerted() bool {
	l.mu.Lock()
	a := l.alerted
	l.mu.Unlock()
	return a
}

func (l *ReconciliationLoop) LastScannedBlock() uint64 {
	l.mu.Lock()
	b := l.lastScannedBlock
	l.mu.Unlock()
	return b
}

// CurrentGasPrice returns the gas price floor computed on the most recent
// tick (spec.md §4.4 step 4), or nil if no tick has completed a refresh yet.
func (l *ReconciliationLoop) CurrentGasPrice() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gasPrice
}

// tick runs one non-reentrant reconciliation round. If the previous tick is
// still running, this tick is skipped rather than queued (spec.md §4.4).
func (l *ReconciliationLoop) tick(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		metrics.IncReconcileTickSkipped()
		l.log.Warn("skipping tick, previous tick still in flight")
		return
	}
	defer l.running.Store(false)

	// Soft watchdog: if a tick runs past its deadline, readiness drops and the
	// successful-rounds counter is zeroed. Per the decision recorded for this
	// loop, a slow tick is never force-cancelled -- ethereum RPCs and DB writes
	// have no safe interrupt point mid-broadcast, so a stuck call is left to
	// finish or hit its own client-side timeout.
	deadline := time.AfterFunc(l.readyTimeout, func() {
		l.log.Warn("reconciliation tick exceeded ready timeout, still running")
		l.setReady(false)
	})
	defer deadline.Stop()

	metrics.IncReconcileTicks()
	if err := l.runTick(ctx); err != nil {
		metrics.IncReconcileTickErrors()
		l.log.Error("reconciliation tick failed", zap.Error(err))
		l.setReady(false)
	}
}

func (l *ReconciliationLoop) runTick(ctx context.Context) error {
	currentBlock, err := l.chain.BlockNumber(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	lastScanned := l.lastScannedBlock
	l.mu.Unlock()
	if lastScanned != 0 && currentBlock <= lastScanned {
		return nil
	}

	networkGasPrice, err := l.chain.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	gasPrice := floorGasPrice(networkGasPrice, l.gasPriceFactor)
	if gasPrice.Sign() == 0 {
		return fmt.Errorf("reconcile: computed gas price is zero (network=%s, factor=%v)", networkGasPrice.String(), l.gasPriceFactor)
	}
	l.mu.Lock()
	l.gasPrice = gasPrice
	l.mu.Unlock()
	l.reg.SetGasPrice(gasPrice)
	if l.rep != nil {
		l.rep.SetGasPrice(gasPrice)
	}

	if err := l.reg.RefreshBalance(ctx); err != nil {
		return err
	}
	if !l.reg.ManagerBalanceSatisfied() {
		l.setReady(false)
		return nil
	}

	fromBlock := lastScanned
	if fromBlock == 0 || fromBlock > currentBlock {
		fromBlock = currentBlock
	}

	events, err := l.chain.GetPastEventsForHub(ctx, l.hubAddress, nil, fromBlock, currentBlock)
	if err != nil {
		return err
	}

	shouldRegisterAgain := l.reg.ShouldRegisterAgain(currentBlock)
	if _, err := l.reg.HandlePastEvents(ctx, events, fromBlock, currentBlock, shouldRegisterAgain); err != nil {
		if !errors.Is(err, ErrTerminal) {
			return err
		}
		l.log.Error("registration entered terminal state", zap.Error(err))
	}

	if _, err := l.txs.BoostOldestPendingTransactionForSigner(ctx, l.managerAddress, currentBlock); err != nil {
		l.log.Error("boost manager tx failed", zap.Error(err))
	}
	if _, err := l.txs.BoostOldestPendingTransactionForSigner(ctx, l.workerAddress, currentBlock); err != nil {
		l.log.Error("boost worker tx failed", zap.Error(err))
	}

	if err := l.txs.RemoveConfirmedTransactions(ctx, currentBlock, []common.Address{l.managerAddress, l.workerAddress}); err != nil {
		l.log.Error("prune confirmed txs failed", zap.Error(err))
	}

	if l.rep != nil {
		if err := l.rep.Tick(ctx, currentBlock); err != nil {
			l.log.Error("replenish tick failed", zap.Error(err))
		}
	}

	l.mu.Lock()
	l.lastScannedBlock = currentBlock
	l.mu.Unlock()

	if l.queue != nil {
		if err := l.queue.UpdateBlock(currentBlock); err != nil {
			l.log.Debug("failed to update retry queue block cursor", zap.Error(err))
		}
	}

	workerBalance, err := l.chain.BalanceAt(ctx, l.workerAddress, false)
	if err != nil {
		return err
	}
	l.setReady(l.reg.IsRegistered() && workerBalance.Cmp(l.workerMinBalance) >= 0)

	if l.IsAlerted() && currentBlock >= l.alertedBlock+l.alertedBlockDelay {
		l.setAlerted(false, 0)
		metrics.SetAlerted(false)
		l.log.Info("clearing alerted state", zap.Uint64("current_block", currentBlock))
	}

	for _, ev := range events {
		if ev.Name == EventTransactionRejectedByPaymaster {
			l.setAlerted(true, currentBlock)
			metrics.SetAlerted(true)
			l.log.Warn("transaction rejected by paymaster, entering alerted state", zap.Uint64("block", currentBlock))
			break
		}
	}

	return nil
}

// floorGasPrice computes gasPrice := floor(networkGasPrice * factor)
// (spec.md §4.4 step 4).
func floorGasPrice(network *big.Int, factor float64) *big.Int {
	f, ok := new(big.Rat).SetString(strconv.FormatFloat(factor, 'f', -1, 64))
	if !ok {
		return new(big.Int)
	}
	f.Mul(f, new(big.Rat).SetInt(network))
	return new(big.Int).Quo(f.Num(), f.Denom())
}

func (l *ReconciliationLoop) setReady(ok bool) {
	l.mu.Lock()
	if ok {
		l.readiness.Ready = true
		l.readiness.LastSuccessfulRounds++
	} else {
		l.readiness.Ready = false
		l.readiness.LastSuccessfulRounds = 0
	}
	ready := l.readiness.IsReady(l.successfulRoundsForReady)
	l.mu.Unlock()
	metrics.SetReady(ready)
}

func (l *ReconciliationLoop) setAlerted(alerted bool, block uint64) {
	l.mu.Lock()
	l.alerted = alerted
	l.alertedBlock = block
	l.mu.Unlock()
}
