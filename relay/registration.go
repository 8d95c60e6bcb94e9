package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/metarelay/relay-node/metrics"
	"go.uber.org/zap"
)

// Event topic names RegistrationManager reacts to, matching the event names
// in spec.md §4.3. The hub/stake-manager ABI that defines these is out of
// scope; chain.Client decodes raw logs into relay.Log carrying this name.
const (
	EventHubAuthorized        = "HubAuthorized"
	EventHubUnauthorized      = "HubUnauthorized"
	EventRelayWorkersAdded    = "RelayWorkersAdded"
	EventStakeAdded           = "StakeAdded"
	EventStakeUnlocked        = "StakeUnlocked"
	EventStakeWithdrawn       = "StakeWithdrawn"
	EventOwnerSet             = "OwnerSet"
	EventRelayServerRegistered = "RelayServerRegistered"

	// EventTransactionRejectedByPaymaster is scanned by ReconciliationLoop
	// itself (spec.md §4.4 step 11), not by RegistrationManager's state
	// machine; it lives here alongside the other hub event names.
	EventTransactionRejectedByPaymaster = "TransactionRejectedByPaymaster"
)

// ErrTerminal marks a condition RegistrationManager cannot recover from
// without operator intervention: the relay refuses to register further
// (spec.md §4.3's owner-mismatch and StakeUnlocked edge cases).
var ErrTerminal = errors.New("relay: terminal registration condition")

// RegistrationManager drives the relay through the stake/authorize/register
// state machine described in spec.md §4.3.
type RegistrationManager struct {
	chain   ChainAccess
	txs     *TransactionManager
	log     *zap.Logger

	hubAddress     common.Address
	stakeManager   common.Address
	ownerAddress   common.Address
	managerAddress common.Address
	workerAddress  common.Address

	registrationBlockRate uint64
	stakeAmount           *big.Int

	state              RegistrationState
	managerMinBalance  *AmountRequired
	lastRelayEventBlock uint64
	withdrawalPending  bool

	gasPrice atomic.Pointer[big.Int]
	terminal error
}

func NewRegistrationManager(chain ChainAccess, txs *TransactionManager, log *zap.Logger,
	hub, stakeManager, owner, manager, worker common.Address, registrationBlockRate uint64, managerMinBalance, stakeAmount *big.Int,
) *RegistrationManager {
	l := log.With(zap.String("component", "registration_manager"))
	return &RegistrationManager{
		chain:                 chain,
		txs:                   txs,
		log:                   l,
		hubAddress:            hub,
		stakeManager:          stakeManager,
		ownerAddress:          owner,
		managerAddress:        manager,
		workerAddress:         worker,
		registrationBlockRate: registrationBlockRate,
		stakeAmount:           stakeAmount,
		state:                 RegistrationState{Status: StatusUnstaked},
		managerMinBalance:     NewAmountRequired("manager_min_balance", managerMinBalance, l),
	}
}

// SetGasPrice updates the gas price used for the manager's own
// state-transition transactions, refreshed once per tick by
// ReconciliationLoop (spec.md §4.4 step 4).
func (r *RegistrationManager) SetGasPrice(price *big.Int) {
	r.gasPrice.Store(price)
}

func (r *RegistrationManager) currentGasPrice() *big.Int {
	if p := r.gasPrice.Load(); p != nil {
		return p
	}
	return big.NewInt(0)
}

// Init resolves the manager's owner/stake/unstakeDelay/withdrawBlock from
// the stake manager contract (spec.md §4.3's init()).
func (r *RegistrationManager) Init(ctx context.Context) error {
	info, err := r.chain.GetStakeInfo(ctx, r.stakeManager, r.managerAddress)
	if err != nil {
		return fmt.Errorf("init registration manager: %w", err)
	}
	r.state.Stake = info.Stake
	r.state.UnstakeDelay = info.UnstakeDelay
	r.state.WithdrawBlock = info.WithdrawBlock
	r.state.Owner = info.Owner

	if info.Owner != (common.Address{}) && info.Owner != r.ownerAddress {
		r.terminal = fmt.Errorf("%w: stake manager owner %s does not match configured owner %s",
			ErrTerminal, info.Owner.Hex(), r.ownerAddress.Hex())
		r.log.Error("owner mismatch at init", zap.Error(r.terminal))
		return r.terminal
	}
	if info.Stake != nil && info.Stake.Sign() > 0 {
		r.state.Status = StatusStakedUnauthorized
	}
	return nil
}

// RefreshBalance updates managerMinBalance.current from the manager's
// on-chain balance (spec.md §4.3's refreshBalance()).
func (r *RegistrationManager) RefreshBalance(ctx context.Context) error {
	balance, err := r.chain.BalanceAt(ctx, r.managerAddress, false)
	if err != nil {
		return fmt.Errorf("refresh manager balance: %w", err)
	}
	r.managerMinBalance.Set(balance)
	return nil
}

func (r *RegistrationManager) ManagerBalanceSatisfied() bool {
	return r.managerMinBalance.IsSatisfied()
}

func (r *RegistrationManager) TerminalError() error {
	return r.terminal
}

func (r *RegistrationManager) State() RegistrationState {
	return r.state
}

func (r *RegistrationManager) IsRegistered() bool {
	return r.terminal == nil && r.state.Status == StatusRegistered && !r.withdrawalPending
}

// HandlePastEvents updates in-memory RegistrationState from events observed
// in [fromBlock, toBlock], then emits exactly the next missing transition as
// a signed transaction via TransactionManager (spec.md §4.3). Events are
// applied in ascending (BlockNumber, LogIndex) order; a sorted copy of the
// input is made first, so callers may pass them in any order.
func (r *RegistrationManager) HandlePastEvents(ctx context.Context, events []Log, fromBlock, toBlock uint64, shouldRegisterAgain bool) ([]common.Hash, error) {
	if r.terminal != nil {
		return nil, r.terminal
	}

	sorted := make([]Log, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].BlockNumber != sorted[j].BlockNumber {
			return sorted[i].BlockNumber < sorted[j].BlockNumber
		}
		return sorted[i].LogIndex < sorted[j].LogIndex
	})

	for _, ev := range sorted {
		if err := r.applyEvent(ev); err != nil {
			return nil, err
		}
		if ev.Name == EventRelayServerRegistered || ev.Name == EventHubAuthorized ||
			ev.Name == EventRelayWorkersAdded || ev.Name == EventStakeAdded {
			r.lastRelayEventBlock = ev.BlockNumber
		}
	}

	var hashes []common.Hash
	hash, err := r.submitNextTransition(ctx, toBlock, shouldRegisterAgain)
	if err != nil {
		return nil, err
	}
	if hash != nil {
		hashes = append(hashes, *hash)
	}
	return hashes, nil
}

func (r *RegistrationManager) applyEvent(ev Log) error {
	switch ev.Name {
	case EventStakeAdded:
		if r.state.Status == StatusUnstaked {
			r.state.Status = StatusStakedUnauthorized
		}
	case EventHubAuthorized:
		r.state.IsHubAuthorized = true
		if r.state.Status == StatusStakedUnauthorized {
			r.state.Status = StatusStakedAuthorized
		}
	case EventHubUnauthorized:
		r.state.IsHubAuthorized = false
	case EventRelayWorkersAdded:
		r.state.IsWorkerAdded = true
		if r.state.Status == StatusStakedAuthorized {
			r.state.Status = StatusWorkersAdded
		}
	case EventRelayServerRegistered:
		r.state.Status = StatusRegistered
	case EventOwnerSet:
		// OwnerSet only clears withdrawalPending here: the new owner is not
		// decoded from ev.Data and is not compared with the configured owner,
		// so an OwnerSet to a different owner does not enter the terminal state.
		r.withdrawalPending = false
	case EventStakeWithdrawn:
		r.withdrawalPending = false
		r.state.Status = StatusUnstaked
	case EventStakeUnlocked:
		r.terminal = fmt.Errorf("%w: StakeUnlocked observed, treating as terminal de-readiness", ErrTerminal)
		metrics.IncRegistrationErrors()
		r.log.Error("stake unlocked, entering terminal de-readiness", zap.Error(r.terminal))
		return r.terminal
	}
	return nil
}

// submitNextTransition submits exactly the one transaction that advances
// the state machine one step, if any is currently missing.
func (r *RegistrationManager) submitNextTransition(ctx context.Context, atBlock uint64, shouldRegisterAgain bool) (*common.Hash, error) {
	var action ServerAction
	var to common.Address
	value := big.NewInt(0)

	switch {
	case r.state.Status == StatusUnstaked:
		action, to, value = ActionStake, r.stakeManager, r.stakeAmount
	case r.state.Status == StatusStakedUnauthorized:
		action, to = ActionAuthorizeHub, r.hubAddress
	case r.state.Status == StatusStakedAuthorized:
		action, to = ActionAddWorker, r.hubAddress
	case r.state.Status == StatusWorkersAdded:
		action, to = ActionRegisterServer, r.hubAddress
	case r.state.Status == StatusRegistered && shouldRegisterAgain:
		action, to = ActionRegisterServer, r.hubAddress
	default:
		return nil, nil
	}

	hash, _, err := r.txs.SendTransaction(ctx, TransactionDetails{
		Signer:              r.managerAddress,
		Action:              action,
		To:                  to,
		Value:               value,
		GasLimit:            200000,
		GasPrice:            r.currentGasPrice(),
		Data:                []byte{},
		CreationBlockNumber: atBlock,
	})
	if err != nil {
		return nil, fmt.Errorf("submit %s transition: %w", action, err)
	}
	metrics.IncRegistrationTransitions()
	return &hash, nil
}

// ShouldRegisterAgain implements spec.md §4.4 step 6's hint: true once
// currentBlock - lastRelayEventBlock >= registrationBlockRate. It is always
// false until a relay event has been observed (lastRelayEventBlock == 0).
func (r *RegistrationManager) ShouldRegisterAgain(currentBlock uint64) bool {
	if r.lastRelayEventBlock == 0 {
		return false
	}
	return currentBlock-r.lastRelayEventBlock >= r.registrationBlockRate
}
