package relay

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Log is a decoded on-chain event, in the shape RegistrationManager needs
// regardless of which contract emitted it.
type Log struct {
	BlockNumber uint64
	LogIndex    uint
	Address     common.Address
	Name        string
	Topics      []common.Hash
	Data        []byte
}

// ChainAccess is the RPC/gas/event port named in spec.md §6. Implemented by
// the chain package.
type ChainAccess interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, addr common.Address, pending bool) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	EstimateGas(ctx context.Context, call EthCallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	GetPastEventsForHub(ctx context.Context, hub common.Address, topics []common.Hash, fromBlock, toBlock uint64) ([]Log, error)
	// CallViewMethod performs an eth_call against to with the given calldata,
	// returning the raw return data or an error describing a revert.
	CallViewMethod(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	// GetGasLimits queries a paymaster's getGasLimits() view method.
	GetGasLimits(ctx context.Context, paymaster common.Address) (PaymasterGasLimits, error)
	// HubBalance returns target's on-hub deposit balance.
	HubBalance(ctx context.Context, hub, target common.Address) (*big.Int, error)
	// HubCharge returns hub.calculateCharge(gasUsed, gasPrice).
	HubCharge(ctx context.Context, hub common.Address, gasUsed uint64, gasPrice *big.Int) (*big.Int, error)
	// GetStakeInfo returns the stake manager's record for relayManager.
	GetStakeInfo(ctx context.Context, stakeManager, relayManager common.Address) (StakeInfo, error)
}

// StakeInfo mirrors the stake manager's per-relay-manager stake record.
type StakeInfo struct {
	Stake         *big.Int
	UnstakeDelay  *big.Int
	WithdrawBlock *big.Int
	Owner         common.Address
}

// EthCallMsg mirrors ethereum.CallMsg's relevant subset without importing
// the ethereum package into the relay package.
type EthCallMsg struct {
	From     common.Address
	To       *common.Address
	Value    *big.Int
	GasPrice *big.Int
	Data     []byte
}

// PaymasterGasLimits is the result of a paymaster's getGasLimits() call.
type PaymasterGasLimits struct {
	AcceptanceBudget uint64
	PreRelayedCallGasLimit uint64
	PostRelayedCallGasLimit uint64
}

// KeyStore is the signing port named in spec.md §6. Implemented by the
// keystore package.
type KeyStore interface {
	GetAddress(index int) (common.Address, error)
	Sign(addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}
