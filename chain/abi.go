package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/metarelay/relay-node/relay"
)

// The contract source is out of scope (spec.md §1); these ABI fragments
// cover only the view methods the relay's reconciliation engine and
// admission pipeline need to call, embedded the way the teacher embeds its
// static builder/hint assets rather than pulling in generated bindings for
// a contract this module never deploys.
const paymasterABIJSON = `[
	{"name":"getGasLimits","type":"function","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"limits","type":"tuple","components":[
		{"name":"acceptanceBudget","type":"uint256"},
		{"name":"preRelayedCallGasLimit","type":"uint256"},
		{"name":"postRelayedCallGasLimit","type":"uint256"}
	 ]}]}
]`

const relayHubABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"target","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"calculateCharge","type":"function","stateMutability":"view","inputs":[
		{"name":"gasUsed","type":"uint256"},{"name":"gasPrice","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

const stakeManagerABIJSON = `[
	{"name":"getStakeInfo","type":"function","stateMutability":"view","inputs":[{"name":"relayManager","type":"address"}],
	 "outputs":[{"name":"stakeInfo","type":"tuple","components":[
		{"name":"stake","type":"uint256"},
		{"name":"unstakeDelay","type":"uint256"},
		{"name":"withdrawBlock","type":"uint256"},
		{"name":"owner","type":"address"}
	 ]}]}
]`

var (
	paymasterABI    abi.ABI
	relayHubABI     abi.ABI
	stakeManagerABI abi.ABI
)

func init() {
	var err error
	paymasterABI, err = abi.JSON(strings.NewReader(paymasterABIJSON))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid paymaster ABI: %v", err))
	}
	relayHubABI, err = abi.JSON(strings.NewReader(relayHubABIJSON))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid relay hub ABI: %v", err))
	}
	stakeManagerABI, err = abi.JSON(strings.NewReader(stakeManagerABIJSON))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid stake manager ABI: %v", err))
	}
}

// GetGasLimits calls paymaster.getGasLimits() and decodes the tuple result.
func (c *Client) GetGasLimits(ctx context.Context, paymaster common.Address) (relay.PaymasterGasLimits, error) {
	data, err := paymasterABI.Pack("getGasLimits")
	if err != nil {
		return relay.PaymasterGasLimits{}, fmt.Errorf("pack getGasLimits: %w", err)
	}
	raw, err := c.CallViewMethod(ctx, paymaster, data)
	if err != nil {
		return relay.PaymasterGasLimits{}, err
	}
	out, err := paymasterABI.Unpack("getGasLimits", raw)
	if err != nil {
		return relay.PaymasterGasLimits{}, fmt.Errorf("unpack getGasLimits: %w", err)
	}
	if len(out) != 1 {
		return relay.PaymasterGasLimits{}, fmt.Errorf("getGasLimits: unexpected output shape")
	}
	limits, ok := out[0].(struct {
		AcceptanceBudget        *big.Int
		PreRelayedCallGasLimit  *big.Int
		PostRelayedCallGasLimit *big.Int
	})
	if !ok {
		return relay.PaymasterGasLimits{}, fmt.Errorf("getGasLimits: unexpected output type")
	}
	return relay.PaymasterGasLimits{
		AcceptanceBudget:        limits.AcceptanceBudget.Uint64(),
		PreRelayedCallGasLimit:  limits.PreRelayedCallGasLimit.Uint64(),
		PostRelayedCallGasLimit: limits.PostRelayedCallGasLimit.Uint64(),
	}, nil
}

// HubBalance returns target's on-hub deposit balance, used by the admission
// pipeline's funding check (spec.md §4.5 step 8).
func (c *Client) HubBalance(ctx context.Context, hub, target common.Address) (*big.Int, error) {
	data, err := relayHubABI.Pack("balanceOf", target)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	raw, err := c.CallViewMethod(ctx, hub, data)
	if err != nil {
		return nil, err
	}
	out, err := relayHubABI.Unpack("balanceOf", raw)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected output type")
	}
	return balance, nil
}

// HubCharge returns the hub's calculateCharge(gasUsed, gasPrice) result,
// used to compute maxCharge in the admission pipeline's funding check.
func (c *Client) HubCharge(ctx context.Context, hub common.Address, gasUsed uint64, gasPrice *big.Int) (*big.Int, error) {
	data, err := relayHubABI.Pack("calculateCharge", new(big.Int).SetUint64(gasUsed), gasPrice)
	if err != nil {
		return nil, fmt.Errorf("pack calculateCharge: %w", err)
	}
	raw, err := c.CallViewMethod(ctx, hub, data)
	if err != nil {
		return nil, err
	}
	out, err := relayHubABI.Unpack("calculateCharge", raw)
	if err != nil {
		return nil, fmt.Errorf("unpack calculateCharge: %w", err)
	}
	charge, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("calculateCharge: unexpected output type")
	}
	return charge, nil
}

// GetStakeInfo returns stakeManager's stake record for relayManager.
func (c *Client) GetStakeInfo(ctx context.Context, stakeManager, relayManager common.Address) (relay.StakeInfo, error) {
	data, err := stakeManagerABI.Pack("getStakeInfo", relayManager)
	if err != nil {
		return relay.StakeInfo{}, fmt.Errorf("pack getStakeInfo: %w", err)
	}
	raw, err := c.CallViewMethod(ctx, stakeManager, data)
	if err != nil {
		return relay.StakeInfo{}, err
	}
	out, err := stakeManagerABI.Unpack("getStakeInfo", raw)
	if err != nil {
		return relay.StakeInfo{}, fmt.Errorf("unpack getStakeInfo: %w", err)
	}
	info, ok := out[0].(struct {
		Stake         *big.Int
		UnstakeDelay  *big.Int
		WithdrawBlock *big.Int
		Owner         common.Address
	})
	if !ok {
		return relay.StakeInfo{}, fmt.Errorf("getStakeInfo: unexpected output type")
	}
	return relay.StakeInfo{
		Stake:         info.Stake,
		UnstakeDelay:  info.UnstakeDelay,
		WithdrawBlock: info.WithdrawBlock,
		Owner:         info.Owner,
	}, nil
}

// RelayHub, StakeManager and Paymaster are the thin factory-call bindings
// named in spec.md §6 (createRelayHub, createStakeManager, createPaymaster):
// an address plus the shared client.
type RelayHub struct {
	Address common.Address
	client  *Client
}

func (c *Client) CreateRelayHub(addr common.Address) *RelayHub {
	return &RelayHub{Address: addr, client: c}
}

func (h *RelayHub) Balance(ctx context.Context, target common.Address) (*big.Int, error) {
	return h.client.HubBalance(ctx, h.Address, target)
}

func (h *RelayHub) CalculateCharge(ctx context.Context, gasUsed uint64, gasPrice *big.Int) (*big.Int, error) {
	return h.client.HubCharge(ctx, h.Address, gasUsed, gasPrice)
}

type StakeManager struct {
	Address common.Address
	client  *Client
}

func (c *Client) CreateStakeManager(addr common.Address) *StakeManager {
	return &StakeManager{Address: addr, client: c}
}

func (s *StakeManager) GetStakeInfo(ctx context.Context, relayManager common.Address) (relay.StakeInfo, error) {
	return s.client.GetStakeInfo(ctx, s.Address, relayManager)
}

type Paymaster struct {
	Address common.Address
	client  *Client
}

func (c *Client) CreatePaymaster(addr common.Address) *Paymaster {
	return &Paymaster{Address: addr, client: c}
}

func (p *Paymaster) GetGasLimits(ctx context.Context) (relay.PaymasterGasLimits, error) {
	return p.client.GetGasLimits(ctx, p.Address)
}
