// Package chain implements the relay's ChainAccess port over go-ethereum's
// ethclient for typed RPC calls and github.com/ybbus/jsonrpc/v3 for the
// paymaster/relayHub view calls that don't fit ethclient's typed surface.
package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/metarelay/relay-node/relay"
	"github.com/ybbus/jsonrpc/v3"
)

var ErrCallReverted = errors.New("chain: view call reverted")

// Client implements relay.ChainAccess.
type Client struct {
	eth  *ethclient.Client
	rpc  jsonrpc.RPCClient
}

func Dial(endpoint string) (*Client, error) {
	eth, err := ethclient.Dial(endpoint)
	if err != nil {
		return nil, err
	}
	return &Client{
		eth: eth,
		rpc: jsonrpc.NewClient(endpoint),
	}, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *Client) BalanceAt(ctx context.Context, addr common.Address, pending bool) (*big.Int, error) {
	if pending {
		return c.eth.PendingBalanceAt(ctx, addr)
	}
	return c.eth.BalanceAt(ctx, addr, nil)
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}

func (c *Client) NetworkID(ctx context.Context) (*big.Int, error) {
	return c.eth.NetworkID(ctx)
}

func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return c.eth.CodeAt(ctx, addr, nil)
}

func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, addr)
}

func (c *Client) EstimateGas(ctx context.Context, call relay.EthCallMsg) (uint64, error) {
	return c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:     call.From,
		To:       call.To,
		Value:    call.Value,
		GasPrice: call.GasPrice,
		Data:     call.Data,
	})
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.eth.SendTransaction(ctx, tx)
}

// GetPastEventsForHub fetches logs emitted by hub matching any of topics in
// [fromBlock, toBlock], mapped to the domain-neutral relay.Log shape.
func (c *Client) GetPastEventsForHub(ctx context.Context, hub common.Address, topics []common.Hash, fromBlock, toBlock uint64) ([]relay.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{hub},
		Topics:    [][]common.Hash{topics},
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}
	out := make([]relay.Log, 0, len(logs))
	for _, l := range logs {
		out = append(out, relay.Log{
			BlockNumber: l.BlockNumber,
			LogIndex:    l.Index,
			Address:     l.Address,
			Topics:      l.Topics,
			Data:        l.Data,
		})
	}
	return out, nil
}

type ethCallParam struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

// CallViewMethod performs eth_call via the jsonrpc client, matching the
// teacher's use of ybbus/jsonrpc for calls outside ethclient's typed surface.
func (c *Client) CallViewMethod(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var result string
	err := c.rpc.CallFor(ctx, &result, "eth_call", []interface{}{
		ethCallParam{To: to.Hex(), Data: "0x" + hex.EncodeToString(data)},
		"latest",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallReverted, err)
	}
	raw, err := hex.DecodeString(trim0x(result))
	if err != nil {
		return nil, fmt.Errorf("decode eth_call result: %w", err)
	}
	return raw, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
