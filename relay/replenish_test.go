package relay

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// balanceChain wraps fakeChain to make BalanceAt/HubBalance configurable
// per address, as replenish.go's balance comparisons need.
type balanceChain struct {
	*fakeChain
	balances   map[common.Address]*big.Int
	hubBalance *big.Int
}

func newBalanceChain() *balanceChain {
	return &balanceChain{
		fakeChain: newFakeChain(),
		balances:  make(map[common.Address]*big.Int),
	}
}

func (c *balanceChain) BalanceAt(ctx context.Context, addr common.Address, pending bool) (*big.Int, error) {
	if b, ok := c.balances[addr]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (c *balanceChain) HubBalance(ctx context.Context, hub, target common.Address) (*big.Int, error) {
	return c.hubBalance, nil
}

func newTestReplenisher(t *testing.T, chain ChainAccess, manager, worker, hub common.Address,
	managerMin, managerTarget, minHubWithdrawal, workerMin, workerTarget *big.Int,
) (*Replenisher, *TxStore) {
	t.Helper()
	store := newTestTxStore(t)
	t.Cleanup(func() { store.Close() })
	_, err := store.db.Exec("DELETE FROM relay_tx WHERE from_address = $1", manager.Bytes())
	require.NoError(t, err)

	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	keys := newFakeKeyStore(manager)
	txs := NewTransactionManager(chain, keys, store, big.NewInt(1), log, 12, 30, 1.2, big.NewInt(500e9))

	return NewReplenisher(chain, txs, log, hub, manager, worker, managerMin, managerTarget, minHubWithdrawal, workerMin, workerTarget), store
}

func TestReplenisher_WithdrawsFromHubWhenManagerBelowTarget(t *testing.T) {
	manager := common.HexToAddress("0xd1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1")
	worker := common.HexToAddress("0xd2d2d2d2d2d2d2d2d2d2d2d2d2d2d2d2d2d2d2d2")
	hub := common.HexToAddress("0xd3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3d3")

	chain := newBalanceChain()
	chain.balances[manager] = big.NewInt(1e17)
	chain.balances[worker] = big.NewInt(1e17)
	chain.hubBalance = big.NewInt(5e17)

	r, store := newTestReplenisher(t, chain, manager, worker, hub,
		big.NewInt(1e17), big.NewInt(2e17), big.NewInt(1e17), big.NewInt(1e17), big.NewInt(3e17))

	require.NoError(t, r.Tick(context.Background(), 100))

	pending, err := store.IsActionPending(context.Background(), ActionDepositWithdrawal, manager)
	require.NoError(t, err)
	require.True(t, pending)
}

func TestReplenisher_SkipsWithdrawalWhenHubBalanceTooLow(t *testing.T) {
	manager := common.HexToAddress("0xd4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4")
	worker := common.HexToAddress("0xd5d5d5d5d5d5d5d5d5d5d5d5d5d5d5d5d5d5d5d5")
	hub := common.HexToAddress("0xd6d6d6d6d6d6d6d6d6d6d6d6d6d6d6d6d6d6d6d6")

	chain := newBalanceChain()
	chain.balances[manager] = big.NewInt(1e17)
	chain.balances[worker] = big.NewInt(2e17)
	chain.hubBalance = big.NewInt(1e10) // below minHubWithdrawalBalance

	r, store := newTestReplenisher(t, chain, manager, worker, hub,
		big.NewInt(1e17), big.NewInt(2e17), big.NewInt(1e17), big.NewInt(1e17), big.NewInt(3e17))

	require.NoError(t, r.Tick(context.Background(), 100))

	pending, err := store.IsActionPending(context.Background(), ActionDepositWithdrawal, manager)
	require.NoError(t, err)
	require.False(t, pending)
}

func TestReplenisher_TopsUpWorkerFromManagerWithinHeadroom(t *testing.T) {
	manager := common.HexToAddress("0xd7d7d7d7d7d7d7d7d7d7d7d7d7d7d7d7d7d7d7d7")
	worker := common.HexToAddress("0xd8d8d8d8d8d8d8d8d8d8d8d8d8d8d8d8d8d8d8d8")
	hub := common.HexToAddress("0xd9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9d9")

	chain := newBalanceChain()
	chain.balances[manager] = big.NewInt(4e17) // well above managerMinBalance
	chain.balances[worker] = big.NewInt(5e16)  // below workerMinBalance
	chain.hubBalance = big.NewInt(0)

	r, store := newTestReplenisher(t, chain, manager, worker, hub,
		big.NewInt(1e17), big.NewInt(2e17), big.NewInt(1e17), big.NewInt(1e17), big.NewInt(3e17))

	require.NoError(t, r.Tick(context.Background(), 100))

	pending, err := store.IsActionPending(context.Background(), ActionValueTransfer, manager)
	require.NoError(t, err)
	require.True(t, pending)
}

func TestReplenisher_SkipsWorkerTopUpWhenManagerCannotCoverIt(t *testing.T) {
	manager := common.HexToAddress("0xdadadadadadadadadadadadadadadadadadadada")
	worker := common.HexToAddress("0xdbdbdbdbdbdbdbdbdbdbdbdbdbdbdbdbdbdbdbdb")
	hub := common.HexToAddress("0xdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdc")

	chain := newBalanceChain()
	chain.balances[manager] = big.NewInt(1.1e17) // barely above managerMinBalance
	chain.balances[worker] = big.NewInt(0)       // far below workerMinBalance
	chain.hubBalance = big.NewInt(0)

	r, store := newTestReplenisher(t, chain, manager, worker, hub,
		big.NewInt(1e17), big.NewInt(2e17), big.NewInt(1e17), big.NewInt(1e17), big.NewInt(3e17))

	require.NoError(t, r.Tick(context.Background(), 100))

	pending, err := store.IsActionPending(context.Background(), ActionValueTransfer, manager)
	require.NoError(t, err)
	require.False(t, pending)
}
