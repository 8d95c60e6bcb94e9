package relay

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeChain is a minimal in-memory ChainAccess double for txmanager tests.
type fakeChain struct {
	mu           sync.Mutex
	pendingNonce map[common.Address]uint64
	gasPrice     *big.Int
	sent         []*types.Transaction
	sendErr      error
	blockNumber  uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		pendingNonce: make(map[common.Address]uint64),
		gasPrice:     big.NewInt(10e9),
	}
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) { return f.blockNumber, nil }
func (f *fakeChain) BalanceAt(ctx context.Context, addr common.Address, pending bool) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return f.gasPrice, nil }
func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error)        { return big.NewInt(1), nil }
func (f *fakeChain) NetworkID(ctx context.Context) (*big.Int, error)      { return big.NewInt(1), nil }
func (f *fakeChain) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return nil, nil
}
func (f *fakeChain) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingNonce[addr], nil
}
func (f *fakeChain) EstimateGas(ctx context.Context, call EthCallMsg) (uint64, error) {
	return 21000, nil
}
func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeChain) GetPastEventsForHub(ctx context.Context, hub common.Address, topics []common.Hash, fromBlock, toBlock uint64) ([]Log, error) {
	return nil, nil
}
func (f *fakeChain) CallViewMethod(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeChain) GetGasLimits(ctx context.Context, paymaster common.Address) (PaymasterGasLimits, error) {
	return PaymasterGasLimits{}, nil
}
func (f *fakeChain) HubBalance(ctx context.Context, hub, target common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeChain) HubCharge(ctx context.Context, hub common.Address, gasUsed uint64, gasPrice *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeChain) GetStakeInfo(ctx context.Context, stakeManager, relayManager common.Address) (StakeInfo, error) {
	return StakeInfo{}, nil
}

// fakeKeyStore reports one fixed address and returns every transaction it is asked to sign unchanged (unsigned), whatever the address.
type fakeKeyStore struct {
	addr common.Address
}

func newFakeKeyStore(addr common.Address) *fakeKeyStore {
	return &fakeKeyStore{addr: addr}
}

func (k *fakeKeyStore) GetAddress(index int) (common.Address, error) { return k.addr, nil }

func (k *fakeKeyStore) Sign(addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	// Tests only assert on nonce/gasPrice/persisted records, not on signature
	// validity, so a fixed unsigned-but-typed transaction stands in for a
	// real signature the same way a hand-rolled ecdsa key would.
	return tx, nil
}

func newTestTxManager(t *testing.T, chain *fakeChain, store *TxStore, signer common.Address) *TransactionManager {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	keys := newFakeKeyStore(signer)
	return NewTransactionManager(chain, keys, store, big.NewInt(1), log, 12, 30, 1.2, big.NewInt(500e9))
}

func TestTransactionManager_SendAllocatesContiguousNonces(t *testing.T) {
	store := newTestTxStore(t)
	defer store.Close()

	signer := common.HexToAddress("0x7777777777777777777777777777777777777777")
	_, err := store.db.Exec("DELETE FROM relay_tx WHERE from_address = $1", signer.Bytes())
	require.NoError(t, err)

	chain := newFakeChain()
	mgr := newTestTxManager(t, chain, store, signer)

	for i := 0; i < 3; i++ {
		hash, _, err := mgr.SendTransaction(context.Background(), TransactionDetails{
			Signer:              signer,
			Action:              ActionRelayCall,
			To:                  common.HexToAddress("0x8888888888888888888888888888888888888888"),
			GasLimit:            21000,
			GasPrice:            big.NewInt(10e9),
			Data:                []byte{},
			CreationBlockNumber: 100,
		})
		require.NoError(t, err)
		require.NotEqual(t, common.Hash{}, hash)
	}

	txs, err := store.GetAllBySigner(context.Background(), signer)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	for i, tx := range txs {
		require.Equal(t, uint64(i), tx.Nonce)
	}
}

func TestTransactionManager_BoostIncreasesGasPriceKeepsNonce(t *testing.T) {
	store := newTestTxStore(t)
	defer store.Close()

	signer := common.HexToAddress("0x9999999999999999999999999999999999999999")
	_, err := store.db.Exec("DELETE FROM relay_tx WHERE from_address = $1", signer.Bytes())
	require.NoError(t, err)

	chain := newFakeChain()
	chain.pendingNonce[signer] = 0
	mgr := newTestTxManager(t, chain, store, signer)

	hash, _, err := mgr.SendTransaction(context.Background(), TransactionDetails{
		Signer:              signer,
		Action:              ActionValueTransfer,
		To:                  common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		GasLimit:            21000,
		GasPrice:            big.NewInt(10e9),
		Data:                []byte{},
		CreationBlockNumber: 100,
	})
	require.NoError(t, err)

	boostedHash, err := mgr.BoostOldestPendingTransactionForSigner(context.Background(), signer, 131)
	require.NoError(t, err)
	require.NotNil(t, boostedHash)
	require.NotEqual(t, hash, *boostedHash)

	txs, err := store.GetAllBySigner(context.Background(), signer)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, uint64(0), txs[0].Nonce)
	require.Equal(t, 1, txs[0].GasPrice.Cmp(big.NewInt(10e9)))
}

func TestTransactionManager_BoostSkipsBeforeTimeout(t *testing.T) {
	store := newTestTxStore(t)
	defer store.Close()

	signer := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	_, err := store.db.Exec("DELETE FROM relay_tx WHERE from_address = $1", signer.Bytes())
	require.NoError(t, err)

	chain := newFakeChain()
	mgr := newTestTxManager(t, chain, store, signer)

	_, _, err = mgr.SendTransaction(context.Background(), TransactionDetails{
		Signer:              signer,
		Action:              ActionValueTransfer,
		To:                  common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc"),
		GasLimit:            21000,
		GasPrice:            big.NewInt(10e9),
		Data:                []byte{},
		CreationBlockNumber: 100,
	})
	require.NoError(t, err)

	boosted, err := mgr.BoostOldestPendingTransactionForSigner(context.Background(), signer, 110)
	require.NoError(t, err)
	require.Nil(t, boosted)
}
