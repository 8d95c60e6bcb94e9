package relay

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stakeInfoChain struct {
	*fakeChain
	stakeInfo StakeInfo
}

func (c *stakeInfoChain) GetStakeInfo(ctx context.Context, stakeManager, relayManager common.Address) (StakeInfo, error) {
	return c.stakeInfo, nil
}

func newTestRegistrationManager(t *testing.T, chain ChainAccess, owner common.Address, stakeInfo StakeInfo) (*RegistrationManager, common.Address, common.Address) {
	t.Helper()
	store := newTestTxStore(t)
	t.Cleanup(func() { store.Close() })

	manager := common.HexToAddress("0x1010101010101010101010101010101010101010")
	worker := common.HexToAddress("0x2020202020202020202020202020202020202020")
	hub := common.HexToAddress("0x3030303030303030303030303030303030303030")
	stakeManager := common.HexToAddress("0x4040404040404040404040404040404040404040")
	_, err := store.db.Exec("DELETE FROM relay_tx WHERE from_address = $1", manager.Bytes())
	require.NoError(t, err)

	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	keys := newFakeKeyStore(manager)
	txs := NewTransactionManager(chain, keys, store, big.NewInt(1), log, 12, 30, 1.2, big.NewInt(500e9))

	r := NewRegistrationManager(chain, txs, log, hub, stakeManager, owner, manager, worker, 500, big.NewInt(1e17), big.NewInt(1e18))
	require.NoError(t, r.Init(context.Background()))
	return r, manager, hub
}

func TestRegistrationManager_InitFailsOnOwnerMismatch(t *testing.T) {
	base := newFakeChain()
	owner := common.HexToAddress("0x5050505050505050505050505050505050505050")
	otherOwner := common.HexToAddress("0x6060606060606060606060606060606060606060")
	chain := &stakeInfoChain{fakeChain: base, stakeInfo: StakeInfo{Stake: big.NewInt(1e18), Owner: otherOwner}}

	store := newTestTxStore(t)
	defer store.Close()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	manager := common.HexToAddress("0x7070707070707070707070707070707070707070")
	keys := newFakeKeyStore(manager)
	txs := NewTransactionManager(chain, keys, store, big.NewInt(1), log, 12, 30, 1.2, big.NewInt(500e9))

	r := NewRegistrationManager(chain, txs, log, common.Address{}, common.Address{}, owner, manager, common.Address{}, 500, big.NewInt(1e17), big.NewInt(1e18))
	err = r.Init(context.Background())
	require.ErrorIs(t, err, ErrTerminal)
	require.ErrorIs(t, r.TerminalError(), ErrTerminal)
}

func TestRegistrationManager_SubmitsStakeWhenUnstaked(t *testing.T) {
	base := newFakeChain()
	owner := common.HexToAddress("0x5454545454545454545454545454545454545454")
	stakeManager := common.HexToAddress("0x4040404040404040404040404040404040404040")
	chain := &stakeInfoChain{fakeChain: base, stakeInfo: StakeInfo{}}
	r, _, _ := newTestRegistrationManager(t, chain, owner, StakeInfo{})
	require.Equal(t, StatusUnstaked, r.State().Status)

	r.SetGasPrice(big.NewInt(10e9))
	hashes, err := r.HandlePastEvents(context.Background(), nil, 100, 100, false)
	require.NoError(t, err)
	require.Len(t, hashes, 1)
	require.Len(t, base.sent, 1)
	require.Equal(t, stakeManager, *base.sent[0].To())
	require.Equal(t, uint64(0), base.sent[0].Nonce())
}

func TestRegistrationManager_HandlePastEventsAdvancesOneStepAtATime(t *testing.T) {
	base := newFakeChain()
	owner := common.HexToAddress("0x5151515151515151515151515151515151515151")
	chain := &stakeInfoChain{fakeChain: base, stakeInfo: StakeInfo{Stake: big.NewInt(1e18), Owner: owner}}
	r, _, hub := newTestRegistrationManager(t, chain, owner, StakeInfo{})
	require.Equal(t, StatusStakedUnauthorized, r.State().Status)

	hashes, err := r.HandlePastEvents(context.Background(), nil, 100, 100, false)
	require.NoError(t, err)
	require.Len(t, hashes, 1)
	require.Equal(t, StatusStakedUnauthorized, r.State().Status)

	hubAuthorized := Log{BlockNumber: 101, LogIndex: 0, Name: EventHubAuthorized, Address: hub}
	hashes, err = r.HandlePastEvents(context.Background(), []Log{hubAuthorized}, 101, 101, false)
	require.NoError(t, err)
	require.True(t, r.State().IsHubAuthorized)
	require.Equal(t, StatusStakedAuthorized, r.State().Status)
	require.Len(t, hashes, 1)

	workersAdded := Log{BlockNumber: 102, LogIndex: 0, Name: EventRelayWorkersAdded, Address: hub}
	_, err = r.HandlePastEvents(context.Background(), []Log{workersAdded}, 102, 102, false)
	require.NoError(t, err)
	require.Equal(t, StatusWorkersAdded, r.State().Status)

	registered := Log{BlockNumber: 103, LogIndex: 0, Name: EventRelayServerRegistered, Address: hub}
	_, err = r.HandlePastEvents(context.Background(), []Log{registered}, 103, 103, false)
	require.NoError(t, err)
	require.True(t, r.IsRegistered())
}

func TestRegistrationManager_StakeUnlockedIsTerminal(t *testing.T) {
	base := newFakeChain()
	owner := common.HexToAddress("0x5252525252525252525252525252525252525252")
	chain := &stakeInfoChain{fakeChain: base, stakeInfo: StakeInfo{Stake: big.NewInt(1e18), Owner: owner}}
	r, _, hub := newTestRegistrationManager(t, chain, owner, StakeInfo{})

	unlocked := Log{BlockNumber: 200, LogIndex: 0, Name: EventStakeUnlocked, Address: hub}
	_, err := r.HandlePastEvents(context.Background(), []Log{unlocked}, 200, 200, false)
	require.ErrorIs(t, err, ErrTerminal)
	require.ErrorIs(t, r.TerminalError(), ErrTerminal)

	_, err = r.HandlePastEvents(context.Background(), nil, 201, 201, false)
	require.ErrorIs(t, err, ErrTerminal)
}

func TestRegistrationManager_ShouldRegisterAgain(t *testing.T) {
	base := newFakeChain()
	owner := common.HexToAddress("0x5353535353535353535353535353535353535353")
	chain := &stakeInfoChain{fakeChain: base, stakeInfo: StakeInfo{Stake: big.NewInt(1e18), Owner: owner}}
	r, _, hub := newTestRegistrationManager(t, chain, owner, StakeInfo{})

	registered := []Log{
		{BlockNumber: 100, LogIndex: 0, Name: EventHubAuthorized, Address: hub},
		{BlockNumber: 100, LogIndex: 1, Name: EventRelayWorkersAdded, Address: hub},
		{BlockNumber: 100, LogIndex: 2, Name: EventRelayServerRegistered, Address: hub},
	}
	_, err := r.HandlePastEvents(context.Background(), registered, 100, 100, false)
	require.NoError(t, err)

	require.False(t, r.ShouldRegisterAgain(200))
	require.True(t, r.ShouldRegisterAgain(601))
}
