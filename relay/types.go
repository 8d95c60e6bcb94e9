// Package relay implements the reconciliation engine and admission pipeline
// of a meta-transaction relay server: nonce-ordered signed-transaction
// bookkeeping, a stake/register state machine against a hub contract, and
// validation of incoming relay requests.
package relay

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ServerAction labels why the relay submitted a transaction of its own.
type ServerAction string

const (
	ActionRegisterServer     ServerAction = "REGISTER_SERVER"
	ActionAddWorker          ServerAction = "ADD_WORKER"
	ActionAuthorizeHub       ServerAction = "AUTHORIZE_HUB"
	ActionStake              ServerAction = "STAKE"
	ActionUnstake            ServerAction = "UNSTAKE"
	ActionRelayCall          ServerAction = "RELAY_CALL"
	ActionValueTransfer      ServerAction = "VALUE_TRANSFER"
	ActionDepositWithdrawal  ServerAction = "DEPOSIT_WITHDRAWAL"
	ActionSetOwner           ServerAction = "SET_OWNER"
)

// StoredTransaction is the immutable-at-broadcast-time record TxStore keeps
// for every transaction the relay has ever signed, keyed by (From, Nonce).
type StoredTransaction struct {
	TxHash              common.Hash
	From                common.Address
	To                  common.Address
	Nonce               uint64
	GasPrice            *big.Int
	GasLimit            uint64
	Value               *big.Int
	Data                []byte
	CreationBlockNumber uint64
	CreationTimestamp   time.Time
	ServerAction        ServerAction
	// MinedBlockNumber is nil until the transaction is observed included.
	MinedBlockNumber *uint64
}

func (t *StoredTransaction) IsMined() bool {
	return t.MinedBlockNumber != nil
}

// SignerRole distinguishes the two signer roles the relay operates with.
type SignerRole string

const (
	RoleManager SignerRole = "manager"
	RoleWorker  SignerRole = "worker"
)

// RegistrationStatus is the relay's position in the stake/authorize/register
// state machine driven by RegistrationManager.
type RegistrationStatus string

const (
	StatusUnstaked            RegistrationStatus = "UNSTAKED"
	StatusStakedUnauthorized  RegistrationStatus = "STAKED_UNAUTHORIZED"
	StatusStakedAuthorized    RegistrationStatus = "STAKED_AUTHORIZED"
	StatusWorkersAdded        RegistrationStatus = "WORKERS_ADDED"
	StatusRegistered          RegistrationStatus = "REGISTERED"
)

// RegistrationState is the on-chain-derived snapshot RegistrationManager
// refreshes every tick.
type RegistrationState struct {
	Status          RegistrationStatus
	Owner           common.Address
	Stake           *big.Int
	UnstakeDelay    *big.Int
	WithdrawBlock   *big.Int
	IsHubAuthorized bool
	IsWorkerAdded   bool
}

// ReadinessState tracks whether the relay currently advertises itself as
// able to serve relay requests, with hysteresis against transient failures.
type ReadinessState struct {
	Ready                bool
	LastSuccessfulRounds int
}

// IsReady applies the hysteresis rule from spec: ready only counts once a
// minimum number of consecutive successful rounds has accumulated.
func (r ReadinessState) IsReady(successfulRoundsForReady int) bool {
	return r.Ready && r.LastSuccessfulRounds >= successfulRoundsForReady
}

// RelayTransactionRequest is the body of POST /relay.
type RelayTransactionRequest struct {
	EncodedFunction string             `json:"encodedFunction"`
	ApprovalData    []byte             `json:"approvalData"`
	Signature       []byte             `json:"signature"`
	Metadata        RelayRequestMeta   `json:"metadata"`
	RelayHubAddress common.Address     `json:"-"`
}

// RelayRequestMeta mirrors the GSN relay request's on-chain-relevant fields.
type RelayRequestMeta struct {
	RelayHubAddress common.Address `json:"relayHubAddress"`
	RelayWorker     common.Address `json:"relayWorker"`
	From            common.Address `json:"from"`
	Paymaster       common.Address `json:"paymaster"`
	PaymasterData   []byte         `json:"paymasterData"`
	ClientId        string         `json:"clientId"`
	ForwarderNonce  *big.Int       `json:"forwarderNonce"`
	GasPrice        *big.Int       `json:"gasPrice"`
	GasLimit        uint64         `json:"gasLimit"`
	PctRelayFee     uint64         `json:"pctRelayFee"`
	BaseRelayFee    *big.Int       `json:"baseRelayFee"`
	RelayMaxNonce   uint64         `json:"relayMaxNonce"`
}

// PingResponse is returned by GET /getaddr.
type PingResponse struct {
	RelayWorkerAddress  common.Address `json:"relayWorkerAddress"`
	RelayManagerAddress common.Address `json:"relayManagerAddress"`
	RelayHubAddress     common.Address `json:"relayHubAddress"`
	MinGasPrice         *big.Int       `json:"minGasPrice"`
	MaxAcceptanceBudget uint64         `json:"maxAcceptanceBudget"`
	ChainId             *big.Int       `json:"chainId"`
	NetworkId           *big.Int       `json:"networkId"`
	Ready               bool           `json:"ready"`
	Version             string         `json:"version"`
}
