package relay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/metarelay/relay-node/metrics"
	"github.com/metarelay/relay-node/singleflight"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GasReserve is the fixed gas overhead reserved on top of every relay call,
// covering hub bookkeeping that isn't attributable to the paymaster or the
// forwarded call itself.
const GasReserve = 100000

var (
	ErrNotReady            = errors.New("relay: server not ready")
	ErrWrongHub            = errors.New("relay: wrong hub address")
	ErrWrongWorker         = errors.New("relay: wrong relay worker address")
	ErrGasPriceTooLow      = errors.New("relay: gas price too low")
	ErrFeesTooLow          = errors.New("relay: relay fees too low")
	ErrNonceTooLow         = errors.New("relay: relayMaxNonce too low")
	ErrAcceptanceBudget    = errors.New("relay: paymaster acceptance budget exceeds server maximum")
	ErrPaymasterUnderfunded = errors.New("relay: paymaster balance too low")
	ErrPaymasterRejected   = errors.New("relay: paymaster rejected request in view call")
)

// AdmissionConfig holds the tunables AdmissionPipeline checks requests
// against (spec.md §4.5 and §6).
type AdmissionConfig struct {
	HubAddress          common.Address
	WorkerAddress       common.Address
	GasPrice            *big.Int
	PctRelayFee         uint64
	BaseRelayFee        *big.Int
	MaxAcceptanceBudget uint64
	MinAlertedDelayMS   int
	MaxAlertedDelayMS   int
	ChainCallRateLimit  rate.Limit
}

// AdmissionPipeline validates, simulates, and submits incoming relay
// requests (spec.md §4.5).
type AdmissionPipeline struct {
	cfg AdmissionConfig

	txs      *TransactionManager
	viewCall ViewCallBackend
	loop     *ReconciliationLoop
	rep      *Replenisher
	gasLimits *singleflight.Manager[PaymasterGasLimits]
	trusted  map[common.Address]bool
	chain    ChainAccess
	log      *zap.Logger

	chainCallLimiter *rate.Limiter
}

func NewAdmissionPipeline(cfg AdmissionConfig, chain ChainAccess, txs *TransactionManager, viewCall ViewCallBackend,
	loop *ReconciliationLoop, rep *Replenisher, trustedPaymasters []common.Address, gasLimitsCacheTTL time.Duration, log *zap.Logger,
) *AdmissionPipeline {
	trusted := make(map[common.Address]bool, len(trustedPaymasters))
	for _, p := range trustedPaymasters {
		trusted[p] = true
	}
	limit := cfg.ChainCallRateLimit
	if limit == 0 {
		limit = rate.Inf
	}
	p := &AdmissionPipeline{
		cfg:              cfg,
		chain:            chain,
		txs:              txs,
		viewCall:         viewCall,
		loop:             loop,
		rep:              rep,
		trusted:          trusted,
		log:              log.With(zap.String("component", "admission_pipeline")),
		chainCallLimiter: rate.NewLimiter(limit, 1),
	}
	p.gasLimits = singleflight.NewManager(p.fetchGasLimits, gasLimitsCacheTTL)
	return p
}

func (p *AdmissionPipeline) fetchGasLimits(ctx context.Context, paymasterHex string) (PaymasterGasLimits, error) {
	return p.chain.GetGasLimits(ctx, common.HexToAddress(paymasterHex))
}

// CreateRelayTransaction runs the full ordered validation chain and, on
// success, submits the request as a signed RELAY_CALL transaction.
func (p *AdmissionPipeline) CreateRelayTransaction(ctx context.Context, req RelayTransactionRequest, currentBlock uint64) (common.Hash, error) {
	metrics.IncAdmissionsReceived()

	if p.loop != nil && !p.loop.IsReady() {
		metrics.IncAdmissionsRejected("not_ready")
		return common.Hash{}, ErrNotReady
	}

	if err := p.validate(ctx, req); err != nil {
		metrics.IncAdmissionsRejected(rejectReason(err))
		return common.Hash{}, err
	}

	encoded, err := encodeRelayRequest(req)
	if err != nil {
		metrics.IncAdmissionsRejected("encode_error")
		return common.Hash{}, err
	}

	hash, _, err := p.txs.SendTransaction(ctx, TransactionDetails{
		Signer:              p.cfg.WorkerAddress,
		Action:              ActionRelayCall,
		To:                  req.Metadata.RelayHubAddress,
		GasLimit:            req.Metadata.GasLimit + GasReserve,
		GasPrice:            req.Metadata.GasPrice,
		Data:                encoded,
		CreationBlockNumber: currentBlock,
	})
	if err != nil {
		metrics.IncAdmissionsRejected("submit_error")
		return common.Hash{}, err
	}
	metrics.IncAdmissionsAccepted()

	if p.rep != nil {
		p.rep.ScheduleCheck(ctx, currentBlock)
	}

	if p.loop != nil && p.loop.IsAlerted() {
		if delay, err := randomDelay(p.cfg.MinAlertedDelayMS, p.cfg.MaxAlertedDelayMS); err == nil {
			time.Sleep(delay)
		}
	}

	return hash, nil
}

func (p *AdmissionPipeline) validate(ctx context.Context, req RelayTransactionRequest) error {
	if req.Metadata.RelayHubAddress == (common.Address{}) || req.Metadata.From == (common.Address{}) {
		return fmt.Errorf("%w: missing required field", errors.New("relay: malformed request"))
	}

	if req.Metadata.RelayHubAddress != p.cfg.HubAddress {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongHub, req.Metadata.RelayHubAddress.Hex(), p.cfg.HubAddress.Hex())
	}

	if !strings.EqualFold(req.Metadata.RelayWorker.Hex(), p.cfg.WorkerAddress.Hex()) {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongWorker, req.Metadata.RelayWorker.Hex(), p.cfg.WorkerAddress.Hex())
	}

	gasPrice := p.cfg.GasPrice
	if p.loop != nil {
		if live := p.loop.CurrentGasPrice(); live != nil {
			gasPrice = live
		}
	}
	if req.Metadata.GasPrice == nil || req.Metadata.GasPrice.Cmp(gasPrice) < 0 {
		return fmt.Errorf("%w: got %v, want >= %v", ErrGasPriceTooLow, req.Metadata.GasPrice, gasPrice)
	}

	isTrusted := p.trusted[req.Metadata.Paymaster]
	if !isTrusted {
		if req.Metadata.PctRelayFee < p.cfg.PctRelayFee {
			return fmt.Errorf("%w: pctRelayFee %d < %d", ErrFeesTooLow, req.Metadata.PctRelayFee, p.cfg.PctRelayFee)
		}
		if req.Metadata.BaseRelayFee == nil || req.Metadata.BaseRelayFee.Cmp(p.cfg.BaseRelayFee) < 0 {
			return fmt.Errorf("%w: baseRelayFee below server minimum", ErrFeesTooLow)
		}
	}

	nextNonce, err := p.txs.PollNonce(ctx, p.cfg.WorkerAddress)
	if err != nil {
		return err
	}
	if uint64(nextNonce) > req.Metadata.RelayMaxNonce {
		return fmt.Errorf("%w: next nonce %d > relayMaxNonce %d", ErrNonceTooLow, nextNonce, req.Metadata.RelayMaxNonce)
	}

	gasLimits, err := p.gasLimits.Get(ctx, req.Metadata.Paymaster.Hex())
	if err != nil {
		return fmt.Errorf("query paymaster gas limits: %w", err)
	}
	if !isTrusted && gasLimits.AcceptanceBudget > p.cfg.MaxAcceptanceBudget {
		return fmt.Errorf("%w: %d > %d", ErrAcceptanceBudget, gasLimits.AcceptanceBudget, p.cfg.MaxAcceptanceBudget)
	}

	maxPossibleGas := GasReserve + gasLimits.PreRelayedCallGasLimit + req.Metadata.GasLimit + gasLimits.PostRelayedCallGasLimit
	if err := p.chainCallLimiter.Wait(ctx); err != nil {
		return err
	}
	maxCharge, err := p.chain.HubCharge(ctx, p.cfg.HubAddress, maxPossibleGas, req.Metadata.GasPrice)
	if err != nil {
		return fmt.Errorf("compute hub charge: %w", err)
	}
	paymasterBalance, err := p.chain.HubBalance(ctx, p.cfg.HubAddress, req.Metadata.Paymaster)
	if err != nil {
		return fmt.Errorf("query paymaster hub balance: %w", err)
	}
	if paymasterBalance.Cmp(maxCharge) < 0 {
		return fmt.Errorf("%w: balance %s < required %s", ErrPaymasterUnderfunded, paymasterBalance.String(), maxCharge.String())
	}

	encoded, err := encodeRelayRequest(req)
	if err != nil {
		return err
	}
	if err := p.chainCallLimiter.Wait(ctx); err != nil {
		return err
	}
	result, err := p.viewCall.SimulateRelayCall(ctx, p.cfg.HubAddress, p.cfg.WorkerAddress, gasLimits.AcceptanceBudget,
		encoded, req.Signature, req.ApprovalData, maxPossibleGas)
	if err != nil {
		return fmt.Errorf("simulate relay call: %w", err)
	}
	if !result.PaymasterAccepted {
		reason := result.RevertReason
		if reason == "" {
			reason = "paymaster returned paymasterAccepted=false"
		}
		return fmt.Errorf("%w: %s", ErrPaymasterRejected, reason)
	}

	return nil
}

// encodeRelayRequest ABI-encodes the request's forwarder-facing fields the
// way the hub expects them packed for relayCall's relayRequest bytes
// parameter. The forwarder struct layout itself is a smart-contract concern
// out of scope for this module; this reproduces only its call-data shape.
func encodeRelayRequest(req RelayTransactionRequest) ([]byte, error) {
	args := abi.Arguments{
		{Type: mustType("address")},
		{Type: mustType("address")},
		{Type: mustType("address")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
		{Type: mustType("bytes")},
	}
	return args.Pack(
		req.Metadata.From,
		req.Metadata.Paymaster,
		req.Metadata.RelayWorker,
		req.Metadata.ForwarderNonce,
		req.Metadata.GasPrice,
		[]byte(req.EncodedFunction),
	)
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("relay: invalid abi type %q: %v", t, err))
	}
	return typ
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrWrongHub):
		return "wrong_hub"
	case errors.Is(err, ErrWrongWorker):
		return "wrong_worker"
	case errors.Is(err, ErrGasPriceTooLow):
		return "gas_price_too_low"
	case errors.Is(err, ErrFeesTooLow):
		return "fees_too_low"
	case errors.Is(err, ErrNonceTooLow):
		return "nonce_too_low"
	case errors.Is(err, ErrAcceptanceBudget):
		return "acceptance_budget"
	case errors.Is(err, ErrPaymasterUnderfunded):
		return "paymaster_underfunded"
	case errors.Is(err, ErrPaymasterRejected):
		return "paymaster_rejected"
	default:
		return "unknown"
	}
}

// randomDelay draws a CSPRNG-uniform duration in [minMS, maxMS], used to
// throttle admission responses while the server is in an alerted state.
func randomDelay(minMS, maxMS int) (time.Duration, error) {
	if maxMS <= minMS {
		return time.Duration(minMS) * time.Millisecond, nil
	}
	span := uint32(maxMS - minMS + 1)
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	offset := binary.BigEndian.Uint32(b[:]) % span
	return time.Duration(minMS+int(offset)) * time.Millisecond, nil
}
