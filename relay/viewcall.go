package relay

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// relayCallABIJSON encodes the single method AdmissionPipeline needs to
// simulate: relayCall(maxAcceptanceBudget, relayRequest, signature, approvalData, maxPossibleGas).
const relayCallABIJSON = `[{
	"name":"relayCall",
	"type":"function",
	"inputs":[
		{"name":"maxAcceptanceBudget","type":"uint256"},
		{"name":"relayRequest","type":"bytes"},
		{"name":"signature","type":"bytes"},
		{"name":"approvalData","type":"bytes"},
		{"name":"maxPossibleGas","type":"uint256"}
	],
	"outputs":[
		{"name":"paymasterAccepted","type":"bool"},
		{"name":"charge","type":"uint256"},
		{"name":"returnValue","type":"bytes"}
	]
}]`

var relayCallABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(relayCallABIJSON))
	if err != nil {
		panic(fmt.Sprintf("relay: invalid embedded relayCall ABI: %v", err))
	}
	relayCallABI = parsed
}

// ViewCallResult is the decoded return of a simulated relayCall.
type ViewCallResult struct {
	PaymasterAccepted bool
	Charge            *big.Int
	RevertReason      string
}

// ViewCallBackend simulates a relayCall against the hub without submitting a
// transaction, so AdmissionPipeline can reject requests the chain would
// revert before ever broadcasting them.
type ViewCallBackend interface {
	SimulateRelayCall(ctx context.Context, hub common.Address, from common.Address, maxAcceptanceBudget uint64,
		encodedRelayRequest, signature, approvalData []byte, maxPossibleGas uint64) (ViewCallResult, error)
}

// chainViewCallBackend implements ViewCallBackend over any ChainAccess,
// following the same eth_call-through-jsonrpc path the chain package uses
// for its other view calls.
type chainViewCallBackend struct {
	chain ChainAccess
}

func NewViewCallBackend(chain ChainAccess) ViewCallBackend {
	return &chainViewCallBackend{chain: chain}
}

func (b *chainViewCallBackend) SimulateRelayCall(ctx context.Context, hub, from common.Address, maxAcceptanceBudget uint64,
	encodedRelayRequest, signature, approvalData []byte, maxPossibleGas uint64,
) (ViewCallResult, error) {
	data, err := relayCallABI.Pack("relayCall",
		new(big.Int).SetUint64(maxAcceptanceBudget), encodedRelayRequest, signature, approvalData,
		new(big.Int).SetUint64(maxPossibleGas))
	if err != nil {
		return ViewCallResult{}, fmt.Errorf("pack relayCall: %w", err)
	}

	out, err := b.chain.CallViewMethod(ctx, hub, data)
	if err != nil {
		return ViewCallResult{RevertReason: err.Error()}, nil
	}

	var decoded struct {
		PaymasterAccepted bool
		Charge            *big.Int
		ReturnValue       []byte
	}
	if err := relayCallABI.UnpackIntoInterface(&decoded, "relayCall", out); err != nil {
		return ViewCallResult{}, fmt.Errorf("unpack relayCall result: %w", err)
	}
	return ViewCallResult{PaymasterAccepted: decoded.PaymasterAccepted, Charge: decoded.Charge}, nil
}
