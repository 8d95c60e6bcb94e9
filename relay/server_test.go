package relay

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServer_GetAddrReportsNotReadyWithoutLoop(t *testing.T) {
	base := newFakeChain()
	chain := &gasLimitsChain{fakeChain: base}
	p, worker := newAdmissionTestPipeline(t, chain, &fakeViewCall{})

	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	s := NewServer(p, nil, log, ":0", p.cfg.HubAddress, common.Address{}, worker,
		big.NewInt(1e9), 285252, big.NewInt(1), big.NewInt(1), "test")

	req := httptest.NewRequest("GET", "/getaddr", nil)
	rec := httptest.NewRecorder()
	s.handlePing(rec, req)

	var resp PingResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.False(t, resp.Ready)
	require.Equal(t, worker, resp.RelayWorkerAddress)
}

func TestServer_RelayRejectsWrongHubWithBadRequest(t *testing.T) {
	base := newFakeChain()
	chain := &gasLimitsChain{fakeChain: base}
	p, worker := newAdmissionTestPipeline(t, chain, &fakeViewCall{})

	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	s := NewServer(p, nil, log, ":0", p.cfg.HubAddress, common.Address{}, worker,
		big.NewInt(1e9), 285252, big.NewInt(1), big.NewInt(1), "test")

	badReq := baseRequest(common.HexToAddress("0xffffffffffffffffffffffffffffffffffffffff"), worker)
	body, err := json.Marshal(badReq)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/relay", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleRelay(rec, req)

	require.Equal(t, 400, rec.Code)
	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Contains(t, resp.Error, "wrong hub address")
}
