package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// errorResponse is the JSON body written for any rejected or failed request,
// matching the teacher's jsonrpcserver convention of a flat {error} shape
// rather than a structured problem-details document.
type errorResponse struct {
	Error string `json:"error"`
}

// Server composes the reconciliation engine and admission pipeline into the
// relay's externally visible surface: GET /getaddr and POST /relay. It uses
// a bare http.ServeMux, the same minimal-router approach the teacher's
// cmd/node/main.go uses for its metrics/pprof surface -- two fixed routes
// don't earn a routing dependency.
type Server struct {
	admission *AdmissionPipeline
	loop      *ReconciliationLoop

	hubAddress          common.Address
	managerAddress      common.Address
	workerAddress       common.Address
	minGasPrice         *big.Int
	maxAcceptanceBudget uint64
	chainID             *big.Int
	networkID           *big.Int
	version             string

	log        *zap.Logger
	httpServer *http.Server
}

func NewServer(admission *AdmissionPipeline, loop *ReconciliationLoop, log *zap.Logger,
	addr string, hub, manager, worker common.Address, minGasPrice *big.Int, maxAcceptanceBudget uint64,
	chainID, networkID *big.Int, version string,
) *Server {
	s := &Server{
		admission:           admission,
		loop:                loop,
		hubAddress:          hub,
		managerAddress:      manager,
		workerAddress:       worker,
		minGasPrice:         minGasPrice,
		maxAcceptanceBudget: maxAcceptanceBudget,
		chainID:             chainID,
		networkID:           networkID,
		version:             version,
		log:                 log.With(zap.String("component", "server")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/getaddr", s.handlePing)
	mux.HandleFunc("/relay", s.handleRelay)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run blocks serving HTTP until the server is shut down. A non-nil error
// other than http.ErrServerClosed is an abnormal exit.
func (s *Server) Run() error {
	s.log.Info("starting http server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	ready := false
	if s.loop != nil {
		ready = s.loop.IsReady()
	}
	resp := PingResponse{
		RelayWorkerAddress:  s.workerAddress,
		RelayManagerAddress: s.managerAddress,
		RelayHubAddress:     s.hubAddress,
		MinGasPrice:         s.minGasPrice,
		MaxAcceptanceBudget: s.maxAcceptanceBudget,
		ChainId:             s.chainID,
		NetworkId:           s.networkID,
		Ready:               ready,
		Version:             s.version,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("encode ping response", zap.Error(err))
	}
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req RelayTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	var currentBlock uint64
	if s.loop != nil {
		currentBlock = s.loop.LastScannedBlock()
	}

	hash, err := s.admission.CreateRelayTransaction(r.Context(), req, currentBlock)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		TxHash common.Hash `json:"txHash"`
	}{TxHash: hash}); err != nil {
		s.log.Error("encode relay response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
