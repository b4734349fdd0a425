// Package rpc provides the JSON-RPC 2.0 and WebSocket API of the custodian daemon.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/custodian/internal/adminapi"
	"github.com/klingon-exchange/custodian/internal/collector"
	"github.com/klingon-exchange/custodian/internal/config"
	"github.com/klingon-exchange/custodian/internal/mover"
	"github.com/klingon-exchange/custodian/internal/provider"
	"github.com/klingon-exchange/custodian/internal/storage"
	"github.com/klingon-exchange/custodian/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	cfg       *config.Config
	store     *storage.Storage
	settings  config.Provider
	dialer    provider.Dialer
	collector *collector.Collector
	mover     *mover.Mover
	admin     *adminapi.Client
	jobs      *JobManager
	log       *logging.Logger
	wsHub     *WSHub
	started   time.Time

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Deps are the services the server exposes.
type Deps struct {
	Config    *config.Config
	Store     *storage.Storage
	Settings  config.Provider
	Dialer    provider.Dialer
	Collector *collector.Collector
	Mover     *mover.Mover
	Admin     *adminapi.Client
	Jobs      *JobManager
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// maxBodySize bounds a request body. Wallet imports are the largest calls.
const maxBodySize = 32 << 20

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates a new JSON-RPC server.
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:       deps.Config,
		store:     deps.Store,
		settings:  deps.Settings,
		dialer:    deps.Dialer,
		collector: deps.Collector,
		mover:     deps.Mover,
		admin:     deps.Admin,
		jobs:      deps.Jobs,
		log:       logging.GetDefault().Component("rpc"),
		wsHub:     NewWSHub(),
		started:   time.Now(),
		handlers:  make(map[string]Handler),
	}
	if s.jobs == nil {
		s.jobs = NewJobManager(context.Background())
	}

	// Register handlers
	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_status"] = s.nodeStatus

	// Networks and admin chain list
	s.handlers["networks_list"] = s.networksList
	s.handlers["chains_list"] = s.chainsList

	// Wallet store
	s.handlers["wallets_list"] = s.walletsList
	s.handlers["wallets_import"] = s.walletsImport
	s.handlers["wallets_sync"] = s.walletsSync

	// Balances
	s.handlers["balances_list"] = s.balancesList
	s.handlers["balances_refresh"] = s.balancesRefresh

	// Fees and fund movement
	s.handlers["fees_get"] = s.feesGet
	s.handlers["airdrop_estimate"] = s.airdropEstimate
	s.handlers["airdrop_start"] = s.airdropStart
	s.handlers["collect_start"] = s.collectStart

	// Jobs
	s.handlers["jobs_list"] = s.jobsList
	s.handlers["jobs_get"] = s.jobsGet
	s.handlers["jobs_cancel"] = s.jobsCancel

	// Settings
	s.handlers["settings_get"] = s.settingsGet
	s.handlers["settings_set"] = s.settingsSet

	// Admin server
	s.handlers["admin_stats"] = s.adminStats
	s.handlers["admin_trends"] = s.adminTrends
	s.handlers["admin_serverStatus"] = s.adminServerStatus
	s.handlers["admin_restartScanner"] = s.adminRestartScanner
	s.handlers["admin_tradeLogs"] = s.adminTradeLogs
	s.handlers["admin_runtime"] = s.adminRuntime
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", s.Addr(), "ws", "ws://"+s.Addr()+"/ws")
	return nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop cancels running jobs and stops the RPC server.
func (s *Server) Stop() error {
	s.jobs.Shutdown()
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// maxBatchSize bounds the number of calls in one JSON-RPC batch.
const maxBatchSize = 100

// handleRPC serves single and batched JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeJSON(w, errorResponse(nil, ParseError, "Parse error", nil))
		return
	}
	body = bytes.TrimSpace(body)

	if len(body) > 0 && body[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			s.writeJSON(w, errorResponse(nil, ParseError, "Parse error", nil))
			return
		}
		if len(batch) == 0 || len(batch) > maxBatchSize {
			s.writeJSON(w, errorResponse(nil, InvalidRequest, "Invalid Request", fmt.Sprintf("batch must hold 1 to %d calls", maxBatchSize)))
			return
		}
		responses := make([]*Response, 0, len(batch))
		for _, raw := range batch {
			responses = append(responses, s.dispatch(r.Context(), raw))
		}
		s.writeJSON(w, responses)
		return
	}

	s.writeJSON(w, s.dispatch(r.Context(), body))
}

// dispatch decodes one request and runs its handler.
func (s *Server) dispatch(ctx context.Context, raw json.RawMessage) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, ParseError, "Parse error", nil)
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, InvalidRequest, "Invalid Request", nil)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		return errorResponse(req.ID, MethodNotFound, "Method not found", req.Method)
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		code := InternalError
		if isParamsError(err) {
			code = InvalidParams
		} else {
			s.log.Warn("Request failed", "method", req.Method, "error", err)
		}
		return errorResponse(req.ID, code, err.Error(), nil)
	}
	return &Response{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func errorResponse(id interface{}, code int, message string, data interface{}) *Response {
	return &Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message, Data: data},
		ID:      id,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("Failed to write response", "error", err)
	}
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Jobs returns the job manager.
func (s *Server) Jobs() *JobManager {
	return s.jobs
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
