// Package server exposes the JSON-RPC method surface and the middleware
// stack in front of it: body-size limiting, rate limiting, and request
// authentication.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xavierScript/kora-go/service/apierr"
	"github.com/xavierScript/kora-go/service/cache"
	"github.com/xavierScript/kora-go/service/config"
	"github.com/xavierScript/kora-go/service/events"
	"github.com/xavierScript/kora-go/service/fee"
	"github.com/xavierScript/kora-go/service/metrics"
	"github.com/xavierScript/kora-go/service/policy"
	"github.com/xavierScript/kora-go/service/signer"
	"github.com/xavierScript/kora-go/service/usage"
)

// ErrBind is wrapped around listener failures so the daemon entry can map
// them to its dedicated exit code.
var ErrBind = errors.New("failed to bind listen address")

// ChainClient is the chain surface the method handlers need. *chain.Client
// satisfies this; tests substitute a mock.
type ChainClient interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	Simulate(ctx context.Context, tx *solana.Transaction, sigVerify bool) error
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Balance(ctx context.Context, key solana.PublicKey) (uint64, error)
}

// Server is the JSON-RPC HTTP server for the paymaster.
type Server struct {
	addr       string
	cfg        *config.Config
	pool       *signer.Pool
	engine     *policy.Engine
	calculator *fee.Calculator
	verifier   *fee.Verifier
	accounts   *cache.Accounts
	chain      ChainClient
	usage      *usage.Limiter
	publisher  events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	limiter *clientLimiter
	timeout time.Duration
	server  *http.Server
}

// Deps bundles the server's collaborators.
type Deps struct {
	Pool       *signer.Pool
	Engine     *policy.Engine
	Calculator *fee.Calculator
	Verifier   *fee.Verifier
	Accounts   *cache.Accounts
	Chain      ChainClient
	Usage      *usage.Limiter
	Publisher  events.Publisher // optional
	Metrics    *metrics.Metrics // optional
}

// New creates the HTTP server with the given dependencies.
func New(addr string, cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		addr:       addr,
		cfg:        cfg,
		pool:       deps.Pool,
		engine:     deps.Engine,
		calculator: deps.Calculator,
		verifier:   deps.Verifier,
		accounts:   deps.Accounts,
		chain:      deps.Chain,
		usage:      deps.Usage,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		logger:     logger,
		limiter:    newClientLimiter(cfg.Kora.RateLimit),
		timeout:    time.Duration(cfg.Kora.RequestTimeout) * time.Second,
	}
}

// Start binds the listener and serves until Shutdown. A bind failure is
// reported as ErrBind so the daemon can exit with its dedicated code.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Body limiting runs before auth so the HMAC check never buffers an
	// unbounded body.
	rpcHandler := http.Handler(http.HandlerFunc(s.handleRPC))
	rpcHandler = authMiddleware(&s.cfg.Kora.Auth, s.metrics, s.logger, time.Now, rpcHandler)
	rpcHandler = s.bodyLimitMiddleware(rpcHandler)
	rpcHandler = s.rateLimitMiddleware(rpcHandler)
	mux.Handle("POST /", rpcHandler)

	// Liveness endpoint, bypasses auth and rate limiting.
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil && s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Endpoint, promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled", "endpoint", s.cfg.Metrics.Endpoint)
	}

	handler := corsMiddleware(mux)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}

	s.server = &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting JSON-RPC server", "addr", s.addr)
	if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and the event publisher.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down JSON-RPC server")
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Kora.MaxRequestBodySize)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIdentity(r)
		if !s.limiter.allow(client) {
			s.metrics.RecordRateLimitHit(client)
			writeRPCError(w, nil, apierr.New(apierr.KindRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleRPC parses the JSON-RPC envelope and dispatches to the method
// handlers. Each request runs under the server-wide deadline; the pipeline
// checks it between stages through the context.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, nil, apierr.New(apierr.KindInvalidRequest,
				"request body exceeds %d bytes", s.cfg.Kora.MaxRequestBodySize))
			return
		}
		writeRPCError(w, nil, apierr.New(apierr.KindParseError, "invalid JSON-RPC request body"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCError(w, req.ID, apierr.New(apierr.KindInvalidRequest, "invalid JSON-RPC request"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	start := time.Now()
	result, rpcErr := s.dispatch(ctx, req.Method, req.Params)

	status := "success"
	if rpcErr != nil {
		status = "error"
	}
	s.metrics.RecordRequest(req.Method, status, time.Since(start).Seconds())

	if rpcErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && rpcErr.Kind == apierr.KindInternal {
			rpcErr = apierr.New(apierr.KindTimeout, "request deadline exceeded")
		}
		s.logger.DebugContext(ctx, "request failed",
			"method", req.Method,
			"code", rpcErr.Code(),
			"error", rpcErr.Message,
		)
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *apierr.Error) {
	handler, enabled, known := s.route(method)
	if !known {
		return nil, apierr.New(apierr.KindMethodNotFound, "method %q not found", method)
	}
	if !enabled {
		return nil, apierr.New(apierr.KindMethodDisabled, "method %q is disabled", method)
	}
	result, err := handler(ctx, params)
	if err != nil {
		return nil, apierr.AsError(err)
	}
	return result, nil
}

type methodHandler func(ctx context.Context, params json.RawMessage) (any, error)

func (s *Server) route(method string) (handler methodHandler, enabled, known bool) {
	m := s.cfg.Kora.EnabledMethods
	switch method {
	case "liveness":
		return s.handleLiveness, m.Liveness, true
	case "getConfig":
		return s.handleGetConfig, m.GetConfig, true
	case "getPayerSigner":
		return s.handleGetPayerSigner, m.GetPayerSigner, true
	case "getBlockhash":
		return s.handleGetBlockhash, m.GetBlockhash, true
	case "getSupportedTokens":
		return s.handleGetSupportedTokens, m.GetSupportedTokens, true
	case "estimateTransactionFee":
		return s.handleEstimateTransactionFee, m.EstimateTransactionFee, true
	case "signTransaction":
		return s.handleSignTransaction, m.SignTransaction, true
	case "signAndSendTransaction":
		return s.handleSignAndSendTransaction, m.SignAndSendTransaction, true
	case "transferTransaction":
		return s.handleTransferTransaction, m.TransferTransaction, true
	default:
		return nil, false, false
	}
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS
// preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, x-api-key, x-timestamp, x-hmac-signature")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
