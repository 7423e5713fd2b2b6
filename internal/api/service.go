// Package api serves the JSON HTTP API over the market ledger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketledger.mini/mkl/internal/discovery"
	"marketledger.mini/mkl/internal/ledger"
	"marketledger.mini/mkl/internal/metrics"
	"marketledger.mini/mkl/internal/records"
	"marketledger.mini/mkl/internal/tendermint"
	"marketledger.mini/mkl/internal/types"
)

// Backups is implemented by durable stores that can snapshot themselves.
type Backups interface {
	BackupCurrent(maxBackups int) (string, error)
	ListBackups() ([]records.BackupInfo, error)
	ExportSnapshot() ([]byte, error)
}

// Broadcaster submits signed transactions to a consensus node.
type Broadcaster interface {
	BroadcastSignedTransaction(ctx context.Context, signedTx *types.SignedTransaction, commit bool) (*tendermint.BroadcastResult, error)
}

// Peers lists the ledger nodes seen on the local network.
type Peers interface {
	Peers() []discovery.Peer
}

// Service handles API requests
type Service struct {
	market      *ledger.Market
	backups     Backups
	maxBackups  int
	broadcaster Broadcaster
	peers       Peers
	logger      *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBackups enables the backup and snapshot routes.
func WithBackups(b Backups, maxBackups int) Option {
	return func(s *Service) {
		s.backups = b
		s.maxBackups = maxBackups
	}
}

// WithBroadcaster routes submitted transactions through consensus instead of
// executing them against the local market.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

// WithPeers enables the peer listing route.
func WithPeers(p Peers) Option {
	return func(s *Service) { s.peers = p }
}

// NewService creates a new API service
func NewService(market *ledger.Market, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{market: market, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.HandleHealth)
	mux.HandleFunc("GET /api/version", s.HandleVersion)
	mux.HandleFunc("GET /api/peers", s.HandlePeers)

	mux.HandleFunc("POST /api/tx", s.HandleSubmitTx)
	mux.HandleFunc("GET /api/listings", s.HandleListings)
	mux.HandleFunc("GET /api/accounts/{addr}/owned", s.HandleOwned)
	mux.HandleFunc("GET /api/accounts/{addr}/listed", s.HandleListed)
	mux.HandleFunc("GET /api/accounts/{addr}/balance", s.HandleBalance)
	mux.HandleFunc("GET /api/accounts/{addr}/nonce", s.HandleNonce)
	mux.HandleFunc("GET /api/items/{id}", s.HandleItem)
	mux.HandleFunc("GET /api/items/{id}/transfers", s.HandleTransfers)
	mux.HandleFunc("GET /api/fee", s.HandleFee)
	mux.HandleFunc("GET /api/stats", s.HandleStats)

	mux.HandleFunc("GET /api/backups", s.HandleListBackups)
	mux.HandleFunc("POST /api/backups", s.HandleCreateBackup)
	mux.HandleFunc("GET /api/snapshot", s.HandleSnapshot)
}

// Handler returns the API routes wrapped with request ids and metrics.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return s.Middleware(mux)
}

type ctxKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware tags each request with an X-Request-ID and counts responses.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.logger.Debug("api request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// log returns the service logger tagged with the request id.
func (s *Service) log(r *http.Request) *zap.Logger {
	if id, ok := r.Context().Value(ctxKey{}).(string); ok {
		return s.logger.With(zap.String("request_id", id))
	}
	return s.logger
}

// writeJSON writes a JSON response
func (s *Service) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Service) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

var reasonStatus = map[string]int{
	"invalid_price":   http.StatusUnprocessableEntity,
	"invalid_payment": http.StatusUnprocessableEntity,
	"not_found":       http.StatusNotFound,
	"already_sold":    http.StatusConflict,
	"unauthorized":    http.StatusUnauthorized,
	"forbidden":       http.StatusForbidden,
}

// statusFor maps a ledger or consensus error to an HTTP status.
func statusFor(err error) int {
	reason := ledger.Reason(err)
	var txErr *tendermint.TxError
	if errors.As(err, &txErr) {
		if txErr.Codespace == "" {
			// encoding and signature failures carry no ledger reason
			return http.StatusBadRequest
		}
		reason = txErr.Codespace
	}
	if status, ok := reasonStatus[reason]; ok {
		return status
	}
	return http.StatusInternalServerError
}
