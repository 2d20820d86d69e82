// Package server exposes the farming engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"yieldfarm/native/farming"
	"yieldfarm/observability/metrics"
	"yieldfarm/services/farmingd/outbox"
)

// Engine is the farming surface served over HTTP.
type Engine interface {
	CreateFarm(ctx context.Context, creator string, in farming.FarmInput) (uint64, error)
	UpdateFarm(ctx context.Context, farmID uint64) error
	OnAssetReceived(ctx context.Context, asset, sender string, amount *uint256.Int, msg string) (*uint256.Int, error)
	ClaimRewards(ctx context.Context, account string, farmID uint64) ([]farming.TransferRequest, error)
	Withdraw(ctx context.Context, account string, farmID uint64, amount *uint256.Int) (farming.TransferRequest, error)
	DepositStorage(ctx context.Context, account string, amount *uint256.Int) (*uint256.Int, error)
	WithdrawStorage(ctx context.Context, account string, amount *uint256.Int) (farming.TransferRequest, error)
	StorageBalance(account string) (*uint256.Int, error)
	GetFarm(farmID uint64) (*farming.FarmView, bool, error)
	ListFarms(from, limit uint64) ([]*farming.FarmView, error)
	GetStake(account string, farmID uint64) (*farming.StakeView, bool, error)
	ListStakesByAccount(account string, from, limit uint64) ([]*farming.StakeView, error)
	PendingRewards(account string, farmID uint64) ([]string, error)
}

// TransferStore reads and completes outbound transfers.
type TransferStore interface {
	Get(ctx context.Context, id uuid.UUID) (*outbox.Transfer, error)
	Complete(ctx context.Context, id uuid.UUID, success bool, reason string) (*outbox.Transfer, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine      Engine
	Transfers   TransferStore
	DB          *gorm.DB
	Auth        *Authenticator
	RateLimiter *RateLimiter
	Events      http.Handler
	Logger      *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	engine    Engine
	transfers TransferStore
	db        *gorm.DB
	auth      *Authenticator
	limiter   *RateLimiter
	events    http.Handler
	logger    *slog.Logger

	router http.Handler
}

// New constructs the router. Engine and Auth are required.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: authenticator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := &Server{
		engine:    cfg.Engine,
		transfers: cfg.Transfers,
		db:        cfg.DB,
		auth:      cfg.Auth,
		limiter:   cfg.RateLimiter,
		events:    cfg.Events,
		logger:    cfg.Logger,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the traced HTTP router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "farmingd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	idempotent := withIdempotency(s.db, s.logger)
	r.Route("/v1", func(api chi.Router) {
		api.Group(func(public chi.Router) {
			public.Use(s.limiter.Middleware)
			public.Get("/farms", s.ListFarms)
			public.Get("/farms/{id}", s.GetFarm)
			public.Get("/accounts/{account}/stakes", s.ListStakes)
			public.Get("/accounts/{account}/stakes/{id}", s.GetStake)
			public.Get("/accounts/{account}/stakes/{id}/pending", s.PendingRewards)
			public.Get("/storage/{account}", s.StorageBalance)
			if s.events != nil {
				public.Handle("/events/ws", s.events)
			}
		})
		api.Group(func(user chi.Router) {
			user.Use(s.auth.RequireAccount)
			user.Use(s.limiter.Middleware)
			user.Use(idempotent)
			user.Post("/farms", s.CreateFarm)
			user.Post("/farms/{id}/update", s.UpdateFarm)
			user.Post("/farms/{id}/claim", s.Claim)
			user.Post("/farms/{id}/withdraw", s.Withdraw)
			user.Post("/storage/withdraw", s.WithdrawStorage)
			user.Get("/transfers/{id}", s.GetTransfer)
		})
		api.Group(func(notifier chi.Router) {
			notifier.Use(s.auth.RequireNotifier)
			notifier.Use(s.limiter.Middleware)
			notifier.Use(idempotent)
			notifier.Post("/notifications/transfer", s.NotifyTransfer)
			notifier.Post("/storage/deposit", s.DepositStorage)
			notifier.Post("/transfers/{id}/complete", s.CompleteTransfer)
		})
	})
	return r
}

// observe records request latency by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(started)
		metrics.Farming().ObserveRequest(route, status, elapsed)
		s.logger.Debug("request served",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("elapsed", elapsed),
			slog.String("request_id", chimw.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Shortfall string `json:"shortfall,omitempty"`
	Refund    string `json:"refund,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
