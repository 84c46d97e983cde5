package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nxmramm/native/ramm"
	"nxmramm/observability"
	"nxmramm/services/rammd/sequencer"
	"nxmramm/services/rammd/storage"
)

// Engine is the read and admin surface of the RAMM engine.
type Engine interface {
	LoadState(ctx context.Context) (ramm.State, error)
	Reserves(ctx context.Context) (ramm.State, ramm.Liquidity, error)
	SpotPrices(ctx context.Context) (*uint256.Int, *uint256.Int, error)
	BookValue(ctx context.Context) (*uint256.Int, error)
	InternalPrice(ctx context.Context) (*uint256.Int, error)
	CircuitBreaker(ctx context.Context) (ramm.CircuitBreaker, error)
	SwapPaused(ctx context.Context) (bool, error)
	SetEmergencySwapPause(ctx context.Context, caller common.Address, paused bool) error
	SetCircuitBreakerLimits(ctx context.Context, caller common.Address, ethLimit, nxmLimit uint32) error
	RemoveBudget(ctx context.Context, caller common.Address) error
}

// Sequencer orders every state-changing call.
type Sequencer interface {
	Submit(ctx context.Context, req ramm.SwapRequest) (*sequencer.Receipt, error)
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Journal serves swap history.
type Journal interface {
	RecentSwaps(ctx context.Context, limit int) ([]storage.SwapRecord, error)
	SwapsByUser(ctx context.Context, user string, limit int) ([]storage.SwapRecord, error)
	Ping(ctx context.Context) error
}

// Treasury exposes wallet balances and the protocol-wide pause.
type Treasury interface {
	BalanceOf(ctx context.Context, account common.Address) (*uint256.Int, error)
	EthBalance(ctx context.Context, account common.Address) (*uint256.Int, error)
	HasRole(ctx context.Context, role ramm.Role, account common.Address) (bool, error)
	IsPaused(module string) bool
	SetSystemPaused(paused bool) error
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	// DefaultDeadline is added to now for swaps submitted without a deadline.
	DefaultDeadline time.Duration
	Now             func() time.Time
}

// Deps bundles the collaborators the handlers call into.
type Deps struct {
	Engine    Engine
	Sequencer Sequencer
	Journal   Journal
	Treasury  Treasury
	Events    http.Handler
}

// Server hosts the rammd HTTP API.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	auth    *Authenticator
	limiter *RateLimiter
	handler http.Handler
}

// New constructs the server and its router.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Engine == nil || deps.Sequencer == nil {
		return nil, fmt.Errorf("engine and sequencer required")
	}
	if deps.Journal == nil || deps.Treasury == nil {
		return nil, fmt.Errorf("journal and treasury required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	auth, err := NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("configure auth: %w", err)
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	srv := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		auth:    auth,
		limiter: NewRateLimiter(cfg.RateLimit),
	}
	srv.handler = srv.routes()
	return srv, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestID)
	r.Use(s.observe)

	r.Get("/healthz", s.instrument("rammd.health", s.handleHealth))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(public chi.Router) {
			public.Use(s.limiter.Middleware)
			public.Get("/state", s.instrument("rammd.state", s.handleState))
			public.Get("/reserves", s.instrument("rammd.reserves", s.handleReserves))
			public.Get("/prices", s.instrument("rammd.prices", s.handlePrices))
			public.Get("/circuit-breaker", s.instrument("rammd.circuit_breaker", s.handleCircuitBreaker))
			public.Get("/swaps", s.instrument("rammd.swaps", s.handleSwaps))
			public.Get("/accounts/{address}", s.instrument("rammd.account", s.handleAccount))
			if s.deps.Events != nil {
				public.Get("/events/ws", s.deps.Events.ServeHTTP)
			}
		})
		v1.Group(func(authed chi.Router) {
			authed.Use(s.auth.Middleware)
			authed.Use(s.limiter.Middleware)
			authed.Post("/swap", s.instrument("rammd.swap", s.handleSwap))
			authed.Post("/admin/swap-pause", s.instrument("rammd.admin.swap_pause", s.handleSwapPause))
			authed.Post("/admin/circuit-breaker", s.instrument("rammd.admin.circuit_breaker", s.handleBreakerLimits))
			authed.Post("/admin/budget/remove", s.instrument("rammd.admin.budget_remove", s.handleRemoveBudget))
			authed.Post("/admin/system-pause", s.instrument("rammd.admin.system_pause", s.handleSystemPause))
		})
	})
	return r
}

func (s *Server) instrument(operation string, fn http.HandlerFunc) http.HandlerFunc {
	return otelhttp.NewHandler(fn, operation).ServeHTTP
}

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		observability.Requests().Observe(route, r.Method, status, elapsed)
		s.logger.Debug("request served",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.String("route", route),
			slog.String("method", r.Method),
			slog.Int("status", status),
			slog.Duration("duration", elapsed),
		)
	})
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("addr", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}
