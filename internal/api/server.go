// Package api exposes generation, quota, admin and billing webhook routes over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/superlion8/brand-camera-sub004/internal/credits"
	"github.com/superlion8/brand-camera-sub004/internal/metrics"
	"github.com/superlion8/brand-camera-sub004/internal/models"
	"github.com/superlion8/brand-camera-sub004/internal/ratelimit"
	"github.com/superlion8/brand-camera-sub004/internal/service"
	"github.com/superlion8/brand-camera-sub004/internal/validation"
)

type Generator interface {
	Generate(ctx context.Context, in service.GenerateInput) (*service.AggregateResult, error)
	History(ctx context.Context, accountID string, limit int) ([]models.GenerationRecord, error)
	PendingReconciliation(ctx context.Context, limit int) ([]models.GenerationRecord, error)
}

type Credits interface {
	Balance(ctx context.Context, accountID string) (credits.Breakdown, error)
	ClaimDaily(ctx context.Context, accountID string) (credits.Breakdown, bool, error)
	Grant(ctx context.Context, accountID string, pool models.Pool, amount int) (credits.Breakdown, error)
	ApplyBillingEvent(ctx context.Context, event *models.BillingEvent) (credits.Breakdown, bool, error)
}

type BillingEvents interface {
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.BillingEvent, error)
}

type Config struct {
	Addr           string
	AdminUsername  string
	AdminPassword  string
	WebhookSecret  string
	AllowedOrigins []string
	// MaxBodyBytes caps request bodies, reference images included.
	MaxBodyBytes int64
	// WriteTimeout must outlast a full generation.
	WriteTimeout time.Duration
	// ShutdownTimeout bounds the drain of in-flight requests on shutdown.
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg     Config
	log     *slog.Logger
	gen     Generator
	credits Credits
	billing BillingEvents
	limiter ratelimit.Limiter
	router  *chi.Mux
}

func NewServer(cfg Config, log *slog.Logger, gen Generator, creditSvc Credits, billing BillingEvents, limiter ratelimit.Limiter) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 32 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 6 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = cfg.WriteTimeout
	}
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", accountHeader},
		MaxAge:         300,
	}))

	s := &Server{
		cfg:     cfg,
		log:     log.With("component", "api"),
		gen:     gen,
		credits: creditSvc,
		billing: billing,
		limiter: limiter,
		router:  r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/webhook/billing", s.handleBillingWebhook)

	r.Group(func(acct chi.Router) {
		acct.Use(s.accountMiddleware)
		acct.With(s.rateLimitMiddleware).Post("/generate", s.handleGenerate)
		acct.Get("/quota", s.handleQuota)
		acct.Post("/quota/daily-reward", s.handleDailyReward)
		acct.Get("/generations", s.handleHistory)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.basicAuthMiddleware())
		admin.Post("/accounts/{accountID}/grant", s.handleGrant)
		admin.Get("/accounts/{accountID}/billing-events", s.handleBillingEvents)
		admin.Get("/reconciliation", s.handleReconciliation)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured address until ctx ends, then drains in-flight
// requests before returning.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener. It returns only after Shutdown has
// finished, so callers may release shared resources once it does.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	shutdownDone := make(chan error, 1)
	go func() {
		<-ctx.Done()
		s.log.Info("http server draining", "timeout", s.cfg.ShutdownTimeout.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		shutdownDone <- srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("http server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	if err := <-shutdownDone; err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

const accountHeader = "X-Account-ID"

type accountKey struct{}

func accountFrom(ctx context.Context) string {
	id, _ := ctx.Value(accountKey{}).(string)
	return id
}

// accountMiddleware trusts the upstream gateway to have authenticated the caller.
func (s *Server) accountMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(accountHeader))
		if id == "" || len(id) > 64 {
			s.writeError(w, http.StatusUnauthorized, "missing or invalid "+accountHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey{}, id)))
	})
}

// rateLimitMiddleware fails open when the limiter store is unreachable.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := accountFrom(r.Context())
		allowed, err := s.limiter.Allow(r.Context(), accountID)
		if err != nil {
			s.log.Warn("rate limiter unavailable", "account_id", accountID, "err", err)
			allowed = true
		}
		if !allowed {
			metrics.RateLimitRejections.Inc()
			w.Header().Set("Retry-After", "60")
			s.writeError(w, http.StatusTooManyRequests, "too many generation requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || !constantTimeEqual(user, s.cfg.AdminUsername) || !constantTimeEqual(pass, s.cfg.AdminPassword) {
				w.Header().Set("WWW-Authenticate", `Basic realm="brand-camera"`)
				s.writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

// decode reads a JSON body into v and validates its tags.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := validation.Struct(v); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps service and ledger errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrUnknownPool):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, credits.ErrInsufficientCredits):
		s.writeError(w, http.StatusPaymentRequired, "not enough credits for this request")
	default:
		s.log.Error("handler error", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
