package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/billing/internal/api/handler"
	mw "github.com/edvin/billing/internal/api/middleware"
	"github.com/edvin/billing/internal/archive"
	"github.com/edvin/billing/internal/config"
	"github.com/edvin/billing/internal/core"
	"github.com/edvin/billing/internal/realtime"
	"github.com/edvin/billing/internal/webhook"
)

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP server routes to.
type Deps struct {
	DB       Pinger
	Cache    Pinger
	Services *core.Services
	Hub      *realtime.Hub
	Archiver archive.Archiver

	Stripe        *webhook.StripeVerifier
	AppStore      *webhook.AppStoreVerifier
	Play          *webhook.PlayParser
	PlayValidator handler.PlayValidator
	ProductTiers  webhook.ProductTiers
}

type Server struct {
	router chi.Router
	logger zerolog.Logger
	cfg    *config.Config
	deps   Deps
}

func NewServer(logger zerolog.Logger, cfg *config.Config, deps Deps) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger,
		cfg:    cfg,
		deps:   deps,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	processor := s.deps.Services.Processor

	s.router.Route("/api/webhooks", func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.WebhookTimeout))

		r.Post("/stripe", handler.NewStripeWebhook(s.deps.Stripe, processor, s.deps.Archiver).Handle)
		r.Post("/apple", handler.NewAppleWebhook(s.deps.AppStore, s.cfg.Production(), processor, s.deps.Archiver).Handle)
		r.Post("/google", handler.NewGoogleWebhook(
			s.deps.Play, s.deps.PlayValidator, s.deps.ProductTiers, s.cfg.Production(), processor, s.deps.Archiver,
		).Handle)
	})

	internalAuth := mw.InternalAuth(s.cfg.InternalAPIToken)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(internalAuth)

		subscription := handler.NewSubscription(s.deps.Services.Subscription, processor, handler.BindSources{
			AppStore:   s.deps.AppStore,
			Play:       s.deps.PlayValidator,
			Tiers:      s.deps.ProductTiers,
			Production: s.cfg.Production(),
		})
		r.Get("/organizations/{organizationID}/subscription", subscription.Get)
		r.Post("/organizations/{organizationID}/subscription/bind", subscription.Bind)
	})

	s.router.With(internalAuth).Get("/ws/organizations/{organizationID}", handler.NewRealtime(s.deps.Hub).Connect)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var (
		mu     sync.Mutex
		checks = map[string]string{}
	)
	check := func(name string, p Pinger) func() error {
		return func() error {
			err := p.Ping(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[name] = err.Error()
				return err
			}
			checks[name] = "ok"
			return nil
		}
	}

	// A plain Group: one failed dependency must not cancel the other check.
	var g errgroup.Group
	g.Go(check("database", s.deps.DB))
	g.Go(check("redis", s.deps.Cache))
	err := g.Wait()

	w.Header().Set("Content-Type", "application/json")
	if err == nil {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
