package restapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/binlens/binlens/internal/auth"
	"github.com/binlens/binlens/internal/breaker"
	"github.com/binlens/binlens/internal/config"
	"github.com/binlens/binlens/internal/job"
	"github.com/binlens/binlens/internal/provider"
	"github.com/binlens/binlens/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Server is the REST listener: chi router, middleware chain, and the
// http.Server wrapping them.
type Server struct {
	cfg     *config.Config
	handler *Handler
	auth    *auth.Store
	limiter *ratelimit.Limiter
	log     *zap.Logger
	http    *http.Server
}

// NewServer wires a Server from the process's shared components. If
// cfg.Server.AuditLogPath is set, admin-sensitive actions are appended to
// that file; a failure to open it is logged and auditing is left disabled
// rather than failing startup.
func NewServer(cfg *config.Config, store *job.Store, authStore *auth.Store, limiter *ratelimit.Limiter, clients map[string]provider.Client, breakers *breaker.Registry, rdb *redis.Client, log *zap.Logger) *Server {
	handler := NewHandler(cfg, store, authStore, clients, breakers, rdb, log)
	if cfg.Server.AuditLogPath != "" {
		audit, err := NewAuditLogger(cfg.Server.AuditLogPath, cfg.Server.AuditLogMaxBytes, cfg.Server.AuditLogMaxBackups)
		if err != nil {
			log.Warn("audit logger disabled", zap.Error(err))
		} else {
			handler = handler.WithAuditLogger(audit)
		}
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		auth:    authStore,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the chi router with the full route table and middleware
// chain, exported for testing without binding a socket.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(CORS(s.cfg.Server.CORSOrigins))
	r.Use(Compression())
	r.Use(ErrorMapper(s.log))
	r.Use(CorrelationID(s.log))

	authEnabled := s.cfg.Auth.RequireAuth && !s.cfg.Server.DevMode
	rateLimitEnabled := s.cfg.RateLimit.Enabled && !s.cfg.Server.DevMode

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/health", s.handler.Health)
		api.Get("/health/ready", s.handler.Ready)
		api.Get("/health/live", s.handler.Live)

		api.Group(func(g chi.Router) {
			g.Use(Auth(s.auth, authEnabled))

			g.Get("/system/info", s.handler.SystemInfo)

			g.Group(func(u chi.Router) {
				u.Use(RateLimit(s.limiter, rateLimitEnabled, ratelimit.CategoryUpload))
				u.Post("/decompile", s.handler.Submit)
			})

			g.Group(func(gen chi.Router) {
				gen.Use(RateLimit(s.limiter, rateLimitEnabled, ratelimit.CategoryGeneric))
				gen.Get("/decompile/test", s.handler.TestConnectivity)
				gen.Get("/decompile/{id}", s.handler.GetJob)
				gen.Delete("/decompile/{id}", s.handler.CancelJob)

				gen.Get("/llm-providers", s.handler.ListProviders)
				gen.Get("/llm-providers/{id}", s.handler.GetProvider)
				gen.Post("/llm-providers/{id}/health-check", s.handler.ProviderHealthCheck)

				gen.Post("/admin/api-keys", s.handler.CreateAPIKey)
				gen.Get("/admin/api-keys/{user}", s.handler.ListAPIKeys)
				gen.Delete("/admin/api-keys/{user}/{keyId}", s.handler.RevokeAPIKey)
				gen.Get("/admin/stats", s.handler.AdminStats)
				gen.Post("/admin/dev/create-api-key", s.handler.DevCreateAPIKey)
			})
		})
	})

	return r
}

// Start binds and serves until ctx is cancelled, then shuts down within the
// configured grace period.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("rest api listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownGrace)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
