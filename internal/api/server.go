package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/sealaudit/internal/audit"
	"github.com/org/sealaudit/internal/auth"
	"github.com/org/sealaudit/internal/clock"
	"github.com/org/sealaudit/internal/events"
	"github.com/org/sealaudit/internal/keyserver"
	"github.com/org/sealaudit/internal/metrics"
	"github.com/org/sealaudit/internal/policy"
	"github.com/org/sealaudit/internal/report"
	"github.com/org/sealaudit/internal/storage"
	"github.com/org/sealaudit/pkg/models"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	// PackageID is the package every session key and proof must name.
	PackageID        string
	WSOriginPatterns []string
}

// RequestLog is the interface the server needs from a request logger.
type RequestLog interface {
	LogRequest(ctx context.Context, entry *models.RequestLogEntry)
	Query(ctx context.Context, filter storage.RequestLogFilter) ([]*models.RequestLogEntry, error)
}

// Deps are the components a Server routes requests to.
type Deps struct {
	Clock      clock.Clock
	Sessions   *auth.Store
	Policy     *policy.Engine
	Ledger     *audit.Ledger
	RequestLog RequestLog
	Quorum     *keyserver.Quorum
	Bus        *events.Bus
	Limiter    Limiter
}

// Server is the decryption and policy API server.
type Server struct {
	cfg      Config
	clock    clock.Clock
	sessions *auth.Store
	policy   *policy.Engine
	ledger   *audit.Ledger
	requests RequestLog
	quorum   *keyserver.Quorum
	sealer   *report.Sealer
	bus      *events.Bus
	limiter  Limiter
	httpSrv  *http.Server
}

func NewServer(cfg Config, d Deps) *Server {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Limiter == nil {
		d.Limiter = NewLocalLimiter(0, 0)
	}
	s := &Server{
		cfg:      cfg,
		clock:    d.Clock,
		sessions: d.Sessions,
		policy:   d.Policy,
		ledger:   d.Ledger,
		requests: d.RequestLog,
		quorum:   d.Quorum,
		bus:      d.Bus,
		limiter:  d.Limiter,
	}
	if d.Quorum != nil {
		s.sealer = report.NewSealer(d.Quorum)
	}
	return s
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(rateLimitMiddleware(s.limiter))
	if s.requests != nil {
		r.Use(requestLogMiddleware(s.requests))
	}

	r.Handle("/metrics", metrics.Handler())

	// Public routes
	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
		r.Get("/v1/events", s.EventsHandler)
		r.Post("/session-key", s.CreateSessionKeyHandler)
		r.Post("/session-key/signature", s.AttachSignatureHandler)
		r.Post("/decrypt", s.DecryptHandler)
	})

	// Session-authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(sessionMiddleware(s.sessions))

		r.Post("/v1/policies", s.CreatePolicyHandler)
		r.Get("/v1/policies/{id}", s.GetPolicyHandler)
		r.Post("/v1/policies/{id}/tokens", s.GrantTokenHandler)
		r.Get("/v1/policies/{id}/tokens", s.ListTokensHandler)
		r.Post("/v1/policies/{id}/revoke", s.RevokePolicyHandler)
		r.Post("/v1/policies/{id}/remove-access", s.RemoveAccessHandler)
		r.Get("/v1/policies/{id}/access-log", s.AccessLogHandler)
		r.Post("/v1/policies/{id}/check", s.CheckAccessHandler)

		r.Get("/v1/tokens/{id}", s.GetTokenHandler)
		r.Post("/v1/tokens/{id}/transfer", s.TransferTokenHandler)
		r.Post("/v1/tokens/{id}/burn", s.BurnTokenHandler)

		r.Post("/v1/reports/encrypt", s.EncryptReportHandler)

		r.Get("/v1/audit/config", s.AuditConfigHandler)
		r.Post("/v1/audit/records", s.SubmitAuditHandler)
		r.Get("/v1/audit/records/{id}", s.GetAuditRecordHandler)
		r.Get("/v1/audit/blobs/{blob}", s.BlobHistoryHandler)
		r.Post("/v1/audit/auditors", s.AuditorsHandler)
		r.Post("/v1/audit/challenge-bounds", s.ChallengeBoundsHandler)

		r.Get("/v1/sys/request-log", s.RequestLogHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
