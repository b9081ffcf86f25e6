package api

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/crmdispatch/internal/campaign"
	"github.com/foxzi/crmdispatch/internal/config"
	"github.com/foxzi/crmdispatch/internal/metrics"
	"github.com/foxzi/crmdispatch/internal/models"
)

// Campaigns is the campaign lifecycle exposed over HTTP
type Campaigns interface {
	CreateDraft(ctx context.Context, d campaign.Draft) (*models.Campaign, error)
	UpdateDraft(ctx context.Context, id string, ch campaign.Changes) (*models.Campaign, error)
	Delete(ctx context.Context, id string) error
	BeginSend(ctx context.Context, id string) (*campaign.SendResult, error)
	Fail(ctx context.Context, id string) (*models.Campaign, error)
	Get(ctx context.Context, id string) (*models.Campaign, error)
	List(ctx context.Context, p campaign.ListParams) (*campaign.Page[models.Campaign], error)
	Recipients(ctx context.Context, id string, status models.RecipientStatus, page, limit int) (*campaign.Page[models.LedgerRow], error)
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	campaigns  Campaigns
	config     config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
	tlsConfig  *tls.Config
}

// NewServer creates a new API server
func NewServer(campaigns Campaigns, cfg config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		campaigns: campaigns,
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// SetTLSConfig serves the API over HTTPS. Call before ListenAndServe.
func (s *Server) SetTLSConfig(cfg *tls.Config) {
	s.tlsConfig = cfg
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1/campaigns", func(r chi.Router) {
		r.Get("/", s.handleListCampaigns)
		r.Post("/", s.handleCreateCampaign)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetCampaign)
			r.Put("/", s.handleUpdateCampaign)
			r.Delete("/", s.handleDeleteCampaign)
			r.Post("/send", s.handleSendCampaign)
			r.Post("/fail", s.handleFailCampaign)
			r.Get("/recipients", s.handleRecipients)
		})
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	if s.tlsConfig != nil {
		s.httpServer.TLSConfig = s.tlsConfig
		s.logger.Info("starting HTTPS API server", "addr", s.config.ListenAddr)
		// certificates come from TLSConfig
		return s.httpServer.ListenAndServeTLS("", "")
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	return s.httpServer.Shutdown(ctx)
}
