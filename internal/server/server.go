// internal/server/server.go
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/signalnine/saferun/internal/classifier"
	"github.com/signalnine/saferun/internal/config"
	"github.com/signalnine/saferun/internal/detector"
	"github.com/signalnine/saferun/internal/metrics"
	"github.com/signalnine/saferun/internal/store"
)

// Server is the detection control API
type Server struct {
	cfg      *config.ServerConfig
	db       *store.DB
	detector *detector.Detector
	metrics  *metrics.Metrics
	logger   *zap.Logger
	server   *http.Server
}

// NewServer opens the database, restores saved settings and builds the router
func NewServer(cfg *config.ServerConfig, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	saved, err := db.LoadDetectorSettings(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load settings: %w", err)
	}
	detCfg := ResolveDetectorConfig(cfg.Detector, saved, logger)

	m := metrics.NewMetrics()
	det, err := detector.New(detCfg, classifier.NewClient(logger),
		detector.WithLogger(logger),
		detector.WithMetrics(m),
		detector.WithSettingsStore(db))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create detector: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		db:       db,
		detector: det,
		metrics:  m,
		logger:   logger,
	}

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// ResolveDetectorConfig overlays saved settings on the configured ones. An
// endpoint pinned through the environment wins over the saved one.
func ResolveDetectorConfig(dc config.DetectorConfig, saved store.DetectorSettings, logger *zap.Logger) detector.Config {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dc.EndpointFromEnv && saved.EndpointURL != nil {
		if *saved.EndpointURL != dc.EndpointURL {
			logger.Info("Saved endpoint overridden by environment",
				zap.String("saved", *saved.EndpointURL),
				zap.String("endpoint_url", dc.EndpointURL),
				zap.String("env", config.EnvEndpointURL))
		}
		saved.EndpointURL = nil
	}
	return saved.Apply(dc.Detector())
}

// Detector returns the server's detector
func (s *Server) Detector() *detector.Detector { return s.detector }

// Handler builds the gin router
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(s.logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api/v1", BearerAuth(s.cfg.APIKey), PayloadLimit(s.cfg.MaxPayloadBytes))
	NewHandler(s.detector, s.db, s.logger).Register(api)

	return r
}

// Run serves until ctx is canceled. TLS is used when a cert is configured.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.db.Close()
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.db.Close()

	useTLS := s.cfg.TLSCert != "" && s.cfg.TLSKey != ""
	if useTLS {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			ln.Close()
			return fmt.Errorf("load TLS cert: %w", err)
		}
		s.server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	s.logger.Info("Server starting",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", useTLS),
		zap.String("status", s.detector.Status()),
		zap.String("endpoint_url", s.detector.EndpointURL()))

	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
