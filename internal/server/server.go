package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"batchfetch/internal/config"
	"batchfetch/internal/handlers"
)

// Server serves the ops endpoints and the batch API
type Server struct {
	logger    *zap.Logger
	cfg       *config.Config
	srv       *http.Server
	challenge *http.Server
	listener  net.Listener
	errs      chan error
}

// New creates a new server instance
func New(logger *zap.Logger, cfg *config.Config, batchHandler *handlers.BatchHandler, healthHandler *handlers.HealthHandler) *Server {
	r := mux.NewRouter()

	r.Use(handlers.RequestIDMiddleware)
	r.Use(handlers.AccessLog(logger))

	// Metrics endpoint with optional basic auth
	metricsHandler := promhttp.Handler()
	if cfg.MetricsUsername != "" && cfg.MetricsPassword != "" {
		r.Handle("/metrics", handlers.BasicAuth("metrics", cfg.MetricsUsername, cfg.MetricsPassword)(metricsHandler))
	} else {
		r.Handle("/metrics", metricsHandler)
	}

	r.HandleFunc("/health", healthHandler.Health).Methods("GET")

	r.HandleFunc("/batches", batchHandler.CreateBatch).Methods("POST")
	r.HandleFunc("/batches/{id}", batchHandler.GetBatch).Methods("GET")
	r.HandleFunc("/downloads/{id}/pause", batchHandler.Pause).Methods("POST")
	r.HandleFunc("/downloads/{id}/resume", batchHandler.Resume).Methods("POST")

	return &Server{
		logger: logger,
		cfg:    cfg,
		srv: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		errs: make(chan error, 2),
	}
}

// Start binds the listener and serves in the background. Listen failures
// are returned; later serve failures are delivered on Errors.
func (s *Server) Start() error {
	if s.cfg.EnableHTTPS {
		return s.startHTTPS()
	}
	return s.startHTTP()
}

// Errors reports fatal serve errors after Start
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) startHTTP() error {
	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))

	go s.serve(func() error { return s.srv.Serve(ln) })
	return nil
}

func (s *Server) startHTTPS() error {
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.cfg.LetsEncryptDomains...),
		Cache:      autocert.DirCache(s.cfg.LetsEncryptCacheDir),
		Email:      s.cfg.LetsEncryptEmail,
	}

	ln, err := net.Listen("tcp", ":443")
	if err != nil {
		return err
	}
	s.listener = ln

	// HTTP server for ACME challenges and redirects
	s.challenge = &http.Server{
		Addr:              ":80",
		Handler:           m.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("starting HTTP server for challenges/redirects", zap.String("addr", s.challenge.Addr))
		if err := s.challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("challenge server error", zap.Error(err))
		}
	}()

	s.srv.TLSConfig = &tls.Config{GetCertificate: m.GetCertificate, MinVersion: tls.VersionTLS12}
	s.logger.Info("starting HTTPS server", zap.String("addr", ln.Addr().String()), zap.Strings("domains", s.cfg.LetsEncryptDomains))

	go s.serve(func() error { return s.srv.ServeTLS(ln, "", "") })
	return nil
}

func (s *Server) serve(fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("server error", zap.Error(err))
		s.errs <- err
	}
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// is done
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server...")

	if s.challenge != nil {
		if err := s.challenge.Shutdown(ctx); err != nil {
			s.logger.Warn("challenge server shutdown failed", zap.Error(err))
		}
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}

	s.logger.Info("server stopped")
	return nil
}
