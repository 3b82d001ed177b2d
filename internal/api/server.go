package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mr-karan/meridian/internal/auth"
	"github.com/mr-karan/meridian/internal/metrics"
	"github.com/mr-karan/meridian/internal/middleware"
	"github.com/mr-karan/meridian/internal/reachability"
	"github.com/mr-karan/meridian/internal/store"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// Server handles the coordination REST API (spec §4.5): a user surface
// scoped to the caller's own tunnel-implicit identity, and an admin surface
// gated on peer.is_admin.
type Server struct {
	cfg    Config
	logger *slog.Logger
	store  *store.Store
	reach  *reachability.Cache
	auth   *auth.Authenticator
	router *mux.Router
}

// NewServer creates a new coordination API server.
func NewServer(cfg Config, logger *slog.Logger, st *store.Store, reach *reachability.Cache, authn *auth.Authenticator) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		store:  st,
		reach:  reach,
		auth:   authn,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(
		middleware.Recovery(s.logger),
		middleware.Logger(s.logger),
		middleware.CORS(s.cfg.AllowedOrigins),
	)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/metrics", metrics.Handler()).Methods("GET")

	user := s.router.PathPrefix("/v1/user").Subrouter()
	user.Handle("/state", s.auth.Middleware(http.HandlerFunc(s.handleUserState))).Methods("GET")
	user.Handle("/redeem", s.auth.MiddlewarePending(http.HandlerFunc(s.handleUserRedeem))).Methods("POST")
	user.Handle("/endpoint", s.auth.Middleware(http.HandlerFunc(s.handleUserEndpoint))).Methods("PUT")
	user.Handle("/candidates", s.auth.Middleware(http.HandlerFunc(s.handleUserCandidates))).Methods("PUT")

	admin := s.router.PathPrefix("/v1/admin").Subrouter()
	admin.Use(s.auth.Middleware, s.auth.RequireAdmin)
	admin.HandleFunc("/peers", s.handleAdminListPeers).Methods("GET")
	admin.HandleFunc("/peers", s.handleAdminCreatePeer).Methods("POST")
	admin.HandleFunc("/peers/{id}/rename", s.handleAdminRenamePeer).Methods("PUT")
	admin.HandleFunc("/peers/{id}/disable", s.handleAdminSetDisabled(true)).Methods("PUT")
	admin.HandleFunc("/peers/{id}/enable", s.handleAdminSetDisabled(false)).Methods("PUT")
	admin.HandleFunc("/peers/{id}/endpoint", s.handleAdminOverrideEndpoint).Methods("PUT")

	admin.HandleFunc("/cidrs", s.handleAdminListCidrs).Methods("GET")
	admin.HandleFunc("/cidrs", s.handleAdminCreateCidr).Methods("POST")
	admin.HandleFunc("/cidrs/{id}/rename", s.handleAdminRenameCidr).Methods("PUT")
	admin.HandleFunc("/cidrs/{id}", s.handleAdminDeleteCidr).Methods("DELETE")

	admin.HandleFunc("/associations", s.handleAdminListAssociations).Methods("GET")
	admin.HandleFunc("/associations", s.handleAdminCreateAssociation).Methods("POST")
	admin.HandleFunc("/associations/{id}", s.handleAdminDeleteAssociation).Methods("DELETE")

	admin.HandleFunc("/listen-port", s.handleAdminSetListenPort).Methods("PUT")
}

// Start runs the HTTP server until ctx is cancelled, then drains in-flight
// requests (spec §4.5 implies the same graceful-shutdown discipline the
// teacher's server already has).
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s.logger.Info("shutting down http server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", slog.Any("error", err))
		}
	}()

	s.logger.Info("starting http server", slog.String("addr", s.cfg.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}
