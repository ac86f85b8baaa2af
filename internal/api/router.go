// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/wingedpig/strand/internal/api/middleware"
	"github.com/wingedpig/strand/internal/resume"
	"github.com/wingedpig/strand/internal/session"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Host    string
	Port    int
	TLSCert string // Path to TLS certificate file
	TLSKey  string // Path to TLS private key file
}

// Dependencies holds all dependencies for API handlers.
type Dependencies struct {
	Store          *session.Store
	Orchestrator   *resume.Orchestrator
	Directory      *session.Directory
	CoalesceWindow time.Duration
}

// NewRouter creates the API router.
func NewRouter(deps Dependencies) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS)

	runHandler := NewRunHandler(deps.Store, deps.Orchestrator, deps.Directory, deps.CoalesceWindow)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/runs", runHandler.ListRuns).Methods("GET")
	api.HandleFunc("/runs", runHandler.StartSession).Methods("POST")
	api.HandleFunc("/runs/active", runHandler.GetState).Methods("GET")
	api.HandleFunc("/runs/active/message", runHandler.SendMessage).Methods("POST")
	api.HandleFunc("/runs/active/interrupt", runHandler.Interrupt).Methods("POST")
	api.HandleFunc("/runs/active/stop", runHandler.Stop).Methods("POST")
	api.HandleFunc("/runs/active/model", runHandler.SetModel).Methods("PUT")
	api.HandleFunc("/runs/active/permission", runHandler.SetPermissionMode).Methods("PUT")
	api.HandleFunc("/runs/active/error", runHandler.ClearError).Methods("DELETE")
	api.HandleFunc("/runs/{id}/load", runHandler.LoadRun).Methods("POST")
	api.HandleFunc("/runs/{id}/continue", runHandler.Continue).Methods("POST")
	api.HandleFunc("/runs/{id}/resume", runHandler.Resume).Methods("POST")
	api.HandleFunc("/runs/{id}/fork", runHandler.Fork).Methods("POST")
	api.HandleFunc("/fork/retry", runHandler.RetryFork).Methods("POST")
	api.HandleFunc("/fork/cancel", runHandler.CancelFork).Methods("POST")
	api.HandleFunc("/ws", runHandler.WebSocket).Methods("GET")

	// Debug/profiling endpoints
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	return r
}

// Server represents the API server.
type Server struct {
	router *mux.Router
	cfg    ServerConfig
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, deps Dependencies) *Server {
	return &Server{
		router: NewRouter(deps),
		cfg:    cfg,
	}
}

// Router returns the underlying router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ListenAndServe starts the server. If TLS is configured (tls_cert and
// tls_key), uses HTTPS.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	tlsEnabled, err := CheckTLSConfig(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("TLS configuration error: %w", err)
	}

	if tlsEnabled {
		certPath := expandPath(s.cfg.TLSCert)
		keyPath := expandPath(s.cfg.TLSKey)
		log.Printf("API server listening on https://%s (TLS enabled)", addr)
		return s.server.ListenAndServeTLS(certPath, keyPath)
	}

	log.Printf("API server listening on http://%s", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	log.Println("Shutting down API server...")

	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	return s.server.Shutdown(shutdownCtx)
}
