// Package api exposes the engine over REST/JSON for the CLI and web
// front ends. Handlers are thin: all engine mutation goes through the
// executor, rollback engine, and token lifecycle manager contracts.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autoflow/backend/internal/actionlog"
	"github.com/autoflow/backend/internal/credentials"
	"github.com/autoflow/backend/internal/events"
	"github.com/autoflow/backend/internal/executor"
	"github.com/autoflow/backend/internal/rollback"
	"github.com/autoflow/backend/internal/users"
)

// Server wires the engine components behind HTTP.
type Server struct {
	tokens   *credentials.Manager
	exec     *executor.Executor
	rollback *rollback.Engine
	records  actionlog.Store
	users    *users.Manager
	bus      *events.EventBus
	webhooks http.Handler
	logger   *log.Logger

	httpServer *http.Server
}

func NewServer(tokens *credentials.Manager, exec *executor.Executor, rb *rollback.Engine, records actionlog.Store, um *users.Manager, bus *events.EventBus) *Server {
	return &Server{
		tokens:   tokens,
		exec:     exec,
		rollback: rb,
		records:  records,
		users:    um,
		bus:      bus,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// WithWebhooks mounts an inbound webhook intake on the router.
func (s *Server) WithWebhooks(h http.Handler) *Server {
	s.webhooks = h
	return s
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	// Public
	r.HandleFunc("/api/v1/auth/register", s.handleRegister).Methods("POST")
	r.HandleFunc("/api/v1/auth/login", s.handleLogin).Methods("POST")
	r.HandleFunc("/api/v1/oauth/callback", s.handleOAuthCallback).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if s.webhooks != nil {
		r.Handle("/api/v1/webhooks/{service}", s.webhooks).Methods("POST")
	}

	// Authenticated
	auth := r.NewRoute().Subrouter()
	auth.Use(s.authMiddleware)
	auth.HandleFunc("/api/v1/connections", s.handleListConnections).Methods("GET")
	auth.HandleFunc("/api/v1/connections/{service}", s.handleConnect).Methods("POST")
	auth.HandleFunc("/api/v1/connections/{service}", s.handleDisconnect).Methods("DELETE")
	auth.HandleFunc("/api/v1/plans", s.handleSubmitPlan).Methods("POST")
	auth.HandleFunc("/api/v1/actions", s.handleHistory).Methods("GET")
	auth.HandleFunc("/api/v1/actions/{id}", s.handleGetAction).Methods("GET")
	auth.HandleFunc("/api/v1/actions/{id}/rollback", s.handleRollback).Methods("POST")
	auth.HandleFunc("/api/v1/actions/rollback", s.handleRollbackBatch).Methods("POST")
	auth.HandleFunc("/api/v1/events/stream", s.handleEventStream).Methods("GET")

	return r
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start(port string) error {
	addr := fmt.Sprintf(":%s", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.logger.Printf("listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
