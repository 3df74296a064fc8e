// Package server exposes the admin API: pipe CRUD and lifecycle commands,
// connection and destination management, and a health endpoint.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"event-pipes/internal/common/logging"
	"event-pipes/internal/connections"
	"event-pipes/internal/orchestrator"
)

type Server struct {
	httpServer *http.Server
	logger     logging.Logger
}

// New wires the handlers onto a mux router and returns a server listening
// on addr when started.
func New(addr string, orch *orchestrator.Orchestrator, conns *connections.Store, logger logging.Logger) *Server {
	h := newHandlers(orch, conns, logger)

	router := mux.NewRouter()
	router.HandleFunc("/health", h.Health).Methods("GET")

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/pipes", h.ListPipes).Methods("GET")
	v1.HandleFunc("/pipes", h.CreatePipe).Methods("POST")
	v1.HandleFunc("/pipes/{name}", h.DescribePipe).Methods("GET")
	v1.HandleFunc("/pipes/{name}", h.UpdatePipe).Methods("PUT")
	v1.HandleFunc("/pipes/{name}", h.DeletePipe).Methods("DELETE")
	v1.HandleFunc("/pipes/{name}/start", h.StartPipe).Methods("POST")
	v1.HandleFunc("/pipes/{name}/stop", h.StopPipe).Methods("POST")

	v1.HandleFunc("/connections", h.ListConnections).Methods("GET")
	v1.HandleFunc("/connections", h.CreateConnection).Methods("POST")
	v1.HandleFunc("/connections/{name}", h.GetConnection).Methods("GET")
	v1.HandleFunc("/connections/{name}", h.DeleteConnection).Methods("DELETE")
	v1.HandleFunc("/destinations", h.CreateDestination).Methods("POST")
	v1.HandleFunc("/destinations/{name}", h.DeleteDestination).Methods("DELETE")

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

// Start blocks serving requests until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.logger.Info("admin server listening", logging.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and drains in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
