package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-relay/internal/broadcast"
	"chat-relay/internal/delivery"
	"chat-relay/internal/history"
	"chat-relay/internal/presence"
	"chat-relay/internal/report"
)

// Core bundles the components the session layer routes events to.
type Core struct {
	Directory Directory
	Registry  *presence.Registry
	Delivery  *delivery.Engine
	History   *history.Reconstructor
	Broadcast *broadcast.Channel
	Reporter  report.Reporter
}

// Server defines fields used in websocket session processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	afterShutdown []func()
}

// New returns a Server exposing the websocket endpoint wired to the provided core
func New(logger *zap.SugaredLogger, core Core, opts ...Option) (*Server, error) {
	h := &sessionHandler{
		logger:    logger,
		directory: core.Directory,
		registry:  core.Registry,
		delivery:  core.Delivery,
		history:   core.History,
		broadcast: core.Broadcast,
		reporter:  core.Reporter,
		upgrader: websocket.Upgrader{
			// identity claims are trusted anyway, so cross-origin browser
			// clients (extensions) are allowed to connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	cfg := &config{
		httpServer: &http.Server{Addr: "0.0.0.0:9000"},
		handlers: map[string]http.Handler{
			"/ws": http.HandlerFunc(h.serveWS),
		},
	}

	opts = append(opts, applyLog(logger.Desugar()), registerHandlers())
	for _, opt := range opts {
		opt.apply(cfg)
	}

	return &Server{
		logger:        logger,
		httpServer:    cfg.httpServer,
		afterShutdown: cfg.afterShutdown,
	}, nil
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		s.logger.Info("Shutting down server")

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("Server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
