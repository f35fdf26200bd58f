// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway serves clients over HTTP and WebSocket and connects
// their sessions to devices on the broker.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"sprinklers/internal/broker"
	"sprinklers/internal/logger"
	"sprinklers/internal/network"
	"sprinklers/internal/session"
)

// Server is the gateway process: HTTP API, WebSocket sessions and the
// broker bridge they share
type Server struct {
	config    *Config
	database  *Database
	bridge    *broker.Bridge
	sessions  *session.Manager
	jwt       *JWTService
	auth      *Authenticator
	upgrader  websocket.Upgrader
	router    *mux.Router
	logger    zerolog.Logger
	startTime time.Time

	mutex      sync.Mutex
	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	conns      sync.WaitGroup
}

// NewServer wires a gateway over database and transport
func NewServer(config *Config, database *Database, transport network.Transport) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	bridge, err := broker.NewBridge(transport,
		broker.WithTopicPrefix(config.Broker.TopicPrefix),
		broker.WithCallTimeout(config.GetCallTimeout()),
		broker.WithReconnectDelay(config.GetReconnectDelay()),
		broker.WithSubscribeTimeout(config.GetSubscribeTimeout()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker bridge: %w", err)
	}

	jwtService := NewJWTService(config.Security.JWT.SecretKey, config.Security.JWT.Issuer,
		config.GetAccessExpiry(), config.GetRefreshExpiry())

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   config,
		database: database,
		bridge:   bridge,
		sessions: session.NewManager(session.Dependencies{
			Verifier:  jwtService,
			Directory: database,
			Bridge:    bridge,
			Debounce:  config.GetDebounce(),
		}),
		jwt:  jwtService,
		auth: NewAuthenticator(database, jwtService, NewPasswordService()),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:    logger.GetLogger("gateway"),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/token/grant", s.handleTokenGrant).Methods("POST", "OPTIONS")
	api.Handle("/users/me", s.auth.RequireAuth(http.HandlerFunc(s.handleGetCurrentUser))).Methods("GET")
	api.Handle("/devices", s.auth.RequireAuth(http.HandlerFunc(s.handleGetUserDevices))).Methods("GET")
	return router
}

// Handler returns the HTTP handler of the gateway
func (s *Server) Handler() http.Handler {
	return s.router
}

// Bridge returns the broker bridge
func (s *Server) Bridge() *broker.Bridge {
	return s.bridge
}

// Sessions returns the session manager
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// JWT returns the token service
func (s *Server) JWT() *JWTService {
	return s.jwt
}

// Start connects the bridge. A failed first connection is logged and
// retried in the background.
func (s *Server) Start(ctx context.Context) error {
	if err := s.bridge.Start(ctx); err != nil {
		if errors.Is(err, broker.ErrClosed) {
			return err
		}
		s.logger.Warn().Err(err).Str("broker", s.config.Broker.URL).Msg("Broker not reachable yet, retrying in background")
	}
	return nil
}

// ListenAndServe starts the bridge and serves HTTP until ctx is done
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	s.mutex.Lock()
	s.httpServer = &http.Server{
		Addr:         s.config.Server.Address,
		Handler:      s.router,
		ReadTimeout:  s.config.GetReadTimeout(),
		WriteTimeout: s.config.GetWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}
	httpServer := s.httpServer
	s.mutex.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("address", s.config.Server.Address).
			Bool("tls", s.config.Server.TLS.Enabled).
			Msg("Starting gateway server")
		var err error
		if s.config.Server.TLS.Enabled {
			err = httpServer.ListenAndServeTLS(s.config.Server.TLS.CertFile, s.config.Server.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Shutdown(context.Background())
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown closes every session, the bridge and the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Int("sessions", s.sessions.Count()).Msg("Stopping gateway server")
	s.cancel()

	s.mutex.Lock()
	httpServer := s.httpServer
	s.mutex.Unlock()

	var err error
	if httpServer != nil {
		err = httpServer.Shutdown(ctx)
	}
	s.sessions.CloseAll()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Timed out waiting for connections to finish")
	}

	s.bridge.Close()
	s.logger.Info().Msg("Gateway server stopped")
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	c := NewConnection(conn)
	sess := s.sessions.Open(c)
	log := s.logger.With().Str("session_id", sess.ID()).Str("remote", r.RemoteAddr).Logger()
	log.Debug().Msg("Client connected")

	ctx, cancel := context.WithCancel(s.ctx)
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		if err := c.WriteLoop(ctx); err != nil {
			log.Debug().Err(err).Msg("Write loop ended")
			conn.Close()
		}
	}()

	if err := c.ReadLoop(ctx, sess.HandleMessage); err != nil {
		log.Debug().Err(err).Msg("Read loop ended")
	}

	sess.Close()
	cancel()
	<-writeDone
	conn.Close()
	log.Debug().Msg("Client disconnected")
}
