// Package server implements the JustChat relay: a TCP (and optionally
// WebSocket) chat server with a client registry, a message router and an
// explicit start/stop lifecycle exposed through the Server façade.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/justchat/internal/protocol"
)

// Server bundles configuration, lifecycle and the public operations of the
// relay. Build one with New; the configuration is frozen at that point.
type Server struct {
	cfg      Config
	logger   *logrus.Logger
	registry *Registry
	router   *Router
	acceptor *acceptor

	mu           sync.Mutex
	started      bool
	stopping     bool
	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// Option customizes a Server at construction.
type Option func(*Server)

// WithLogger makes the server log through logger instead of building one
// from the configuration.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New validates cfg, fills defaults and builds a stopped server. Zero fields
// take their NewConfig default except Port, where zero binds an ephemeral
// port; start from NewConfig to listen on DefaultPort.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:  cfg,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = NewLogger(cfg.LogLevel, cfg.LogJSON)
	}

	s.registry = NewRegistry(cfg.MaxConnections, s.logger)
	s.router = NewRouter(s.registry, cfg.MaxFrameSize, s.logger)
	s.acceptor = newAcceptor(s)

	if !cfg.DisableRelay {
		s.router.On(protocol.KindChat, s.relayChat)
	}
	if !cfg.IgnoreListRequests {
		s.router.On(protocol.KindList, s.answerListRequest)
	}
	return s, nil
}

// relayChat forwards a chat message to every other client.
func (s *Server) relayChat(msg protocol.Message, from protocol.SimpleClient) error {
	_, err := s.router.Broadcast(msg, from.UUID)
	return err
}

// answerListRequest replies to a roster request with the current client list.
func (s *Server) answerListRequest(msg protocol.Message, from protocol.SimpleClient) error {
	list, ok := msg.(protocol.ListMessage)
	if !ok || !list.IsRequest() {
		return nil
	}
	err := s.router.Send(protocol.ListMessage{Clients: s.registry.List()}, from)
	if errors.Is(err, ErrClientDisconnected) {
		return nil
	}
	return err
}

// Identity returns the immutable server identity.
func (s *Server) Identity() ServerIdentity {
	return s.cfg.Identity()
}

// Config returns a copy of the server configuration.
func (s *Server) Config() Config {
	cfg := s.cfg
	cfg.WebSocket.AllowedOrigins = append([]string(nil), cfg.WebSocket.AllowedOrigins...)
	return cfg
}

// Start binds the TCP listener, and the HTTP listener when WebSocket.Addr is
// set, and begins accepting connections. A *BindError is returned if an
// address is unavailable; nothing stays open in that case.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return ErrServerStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return &BindError{Addr: s.cfg.Addr(), Err: err}
	}

	var httpLn net.Listener
	if s.cfg.WebSocket.Addr != "" {
		httpLn, err = lc.Listen(ctx, "tcp", s.cfg.WebSocket.Addr)
		if err != nil {
			_ = ln.Close()
			return &BindError{Addr: s.cfg.WebSocket.Addr, Err: err}
		}
	}

	s.started = true
	s.listener = ln
	s.acceptor.acceptLoop(ln)
	s.logger.WithFields(logrus.Fields{
		"id":              s.cfg.ID,
		"name":            s.cfg.Name,
		"addr":            ln.Addr().String(),
		"max_connections": s.cfg.MaxConnections,
	}).Info("JustChat server listening")

	if httpLn != nil {
		s.httpListener = httpLn
		s.httpServer = newHTTPServer(s.newHTTPHandler())
		go func() {
			if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.WithError(err).Error("HTTP server stopped unexpectedly")
			}
		}()
		s.logger.WithField("addr", httpLn.Addr().String()).Info("WebSocket endpoint listening")
	}
	return nil
}

// Stop stops accepting connections, closes every active connection and
// releases the listeners, waiting for connection goroutines until ctx is
// done. Release failures are returned wrapped in ErrShutdown. Stop may be
// called any number of times; every call returns the outcome of the first.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.shutdown(ctx)
		close(s.done)
	})
	return s.stopErr
}

// shutdown releases s.mu before closing anything, so listeners that query
// the server while their connection is being torn down cannot block it.
func (s *Server) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	started := s.started
	listener, httpServer := s.listener, s.httpServer
	s.mu.Unlock()

	if !started {
		return nil
	}
	s.logger.Info("Initiating server shutdown...")

	var errs []error
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("close listener: %w", err))
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
	}

	// Registered clients are removed and closed together; connections still
	// in the handshake are refused by the registry and closed by the acceptor.
	removed, err := s.registry.CloseAll()
	if err != nil {
		errs = append(errs, fmt.Errorf("close clients: %w", err))
	}
	closing, err := s.acceptor.stop()
	if err != nil {
		errs = append(errs, fmt.Errorf("close connections: %w", err))
	}
	if err := s.acceptor.wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for connections: %w", err))
	}

	if len(errs) > 0 {
		err := fmt.Errorf("%w: %w", ErrShutdown, errors.Join(errs...))
		s.logger.WithError(err).Error("Server shutdown incomplete")
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"connections": closing,
		"clients":     removed,
	}).Info("Server shutdown completed successfully")
	return nil
}

// Done is closed once Stop has completed.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Addr returns the bound TCP address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WebSocketAddr returns the bound HTTP address, or nil when disabled or
// before Start.
func (s *Server) WebSocketAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// GetClientList returns the connected clients in connection order.
func (s *Server) GetClientList() []protocol.SimpleClient {
	return s.registry.List()
}

// SendChatMessage delivers msg to client.
func (s *Server) SendChatMessage(msg protocol.ChatMessage, client protocol.SimpleClient) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return s.router.Send(msg, client)
}

// SendListMessage delivers msg to client.
func (s *Server) SendListMessage(msg protocol.ListMessage, client protocol.SimpleClient) error {
	return s.router.Send(msg, client)
}

// On subscribes listener to messages of the given kind. For KindRegister the
// listener receives a RegisterMessage for every admitted client.
func (s *Server) On(kind protocol.Kind, listener Listener) Subscription {
	if kind == protocol.KindRegister {
		return s.registry.OnRegister(func(client protocol.SimpleClient) {
			msg := protocol.RegisterMessage{Name: client.Name, UUID: client.UUID}
			if err := listener(msg, client); err != nil {
				s.logger.WithError(err).WithField("uuid", client.UUID).Error("Registration listener failed")
			}
		})
	}
	return s.router.On(kind, listener)
}

// Off removes a subscription made through any of the subscription methods.
func (s *Server) Off(sub Subscription) bool {
	return s.router.Off(sub) || s.registry.OffRegister(sub)
}

// OnChat subscribes fn to every inbound chat message.
func (s *Server) OnChat(fn func(msg protocol.ChatMessage, from protocol.SimpleClient) error) Subscription {
	return s.router.On(protocol.KindChat, func(msg protocol.Message, from protocol.SimpleClient) error {
		return fn(msg.(protocol.ChatMessage), from)
	})
}

// OnList subscribes fn to every inbound list message.
func (s *Server) OnList(fn func(msg protocol.ListMessage, from protocol.SimpleClient) error) Subscription {
	return s.router.On(protocol.KindList, func(msg protocol.Message, from protocol.SimpleClient) error {
		return fn(msg.(protocol.ListMessage), from)
	})
}

// RegisterChatListener subscribes fn to chat messages sent by client only.
func (s *Server) RegisterChatListener(client protocol.SimpleClient, fn func(msg protocol.ChatMessage)) Subscription {
	return s.router.OnClient(protocol.KindChat, client, func(msg protocol.Message, _ protocol.SimpleClient) error {
		fn(msg.(protocol.ChatMessage))
		return nil
	})
}

// RegisterListListener subscribes fn to list messages sent by client only.
func (s *Server) RegisterListListener(client protocol.SimpleClient, fn func(msg protocol.ListMessage)) Subscription {
	return s.router.OnClient(protocol.KindList, client, func(msg protocol.Message, _ protocol.SimpleClient) error {
		fn(msg.(protocol.ListMessage))
		return nil
	})
}

// AddRegistrationListener subscribes fn to the "client registered" event.
// The new client is already listed when fn runs.
func (s *Server) AddRegistrationListener(fn RegistrationListener) Subscription {
	return s.registry.OnRegister(fn)
}
