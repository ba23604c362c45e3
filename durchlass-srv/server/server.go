// Package server accepts inbound proxy connections and dispatches them to
// the relay: CONNECT requests and WebSocket upgrades are tunneled, everything
// else is forwarded as a buffered request with the upstream response relayed
// back.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/codefionn/durchlass/durchlass-srv/config"
	"github.com/codefionn/durchlass/durchlass-srv/logger"
	"github.com/codefionn/durchlass/durchlass-srv/relay"
)

// Server is the listening collaborator driving the relay core.
type Server struct {
	cfg       *config.Config
	forwarder *relay.Forwarder

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
}

// New builds a Server from cfg, wiring the relay connector with the
// configured attempt timeouts.
func New(cfg *config.Config) *Server {
	connector := &relay.Connector{
		Timeouts: [2]time.Duration{
			time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
			time.Duration(cfg.RetryTimeoutMs) * time.Millisecond,
		},
	}
	return &Server{
		cfg:       cfg,
		forwarder: relay.NewForwarder(connector),
	}
}

// Start listens on the configured address and serves until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to create listener on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves on the provided listener.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	logger.Info("Starting relay server on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if isClosedListenerError(err) {
				break
			}
			logger.Error("Failed to accept connection: %v", err)
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(conn)
		}()
	}

	s.conns.Wait()
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener; in-flight connections drain on their own.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	msg, err := readRequest(conn)
	if err != nil {
		logger.Debug("Failed to read request from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}

	ctx := context.Background()

	switch {
	case msg.Method == http.MethodConnect:
		logger.Debug("CONNECT request for %s", msg.Target)
		if err := s.forwarder.Tunnel(ctx, msg, nil, false); err != nil {
			logger.Debug("Tunnel to %s failed: %v", msg.Target, err)
		}
	case msg.IsUpgrade():
		logger.Debug("WebSocket upgrade detected for %s", msg.Target)
		if err := s.forwarder.Tunnel(ctx, msg, nil, true); err != nil {
			logger.Debug("Upgrade tunnel to %s failed: %v", msg.Target, err)
		}
	default:
		s.forwardRequest(ctx, msg)
	}
}

// forwardRequest relays a plain HTTP request and streams the upstream
// response back onto the inbound socket. Connection-phase failures render as
// a 502 on the inbound socket since no other channel exists at this layer.
func (s *Server) forwardRequest(ctx context.Context, msg *relay.Message) {
	resp, err := s.forwarder.Forward(ctx, msg, nil)
	if err != nil {
		logger.Error("Failed to forward request to %s: %v", msg.Target, err)
		body := err.Error()
		_, _ = fmt.Fprintf(msg.Conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
		_ = msg.Conn.Close()
		return
	}
	// Deferred in this order so the body close half-closes first, flushing
	// buffered response data, before the inbound socket is released.
	defer func() {
		_ = msg.Conn.Close()
	}()
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debug("Error closing upstream body: %v", closeErr)
		}
	}()

	if err := writeResponseHead(msg.Conn, resp); err != nil {
		logger.Debug("Failed to write response head: %v", err)
		return
	}
	if _, err := relay.CopyBody(msg.Conn, resp.Body); err != nil {
		logger.Debug("Failed to copy response body: %v", err)
	}
}

func writeResponseHead(conn net.Conn, resp *relay.UpstreamResponse) error {
	if _, err := fmt.Fprintf(conn, "HTTP/1.1 %s\r\n", resp.Status); err != nil {
		return err
	}

	keys := make([]string, 0, len(resp.Header))
	for key := range resp.Header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range resp.Header[key] {
			if _, err := fmt.Fprintf(conn, "%s: %s\r\n", key, value); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintf(conn, "\r\n")
	return err
}

func isClosedListenerError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
