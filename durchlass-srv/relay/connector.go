package relay

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/codefionn/durchlass/durchlass-srv/logger"
)

const (
	// DefaultConnectTimeout bounds the first connection attempt.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultRetryTimeout bounds the single retry attempt. It is longer to
	// leave room for a cold path: fresh TLS handshake, slower routing.
	DefaultRetryTimeout = 16 * time.Second
)

// Connector opens outbound TCP or TLS connections with a bounded timeout and
// exactly one automatic retry with an escalated timeout.
type Connector struct {
	// Timeouts holds the per-attempt timeout table. Zero values fall back to
	// DefaultConnectTimeout and DefaultRetryTimeout.
	Timeouts [2]time.Duration
	// TLSConfig is the base TLS client configuration for targets that carry
	// a server name. May be nil.
	TLSConfig *tls.Config

	// dial is overridable for tests.
	dial func(ctx context.Context, target Target) (net.Conn, error)
}

// ConnectHandle cancels an in-flight connection attempt. Invoking it always
// results in the underlying socket being destroyed, idempotently; canceling
// after a successful resolution destroys the handed-off socket, so callers
// must not cancel once they have taken ownership for further use.
type ConnectHandle struct {
	mu       sync.Mutex
	canceled bool
	cancel   context.CancelFunc
	conn     net.Conn
}

// Cancel aborts the attempt and destroys whatever socket is in flight or
// already connected.
func (h *ConnectHandle) Cancel() {
	h.mu.Lock()
	h.canceled = true
	cancel := h.cancel
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// arm registers the cancel func guarding the current attempt. It reports
// false when the handle was already canceled.
func (h *ConnectHandle) arm(cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.canceled {
		return false
	}
	h.cancel = cancel
	return true
}

// adopt hands the connected socket to the handle so a later Cancel can still
// destroy it. It reports false when the handle was canceled mid-dial, in
// which case the caller must discard the socket.
func (h *ConnectHandle) adopt(conn net.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.canceled {
		return false
	}
	h.conn = conn
	h.cancel = nil
	return true
}

func (h *ConnectHandle) isCanceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled
}

func (c *Connector) timeouts() [2]time.Duration {
	t := c.Timeouts
	if t[0] <= 0 {
		t[0] = DefaultConnectTimeout
	}
	if t[1] <= 0 {
		t[1] = DefaultRetryTimeout
	}
	return t
}

// Connect opens a connection to target, retrying once on failure. The
// returned handle cancels the attempt and releases the socket; the result
// resolves exactly once, with a usable socket or with a failure.
func (c *Connector) Connect(ctx context.Context, target Target) (net.Conn, *ConnectHandle, error) {
	handle := &ConnectHandle{}

	if target.Host == "" {
		return nil, handle, NewRelayError(ErrCodeEmptyTarget, nil)
	}

	var lastErr error
	for attempt, timeout := range c.timeouts() {
		if attempt > 0 {
			logger.Debug("Retrying connection to %s after %v", target.Addr(), lastErr)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		if !handle.arm(cancel) {
			cancel()
			return nil, handle, NewRelayError(ErrCodeConnectCanceled, nil)
		}

		conn, err := c.dialTarget(attemptCtx, target)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			if ctx.Err() != nil {
				_ = conn.Close()
				return nil, handle, NewRelayError(ErrCodeConnectCanceled, ctx.Err())
			}
			if !handle.adopt(conn) {
				_ = conn.Close()
				return nil, handle, NewRelayError(ErrCodeConnectCanceled, nil)
			}
			logger.Debug("Connected to %s (attempt %d)", target.Addr(), attempt+1)
			return conn, handle, nil
		}

		if handle.isCanceled() || ctx.Err() != nil {
			return nil, handle, NewRelayError(ErrCodeConnectCanceled, err)
		}

		if timedOut {
			lastErr = NewRelayError(ErrCodeConnectTimeout, err)
		} else {
			lastErr = NewRelayError(ErrCodeConnectFailed, err)
		}
	}

	logger.Debug("Connection to %s failed after retry: %v", target.Addr(), lastErr)
	return nil, handle, lastErr
}

func (c *Connector) dialTarget(ctx context.Context, target Target) (net.Conn, error) {
	if c.dial != nil {
		return c.dial(ctx, target)
	}

	dialer := &net.Dialer{}
	if target.TLSServerName != "" {
		cfg := c.TLSConfig.Clone()
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		cfg.ServerName = target.TLSServerName
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg}
		return tlsDialer.DialContext(ctx, "tcp", target.Addr())
	}
	return dialer.DialContext(ctx, "tcp", target.Addr())
}
