package relay

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// CloseSignal normalizes the many ways a duplex endpoint can terminate into a
// single fire-once notification. The first caller of Close wins; every later
// termination signal is silently dropped. Firing always releases the owned
// resource, which is how "one side closed" propagates into "release the other
// side's resource".
type CloseSignal struct {
	mu       sync.Mutex
	closed   bool
	err      error
	done     chan struct{}
	resource io.Closer
	resOnce  sync.Once
}

// NewCloseSignal returns an open signal owning resource. A nil resource is
// allowed for endpoints whose release is handled elsewhere.
func NewCloseSignal(resource io.Closer) *CloseSignal {
	return &CloseSignal{
		done:     make(chan struct{}),
		resource: resource,
	}
}

// Close latches err as the terminal state and releases the owned resource.
// A nil err records a graceful termination. It reports whether this call
// performed the transition; repeated calls are no-ops apart from making sure
// the resource is released.
func (s *CloseSignal) Close(err error) bool {
	s.mu.Lock()
	transitioned := !s.closed
	if transitioned {
		s.closed = true
		s.err = err
		close(s.done)
	}
	s.mu.Unlock()

	if s.resource != nil {
		s.resOnce.Do(func() {
			_ = s.resource.Close()
		})
	}
	return transitioned
}

// Closed reports whether the signal reached its terminal state.
func (s *CloseSignal) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Err returns the latched terminal error. It is nil while the signal is open
// and after a graceful termination.
func (s *CloseSignal) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done returns a channel closed when the signal fires.
func (s *CloseSignal) Done() <-chan struct{} {
	return s.done
}

// Observe attaches a terminal-state observer. If the signal is already
// terminal the callback runs immediately and synchronously, with the latched
// error or a generic peer-closed failure if none was recorded. Otherwise the
// callback runs exactly once when the signal fires, with nil on graceful
// termination. The returned stop function disarms a not-yet-fired observer.
func (s *CloseSignal) Observe(fn func(err error)) (stop func()) {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = NewRelayError(ErrCodePeerClosed, nil)
		}
		fn(err)
		return func() {}
	}
	s.mu.Unlock()

	var disarmed atomic.Bool
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-s.done:
			if disarmed.Load() {
				return
			}
			fn(s.Err())
		case <-stopCh:
		}
	}()
	return func() {
		if !disarmed.Swap(true) {
			close(stopCh)
		}
	}
}

// signalConn wraps a net.Conn so that transport-level outcomes latch into the
// owning CloseSignal: a read EOF records a graceful termination, any other
// read or write error records that error, and Close records graceful.
type signalConn struct {
	net.Conn
	signal *CloseSignal
}

func newSignalConn(conn net.Conn) *signalConn {
	c := &signalConn{Conn: conn}
	c.signal = NewCloseSignal(conn)
	return c
}

func (c *signalConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err != nil {
		if err == io.EOF {
			c.signal.Close(nil)
		} else if !isClosedConnError(err) {
			c.signal.Close(err)
		} else {
			c.signal.Close(nil)
		}
	}
	return n, err
}

func (c *signalConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err != nil && !isClosedConnError(err) {
		c.signal.Close(err)
	}
	return n, err
}

func (c *signalConn) Close() error {
	c.signal.Close(nil)
	return nil
}

// Signal exposes the close signal bound to this connection.
func (c *signalConn) Signal() *CloseSignal {
	return c.signal
}
