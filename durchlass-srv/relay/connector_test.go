package relay

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectorSuccessFirstAttempt(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			defer conn.Close()
			buf := make([]byte, 1)
			_, _ = conn.Read(buf)
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	c := &Connector{}
	conn, handle, err := c.Connect(context.Background(), Target{Host: "127.0.0.1", Port: addr.Port})
	require.NoError(t, err)
	require.NotNil(t, conn)

	// Cancel after success still destroys the handed-off socket.
	handle.Cancel()
	_, err = conn.Write([]byte("x"))
	assert.Error(t, err)
}

func TestConnectorSingleRetryBound(t *testing.T) {
	var attempts atomic.Int32
	c := &Connector{
		Timeouts: [2]time.Duration{50 * time.Millisecond, 50 * time.Millisecond},
		dial: func(ctx context.Context, target Target) (net.Conn, error) {
			attempts.Add(1)
			return nil, errors.New("connection refused")
		},
	}

	start := time.Now()
	_, _, err := c.Connect(context.Background(), Target{Host: "example.com", Port: 80})
	require.Error(t, err)

	assert.Equal(t, int32(2), attempts.Load(), "exactly one retry")
	assert.Equal(t, ErrCodeConnectFailed, ErrorCode(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectorTimeoutClassification(t *testing.T) {
	var attempts atomic.Int32
	c := &Connector{
		Timeouts: [2]time.Duration{30 * time.Millisecond, 30 * time.Millisecond},
		dial: func(ctx context.Context, target Target) (net.Conn, error) {
			attempts.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	_, _, err := c.Connect(context.Background(), Target{Host: "example.com", Port: 80})
	require.Error(t, err)
	assert.Equal(t, ErrCodeConnectTimeout, ErrorCode(err))
	assert.Equal(t, int32(2), attempts.Load())
	assert.True(t, IsTimeoutError(err))
}

func TestConnectorEmptyHostFailsFast(t *testing.T) {
	var attempts atomic.Int32
	c := &Connector{
		dial: func(ctx context.Context, target Target) (net.Conn, error) {
			attempts.Add(1)
			return nil, errors.New("should not dial")
		},
	}

	_, _, err := c.Connect(context.Background(), Target{})
	require.Error(t, err)
	assert.Equal(t, ErrCodeEmptyTarget, ErrorCode(err))
	assert.Equal(t, int32(0), attempts.Load())
}

func TestConnectorContextCancelSuppressesRetry(t *testing.T) {
	var attempts atomic.Int32
	c := &Connector{
		Timeouts: [2]time.Duration{time.Second, time.Second},
		dial: func(ctx context.Context, target Target) (net.Conn, error) {
			attempts.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := c.Connect(ctx, Target{Host: "example.com", Port: 80})
	require.Error(t, err)
	assert.Equal(t, ErrCodeConnectCanceled, ErrorCode(err))
	assert.True(t, IsCanceledError(err))
	assert.Equal(t, int32(1), attempts.Load(), "no retry after cancellation")
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectorHandleCancelIdempotent(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	c := &Connector{}
	_, handle, err := c.Connect(context.Background(), Target{Host: "127.0.0.1", Port: addr.Port})
	require.NoError(t, err)

	handle.Cancel()
	handle.Cancel()
	handle.Cancel()
}

func TestConnectorSucceedsOnRetry(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			buf := make([]byte, 1)
			_, _ = conn.Read(buf)
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	var attempts atomic.Int32
	c := &Connector{
		Timeouts: [2]time.Duration{100 * time.Millisecond, 100 * time.Millisecond},
		dial: func(ctx context.Context, target Target) (net.Conn, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("transient reset")
			}
			return (&net.Dialer{}).DialContext(ctx, "tcp", target.Addr())
		},
	}

	conn, handle, err := c.Connect(context.Background(), Target{Host: "127.0.0.1", Port: addr.Port})
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, int32(2), attempts.Load())
	handle.Cancel()
}
