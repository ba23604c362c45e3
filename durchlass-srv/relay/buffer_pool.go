package relay

import (
	"io"
	"sync"
)

// relayBufferSize is the size of pooled splice buffers, matching the internal
// buffer size used by io.Copy.
const relayBufferSize = 32 * 1024

// bufferPool reuses copy buffers across forwarding operations to reduce GC
// pressure on busy tunnels.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, relayBufferSize)
		return &buf
	},
}

// copyPooled copies from src to dst using a pooled buffer. Drop-in for
// io.Copy on the relay's hot paths.
func copyPooled(dst io.Writer, src io.Reader) (int64, error) {
	buf := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// CopyBody copies a relayed body using the shared buffer pool.
func CopyBody(dst io.Writer, src io.Reader) (int64, error) {
	return copyPooled(dst, src)
}
