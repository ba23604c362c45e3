package server

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestServerTunnelsWebSocketUpgrade(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer backend.Close()
	backendHost := strings.TrimPrefix(backend.URL, "http://")

	proxyAddr := startTestServer(t)

	// The dialer speaks its real handshake, but the socket goes to the proxy,
	// which must recognize the upgrade and splice it through to the backend.
	dialer := websocket.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) {
			return net.Dial("tcp", proxyAddr)
		},
		HandshakeTimeout: 5 * time.Second,
	}

	ws, resp, err := dialer.Dial("ws://"+backendHost+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()
	defer resp.Body.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	for _, payload := range []string{"first frame", "second frame", strings.Repeat("x", 8192)} {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(payload)))

		mt, data, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, mt)
		assert.Equal(t, payload, string(data))
	}

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")))
}
