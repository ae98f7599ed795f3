package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/xfeldman/aegisvm/internal/logstore"
	"github.com/xfeldman/aegisvm/internal/model"
)

// echoTarget stands in for a real framebuffer server: it echoes back
// whatever it receives, so the relay's bidirectionality is observable.
func echoTarget(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func newTestServerAndSession(t *testing.T) (*Server, *Session, *httptest.Server) {
	t.Helper()
	targetAddr := echoTarget(t)
	host, portStr, err := net.SplitHostPort(targetAddr)
	require.NoError(t, err)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	srv := NewServer(0, 10*time.Second, 30*time.Second, logstore.NewStore(t.TempDir()))
	sess, err := srv.CreateSession(model.VMId("vm-1"), ProtocolSPICE, host, port)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		srv.ServeHTTP(w, r, sess.ID)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, sess, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + ts.URL[len("http"):] + "/ws"
}

func TestProxyHappyPathRelaysBothDirections(t *testing.T) {
	srv, sess, ts := newTestServerAndSession(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(sess.Token)))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "OK", string(msg))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("hello framebuffer")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, echoed, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	require.Equal(t, "hello framebuffer", string(echoed))

	require.Eventually(t, func() bool {
		return sess.Status() == StatusConnected
	}, time.Second, 10*time.Millisecond)

	_ = srv
}

func TestProxyWrongTokenIsRejected(t *testing.T) {
	_, _, ts := newTestServerAndSession(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("wrong-token")))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "Authentication failed", string(msg))
}

func TestProxyUnknownSessionReturns404(t *testing.T) {
	srv := NewServer(0, 10*time.Second, 30*time.Second, logstore.NewStore(t.TempDir()))
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		srv.ServeHTTP(w, r, "does-not-exist")
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSessionRespectsMaxSessions(t *testing.T) {
	srv := NewServer(1, 10*time.Second, 30*time.Second, logstore.NewStore(t.TempDir()))
	_, err := srv.CreateSession(model.VMId("vm-1"), ProtocolVNC, "127.0.0.1", 5900)
	require.NoError(t, err)

	_, err = srv.CreateSession(model.VMId("vm-2"), ProtocolVNC, "127.0.0.1", 5901)
	require.Error(t, err)
}

func TestSweepExpiredRemovesStaleUnclaimedSessions(t *testing.T) {
	srv := NewServer(0, 10*time.Second, 30*time.Second, logstore.NewStore(t.TempDir()))
	sess, err := srv.CreateSession(model.VMId("vm-1"), ProtocolSPICE, "127.0.0.1", 5930)
	require.NoError(t, err)
	sess.CreatedAt = time.Now().Add(-2 * srv.sessionExpiry)

	srv.SweepExpired()

	_, ok := srv.Get(sess.ID)
	require.False(t, ok)
}
