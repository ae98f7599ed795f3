package lifecycle

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectFramebufferPortFindsListeningPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	found, ok := DetectFramebufferPort(port)
	require.True(t, ok)
	require.Equal(t, port, found)
}

func TestDetectFramebufferPortNoneListening(t *testing.T) {
	// Base port 1 scans the privileged ports 1-10, which are unlikely to
	// have anything listening; this is inherently best-effort in a shared
	// test host.
	_, ok := DetectFramebufferPort(1)
	require.False(t, ok)
}
