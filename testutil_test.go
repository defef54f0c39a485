package dune

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dune-db/dune-go/dunetest"
)

// startFakeServer spins up a dunetest.Server on an ephemeral loopback port
// and returns a Connection already dialed against it. The server and
// connection are both torn down via t.Cleanup.
func startFakeServer(t *testing.T, srv *dunetest.Server) (*Connection, net.Listener) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.Close() })

	addr := lis.Addr().(*net.TCPAddr)
	conn, err := Connect("127.0.0.1", uint16(addr.Port), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn, lis
}
