package mesh

import (
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/contestmesh/rpcd/libs/log"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// TestServiceEndToEndEcho exercises the full stack — Service, Peer,
// Connection, Dispatcher, PendingRequests — over a real loopback TCP
// connection, matching spec.md §8 scenario 1.
func TestServiceEndToEndEcho(t *testing.T) {
	defer leaktest.Check(t)()

	serverCoord := ServiceCoord{Name: "X", Shard: 0}
	clientCoord := ServiceCoord{Name: "client", Shard: 0}
	serverPort := freePort(t)

	dir := NewStaticDirectory(map[ServiceCoord]Address{
		serverCoord: {Host: "127.0.0.1", Port: serverPort},
	})

	server := NewService(serverCoord, dir, log.Nop())
	go func() {
		_ = server.Run()
	}()
	defer server.Exit()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(serverPort)))
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	client := NewService(clientCoord, dir, log.Nop())
	go func() {
		_ = client.Run()
	}()
	defer client.Exit()
	peer, err := client.ConnectTo(serverCoord)
	require.NoError(t, err)

	type result struct {
		data json.RawMessage
		err  string
	}
	replies := make(chan result, 1)
	started := peer.Invoke("echo", map[string]string{"string": "hello"}, func(data json.RawMessage, rpcErr string, ctx any) {
		replies <- result{data: data, err: rpcErr}
	}, nil)
	require.True(t, started)

	select {
	case r := <-replies:
		require.Empty(t, r.err)
		require.JSONEq(t, `"hello"`, string(r.data))
	case <-time.After(2 * time.Second):
		t.Fatal("no reply received")
	}
}
