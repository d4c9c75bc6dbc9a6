package sessions

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	mu        sync.Mutex
	connected []string
	disconn   []string
}

func (f *fakeNotifier) ClientConnected(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, clientID)
}

func (f *fakeNotifier) ClientDisconnected(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconn = append(f.disconn, clientID)
}

func (f *fakeNotifier) snapshot() (connected, disconn []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connected...), append([]string(nil), f.disconn...)
}

func startManager(t *testing.T) (*Manager, net.Listener, *fakeNotifier) {
	t.Helper()
	notifier := &fakeNotifier{}
	mgr := New(notifier, nil)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = mgr.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		_ = l.Close()
	})
	return mgr, l, notifier
}

func dialWithHandshake(t *testing.T, addr, clientID string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = fmt.Fprintf(conn, "CLIENT_ID:%s\n", clientID)
	require.NoError(t, err)
	return conn
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHandshakeRegistersClientID(t *testing.T) {
	mgr, l, notifier := startManager(t)
	conn := dialWithHandshake(t, l.Addr().String(), "client-a")
	defer conn.Close()

	waitUntil(t, func() bool { return mgr.IsConnected("client-a") })
	connected, _ := notifier.snapshot()
	require.Contains(t, connected, "client-a")
}

func TestMissingHandshakeFallsBackToRemoteAddr(t *testing.T) {
	mgr, l, _ := startManager(t)
	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	local := conn.LocalAddr().String()
	waitUntil(t, func() bool { return mgr.IsConnected(local) })
}

func TestReconnectSupersedesPreviousSession(t *testing.T) {
	mgr, l, notifier := startManager(t)
	first := dialWithHandshake(t, l.Addr().String(), "client-a")
	waitUntil(t, func() bool { return mgr.IsConnected("client-a") })

	second := dialWithHandshake(t, l.Addr().String(), "client-a")
	defer second.Close()

	waitUntil(t, func() bool {
		_, disconn := notifier.snapshot()
		for _, id := range disconn {
			if id == "client-a" {
				return true
			}
		}
		return false
	})

	// The first connection should now be closed by the manager.
	buf := make([]byte, 1)
	_ = first.SetReadDeadline(time.Now().Add(time.Second))
	_, err := first.Read(buf)
	require.Error(t, err)
}

func TestPushDeliversFramedLine(t *testing.T) {
	mgr, l, _ := startManager(t)
	conn := dialWithHandshake(t, l.Addr().String(), "client-a")
	defer conn.Close()
	waitUntil(t, func() bool { return mgr.IsConnected("client-a") })

	ok := mgr.Push("client-a", "Device 1-1 bound")
	require.True(t, ok)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "Device 1-1 bound\n", line)
}

func TestPushToUnknownClientFails(t *testing.T) {
	mgr, _, _ := startManager(t)
	require.False(t, mgr.Push("nobody", "Device 1-1 bound"))
}

func TestDisconnectNotifiesEngine(t *testing.T) {
	mgr, l, notifier := startManager(t)
	conn := dialWithHandshake(t, l.Addr().String(), "client-a")
	waitUntil(t, func() bool { return mgr.IsConnected("client-a") })

	require.NoError(t, conn.Close())
	waitUntil(t, func() bool { return !mgr.IsConnected("client-a") })

	_, disconn := notifier.snapshot()
	require.Contains(t, disconn, "client-a")
}
