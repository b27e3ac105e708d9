package tcpserver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/go-framedtcp/framecodec"
	"github.com/cyberinferno/go-framedtcp/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr.String(), testTimeout)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestService_StartListen(t *testing.T) {
	t.Run("binds an ephemeral port", func(t *testing.T) {
		svc := newTestService(t, DefaultConfig())
		addr, err := svc.StartListen("127.0.0.1:0", nil, nil)
		require.NoError(t, err)
		assert.NotZero(t, addr.(*net.TCPAddr).Port)
	})

	t.Run("bind failure is a ConnectionError and leaves other listeners alone", func(t *testing.T) {
		svc := newTestService(t, DefaultConfig())
		rec := &recorder{}
		addr, err := svc.StartListen("127.0.0.1:0", rec.onConnect, rec.onDisconnect)
		require.NoError(t, err)

		_, err = svc.StartListen(addr.String(), nil, nil)
		var ce *ConnectionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "listen", ce.Op)

		dial(t, addr)
		require.Eventually(t, func() bool { return rec.connects() == 1 }, testTimeout, 5*time.Millisecond)
	})

	t.Run("several listeners feed one registry", func(t *testing.T) {
		svc := newTestService(t, DefaultConfig())
		rec := &recorder{}
		a, err := svc.StartListen("127.0.0.1:0", rec.onConnect, rec.onDisconnect)
		require.NoError(t, err)
		b, err := svc.StartListen("127.0.0.1:0", rec.onConnect, rec.onDisconnect)
		require.NoError(t, err)

		dial(t, a)
		dial(t, b)
		require.Eventually(t, func() bool { return svc.SessionCount() == 2 }, testTimeout, 5*time.Millisecond)
	})
}

func TestService_ScenarioPing(t *testing.T) {
	svc := newTestService(t, DefaultConfig())

	var mu sync.Mutex
	var payloads []string
	require.NoError(t, svc.Dispatcher().Register(1, func(cmd uint16, s *Session, payload []byte) error {
		mu.Lock()
		payloads = append(payloads, string(payload))
		mu.Unlock()
		return s.SendString(cmd, "pong")
	}))

	addr, err := svc.StartListen("127.0.0.1:0", nil, nil)
	require.NoError(t, err)

	conn := dial(t, addr)
	writeFrame(t, conn, 2, "test")
	writeFrame(t, conn, 1, "ping")

	f, err := framecodec.NewDecoder(conn).Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), f.Command)
	assert.Equal(t, "pong", string(f.Payload))

	mu.Lock()
	assert.Equal(t, []string{"ping"}, payloads)
	mu.Unlock()
	assert.Equal(t, 1, svc.SessionCount())
}

func TestService_ConnectCallbackRunsBeforeLoops(t *testing.T) {
	svc := newTestService(t, DefaultConfig())

	states := make(chan SessionState, 1)
	addr, err := svc.StartListen("127.0.0.1:0", func(s *Session) {
		states <- s.State()
		_ = s.SendString(100, "welcome")
	}, nil)
	require.NoError(t, err)

	conn := dial(t, addr)
	f, err := framecodec.NewDecoder(conn).Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(100), f.Command)
	assert.Equal(t, "welcome", string(f.Payload))
	assert.Equal(t, StateCreated, <-states)
}

func TestService_ConcurrentSessionsGetDistinctIds(t *testing.T) {
	svc := newTestService(t, DefaultConfig())
	rec := &recorder{}
	addr, err := svc.StartListen("127.0.0.1:0", rec.onConnect, rec.onDisconnect)
	require.NoError(t, err)

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", addr.String(), testTimeout)
			if assert.NoError(t, err) {
				t.Cleanup(func() { _ = conn.Close() })
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return rec.connects() == n }, testTimeout, 5*time.Millisecond)

	ids := make(map[int64]struct{}, n)
	for _, s := range rec.connectedSessions() {
		ids[s.ID()] = struct{}{}
	}
	assert.Len(t, ids, n)
}

func TestService_WaitCloseAll(t *testing.T) {
	svc := NewService(context.Background(), "test", NewDispatcher(), DefaultConfig(), logger.NewNopLogger())
	rec := &recorder{}
	addr, err := svc.StartListen("127.0.0.1:0", rec.onConnect, rec.onDisconnect)
	require.NoError(t, err)

	const n = 5
	conns := make([]net.Conn, n)
	for i := range conns {
		conns[i] = dial(t, addr)
	}
	require.Eventually(t, func() bool { return svc.SessionCount() == n }, testTimeout, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		svc.WaitCloseAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("WaitCloseAll did not return")
	}

	assert.Equal(t, 0, svc.SessionCount())
	assert.Equal(t, n, rec.disconnects())
	for _, s := range rec.connectedSessions() {
		assert.Equal(t, StateClosed, s.State())
		select {
		case <-s.Done():
		default:
			t.Fatalf("session %d loops still running", s.ID())
		}
	}

	t.Run("peers observe the shutdown", func(t *testing.T) {
		for _, c := range conns {
			_, err := framecodec.NewDecoder(c).Next()
			assert.Error(t, err)
		}
	})

	t.Run("listener no longer accepts", func(t *testing.T) {
		conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
		if err == nil {
			_ = conn.SetDeadline(time.Now().Add(time.Second))
			_, err = framecodec.NewDecoder(conn).Next()
			_ = conn.Close()
		}
		assert.Error(t, err)
		assert.Equal(t, n, rec.connects())
	})

	t.Run("service refuses new listeners and connections", func(t *testing.T) {
		_, err := svc.StartListen("127.0.0.1:0", nil, nil)
		assert.ErrorIs(t, err, ErrServiceClosed)

		server, client := net.Pipe()
		defer client.Close()
		_, err = svc.ServeConn(server, nil, nil)
		assert.ErrorIs(t, err, ErrServiceClosed)
	})

	t.Run("second call is a no-op", func(t *testing.T) {
		assert.NotPanics(t, svc.WaitCloseAll)
	})
}

func TestService_ReusePort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReusePort = true
	first := newTestService(t, cfg)
	second := newTestService(t, cfg)

	addr, err := first.StartListen("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Skipf("SO_REUSEPORT unavailable: %v", err)
	}

	_, err = second.StartListen(addr.String(), nil, nil)
	assert.NoError(t, err)
}
