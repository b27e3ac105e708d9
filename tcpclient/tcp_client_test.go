package tcpclient

import (
	"context"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyberinferno/go-framedtcp/framecodec"
	"github.com/cyberinferno/go-framedtcp/logger"
	"github.com/cyberinferno/go-framedtcp/tcpserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func startEchoServer(t *testing.T) (*tcpserver.Service, net.Addr) {
	t.Helper()

	svc := tcpserver.NewService(context.Background(), "echo", nil, tcpserver.DefaultConfig(), logger.NewNopLogger())
	require.NoError(t, svc.Dispatcher().Register(1, func(cmd uint16, s *tcpserver.Session, payload []byte) error {
		return s.Send(cmd, payload)
	}))

	addr, err := svc.StartListen("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	t.Cleanup(svc.WaitCloseAll)
	return svc, addr
}

func testConfig(addr string) Config {
	cfg := DefaultConfig(addr)
	cfg.ConnectionTimeout = testTimeout
	cfg.ReconnectInterval = 20 * time.Millisecond
	return cfg
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Reconnecting", Reconnecting.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", ConnectionState(42).String())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("localhost:9000")
	assert.Equal(t, "localhost:9000", cfg.Address)
	assert.False(t, cfg.AutoReconnect)
	assert.Equal(t, 5*time.Second, cfg.ReconnectInterval)
	assert.Zero(t, cfg.ReadTimeout)
}

func TestClient_SendBeforeConnect(t *testing.T) {
	c := New(testConfig("127.0.0.1:1"))
	assert.ErrorIs(t, c.SendString(1, "x"), ErrNotConnected)
	assert.Equal(t, Disconnected, c.GetState())
}

func TestClient_EchoRoundTrip(t *testing.T) {
	_, addr := startEchoServer(t)

	c := New(testConfig(addr.String()))
	frames := make(chan FrameReceivedEvent, 8)
	c.OnFrame(func(e FrameReceivedEvent) { frames <- e })
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect())
	assert.True(t, c.IsConnected())
	assert.ErrorIs(t, c.Connect(), ErrAlreadyConnected)

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, c.SendString(1, p))
	}

	for _, want := range []string{"one", "two", "three"} {
		select {
		case e := <-frames:
			assert.Equal(t, uint16(1), e.Command)
			assert.Equal(t, want, string(e.Payload))
		case <-time.After(testTimeout):
			t.Fatal("no echo received")
		}
	}
}

func TestClient_OversizedSend(t *testing.T) {
	_, addr := startEchoServer(t)

	c := New(testConfig(addr.String()))
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect())

	var fe *framecodec.FrameError
	assert.ErrorAs(t, c.Send(1, make([]byte, framecodec.MaxPayloadSize+1)), &fe)
	assert.True(t, c.IsConnected())
}

func TestClient_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := New(testConfig(addr))
	errs := make(chan ErrorEvent, 1)
	c.OnError(func(e ErrorEvent) { errs <- e })

	assert.Error(t, c.Connect())
	assert.Equal(t, Disconnected, c.GetState())

	select {
	case e := <-errs:
		assert.Error(t, e.Error)
	case <-time.After(testTimeout):
		t.Fatal("error handler not called")
	}
}

func TestClient_ServerShutdownDisconnects(t *testing.T) {
	svc, addr := startEchoServer(t)

	c := New(testConfig(addr.String()))
	t.Cleanup(func() { _ = c.Close() })

	var mu sync.Mutex
	var states []ConnectionState
	c.OnConnectionState(func(e ConnectionStateEvent) {
		mu.Lock()
		states = append(states, e.State)
		mu.Unlock()
	})

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return svc.SessionCount() == 1 }, testTimeout, 5*time.Millisecond)

	svc.WaitCloseAll()

	require.Eventually(t, func() bool { return c.GetState() == Disconnected }, testTimeout, 5*time.Millisecond)
	assert.ErrorIs(t, c.SendString(1, "gone"), ErrNotConnected)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Contains(states, Disconnected)
	}, testTimeout, 5*time.Millisecond)
}

func TestClient_DisconnectAndReconnectManually(t *testing.T) {
	svc, addr := startEchoServer(t)

	c := New(testConfig(addr.String()))
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, Disconnected, c.GetState())
	require.Eventually(t, func() bool { return svc.SessionCount() == 0 }, testTimeout, 5*time.Millisecond)

	require.NoError(t, c.Connect())
	assert.True(t, c.IsConnected())
	require.Eventually(t, func() bool { return svc.SessionCount() == 1 }, testTimeout, 5*time.Millisecond)
}

func TestClient_AutoReconnect(t *testing.T) {
	svc, addr := startEchoServer(t)

	cfg := testConfig(addr.String())
	cfg.AutoReconnect = true
	c := New(cfg)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return svc.SessionCount() == 1 }, testTimeout, 5*time.Millisecond)

	first := svc.Registry().Sessions()[0]
	require.NoError(t, first.Close())
	first.Wait()

	require.Eventually(t, func() bool {
		sessions := svc.Registry().Sessions()
		return c.IsConnected() && len(sessions) == 1 && sessions[0].ID() != first.ID()
	}, testTimeout, 10*time.Millisecond)
}

func TestClient_SendFailureReconnectsOnce(t *testing.T) {
	var accepted atomic.Int32
	svc := tcpserver.NewService(context.Background(), "echo", nil, tcpserver.DefaultConfig(), logger.NewNopLogger())
	addr, err := svc.StartListen("127.0.0.1:0", func(*tcpserver.Session) { accepted.Add(1) }, nil)
	require.NoError(t, err)
	t.Cleanup(svc.WaitCloseAll)

	cfg := testConfig(addr.String())
	cfg.AutoReconnect = true
	cfg.WriteTimeout = time.Nanosecond
	c := New(cfg)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool { return svc.SessionCount() == 1 }, testTimeout, 5*time.Millisecond)
	first := svc.Registry().Sessions()[0]

	assert.Error(t, c.SendString(1, "too slow"))
	first.Wait()

	require.Eventually(t, func() bool {
		sessions := svc.Registry().Sessions()
		return c.IsConnected() && len(sessions) == 1 && sessions[0].ID() != first.ID()
	}, testTimeout, 10*time.Millisecond)

	// several reconnect intervals must not produce further connections
	time.Sleep(10 * cfg.ReconnectInterval)
	assert.True(t, c.IsConnected())
	assert.Equal(t, int32(2), accepted.Load())
	assert.Equal(t, 1, svc.SessionCount())
}

func TestClient_Close(t *testing.T) {
	_, addr := startEchoServer(t)

	c := New(testConfig(addr.String()))
	require.NoError(t, c.Connect())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.GetState())
	assert.ErrorIs(t, c.Connect(), ErrClientClosed)
	assert.ErrorIs(t, c.SendString(1, "x"), ErrNotConnected)
}
