package tcpserver

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/go-framedtcp/framecodec"
	"github.com/cyberinferno/go-framedtcp/logger"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// recorder collects connect and disconnect callbacks.
type recorder struct {
	mu           sync.Mutex
	connected    []*Session
	disconnected []*Session
}

func (r *recorder) onConnect(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, s)
}

func (r *recorder) onDisconnect(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, s)
}

func (r *recorder) connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected)
}

func (r *recorder) disconnects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnected)
}

func (r *recorder) connectedSessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.connected...)
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()

	svc := NewService(context.Background(), "test", NewDispatcher(), cfg, logger.NewNopLogger())
	t.Cleanup(svc.WaitCloseAll)
	return svc
}

// servePipe attaches one end of an in-memory pipe to svc and returns the
// session together with the peer end.
func servePipe(t *testing.T, svc *Service, rec *recorder) (*Session, net.Conn) {
	t.Helper()

	server, client := netPipe(t)
	session, err := svc.ServeConn(server, rec.onConnect, rec.onDisconnect)
	require.NoError(t, err)
	return session, client
}

func writeFrame(t *testing.T, w io.Writer, command uint16, payload string) {
	t.Helper()

	b, err := framecodec.Encode(command, []byte(payload))
	require.NoError(t, err)
	_, err = w.Write(b)
	require.NoError(t, err)
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, s.WaitContext(ctx), "session %d did not close", s.ID())
}

func netPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.SetDeadline(time.Now().Add(testTimeout)))
	return server, client
}
