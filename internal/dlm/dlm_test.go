package dlm

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/magic-gateway/internal/config"
)

// fakeDLMServer answers a single round trip over an in-memory pipe with
// the supplied response, letting tests exercise Adapter.roundTrip without
// a real unix socket.
func fakeDLMServer(t *testing.T, conn net.Conn, resp ipcResponse) {
	t.Helper()
	go func() {
		dec := json.NewDecoder(bufio.NewReader(conn))
		var req ipcRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		enc := json.NewEncoder(conn)
		_ = enc.Encode(resp)
	}()
}

func newPipeAdapter(t *testing.T, respond func(net.Conn)) *Adapter {
	t.Helper()
	a := NewAdapter(config.DLMConfig{ID: "sat-1"}, zap.NewNop())
	a.dialFn = func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		respond(server)
		return client, nil
	}
	return a
}

func TestAdapterReserveSuccess(t *testing.T) {
	a := newPipeAdapter(t, func(server net.Conn) {
		fakeDLMServer(t, server, ipcResponse{OK: true, GrantedForward: 512, GrantedReturn: 256})
	})
	res, err := a.Reserve(context.Background(), "sess-1", 7, 512, 256, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(512), res.GrantedForward)
	assert.Equal(t, "sat-1", res.DLMID)
}

func TestAdapterReserveDenied(t *testing.T) {
	a := newPipeAdapter(t, func(server net.Conn) {
		fakeDLMServer(t, server, ipcResponse{OK: false, Reason: "capacity exhausted"})
	})
	_, err := a.Reserve(context.Background(), "sess-1", 7, 512, 256, 5)
	require.Error(t, err)
	var denied *ErrReservationDenied
	assert.ErrorAs(t, err, &denied)
}

func TestAdapterReserveTransportFailureRetries(t *testing.T) {
	a := NewAdapter(config.DLMConfig{ID: "sat-1"}, zap.NewNop())
	calls := 0
	a.dialFn = func(ctx context.Context) (net.Conn, error) {
		calls++
		return nil, assertErr("dial refused")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := a.Reserve(ctx, "sess-1", 1, 100, 50, 0)
	require.Error(t, err)
	assert.Equal(t, retryAttempts, calls)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestManagerReserveWithFallback(t *testing.T) {
	m := NewManager([]config.DLMConfig{{ID: "sat-1"}, {ID: "cell-1"}}, zap.NewNop())

	failing := m.Adapter("sat-1")
	failing.dialFn = func(ctx context.Context) (net.Conn, error) {
		return nil, assertErr("unreachable")
	}
	working := m.Adapter("cell-1")
	working.dialFn = func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		fakeDLMServer(t, server, ipcResponse{OK: true, GrantedForward: 200, GrantedReturn: 100})
		return client, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := m.ReserveWithFallback(ctx, []string{"sat-1", "cell-1"}, "sess-1", 3, 200, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, "cell-1", res.DLMID)
}
