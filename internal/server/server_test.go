package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/magic-gateway/internal/cdr"
	"github.com/your-org/magic-gateway/internal/config"
	"github.com/your-org/magic-gateway/internal/dataplane"
	"github.com/your-org/magic-gateway/internal/dlm"
	"github.com/your-org/magic-gateway/internal/notify"
	"github.com/your-org/magic-gateway/internal/policy"
	"github.com/your-org/magic-gateway/internal/protocol"
	"github.com/your-org/magic-gateway/internal/session"
	"github.com/your-org/magic-gateway/internal/wire"
)

type fixedAircraft struct{}

func (fixedAircraft) Current() (float64, float64, float64, bool, string, string, bool) {
	return 0, 0, 35000, false, "", "cruise", false
}

func testHandlers(t *testing.T) *protocol.Handlers {
	t.Helper()
	cfg := &config.Config{
		Gateway: config.GatewayConfig{AuthLifetime: time.Hour},
		Clients: []config.ClientProfile{
			{Username: "n123ab", ClientSecret: "s3cret"},
		},
	}
	logger := zap.NewNop()
	cdrMgr, err := cdr.NewManager(t.TempDir(), 0, logger)
	require.NoError(t, err)

	return &protocol.Handlers{
		Config:   cfg,
		Sessions: session.NewStore(10, logger),
		Policy:   policy.NewEngine(&config.PolicyDocument{}, nil, logger),
		DLM:      dlm.NewManager(nil, logger),
		Data:     dataplane.NewSimulated(),
		CDRs:     cdrMgr,
		Push:     notify.NewEngine(nil, logger),
		Aircraft: fixedAircraft{},
		Logger:   logger,
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestServerHandlesCARRoundTrip(t *testing.T) {
	addr := freeAddr(t)
	srv := New(addr, testHandlers(t), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()

	var nc net.Conn
	var err error
	for i := 0; i < 50; i++ {
		nc, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer nc.Close()

	w := wire.NewWriter(nc)
	r := wire.NewReader(nc)

	req := &wire.Envelope{Command: wire.CmdClientAuthentication, HopByHopID: 1, OriginHost: "client.example.com"}
	require.NoError(t, req.EncodeBody(protocol.CARequest{Username: "n123ab", ClientSecret: "s3cret"}))
	require.NoError(t, w.WriteEnvelope(req))

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	ans, err := r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, wire.ResultSuccess, ans.Result)
	assert.NotEmpty(t, ans.SessionID)

	cancel()
	<-done
}

func TestServerRejectsBadCredentials(t *testing.T) {
	addr := freeAddr(t)
	srv := New(addr, testHandlers(t), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()

	var nc net.Conn
	var err error
	for i := 0; i < 50; i++ {
		nc, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer nc.Close()

	w := wire.NewWriter(nc)
	r := wire.NewReader(nc)

	req := &wire.Envelope{Command: wire.CmdClientAuthentication, HopByHopID: 1}
	require.NoError(t, req.EncodeBody(protocol.CARequest{Username: "n123ab", ClientSecret: "wrong"}))
	require.NoError(t, w.WriteEnvelope(req))

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	ans, err := r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, wire.ResultAuthRejected, ans.Result)

	cancel()
	<-done
}

func TestSendToSessionWithoutConnectionErrors(t *testing.T) {
	srv := New("127.0.0.1:0", testHandlers(t), zap.NewNop())
	err := srv.SendToSession("nonexistent", &wire.Envelope{})
	assert.Error(t, err)
}
