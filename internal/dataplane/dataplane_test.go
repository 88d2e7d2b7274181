package dataplane

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedRouteLifecycle(t *testing.T) {
	d := NewSimulated()
	ctx := context.Background()

	require.NoError(t, d.InstallRoute(ctx, Route{Mark: 7, Table: 107, DLMID: "sat-1"}))
	assert.Equal(t, 1, d.RouteCount())

	require.NoError(t, d.RemoveRoute(ctx, 7))
	assert.Equal(t, 0, d.RouteCount())
}

func TestSimulatedWhitelists(t *testing.T) {
	d := NewSimulated()
	ctx := context.Background()

	require.NoError(t, d.AllowControl(ctx, "10.0.0.1/32"))
	assert.True(t, d.ControlAllowed("10.0.0.1/32"))
	require.NoError(t, d.DenyControl(ctx, "10.0.0.1/32"))
	assert.False(t, d.ControlAllowed("10.0.0.1/32"))

	require.NoError(t, d.AllowData(ctx, "172.16.0.0/24"))
	assert.True(t, d.DataAllowed("172.16.0.0/24"))
}

func TestSimulatedTFTLifecycle(t *testing.T) {
	d := NewSimulated()
	ctx := context.Background()

	require.NoError(t, d.InstallTFT(ctx, TFTRule{SessionID: "sess-1", Mark: 3, Protocol: "udp"}))
	require.NoError(t, d.RemoveTFT(ctx, "sess-1", "3"))
}
