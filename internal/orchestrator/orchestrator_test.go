package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/magic-gateway/internal/config"
	"github.com/your-org/magic-gateway/internal/dataplane"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Gateway.ControlListenAddr = "127.0.0.1:0"
	cfg.Gateway.MetricsListenAddr = ""
	cfg.Gateway.CDRBaseDir = t.TempDir()
	cfg.Gateway.TrafficMapPath = ""
	cfg.Gateway.AircraftStateHost = "127.0.0.1"
	cfg.DLMs = []config.DLMConfig{{ID: "sat-1", Endpoint: "unused"}}
	cfg.Policy = &config.PolicyDocument{}
	cfg.Clients = []config.ClientProfile{{Username: "n123ab", ClientSecret: "s3cret"}}
	return cfg
}

func TestNewWiresEveryComponent(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, dataplane.NewSimulated(), zap.NewNop())
	require.NoError(t, err)

	assert.NotNil(t, gw.Sessions)
	assert.NotNil(t, gw.Policy)
	assert.NotNil(t, gw.DLM)
	assert.NotNil(t, gw.CDRs)
	assert.NotNil(t, gw.Aircraft)
	assert.NotNil(t, gw.Push)
	assert.NotNil(t, gw.Handlers)
	assert.NotNil(t, gw.Server)
	assert.Nil(t, gw.Meter, "no traffic map path configured")
}

func TestSessionCapacityUnboundedWhenAnyClientUncapped(t *testing.T) {
	cfg := &config.Config{Clients: []config.ClientProfile{
		{Session: config.SessionPolicy{MaxConcurrentSessions: 5}},
		{Session: config.SessionPolicy{MaxConcurrentSessions: 0}},
	}}
	assert.Equal(t, unboundedCapacity, sessionCapacity(cfg))
}

func TestSessionCapacitySumsCaps(t *testing.T) {
	cfg := &config.Config{Clients: []config.ClientProfile{
		{Session: config.SessionPolicy{MaxConcurrentSessions: 5}},
		{Session: config.SessionPolicy{MaxConcurrentSessions: 3}},
	}}
	assert.Equal(t, 8, sessionCapacity(cfg))
}

func TestSessionCapacityDefaultsWhenNoClients(t *testing.T) {
	assert.Equal(t, 1024, sessionCapacity(&config.Config{}))
}

func TestAddrWithPort(t *testing.T) {
	assert.Equal(t, "10.0.0.1:9100", addrWithPort("10.0.0.1", 9100))
	assert.Equal(t, "10.0.0.1", addrWithPort("10.0.0.1", 0))
}

func TestItoa(t *testing.T) {
	assert.Equal(t, "0", itoa(0))
	assert.Equal(t, "9100", itoa(9100))
	assert.Equal(t, "-7", itoa(-7))
}

func TestRealSenderErrorsBeforeBind(t *testing.T) {
	s := &realSender{}
	err := s.SendToSession("sess-1", nil)
	assert.Error(t, err)
}
