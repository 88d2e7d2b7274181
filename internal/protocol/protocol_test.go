package protocol

import (
	"context"
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
	"github.com/your-org/magic-gateway/internal/session"
	"github.com/your-org/magic-gateway/internal/wire"
)

type fakeAircraft struct {
	lat, lon, alt float64
	onGround      bool
	airport       string
	phase         string
	degraded      bool
}

func (f *fakeAircraft) Current() (float64, float64, float64, bool, string, string, bool) {
	return f.lat, f.lon, f.alt, f.onGround, f.airport, f.phase, f.degraded
}

type fakeSender struct{ sent []*wire.Envelope }

func (f *fakeSender) SendToSession(sessionID string, env *wire.Envelope) error {
	f.sent = append(f.sent, env)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{AuthLifetime: 3600 * time.Second},
		DLMs: []config.DLMConfig{
			{ID: "sat-1", Endpoint: "unused", RoutingTable: 100, SecurityGrade: 2, NominalLatencyMs: 600, SupportedQoS: []uint8{0, 5}},
		},
		Policy: &config.PolicyDocument{
			TrafficClasses: []config.TrafficClassDefinition{{ID: "best-effort", Default: true}},
			RuleSets: []config.PolicyRuleSet{
				{
					FlightPhases: []string{"cruise"},
					Rules: []config.PolicyRule{
						{TrafficClassID: "best-effort", Paths: []config.PathPreference{{Ranking: 1, DLMID: "sat-1"}}},
					},
				},
			},
			Switching: config.SwitchingPolicy{MinDwellSeconds: 10, HysteresisPercent: 20},
		},
		Clients: []config.ClientProfile{
			{
				Username:     "n123ab",
				ClientSecret: "s3cret",
				Bandwidth:    config.BandwidthQuota{MaxForwardKbps: 1000, MaxReturnKbps: 1000},
				Session:      config.SessionPolicy{AllowDetailedStatus: true, AllowCDRControl: true},
			},
		},
	}
}

// testHandlers wires real session/policy/dataplane/cdr/push components
// and a DLM manager whose adapter endpoint has no listener, so every DLM
// round trip these tests trigger (CCR admission, Stop's release) fails;
// a successful DLM round trip is covered in package dlm's own tests.
func testHandlers(t *testing.T) *Handlers {
	t.Helper()
	cfg := testConfig()
	logger := zap.NewNop()
	sessions := session.NewStore(10, logger)
	pol := policy.NewEngine(cfg.Policy, cfg.DLMs, logger)
	mgr := dlm.NewManager(cfg.DLMs, logger)
	dp := dataplane.NewSimulated()
	cdrMgr, err := cdr.NewManager(t.TempDir(), 0, logger)
	require.NoError(t, err)
	push := notify.NewEngine(&fakeSender{}, logger)

	return NewHandlers(Handlers{
		Config:   cfg,
		Sessions: sessions,
		Policy:   pol,
		DLM:      mgr,
		Data:     dp,
		CDRs:     cdrMgr,
		Push:     push,
		Aircraft: &fakeAircraft{phase: "cruise", onGround: false},
		Logger:   logger,
	})
}

func carEnvelope(username, secret string) *wire.Envelope {
	env := &wire.Envelope{Command: wire.CmdClientAuthentication, HopByHopID: 1, OriginHost: "client.example.com"}
	_ = env.EncodeBody(CARequest{Username: username, ClientSecret: secret, SourceIP: "10.0.0.5"})
	return env
}

func TestHandleCARSuccess(t *testing.T) {
	h := testHandlers(t)
	ans := h.HandleCAR(context.Background(), carEnvelope("n123ab", "s3cret"))
	assert.Equal(t, wire.ResultSuccess, ans.Result)
	assert.NotEmpty(t, ans.SessionID)
	assert.Equal(t, session.StateAuthenticated, h.Sessions.Get(ans.SessionID).State())
}

func TestHandleCARWrongSecret(t *testing.T) {
	h := testHandlers(t)
	ans := h.HandleCAR(context.Background(), carEnvelope("n123ab", "wrong"))
	assert.Equal(t, wire.ResultAuthRejected, ans.Result)
	assert.Equal(t, wire.StatusAuthFailed, ans.Status)
}

func TestHandleCARUnknownUser(t *testing.T) {
	h := testHandlers(t)
	ans := h.HandleCAR(context.Background(), carEnvelope("nobody", "x"))
	assert.Equal(t, wire.ResultAuthRejected, ans.Result)
}

func TestHandleCARRejectsOverCapacity(t *testing.T) {
	h := testHandlers(t)
	cfg := h.Config
	cfg.Clients[0].Session.MaxConcurrentSessions = 1

	first := h.HandleCAR(context.Background(), carEnvelope("n123ab", "s3cret"))
	require.Equal(t, wire.ResultSuccess, first.Result)

	second := h.HandleCAR(context.Background(), carEnvelope("n123ab", "s3cret"))
	assert.Equal(t, wire.ResultUnableToComply, second.Result)
}

func TestHandleSXRUnknownSession(t *testing.T) {
	h := testHandlers(t)
	env := &wire.Envelope{Command: wire.CmdStatusRequest, SessionID: "does-not-exist"}
	ans := h.HandleSXR(context.Background(), env)
	assert.Equal(t, wire.ResultUnknownSession, ans.Result)
}

func TestHandleSTRUnknownSession(t *testing.T) {
	h := testHandlers(t)
	env := &wire.Envelope{Command: wire.CmdSessionTermination, SessionID: "nope"}
	ans := h.HandleSTR(context.Background(), env)
	assert.Equal(t, wire.ResultUnknownSession, ans.Result)
}

func TestHandleSTRClosesSessionWithNoAllocations(t *testing.T) {
	h := testHandlers(t)
	carAns := h.HandleCAR(context.Background(), carEnvelope("n123ab", "s3cret"))
	require.Equal(t, wire.ResultSuccess, carAns.Result)

	env := &wire.Envelope{Command: wire.CmdSessionTermination, SessionID: carAns.SessionID}
	ans := h.HandleSTR(context.Background(), env)
	assert.Equal(t, wire.ResultSuccess, ans.Result)
	assert.Nil(t, h.Sessions.Get(carAns.SessionID))
}

func TestDispatchUnsupportedCommand(t *testing.T) {
	h := testHandlers(t)
	_, err := h.Dispatch(context.Background(), &wire.Envelope{Command: "XXR"})
	assert.Error(t, err)
}

func TestHandleSCRRequiresPermission(t *testing.T) {
	h := testHandlers(t)
	carAns := h.HandleCAR(context.Background(), carEnvelope("n123ab", "s3cret"))
	require.Equal(t, wire.ResultSuccess, carAns.Result)

	env := &wire.Envelope{Command: wire.CmdStatusChangeReport, SessionID: carAns.SessionID}
	ans := h.HandleSCR(context.Background(), env)
	assert.Equal(t, wire.ResultSuccess, ans.Result)
}

func TestHandleADRNoActiveCDR(t *testing.T) {
	h := testHandlers(t)
	carAns := h.HandleCAR(context.Background(), carEnvelope("n123ab", "s3cret"))
	require.Equal(t, wire.ResultSuccess, carAns.Result)

	env := &wire.Envelope{Command: wire.CmdAccountingData, SessionID: carAns.SessionID}
	_ = env.EncodeBody(ADRequest{})
	ans := h.HandleADR(context.Background(), env)
	require.Equal(t, wire.ResultSuccess, ans.Result)

	var body ADAnswer
	require.NoError(t, ans.DecodeBody(&body))
	assert.Empty(t, body.Groups.Active)
	assert.Empty(t, body.Groups.Finished)
	assert.Empty(t, body.Groups.Forwarded)
}

func TestHandleADRUnknownSession(t *testing.T) {
	h := testHandlers(t)
	env := &wire.Envelope{Command: wire.CmdAccountingData, SessionID: "nope"}
	ans := h.HandleADR(context.Background(), env)
	assert.Equal(t, wire.ResultUnknownSession, ans.Result)
}

func TestDeriveIntentStopOnZeroBandwidthWithoutKeep(t *testing.T) {
	sess := &session.Session{}
	intent := deriveIntent(sess, &CommRequest{})
	assert.Equal(t, intentStop, intent)
}

func TestDeriveIntentKeepRequestWithZeroBandwidthIsNotStop(t *testing.T) {
	sess := &session.Session{}
	intent := deriveIntent(sess, &CommRequest{KeepRequest: true})
	assert.NotEqual(t, intentStop, intent)
}

func TestHandleCCRUnknownSession(t *testing.T) {
	h := testHandlers(t)
	env := &wire.Envelope{Command: wire.CmdCommunicationChange, SessionID: "nope"}
	_ = env.EncodeBody(CCRequest{})
	ans := h.HandleCCR(context.Background(), env)
	assert.Equal(t, wire.ResultUnknownSession, ans.Result)
}

func TestHandleCCRStopReleasesAndReturnsToAuthenticated(t *testing.T) {
	h := testHandlers(t)
	carAns := h.HandleCAR(context.Background(), carEnvelope("n123ab", "s3cret"))
	require.Equal(t, wire.ResultSuccess, carAns.Result)
	sess := h.Sessions.Get(carAns.SessionID)
	sess.Allocate(session.Allocation{DLMID: "sat-1", ForwardKbps: 100, ReturnKbps: 50})
	require.NoError(t, sess.Transition(session.StateActive))

	env := &wire.Envelope{Command: wire.CmdCommunicationChange, SessionID: carAns.SessionID}
	_ = env.EncodeBody(CCRequest{})
	ans := h.HandleCCR(context.Background(), env)
	require.Equal(t, wire.ResultSuccess, ans.Result)

	var body CCAnswer
	require.NoError(t, ans.DecodeBody(&body))
	assert.Equal(t, string(intentStop), body.Intent)
	assert.Empty(t, sess.Allocations())
	assert.Equal(t, session.StateAuthenticated, h.Sessions.Get(carAns.SessionID).State())
}

func TestHandleCCRQueuesWhenAdmissionFailsAndKeepRequestSet(t *testing.T) {
	h := testHandlers(t)
	carAns := h.HandleCAR(context.Background(), carEnvelope("n123ab", "s3cret"))
	require.Equal(t, wire.ResultSuccess, carAns.Result)

	env := &wire.Envelope{Command: wire.CmdCommunicationChange, SessionID: carAns.SessionID}
	_ = env.EncodeBody(CCRequest{CommRequest: CommRequest{
		RequestedFwdKbps: 100, RequestedRetKbps: 50, ProfileName: "best-effort", KeepRequest: true,
	}})
	ans := h.HandleCCR(context.Background(), env)
	require.Equal(t, wire.ResultSuccess, ans.Result, "dlm is unreachable in this test, so admission fails and falls back to Queue")

	var body CCAnswer
	require.NoError(t, ans.DecodeBody(&body))
	assert.Equal(t, string(intentQueue), body.Intent)
	assert.Equal(t, 1, h.Queue.Len())
}

func TestValidateTFTRejectsDisallowedProtocol(t *testing.T) {
	profile := &config.ClientProfile{Traffic: config.TrafficPolicy{AllowedProtocols: []string{"tcp"}}}
	tft := &session.TFT{Protocol: "udp"}
	assert.Equal(t, wire.StatusTFTInvalid, validateTFT(profile, tft))
}

func TestValidateTFTAllowsNilTFT(t *testing.T) {
	profile := &config.ClientProfile{}
	assert.Equal(t, wire.StatusCode(0), validateTFT(profile, nil))
}

func TestCIDRWhitelistedMatchesRange(t *testing.T) {
	assert.True(t, cidrWhitelisted([]string{"10.0.0.0/8"}, "10.1.2.3/32"))
	assert.True(t, cidrWhitelisted([]string{"10.0.0.0/8"}, "10.1.2.3"))
	assert.False(t, cidrWhitelisted([]string{"10.0.0.0/8"}, "192.168.1.1"))
}

func TestACRPermittedSameUsername(t *testing.T) {
	requester := &session.Session{Username: "n123ab", Profile: &config.ClientProfile{}}
	target := &session.Session{Username: "n123ab", Profile: &config.ClientProfile{}}
	assert.True(t, acrPermitted(requester, target))
}

func TestACRPermittedDeniedAcrossClientsWithoutFlag(t *testing.T) {
	requester := &session.Session{Username: "n123ab", Profile: &config.ClientProfile{}}
	target := &session.Session{Username: "n456cd", Profile: &config.ClientProfile{}}
	assert.False(t, acrPermitted(requester, target))
}

func TestACRPermittedAllowedWithCrossClientFlag(t *testing.T) {
	requester := &session.Session{Username: "n123ab", Profile: &config.ClientProfile{Session: config.SessionPolicy{AllowCDRControl: true}}}
	target := &session.Session{Username: "n456cd", Profile: &config.ClientProfile{}}
	assert.True(t, acrPermitted(requester, target))
}

func TestHandleACRUnknownTargetSession(t *testing.T) {
	h := testHandlers(t)
	carAns := h.HandleCAR(context.Background(), carEnvelope("n123ab", "s3cret"))
	require.Equal(t, wire.ResultSuccess, carAns.Result)

	env := &wire.Envelope{Command: wire.CmdAccountingControl, SessionID: carAns.SessionID}
	_ = env.EncodeBody(ACRequest{TargetSessionID: "does-not-exist"})
	ans := h.HandleACR(context.Background(), env)
	assert.Equal(t, wire.ResultUnknownSession, ans.Result)
}

func TestHandleSXRRateLimitExceeded(t *testing.T) {
	h := testHandlers(t)
	h.Config.Clients[0].Session.StatusRequestRateLimit = time.Minute
	carAns := h.HandleCAR(context.Background(), carEnvelope("n123ab", "s3cret"))
	require.Equal(t, wire.ResultSuccess, carAns.Result)

	env := &wire.Envelope{Command: wire.CmdStatusRequest, SessionID: carAns.SessionID}
	first := h.HandleSXR(context.Background(), env)
	require.Equal(t, wire.ResultSuccess, first.Result)

	second := h.HandleSXR(context.Background(), env)
	assert.Equal(t, wire.ResultUnableToComply, second.Result)
}

func TestHandleSXRDowngradesDetailedStatusWithoutPermission(t *testing.T) {
	h := testHandlers(t)
	h.Config.Clients[0].Session.AllowDetailedStatus = false
	carAns := h.HandleCAR(context.Background(), carEnvelope("n123ab", "s3cret"))
	require.Equal(t, wire.ResultSuccess, carAns.Result)

	env := &wire.Envelope{Command: wire.CmdStatusRequest, SessionID: carAns.SessionID}
	_ = env.EncodeBody(SXRequest{StatusType: 6})
	ans := h.HandleSXR(context.Background(), env)
	require.Equal(t, wire.ResultSuccess, ans.Result)

	var body SXAnswer
	require.NoError(t, ans.DecodeBody(&body))
	assert.Equal(t, uint8(2), body.StatusType)
}
