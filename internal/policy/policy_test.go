package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/magic-gateway/internal/config"
)

func latencyPtr(v uint32) *uint32 { return &v }

func testDoc() *config.PolicyDocument {
	return &config.PolicyDocument{
		TrafficClasses: []config.TrafficClassDefinition{
			{ID: "voice", QoSLevel: ptrU8(7)},
			{ID: "best-effort", Default: true},
		},
		RuleSets: []config.PolicyRuleSet{
			{
				FlightPhases: []string{"cruise"},
				Rules: []config.PolicyRule{
					{
						TrafficClassID: "voice",
						Paths: []config.PathPreference{
							{Ranking: 1, DLMID: "sat-1", MaxLatencyMs: latencyPtr(800)},
							{Ranking: 2, DLMID: "cell-1", AirborneOnly: false, OnGroundOnly: true},
							{Ranking: 3, DLMID: "sat-2"},
						},
					},
				},
			},
		},
		Switching: config.SwitchingPolicy{MinDwellSeconds: 30, HysteresisPercent: 20},
	}
}

func ptrU8(v uint8) *uint8 { return &v }

func testDLMs() []config.DLMConfig {
	return []config.DLMConfig{
		{ID: "sat-1", NominalLatencyMs: 600, SecurityGrade: 2, SupportedQoS: []uint8{0, 7}},
		{ID: "cell-1", NominalLatencyMs: 100, SecurityGrade: 1, SupportedQoS: []uint8{0, 7}},
		{ID: "sat-2", NominalLatencyMs: 900, SecurityGrade: 3, SupportedQoS: []uint8{0}},
	}
}

func TestClassify(t *testing.T) {
	e := NewEngine(testDoc(), testDLMs(), zap.NewNop())
	assert.Equal(t, "voice", e.Classify(0, 7, "anything"))
	assert.Equal(t, "best-effort", e.Classify(0, 3, "anything"))
}

func TestRankPathsExcludesGroundOnlyWhenAirborne(t *testing.T) {
	e := NewEngine(testDoc(), testDLMs(), zap.NewNop())
	state := AircraftState{OnGround: false}
	cands := e.RankPaths("voice", "cruise", state, nil, nil)
	require.NotEmpty(t, cands)
	for _, c := range cands {
		assert.NotEqual(t, "cell-1", c.DLMID, "ground-only DLM must be excluded while airborne")
	}
}

func TestRankPathsDegradedRestrictsToLowQoS(t *testing.T) {
	e := NewEngine(testDoc(), testDLMs(), zap.NewNop())
	state := AircraftState{OnGround: false, Degraded: true}
	cands := e.RankPaths("voice", "cruise", state, nil, nil)
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.DLMID
	}
	assert.Contains(t, ids, "sat-2", "sat-2 supports QoS 0 and should survive degraded mode")
	assert.NotContains(t, ids, "cell-1")
}

func TestRankPathsOrdersByRankingThenLoad(t *testing.T) {
	e := NewEngine(testDoc(), testDLMs(), zap.NewNop())
	state := AircraftState{OnGround: false}
	cands := e.RankPaths("voice", "cruise", state, nil, nil)
	require.Len(t, cands, 2) // cell-1 excluded (ground-only)
	assert.Equal(t, "sat-1", cands[0].DLMID)
	assert.Equal(t, "sat-2", cands[1].DLMID)
}

func TestShouldSwitchRespectsMinDwell(t *testing.T) {
	e := NewEngine(testDoc(), testDLMs(), zap.NewNop())
	cands := []Candidate{{DLMID: "sat-1", Load: 0.1}, {DLMID: "sat-2", Load: 0.9}}
	dlm, switchNow := e.ShouldSwitch(cands, "sat-2", 5*time.Second, 0.9)
	assert.False(t, switchNow)
	assert.Equal(t, "sat-2", dlm)
}

func TestShouldSwitchRequiresImprovementThreshold(t *testing.T) {
	e := NewEngine(testDoc(), testDLMs(), zap.NewNop())
	cands := []Candidate{{DLMID: "sat-1", Load: 0.75}, {DLMID: "sat-2", Load: 0.9}}
	dlm, switchNow := e.ShouldSwitch(cands, "sat-2", 60*time.Second, 0.9)
	assert.False(t, switchNow, "15% improvement is below the 20% hysteresis threshold")
	assert.Equal(t, "sat-2", dlm)
}

func TestShouldSwitchForcedRerouteBypassesHysteresis(t *testing.T) {
	e := NewEngine(testDoc(), testDLMs(), zap.NewNop())
	cands := []Candidate{{DLMID: "sat-1", Load: 0.2}}
	dlm, switchNow := e.ShouldSwitch(cands, "sat-2", time.Second, 0.0)
	assert.True(t, switchNow)
	assert.Equal(t, "sat-1", dlm)
}

func TestEvaluateGrantsBestCandidateOnFirstAdmission(t *testing.T) {
	e := NewEngine(testDoc(), testDLMs(), zap.NewNop())
	req := PolicyRequest{
		ProfileName: "anything", QoSLevel: 7, FlightPhase: "cruise",
		Aircraft: AircraftState{OnGround: false},
		RequestedFwdKbps: 500, RequestedRetKbps: 200,
	}
	resp := e.Evaluate(req, nil, nil)
	assert.True(t, resp.Success)
	assert.Equal(t, "sat-1", resp.SelectedDLMID)
	assert.Equal(t, uint32(500), resp.GrantedFwdKbps)
}

func TestEvaluateAppliesHysteresisAgainstCurrentLink(t *testing.T) {
	e := NewEngine(testDoc(), testDLMs(), zap.NewNop())
	req := PolicyRequest{
		ProfileName: "anything", QoSLevel: 7, FlightPhase: "cruise",
		Aircraft:        AircraftState{OnGround: false},
		CurrentLinkID:   "sat-2",
		CurrentLinkLoad: 0.9,
		Dwell:           5 * time.Second,
	}
	resp := e.Evaluate(req, nil, nil)
	assert.True(t, resp.Success)
	assert.Equal(t, "sat-2", resp.SelectedDLMID, "min-dwell has not elapsed, hysteresis keeps the current link")
	assert.False(t, resp.SwitchNow)
}

func TestEvaluateQuotaExceededReason(t *testing.T) {
	e := NewEngine(testDoc(), testDLMs(), zap.NewNop())
	req := PolicyRequest{
		ProfileName: "anything", QoSLevel: 7, FlightPhase: "cruise",
		Aircraft:         AircraftState{OnGround: false},
		RequestedFwdKbps: 500, RequiredFwdKbps: 500,
	}
	denyAll := func(fwd, ret uint32) (uint32, uint32, bool) { return 0, 0, false }
	resp := e.Evaluate(req, nil, denyAll)
	assert.False(t, resp.Success)
	assert.Equal(t, ReasonQuotaExceeded, resp.Reason)
}

func TestEvaluateUnknownFlightPhaseReason(t *testing.T) {
	e := NewEngine(testDoc(), testDLMs(), zap.NewNop())
	req := PolicyRequest{ProfileName: "anything", QoSLevel: 7, FlightPhase: "taxi"}
	resp := e.Evaluate(req, nil, nil)
	assert.False(t, resp.Success)
	assert.Equal(t, ReasonPhaseNotAllowed, resp.Reason)
}

func TestShouldSwitchNoCandidates(t *testing.T) {
	e := NewEngine(testDoc(), testDLMs(), zap.NewNop())
	dlm, switchNow := e.ShouldSwitch(nil, "sat-1", time.Hour, 0.5)
	assert.False(t, switchNow)
	assert.Empty(t, dlm)
}
