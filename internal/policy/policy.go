// Package policy implements the MAGIC policy engine (C8): traffic
// classification, constraint-filtered link ranking, and handover
// hysteresis. It is pure decision logic — no I/O, no locking beyond what
// config.PolicyDocument already provides as an immutable read-only
// structure — so the session, protocol, and orchestrator packages can call
// it directly from their own goroutines without contention.
package policy

import (
	"time"

	"go.uber.org/zap"

	"github.com/your-org/magic-gateway/internal/config"
)

// AircraftState is the subset of telemetry (internal/aircraft, C2) the
// policy engine consults when ranking links.
type AircraftState struct {
	Lat          float64
	Lon          float64
	AltitudeFt   float64
	OnGround     bool
	Airport      string
	FlightPhase  string
	Degraded     bool // aircraft-state feed stale or missing (§4.2 step 6)
}

// LinkLoad reports a DLM's current fractional utilization in [0,1], used
// as a tie-breaker and load-shedding signal during ranking. Implementations
// are supplied by the caller; nil means "assume unloaded", and
// internal/protocol, the only caller of Evaluate, passes nil.
type LinkLoad func(dlmID string) float64

// Candidate is one ranked, permitted DLM emerging from RankPaths.
type Candidate struct {
	DLMID   string
	Ranking int
	Load    float64
}

// Engine evaluates policy decisions against a fixed, immutable
// config.PolicyDocument and DLM table loaded at boot.
type Engine struct {
	doc    *config.PolicyDocument
	dlms   []config.DLMConfig
	logger *zap.Logger
}

// NewEngine constructs an Engine over the loaded policy document and DLM
// table. Both are treated as immutable for the Engine's lifetime.
func NewEngine(doc *config.PolicyDocument, dlms []config.DLMConfig, logger *zap.Logger) *Engine {
	return &Engine{doc: doc, dlms: dlms, logger: logger}
}

// Classify determines the traffic class id for a request (§4.2 step 1).
func (e *Engine) Classify(priorityClass, qosLevel uint8, profileName string) string {
	return e.doc.Classify(priorityClass, qosLevel, profileName)
}

func (e *Engine) dlmByID(id string) *config.DLMConfig {
	for i := range e.dlms {
		if e.dlms[i].ID == id {
			return &e.dlms[i]
		}
	}
	return nil
}

// constraintsSatisfied reports whether a PathPreference's positional
// constraints (ground/air, security, latency) hold for the current
// aircraft state and DLM (§4.2 step 2).
func constraintsSatisfied(pref *config.PathPreference, dlm *config.DLMConfig, state AircraftState) bool {
	if pref.OnGroundOnly && !state.OnGround {
		return false
	}
	if pref.AirborneOnly && state.OnGround {
		return false
	}
	if pref.RequiredSecurity > 0 && dlm.SecurityGrade < pref.RequiredSecurity {
		return false
	}
	if pref.MaxLatencyMs != nil && dlm.NominalLatencyMs > *pref.MaxLatencyMs {
		return false
	}
	if !dlm.Coverage.Contains(state.Lat, state.Lon, state.AltitudeFt) {
		return false
	}
	return true
}

// RankPaths returns the permitted DLMs for a traffic class under the
// current flight phase and aircraft state, ordered best-first (§4.2 steps
// 2-4). Degraded aircraft-state telemetry restricts the result to DLMs
// that support the lowest QoS level (0), per the fallback rule in §4.2 step 6; when
// clientLink is non-nil its allowed set and preferred DLM further narrow
// and reorder the candidates.
func (e *Engine) RankPaths(trafficClassID, flightPhase string, state AircraftState, clientLink *config.LinkPolicy, load LinkLoad) []Candidate {
	ruleSet := e.doc.RuleSetFor(flightPhase)
	if ruleSet == nil {
		return nil
	}
	rule := ruleSet.RuleFor(trafficClassID)
	if rule == nil {
		return nil
	}

	var candidates []Candidate
	for _, pref := range rule.Paths {
		if pref.Action == config.ActionProhibit {
			continue
		}
		dlm := e.dlmByID(pref.DLMID)
		if dlm == nil {
			continue
		}
		if clientLink != nil && !clientLink.Allows(dlm.ID) {
			continue
		}
		if !constraintsSatisfied(&pref, dlm, state) {
			continue
		}
		if state.Degraded && !dlm.SupportsQoS(0) {
			continue
		}
		l := 0.0
		if load != nil {
			l = load(dlm.ID)
		}
		candidates = append(candidates, Candidate{DLMID: dlm.ID, Ranking: pref.Ranking, Load: l})
	}

	sortCandidates(candidates, clientLink)
	return candidates
}

// sortCandidates orders candidates by configured ranking first, then by
// load as a tie-breaker, then promotes the client's preferred DLM (if
// present among equally-ranked candidates) to the front — a simple
// insertion sort since the candidate list is always small (bounded by the
// DLM table size, typically under a dozen entries).
func sortCandidates(c []Candidate, clientLink *config.LinkPolicy) {
	preferred := ""
	if clientLink != nil {
		preferred = clientLink.PreferredDLM
	}
	for i := 1; i < len(c); i++ {
		j := i
		for j > 0 && less(c[j], c[j-1], preferred) {
			c[j], c[j-1] = c[j-1], c[j]
			j--
		}
	}
}

func less(a, b Candidate, preferred string) bool {
	if a.Ranking != b.Ranking {
		return a.Ranking < b.Ranking
	}
	if preferred != "" && a.DLMID == preferred && b.DLMID != preferred {
		return true
	}
	if preferred != "" && b.DLMID == preferred && a.DLMID != preferred {
		return false
	}
	return a.Load < b.Load
}

// Reason codes returned on PolicyResponse.Reason when Success is false
// (§4.2, §7 taxonomy).
const (
	ReasonNoBandwidth     = "NO_BW"
	ReasonPhaseNotAllowed = "PHASE_NOT_ALLOWED"
	ReasonAltitudeDenied  = "ALTITUDE_DENIED"
	ReasonAirportDenied   = "AIRPORT_DENIED"
	ReasonNoCoverage      = "NO_COVERAGE"
	ReasonAllLinksExcluded = "ALL_LINKS_EXCLUDED"
	ReasonQuotaExceeded   = "QUOTA_EXCEEDED"
	ReasonConfigNotFound  = "CONFIG_NOT_FOUND"
)

// PolicyRequest is the input to Evaluate (§4.2): everything the engine
// needs to classify, rank, and grant in one call, gathered by the caller
// from the session, client profile, and live aircraft state.
type PolicyRequest struct {
	ClientID        string
	ProfileName     string
	RequestedFwdKbps uint32
	RequestedRetKbps uint32
	RequiredFwdKbps  uint32
	RequiredRetKbps  uint32
	PriorityClass   uint8
	QoSLevel        uint8
	FlightPhase     string
	Aircraft        AircraftState
	ExcludeDLMs     []string
	CurrentLinkID   string
	CurrentLinkLoad float64
	Dwell           time.Duration
	ClientLink      *config.LinkPolicy
	ForcedReroute   bool
}

// PolicyResponse is the outcome of Evaluate (§4.2).
type PolicyResponse struct {
	Success        bool
	SelectedDLMID  string
	GrantedFwdKbps uint32
	GrantedRetKbps uint32
	EffectiveQoS   uint8
	TrafficClassID string
	Reason         string
	SwitchNow      bool
}

// QuotaFunc caps a requested bandwidth pair against whatever ceiling the
// caller enforces (typically session.Session.Grant), returning the grant
// actually admissible and whether it clears the requiredFwd/RetKbps floor.
type QuotaFunc func(reqFwdKbps, reqRetKbps uint32) (grantFwd, grantRet uint32, ok bool)

// Evaluate runs the full §4.2 decision pipeline: classify, rank, apply
// hysteresis against the current link, then cap the grant through quota.
// It is the single call site HandleCCR and HandleCAR's zero-RTT path use,
// so ShouldSwitch's hysteresis is reachable outside its own unit tests.
func (e *Engine) Evaluate(req PolicyRequest, load LinkLoad, quota QuotaFunc) PolicyResponse {
	classID := e.Classify(req.PriorityClass, req.QoSLevel, req.ProfileName)
	if classID == "" {
		return PolicyResponse{Reason: ReasonConfigNotFound}
	}

	candidates := e.RankPaths(classID, req.FlightPhase, req.Aircraft, req.ClientLink, load)
	candidates = excludeDLMs(candidates, req.ExcludeDLMs)
	if len(candidates) == 0 {
		reason := ReasonNoCoverage
		if e.doc.RuleSetFor(req.FlightPhase) == nil {
			reason = ReasonPhaseNotAllowed
		} else if len(e.allCandidates(classID, req.FlightPhase, req.Aircraft, req.ClientLink)) > 0 {
			reason = ReasonAllLinksExcluded
		}
		return PolicyResponse{TrafficClassID: classID, Reason: reason}
	}

	selected := candidates[0].DLMID
	switchNow := true
	if req.CurrentLinkID != "" {
		dlm, sw := e.ShouldSwitch(candidates, req.CurrentLinkID, req.Dwell, req.CurrentLinkLoad)
		if req.ForcedReroute {
			sw, dlm = true, candidates[0].DLMID
		}
		selected, switchNow = dlm, sw
	}

	grantFwd, grantRet := req.RequestedFwdKbps, req.RequestedRetKbps
	if quota != nil {
		var ok bool
		grantFwd, grantRet, ok = quota(req.RequestedFwdKbps, req.RequestedRetKbps)
		if !ok {
			return PolicyResponse{TrafficClassID: classID, Reason: ReasonQuotaExceeded}
		}
	}
	if grantFwd < req.RequiredFwdKbps || grantRet < req.RequiredRetKbps {
		return PolicyResponse{TrafficClassID: classID, Reason: ReasonNoBandwidth}
	}

	dlmCfg := e.dlmByID(selected)
	qos := req.QoSLevel
	if dlmCfg != nil && !dlmCfg.SupportsQoS(qos) {
		qos = 0
	}

	return PolicyResponse{
		Success:        true,
		SelectedDLMID:  selected,
		GrantedFwdKbps: grantFwd,
		GrantedRetKbps: grantRet,
		EffectiveQoS:   qos,
		TrafficClassID: classID,
		SwitchNow:      switchNow,
	}
}

// allCandidates re-ranks without the exclude-list filter, used only to
// distinguish "every candidate was excluded" from "no candidate exists at
// all" for the reason code in Evaluate.
func (e *Engine) allCandidates(classID, flightPhase string, state AircraftState, clientLink *config.LinkPolicy) []Candidate {
	return e.RankPaths(classID, flightPhase, state, clientLink, nil)
}

func excludeDLMs(cands []Candidate, excluded []string) []Candidate {
	if len(excluded) == 0 {
		return cands
	}
	out := cands[:0]
	for _, c := range cands {
		skip := false
		for _, ex := range excluded {
			if c.DLMID == ex {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, c)
		}
	}
	return out
}

// ShouldSwitch applies the global hysteresis rule (§3, §4.2 step 5): a
// handover away from currentDLM is justified only once the session has
// dwelt on it for at least MinDwellSeconds, AND the best candidate
// improves on the current DLM's load by at least HysteresisPercent. A
// forced reroute (current link gone from the candidate set entirely)
// bypasses both checks, matching the original MAGIC policy engine's
// behavior when a link drops out of coverage.
func (e *Engine) ShouldSwitch(candidates []Candidate, currentDLM string, dwell time.Duration, currentLoad float64) (bestDLM string, switchNow bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	if best.DLMID == currentDLM {
		return currentDLM, false
	}

	stillCandidate := false
	for _, c := range candidates {
		if c.DLMID == currentDLM {
			stillCandidate = true
			break
		}
	}
	if !stillCandidate {
		return best.DLMID, true // forced reroute, hysteresis bypassed
	}

	sw := e.doc.Switching
	if dwell < time.Duration(sw.MinDwellSeconds)*time.Second {
		return currentDLM, false
	}
	improvement := currentLoad - best.Load
	if improvement < sw.HysteresisPercent/100.0 {
		return currentDLM, false
	}
	return best.DLMID, true
}
