// Package protocol implements the C9 message handlers: one function per
// MAGIC command (CAR, CCR, STR, NTR ack, SCR, SXR, ADR, ACR), each
// decoding its envelope body, calling the session/policy/dlm/dataplane/cdr
// services, and producing the answer envelope. The decode -> call-service
// -> log -> respond shape follows the teacher's AMF HTTP handlers,
// generalized from chi handlers to envelope handlers over the framed
// socket in internal/server.
package protocol

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
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

var tracer = otel.Tracer("magic-gateway/protocol")

// Handlers holds every dependency the C9 message pipelines need, wired by
// the orchestrator at boot.
type Handlers struct {
	Config    *config.Config
	Sessions  *session.Store
	Policy    *policy.Engine
	DLM       *dlm.Manager
	Data      dataplane.DataPlane
	CDRs      *cdr.Manager
	Push      *notify.Engine
	Aircraft  AircraftSource
	Queue     *ccQueue
	Logger    *zap.Logger
}

// NewHandlers wires a Handlers with its CCR queue initialized; callers
// outside the package cannot construct a *ccQueue directly since it is
// unexported, so orchestrator.New goes through this constructor instead of
// a bare struct literal for the Queue field.
func NewHandlers(h Handlers) *Handlers {
	h.Queue = newCCQueue()
	return &h
}

// AircraftSource is the subset of internal/aircraft.Client the protocol
// layer needs, kept as an interface to avoid a hard dependency cycle and
// to let tests substitute a fixed state.
type AircraftSource interface {
	Current() (lat, lon, altFt float64, onGround bool, airport, phase string, degraded bool)
}

// ===== CAR/CAA : client authentication ====================================

// CommRequest is the communication-request group shared by CAR's zero-RTT
// path and CCR's four-phase pipeline (§4.8 step 5, §4.8 CCR step 2-4).
type CommRequest struct {
	RequestedFwdKbps uint32       `json:"requested_fwd_kbps"`
	RequestedRetKbps uint32       `json:"requested_ret_kbps"`
	QoSLevel         uint8        `json:"qos_level"`
	PriorityClass    uint8        `json:"priority_class"`
	ProfileName      string       `json:"profile_name"`
	TFT              *session.TFT `json:"tft,omitempty"`
	KeepRequest      bool         `json:"keep_request,omitempty"`
}

// bandwidthGrant is the outcome of admitting a CommRequest (used by both
// CAR's zero-RTT path and CCR's Start/Modify execute step), carrying
// everything the two answer shapes need.
type bandwidthGrant struct {
	DLMID          string
	BearerID       uint32
	GrantedFwdKbps uint32
	GrantedRetKbps uint32
	QoSLevel       uint8
	GatewayIP      string
}

// CARequest is the decoded body of an MCAR envelope (§4.8 step 1-2).
type CARequest struct {
	Username         string       `json:"username"`
	ClientSecret     string       `json:"client_secret"`
	SourceIP         string       `json:"source_ip"`
	StatusSubscribe  *uint8       `json:"status_subscribe,omitempty"`
	CommRequest      *CommRequest `json:"comm_request,omitempty"`
}

// CAAnswer is the body returned on an MCAA envelope. Granted bandwidth is
// reported in bits per second on the wire (§4.8 step 5), not the internal
// kbps bookkeeping unit.
type CAAnswer struct {
	SessionID        string `json:"session_id"`
	AuthLifetimeS    uint32 `json:"auth_lifetime_s"`
	GracePeriodS     uint32 `json:"grace_period_s"`
	LinkID           string `json:"link_id,omitempty"`
	BearerID         uint32 `json:"bearer_id,omitempty"`
	GrantedFwdBps    uint64 `json:"granted_fwd_bps,omitempty"`
	GrantedRetBps    uint64 `json:"granted_ret_bps,omitempty"`
	QoSLevel         uint8  `json:"qos_level,omitempty"`
	PriorityClass    uint8  `json:"priority_class,omitempty"`
	GatewayIP        string `json:"gateway_ip,omitempty"`
}

// kbpsToBps converts the internal kbps bookkeeping unit to bps for CAA's
// granted bandwidth (§4.8 common handler rules); CCR requests and answers
// carry kbps and are not converted.
func kbpsToBps(kbps uint32) uint64 { return uint64(kbps) * 1000 }

// HandleCAR authenticates a client and opens a new session in StateInit,
// transitioning it to StateAuthenticated on success (§4.8 steps 1-5).
func (h *Handlers) HandleCAR(ctx context.Context, env *wire.Envelope) *wire.Envelope {
	ctx, span := tracer.Start(ctx, "protocol.HandleCAR")
	defer span.End()

	var req CARequest
	if err := env.DecodeBody(&req); err != nil {
		return h.errAnswer(env, wire.CmdClientAuthenticationAck, wire.ResultMissingMandatory, wire.StatusMissingField, err.Error())
	}

	profile := h.Config.ClientByUsername(req.Username)
	if profile == nil {
		profile = h.Config.ClientByOriginHost(env.OriginHost)
	}
	if profile == nil || !secretMatches(profile.ClientSecret, req.ClientSecret) {
		h.Logger.Warn("car authentication rejected", zap.String("username", req.Username))
		return h.errAnswer(env, wire.CmdClientAuthenticationAck, wire.ResultAuthRejected, wire.StatusAuthFailed, "authentication failed")
	}
	if profile.SourceIPPin != "" && profile.SourceIPPin != req.SourceIP {
		return h.errAnswer(env, wire.CmdClientAuthenticationAck, wire.ResultAuthRejected, wire.StatusIPMismatch, "source ip does not match pinned address")
	}

	if profile.Session.MaxConcurrentSessions > 0 &&
		h.Sessions.CountForUsername(profile.Username) >= profile.Session.MaxConcurrentSessions {
		return h.errAnswer(env, wire.CmdClientAuthenticationAck, wire.ResultUnableToComply, wire.StatusQueueFull, "max concurrent sessions reached")
	}

	sessionID := newSessionID()
	sess, err := h.Sessions.Create(sessionID, profile.Username, env.OriginHost, profile)
	if err != nil {
		return h.errAnswer(env, wire.CmdClientAuthenticationAck, wire.ResultTooBusy, wire.StatusQueueFull, err.Error())
	}
	if err := sess.Transition(session.StateAuthenticated); err != nil {
		return h.errAnswer(env, wire.CmdClientAuthenticationAck, wire.ResultUnableToComply, wire.StatusInvalidState, err.Error())
	}

	lifetime := h.Config.Gateway.AuthLifetime
	sess.SetAuthExpiry(time.Now().Add(lifetime))

	if req.SourceIP != "" {
		if err := h.Data.AllowControl(ctx, req.SourceIP); err != nil {
			h.Logger.Warn("failed to whitelist control source", zap.Error(err))
		}
	}

	h.Logger.Info("session authenticated",
		zap.String("session_id", sessionID),
		zap.String("username", profile.Username),
	)

	if req.StatusSubscribe != nil {
		level := downgradeStatusLevel(profile, *req.StatusSubscribe)
		h.Push.Subscribe(sessionID)
		h.Logger.Info("status subscription granted", zap.String("session_id", sessionID), zap.Uint8("level", level))
	}

	ans := CAAnswer{SessionID: sessionID, AuthLifetimeS: uint32(lifetime.Seconds()), GracePeriodS: uint32(h.Config.Gateway.AuthGrace.Seconds())}

	if req.CommRequest != nil {
		lat, lon, alt, onGround, airport, phase, degraded := h.Aircraft.Current()
		state := policy.AircraftState{Lat: lat, Lon: lon, AltitudeFt: alt, OnGround: onGround, Airport: airport, FlightPhase: phase, Degraded: degraded}
		if cond := h.checkActivationConditions(sess, phase, alt, airport); cond != wire.StatusCode(0) {
			h.Logger.Info("car activation conditions not met, session stays authenticated",
				zap.String("session_id", sessionID), zap.Uint32("status", uint32(cond)))
		} else {
			grant, status, err := h.admitBandwidth(ctx, sess, req.CommRequest, state, phase)
			if err != nil {
				h.Logger.Warn("car zero-rtt allocation failed", zap.String("session_id", sessionID), zap.Error(err))
				_ = status
			} else {
				ans.LinkID = grant.DLMID
				ans.BearerID = grant.BearerID
				ans.GrantedFwdBps = kbpsToBps(grant.GrantedFwdKbps)
				ans.GrantedRetBps = kbpsToBps(grant.GrantedRetKbps)
				ans.QoSLevel = grant.QoSLevel
				ans.PriorityClass = req.CommRequest.PriorityClass
				ans.GatewayIP = grant.GatewayIP
			}
		}
	}

	out := &wire.Envelope{
		Command:    wire.CmdClientAuthenticationAck,
		HopByHopID: env.HopByHopID,
		SessionID:  sessionID,
		Result:     wire.ResultSuccess,
	}
	_ = out.EncodeBody(ans)
	return out
}

// downgradeStatusLevel reduces a requested detailed-status level (6/7) to
// its summary counterpart (2/3) when the client's profile does not permit
// detailed status (§4.8 CAR step 3, §4.8 SXR).
func downgradeStatusLevel(profile *config.ClientProfile, level uint8) uint8 {
	if (level == 6 || level == 7) && !profile.Session.AllowDetailedStatus {
		return level - 4
	}
	return level
}

// checkActivationConditions runs §4.8 CAR step 4 / CCR's flight-phase and
// location checks, returning the zero StatusCode when every condition
// passes or the specific violation code otherwise.
func (h *Handlers) checkActivationConditions(sess *session.Session, phase string, alt float64, airport string) wire.StatusCode {
	if !sess.Profile.Session.PhaseAllowed(phase) {
		return wire.StatusPhaseNotAllowed
	}
	if !config.ParseAltitudeSpec(sess.Profile.Session.AllowedAltitudeRange).Admits(alt) {
		return wire.StatusAltitudeDenied
	}
	if !config.ParseAirportSpec(sess.Profile.Session.AllowedAirports).Admits(airport) {
		return wire.StatusAirportDenied
	}
	return wire.StatusCode(0)
}

// admitBandwidth runs the quota/classify/rank/reserve/dataplane/CDR
// pipeline shared by CAR's zero-RTT allocation and CCR's Start/Modify
// execute step (§4.8 step 5, §4.8 CCR step 4). On success it transitions
// the session to Active, installs any submitted TFT, and opens a CDR if
// one is not already open.
func (h *Handlers) admitBandwidth(ctx context.Context, sess *session.Session, req *CommRequest, state policy.AircraftState, phase string) (*bandwidthGrant, wire.StatusCode, error) {
	grantFwd, grantRet, ok := sess.Grant(req.RequestedFwdKbps, req.RequestedRetKbps)
	if !ok {
		return nil, wire.StatusNoBandwidth, fmt.Errorf("requested bandwidth exceeds client quota")
	}

	resp := h.Policy.Evaluate(policy.PolicyRequest{
		ProfileName:      req.ProfileName,
		RequestedFwdKbps: grantFwd,
		RequestedRetKbps: grantRet,
		PriorityClass:    req.PriorityClass,
		QoSLevel:         req.QoSLevel,
		FlightPhase:      phase,
		Aircraft:         state,
		CurrentLinkID:    sess.CurrentDLMID(),
		Dwell:            time.Since(sess.LastLinkSwitchAt()),
		ClientLink:       &sess.Profile.Link,
	}, nil, nil)
	if !resp.Success {
		return nil, wire.StatusNoBandwidth, fmt.Errorf("policy denied: %s", resp.Reason)
	}

	candidateIDs := []string{resp.SelectedDLMID}
	mark := sess.Mark()
	res, err := h.DLM.ReserveWithFallback(ctx, candidateIDs, sess.ID, mark, grantFwd, grantRet, resp.EffectiveQoS)
	if err != nil {
		return nil, wire.StatusNoBandwidth, err
	}

	dlmCfg := h.Config.DLMByID(res.DLMID)
	if dlmCfg == nil {
		return nil, wire.StatusUnknown, fmt.Errorf("dlm configuration missing for %s", res.DLMID)
	}
	if err := h.Data.InstallRoute(ctx, dataplane.Route{Mark: mark, Table: dlmCfg.RoutingTable, DLMID: res.DLMID}); err != nil {
		return nil, wire.StatusLinkError, err
	}
	if req.TFT != nil {
		sess.InstallTFT(req.TFT)
		if err := h.Data.InstallTFT(ctx, dataplane.TFTRule{
			SessionID: sess.ID, Mark: mark, Protocol: req.TFT.Protocol,
			DestIPRange: req.TFT.DestIPRange, SrcPortRange: req.TFT.SrcPortRange,
			DstPortRange: req.TFT.DstPortRange, Priority: req.TFT.Priority,
		}); err != nil {
			h.Logger.Warn("tft install failed", zap.Error(err))
		}
	}

	sess.Allocate(session.Allocation{DLMID: res.DLMID, ForwardKbps: res.GrantedForward, ReturnKbps: res.GrantedReturn, QoSLevel: resp.EffectiveQoS})
	if st := sess.State(); st == session.StateAuthenticated {
		_ = sess.Transition(session.StateActive)
	}
	if h.CDRs.Get(sess.ID) == nil {
		if _, err := h.CDRs.Open(sess.ID, sess.OriginHost, res.DLMID, 0); err != nil {
			h.Logger.Warn("cdr open failed", zap.Error(err))
		}
	}

	return &bandwidthGrant{
		DLMID: res.DLMID, BearerID: mark,
		GrantedFwdKbps: res.GrantedForward, GrantedRetKbps: res.GrantedReturn,
		QoSLevel: resp.EffectiveQoS, GatewayIP: dlmCfg.GatewayAddress,
	}, wire.StatusCode(0), nil
}

// secretMatches performs a constant-time comparison. Client secrets are
// configured in cleartext YAML (there is no stored hash to compare
// against), so the only meaningful hardening left is avoiding a
// timing side channel on the comparison itself.
func secretMatches(expected, got string) bool {
	if len(expected) != len(got) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

func newSessionID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// ===== CCR/CCA : communication change (bandwidth/link negotiation) ========

// CCRequest is the decoded body of an MCCR envelope (§4.8 steps 6-12). It
// embeds CommRequest since a communication change carries the same
// bandwidth/QoS/TFT parameters CAR's zero-RTT path does.
type CCRequest struct {
	CommRequest
}

// ccIntent is the routed outcome of a CCR, derived from the session's
// current state and the request's parameters rather than carried
// explicitly on the wire (§4.8 CCR step 3).
type ccIntent string

const (
	intentStop   ccIntent = "stop"
	intentStart  ccIntent = "start"
	intentModify ccIntent = "modify"
	intentQueue  ccIntent = "queue"
)

// deriveIntent routes a CCR to one of Stop/Start/Modify (§4.8 CCR step 3).
// A request for zero bandwidth that does not ask to be kept pending is a
// Stop; otherwise a session already carrying an allocation is Modify, and
// one without is Start. Queue is not derived here: it is the execute
// step's fallback for Start/Modify when admission cannot be granted
// immediately but the client set KeepRequest.
func deriveIntent(sess *session.Session, req *CommRequest) ccIntent {
	if req.RequestedFwdKbps == 0 && req.RequestedRetKbps == 0 && !req.KeepRequest {
		return intentStop
	}
	if sess.State() == session.StateActive {
		return intentModify
	}
	return intentStart
}

// CCAnswer is the body returned on an MCCA envelope. LinkID carries the
// granting DLM's id on Start/Modify, or the sentinel "QUEUED"/"NONE" when
// the intent did not result in an active allocation.
type CCAnswer struct {
	Intent         string `json:"intent"`
	GrantedFwdKbps uint32 `json:"granted_fwd_kbps,omitempty"`
	GrantedRetKbps uint32 `json:"granted_ret_kbps,omitempty"`
	DLMID          string `json:"dlm_id,omitempty"`
	BearerID       uint32 `json:"bearer_id,omitempty"`
	LinkID         string `json:"link_id,omitempty"`
}

// HandleCCR validates the request, checks its TFT against the client's
// whitelist atomically, routes it to a Stop/Start/Modify/Queue intent, and
// executes that intent (§4.8 steps 6-12). All DLM/dataplane I/O happens
// with no lock held (§5 invariant): Store.mu and each Session's mutex are
// taken only inside their own short accessor methods.
func (h *Handlers) HandleCCR(ctx context.Context, env *wire.Envelope) *wire.Envelope {
	ctx, span := tracer.Start(ctx, "protocol.HandleCCR")
	defer span.End()

	sess := h.Sessions.Get(env.SessionID)
	if sess == nil {
		return h.errAnswer(env, wire.CmdCommunicationChangeAck, wire.ResultUnknownSession, wire.StatusUnknownSession, "unknown session")
	}
	if sess.AuthExpired() {
		return h.errAnswer(env, wire.CmdCommunicationChangeAck, wire.ResultUnknownSession, wire.StatusSessionTimeout, "authentication expired")
	}
	switch sess.State() {
	case session.StateAuthenticated, session.StateActive:
	default:
		return h.errAnswer(env, wire.CmdCommunicationChangeAck, wire.ResultUnableToComply, wire.StatusInvalidState, "session not in a state that accepts communication changes")
	}

	var req CCRequest
	if err := env.DecodeBody(&req); err != nil {
		return h.errAnswer(env, wire.CmdCommunicationChangeAck, wire.ResultMissingMandatory, wire.StatusMissingField, err.Error())
	}
	if cond := validateTFT(sess.Profile, req.TFT); cond != wire.StatusCode(0) {
		return h.errAnswer(env, wire.CmdCommunicationChangeAck, wire.ResultInvalidValue, cond, "tft rejected by whitelist")
	}

	intent := deriveIntent(sess, &req.CommRequest)
	switch intent {
	case intentStop:
		h.Queue.Remove(sess.ID)
		h.executeStop(ctx, sess)
		ans := &wire.Envelope{Command: wire.CmdCommunicationChangeAck, HopByHopID: env.HopByHopID, SessionID: sess.ID, Result: wire.ResultSuccess}
		_ = ans.EncodeBody(CCAnswer{Intent: string(intentStop), LinkID: "NONE"})
		return ans

	default: // intentStart, intentModify
		lat, lon, alt, onGround, airport, phase, degraded := h.Aircraft.Current()
		state := policy.AircraftState{Lat: lat, Lon: lon, AltitudeFt: alt, OnGround: onGround, Airport: airport, FlightPhase: phase, Degraded: degraded}
		if cond := h.checkActivationConditions(sess, phase, alt, airport); cond != wire.StatusCode(0) {
			return h.errAnswer(env, wire.CmdCommunicationChangeAck, wire.ResultUnableToComply, cond, "activation conditions not met")
		}

		grant, status, err := h.admitBandwidth(ctx, sess, &req.CommRequest, state, phase)
		if err != nil {
			if status == wire.StatusNoBandwidth && req.KeepRequest {
				priority := priorityFor(req.PriorityClass)
				if _, qerr := h.Queue.Enqueue(sess.ID, &req.CommRequest, priority); qerr != nil {
					return h.errAnswer(env, wire.CmdCommunicationChangeAck, wire.ResultUnableToComply, wire.StatusQueueFull, qerr.Error())
				}
				ans := &wire.Envelope{Command: wire.CmdCommunicationChangeAck, HopByHopID: env.HopByHopID, SessionID: sess.ID, Result: wire.ResultSuccess}
				_ = ans.EncodeBody(CCAnswer{Intent: string(intentQueue), LinkID: "QUEUED"})
				return ans
			}
			return h.errAnswer(env, wire.CmdCommunicationChangeAck, wire.ResultUnableToComply, status, err.Error())
		}

		h.Queue.Remove(sess.ID)
		ans := &wire.Envelope{Command: wire.CmdCommunicationChangeAck, HopByHopID: env.HopByHopID, SessionID: sess.ID, Result: wire.ResultSuccess}
		_ = ans.EncodeBody(CCAnswer{
			Intent: string(intent), GrantedFwdKbps: grant.GrantedFwdKbps,
			GrantedRetKbps: grant.GrantedRetKbps, DLMID: grant.DLMID, BearerID: grant.BearerID, LinkID: grant.DLMID,
		})
		return ans
	}
}

// executeStop releases every DLM allocation and dataplane route the
// session currently holds and returns it to Authenticated, without
// terminating it (§4.8 CCR Stop intent; §4.1 Active->Authenticated edge).
func (h *Handlers) executeStop(ctx context.Context, sess *session.Session) {
	mark := sess.Mark()
	seen := make(map[string]bool)
	for _, alloc := range sess.Allocations() {
		if seen[alloc.DLMID] {
			continue
		}
		seen[alloc.DLMID] = true
		if adapter := h.DLM.Adapter(alloc.DLMID); adapter != nil {
			if err := adapter.Release(ctx, sess.ID, mark); err != nil {
				h.Logger.Warn("dlm release failed", zap.String("dlm_id", alloc.DLMID), zap.Error(err))
			}
		}
		sess.Deallocate(alloc.DLMID)
	}
	if err := h.Data.RemoveRoute(ctx, mark); err != nil {
		h.Logger.Warn("dataplane route removal failed", zap.Error(err))
	}
	if sess.State() == session.StateActive {
		_ = sess.Transition(session.StateAuthenticated)
	}
}

// validateTFT enforces the client's protocol and destination-range
// whitelist atomically: a TFT is either fully accepted or fully rejected,
// never partially installed (§4.8 CCR step 2).
func validateTFT(profile *config.ClientProfile, tft *session.TFT) wire.StatusCode {
	if tft == nil {
		return wire.StatusCode(0)
	}
	if len(profile.Traffic.AllowedProtocols) > 0 && !stringInSlice(profile.Traffic.AllowedProtocols, tft.Protocol) {
		return wire.StatusTFTInvalid
	}
	if len(profile.Traffic.TFTWhitelist) > 0 && !cidrWhitelisted(profile.Traffic.TFTWhitelist, tft.DestIPRange) {
		return wire.StatusTFTInvalid
	}
	return wire.StatusCode(0)
}

func stringInSlice(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// cidrWhitelisted reports whether candidate (a CIDR range or bare address)
// falls within one of the whitelist CIDR entries.
func cidrWhitelisted(whitelist []string, candidate string) bool {
	ip, _, err := net.ParseCIDR(candidate)
	if err != nil {
		ip = net.ParseIP(candidate)
		if ip == nil {
			return false
		}
	}
	for _, w := range whitelist {
		_, wNet, err := net.ParseCIDR(w)
		if err != nil {
			continue
		}
		if wNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ProcessQueue retries every queued CCR in priority order, admitting what
// it can and expiring entries that have waited past the queue timeout
// (§4.8 CCR step 4). Intended to run periodically from the orchestrator's
// maintenance loop, outside of any single request's handling.
func (h *Handlers) ProcessQueue(ctx context.Context, now time.Time) {
	for _, entry := range h.Queue.ExpireOlderThan(now, ccQueueTimeout) {
		h.Logger.Info("ccr queue entry expired", zap.String("session_id", entry.SessionID), zap.Int("retry_count", entry.RetryCount))
	}

	for _, entry := range h.Queue.Ordered() {
		sess := h.Sessions.Get(entry.SessionID)
		if sess == nil {
			h.Queue.Remove(entry.SessionID)
			continue
		}
		lat, lon, alt, onGround, airport, phase, degraded := h.Aircraft.Current()
		state := policy.AircraftState{Lat: lat, Lon: lon, AltitudeFt: alt, OnGround: onGround, Airport: airport, FlightPhase: phase, Degraded: degraded}
		grant, _, err := h.admitBandwidth(ctx, sess, entry.Req, state, phase)
		if err != nil {
			continue
		}
		h.Queue.Remove(entry.SessionID)
		h.Push.Notify(entry.SessionID, notify.NotifyParams{
			StatusCode: wire.StatusCode(0), NewGrantedFwd: grant.GrantedFwdKbps, NewGrantedRet: grant.GrantedRetKbps,
			NewLinkID: grant.DLMID, NewBearerID: grant.BearerID, NewGatewayIP: grant.GatewayIP, Force: true,
		})
	}
}

// ===== STR/STA : session termination =======================================

// HandleSTR tears down a session: releases every DLM allocation, removes
// dataplane state, closes the CDR, and forgets push state (§4.8 step 13).
func (h *Handlers) HandleSTR(ctx context.Context, env *wire.Envelope) *wire.Envelope {
	ctx, span := tracer.Start(ctx, "protocol.HandleSTR")
	defer span.End()

	sess := h.Sessions.Get(env.SessionID)
	if sess == nil {
		return h.errAnswer(env, wire.CmdSessionTerminationAck, wire.ResultUnknownSession, wire.StatusUnknownSession, "unknown session")
	}
	_ = sess.Transition(session.StateTerminating)

	mark := sess.Mark()
	for _, alloc := range sess.Allocations() {
		if adapter := h.DLM.Adapter(alloc.DLMID); adapter != nil {
			if err := adapter.Release(ctx, sess.ID, mark); err != nil {
				h.Logger.Warn("dlm release failed", zap.String("dlm_id", alloc.DLMID), zap.Error(err))
			}
		}
		if err := h.Data.RemoveRoute(ctx, mark); err != nil {
			h.Logger.Warn("dataplane route removal failed", zap.Error(err))
		}
	}
	if len(sess.TFTs()) > 0 {
		_ = h.Data.RemoveTFT(ctx, sess.ID, fmt.Sprintf("%d", mark))
	}

	if h.CDRs.Get(sess.ID) != nil {
		if err := h.CDRs.Close(sess.ID); err != nil {
			h.Logger.Warn("cdr close failed", zap.Error(err))
		}
	}
	h.Push.Forget(sess.ID)

	_ = sess.Transition(session.StateClosed)
	h.Sessions.Remove(sess.ID)

	return &wire.Envelope{
		Command:    wire.CmdSessionTerminationAck,
		HopByHopID: env.HopByHopID,
		SessionID:  env.SessionID,
		Result:     wire.ResultSuccess,
	}
}

// ===== SCR/SCA : subscribe to status broadcasts ============================

// HandleSCR subscribes a session to MSCR broadcasts if its client
// profile's AllowDetailedStatus permission is set, and refuses otherwise.
// It never unsubscribes.
func (h *Handlers) HandleSCR(ctx context.Context, env *wire.Envelope) *wire.Envelope {
	sess := h.Sessions.Get(env.SessionID)
	if sess == nil {
		return h.errAnswer(env, wire.CmdStatusChangeAck, wire.ResultUnknownSession, wire.StatusUnknownSession, "unknown session")
	}
	if !sess.Profile.Session.AllowDetailedStatus {
		return h.errAnswer(env, wire.CmdStatusChangeAck, wire.ResultUnableToComply, wire.StatusAuthFailed, "subscription not permitted for this client")
	}
	h.Push.Subscribe(sess.ID)
	return &wire.Envelope{Command: wire.CmdStatusChangeAck, HopByHopID: env.HopByHopID, SessionID: env.SessionID, Result: wire.ResultSuccess}
}

// ===== SXR/SXA : on-demand status request ==================================

// defaultStatusRequestRateLimit applies when a client profile leaves
// StatusRequestRateLimit unset (§4.8 SXR rate limiting).
const defaultStatusRequestRateLimit = 5 * time.Second

// SXRequest is the decoded body of an SXR envelope. StatusType follows the
// same 1-7 scale as CAR's status_subscribe level (§4.8 CAR step 3).
type SXRequest struct {
	StatusType uint8 `json:"status_type"`
}

// dlmStatusEntry reports one DLM's configured capacity and current
// aggregate allocation, filtered to the DLMs the requesting client's link
// policy allows (§4.8 SXR).
type dlmStatusEntry struct {
	DLMID            string `json:"dlm_id"`
	ForwardBWKbps    uint32 `json:"forward_bw_kbps"`
	ReturnBWKbps     uint32 `json:"return_bw_kbps"`
	AllocatedFwdKbps uint32 `json:"allocated_fwd_kbps"`
	AllocatedRetKbps uint32 `json:"allocated_ret_kbps"`
	AllocatedLinks   int    `json:"allocated_links"`
}

// SXAnswer reports a session's current allocations, link state, and (at
// higher status-type levels) registered-client and DLM summaries.
type SXAnswer struct {
	StatusType        uint8                `json:"status_type"`
	State             string               `json:"state"`
	Allocations       []session.Allocation `json:"allocations"`
	RegisteredClients []string             `json:"registered_clients,omitempty"`
	DLMs              []dlmStatusEntry     `json:"dlms,omitempty"`
}

// HandleSXR answers an on-demand status query for the calling session,
// enforcing the client's status-request rate limit and downgrading
// detailed-status levels the profile does not permit (§4.8 SXR).
func (h *Handlers) HandleSXR(ctx context.Context, env *wire.Envelope) *wire.Envelope {
	sess := h.Sessions.Get(env.SessionID)
	if sess == nil {
		return h.errAnswer(env, wire.CmdStatusAnswer, wire.ResultUnknownSession, wire.StatusUnknownSession, "unknown session")
	}

	limit := sess.Profile.Session.StatusRequestRateLimit
	if limit <= 0 {
		limit = defaultStatusRequestRateLimit
	}
	if !sess.CheckStatusRequestRate(limit) {
		return h.errAnswer(env, wire.CmdStatusAnswer, wire.ResultUnableToComply, wire.StatusQueueFull, "status request rate limit exceeded")
	}

	var req SXRequest
	_ = env.DecodeBody(&req) // status_type is optional; zero value is the summary level

	level := downgradeStatusLevel(sess.Profile, req.StatusType)
	ans := SXAnswer{StatusType: level, State: string(sess.State()), Allocations: sess.Allocations()}
	if level >= 2 {
		ans.RegisteredClients = h.registeredClients()
	}
	if level >= 3 {
		ans.DLMs = h.dlmStatusList(sess.Profile)
	}

	out := &wire.Envelope{Command: wire.CmdStatusAnswer, HopByHopID: env.HopByHopID, SessionID: env.SessionID, Result: wire.ResultSuccess}
	_ = out.EncodeBody(ans)
	return out
}

// registeredClients lists the distinct usernames with at least one
// non-closed session, deduplicating multi-session clients.
func (h *Handlers) registeredClients() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range h.Sessions.All() {
		if s.State() == session.StateClosed || seen[s.Username] {
			continue
		}
		seen[s.Username] = true
		out = append(out, s.Username)
	}
	sort.Strings(out)
	return out
}

// dlmStatusList reports every DLM the client's link policy allows, with
// its configured capacity and the aggregate bandwidth/link count currently
// allocated to it across all sessions.
func (h *Handlers) dlmStatusList(profile *config.ClientProfile) []dlmStatusEntry {
	var out []dlmStatusEntry
	for _, id := range h.DLM.IDs() {
		if !profile.Link.Allows(id) {
			continue
		}
		cfg := h.Config.DLMByID(id)
		if cfg == nil {
			continue
		}
		entry := dlmStatusEntry{DLMID: id, ForwardBWKbps: cfg.ForwardBWKbps, ReturnBWKbps: cfg.ReturnBWKbps}
		for _, s := range h.Sessions.All() {
			for _, a := range s.Allocations() {
				if a.DLMID == id {
					entry.AllocatedFwdKbps += a.ForwardKbps
					entry.AllocatedRetKbps += a.ReturnKbps
					entry.AllocatedLinks++
				}
			}
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DLMID < out[j].DLMID })
	return out
}

// ===== ADR/ADA : accounting data request ===================================

// cdrType selects whether ADR returns bare ids or full record content
// (§4.8 ADR).
type cdrType string

const (
	cdrTypeList cdrType = "list"
	cdrTypeData cdrType = "data"
)

// cdrLevel selects ADR's isolation scope (§4.8 ADR).
type cdrLevel string

const (
	cdrLevelAll              cdrLevel = "all"
	cdrLevelUserDependent    cdrLevel = "user_dependent"
	cdrLevelSessionDependent cdrLevel = "session_dependent"
)

// ADRequest is the decoded body of an ADR envelope. TargetSessionID is
// only consulted under SessionDependent isolation.
type ADRequest struct {
	CDRType         cdrType  `json:"cdr_type"`
	CDRLevel        cdrLevel `json:"cdr_level"`
	TargetSessionID string   `json:"target_session_id,omitempty"`
}

// cdrGroups is ADR's four-way partition of matching records (§4.8 ADR).
// Forwarded is always empty: this gateway never forwards CDRs to a
// downstream aggregation point, so the group exists on the wire but is
// never populated.
type cdrGroups struct {
	Active    []string `json:"active"`
	Finished  []string `json:"finished"`
	Forwarded []string `json:"forwarded"`
	Unknown   []string `json:"unknown"`
}

// ADAnswer is the body returned on an ADA envelope.
type ADAnswer struct {
	Groups cdrGroups `json:"groups"`
}

// HandleADR answers an accounting-data query with the CDR ids (List) or
// summarized content (Data) visible to the requester under the requested
// isolation level (§4.8 ADR).
func (h *Handlers) HandleADR(ctx context.Context, env *wire.Envelope) *wire.Envelope {
	sess := h.Sessions.Get(env.SessionID)
	if sess == nil {
		return h.errAnswer(env, wire.CmdAccountingDataAck, wire.ResultUnknownSession, wire.StatusUnknownSession, "unknown session")
	}

	var req ADRequest
	if err := env.DecodeBody(&req); err != nil {
		return h.errAnswer(env, wire.CmdAccountingDataAck, wire.ResultMissingMandatory, wire.StatusMissingField, err.Error())
	}

	active := h.CDRs.Active()
	finished, err := h.CDRs.Finished()
	if err != nil {
		h.Logger.Warn("cdr archive scan failed", zap.Error(err))
	}

	switch req.CDRLevel {
	case cdrLevelSessionDependent:
		active = filterBySession(active, req.TargetSessionID)
		finished = filterBySession(finished, req.TargetSessionID)
	case cdrLevelAll:
		// no filter: every record the manager knows about is visible
	default: // cdrLevelUserDependent and the unset default
		active = filterByClient(active, sess.OriginHost)
		finished = filterByClient(finished, sess.OriginHost)
	}

	groups := cdrGroups{Forwarded: []string{}}
	for _, rec := range active {
		groups.Active = append(groups.Active, cdrEntryString(rec, req.CDRType))
	}
	for _, rec := range finished {
		groups.Finished = append(groups.Finished, cdrEntryString(rec, req.CDRType))
	}
	if req.CDRLevel == cdrLevelSessionDependent && req.TargetSessionID != "" && len(active)+len(finished) == 0 {
		groups.Unknown = append(groups.Unknown, req.TargetSessionID)
	}

	ans := &wire.Envelope{Command: wire.CmdAccountingDataAck, HopByHopID: env.HopByHopID, SessionID: env.SessionID, Result: wire.ResultSuccess}
	_ = ans.EncodeBody(ADAnswer{Groups: groups})
	return ans
}

func filterBySession(recs []cdr.Record, sessionID string) []cdr.Record {
	if sessionID == "" {
		return nil
	}
	out := recs[:0]
	for _, r := range recs {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out
}

func filterByClient(recs []cdr.Record, clientID string) []cdr.Record {
	out := recs[:0]
	for _, r := range recs {
		if r.ClientID == clientID {
			out = append(out, r)
		}
	}
	return out
}

// cdrEntryString renders one record per the requested CDRType: List
// returns the bare cdr-id, Data returns a key=value summary.
func cdrEntryString(rec cdr.Record, t cdrType) string {
	if t == cdrTypeData {
		return fmt.Sprintf("cdr_id=%d session_id=%s status=%s bytes_in=%d bytes_out=%d",
			rec.CDRID, rec.SessionID, rec.Status, rec.BytesIn, rec.BytesOut)
	}
	return fmt.Sprintf("%d", rec.CDRID)
}

// ===== ACR/ACA : accounting control (rollover) ==============================

// ACRequest is the decoded body of an ACR envelope. TargetSessionID names
// the session whose CDR should be rolled over; an empty value means "roll
// over the requester's own session" (§4.8 ACR).
type ACRequest struct {
	TargetSessionID string `json:"target_session_id,omitempty"`
}

// acrPermitted implements the cross-session permission rule (§4.8 ACR):
// a requester may always roll over its own client's sessions, and may
// roll over another client's session only if its own profile grants
// cross-client CDR control.
func acrPermitted(requester, target *session.Session) bool {
	if requester.Username == target.Username {
		return true
	}
	return requester.Profile.Session.AllowCDRControl
}

// HandleACR rolls a session's current CDR over into a fresh record
// without disconnecting it (§4.5, "bill splitting"). The requester and
// the target whose CDR is rolled over may be distinct sessions, gated by
// acrPermitted rather than the requester's own AllowCDRControl flag alone.
func (h *Handlers) HandleACR(ctx context.Context, env *wire.Envelope) *wire.Envelope {
	requester := h.Sessions.Get(env.SessionID)
	if requester == nil {
		return h.errAnswer(env, wire.CmdAccountingControlAck, wire.ResultUnknownSession, wire.StatusUnknownSession, "unknown session")
	}

	var req ACRequest
	if err := env.DecodeBody(&req); err != nil {
		return h.errAnswer(env, wire.CmdAccountingControlAck, wire.ResultMissingMandatory, wire.StatusMissingField, err.Error())
	}

	target := requester
	if req.TargetSessionID != "" && req.TargetSessionID != requester.ID {
		target = h.Sessions.Get(req.TargetSessionID)
		if target == nil {
			return h.errAnswer(env, wire.CmdAccountingControlAck, wire.ResultUnknownSession, wire.StatusUnknownSession, "unknown target session")
		}
	}
	if !acrPermitted(requester, target) {
		return h.errAnswer(env, wire.CmdAccountingControlAck, wire.ResultUnableToComply, wire.StatusCDRControlDenied, "cdr control not permitted across these sessions")
	}

	result, err := h.CDRs.Rollover(target.ID)
	if err != nil {
		return h.errAnswer(env, wire.CmdAccountingControlAck, wire.ResultUnableToComply, wire.StatusCDRControlDenied, err.Error())
	}
	ans := &wire.Envelope{Command: wire.CmdAccountingControlAck, HopByHopID: env.HopByHopID, SessionID: env.SessionID, Result: wire.ResultSuccess}
	_ = ans.EncodeBody(result)
	return ans
}

// ===== NTA : acknowledgement of a server-pushed NTR ========================

// HandleNTA records the client's acknowledgement of a previously pushed
// NTR so the push engine's single-in-flight constraint releases.
func (h *Handlers) HandleNTA(ctx context.Context, env *wire.Envelope) {
	h.Push.AckReceived(env.SessionID, env.HopByHopID)
}

// errAnswer builds a failure envelope carrying both the protocol-level
// result and the MAGIC status code, per the Open Question decision in
// DESIGN.md: success is never reported unless the operation was actually
// admitted.
func (h *Handlers) errAnswer(req *wire.Envelope, cmd wire.Command, result wire.ResultCode, status wire.StatusCode, msg string) *wire.Envelope {
	return &wire.Envelope{
		Command:      cmd,
		HopByHopID:   req.HopByHopID,
		SessionID:    req.SessionID,
		Result:       result,
		Status:       status,
		ErrorMessage: msg,
	}
}

// Dispatch routes an incoming envelope to its handler by command, the
// single switchboard the per-connection worker (internal/server) calls
// for every request it reads off the wire.
func (h *Handlers) Dispatch(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	switch env.Command {
	case wire.CmdClientAuthentication:
		return h.HandleCAR(ctx, env), nil
	case wire.CmdCommunicationChange:
		return h.HandleCCR(ctx, env), nil
	case wire.CmdSessionTermination:
		return h.HandleSTR(ctx, env), nil
	case wire.CmdStatusChangeReport:
		return h.HandleSCR(ctx, env), nil
	case wire.CmdStatusRequest:
		return h.HandleSXR(ctx, env), nil
	case wire.CmdAccountingData:
		return h.HandleADR(ctx, env), nil
	case wire.CmdAccountingControl:
		return h.HandleACR(ctx, env), nil
	case wire.CmdNotificationAck:
		h.HandleNTA(ctx, env)
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported command %q", env.Command)
	}
}
