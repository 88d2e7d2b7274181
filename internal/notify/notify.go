// Package notify implements the server-push engine (C10): per-session
// NTR notifications (link loss, bandwidth change, session timeout) with
// storm suppression and a single-in-flight acknowledgement wait, plus
// subscription-gated MSCR broadcasts of link status to every interested
// session. Directly grounded on the original MAGIC CIC push module's MNTR
// suppression constants and MSCR parameter shape.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/magic-gateway/internal/wire"
)

const (
	minInterval      = 1 * time.Second
	bwChangeThreshold = 0.10 // 10%
	ackTimeout       = 5 * time.Second
)

// StatusChangeType enumerates MSCR broadcast reasons (§4.1.3.4).
type StatusChangeType string

const (
	ChangeDLMUp        StatusChangeType = "dlm_up"
	ChangeDLMDown      StatusChangeType = "dlm_down"
	ChangeDLMDegraded  StatusChangeType = "dlm_degraded"
	ChangeClientJoin   StatusChangeType = "client_join"
	ChangeClientLeave  StatusChangeType = "client_leave"
)

// NotifyParams is the payload of a single NTR push to one session.
type NotifyParams struct {
	StatusCode      wire.StatusCode
	ErrorMessage    string
	NewGrantedFwd   uint32
	NewGrantedRet   uint32
	NewLinkID       string
	NewBearerID     uint32
	NewGatewayIP    string
	Force           bool // bypasses storm suppression entirely
}

// BroadcastParams is the payload of one MSCR sent to every subscribed
// session.
type BroadcastParams struct {
	Type               StatusChangeType
	StatusCode         wire.StatusCode
	ErrorMessage       string
	DLMName            string
	DLMAvailable       bool
	MaxBandwidthKbps   float64
	AllocatedBandwidth float64
}

// Sender delivers a framed envelope to a specific session's connection.
// Implemented by internal/server; kept as an interface here so notify has
// no dependency on the transport package.
type Sender interface {
	SendToSession(sessionID string, env *wire.Envelope) error
}

// sessionPushState tracks per-session storm-suppression bookkeeping.
type sessionPushState struct {
	mu           sync.Mutex
	lastSentAt   time.Time
	lastFwdKbps  uint32
	lastRetKbps  uint32
	inFlight     bool
	hopByHop     uint32
}

// Engine is the process-wide push engine. One per gateway.
type Engine struct {
	sender Sender
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionPushState
	subs     map[string]bool // sessionID -> subscribed to MSCR broadcasts

	nextHopByHop uint32
}

// NewEngine constructs an Engine that pushes through sender.
func NewEngine(sender Sender, logger *zap.Logger) *Engine {
	return &Engine{
		sender:   sender,
		logger:   logger,
		sessions: make(map[string]*sessionPushState),
		subs:     make(map[string]bool),
	}
}

func (e *Engine) stateFor(sessionID string) *sessionPushState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.sessions[sessionID]
	if !ok {
		st = &sessionPushState{}
		e.sessions[sessionID] = st
	}
	return st
}

// Forget removes a session's push state, called on session termination.
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	delete(e.subs, sessionID)
	e.mu.Unlock()
}

// Subscribe marks a session as eligible for MSCR broadcasts (§4.1.3.4);
// subscription level gating beyond a simple on/off is enforced by the
// caller using the client's SessionPolicy before calling this.
func (e *Engine) Subscribe(sessionID string) {
	e.mu.Lock()
	e.subs[sessionID] = true
	e.mu.Unlock()
}

// Unsubscribe removes a session from the MSCR broadcast list.
func (e *Engine) Unsubscribe(sessionID string) {
	e.mu.Lock()
	delete(e.subs, sessionID)
	e.mu.Unlock()
}

func (e *Engine) allocHopByHop() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextHopByHop++
	return e.nextHopByHop
}

// bandwidthChangeSignificant reports whether the new grant differs from
// the last-sent grant by at least the 10% storm-suppression threshold, in
// either direction.
func bandwidthChangeSignificant(lastFwd, lastRet, newFwd, newRet uint32) bool {
	changed := func(last, next uint32) bool {
		if last == 0 {
			return next != 0
		}
		delta := float64(next) - float64(last)
		if delta < 0 {
			delta = -delta
		}
		return delta/float64(last) >= bwChangeThreshold
	}
	return changed(lastFwd, newFwd) || changed(lastRet, newRet)
}

// Notify sends an NTR to sessionID, applying storm suppression (§4.1.3.3):
// a notification is sent if Force is set, or if at least minInterval has
// elapsed since the last send AND either the status code is non-success
// or the bandwidth change exceeds bwChangeThreshold. Only one NTR may be
// in flight (awaiting its NTA) per session at a time; a second Notify call
// while one is outstanding is dropped rather than queued, matching the
// original module's "never pile up notifications" discipline.
func (e *Engine) Notify(sessionID string, p NotifyParams) (sent bool) {
	st := e.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.inFlight && !p.Force {
		e.logger.Debug("ntr suppressed: ack still outstanding", zap.String("session_id", sessionID))
		return false
	}

	if !p.Force {
		if time.Since(st.lastSentAt) < minInterval {
			return false
		}
		significant := p.StatusCode != wire.ResultSuccess ||
			bandwidthChangeSignificant(st.lastFwdKbps, st.lastRetKbps, p.NewGrantedFwd, p.NewGrantedRet)
		if !significant {
			return false
		}
	}

	st.hopByHop = e.allocHopByHop()
	env := &wire.Envelope{
		Command:    wire.CmdNotificationReport,
		HopByHopID: st.hopByHop,
		SessionID:  sessionID,
		Status:     p.StatusCode,
		ErrorMessage: p.ErrorMessage,
	}
	_ = env.EncodeBody(p)

	if err := e.sender.SendToSession(sessionID, env); err != nil {
		e.logger.Warn("ntr send failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}

	st.lastSentAt = time.Now()
	st.lastFwdKbps = p.NewGrantedFwd
	st.lastRetKbps = p.NewGrantedRet
	st.inFlight = true
	return true
}

// AckReceived clears the in-flight flag for a session after its NTA
// arrives, matching hopByHop to the last outstanding NTR.
func (e *Engine) AckReceived(sessionID string, hopByHop uint32) {
	st := e.stateFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.hopByHop == hopByHop {
		st.inFlight = false
	}
}

// ExpireStaleAcks clears the in-flight flag for any session whose NTR has
// gone unacknowledged longer than ackTimeout, so a lost NTA never wedges
// future notifications to that session. Intended to run on a periodic
// sweep from the orchestrator.
func (e *Engine) ExpireStaleAcks() {
	e.mu.Lock()
	sessions := make([]*sessionPushState, 0, len(e.sessions))
	for _, st := range e.sessions {
		sessions = append(sessions, st)
	}
	e.mu.Unlock()

	for _, st := range sessions {
		st.mu.Lock()
		if st.inFlight && time.Since(st.lastSentAt) > ackTimeout {
			st.inFlight = false
		}
		st.mu.Unlock()
	}
}

// Broadcast sends an MSCR to every subscribed session (§4.1.3.4). Delivery
// failures are logged per-session and do not prevent delivery to others.
func (e *Engine) Broadcast(p BroadcastParams) {
	e.mu.Lock()
	targets := make([]string, 0, len(e.subs))
	for id := range e.subs {
		targets = append(targets, id)
	}
	e.mu.Unlock()

	for _, sessionID := range targets {
		env := &wire.Envelope{
			Command:    wire.CmdStatusBroadcast,
			HopByHopID: e.allocHopByHop(),
			SessionID:  sessionID,
			Status:     p.StatusCode,
			ErrorMessage: p.ErrorMessage,
		}
		_ = env.EncodeBody(p)
		if err := e.sender.SendToSession(sessionID, env); err != nil {
			e.logger.Warn("mscr send failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}
