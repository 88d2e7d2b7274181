// Package session implements the client session store (C7): the gateway's
// authoritative table of active client contexts, their state machines, TFT
// sets, and bandwidth quota bookkeeping. One Store per process; a single
// RWMutex guards the table the way NRF's MemoryRepository guards its NF
// profile map, and each Session carries its own mutex for fields that
// change without touching the table itself, mirroring SMF's per-PDU-session
// locking.
package session

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/magic-gateway/internal/config"
)

// State is a session's position in the lifecycle state machine (§4.1).
type State string

const (
	StateInit       State = "init"
	StateAuthenticated State = "authenticated"
	StateActive     State = "active"
	StateModifying  State = "modifying"
	StateSuspended  State = "suspended"
	StateTerminating State = "terminating"
	StateClosed     State = "closed"
)

// validTransitions enumerates the state machine's allowed edges (§4.1).
var validTransitions = map[State]map[State]bool{
	StateInit:         {StateAuthenticated: true, StateClosed: true},
	StateAuthenticated: {StateActive: true, StateClosed: true, StateTerminating: true},
	// Active -> Authenticated is the CCR "Stop" intent's edge: releasing a
	// session's last allocation returns it to the authenticated-but-idle state.
	StateActive:       {StateAuthenticated: true, StateModifying: true, StateSuspended: true, StateTerminating: true},
	StateModifying:    {StateActive: true, StateSuspended: true, StateTerminating: true},
	StateSuspended:    {StateActive: true, StateModifying: true, StateTerminating: true},
	StateTerminating:  {StateClosed: true},
	StateClosed:       {},
}

// TFT is one installed Traffic Flow Template: a packet-classification
// pattern that selects which flows ride this session's allocation.
type TFT struct {
	ID           string
	Protocol     string
	DestIPRange  string
	SrcPortRange string
	DstPortRange string
	Priority     uint8
}

// Allocation is the bandwidth currently granted to the session on its
// active DLM(s), in kbps, per direction.
type Allocation struct {
	DLMID       string
	ForwardKbps uint32
	ReturnKbps  uint32
	QoSLevel    uint8
}

// Session is one authenticated client's context. Exported fields that
// change only at creation (Username, OriginHost, Profile) are safe to read
// without the lock; everything that mutates after Create lives behind mu.
type Session struct {
	ID         string
	Username   string
	OriginHost string
	Profile    *config.ClientProfile
	CreatedAt  time.Time

	mu           sync.Mutex
	state        State
	connID       uint64
	tfts         map[string]*TFT
	allocations  []Allocation
	usedFwdKbps  uint32
	usedRetKbps  uint32
	lastActivity time.Time
	authExpiry   time.Time
	markValue    uint32
	degraded     bool

	currentDLMID        string
	previousLinkID      string
	lastLinkSwitchAt    time.Time
	lastStatusRequestAt time.Time
}

// newSession constructs a session in StateInit.
func newSession(id, username, originHost string, profile *config.ClientProfile, mark uint32) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		Username:     username,
		OriginHost:   originHost,
		Profile:      profile,
		CreatedAt:    now,
		state:        StateInit,
		tfts:         make(map[string]*TFT),
		lastActivity: now,
		markValue:    mark,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mark returns the firewall mark value assigned to this session, used by
// internal/dataplane and internal/meter to key per-session counters.
func (s *Session) Mark() uint32 {
	return s.markValue
}

// Transition moves the session to newState if the edge is legal, returning
// an error naming both states otherwise (§4.1 invariant: illegal
// transitions are rejected, never silently clamped).
func (s *Session) Transition(newState State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validTransitions[s.state][newState] {
		return fmt.Errorf("illegal transition %s -> %s", s.state, newState)
	}
	s.state = newState
	return nil
}

// Touch records activity now, resetting the idle timer.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleFor reports how long the session has been idle.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// SetAuthExpiry records when the session's authentication lifetime ends.
func (s *Session) SetAuthExpiry(t time.Time) {
	s.mu.Lock()
	s.authExpiry = t
	s.mu.Unlock()
}

// AuthExpired reports whether the session's auth lifetime has elapsed.
func (s *Session) AuthExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.authExpiry.IsZero() && time.Now().After(s.authExpiry)
}

// SetConnID records which physical connection currently owns this session
// (§4.1: a session is bound to exactly one connection at a time).
func (s *Session) SetConnID(id uint64) {
	s.mu.Lock()
	s.connID = id
	s.mu.Unlock()
}

// ConnID returns the owning connection id.
func (s *Session) ConnID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// SetDegraded marks or clears the session's degraded-mode flag, applied
// when the aircraft-state client (C2) reports stale or missing telemetry.
func (s *Session) SetDegraded(d bool) {
	s.mu.Lock()
	s.degraded = d
	s.mu.Unlock()
}

// Degraded reports whether the session is currently policy-restricted.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// InstallTFT adds or replaces a TFT by id.
func (s *Session) InstallTFT(t *TFT) {
	s.mu.Lock()
	s.tfts[t.ID] = t
	s.mu.Unlock()
}

// RemoveTFT deletes a TFT by id, reporting whether it existed.
func (s *Session) RemoveTFT(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tfts[id]; !ok {
		return false
	}
	delete(s.tfts, id)
	return true
}

// TFTs returns a snapshot slice of the session's installed TFTs.
func (s *Session) TFTs() []*TFT {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TFT, 0, len(s.tfts))
	for _, t := range s.tfts {
		out = append(out, t)
	}
	return out
}

// CanAllocate reports whether requesting an additional fwdKbps/retKbps on
// top of the session's current usage stays within the client profile's
// Max bounds. A zero Max means unlimited, per §8 boundary behavior;
// Guaranteed is not consulted here (Grant uses it as a floor).
func (s *Session) CanAllocate(fwdKbps, retKbps uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	quota := s.Profile.Bandwidth
	if quota.MaxForwardKbps != 0 && s.usedFwdKbps+fwdKbps > quota.MaxForwardKbps {
		return false
	}
	if quota.MaxReturnKbps != 0 && s.usedRetKbps+retKbps > quota.MaxReturnKbps {
		return false
	}
	return true
}

// Grant computes how much of a requested bandwidth pair the session's
// profile quota can actually admit (§4.1): available = cap - already
// allocated (a zero cap means unlimited, i.e. unbounded available); the
// request is rejected outright if available falls below the quota's
// guaranteed floor, otherwise the grant is min(requested, available).
func (s *Session) Grant(reqFwdKbps, reqRetKbps uint32) (grantFwd, grantRet uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	quota := s.Profile.Bandwidth

	availFwd := ^uint32(0)
	if quota.MaxForwardKbps != 0 {
		if s.usedFwdKbps >= quota.MaxForwardKbps {
			availFwd = 0
		} else {
			availFwd = quota.MaxForwardKbps - s.usedFwdKbps
		}
		if availFwd < quota.GuaranteedForwardKbps {
			return 0, 0, false
		}
	}
	availRet := ^uint32(0)
	if quota.MaxReturnKbps != 0 {
		if s.usedRetKbps >= quota.MaxReturnKbps {
			availRet = 0
		} else {
			availRet = quota.MaxReturnKbps - s.usedRetKbps
		}
		if availRet < quota.GuaranteedReturnKbps {
			return 0, 0, false
		}
	}

	grantFwd = reqFwdKbps
	if grantFwd > availFwd {
		grantFwd = availFwd
	}
	grantRet = reqRetKbps
	if grantRet > availRet {
		grantRet = availRet
	}
	return grantFwd, grantRet, true
}

// Allocate records a grant against the session's running usage totals and
// appends it to the active allocation list. Callers must have already
// confirmed the grant (via Grant or CanAllocate) and performed the actual
// DLM reservation; Allocate only updates bookkeeping. A DLM id different
// from the session's current one marks a link switch, tracked for the
// policy engine's hysteresis check.
func (s *Session) Allocate(a Allocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocations = append(s.allocations, a)
	s.usedFwdKbps += a.ForwardKbps
	s.usedRetKbps += a.ReturnKbps
	if s.currentDLMID != "" && s.currentDLMID != a.DLMID {
		s.previousLinkID = s.currentDLMID
		s.lastLinkSwitchAt = time.Now()
	}
	s.currentDLMID = a.DLMID
}

// CurrentDLMID returns the DLM id of the session's most recent allocation.
func (s *Session) CurrentDLMID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentDLMID
}

// LastLinkSwitchAt returns when the session last moved from one DLM to
// another, used by the policy engine's min-dwell hysteresis check.
func (s *Session) LastLinkSwitchAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLinkSwitchAt
}

// CheckStatusRequestRate reports whether a status request arriving now is
// allowed: true if none was recorded before or at least limit has passed
// since the last one. It records now as the new last-request time
// regardless of the outcome (§4.8 SXR rate limiting).
func (s *Session) CheckStatusRequestRate(limit time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	ok := s.lastStatusRequestAt.IsZero() || now.Sub(s.lastStatusRequestAt) >= limit
	s.lastStatusRequestAt = now
	return ok
}

// Deallocate removes all allocations on the given DLM and returns the
// total kbps released in each direction.
func (s *Session) Deallocate(dlmID string) (fwdKbps, retKbps uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.allocations[:0]
	for _, a := range s.allocations {
		if a.DLMID == dlmID {
			fwdKbps += a.ForwardKbps
			retKbps += a.ReturnKbps
			continue
		}
		kept = append(kept, a)
	}
	s.allocations = kept
	s.usedFwdKbps -= fwdKbps
	s.usedRetKbps -= retKbps
	return fwdKbps, retKbps
}

// Allocations returns a snapshot of the session's current grants.
func (s *Session) Allocations() []Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Allocation, len(s.allocations))
	copy(out, s.allocations)
	return out
}

// UsedKbps returns the session's current forward/return usage totals.
func (s *Session) UsedKbps() (fwd, ret uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedFwdKbps, s.usedRetKbps
}

// Store is the process-wide, fixed-capacity table of active sessions. A
// single RWMutex guards the map itself; per-session mutation happens
// through each Session's own lock, so long operations (DLM I/O, dataplane
// programming) must never be performed while holding mu (§5 concurrency
// invariant).
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byConn   map[uint64]map[string]bool
	capacity int
	nextMark uint32
	logger   *zap.Logger
}

// NewStore creates a Store with the given fixed capacity.
func NewStore(capacity int, logger *zap.Logger) *Store {
	return &Store{
		sessions: make(map[string]*Session, capacity),
		byConn:   make(map[uint64]map[string]bool),
		capacity: capacity,
		nextMark: 1,
		logger:   logger,
	}
}

// ErrStoreFull is returned by Create when the table is at capacity.
var ErrStoreFull = fmt.Errorf("session store at capacity")

// Create allocates a new session keyed by id. Returns ErrStoreFull if the
// table is full or an error if id is already in use.
func (st *Store) Create(id, username, originHost string, profile *config.ClientProfile) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.sessions) >= st.capacity {
		return nil, ErrStoreFull
	}
	if _, exists := st.sessions[id]; exists {
		return nil, fmt.Errorf("session id %q already in use", id)
	}
	mark := st.nextMark
	st.nextMark++
	if st.nextMark == 0 {
		st.nextMark = 1 // mark 0 is reserved for "unmarked" traffic
	}
	sess := newSession(id, username, originHost, profile, mark)
	st.sessions[id] = sess
	st.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("username", username),
		zap.Uint32("mark", mark),
	)
	return sess, nil
}

// Get returns the session by id, or nil.
func (st *Store) Get(id string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

// BindConn records which connection owns a session, for fast lookup of
// "all sessions on this connection" at disconnect time.
func (st *Store) BindConn(connID uint64, sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	set, ok := st.byConn[connID]
	if !ok {
		set = make(map[string]bool)
		st.byConn[connID] = set
	}
	set[sessionID] = true
}

// SessionsOnConn returns the session ids bound to a connection.
func (st *Store) SessionsOnConn(connID uint64) []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	set := st.byConn[connID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// CountForUsername returns how many sessions the given username currently
// holds, used to enforce SessionPolicy.MaxConcurrentSessions.
func (st *Store) CountForUsername(username string) int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := 0
	for _, s := range st.sessions {
		if s.Username == username && s.State() != StateClosed {
			n++
		}
	}
	return n
}

// Remove deletes a session from the table and its connection index.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	if !ok {
		return
	}
	delete(st.sessions, id)
	if set, ok := st.byConn[sess.ConnID()]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(st.byConn, sess.ConnID())
		}
	}
	st.logger.Info("session removed", zap.String("session_id", id))
}

// All returns a snapshot slice of every session in the table, used by the
// orchestrator's meter-sampling loop and SXR's client and DLM status lists.
func (st *Store) All() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the current number of sessions in the table.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
