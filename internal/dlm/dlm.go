// Package dlm implements the Data Link Manager adapter (C6): the gateway's
// client for the local IPC interface each physical datalink's manager
// process exposes. Reserve retries a bounded number of times on transport
// failure or denial; Release makes a single attempt. An adapter also keeps
// a list of handlers for asynchronous link-state events (link down,
// capacity change), but this package has no listener that reads such
// events from a DLM manager, so the handlers are never called.
package dlm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/your-org/magic-gateway/internal/config"
)

var tracer = otel.Tracer("magic-gateway/dlm")

const (
	retryAttempts = 3
	retryDelay    = 100 * time.Millisecond
	maxAlternates = 4
)

// requestKind distinguishes the two IPC operations a DLM manager accepts.
type requestKind string

const (
	kindReserve requestKind = "reserve"
	kindRelease requestKind = "release"
)

// ipcRequest is the JSON payload sent to a DLM manager's unix socket.
type ipcRequest struct {
	Kind        requestKind `json:"kind"`
	SessionID   string      `json:"session_id"`
	Mark        uint32      `json:"mark"`
	ForwardKbps uint32      `json:"forward_kbps"`
	ReturnKbps  uint32      `json:"return_kbps"`
	QoSLevel    uint8       `json:"qos_level"`
}

// ipcResponse is the JSON payload a DLM manager answers with.
type ipcResponse struct {
	OK              bool   `json:"ok"`
	Reason          string `json:"reason,omitempty"`
	GrantedForward  uint32 `json:"granted_forward_kbps"`
	GrantedReturn   uint32 `json:"granted_return_kbps"`
}

// ReservationResult is the outcome of a successful Reserve call.
type ReservationResult struct {
	DLMID          string
	GrantedForward uint32
	GrantedReturn  uint32
}

// Event is an asynchronous notification a DLM manager pushes outside of
// any request/response exchange (link down, capacity change).
type Event struct {
	DLMID string
	Kind  string // "link_down", "link_up", "capacity_change"
	Detail string
}

// EventHandler receives DLM-initiated events.
type EventHandler func(Event)

// Adapter is the gateway's client for one configured DLM's local IPC
// endpoint. One Adapter per configured DLM, held by the Manager below.
type Adapter struct {
	cfg    config.DLMConfig
	logger *zap.Logger

	dialFn func(ctx context.Context) (net.Conn, error)

	mu        sync.Mutex
	eventConn net.Conn
	handlers  []EventHandler
}

// NewAdapter constructs an Adapter for the given DLM, dialing its IPC
// endpoint over a unix domain socket by default. Tests substitute dialFn.
func NewAdapter(cfg config.DLMConfig, logger *zap.Logger) *Adapter {
	a := &Adapter{cfg: cfg, logger: logger}
	a.dialFn = func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, "unix", cfg.Endpoint)
	}
	return a
}

// ErrReservationDenied is returned when the DLM manager rejects a reserve
// request on its own grounds (congestion, capacity exhausted).
type ErrReservationDenied struct{ Reason string }

func (e *ErrReservationDenied) Error() string {
	return fmt.Sprintf("dlm reservation denied: %s", e.Reason)
}

// Reserve requests a bandwidth grant from the DLM manager, retrying up to
// retryAttempts times at retryDelay intervals on both transport failure and
// a denial from the manager itself (§4.3) before the caller falls back to
// another DLM.
func (a *Adapter) Reserve(ctx context.Context, sessionID string, mark uint32, fwdKbps, retKbps uint32, qos uint8) (*ReservationResult, error) {
	ctx, span := tracer.Start(ctx, "dlm.Reserve")
	defer span.End()

	req := ipcRequest{
		Kind:        kindReserve,
		SessionID:   sessionID,
		Mark:        mark,
		ForwardKbps: fwdKbps,
		ReturnKbps:  retKbps,
		QoSLevel:    qos,
	}

	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		resp, err := a.roundTrip(ctx, req)
		if err != nil {
			lastErr = err
			a.logger.Warn("dlm reserve transport error, retrying",
				zap.String("dlm_id", a.cfg.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
			continue
		}
		if !resp.OK {
			lastErr = &ErrReservationDenied{Reason: resp.Reason}
			a.logger.Warn("dlm reserve denied, retrying",
				zap.String("dlm_id", a.cfg.ID),
				zap.Int("attempt", attempt),
				zap.String("reason", resp.Reason),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
			continue
		}
		return &ReservationResult{
			DLMID:          a.cfg.ID,
			GrantedForward: resp.GrantedForward,
			GrantedReturn:  resp.GrantedReturn,
		}, nil
	}
	var denied *ErrReservationDenied
	if errors.As(lastErr, &denied) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("dlm %s unreachable after %d attempts: %w", a.cfg.ID, retryAttempts, lastErr)
}

// Release tells the DLM manager to free a session's reservation. This is
// best-effort: a single attempt, no retry (§4.3). Errors are logged but
// otherwise non-fatal to the caller's own state cleanup — the session store
// and dataplane are the authority on whether a session is gone, not the DLM
// manager's acknowledgement.
func (a *Adapter) Release(ctx context.Context, sessionID string, mark uint32) error {
	ctx, span := tracer.Start(ctx, "dlm.Release")
	defer span.End()

	req := ipcRequest{Kind: kindRelease, SessionID: sessionID, Mark: mark}
	resp, err := a.roundTrip(ctx, req)
	if err != nil {
		return fmt.Errorf("dlm %s release: %w", a.cfg.ID, err)
	}
	if !resp.OK {
		return fmt.Errorf("dlm %s release rejected: %s", a.cfg.ID, resp.Reason)
	}
	return nil
}

func (a *Adapter) roundTrip(ctx context.Context, req ipcRequest) (*ipcResponse, error) {
	conn, err := a.dialFn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.cfg.Endpoint, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(2 * time.Second))
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var resp ipcResponse
	dec := json.NewDecoder(bufio.NewReader(conn))
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// OnEvent registers a handler for asynchronous DLM events. Handlers run
// synchronously inside dispatch; nothing in this package reads events
// from the DLM manager or calls dispatch, so a registered handler is
// never invoked.
func (a *Adapter) OnEvent(h EventHandler) {
	a.mu.Lock()
	a.handlers = append(a.handlers, h)
	a.mu.Unlock()
}

func (a *Adapter) dispatch(ev Event) {
	a.mu.Lock()
	handlers := append([]EventHandler(nil), a.handlers...)
	a.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Manager owns one Adapter per configured DLM and provides multi-link
// fallback: when the preferred DLM's reservation fails, it tries up to
// maxAlternates further candidates in the order supplied by the policy
// engine (§4.6).
type Manager struct {
	adapters map[string]*Adapter
	logger   *zap.Logger
}

// NewManager builds adapters for every configured DLM.
func NewManager(dlms []config.DLMConfig, logger *zap.Logger) *Manager {
	m := &Manager{adapters: make(map[string]*Adapter, len(dlms)), logger: logger}
	for _, d := range dlms {
		m.adapters[d.ID] = NewAdapter(d, logger)
	}
	return m
}

// Adapter returns the adapter for a DLM id, or nil.
func (m *Manager) Adapter(dlmID string) *Adapter {
	return m.adapters[dlmID]
}

// IDs returns every configured DLM id, used by SXR's DLM status list.
func (m *Manager) IDs() []string {
	out := make([]string, 0, len(m.adapters))
	for id := range m.adapters {
		out = append(out, id)
	}
	return out
}

// ReserveWithFallback tries candidateDLMIDs in order, returning the first
// successful reservation. Denials and transport failures both advance to
// the next candidate; at most maxAlternates candidates beyond the first
// are attempted.
func (m *Manager) ReserveWithFallback(ctx context.Context, candidateDLMIDs []string, sessionID string, mark uint32, fwdKbps, retKbps uint32, qos uint8) (*ReservationResult, error) {
	tried := 0
	var lastErr error
	for _, dlmID := range candidateDLMIDs {
		if tried > maxAlternates {
			break
		}
		adapter := m.adapters[dlmID]
		if adapter == nil {
			continue
		}
		res, err := adapter.Reserve(ctx, sessionID, mark, fwdKbps, retKbps, qos)
		if err == nil {
			return res, nil
		}
		lastErr = err
		tried++
		m.logger.Warn("dlm candidate failed, trying next",
			zap.String("dlm_id", dlmID),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("no dlm candidate succeeded: %w", lastErr)
}
