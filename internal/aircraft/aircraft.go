// Package aircraft implements the aircraft-state client (C2): a
// dual-port TCP subscriber to the avionics bus publishing position,
// attitude, and flight-phase telemetry. One port carries a low-rate
// "sync" feed (position/phase, used for policy and coverage checks), the
// other a higher-rate "async" feed whose lines only refresh the
// received-at time of the last sync state. Both reconnect independently
// with backoff, and Current reports degraded when no state has arrived
// yet or when neither feed has refreshed it within staleAfter, the way
// the teacher's NRF heartbeat ticker treats a missed interval as cause
// to reassess state rather than crash.
package aircraft

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the most recently received telemetry snapshot.
type State struct {
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	AltitudeFt  float64   `json:"altitude_ft"`
	OnGround    bool      `json:"on_ground"`
	Airport     string    `json:"airport"`
	FlightPhase string    `json:"flight_phase"`
	ReceivedAt  time.Time `json:"-"`
}

// staleAfter is how long a feed may go without an update before the
// client considers its telemetry stale for degraded-mode purposes.
const staleAfter = 15 * time.Second

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// StateHandler is invoked on every accepted sync-feed update.
type StateHandler func(State)

// Client maintains both feed connections and the last-known state.
type Client struct {
	syncAddr  string
	asyncAddr string
	logger    *zap.Logger

	mu        sync.RWMutex
	state     State
	haveState bool

	handlersMu sync.Mutex
	handlers   []StateHandler
}

// NewClient constructs a Client for the given sync/async feed addresses.
func NewClient(syncAddr, asyncAddr string, logger *zap.Logger) *Client {
	return &Client{syncAddr: syncAddr, asyncAddr: asyncAddr, logger: logger}
}

// Run starts both feed loops and blocks until ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.runFeed(ctx, "sync", c.syncAddr, c.handleSyncLine)
	}()
	go func() {
		defer wg.Done()
		c.runFeed(ctx, "async", c.asyncAddr, c.handleAsyncLine)
	}()
	wg.Wait()
}

func (c *Client) runFeed(ctx context.Context, name, addr string, handle func(string)) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err != nil {
			c.logger.Warn("aircraft feed dial failed, retrying",
				zap.String("feed", name), zap.String("addr", addr), zap.Error(err))
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		c.logger.Info("aircraft feed connected", zap.String("feed", name), zap.String("addr", addr))
		backoff = initialBackoff
		c.readLoop(ctx, conn, handle)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("aircraft feed disconnected, reconnecting", zap.String("feed", name))
	}
}

func nextBackoff(b time.Duration) time.Duration {
	b *= 2
	if b > maxBackoff {
		return maxBackoff
	}
	return b
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn, handle func(string)) {
	scanner := bufio.NewScanner(conn)
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()
	for scanner.Scan() {
		handle(scanner.Text())
	}
	select {
	case <-done:
	default:
	}
}

// syncMessage is one line of the sync feed's newline-delimited JSON.
type syncMessage struct {
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	AltitudeFt  float64 `json:"altitude_ft"`
	OnGround    bool    `json:"on_ground"`
	Airport     string  `json:"airport"`
	FlightPhase string  `json:"flight_phase"`
}

func (c *Client) handleSyncLine(line string) {
	var msg syncMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		c.logger.Warn("malformed sync feed line", zap.Error(err))
		return
	}
	next := State{
		Lat:         msg.Lat,
		Lon:         msg.Lon,
		AltitudeFt:  msg.AltitudeFt,
		OnGround:    msg.OnGround,
		Airport:     msg.Airport,
		FlightPhase: msg.FlightPhase,
		ReceivedAt:  time.Now(),
	}
	c.mu.Lock()
	c.state = next
	c.haveState = true
	c.mu.Unlock()

	c.handlersMu.Lock()
	handlers := append([]StateHandler(nil), c.handlers...)
	c.handlersMu.Unlock()
	for _, h := range handlers {
		h(next)
	}
}

// asyncMessage carries high-rate attitude telemetry that only updates the
// received-at staleness clock; MAGIC policy does not consult it directly.
type asyncMessage struct {
	Timestamp int64 `json:"timestamp"`
}

func (c *Client) handleAsyncLine(line string) {
	var msg asyncMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return
	}
	c.mu.Lock()
	if c.haveState {
		c.state.ReceivedAt = time.Now()
	}
	c.mu.Unlock()
}

// OnStateChange registers a handler invoked on every accepted sync-feed
// update, in the goroutine that read the feed line.
func (c *Client) OnStateChange(h StateHandler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
}

// Current returns the last known state and whether it is degraded (not
// refreshed within staleAfter). A zero-value, degraded State is returned
// if no telemetry has ever been received.
func (c *Client) Current() (state State, degraded bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.haveState {
		return State{}, true
	}
	stale := time.Since(c.state.ReceivedAt) > staleAfter
	return c.state, stale
}
