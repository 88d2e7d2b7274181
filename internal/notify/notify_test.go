package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/magic-gateway/internal/wire"
)

type fakeSender struct {
	mu  sync.Mutex
	out []*wire.Envelope
}

func (f *fakeSender) SendToSession(sessionID string, env *wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, env)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.out)
}

func TestNotifySuppressesWithinMinInterval(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(sender, zap.NewNop())

	sent := e.Notify("sess-1", NotifyParams{StatusCode: wire.StatusLinkError})
	assert.True(t, sent)
	e.AckReceived("sess-1", e.sessions["sess-1"].hopByHop)

	sent = e.Notify("sess-1", NotifyParams{StatusCode: wire.StatusLinkError})
	assert.False(t, sent, "second notify within min interval should be suppressed")
	assert.Equal(t, 1, sender.count())
}

func TestNotifyForceBypassesSuppression(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(sender, zap.NewNop())

	require.True(t, e.Notify("sess-1", NotifyParams{StatusCode: wire.StatusLinkError}))
	e.AckReceived("sess-1", e.sessions["sess-1"].hopByHop)
	require.True(t, e.Notify("sess-1", NotifyParams{StatusCode: wire.StatusLinkError, Force: true}))
	assert.Equal(t, 2, sender.count())
}

func TestNotifySingleInFlight(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(sender, zap.NewNop())

	require.True(t, e.Notify("sess-1", NotifyParams{StatusCode: wire.StatusLinkError}))
	st := e.sessions["sess-1"]
	st.mu.Lock()
	st.lastSentAt = time.Now().Add(-minInterval - time.Second)
	st.mu.Unlock()
	// No ack yet: a second notify must be dropped even past min interval,
	// because only one NTR may be outstanding per session.
	sent := e.Notify("sess-1", NotifyParams{StatusCode: wire.StatusLinkError})
	assert.False(t, sent)
}

func TestBandwidthChangeSignificant(t *testing.T) {
	assert.True(t, bandwidthChangeSignificant(1000, 500, 1200, 500), "20% forward increase exceeds threshold")
	assert.False(t, bandwidthChangeSignificant(1000, 500, 1050, 500), "5% increase is below threshold")
	assert.True(t, bandwidthChangeSignificant(0, 0, 100, 0), "0 -> nonzero is always significant")
}

func TestNotifySuppressedWhenSuccessAndSmallChange(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(sender, zap.NewNop())
	require.True(t, e.Notify("sess-1", NotifyParams{StatusCode: wire.ResultSuccess, NewGrantedFwd: 1000}))
	e.AckReceived("sess-1", e.sessions["sess-1"].hopByHop)

	time.Sleep(minInterval + 10*time.Millisecond)
	sent := e.Notify("sess-1", NotifyParams{StatusCode: wire.ResultSuccess, NewGrantedFwd: 1010})
	assert.False(t, sent, "small bandwidth change after success should be suppressed")
}

func TestExpireStaleAcksUnblocksNotify(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(sender, zap.NewNop())
	require.True(t, e.Notify("sess-1", NotifyParams{StatusCode: wire.StatusLinkError}))

	st := e.sessions["sess-1"]
	st.mu.Lock()
	st.lastSentAt = time.Now().Add(-ackTimeout - time.Second)
	st.mu.Unlock()

	e.ExpireStaleAcks()
	sent := e.Notify("sess-1", NotifyParams{StatusCode: wire.StatusLinkError})
	assert.True(t, sent)
}

func TestBroadcastToSubscribers(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(sender, zap.NewNop())
	e.Subscribe("sess-1")
	e.Subscribe("sess-2")

	e.Broadcast(BroadcastParams{Type: ChangeDLMDown, DLMName: "sat-1"})
	assert.Equal(t, 2, sender.count())
}

func TestUnsubscribeStopsBroadcast(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(sender, zap.NewNop())
	e.Subscribe("sess-1")
	e.Unsubscribe("sess-1")
	e.Broadcast(BroadcastParams{Type: ChangeDLMUp})
	assert.Equal(t, 0, sender.count())
}
