package authorizer

import (
	"context"
	"sync"
	"time"

	"github.com/dense-identity/callgate/internal/sessionkey"
	"github.com/dense-identity/callgate/internal/telephony"
)

// CallContext represents one in-flight authentication attempt. It is owned by
// the authorizer, partitioned by call identifier, and evicted as soon as the
// flow reaches a terminal state; it is never persisted.
type CallContext struct {
	CallID        string
	Flow          sessionkey.Flow
	CorrelationID string
	CreatedAt     time.Time

	// Identity material from the lifecycle event.
	CallerNumber     string
	SIPCallID        string
	CallConnectionID string

	cancel context.CancelFunc

	mu           sync.RWMutex
	state        State
	attempts     int
	disconnected bool
}

func newCallContext(ev telephony.Event, cancel context.CancelFunc) *CallContext {
	return &CallContext{
		CallID:           ev.CallID,
		Flow:             ev.Flow,
		CorrelationID:    ev.CorrelationID,
		CreatedAt:        time.Now(),
		CallerNumber:     ev.CallerNumber,
		SIPCallID:        ev.SIPCallID,
		CallConnectionID: ev.CallConnectionID,
		cancel:           cancel,
		state:            StatePending,
	}
}

// SetState safely sets the flow state.
func (c *CallContext) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// State safely gets the flow state.
func (c *CallContext) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// NextAttempt increments and returns the attempt counter.
func (c *CallContext) NextAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

// Attempts returns how many extraction/lookup attempts have run.
func (c *CallContext) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// MarkDisconnected records that the underlying call ended and cancels the
// flow; any outstanding extraction listener is torn down via the context.
func (c *CallContext) MarkDisconnected() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
	c.cancel()
}

// Disconnected reports whether the call ended during authentication.
func (c *CallContext) Disconnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disconnected
}
