package authorizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dense-identity/callgate/internal/telephony"
)

// fakeStore is an in-memory Store with TTL semantics and injectable failure.
type fakeStore struct {
	mu       sync.Mutex
	keys     map[string]time.Time
	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{keys: make(map[string]time.Time)}
}

func (s *fakeStore) Put(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = time.Now().Add(ttl)
	return nil
}

func (s *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	exp, ok := s.keys[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(exp) {
		delete(s.keys, key)
		return false, nil
	}
	return true, nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

func (s *fakeStore) setFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

type harness struct {
	auth   *Authorizer
	disp   *telephony.Dispatcher
	store  *fakeStore
	events chan telephony.Event
}

func testConfig() Config {
	return Config{
		ExtractionWindow:      300 * time.Millisecond,
		ExtractionMaxAttempts: 2,
		ToneDebounce:          20 * time.Millisecond,
		LookupMaxAttempts:     3,
		LookupBackoff:         10 * time.Millisecond,
		AuthDeadline:          3 * time.Second,
		DecisionRetention:     time.Minute,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	store := newFakeStore()
	disp := telephony.NewDispatcher(zerolog.Nop())
	auth := New(cfg, store, disp, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan telephony.Event, 16)
	done := make(chan struct{})
	go func() {
		auth.Run(ctx, events)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{auth: auth, disp: disp, store: store, events: events}
}

func (h *harness) connect(ev telephony.Event) {
	ev.Type = telephony.EventCallConnected
	h.events <- ev
}

func (h *harness) disconnect(callID string) {
	h.events <- telephony.Event{Type: telephony.EventCallDisconnected, CallID: callID}
}

// waitState blocks until the call's flow reaches the given state.
func (h *harness) waitState(t *testing.T, callID string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.auth.mu.Lock()
		cc := h.auth.contexts[callID]
		h.auth.mu.Unlock()
		return cc != nil && cc.State() == want
	}, 2*time.Second, 5*time.Millisecond, "call %s never reached %s", callID, want)
}

// sendTones dispatches a digit sequence with timestamps spaced apart so the
// debounce filter does not collapse them.
func (h *harness) sendTones(callID string, digits ...string) {
	base := time.Now()
	for i, d := range digits {
		h.disp.Dispatch(telephony.Event{
			Type:      telephony.EventToneReceived,
			CallID:    callID,
			Tone:      d,
			Sequence:  i,
			Timestamp: base.Add(time.Duration(i) * 50 * time.Millisecond),
		})
	}
}

// waitDecision polls Authorize until the flow is terminal.
func (h *harness) waitDecision(t *testing.T, callID string) Decision {
	t.Helper()
	var d Decision
	require.Eventually(t, func() bool {
		dec, err := h.auth.Authorize(callID)
		if err == nil && dec.Outcome != "" {
			d = dec
			return true
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return d
}

// Scenario A: pre-stored PSTN key, matching extraction, single call reaches
// Authorized exactly once.
func TestPSTNFlowAuthorized(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.store.Put(context.Background(), "pstn:+15551234567:823", time.Hour))

	h.connect(telephony.Event{CallID: "call-a", Flow: "pstn", CallerNumber: "+15551234567"})
	h.waitState(t, "call-a", StateExtracting)
	h.sendTones("call-a", "8", "2", "3", "#")

	d := h.waitDecision(t, "call-a")
	require.Equal(t, OutcomeAuthorized, d.Outcome)
	require.Equal(t, ReasonAuthorized, d.Reason)

	// The authorized decision was consumed above; a second attach attempt
	// must be refused without re-running authentication.
	_, err := h.auth.Authorize("call-a")
	require.ErrorIs(t, err, ErrDuplicateAttach)
}

// Scenario B: extraction yields a code with no matching key; the flow is
// rejected once the attempt budget is exhausted.
func TestPSTNFlowWrongCodeRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.store.Put(context.Background(), "pstn:+15551234567:823", time.Hour))

	h.connect(telephony.Event{CallID: "call-b", Flow: "pstn", CallerNumber: "+15551234567"})
	h.waitState(t, "call-b", StateExtracting)
	// Both attempts enter the wrong code.
	h.sendTones("call-b", "8", "2", "4", "#", "8", "2", "4", "#")

	d := h.waitDecision(t, "call-b")
	require.Equal(t, OutcomeRejected, d.Outcome)
	require.Equal(t, ReasonKeyNotFound, d.Reason)
}

// A re-extraction that produces a different, valid key wins; the flow does
// not latch onto the first attempt.
func TestPSTNFlowReExtractionWins(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.store.Put(context.Background(), "pstn:+15551234567:823", time.Hour))

	h.connect(telephony.Event{CallID: "call-re", Flow: "pstn", CallerNumber: "+15551234567"})
	h.waitState(t, "call-re", StateExtracting)
	// First entry is wrong, second is right.
	h.sendTones("call-re", "8", "2", "4", "#", "8", "2", "3", "#")

	d := h.waitDecision(t, "call-re")
	require.Equal(t, OutcomeAuthorized, d.Outcome)
}

// Scenario C: API flow skips extraction entirely.
func TestAPIFlowDirectAuthorized(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.store.Put(context.Background(), "acs:call_connection_id:abc123", time.Hour))

	h.connect(telephony.Event{CallID: "call-c", Flow: "api", CallConnectionID: "abc123"})

	d := h.waitDecision(t, "call-c")
	require.Equal(t, OutcomeAuthorized, d.Outcome)
}

// Scenario D: the store failing during lookup must surface as Rejected with
// a reason operators can tell apart from "no key" -- and never Authorized.
func TestStoreUnavailableRejects(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.setFailure(errors.New("connection refused"))

	h.connect(telephony.Event{CallID: "call-d", Flow: "sip", SIPCallID: "abc-xyz-123"})

	d := h.waitDecision(t, "call-d")
	require.Equal(t, OutcomeRejected, d.Outcome)
	require.Equal(t, ReasonStoreUnavailable, d.Reason)
}

// Scenario E: disconnect mid-extraction expires the flow.
func TestDisconnectDuringExtractionExpires(t *testing.T) {
	h := newHarness(t, testConfig())

	h.connect(telephony.Event{CallID: "call-e", Flow: "pstn", CallerNumber: "+15551234567"})
	h.waitState(t, "call-e", StateExtracting)
	h.disconnect("call-e")

	d := h.waitDecision(t, "call-e")
	require.Equal(t, OutcomeExpired, d.Outcome)
	require.Equal(t, ReasonCallDisconnected, d.Reason)
}

func TestSIPFlowDirectAuthorized(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.store.Put(context.Background(), "sip:abc-xyz-123", time.Hour))

	h.connect(telephony.Event{CallID: "call-s", Flow: "sip", SIPCallID: "abc-xyz-123"})

	d := h.waitDecision(t, "call-s")
	require.Equal(t, OutcomeAuthorized, d.Outcome)
}

// SIP calls whose id arrives in a later metadata event still authorize.
func TestSIPFlowLateMetadata(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.store.Put(context.Background(), "sip:late-id-42", time.Hour))

	h.connect(telephony.Event{CallID: "call-sm", Flow: "sip"})
	h.waitState(t, "call-sm", StateExtracting)

	h.disp.Dispatch(telephony.Event{
		Type:      telephony.EventCallMetadata,
		CallID:    "call-sm",
		SIPCallID: "late-id-42",
	})

	d := h.waitDecision(t, "call-sm")
	require.Equal(t, OutcomeAuthorized, d.Outcome)
}

func TestSIPFlowMetadataNeverArrives(t *testing.T) {
	h := newHarness(t, testConfig())

	h.connect(telephony.Event{CallID: "call-sn", Flow: "sip"})

	d := h.waitDecision(t, "call-sn")
	require.Equal(t, OutcomeRejected, d.Outcome)
	require.Equal(t, ReasonExtractionFailed, d.Reason)
}

// The producer's key write may race the call event; lookup retries with
// backoff absorb the race.
func TestLookupToleratesWriteRace(t *testing.T) {
	cfg := testConfig()
	cfg.LookupBackoff = 50 * time.Millisecond
	h := newHarness(t, cfg)

	h.connect(telephony.Event{CallID: "call-r", Flow: "api", CallConnectionID: "raced"})

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = h.store.Put(context.Background(), "acs:call_connection_id:raced", time.Hour)
	}()

	d := h.waitDecision(t, "call-r")
	require.Equal(t, OutcomeAuthorized, d.Outcome)
}

// An expired key must never authorize.
func TestExpiredKeyNeverAuthorizes(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.store.Put(context.Background(), "acs:call_connection_id:stale", 10*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	h.connect(telephony.Event{CallID: "call-x", Flow: "api", CallConnectionID: "stale"})

	d := h.waitDecision(t, "call-x")
	require.Equal(t, OutcomeRejected, d.Outcome)
	require.Equal(t, ReasonKeyNotFound, d.Reason)
}

func TestAuthorizePendingAndUnknown(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.auth.Authorize("never-seen")
	require.ErrorIs(t, err, ErrUnknownCall)

	h.connect(telephony.Event{CallID: "call-p", Flow: "pstn", CallerNumber: "+15551234567"})
	h.waitState(t, "call-p", StateExtracting)

	_, err = h.auth.Authorize("call-p")
	require.ErrorIs(t, err, ErrPending)
}

// Two concurrent calls never share extraction state or decisions.
func TestConcurrentCallsAreIsolated(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.store.Put(context.Background(), "pstn:+15551230001:111", time.Hour))
	require.NoError(t, h.store.Put(context.Background(), "pstn:+15551230002:222", time.Hour))

	h.connect(telephony.Event{CallID: "iso-1", Flow: "pstn", CallerNumber: "+15551230001"})
	h.connect(telephony.Event{CallID: "iso-2", Flow: "pstn", CallerNumber: "+15551230002"})
	h.waitState(t, "iso-1", StateExtracting)
	h.waitState(t, "iso-2", StateExtracting)

	// Interleave the two callers' tone streams.
	h.sendTones("iso-2", "2", "2", "2", "#")
	h.sendTones("iso-1", "1", "1", "1", "#")

	d1 := h.waitDecision(t, "iso-1")
	d2 := h.waitDecision(t, "iso-2")
	require.Equal(t, OutcomeAuthorized, d1.Outcome)
	require.Equal(t, OutcomeAuthorized, d2.Outcome)
}

// The overall deadline bounds the whole flow even if the caller never dials.
func TestAuthDeadlineExpires(t *testing.T) {
	cfg := testConfig()
	cfg.AuthDeadline = 250 * time.Millisecond
	cfg.ExtractionWindow = time.Second
	cfg.ExtractionMaxAttempts = 10
	h := newHarness(t, cfg)

	h.connect(telephony.Event{CallID: "call-t", Flow: "pstn", CallerNumber: "+15551234567"})

	d := h.waitDecision(t, "call-t")
	require.Equal(t, OutcomeExpired, d.Outcome)
	require.Equal(t, ReasonDeadlineExceeded, d.Reason)
}

// A malformed API event (no call connection id) fails closed.
func TestAPIFlowMissingIdentityRejected(t *testing.T) {
	h := newHarness(t, testConfig())

	h.connect(telephony.Event{CallID: "call-m", Flow: "api"})

	d := h.waitDecision(t, "call-m")
	require.Equal(t, OutcomeRejected, d.Outcome)
	require.Equal(t, ReasonExtractionFailed, d.Reason)
}
