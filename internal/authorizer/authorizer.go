// Package authorizer runs the authentication state machine that decides
// whether an inbound call may attach to a live media stream. One flow runs
// per call identifier, fully isolated from other in-flight calls; the only
// shared state is the session key store and the decision memo.
package authorizer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/dense-identity/callgate/internal/extractor"
	"github.com/dense-identity/callgate/internal/keystore"
	"github.com/dense-identity/callgate/internal/sessionkey"
	"github.com/dense-identity/callgate/internal/telephony"
)

// Config bounds every wait in the flow. All values must be finite; a caller
// is on the line while authentication runs.
type Config struct {
	ExtractionWindow      time.Duration
	ExtractionMaxAttempts int
	ToneDebounce          time.Duration
	LookupMaxAttempts     int
	LookupBackoff         time.Duration
	AuthDeadline          time.Duration
	DecisionRetention     time.Duration
}

// EventFeeds is the slice of the telephony dispatcher a flow consumes.
type EventFeeds interface {
	SubscribeTones(callID string) <-chan telephony.ToneEvent
	UnsubscribeTones(callID string)
	SubscribeMetadata(callID string) <-chan telephony.Event
	UnsubscribeMetadata(callID string)
}

type decisionRecord struct {
	decision Decision
	consumed bool
}

// Authorizer orchestrates extraction, key construction, store lookup and
// retry/fallback for every in-flight call.
type Authorizer struct {
	cfg     Config
	store   keystore.Store
	feeds   EventFeeds
	extract *extractor.Extractor
	log     zerolog.Logger

	mu        sync.Mutex
	contexts  map[string]*CallContext
	decisions map[string]*decisionRecord

	wg sync.WaitGroup
}

// New creates an authorizer. The store is injected so tests can substitute
// an in-memory fake.
func New(cfg Config, store keystore.Store, feeds EventFeeds, log zerolog.Logger) *Authorizer {
	return &Authorizer{
		cfg:       cfg,
		store:     store,
		feeds:     feeds,
		extract:   extractor.New(cfg.ExtractionWindow, cfg.ToneDebounce, log),
		log:       log,
		contexts:  make(map[string]*CallContext),
		decisions: make(map[string]*decisionRecord),
	}
}

// Run consumes lifecycle events in arrival order until ctx is cancelled.
// Two different call identifiers have no ordering guarantee relative to each
// other; per-call ordering is preserved because each flow is a single
// goroutine fed by this loop.
func (a *Authorizer) Run(ctx context.Context, events <-chan telephony.Event) {
	for {
		select {
		case <-ctx.Done():
			a.wg.Wait()
			return

		case ev, ok := <-events:
			if !ok {
				a.wg.Wait()
				return
			}
			a.handleLifecycle(ctx, ev)
		}
	}
}

func (a *Authorizer) handleLifecycle(ctx context.Context, ev telephony.Event) {
	switch ev.Type {
	case telephony.EventCallConnected:
		a.startFlow(ctx, ev)

	case telephony.EventCallDisconnected:
		a.mu.Lock()
		cc := a.contexts[ev.CallID]
		a.mu.Unlock()

		if cc != nil {
			a.log.Info().Str("call_id", ev.CallID).Msg("call disconnected during authentication")
			cc.MarkDisconnected()
		}
	}
}

func (a *Authorizer) startFlow(parent context.Context, ev telephony.Event) {
	a.mu.Lock()
	if _, running := a.contexts[ev.CallID]; running {
		a.mu.Unlock()
		a.log.Warn().Str("call_id", ev.CallID).Msg("duplicate call.connected for in-flight call")
		return
	}
	if _, decided := a.decisions[ev.CallID]; decided {
		a.mu.Unlock()
		a.log.Warn().Str("call_id", ev.CallID).Msg("call.connected for already-decided call")
		return
	}

	flowCtx, cancel := context.WithTimeout(parent, a.cfg.AuthDeadline)
	cc := newCallContext(ev, cancel)
	a.contexts[ev.CallID] = cc
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		a.runFlow(flowCtx, cc)
	}()
}

func (a *Authorizer) runFlow(ctx context.Context, cc *CallContext) {
	log := a.log.With().
		Str("call_id", cc.CallID).
		Str("flow", string(cc.Flow)).
		Str("correlation_id", cc.CorrelationID).
		Logger()

	log.Debug().Msg("authentication flow started")

	d := a.authenticate(ctx, cc, log)
	a.finalize(cc, d, log)
}

// authenticate drives the state machine to a decision. It never returns
// Authorized unless the composite key was found unexpired in the store.
func (a *Authorizer) authenticate(ctx context.Context, cc *CallContext, log zerolog.Logger) Decision {
	switch cc.Flow {
	case sessionkey.FlowAPI:
		key, err := sessionkey.Build(sessionkey.FlowAPI, sessionkey.Fields{
			CallConnectionID: cc.CallConnectionID,
		})
		if err != nil {
			log.Warn().Err(err).Msg("api call event carried no usable identity")
			return reject(ReasonExtractionFailed)
		}
		return a.directLookup(ctx, cc, key, log)

	case sessionkey.FlowSIP:
		if cc.SIPCallID == "" {
			id, err := a.awaitSIPCallID(ctx, cc, log)
			if err != nil {
				if ctx.Err() != nil {
					return a.expired(cc)
				}
				log.Warn().Err(err).Msg("sip call id never arrived")
				return reject(ReasonExtractionFailed)
			}
			cc.SIPCallID = id
		}
		key, err := sessionkey.Build(sessionkey.FlowSIP, sessionkey.Fields{
			SIPCallID: cc.SIPCallID,
		})
		if err != nil {
			log.Warn().Err(err).Msg("sip call id failed validation")
			return reject(ReasonExtractionFailed)
		}
		return a.directLookup(ctx, cc, key, log)

	case sessionkey.FlowPSTN:
		return a.pstnFlow(ctx, cc, log)

	default:
		log.Warn().Msg("lifecycle event carried unknown flow type")
		return reject(ReasonExtractionFailed)
	}
}

// pstnFlow alternates extraction and lookup, up to the extraction budget.
// A re-extraction that yields a different, valid key wins over an earlier
// failed one; the flow never latches onto the first attempt.
func (a *Authorizer) pstnFlow(ctx context.Context, cc *CallContext, log zerolog.Logger) Decision {
	ani := sessionkey.NormalizeANI(cc.CallerNumber)

	tones := a.feeds.SubscribeTones(cc.CallID)
	defer a.feeds.UnsubscribeTones(cc.CallID)

	lastReason := ReasonExtractionFailed

	for cc.Attempts() < a.cfg.ExtractionMaxAttempts {
		attempt := cc.NextAttempt()
		cc.SetState(StateExtracting)

		code, err := a.extract.Listen(ctx, tones)
		if err != nil {
			if ctx.Err() != nil {
				return a.expired(cc)
			}
			if errors.Is(err, extractor.ErrFeedClosed) {
				return a.expired(cc)
			}
			log.Debug().Err(err).Int("attempt", attempt).Msg("extraction attempt failed")
			lastReason = ReasonExtractionFailed
			continue
		}

		key, err := sessionkey.Build(sessionkey.FlowPSTN, sessionkey.Fields{ANI: ani, Code: code})
		if err != nil {
			// Extracted material is untrusted; a malformed result counts
			// against the budget like any failed attempt.
			log.Warn().Err(err).Int("attempt", attempt).Msg("extracted identity failed validation")
			lastReason = ReasonExtractionFailed
			continue
		}

		cc.SetState(StateKeyLookup)
		found, err := a.lookupKey(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return a.expired(cc)
			}
			log.Error().Err(err).Msg("session key store unavailable")
			return reject(ReasonStoreUnavailable)
		}
		if found {
			return authorized()
		}

		log.Debug().Int("attempt", attempt).Msg("composite key not found, waiting for re-entry")
		lastReason = ReasonKeyNotFound
	}

	return reject(lastReason)
}

// directLookup is the extraction-free path (API, SIP with known call id).
func (a *Authorizer) directLookup(ctx context.Context, cc *CallContext, key string, log zerolog.Logger) Decision {
	cc.NextAttempt()
	cc.SetState(StateKeyLookup)

	found, err := a.lookupKey(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return a.expired(cc)
		}
		log.Error().Err(err).Msg("session key store unavailable")
		return reject(ReasonStoreUnavailable)
	}
	if !found {
		return reject(ReasonKeyNotFound)
	}
	return authorized()
}

var errKeyMissing = errors.New("session key not present")

// lookupKey checks the store with bounded exponential-backoff retries, to
// tolerate the producer's write racing the call event. A store error that
// survives the retry cap is returned as-is so the caller can distinguish
// "no key" from "store down".
func (a *Authorizer) lookupKey(ctx context.Context, key string) (bool, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = a.cfg.LookupBackoff

	op := func() (bool, error) {
		found, err := a.store.Exists(ctx, key)
		if err != nil {
			return false, err
		}
		if !found {
			return false, errKeyMissing
		}
		return true, nil
	}

	found, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(a.cfg.LookupMaxAttempts)),
	)
	if err != nil {
		if errors.Is(err, errKeyMissing) {
			return false, nil
		}
		return false, err
	}
	return found, nil
}

// awaitSIPCallID waits for a late call.metadata event carrying the SIP call
// id, one fresh window per attempt.
func (a *Authorizer) awaitSIPCallID(ctx context.Context, cc *CallContext, log zerolog.Logger) (string, error) {
	cc.SetState(StateExtracting)

	events := a.feeds.SubscribeMetadata(cc.CallID)
	defer a.feeds.UnsubscribeMetadata(cc.CallID)

	for cc.Attempts() < a.cfg.ExtractionMaxAttempts {
		attempt := cc.NextAttempt()
		timer := time.NewTimer(a.cfg.ExtractionWindow)

	window:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()

			case <-timer.C:
				log.Debug().Int("attempt", attempt).Msg("no sip call id within window")
				break window

			case ev, ok := <-events:
				timer.Stop()
				if !ok {
					return "", extractor.ErrFeedClosed
				}
				if ev.SIPCallID != "" {
					return ev.SIPCallID, nil
				}
				// Metadata without a call id; keep listening.
				timer = time.NewTimer(a.cfg.ExtractionWindow)
			}
		}
	}

	return "", extractor.ErrTimeout
}

func (a *Authorizer) expired(cc *CallContext) Decision {
	reason := ReasonDeadlineExceeded
	if cc.Disconnected() {
		reason = ReasonCallDisconnected
	}
	return Decision{Outcome: OutcomeExpired, Reason: reason, Timestamp: time.Now().UTC()}
}

func authorized() Decision {
	return Decision{Outcome: OutcomeAuthorized, Reason: ReasonAuthorized, Timestamp: time.Now().UTC()}
}

func reject(reason string) Decision {
	return Decision{Outcome: OutcomeRejected, Reason: reason, Timestamp: time.Now().UTC()}
}

// finalize records the decision exactly once, evicts the call context, and
// schedules the memo purge.
func (a *Authorizer) finalize(cc *CallContext, d Decision, log zerolog.Logger) {
	state := StateRejected
	switch d.Outcome {
	case OutcomeAuthorized:
		state = StateAuthorized
	case OutcomeExpired:
		state = StateExpired
	}
	cc.SetState(state)

	a.mu.Lock()
	a.decisions[cc.CallID] = &decisionRecord{decision: d}
	delete(a.contexts, cc.CallID)
	a.mu.Unlock()

	log.Info().
		Str("state", state.String()).
		Str("outcome", string(d.Outcome)).
		Str("reason", d.Reason).
		Int("attempts", cc.Attempts()).
		Dur("elapsed", time.Since(cc.CreatedAt)).
		Msg("authentication decision")

	if a.cfg.DecisionRetention > 0 {
		callID := cc.CallID
		time.AfterFunc(a.cfg.DecisionRetention, func() {
			a.mu.Lock()
			delete(a.decisions, callID)
			a.mu.Unlock()
		})
	}
}

// Authorize returns the memoized decision for a call. Authorized decisions
// are consume-once: the first caller gets the decision, later callers get
// ErrDuplicateAttach. A non-terminal flow returns ErrPending so the gate can
// tell the client to retry.
func (a *Authorizer) Authorize(callID string) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rec, ok := a.decisions[callID]; ok {
		if rec.decision.Authorized() {
			if rec.consumed {
				return rec.decision, ErrDuplicateAttach
			}
			rec.consumed = true
		}
		return rec.decision, nil
	}

	if _, ok := a.contexts[callID]; ok {
		return Decision{}, ErrPending
	}

	return Decision{}, ErrUnknownCall
}

// Active returns the number of in-flight authentication flows.
func (a *Authorizer) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.contexts)
}
