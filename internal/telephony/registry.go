package telephony

import "sync"

// subscriberRegistry maps call ids to per-call delivery channels. Each
// authentication flow subscribes for exactly one call, so channels are
// partitioned by call identity and no cross-call locking is needed beyond
// the map itself.
type subscriberRegistry[T any] struct {
	mu   sync.RWMutex
	subs map[string]chan T
}

func newSubscriberRegistry[T any]() *subscriberRegistry[T] {
	return &subscriberRegistry[T]{subs: make(map[string]chan T)}
}

// subscribe registers a channel for a call. A second subscription for the
// same call replaces (and closes) the first.
func (r *subscriberRegistry[T]) subscribe(callID string) <-chan T {
	ch := make(chan T, 32)

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.subs[callID]; ok {
		close(old)
	}
	r.subs[callID] = ch
	return ch
}

func (r *subscriberRegistry[T]) unsubscribe(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.subs[callID]; ok {
		close(ch)
		delete(r.subs, callID)
	}
}

// deliver sends a value to the call's subscriber without blocking.
// Returns false if there is no subscriber or its buffer is full.
func (r *subscriberRegistry[T]) deliver(callID string, v T) bool {
	// Hold the read lock across the send so unsubscribe cannot close the
	// channel mid-delivery. The send is non-blocking, so the lock is brief.
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.subs[callID]
	if !ok {
		return false
	}

	select {
	case ch <- v:
		return true
	default:
		return false
	}
}
