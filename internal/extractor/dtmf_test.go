package extractor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dense-identity/callgate/internal/telephony"
)

func newTestExtractor(window time.Duration) *Extractor {
	return New(window, 50*time.Millisecond, zerolog.Nop())
}

func feed(ch chan telephony.ToneEvent, base time.Time, gaps time.Duration, digits ...string) {
	for i, d := range digits {
		ch <- telephony.ToneEvent{CallID: "c1", Digit: d, Sequence: i, Timestamp: base.Add(time.Duration(i) * gaps)}
	}
}

func TestListenCapturesTerminatedCode(t *testing.T) {
	e := newTestExtractor(time.Second)
	tones := make(chan telephony.ToneEvent, 8)
	feed(tones, time.Now(), 100*time.Millisecond, "8", "2", "3", "#")

	code, err := e.Listen(context.Background(), tones)
	require.NoError(t, err)
	require.Equal(t, "823", code)
}

func TestListenDebouncesRepeatedReports(t *testing.T) {
	e := newTestExtractor(time.Second)
	tones := make(chan telephony.ToneEvent, 8)

	// The platform reports the same keypress twice within the debounce
	// interval; the run must collapse to a single digit.
	base := time.Now()
	tones <- telephony.ToneEvent{Digit: "8", Timestamp: base}
	tones <- telephony.ToneEvent{Digit: "8", Timestamp: base.Add(20 * time.Millisecond)}
	tones <- telephony.ToneEvent{Digit: "2", Timestamp: base.Add(200 * time.Millisecond)}
	tones <- telephony.ToneEvent{Digit: "3", Timestamp: base.Add(400 * time.Millisecond)}
	tones <- telephony.ToneEvent{Digit: "#", Timestamp: base.Add(600 * time.Millisecond)}

	code, err := e.Listen(context.Background(), tones)
	require.NoError(t, err)
	require.Equal(t, "823", code)
}

func TestListenKeepsDeliberateRepeats(t *testing.T) {
	e := newTestExtractor(time.Second)
	tones := make(chan telephony.ToneEvent, 8)

	// Same digit pressed twice, but outside the debounce interval.
	base := time.Now()
	tones <- telephony.ToneEvent{Digit: "8", Timestamp: base}
	tones <- telephony.ToneEvent{Digit: "8", Timestamp: base.Add(400 * time.Millisecond)}
	tones <- telephony.ToneEvent{Digit: "#", Timestamp: base.Add(600 * time.Millisecond)}

	code, err := e.Listen(context.Background(), tones)
	require.NoError(t, err)
	require.Equal(t, "88", code)
}

func TestListenTimesOutWithoutTerminator(t *testing.T) {
	e := newTestExtractor(150 * time.Millisecond)
	tones := make(chan telephony.ToneEvent, 8)
	feed(tones, time.Now(), 10*time.Millisecond, "8", "2")

	_, err := e.Listen(context.Background(), tones)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestListenTimesOutOnSilence(t *testing.T) {
	e := newTestExtractor(100 * time.Millisecond)
	tones := make(chan telephony.ToneEvent)

	start := time.Now()
	_, err := e.Listen(context.Background(), tones)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), time.Second, "window must be bounded")
}

func TestListenRejectsAmbiguousTones(t *testing.T) {
	e := newTestExtractor(time.Second)
	tones := make(chan telephony.ToneEvent, 8)
	feed(tones, time.Now(), 100*time.Millisecond, "8", "*", "3", "#")

	_, err := e.Listen(context.Background(), tones)
	require.ErrorIs(t, err, ErrFailure)
}

func TestListenRejectsEmptyTerminatedCode(t *testing.T) {
	e := newTestExtractor(time.Second)
	tones := make(chan telephony.ToneEvent, 8)
	feed(tones, time.Now(), 100*time.Millisecond, "#")

	_, err := e.Listen(context.Background(), tones)
	require.ErrorIs(t, err, ErrFailure)
}

func TestListenStopsWhenFeedCloses(t *testing.T) {
	e := newTestExtractor(time.Second)
	tones := make(chan telephony.ToneEvent, 8)
	close(tones)

	_, err := e.Listen(context.Background(), tones)
	require.ErrorIs(t, err, ErrFeedClosed)
}

func TestListenHonorsCancellation(t *testing.T) {
	e := newTestExtractor(5 * time.Second)
	tones := make(chan telephony.ToneEvent)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Listen(ctx, tones)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}
