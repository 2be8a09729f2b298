// Package extractor turns a live per-call tone feed into a caller-entered
// code. Output is untrusted input for the key builder; the extractor never
// guesses and never returns a partial code.
package extractor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dense-identity/callgate/internal/telephony"
)

var (
	// ErrTimeout means the listen window expired before a terminated code
	// was captured.
	ErrTimeout = errors.New("extractor: window expired without a complete code")

	// ErrFailure means the tone sequence was malformed or ambiguous.
	ErrFailure = errors.New("extractor: malformed or ambiguous tone sequence")

	// ErrFeedClosed means the tone feed was torn down mid-listen, which
	// happens when the call disconnects.
	ErrFeedClosed = errors.New("extractor: tone feed closed")
)

const terminator = "#"

// Extractor collects DTMF digits within a bounded window.
type Extractor struct {
	window   time.Duration
	debounce time.Duration
	maxCode  int
	log      zerolog.Logger
}

// New creates an extractor. window bounds one listen attempt; debounce
// collapses repeated reports of the same digit.
func New(window, debounce time.Duration, log zerolog.Logger) *Extractor {
	return &Extractor{
		window:   window,
		debounce: debounce,
		maxCode:  16,
		log:      log,
	}
}

// Listen consumes tone events until a terminator tone, window expiry, or
// cancellation. It returns the captured digit code, or an error; it does not
// return partial codes.
func (e *Extractor) Listen(ctx context.Context, tones <-chan telephony.ToneEvent) (string, error) {
	timer := time.NewTimer(e.window)
	defer timer.Stop()

	var (
		digits    []byte
		lastDigit string
		lastAt    time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case <-timer.C:
			e.log.Debug().Int("partial_digits", len(digits)).Msg("extraction window expired")
			return "", ErrTimeout

		case tone, ok := <-tones:
			if !ok {
				return "", ErrFeedClosed
			}

			at := tone.Timestamp
			if at.IsZero() {
				at = time.Now()
			}

			// The platform may report the same keypress more than once.
			if tone.Digit == lastDigit && at.Sub(lastAt) <= e.debounce {
				lastAt = at
				continue
			}

			switch {
			case tone.Digit == terminator:
				if len(digits) == 0 {
					return "", ErrFailure
				}
				return string(digits), nil

			case isDigit(tone.Digit):
				digits = append(digits, tone.Digit[0])
				if len(digits) > e.maxCode {
					return "", ErrFailure
				}
				lastDigit = tone.Digit
				lastAt = at

			default:
				// '*' or anything else the keypad should not produce here.
				return "", ErrFailure
			}
		}
	}
}

func isDigit(s string) bool {
	return len(s) == 1 && s[0] >= '0' && s[0] <= '9'
}
