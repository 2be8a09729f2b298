package telephony

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Receiver is the HTTP endpoint the telephony/API platform posts events to.
// Payloads are untrusted until validated; malformed events are rejected,
// unknown event types are acknowledged and dropped.
type Receiver struct {
	dispatcher *Dispatcher
	validate   *validator.Validate
	log        zerolog.Logger
}

// NewReceiver creates a webhook receiver bound to a dispatcher.
func NewReceiver(d *Dispatcher, log zerolog.Logger) *Receiver {
	return &Receiver{
		dispatcher: d,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		log:        log,
	}
}

// ServeHTTP handles POST /events.
func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev Event
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		rc.log.Warn().Err(err).Msg("rejecting undecodable event payload")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch ev.Type {
	case EventCallConnected, EventCallDisconnected, EventCallMetadata, EventToneReceived:
	default:
		// Platforms emit event types we have no interest in; ack so they
		// don't retry delivery.
		rc.log.Debug().Str("type", string(ev.Type)).Msg("acknowledging unhandled event type")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := rc.validate.Struct(&ev); err != nil {
		rc.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("rejecting invalid event")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := rc.checkEvent(&ev); err != nil {
		rc.log.Warn().Err(err).
			Str("type", string(ev.Type)).
			Str("call_id", ev.CallID).
			Msg("rejecting inconsistent event")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	rc.log.Debug().
		Str("type", string(ev.Type)).
		Str("call_id", ev.CallID).
		Str("correlation_id", ev.CorrelationID).
		Msg("event received")

	rc.dispatcher.Dispatch(ev)
	w.WriteHeader(http.StatusAccepted)
}

// checkEvent enforces cross-field rules the struct tags cannot express.
func (rc *Receiver) checkEvent(ev *Event) error {
	switch ev.Type {
	case EventCallConnected:
		if ev.Flow == "" {
			return errMissingFlow
		}
	case EventToneReceived:
		if ev.Tone == "" {
			return errMissingTone
		}
	}
	return nil
}

var (
	errMissingFlow = validationError("call.connected event requires a flow")
	errMissingTone = validationError("tone.received event requires a tone")
)

type validationError string

func (e validationError) Error() string { return string(e) }
