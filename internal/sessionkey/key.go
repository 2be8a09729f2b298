// Package sessionkey builds the canonical composite keys that producers and
// this service construct independently. Building must be deterministic: the
// same logical identity always yields the same string, because the producer
// and the consumer never share a call stack.
package sessionkey

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Flow identifies the channel a call arrived on.
type Flow string

const (
	FlowPSTN Flow = "pstn"
	FlowSIP  Flow = "sip"
	FlowAPI  Flow = "api"
)

var (
	ErrMissingField = errors.New("sessionkey: required field is missing")
	ErrInvalidANI   = errors.New("sessionkey: ANI is not a valid E.164 number")
	ErrInvalidCode  = errors.New("sessionkey: tone code is not a valid digit sequence")
	ErrInvalidID    = errors.New("sessionkey: call id contains invalid characters")
	ErrUnknownFlow  = errors.New("sessionkey: unknown flow type")
)

var (
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Stored codes are bare keypad digits; '#' terminates entry and '*' is
	// rejected during extraction, so neither ever reaches the builder.
	codeRe = regexp.MustCompile(`^[0-9]{1,16}$`)

	// Opaque identifiers from the SIP trunk / API layer: printable ASCII,
	// no whitespace.
	idRe = regexp.MustCompile(`^[\x21-\x7e]+$`)
)

// Fields carries the raw identity material for one call. Which fields are
// required depends on the flow.
type Fields struct {
	ANI              string // caller number, E.164 (PSTN)
	Code             string // captured DTMF digit sequence (PSTN)
	SIPCallID        string // trunk/SBC-assigned call id (SIP)
	CallConnectionID string // id returned when the API call was created (API)
}

// Build maps (flow, fields) to the canonical key string, or returns a
// validation error. Extracted values are untrusted input and are checked
// against the expected shape before any store lookup sees them.
func Build(flow Flow, f Fields) (string, error) {
	switch flow {
	case FlowPSTN:
		if f.ANI == "" || f.Code == "" {
			return "", ErrMissingField
		}
		if err := validate.Var(f.ANI, "e164"); err != nil {
			return "", ErrInvalidANI
		}
		if !codeRe.MatchString(f.Code) {
			return "", ErrInvalidCode
		}
		return fmt.Sprintf("pstn:%s:%s", f.ANI, f.Code), nil

	case FlowSIP:
		if f.SIPCallID == "" {
			return "", ErrMissingField
		}
		if !idRe.MatchString(f.SIPCallID) {
			return "", ErrInvalidID
		}
		return "sip:" + f.SIPCallID, nil

	case FlowAPI:
		if f.CallConnectionID == "" {
			return "", ErrMissingField
		}
		if !idRe.MatchString(f.CallConnectionID) {
			return "", ErrInvalidID
		}
		return "acs:call_connection_id:" + f.CallConnectionID, nil

	default:
		return "", ErrUnknownFlow
	}
}

// NormalizeANI extracts a dialable number from a raw caller identity.
// Examples:
//   - sip:+15551234567@carrier.example -> +15551234567
//   - tel:+15551234567 -> +15551234567
//   - +15551234567 -> +15551234567
func NormalizeANI(raw string) string {
	raw = strings.TrimPrefix(raw, "sip:")
	raw = strings.TrimPrefix(raw, "tel:")

	// Drop the host part and any URI parameters.
	if idx := strings.Index(raw, "@"); idx != -1 {
		raw = raw[:idx]
	}
	if idx := strings.Index(raw, ";"); idx != -1 {
		raw = raw[:idx]
	}

	var b strings.Builder
	for i, r := range raw {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
