package submit

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/snehjoshi/eventrelay/internal/types"
)

// ErrInvalidEnvelope wraps every local validation failure. These are never
// queued and never retried.
var ErrInvalidEnvelope = errors.New("submit: invalid envelope")

// DefaultMaxPayloadBytes is the serialized envelope ceiling.
const DefaultMaxPayloadBytes = 1 << 20

// Validate checks env against the envelope rules and returns an error
// wrapping ErrInvalidEnvelope for the first violation.
func Validate(env types.Envelope, maxPayload int) error {
	if strings.TrimSpace(env.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(env.Email) == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidEnvelope)
	}
	if !ValidEmail(env.Email) {
		return fmt.Errorf("%w: email %q is not a valid address", ErrInvalidEnvelope, env.Email)
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadBytes
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: not serializable: %v", ErrInvalidEnvelope, err)
	}
	if len(b) > maxPayload {
		return fmt.Errorf("%w: payload is %d bytes, limit %d", ErrInvalidEnvelope, len(b), maxPayload)
	}
	return nil
}

// ValidEmail reports whether s is a bare RFC 5322 address: no display name,
// no angle brackets, and a dotted domain.
func ValidEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Name != "" || addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(addr.Address, '@')
	if at <= 0 {
		return false
	}
	domain := addr.Address[at+1:]
	return strings.Contains(domain, ".") && !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".")
}
