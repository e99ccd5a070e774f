package delivery

import (
	"strings"
)

// Class is the outcome of classifying a delivery failure.
type Class uint8

const (
	Retryable Class = iota
	Permanent
)

// String returns a human-readable representation of the class.
func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "retryable"
}

// Classify decides whether err is worth retrying. Typed errors are decided
// by their kind. Anything else falls back to ClassifyText over the message.
// A panic while classifying yields Retryable.
func Classify(err error) (c Class) {
	if err == nil {
		return Retryable
	}
	defer func() {
		if recover() != nil {
			c = Retryable
		}
	}()
	if k := KindOf(err); k != KindUnknown {
		return k.Class()
	}
	return ClassifyText(err.Error())
}

var permanentKeywords = []string{
	"invalid",
	"malformed",
	"validation",
	"bad request",
	"unauthorized",
	"forbidden",
	"authentication",
	"api key",
}

// ClassifyText is the free-text heuristic used for untyped errors. Checks
// run in order and the first match wins:
//
//  1. a permanent keyword anywhere in the text
//  2. a 4xx status at the start of the text, except 429
//  3. anything else is retryable: timeouts, connection and network
//     failures, 429, 5xx, and text nobody recognises
func ClassifyText(text string) Class {
	s := strings.ToLower(strings.TrimSpace(text))
	for _, kw := range permanentKeywords {
		if strings.Contains(s, kw) {
			return Permanent
		}
	}
	if strings.HasPrefix(s, "4") && !strings.HasPrefix(s, "429") {
		return Permanent
	}
	return Retryable
}
