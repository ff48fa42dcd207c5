package session

import (
	"strings"

	"github.com/google/uuid"
)

const (
	// TokenNamespace prefixes every pick correlation token.
	TokenNamespace = "pick"
	// NamespaceDelimiter separates the namespace from the payload.
	NamespaceDelimiter = "--"
)

// newToken returns a fresh correlation token: pick--{uuid}.
func newToken() string {
	return formatToken(uuid.NewString())
}

func formatToken(payload string) string {
	return TokenNamespace + NamespaceDelimiter + payload
}

// ValidToken reports whether s has the shape of a correlation token.
func ValidToken(s string) bool {
	payload, ok := strings.CutPrefix(s, TokenNamespace+NamespaceDelimiter)
	if !ok {
		return false
	}
	_, err := uuid.Parse(payload)
	return err == nil
}
