package auth

import (
	"errors"
	"fmt"
	"strings"
)

// WildcardAction grants every action on a scope type.
const WildcardAction = "all"

// ErrMalformedScope indicates a scope string that is not "<type>:<action>".
var ErrMalformedScope = errors.New("malformed scope")

// Scope is a closed capability: a resource type and an action on it.
// Matching is structural, not string comparison, so the wildcard rule
// lives in exactly one place.
type Scope struct {
	Type   string
	Action string
}

// ParseScope parses "<type>:<action>" into a Scope.
func ParseScope(s string) (Scope, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Scope{}, fmt.Errorf("%w: %q", ErrMalformedScope, s)
	}
	return Scope{Type: parts[0], Action: parts[1]}, nil
}

// String returns the canonical "<type>:<action>" form.
func (s Scope) String() string {
	return s.Type + ":" + s.Action
}

// Satisfies reports whether holding this scope authorizes the requested
// one. "<type>:all" satisfies any action on the same type.
func (s Scope) Satisfies(requested Scope) bool {
	if s.Type != requested.Type {
		return false
	}
	return s.Action == WildcardAction || s.Action == requested.Action
}
