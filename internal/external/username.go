// Package external hosts the simple adapters for collaborators spec.md §6
// names but that no ecosystem library fits: a single-method "tell another
// internal service to delete/lookup something" contract has no natural
// third-party client, so each is implemented directly against the service
// it fronts (an HTTP call, a thin DB lookup, or a pure function).
package external

import (
	"fmt"
	"regexp"
	"strings"

	"accountsd/internal/core/accounts"
)

const maxUsernameLength = 26

// usernameRegex requires a letter-or-underscore start followed by
// alphanumerics/underscores, the syntactic shape spec.md's Non-goals
// leave undesigned but canonicalization still needs a basic sanity check
// against (an empty or all-digit username has no valid canonical form).
var usernameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,25}$`)

// usernameValidator canonicalizes a raw username to lowercase, trimmed
// form, grounded on the teacher's validateHandle normalize-then-match
// shape.
type usernameValidator struct{}

// NewUsernameValidator returns the default case-folding canonicalizer.
func NewUsernameValidator() accounts.UsernameValidator {
	return usernameValidator{}
}

func (usernameValidator) Canonical(raw string) (string, error) {
	canonical := strings.TrimSpace(strings.ToLower(raw))

	if canonical == "" {
		return "", &accounts.InvalidUsernameError{Username: raw, Reason: "username cannot be empty"}
	}
	if len(canonical) > maxUsernameLength {
		return "", &accounts.InvalidUsernameError{
			Username: raw,
			Reason:   fmt.Sprintf("username exceeds maximum length of %d characters", maxUsernameLength),
		}
	}
	if !usernameRegex.MatchString(canonical) {
		return "", &accounts.InvalidUsernameError{
			Username: raw,
			Reason:   "username must start with a letter or underscore and contain only letters, digits, and underscores",
		}
	}
	return canonical, nil
}

var _ accounts.UsernameValidator = usernameValidator{}
