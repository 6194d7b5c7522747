// Package uuid generates operation IDs and local placeholder entity IDs.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// LocalPrefix marks entity IDs minted on the client before the server has
// assigned a real one.
const LocalPrefix = "local-"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewLocal generates a placeholder entity ID for an optimistic create.
func NewLocal() string {
	return LocalPrefix + uuid.New().String()
}

// IsLocal reports whether id is a client-side placeholder.
func IsLocal(id string) bool {
	return strings.HasPrefix(id, LocalPrefix) && IsValid(strings.TrimPrefix(id, LocalPrefix))
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
