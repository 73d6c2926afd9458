package storage

import (
	"fmt"
	"strings"
)

// ValidateKey rejects values that cannot be used as a single path segment
// in the Realtime Database.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if strings.ContainsAny(key, ".#$[]/") {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}
