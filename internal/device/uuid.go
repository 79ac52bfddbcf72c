package device

import (
	"fmt"
	"strings"
)

// CanonicalAddress produces the canonical form of a peripheral address
// (lower-cased, surrounding whitespace removed). Every comparison, map key and
// file name derived from an address uses this form.
func CanonicalAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// CanonicalUUID produces the canonical form of a characteristic UUID
// (lower-cased, surrounding whitespace removed).
func CanonicalUUID(uuid string) string {
	return strings.ToLower(strings.TrimSpace(uuid))
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID validates that UUID strings are non-empty and contain only hex
// digits and dashes. Returns canonical UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		canonical := CanonicalUUID(uuid)
		if canonical == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		digits := strings.ReplaceAll(canonical, "-", "")
		if len(digits) != 4 && len(digits) != 8 && len(digits) != 32 {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		for _, r := range digits {
			if !strings.ContainsRune("0123456789abcdef", r) {
				return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
			}
		}
		result = append(result, canonical)
	}
	return result, nil
}
