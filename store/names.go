package store

import (
	"fmt"
	"strings"
)

// NormalizeName lowercases a keyspace, table or view name and checks that it
// is a plain identifier. Both backends fold unquoted names to lowercase, so
// every name crossing into either of them goes through here first.
func NormalizeName(name string) (string, error) {
	n := lower(strings.TrimSpace(name))
	if !validIdentifier(n) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return n, nil
}

// NormalizeNames normalizes every name and drops duplicates, keeping first-seen order.
func NormalizeNames(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		n, err := NormalizeName(name)
		if err != nil {
			return nil, err
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

func validIdentifier(s string) bool {
	if s == "" || len(s) > 48 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func lower(s string) string { return strings.ToLower(s) }

func upper(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
