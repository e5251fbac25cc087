package eolstation

import "strings"

// identifierRule is the fixed-prefix, fixed-length check applied to scanned
// identifiers before a cycle may start. Identifiers name record files, so only
// ASCII letters and digits are accepted.
type identifierRule struct {
	prefix string
	length int
}

func (r identifierRule) validate(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", &ValidationError{Identifier: raw, Reason: "empty"}
	}
	if strings.IndexFunc(id, notAlphanumeric) >= 0 {
		return "", &ValidationError{Identifier: id, Reason: "only letters and digits are allowed"}
	}
	if r.prefix != "" && !strings.HasPrefix(id, r.prefix) {
		return "", &ValidationError{Identifier: id, Reason: "must start with " + r.prefix}
	}
	if r.length > 0 && len(id) != r.length {
		return "", &ValidationError{Identifier: id, Reason: "wrong length"}
	}
	return id, nil
}

func notAlphanumeric(c rune) bool {
	return !('0' <= c && c <= '9' || 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z')
}
