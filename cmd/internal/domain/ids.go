// Package domain holds the identifiers, validation rules and error kinds shared by
// the like ledger, the match resolver and the conversation log.
package domain

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// PairSeparator joins the two canonical user ids of a pair key.
	// It is excluded from the user id alphabet, so a pair key always splits unambiguously.
	PairSeparator = ":"

	// MaxUserIDLen bounds user ids in bytes (ids are ASCII).
	MaxUserIDLen = 128

	// MaxContentChars bounds message content in runes after trimming.
	MaxContentChars = 4000
)

var userIDRE = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// NormalizeUserID trims s and validates it against the user id alphabet.
func NormalizeUserID(op, s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", Invalid(op, "missing user id")
	}
	if len(s) > MaxUserIDLen {
		return "", Invalid(op, "user id too long")
	}
	if !userIDRE.MatchString(s) {
		return "", Invalid(op, "malformed user id")
	}
	return s, nil
}

// CanonicalPair orders two user ids by byte-wise comparison.
func CanonicalPair(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}

// PairKey returns the canonical key of the unordered pair {a, b}.
// PairKey(a, b) == PairKey(b, a) for all a, b.
func PairKey(a, b string) string {
	low, high := CanonicalPair(a, b)
	return low + PairSeparator + high
}

// ParsePairKey validates a match id and returns its two participants.
// Only canonical keys (low < high, both valid user ids) are accepted.
func ParsePairKey(op, key string) (low, high string, err error) {
	key = strings.TrimSpace(key)
	l, h, ok := strings.Cut(key, PairSeparator)
	if !ok {
		return "", "", Invalid(op, "malformed match id")
	}
	if l, err = NormalizeUserID(op, l); err != nil {
		return "", "", Invalid(op, "malformed match id")
	}
	if h, err = NormalizeUserID(op, h); err != nil {
		return "", "", Invalid(op, "malformed match id")
	}
	if l >= h {
		return "", "", Invalid(op, "match id is not canonical")
	}
	return l, h, nil
}

// NormalizeContent trims message content and enforces the size rules.
func NormalizeContent(op, s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", Invalid(op, "content is not valid UTF-8")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", Invalid(op, "empty content")
	}
	if strings.IndexByte(s, 0) >= 0 {
		return "", Invalid(op, "content contains a NUL character")
	}
	if utf8.RuneCountInString(s) > MaxContentChars {
		return "", Invalid(op, "content too long")
	}
	return s, nil
}
