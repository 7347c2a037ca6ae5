// Package id generates correlation ids and connection identifiers.
//
// Both are drawn from the 122 random bits of a version 4 UUID, so collisions among the
// handful of tokens a connection or server holds at once are negligible. Callers that
// must be certain pass the set they already hold to Unique.
package id

import "github.com/google/uuid"

// New returns a fresh random token.
func New() string {
	return uuid.NewString()
}

// Unique returns a token for which taken reports false.
func Unique(taken func(string) bool) string {
	for {
		tok := New()
		if taken == nil || !taken(tok) {
			return tok
		}
	}
}
