package normalize

import "strings"

// Username returns a normalized form of a username suitable for storage
// and comparisons. Usernames are case-sensitive, so normalization only
// trims surrounding whitespace.
func Username(u string) string {
	return strings.TrimSpace(u)
}

// Content returns message content with surrounding whitespace trimmed.
// Content that is empty after trimming is rejected by the message store.
func Content(c string) string {
	return strings.TrimSpace(c)
}
