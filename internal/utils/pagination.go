// Package utils provides small, layer-agnostic helpers.
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def when s is empty or not a
// number. Used for the page/limit query parameters on the message history
// endpoints, where a garbled value should fall back to the default page
// shape rather than fail the request.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
