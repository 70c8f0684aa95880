package translate

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint returns a stable hash of normalized message content, used as
// the cache key component. Whitespace runs are collapsed and surrounding
// space trimmed before hashing, so two messages differing only in formatting
// share cached translations.
func Fingerprint(content string) string {
	normalized := strings.Join(strings.Fields(content), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
