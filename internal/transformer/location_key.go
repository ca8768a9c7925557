package transformer

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// LocationKeySeparator joins hierarchy values before hashing.
const LocationKeySeparator = "\x1f"

// LocationKey derives a stable, always-non-null key for a hierarchy tuple:
// the hex SHA-256 of the values joined by LocationKeySeparator.
//
// Storage backends use it as the unique column so that re-loading the same
// hierarchy is a no-op. Hashing the whole tuple avoids UNIQUE constraints over
// several text columns, which some backends cap in width.
func LocationKey(values []string) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteString(LocationKeySeparator)
		}
		b.WriteString(v)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
