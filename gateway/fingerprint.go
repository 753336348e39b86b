package gateway

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// maxFingerprintInput bounds how much of the normalized request text feeds
// the hash; beyond this, prompts are long enough that a prefix collision
// is not a practical concern.
const maxFingerprintInput = 1 << 16

// Fingerprint derives a stable cache key from a cacheable request's
// parameters. The text parts are lowercased and whitespace-collapsed so
// trivially reworded duplicates of the same request share a key.
func Fingerprint(scope string, parts ...string) string {
	var b strings.Builder
	for i, part := range parts {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(normalize(part))
	}
	s := b.String()
	if len(s) > maxFingerprintInput {
		s = s[:maxFingerprintInput]
	}
	return scope + ":" + strconv.FormatUint(xxhash.Sum64String(s), 16)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
