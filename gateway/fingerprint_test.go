package gateway

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("gen", "Tell me about the Decembrists", "1024", "0.3")
	b := Fingerprint("gen", "Tell me about the Decembrists", "1024", "0.3")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "gen:"))
}

func TestFingerprintNormalizesCaseAndWhitespace(t *testing.T) {
	a := Fingerprint("gen", "Tell me  about the\tDecembrists ")
	b := Fingerprint("gen", "tell me about the decembrists")
	assert.Equal(t, a, b)
}

func TestFingerprintDistinguishesParameters(t *testing.T) {
	base := Fingerprint("gen", "prompt", "1024", "0.3")
	assert.NotEqual(t, base, Fingerprint("gen", "prompt", "2048", "0.3"))
	assert.NotEqual(t, base, Fingerprint("gen", "prompt", "1024", "0.7"))
	assert.NotEqual(t, base, Fingerprint("quiz", "prompt", "1024", "0.3"))
}

func TestFingerprintPartBoundaries(t *testing.T) {
	// "ab"+"c" must not collide with "a"+"bc".
	assert.NotEqual(t, Fingerprint("gen", "ab", "c"), Fingerprint("gen", "a", "bc"))
}

func TestFingerprintBoundedLength(t *testing.T) {
	huge := strings.Repeat("history ", 1<<16)
	key := Fingerprint("gen", huge)
	assert.Less(t, len(key), 40)
}
