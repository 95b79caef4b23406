// Package stest has shared test utilities.
package stest

import (
	"crypto/sha256"
	"math/rand/v2"
	"testing"
)

// RandomDataForTest returns a byte slice of size sz
// containing pseudorandom data, derived from a seed based on the test name.
func RandomDataForTest(t *testing.T, sz int) []byte {
	// Sha256 happens to be the right size for the chacha8 seed,
	// and this fits well anyway since that means
	// we are not limited by the length of any particular test name.
	seed := sha256.Sum256([]byte(t.Name()))
	chacha := rand.NewChaCha8(seed)

	out := make([]byte, sz)

	if _, err := chacha.Read(out); err != nil {
		panic(err)
	}

	return out
}

// RandomPrintableForTest returns a string of length sz
// of printable ASCII, derived the same way as [RandomDataForTest].
func RandomPrintableForTest(t *testing.T, sz int) string {
	raw := RandomDataForTest(t, sz)
	for i, b := range raw {
		raw[i] = 0x20 + b%0x5f
	}
	return string(raw)
}
