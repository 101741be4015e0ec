//go:build property
// +build property

// Package fingerprint_test contains property-based tests for page
// normalization and digest determinism.
package fingerprint_test

import (
	"strings"
	"testing"
	"unicode"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/octavolabs/octavo/pkg/fingerprint"
)

// TestNormalizeIdempotent verifies normalization is a fixed point.
// Property: NormalizePage(NormalizePage(s)) == NormalizePage(s)
func TestNormalizeIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("normalization is idempotent", prop.ForAll(
		func(s string) bool {
			once := fingerprint.NormalizePage(s)
			return fingerprint.NormalizePage(once) == once
		},
		gen.UnicodeString(unicode.Latin),
	))

	properties.TestingRun(t)
}

// TestNormalizeShape verifies the normalized form never carries runs of
// whitespace or padding at either end.
func TestNormalizeShape(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("no double spaces, no edge whitespace", prop.ForAll(
		func(s string) bool {
			n := fingerprint.NormalizePage(s)
			if strings.Contains(n, "  ") {
				return false
			}
			return n == strings.TrimSpace(n)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestPageSHAInsensitiveToPadding verifies padding never changes identity.
func TestPageSHAInsensitiveToPadding(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("surrounding whitespace is identity-neutral", prop.ForAll(
		func(s string, padLeft, padRight uint8) bool {
			padded := strings.Repeat(" ", int(padLeft)%8) + s + strings.Repeat("\n", int(padRight)%8)
			return fingerprint.PageSHA(padded) == fingerprint.PageSHA(s)
		},
		gen.AlphaString(),
		gen.UInt8(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
