package exporter

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// hashedIdentifierPrefix prefixes the fallback identifier used for inputs
// that normalize to nothing.
const hashedIdentifierPrefix = "col_"

// NormalizeIdentifier turns an arbitrary string into a warehouse-safe
// identifier. Runs of characters outside [A-Za-z0-9_$] collapse into a single
// underscore, and a leading character that cannot start an identifier gets an
// underscore prepended. Inputs that normalize to nothing map to a short,
// deterministic hash of the original input, so distinct inputs keep distinct
// identifiers.
func NormalizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	pendingGap := false
	for _, r := range s {
		if isIdentifierChar(r) {
			if pendingGap && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingGap = false
			b.WriteRune(r)
		} else {
			pendingGap = true
		}
	}

	out := b.String()
	if out == "" {
		sum := sha256.Sum256([]byte(s))
		return hashedIdentifierPrefix + hex.EncodeToString(sum[:])[:6]
	}

	out = strings.ReplaceAll(out, " ", "_")
	if !isIdentifierStart(rune(out[0])) {
		out = "_" + out
	}
	return out
}

func isIdentifierChar(r rune) bool {
	return r == '_' || r == '$' ||
		(r >= '0' && r <= '9') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= 'a' && r <= 'z')
}

func isIdentifierStart(r rune) bool {
	return r == '_' ||
		(r >= 'A' && r <= 'Z') ||
		(r >= 'a' && r <= 'z')
}
