package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint returns the stable key for a prompt under a persona plus any
// context flags. Identical logical requests must land on the same key, so the
// prompt is whitespace-normalized and flags are order-independent.
func Fingerprint(prompt, persona string, flags ...string) string {
	h := sha256.New()
	h.Write([]byte(normalizePrompt(prompt)))
	h.Write([]byte{0})
	h.Write([]byte(persona))

	if len(flags) > 0 {
		sorted := make([]string, len(flags))
		copy(sorted, flags)
		sort.Strings(sorted)
		for _, flag := range sorted {
			h.Write([]byte{0})
			h.Write([]byte(flag))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalizePrompt collapses runs of whitespace to single spaces and trims the
// ends. Casing is preserved: prompt case can be meaningful.
func normalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}
