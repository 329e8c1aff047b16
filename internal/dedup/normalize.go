package dedup

import (
	"strings"

	"golang.org/x/text/cases"

	"followup-engine/internal/channel"
)

var folder = cases.Fold()

// Normalize maps a raw recipient onto its dedup identity. Phone channels keep digits only;
// email addresses are trimmed and case-folded.
func Normalize(ch channel.Channel, recipient string) string {
	if ch.UsesPhone() {
		return digitsOnly(recipient)
	}
	return folder.String(strings.TrimSpace(recipient))
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
