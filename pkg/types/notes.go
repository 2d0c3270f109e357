package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// GroupDigits formats n with comma thousand separators.
func GroupDigits(n int) string {
	s := strconv.Itoa(n)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
	}
	for i := pre; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

// SummaryNotes renders the terminal-transition summary written to an
// order's notes. Orders with permanent failures carry the PARTIAL marker
// and the refunded amount.
func SummaryNotes(delivered, failedPermanent int, refunded decimal.Decimal) string {
	base := fmt.Sprintf("Delivered: %s | Failed: %s", GroupDigits(delivered), GroupDigits(failedPermanent))
	if failedPermanent > 0 {
		return fmt.Sprintf("%s (PARTIAL) | Refunded: $%s", base, refunded.String())
	}
	return base
}
