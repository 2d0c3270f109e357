package types

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestGroupDigits(t *testing.T) {
	tests := []struct {
		name     string
		n        int
		expected string
	}{
		{name: "zero", n: 0, expected: "0"},
		{name: "under a thousand", n: 999, expected: "999"},
		{name: "exactly a thousand", n: 1000, expected: "1,000"},
		{name: "fifteen thousand", n: 15000, expected: "15,000"},
		{name: "millions", n: 1234567, expected: "1,234,567"},
		{name: "negative", n: -4200, expected: "-4,200"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GroupDigits(tt.n))
		})
	}
}

func TestSummaryNotes(t *testing.T) {
	t.Run("clean delivery", func(t *testing.T) {
		notes := SummaryNotes(15000, 0, decimal.Zero)
		assert.Equal(t, "Delivered: 15,000 | Failed: 0", notes)
	})

	t.Run("partial delivery carries refund", func(t *testing.T) {
		refunded := decimal.RequireFromString("0.1")
		notes := SummaryNotes(14500, 500, refunded)
		assert.Equal(t, "Delivered: 14,500 | Failed: 500 (PARTIAL) | Refunded: $0.1", notes)
	})
}
