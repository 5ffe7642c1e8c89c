package sqlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"beer", "`beer`"},
		{"since_date", "`since_date`"},
		{"select", "`select`"},
		{"http://example.org/name", "`http://example.org/name`"},
		{"user`data", "`user``data`"},
		{"", "``"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, QuoteIdentifier(tt.input))
		})
	}
}

func TestQualified(t *testing.T) {
	assert.Equal(t, "`__src`.`name`", Qualified("__src", "name"))
	assert.Equal(t, "`name`", Qualified("", "name"))
}
