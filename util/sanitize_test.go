package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeLogValue(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"clean", "alice@example.com", "alice@example.com"},
		{"newline injection", "alice\nFAKE LOG LINE", "alice_FAKE LOG LINE"},
		{"carriage return", "alice\r\nbob", "alice__bob"},
		{"control chars", "a\x00b\x1bc", "a_b_c"},
		{"del char", "a\x7fb", "a_b"},
		{"unicode preserved", "ユーザー名", "ユーザー名"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeLogValue(tt.input))
		})
	}
}

func TestSanitizeLogValueTruncates(t *testing.T) {
	long := strings.Repeat("a", MaxLogValueLength+50)
	got := SanitizeLogValue(long)
	assert.True(t, strings.HasSuffix(got, "...[truncated]"))
	assert.Len(t, got, MaxLogValueLength+len("...[truncated]"))
}
