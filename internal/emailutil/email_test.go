package emailutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "lowercase email",
			input:    "user@example.com",
			expected: "user@example.com",
		},
		{
			name:     "mixed case email",
			input:    "User@Example.Com",
			expected: "user@example.com",
		},
		{
			name:     "surrounding whitespace",
			input:    "  user@example.com\t",
			expected: "user@example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestIsAddress(t *testing.T) {
	assert.True(t, IsAddress("worker@example.org"))
	assert.True(t, IsAddress("first.last@sub.example.org"))
	assert.False(t, IsAddress(""))
	assert.False(t, IsAddress("worker"))
	assert.False(t, IsAddress("Field Worker <worker@example.org>"))
	assert.False(t, IsAddress("DOMAIN\\worker"))
}
