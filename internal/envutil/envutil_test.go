package envutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDev(t *testing.T) {
	t.Setenv("FIELDCAPTURE_ENV", "")
	assert.False(t, IsDev())

	t.Setenv("FIELDCAPTURE_ENV", "Development")
	assert.True(t, IsDev())

	t.Setenv("FIELDCAPTURE_ENV", "dev")
	assert.True(t, IsDev())

	t.Setenv("FIELDCAPTURE_ENV", "production")
	assert.False(t, IsDev())
}

func TestIsLoopbackHost(t *testing.T) {
	for host, want := range map[string]bool{
		"localhost":        true,
		"LOCALHOST:8080":   true,
		"127.0.0.1":        true,
		"127.0.0.1:8765":   true,
		"[::1]:8765":       true,
		"::1":              true,
		"10.0.0.5":         false,
		"api.example.com":  false,
		"localhost.evil.io": false,
	} {
		assert.Equal(t, want, IsLoopbackHost(host), host)
	}
}
