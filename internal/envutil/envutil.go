package envutil

import (
	"net"
	"os"
	"strings"
)

// IsDev checks if we're running in development mode
// where security requirements can be relaxed for testing
func IsDev() bool {
	env := strings.ToLower(os.Getenv("FIELDCAPTURE_ENV"))
	return env == "development" || env == "dev"
}

// IsLoopbackHost reports whether host (with or without a port) names this
// machine. Plain http is acceptable there: the traffic never leaves it.
func IsLoopbackHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
