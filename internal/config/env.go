package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// overrides holds the FIELDCAPTURE_* environment variables. A set variable
// wins over the config file.
type overrides struct {
	Surface          string        `env:"FIELDCAPTURE_SURFACE"`
	DiscoveryURL     string        `env:"FIELDCAPTURE_DISCOVERY_URL"`
	AuthorizationURL string        `env:"FIELDCAPTURE_AUTHORIZATION_URL"`
	TokenURL         string        `env:"FIELDCAPTURE_TOKEN_URL"`
	ClientID         string        `env:"FIELDCAPTURE_CLIENT_ID"`
	RedirectURI      string        `env:"FIELDCAPTURE_REDIRECT_URI"`
	Scopes           []string      `env:"FIELDCAPTURE_SCOPES" envSeparator:","`
	ProviderLogout   string        `env:"FIELDCAPTURE_PROVIDER_LOGOUT"`
	StorageKind      string        `env:"FIELDCAPTURE_STORAGE"`
	StoragePath      string        `env:"FIELDCAPTURE_STORAGE_PATH"`
	Namespace        string        `env:"FIELDCAPTURE_NAMESPACE"`
	GCPProject       string        `env:"FIELDCAPTURE_GCP_PROJECT"`
	EncryptionKey    string        `env:"FIELDCAPTURE_ENCRYPTION_KEY"`
	BackendURL       string        `env:"FIELDCAPTURE_BACKEND_URL"`
	BackendTimeout   time.Duration `env:"FIELDCAPTURE_BACKEND_TIMEOUT"`
	BackendRateLimit int           `env:"FIELDCAPTURE_BACKEND_RATE_LIMIT"`
	PollPeriod       time.Duration `env:"FIELDCAPTURE_POLL_PERIOD"`
	ExpiryBuffer     time.Duration `env:"FIELDCAPTURE_EXPIRY_BUFFER"`
	CallbackTimeout  time.Duration `env:"FIELDCAPTURE_CALLBACK_TIMEOUT"`
	LoopbackAddr     string        `env:"FIELDCAPTURE_LOOPBACK_ADDR"`
}

// ApplyEnv overlays FIELDCAPTURE_* environment variables onto c.
func ApplyEnv(c *Config) error {
	var o overrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setString(&c.Identity.DiscoveryURL, o.DiscoveryURL)
	setString(&c.Identity.AuthorizationURL, o.AuthorizationURL)
	setString(&c.Identity.TokenURL, o.TokenURL)
	setString(&c.Identity.ClientID, o.ClientID)
	setString(&c.Identity.RedirectURI, o.RedirectURI)
	setString(&c.Storage.Path, o.StoragePath)
	setString(&c.Storage.Namespace, o.Namespace)
	setString(&c.Storage.GCPProject, o.GCPProject)
	setString(&c.Backend.BaseURL, o.BackendURL)
	setString(&c.LoopbackAddr, o.LoopbackAddr)

	if o.Surface != "" {
		c.Surface = Surface(o.Surface)
	}
	if o.StorageKind != "" {
		c.Storage.Kind = StorageKind(o.StorageKind)
	}
	if o.EncryptionKey != "" {
		c.Storage.EncryptionKey = Secret(o.EncryptionKey)
	}
	if len(o.Scopes) > 0 {
		c.Identity.Scopes = o.Scopes
	}
	if o.ProviderLogout != "" {
		enabled, err := strconv.ParseBool(o.ProviderLogout)
		if err != nil {
			return fmt.Errorf("FIELDCAPTURE_PROVIDER_LOGOUT: %w", err)
		}
		c.Identity.ProviderLogout = enabled
	}
	setDuration(&c.Backend.Timeout, o.BackendTimeout)
	if o.BackendRateLimit > 0 {
		c.Backend.RateLimit = o.BackendRateLimit
	}
	setDuration(&c.Poller.Period, o.PollPeriod)
	setDuration(&c.ExpiryBuffer, o.ExpiryBuffer)
	setDuration(&c.CallbackTimeout, o.CallbackTimeout)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
