package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// Surface names the host environment the process runs in. Exactly one flow
// driver is selected from it at start.
type Surface string

const (
	SurfaceExtension Surface = "extension"
	SurfaceWeb       Surface = "web"
	SurfaceNative    Surface = "native"
)

// StorageKind selects the KV backend.
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageSQLite    StorageKind = "sqlite"
	StorageFirestore StorageKind = "firestore"
)

// Defaults applied by Load and FromEnv when a field is unset.
const (
	DefaultNamespace           = "fieldcapture"
	DefaultFirestoreCollection = "fieldcapture_kv"
	DefaultPollPeriod          = time.Minute
	DefaultExpiryBuffer        = 5 * time.Minute
	DefaultCallbackTimeout     = 5 * time.Minute
	DefaultBackendTimeout      = 30 * time.Second
	DefaultLoopbackAddr        = "127.0.0.1:8765"
)

// IdentityConfig describes the OpenID Connect provider and this client's
// registration with it.
type IdentityConfig struct {
	DiscoveryURL     string   `json:"discoveryUrl,omitempty"`
	AuthorizationURL string   `json:"authorizationUrl,omitempty"`
	TokenURL         string   `json:"tokenUrl,omitempty"`
	UserInfoURL      string   `json:"userInfoUrl,omitempty"`
	EndSessionURL    string   `json:"endSessionUrl,omitempty"`
	ClientID         string   `json:"clientId"`
	RedirectURI      string   `json:"redirectUri,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`

	// ProviderLogout makes sign-out also end the provider session.
	ProviderLogout bool `json:"providerLogout,omitempty"`
}

// StorageConfig selects where the credential lives.
type StorageConfig struct {
	Kind                StorageKind `json:"kind"`
	Path                string      `json:"path,omitempty"`
	Namespace           string      `json:"namespace,omitempty"`
	GCPProject          string      `json:"gcpProject,omitempty"`
	FirestoreDatabase   string      `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string      `json:"firestoreCollection,omitempty"`
	EncryptionKey       Secret      `json:"encryptionKey,omitempty"`
}

// BackendConfig points at the field-data API.
type BackendConfig struct {
	BaseURL string        `json:"baseUrl"`
	Timeout time.Duration `json:"timeout,omitempty"`
	// RateLimit caps backend requests per second. Zero keeps the client default.
	RateLimit int `json:"rateLimit,omitempty"`
}

// PollerConfig configures the background presence poller.
type PollerConfig struct {
	Period time.Duration `json:"period,omitempty"`
}

// Config represents the config structure with resolved values
type Config struct {
	Surface         Surface        `json:"surface"`
	Identity        IdentityConfig `json:"identity"`
	Storage         StorageConfig  `json:"storage"`
	Backend         BackendConfig  `json:"backend"`
	Poller          PollerConfig   `json:"poller"`
	ExpiryBuffer    time.Duration  `json:"expiryBuffer,omitempty"`
	CallbackTimeout time.Duration  `json:"callbackTimeout,omitempty"`
	LoopbackAddr    string         `json:"loopbackAddr,omitempty"`
}

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageMemory
	}
	if c.Storage.Namespace == "" {
		c.Storage.Namespace = DefaultNamespace
	}
	if c.Storage.Kind == StorageFirestore && c.Storage.FirestoreCollection == "" {
		c.Storage.FirestoreCollection = DefaultFirestoreCollection
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = DefaultBackendTimeout
	}
	if c.Poller.Period == 0 {
		c.Poller.Period = DefaultPollPeriod
	}
	if c.ExpiryBuffer == 0 {
		c.ExpiryBuffer = DefaultExpiryBuffer
	}
	if c.CallbackTimeout == 0 {
		c.CallbackTimeout = DefaultCallbackTimeout
	}
	if c.LoopbackAddr == "" {
		c.LoopbackAddr = DefaultLoopbackAddr
	}
}

// ParseConfigValue parses a JSON value that is either a plain string or an
// environment reference of the form {"$env": "VAR_NAME"}.
//
// References are resolved at load time. The explicit JSON form is used
// instead of $VAR substitution so a shell handling the file can never expand
// it, and a variable whose value contains $ is never expanded twice.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}

// parseOptionalValue resolves raw when present.
func parseOptionalValue(raw json.RawMessage, field string) (string, error) {
	if raw == nil {
		return "", nil
	}
	value, err := ParseConfigValue(raw)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", field, err)
	}
	return value, nil
}

func parseOptionalDuration(raw, field string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}
