package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/dgellow/fieldcapture-auth/internal/envutil"
	"github.com/dgellow/fieldcapture-auth/internal/log"
)

// Version is the config file format this build reads.
const Version = "v1"

// Load loads and processes the config with immediate env var resolution.
// FIELDCAPTURE_* environment variables override the file.
func Load(path string) (Config, error) {
	data, err := readSource(path)
	if err != nil {
		return Config{}, err
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, Version) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env refs immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := ApplyEnv(&config); err != nil {
		return Config{}, err
	}
	config.ApplyDefaults()

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// FromEnv builds a config from FIELDCAPTURE_* environment variables alone.
func FromEnv() (Config, error) {
	var config Config
	if err := ApplyEnv(&config); err != nil {
		return Config{}, err
	}
	config.ApplyDefaults()

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	storage, ok := rawConfig["storage"].(map[string]any)
	if !ok {
		return nil
	}
	value, exists := storage["encryptionKey"]
	if !exists {
		return nil
	}
	if _, isString := value.(string); isString {
		return fmt.Errorf("encryptionKey must use environment variable reference for security")
	}
	if refMap, isMap := value.(map[string]any); isMap {
		if _, hasEnv := refMap["$env"]; !hasEnv {
			return fmt.Errorf("encryptionKey must use {\"$env\": \"VAR_NAME\"} format")
		}
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	switch config.Surface {
	case SurfaceExtension, SurfaceWeb, SurfaceNative:
	case "":
		return fmt.Errorf("surface is required")
	default:
		return fmt.Errorf("unknown surface %q (extension, web or native)", config.Surface)
	}

	if err := validateIdentity(&config.Identity); err != nil {
		return fmt.Errorf("identity config: %w", err)
	}
	if err := validateStorage(&config.Storage); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if config.Backend.BaseURL == "" {
		return fmt.Errorf("backend.baseUrl is required")
	}
	if err := validateHTTPURL(config.Backend.BaseURL); err != nil {
		return fmt.Errorf("backend.baseUrl: %w", err)
	}

	if config.Backend.Timeout < 0 || config.Poller.Period < 0 || config.ExpiryBuffer < 0 || config.CallbackTimeout < 0 {
		return fmt.Errorf("durations cannot be negative")
	}

	if config.Storage.Kind == StorageMemory && config.Surface != SurfaceWeb {
		log.LogWarn("Memory storage does not survive restarts; the session ends with the process")
	}
	return nil
}

func validateIdentity(id *IdentityConfig) error {
	if id.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if id.DiscoveryURL == "" && (id.AuthorizationURL == "" || id.TokenURL == "") {
		return fmt.Errorf("either discoveryUrl or both authorizationUrl and tokenUrl must be provided")
	}
	for name, u := range map[string]string{
		"discoveryUrl":     id.DiscoveryURL,
		"authorizationUrl": id.AuthorizationURL,
		"tokenUrl":         id.TokenURL,
		"userInfoUrl":      id.UserInfoURL,
		"endSessionUrl":    id.EndSessionURL,
		"redirectUri":      id.RedirectURI,
	} {
		if u == "" {
			continue
		}
		if err := validateHTTPURL(u); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func validateStorage(s *StorageConfig) error {
	switch s.Kind {
	case StorageMemory:
	case StorageSQLite:
		if s.Path == "" {
			return fmt.Errorf("path is required when using sqlite storage")
		}
	case StorageFirestore:
		if s.GCPProject == "" {
			return fmt.Errorf("gcpProject is required when using firestore storage")
		}
		if s.EncryptionKey == "" {
			return fmt.Errorf("encryptionKey is required when using firestore storage")
		}
	default:
		return fmt.Errorf("unknown storage kind %q (memory, sqlite or firestore)", s.Kind)
	}
	if s.EncryptionKey != "" && len(s.EncryptionKey) != 32 {
		return fmt.Errorf("encryptionKey must be exactly 32 characters (got %d). Generate with: openssl rand -base64 32 | head -c 32", len(s.EncryptionKey))
	}
	return nil
}

// validateHTTPURL accepts https anywhere, and plain http on a loopback host
// or in development mode.
func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if envutil.IsLoopbackHost(u.Host) || envutil.IsDev() {
			return nil
		}
	}
	return fmt.Errorf("must use https (or http on a loopback host), got %q", raw)
}
