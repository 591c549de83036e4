package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	result := &ValidationResult{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if isYAML(path) {
		if data, err = readSource(path); err != nil {
			result.addError("", "invalid YAML: %v", err)
			return result, nil
		}
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result, nil
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", Version)
	} else if !strings.HasPrefix(version, Version) {
		result.addError("version", "unsupported version '%s' - use '%s'", version, Version)
	}

	validateSurface(rawConfig, result)
	validateIdentityStructure(rawConfig, result)
	validateStorageStructure(rawConfig, result)
	validateBackendStructure(rawConfig, result)
	validateDurations(rawConfig, result)

	return result, nil
}

func validateSurface(rawConfig map[string]any, result *ValidationResult) {
	surface, ok := rawConfig["surface"].(string)
	if !ok {
		result.addError("surface", "surface is required. Options: extension, web, native")
		return
	}
	switch Surface(surface) {
	case SurfaceExtension, SurfaceWeb, SurfaceNative:
	default:
		result.addError("surface", "unknown surface '%s' - use extension, web or native", surface)
	}
}

func validateIdentityStructure(rawConfig map[string]any, result *ValidationResult) {
	identity, ok := rawConfig["identity"].(map[string]any)
	if !ok {
		result.addError("identity", "identity field is required and must be an object")
		return
	}

	if _, ok := identity["clientId"]; !ok {
		result.addError("identity.clientId", "clientId is required")
	}

	_, hasDiscovery := identity["discoveryUrl"]
	_, hasAuth := identity["authorizationUrl"]
	_, hasToken := identity["tokenUrl"]
	switch {
	case hasDiscovery && (hasAuth || hasToken):
		result.addWarning("identity", "discoveryUrl is set; authorizationUrl and tokenUrl are ignored")
	case !hasDiscovery && !(hasAuth && hasToken):
		result.addError("identity", "either discoveryUrl or both authorizationUrl and tokenUrl must be provided")
	}

	if scopes, ok := identity["scopes"].([]any); ok {
		hasOpenID := false
		for _, s := range scopes {
			if s == "openid" {
				hasOpenID = true
			}
		}
		if !hasOpenID {
			result.addWarning("identity.scopes", "scopes do not include 'openid'; no identity token will carry account claims")
		}
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	storage, ok := rawConfig["storage"].(map[string]any)
	if !ok {
		return
	}

	kind, _ := storage["kind"].(string)
	switch StorageKind(kind) {
	case "", StorageMemory:
	case StorageSQLite:
		if _, ok := storage["path"]; !ok {
			result.addError("storage.path", "path is required for sqlite storage. Example: \"~/.fieldcapture/session.db\"")
		}
		if _, ok := storage["encryptionKey"]; !ok {
			result.addWarning("storage.encryptionKey", "sqlite storage without encryptionKey keeps tokens in plain text on disk")
		}
	case StorageFirestore:
		if _, ok := storage["gcpProject"]; !ok {
			result.addError("storage.gcpProject", "gcpProject is required for firestore storage")
		}
		if _, ok := storage["encryptionKey"]; !ok {
			result.addError("storage.encryptionKey", "encryptionKey is required for firestore storage. Hint: Must be exactly 32 bytes")
		}
	default:
		result.addError("storage.kind", "unknown storage kind '%s' - use memory, sqlite or firestore", kind)
	}

	if key, ok := storage["encryptionKey"]; ok {
		if err := validateEnvVarReference(key, "encryptionKey", "storage.encryptionKey"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	}
}

func validateBackendStructure(rawConfig map[string]any, result *ValidationResult) {
	backend, ok := rawConfig["backend"].(map[string]any)
	if !ok {
		result.addError("backend", "backend field is required and must be an object")
		return
	}
	if _, ok := backend["baseUrl"]; !ok {
		result.addError("backend.baseUrl", "baseUrl is required. Example: \"https://api.fieldcapture.example\"")
	}
	if v, ok := backend["rateLimit"]; ok {
		n, isNum := v.(float64)
		switch {
		case !isNum || n != float64(int(n)):
			result.addError("backend.rateLimit", "rateLimit must be a whole number of requests per second")
		case n < 0:
			result.addError("backend.rateLimit", "rateLimit must not be negative")
		}
	}
}

func validateDurations(rawConfig map[string]any, result *ValidationResult) {
	check := func(value any, path string) (time.Duration, bool) {
		s, ok := value.(string)
		if !ok {
			return 0, false
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			result.addError(path, "invalid duration '%s'. Example: \"5m\"", s)
			return 0, false
		}
		if d < 0 {
			result.addError(path, "duration cannot be negative")
			return 0, false
		}
		return d, true
	}

	check(rawConfig["callbackTimeout"], "callbackTimeout")
	if buffer, ok := check(rawConfig["expiryBuffer"], "expiryBuffer"); ok && buffer > time.Hour {
		result.addWarning("expiryBuffer", "expiryBuffer (%s) is longer than most access token lifetimes; every token will look expired", buffer)
	}
	if backend, ok := rawConfig["backend"].(map[string]any); ok {
		check(backend["timeout"], "backend.timeout")
	}
	if poller, ok := rawConfig["poller"].(map[string]any); ok {
		if period, ok := check(poller["period"], "poller.period"); ok && period > 0 && period < time.Minute {
			result.addWarning("poller.period", "period (%s) is shorter than one minute; hosts may clamp alarms to a minute", period)
		}
	}
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This keeps secrets out of config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllStringSubmatch(v, -1) {
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion in scripts/CI", match[0], match[1])
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
