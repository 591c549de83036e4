package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findIssue(issues []ValidationError, path string) *ValidationError {
	for i := range issues {
		if issues[i].Path == path {
			return &issues[i]
		}
	}
	return nil
}

func TestValidateFile_Valid(t *testing.T) {
	path := writeConfig(t, `{
		"version": "v1",
		"surface": "extension",
		"identity": {"discoveryUrl": "https://idp.example.com/.well-known/openid-configuration", "clientId": "c", "scopes": ["openid"]},
		"storage": {"kind": "firestore", "gcpProject": "field-ops", "encryptionKey": {"$env": "KEY"}},
		"backend": {"baseUrl": "https://api.example.com"}
	}`)

	result, err := ValidateFile(path)
	require.NoError(t, err)
	assert.True(t, result.IsValid(), "errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidateFile_Problems(t *testing.T) {
	path := writeConfig(t, `{
		"version": "v2",
		"surface": "desktop",
		"identity": {"authorizationUrl": "https://idp.example.com/auth", "scopes": ["email"]},
		"storage": {"kind": "sqlite", "encryptionKey": "${KEY}"},
		"backend": {"baseUrl": "$API_URL", "timeout": "forever", "rateLimit": -2},
		"poller": {"period": "10s"},
		"expiryBuffer": "2h"
	}`)

	result, err := ValidateFile(path)
	require.NoError(t, err)
	assert.False(t, result.IsValid())

	for _, p := range []string{
		"version",
		"surface",
		"identity.clientId",
		"identity",
		"storage.path",
		"storage.encryptionKey",
		"backend.timeout",
		"backend.rateLimit",
	} {
		assert.NotNil(t, findIssue(result.Errors, p), "expected error at %s", p)
	}
	for _, p := range []string{
		"identity.scopes",
		"backend.baseUrl",
		"poller.period",
		"expiryBuffer",
	} {
		assert.NotNil(t, findIssue(result.Warnings, p), "expected warning at %s", p)
	}

	keyErr := findIssue(result.Errors, "storage.encryptionKey")
	require.NotNil(t, keyErr)
	assert.Contains(t, keyErr.Message, `{"$env": "KEY"}`)
}

func TestValidateFile_InvalidJSON(t *testing.T) {
	result, err := ValidateFile(writeConfig(t, `{"version": `))
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "invalid JSON")
}

func TestValidateFile_MissingFile(t *testing.T) {
	_, err := ValidateFile("/nonexistent/config.json")
	assert.ErrorContains(t, err, "reading config file")
}
