package config

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON implements custom unmarshaling for IdentityConfig
func (c *IdentityConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		DiscoveryURL     json.RawMessage `json:"discoveryUrl"`
		AuthorizationURL json.RawMessage `json:"authorizationUrl"`
		TokenURL         json.RawMessage `json:"tokenUrl"`
		UserInfoURL      json.RawMessage `json:"userInfoUrl"`
		EndSessionURL    json.RawMessage `json:"endSessionUrl"`
		ClientID         json.RawMessage `json:"clientId"`
		RedirectURI      json.RawMessage `json:"redirectUri"`
		Scopes           []string        `json:"scopes"`
		ProviderLogout   bool            `json:"providerLogout"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Scopes = raw.Scopes
	c.ProviderLogout = raw.ProviderLogout

	fields := []struct {
		raw   json.RawMessage
		name  string
		value *string
	}{
		{raw.DiscoveryURL, "discoveryUrl", &c.DiscoveryURL},
		{raw.AuthorizationURL, "authorizationUrl", &c.AuthorizationURL},
		{raw.TokenURL, "tokenUrl", &c.TokenURL},
		{raw.UserInfoURL, "userInfoUrl", &c.UserInfoURL},
		{raw.EndSessionURL, "endSessionUrl", &c.EndSessionURL},
		{raw.ClientID, "clientId", &c.ClientID},
		{raw.RedirectURI, "redirectUri", &c.RedirectURI},
	}
	for _, f := range fields {
		value, err := parseOptionalValue(f.raw, f.name)
		if err != nil {
			return err
		}
		*f.value = value
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for StorageConfig
func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind                StorageKind     `json:"kind"`
		Path                json.RawMessage `json:"path"`
		Namespace           string          `json:"namespace"`
		GCPProject          json.RawMessage `json:"gcpProject"`
		FirestoreDatabase   string          `json:"firestoreDatabase"`
		FirestoreCollection string          `json:"firestoreCollection"`
		EncryptionKey       json.RawMessage `json:"encryptionKey"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Kind = raw.Kind
	s.Namespace = raw.Namespace
	s.FirestoreDatabase = raw.FirestoreDatabase
	s.FirestoreCollection = raw.FirestoreCollection

	var err error
	if s.Path, err = parseOptionalValue(raw.Path, "path"); err != nil {
		return err
	}
	if s.GCPProject, err = parseOptionalValue(raw.GCPProject, "gcpProject"); err != nil {
		return err
	}
	key, err := parseOptionalValue(raw.EncryptionKey, "encryptionKey")
	if err != nil {
		return err
	}
	s.EncryptionKey = Secret(key)

	if s.EncryptionKey != "" && len(s.EncryptionKey) != 32 {
		return fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(s.EncryptionKey))
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for BackendConfig
func (b *BackendConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		BaseURL   json.RawMessage `json:"baseUrl"`
		Timeout   string          `json:"timeout"`
		RateLimit int             `json:"rateLimit"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if b.BaseURL, err = parseOptionalValue(raw.BaseURL, "baseUrl"); err != nil {
		return err
	}
	if b.Timeout, err = parseOptionalDuration(raw.Timeout, "timeout"); err != nil {
		return err
	}
	if raw.RateLimit < 0 {
		return fmt.Errorf("rateLimit must not be negative")
	}
	b.RateLimit = raw.RateLimit
	return nil
}

// UnmarshalJSON implements custom unmarshaling for PollerConfig
func (p *PollerConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Period string `json:"period"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	period, err := parseOptionalDuration(raw.Period, "period")
	if err != nil {
		return err
	}
	p.Period = period
	return nil
}

// UnmarshalJSON implements custom unmarshaling for Config
func (c *Config) UnmarshalJSON(data []byte) error {
	var raw struct {
		Surface         Surface        `json:"surface"`
		Identity        IdentityConfig `json:"identity"`
		Storage         StorageConfig  `json:"storage"`
		Backend         BackendConfig  `json:"backend"`
		Poller          PollerConfig   `json:"poller"`
		ExpiryBuffer    string         `json:"expiryBuffer"`
		CallbackTimeout string         `json:"callbackTimeout"`
		LoopbackAddr    string         `json:"loopbackAddr"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Surface = raw.Surface
	c.Identity = raw.Identity
	c.Storage = raw.Storage
	c.Backend = raw.Backend
	c.Poller = raw.Poller
	c.LoopbackAddr = raw.LoopbackAddr

	var err error
	if c.ExpiryBuffer, err = parseOptionalDuration(raw.ExpiryBuffer, "expiryBuffer"); err != nil {
		return err
	}
	if c.CallbackTimeout, err = parseOptionalDuration(raw.CallbackTimeout, "callbackTimeout"); err != nil {
		return err
	}
	return nil
}
