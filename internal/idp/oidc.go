package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/emailutil"
	"github.com/dgellow/fieldcapture-auth/internal/ioutil"
	"github.com/dgellow/fieldcapture-auth/internal/storage"
	"github.com/dgellow/fieldcapture-auth/internal/token"
	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"
)

// Config configures the identity provider shared by every surface.
type Config struct {
	// Discovery URL for OIDC discovery (optional if endpoints are provided directly).
	DiscoveryURL string `validate:"omitempty,url"`

	// Direct endpoint configuration (used if DiscoveryURL is not set).
	AuthorizationURL string `validate:"omitempty,url"`
	TokenURL         string `validate:"omitempty,url"`
	UserInfoURL      string `validate:"omitempty,url"`
	EndSessionURL    string `validate:"omitempty,url"`

	ClientID    string   `validate:"required"`
	RedirectURI string   `validate:"omitempty,url"`
	Scopes      []string `validate:"dive,required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Endpoints are the provider URLs the flows consume.
type Endpoints struct {
	Issuer           string
	AuthorizationURL string
	TokenURL         string
	UserInfoURL      string
	EndSessionURL    string
}

// Provider holds the resolved endpoints and OAuth2 client settings.
type Provider struct {
	config     oauth2.Config
	endpoints  Endpoints
	httpClient *http.Client
}

// oidcDiscoveryDocument represents the OIDC discovery document.
type oidcDiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// oidcUserInfoResponse represents the standard OIDC userinfo response.
type oidcUserInfoResponse struct {
	Sub               string `json:"sub"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}

// NewProvider resolves endpoints, fetching the discovery document if configured.
func NewProvider(ctx context.Context, cfg Config, httpClient *http.Client) (*Provider, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid identity config: %w", err)
	}

	var endpoints Endpoints
	if cfg.DiscoveryURL != "" {
		discovery, err := fetchOIDCDiscovery(ctx, httpClient, cfg.DiscoveryURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch OIDC discovery: %w", err)
		}
		endpoints = Endpoints{
			Issuer:           discovery.Issuer,
			AuthorizationURL: discovery.AuthorizationEndpoint,
			TokenURL:         discovery.TokenEndpoint,
			UserInfoURL:      discovery.UserInfoEndpoint,
			EndSessionURL:    discovery.EndSessionEndpoint,
		}
	} else {
		if cfg.AuthorizationURL == "" || cfg.TokenURL == "" {
			return nil, fmt.Errorf("either discoveryUrl or both authorizationUrl and tokenUrl must be provided")
		}
		endpoints = Endpoints{
			AuthorizationURL: cfg.AuthorizationURL,
			TokenURL:         cfg.TokenURL,
			UserInfoURL:      cfg.UserInfoURL,
			EndSessionURL:    cfg.EndSessionURL,
		}
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}

	return &Provider{
		config: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   endpoints.AuthorizationURL,
				TokenURL:  endpoints.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		endpoints:  endpoints,
		httpClient: httpClient,
	}, nil
}

func fetchOIDCDiscovery(ctx context.Context, client *http.Client, discoveryURL string) (*oidcDiscoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint returned status %d: %s", resp.StatusCode, ioutil.ReadLimited(resp.Body, 1024))
	}

	var discovery oidcDiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&discovery); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if discovery.AuthorizationEndpoint == "" || discovery.TokenEndpoint == "" {
		return nil, fmt.Errorf("discovery document missing required endpoints")
	}

	return &discovery, nil
}

// OAuth2Config returns a copy of the client configuration. Callers may
// change RedirectURL on the copy without affecting other flows.
func (p *Provider) OAuth2Config() oauth2.Config {
	cfg := p.config
	cfg.Scopes = append([]string(nil), p.config.Scopes...)
	return cfg
}

// Endpoints returns the resolved provider endpoints.
func (p *Provider) Endpoints() Endpoints {
	return p.endpoints
}

// HTTPClient is the client used for every provider round trip.
func (p *Provider) HTTPClient() *http.Client {
	return p.httpClient
}

// WithHTTPClient attaches the provider's HTTP client to ctx so oauth2 token
// exchanges use it.
func (p *Provider) WithHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// UserInfo fetches identity claims from the userinfo endpoint.
func (p *Provider) UserInfo(ctx context.Context, accessToken string) (storage.Account, error) {
	if p.endpoints.UserInfoURL == "" {
		return storage.Account{}, fmt.Errorf("provider has no userinfo endpoint")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoints.UserInfoURL, nil)
	if err != nil {
		return storage.Account{}, fmt.Errorf("failed to build user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return storage.Account{}, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return storage.Account{}, fmt.Errorf("failed to get user info: status %d: %s", resp.StatusCode, ioutil.ReadLimited(resp.Body, 1024))
	}

	var info oidcUserInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return storage.Account{}, fmt.Errorf("failed to decode user info: %w", err)
	}

	return accountFrom(info.Name, info.Email, info.PreferredUsername), nil
}

// ResolveAccount builds the cached account from whichever token carries
// identity claims, falling back to the userinfo endpoint.
func (p *Provider) ResolveAccount(ctx context.Context, idToken, accessToken string) storage.Account {
	for _, tok := range []string{idToken, accessToken} {
		if tok == "" {
			continue
		}
		if account := AccountFromClaims(token.DecodeClaims(tok)); !account.IsZero() {
			return account
		}
	}

	if p.endpoints.UserInfoURL != "" && accessToken != "" {
		account, err := p.UserInfo(ctx, accessToken)
		if err == nil {
			return account
		}
	}
	return storage.Account{}
}

// LogoutURL returns the provider's end-session URL, or "" if it has none.
func (p *Provider) LogoutURL(postLogoutRedirect string) string {
	if p.endpoints.EndSessionURL == "" {
		return ""
	}
	u, err := url.Parse(p.endpoints.EndSessionURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("client_id", p.config.ClientID)
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// AccountFromClaims extracts display name and email from decoded claims.
func AccountFromClaims(c *token.Claims) storage.Account {
	if c == nil {
		return storage.Account{}
	}
	upn, _ := c.Raw["upn"].(string)
	username := c.PreferredUsername
	if username == "" {
		username = upn
	}
	return accountFrom(c.Name, c.Email, username)
}

func accountFrom(name, email, username string) storage.Account {
	if email == "" && emailutil.IsAddress(username) {
		email = username
	}
	if name == "" {
		name = username
	}
	if name == "" {
		name = email
	}
	return storage.Account{DisplayName: name, Email: emailutil.Normalize(email)}
}
