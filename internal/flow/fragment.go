package flow

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Response types for flows that receive tokens directly in the redirect.
const (
	ResponseToken        = "token"
	ResponseTokenIDToken = "token id_token"
)

// AuthRequest describes one authorization request without a code exchange.
type AuthRequest struct {
	ResponseType string
	State        string
	Nonce        string
	// Silent forces prompt=none so the provider fails instead of showing UI.
	Silent bool
}

// ImplicitAuthURL builds an authorization URL whose result comes back in the
// redirect URL's fragment.
func ImplicitAuthURL(cfg oauth2.Config, req AuthRequest) string {
	responseType := req.ResponseType
	if responseType == "" {
		responseType = ResponseToken
	}
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("response_type", responseType)}
	if req.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", req.Nonce))
	}
	if req.Silent {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "none"))
	}
	return cfg.AuthCodeURL(req.State, opts...)
}

// FragmentResult is what the provider put in the redirect fragment.
type FragmentResult struct {
	AccessToken string
	IDToken     string
	State       string
	ExpiresIn   time.Duration
	Err         *ProviderError
}

// ParseFragment reads the authorization response out of redirectURL's
// fragment component.
func ParseFragment(redirectURL string) (*FragmentResult, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("malformed redirect URL: %w", err)
	}
	values, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return nil, fmt.Errorf("malformed redirect fragment: %w", err)
	}

	res := &FragmentResult{
		AccessToken: values.Get("access_token"),
		IDToken:     values.Get("id_token"),
		State:       values.Get("state"),
	}
	if code := values.Get("error"); code != "" {
		res.Err = &ProviderError{Code: code, Description: values.Get("error_description")}
	}
	if secs, err := strconv.Atoi(values.Get("expires_in")); err == nil && secs > 0 {
		res.ExpiresIn = time.Duration(secs) * time.Second
	}
	return res, nil
}

// IsAuthResponse reports whether redirectURL carries an authorization
// response in its fragment.
func IsAuthResponse(redirectURL string) bool {
	u, err := url.Parse(redirectURL)
	if err != nil || u.Fragment == "" {
		return false
	}
	values, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return false
	}
	return values.Has("access_token") || values.Has("error")
}

// StripFragment returns redirectURL without its fragment, for replacing the
// address bar after a return navigation has been consumed.
func StripFragment(redirectURL string) string {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return redirectURL
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
