package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/autoflow/backend/internal/core"
)

// OAuthBase implements the provider-facing half of ServiceAdapter
// (ExchangeCode / Refresh / Revoke) on top of golang.org/x/oauth2.
// Concrete integrations embed it and add their own Invoke.
type OAuthBase struct {
	ServiceID core.Service
	Conf      *oauth2.Config
	RevokeURL string // empty when the provider has no revoke endpoint
	Client    *http.Client
}

// NewOAuthBase wires provider endpoints and client credentials.
func NewOAuthBase(service core.Service, clientID, clientSecret, authURL, tokenURL, revokeURL string, scopes []string) *OAuthBase {
	return &OAuthBase{
		ServiceID: service,
		Conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
			},
			Scopes: scopes,
		},
		RevokeURL: revokeURL,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (b *OAuthBase) Service() core.Service { return b.ServiceID }

// AuthCodeURL builds the provider authorization URL for the given
// anti-CSRF state and redirect URI. Extra params cover provider quirks
// (jira audience/prompt, github allow_signup).
func (b *OAuthBase) AuthCodeURL(state, redirectURI string, extra map[string]string) string {
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("redirect_uri", redirectURI)}
	for k, v := range extra {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return b.Conf.AuthCodeURL(state, opts...)
}

// ExchangeCode completes the authorization-code grant.
func (b *OAuthBase) ExchangeCode(ctx context.Context, code, redirectURI string) (*Grant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.Client)
	tok, err := b.Conf.Exchange(ctx, code, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return b.grantFromToken(tok), nil
}

// Refresh exchanges the refresh token for a new grant. Keeping the
// prior refresh token when the provider does not rotate it is the
// lifecycle layer's job, not handled here.
func (b *OAuthBase) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.Client)
	ts := b.Conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return b.grantFromToken(tok), nil
}

// Revoke posts the token to the provider revoke endpoint. Providers
// without one (github) are treated as revoked.
func (b *OAuthBase) Revoke(ctx context.Context, token string) error {
	if b.RevokeURL == "" {
		return nil
	}
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(b.Conf.ClientID, b.Conf.ClientSecret)

	resp, err := b.Client.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Transient(fmt.Errorf("revoke endpoint returned %d", resp.StatusCode))
	}
	// 4xx means the token was already dead; local revocation proceeds anyway.
	return nil
}

func (b *OAuthBase) grantFromToken(tok *oauth2.Token) *Grant {
	scopes := b.Conf.Scopes
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		scopes = strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
	}
	return &Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scopes:       scopes,
	}
}

// classifyTokenError maps oauth2 transport errors onto the engine's
// taxonomy: invalid_grant is terminal, 5xx is transient, the rest is a
// business rejection.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%w: %s", ErrInvalidGrant, re.ErrorDescription)
		}
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return Transient(err)
		}
		return Business(re.ErrorCode, re.ErrorDescription)
	}
	return Transient(err)
}
