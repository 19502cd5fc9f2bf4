package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
)

// Exchanger trades a refresh token for a new access token.
type Exchanger interface {
	Exchange(ctx context.Context, service string, cred Credential) (Credential, error)
}

// OAuthClient is the client registration for one OAuth-backed service.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	RedirectURL  string
}

// OAuth2Exchanger refreshes tokens against each service's token endpoint.
type OAuth2Exchanger struct {
	mu      sync.RWMutex
	clients map[string]*oauth2.Config
	http    *http.Client
}

// NewOAuth2Exchanger creates an exchanger. Token endpoint calls are retried
// on transient network and 5xx failures.
func NewOAuth2Exchanger(retryMax int, timeout time.Duration) *OAuth2Exchanger {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.Logger = nil
	client := rc.StandardClient()
	if timeout > 0 {
		client.Timeout = timeout
	}
	return &OAuth2Exchanger{
		clients: make(map[string]*oauth2.Config),
		http:    client,
	}
}

// Register adds or replaces the client registration for service.
func (e *OAuth2Exchanger) Register(service string, c OAuthClient) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[service] = &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
		Scopes:      c.Scopes,
		RedirectURL: c.RedirectURL,
	}
}

// Exchange implements Exchanger.
func (e *OAuth2Exchanger) Exchange(ctx context.Context, service string, cred Credential) (Credential, error) {
	e.mu.RLock()
	cfg, ok := e.clients[service]
	e.mu.RUnlock()
	if !ok {
		return Credential{}, fmt.Errorf("no oauth client registered for %s", service)
	}
	if !cred.CanRefresh() {
		return Credential{}, errors.New("credential has no refresh token")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.http)
	// An expired token forces the source to hit the token endpoint.
	src := cfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return Credential{}, err
	}
	return fromOAuthToken(tok), nil
}

func fromOAuthToken(tok *oauth2.Token) Credential {
	c := Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	// Some CRMs return the tenant API host alongside the token.
	if v, ok := tok.Extra("instance_url").(string); ok && v != "" {
		c.Extra = map[string]string{"instance_url": v}
	}
	return c
}
