package auth

import (
	"context"
	"fmt"
	"os"

	"github.com/noahxzhu/mission-notify/internal/errs"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
)

const (
	MessagingScope = "https://www.googleapis.com/auth/firebase.messaging"
	DatabaseScope  = "https://www.googleapis.com/auth/firebase.database"
	EmailScope     = "https://www.googleapis.com/auth/userinfo.email"
)

// Provider exchanges a service-account credential for bearer tokens.
type Provider struct {
	conf   *jwt.Config
	cached oauth2.TokenSource
}

// NewProvider parses a service-account JSON key. With cache set, tokens are
// reused until shortly before they expire; otherwise every call performs a
// fresh exchange.
func NewProvider(credentials []byte, cache bool, scopes ...string) (*Provider, error) {
	conf, err := google.JWTConfigFromJSON(credentials, scopes...)
	if err != nil {
		return nil, &errs.AuthError{Err: fmt.Errorf("parse service account: %w", err)}
	}

	p := &Provider{conf: conf}
	if cache {
		p.cached = oauth2.ReuseTokenSource(nil, conf.TokenSource(context.Background()))
	}
	return p, nil
}

// LoadProvider reads the service-account key from path.
func LoadProvider(path string, cache bool, scopes ...string) (*Provider, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.AuthError{Err: fmt.Errorf("read service account: %w", err)}
	}
	return NewProvider(b, cache, scopes...)
}

// ClientEmail is the service account the provider signs as.
func (p *Provider) ClientEmail() string {
	return p.conf.Email
}

// AccessToken returns a bearer token. Failures are *errs.AuthError.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	src := p.cached
	if src == nil {
		src = p.conf.TokenSource(ctx)
	}

	tok, err := src.Token()
	if err != nil {
		return "", &errs.AuthError{Err: err}
	}
	if tok.AccessToken == "" {
		return "", &errs.AuthError{Err: fmt.Errorf("identity provider returned an empty token")}
	}
	return tok.AccessToken, nil
}
