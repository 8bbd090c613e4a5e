package session

import (
	"context"
	"fmt"
)

// TokenSource resolves a tenant's session token (the backend vault holds the
// per-shop marketplace credentials).
type TokenSource interface {
	SessionToken(ctx context.Context, clientID string) (string, error)
}

// CookieSetter re-keys the marketplace session cookie; implemented by
// *upstream.Client.
type CookieSetter interface {
	SetCookie(name, value string)
}

// CookieSwitcher swaps the marketplace session cookie to impersonate one
// tenant at a time.
type CookieSwitcher struct {
	CookieName string
	Cookies    CookieSetter
	Tokens     TokenSource
}

func (s *CookieSwitcher) Switch(ctx context.Context, clientID string) error {
	tok, err := s.Tokens.SessionToken(ctx, clientID)
	if err != nil {
		return fmt.Errorf("session token for %s: %w", clientID, err)
	}
	name := s.CookieName
	if name == "" {
		name = "seller_session"
	}
	s.Cookies.SetCookie(name, tok)
	return nil
}
