package domain

import (
	"net/url"
	"strings"
	"time"
)

// TokenStrategy selects how a layer acquires its bearer token.
type TokenStrategy string

// Token strategies.
const (
	TokenNone      TokenStrategy = ""
	TokenService   TokenStrategy = "service"
	TokenLayerTree TokenStrategy = "layertree"
	TokenStatic    TokenStrategy = "static"
)

// IsValid reports whether s is a known strategy.
func (s TokenStrategy) IsValid() bool {
	switch s {
	case TokenNone, TokenService, TokenLayerTree, TokenStatic:
		return true
	}
	return false
}

// CachedToken is an issued token with its expiry.
type CachedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Remaining returns the validity left at now.
func (t CachedToken) Remaining(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// NeedsRefresh reports whether less than threshold remains at now.
func (t CachedToken) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	return t.Token == "" || t.Remaining(now) < threshold
}

const maxDecodePasses = 3

// ExtractEmbeddedToken pulls the token out of an opaque, possibly
// URL-encoded resource URL such as a vector tile template. The value after
// the first "token=" up to the next "&" is returned. ErrTokenNotFound is
// returned when no non-empty token is present.
func ExtractEmbeddedToken(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	for i := 0; i < maxDecodePasses; i++ {
		decoded, err := url.PathUnescape(s)
		if err != nil || decoded == s {
			break
		}
		s = decoded
	}

	_, rest, found := strings.Cut(s, "token=")
	if !found {
		return "", ErrTokenNotFound
	}
	token, _, _ := strings.Cut(rest, "&")
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrTokenNotFound
	}
	return token, nil
}
