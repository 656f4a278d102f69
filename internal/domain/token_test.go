package domain

import (
	"errors"
	"testing"
	"time"
)

func TestExtractEmbeddedToken(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{
			name: "plain url",
			raw:  "https://tiles.example.com/VectorTileServer/tile/{z}/{y}/{x}.pbf?token=abc123&f=pbf",
			want: "abc123",
		},
		{
			name: "token is last parameter",
			raw:  "https://tiles.example.com/VectorTileServer?token=xyz-789_.",
			want: "xyz-789_.",
		},
		{
			name: "url encoded",
			raw:  "https%3A%2F%2Ftiles.example.com%2Ftile%3Ftoken%3Dabc123%26f%3Dpbf",
			want: "abc123",
		},
		{
			name: "double encoded",
			raw:  "https%253A%252F%252Ftiles.example.com%252Ftile%253Ftoken%253Dabc123%2526f%253Dpbf",
			want: "abc123",
		},
		{
			name: "plus sign is preserved",
			raw:  "https://tiles.example.com/tile?token=ab+cd&f=pbf",
			want: "ab+cd",
		},
		{
			name:    "no token",
			raw:     "https://tiles.example.com/tile?f=pbf",
			wantErr: true,
		},
		{
			name:    "empty token",
			raw:     "https://tiles.example.com/tile?token=&f=pbf",
			wantErr: true,
		},
		{
			name:    "empty string",
			raw:     "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractEmbeddedToken(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractEmbeddedToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrTokenNotFound) {
					t.Errorf("error %v should be ErrTokenNotFound", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ExtractEmbeddedToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCachedTokenNeedsRefresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		token CachedToken
		want  bool
	}{
		{"fresh", CachedToken{Token: "a", ExpiresAt: now.Add(time.Hour)}, false},
		{"inside threshold", CachedToken{Token: "a", ExpiresAt: now.Add(2 * time.Minute)}, true},
		{"expired", CachedToken{Token: "a", ExpiresAt: now.Add(-time.Minute)}, true},
		{"empty", CachedToken{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.token.NeedsRefresh(now, 5*time.Minute); got != tt.want {
				t.Errorf("NeedsRefresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTokenStrategyIsValid(t *testing.T) {
	for _, s := range []TokenStrategy{TokenNone, TokenService, TokenLayerTree, TokenStatic} {
		if !s.IsValid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if TokenStrategy("oauth").IsValid() {
		t.Error("unknown strategy should be invalid")
	}
}
