// Package tokenstore provides a shared token cache backed by Valkey.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

// DefaultPrefix namespaces token keys.
const DefaultPrefix = "parcelmaps:token:"

// ValkeyStore implements output.TokenStore so that several instances share
// issued tokens.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

// NewValkeyStore connects to the Valkey server at addr.
func NewValkeyStore(addr, password string, db int, prefix string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
		Password:    password,
		SelectDB:    db,
	})
	if err != nil {
		return nil, fmt.Errorf("valkey connect: %w", err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &ValkeyStore{client: client, prefix: prefix}, nil
}

func (s *ValkeyStore) key(service string) string {
	return s.prefix + service
}

// Get returns the cached token for service.
func (s *ValkeyStore) Get(ctx context.Context, service string) (domain.CachedToken, bool, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(service)).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return domain.CachedToken{}, false, nil
	}
	if err != nil {
		return domain.CachedToken{}, false, fmt.Errorf("valkey get: %w", err)
	}
	tok, err := decodeToken(data)
	if err != nil {
		return domain.CachedToken{}, false, err
	}
	return tok, true, nil
}

// Set stores token until it expires. Tokens with less than a second left
// are not stored.
func (s *ValkeyStore) Set(ctx context.Context, service string, token domain.CachedToken) error {
	ttl := time.Until(token.ExpiresAt)
	if ttl < time.Second {
		return nil
	}
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	cmd := s.client.B().Set().Key(s.key(service)).Value(string(data)).Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey set: %w", err)
	}
	return nil
}

// Clear removes every token under the prefix.
func (s *ValkeyStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(s.prefix + "*").Count(100).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return fmt.Errorf("valkey scan: %w", err)
		}
		if len(entry.Elements) > 0 {
			del := s.client.B().Del().Key(entry.Elements...).Build()
			if err := s.client.Do(ctx, del).Error(); err != nil {
				return fmt.Errorf("valkey del: %w", err)
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// Ping checks the connection.
func (s *ValkeyStore) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// Close releases the client.
func (s *ValkeyStore) Close() {
	s.client.Close()
}

func decodeToken(data []byte) (domain.CachedToken, error) {
	var tok domain.CachedToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return domain.CachedToken{}, fmt.Errorf("invalid cached token: %w", err)
	}
	if tok.Token == "" {
		return domain.CachedToken{}, errors.New("invalid cached token: empty")
	}
	return tok, nil
}
