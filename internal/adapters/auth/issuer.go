// Package auth provides the token issuance and layer-tree lookups of the host
// platform.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jobrunner/parcelmaps/internal/domain"
)

// Issuer implements output.TokenIssuer against an ArcGIS generateToken
// endpoint.
type Issuer struct {
	client   *http.Client
	endpoint string
	now      func() time.Time
}

// NewIssuer creates an issuer for endpoint.
func NewIssuer(httpClient *http.Client, endpoint string) *Issuer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Issuer{client: httpClient, endpoint: endpoint, now: time.Now}
}

type generateTokenResponse struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
	Error   *struct {
		Code    int      `json:"code"`
		Message string   `json:"message"`
		Details []string `json:"details"`
	} `json:"error"`
}

// GenerateToken issues a token valid for expiration. Tokens are bound to the
// referer when one is given, otherwise to the requesting IP.
func (i *Issuer) GenerateToken(ctx context.Context, username, password, referer string, expiration time.Duration) (domain.CachedToken, error) {
	if expiration <= 0 {
		expiration = time.Hour
	}
	minutes := int(expiration / time.Minute)
	if minutes < 1 {
		minutes = 1
	}

	form := url.Values{
		"username":   {username},
		"password":   {password},
		"expiration": {strconv.Itoa(minutes)},
		"f":          {"json"},
	}
	if referer != "" {
		form.Set("client", "referer")
		form.Set("referer", referer)
	} else {
		form.Set("client", "requestip")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.CachedToken{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := i.client.Do(req)
	if err != nil {
		return domain.CachedToken{}, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return domain.CachedToken{}, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.CachedToken{}, fmt.Errorf("failed to read token response: %w", err)
	}
	var out generateTokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.CachedToken{}, fmt.Errorf("failed to parse token response: %w", err)
	}
	if out.Error != nil {
		msg := out.Error.Message
		if len(out.Error.Details) > 0 {
			msg += ": " + strings.Join(out.Error.Details, "; ")
		}
		return domain.CachedToken{}, fmt.Errorf("token API error %d: %s: %w", out.Error.Code, msg, domain.ErrUnauthorized)
	}
	if out.Token == "" {
		return domain.CachedToken{}, fmt.Errorf("token response without token: %w", domain.ErrUnauthorized)
	}

	expires := i.now().Add(expiration)
	if out.Expires > 0 {
		expires = time.UnixMilli(out.Expires)
	}
	return domain.CachedToken{Token: out.Token, ExpiresAt: expires}, nil
}
