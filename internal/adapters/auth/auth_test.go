package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jobrunner/parcelmaps/internal/domain"
	"github.com/jobrunner/parcelmaps/internal/ports/output"
)

func TestIssuerGenerateToken(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(90 * time.Minute)

	tests := []struct {
		name        string
		reply       string
		status      int
		referer     string
		wantToken   string
		wantExpires time.Time
		wantErr     error
	}{
		{
			name:        "issued with expiry",
			reply:       `{"token":"abc","expires":` + strconv.FormatInt(expires.UnixMilli(), 10) + `,"ssl":true}`,
			status:      http.StatusOK,
			referer:     "https://parcelmaps.example.test",
			wantToken:   "abc",
			wantExpires: expires,
		},
		{
			name:        "missing expiry uses requested lifetime",
			reply:       `{"token":"def"}`,
			status:      http.StatusOK,
			wantToken:   "def",
			wantExpires: now.Add(time.Hour),
		},
		{
			name:    "api error",
			reply:   `{"error":{"code":400,"message":"Unable to generate token.","details":["Invalid username or password."]}}`,
			status:  http.StatusOK,
			wantErr: domain.ErrUnauthorized,
		},
		{
			name:   "http error",
			reply:  ``,
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var form map[string]string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = r.ParseForm()
				form = map[string]string{
					"username":   r.PostForm.Get("username"),
					"client":     r.PostForm.Get("client"),
					"referer":    r.PostForm.Get("referer"),
					"expiration": r.PostForm.Get("expiration"),
					"f":          r.PostForm.Get("f"),
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.reply))
			}))
			defer srv.Close()

			issuer := NewIssuer(nil, srv.URL)
			issuer.now = func() time.Time { return now }

			tok, err := issuer.GenerateToken(context.Background(), "user", "pass", tt.referer, time.Hour)
			if tt.wantToken == "" {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GenerateToken() error = %v", err)
			}
			if tok.Token != tt.wantToken || !tok.ExpiresAt.Equal(tt.wantExpires) {
				t.Errorf("token = %+v, want %s until %v", tok, tt.wantToken, tt.wantExpires)
			}
			if form["username"] != "user" || form["expiration"] != "60" || form["f"] != "json" {
				t.Errorf("form = %v", form)
			}
			wantClient := "requestip"
			if tt.referer != "" {
				wantClient = "referer"
			}
			if form["client"] != wantClient || form["referer"] != tt.referer {
				t.Errorf("client = %s referer = %s", form["client"], form["referer"])
			}
		})
	}
}

func TestHTTPLayerTree(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/layers/42" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"title":"Sewer mains","url":"https://tiles.example.test/{z}/{x}/{y}.pbf?token%3Dxyz"}`))
	}))
	defer srv.Close()

	tree := NewHTTPLayerTree(nil, srv.URL+"/layers/", "", time.Minute)

	desc, err := tree.Layer(context.Background(), 42)
	if err != nil {
		t.Fatalf("Layer() error = %v", err)
	}
	if desc.ID != 42 || desc.Title != "Sewer mains" {
		t.Errorf("descriptor = %+v", desc)
	}
	if tok, err := domain.ExtractEmbeddedToken(desc.URL); err != nil || tok != "xyz" {
		t.Errorf("embedded token = %q, %v", tok, err)
	}

	if _, err := tree.Layer(context.Background(), 42); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Errorf("requests = %d, want 1 with caching", hits.Load())
	}

	if _, err := tree.Layer(context.Background(), 7); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStaticLayerTree(t *testing.T) {
	tree := NewStaticLayerTree([]output.LayerDescriptor{{ID: 3, URL: "https://x.test/?token=s3"}})

	desc, err := tree.Layer(context.Background(), 3)
	if err != nil || desc.URL != "https://x.test/?token=s3" {
		t.Errorf("Layer(3) = %+v, %v", desc, err)
	}
	if _, err := tree.Layer(context.Background(), 4); !errors.Is(err, domain.ErrLayerNotFound) {
		t.Errorf("expected ErrLayerNotFound, got %v", err)
	}
}
