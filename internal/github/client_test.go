package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(12345, testKeyPEM(t), baseURL, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestInstallationTokenExchangeAndCache(t *testing.T) {
	var exchanges atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app/installations/7/access_tokens" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("token exchange must use the app JWT, got %q", r.Header.Get("Authorization"))
		}
		exchanges.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_testtoken",
			"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	for i := 0; i < 3; i++ {
		tok, err := c.InstallationToken(context.Background(), 7)
		if err != nil {
			t.Fatalf("installation token: %v", err)
		}
		if tok != "ghs_testtoken" {
			t.Fatalf("token = %q", tok)
		}
	}
	if got := exchanges.Load(); got != 1 {
		t.Fatalf("exchanges = %d, want 1 (cached)", got)
	}
}

func TestFetchContentsDecodesBase64(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/access_tokens"):
			json.NewEncoder(w).Encode(map[string]any{
				"token":      "ghs_testtoken",
				"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			})
		case strings.Contains(r.URL.Path, "/contents/"):
			if r.Header.Get("Authorization") != "token ghs_testtoken" {
				t.Errorf("contents must use the installation token, got %q", r.Header.Get("Authorization"))
			}
			// "rules:\n" in base64, split across lines as GitHub does.
			json.NewEncoder(w).Encode(map[string]any{
				"encoding": "base64",
				"content":  "cnVs\nZXM6\nCg==",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	data, err := c.FetchContents(context.Background(), 7, "acme/widgets", ".watchflow/rules.yaml")
	if err != nil {
		t.Fatalf("fetch contents: %v", err)
	}
	if string(data) != "rules:\n" {
		t.Fatalf("content = %q", data)
	}
}

func TestFetchContentsMissingFileIsErrNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/access_tokens") {
			json.NewEncoder(w).Encode(map[string]any{
				"token":      "ghs_testtoken",
				"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.FetchContents(context.Background(), 7, "acme/widgets", ".watchflow/rules.yaml")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestReviewDeploymentPostsDecision(t *testing.T) {
	var reviewed atomic.Int32
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	mux.HandleFunc("/app/installations/7/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_testtoken",
			"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode callback body: %v", err)
		}
		if body["state"] != "approved" || body["environment_name"] != "production" {
			t.Errorf("unexpected review body: %v", body)
		}
		reviewed.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})

	c := newTestClient(t, srv.URL)
	err := c.ReviewDeployment(context.Background(), 7, srv.URL+"/callback", "production", "approved", "window cleared")
	if err != nil {
		t.Fatalf("review deployment: %v", err)
	}
	if reviewed.Load() != 1 {
		t.Fatal("callback not invoked")
	}
}

func TestTransientServerErrorsAreRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/access_tokens") {
			if hits.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"token":      "ghs_testtoken",
				"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	tok, err := c.InstallationToken(context.Background(), 7)
	if err != nil {
		t.Fatalf("installation token after retries: %v", err)
	}
	if tok != "ghs_testtoken" {
		t.Fatalf("token = %q", tok)
	}
	if hits.Load() != 3 {
		t.Fatalf("hits = %d, want 3 (two failures then success)", hits.Load())
	}
}

func TestClientErrorsDoNotRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message":"Validation Failed"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.InstallationToken(context.Background(), 7)
	if err == nil {
		t.Fatal("expected an error")
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1 (4xx must not retry)", hits.Load())
	}
}
