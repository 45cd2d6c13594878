// Package github is a thin GitHub App client: an RS256 app JWT is exchanged
// for short-lived installation tokens, which authenticate the handful of
// REST calls the processors and the scheduler need.
package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

var (
	ErrNotFound = errors.New("github: not found")
	ErrNoToken  = errors.New("github: no installation token")
)

const (
	defaultBaseURL = "https://api.github.com"
	// GitHub caps app JWT validity at 10 minutes.
	appJWTLifetime = 9 * time.Minute
	// Refresh installation tokens a little before they expire.
	tokenSlack = 5 * time.Minute
)

type Client struct {
	appID   int64
	key     *rsa.PrivateKey
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	tokens map[int64]installationToken
}

type installationToken struct {
	value     string
	expiresAt time.Time
}

func NewClient(appID int64, privateKeyPEM []byte, baseURL string, logger zerolog.Logger) (*Client, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("github: parse app key: %w", err)
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		appID:   appID,
		key:     key,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		now:     time.Now,
		tokens:  map[int64]installationToken{},
	}, nil
}

// appJWT mints the short-lived app-level JWT used for token exchange.
func (c *Client) appJWT() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprintf("%d", c.appID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
}

// InstallationToken returns a valid installation access token, exchanging a
// fresh one when the cached token is near expiry. Tokens expire on a much
// shorter horizon than the scheduler's retention, so every re-check cycle
// calls this.
func (c *Client) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	c.mu.Lock()
	if tok, ok := c.tokens[installationID]; ok && c.now().Before(tok.expiresAt.Add(-tokenSlack)) {
		c.mu.Unlock()
		return tok.value, nil
	}
	c.mu.Unlock()

	appJWT, err := c.appJWT()
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, installationID)
	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.doJSON(ctx, http.MethodPost, url, "Bearer "+appJWT, nil, &resp); err != nil {
		return "", fmt.Errorf("github: token exchange for installation %d: %w", installationID, err)
	}
	if resp.Token == "" {
		return "", ErrNoToken
	}

	c.mu.Lock()
	c.tokens[installationID] = installationToken{value: resp.Token, expiresAt: resp.ExpiresAt}
	c.mu.Unlock()
	return resp.Token, nil
}

// FetchContents retrieves a file from a repository via the contents API.
// A 404 maps to ErrNotFound so callers can treat "no rules file" as a
// non-error state.
func (c *Client) FetchContents(ctx context.Context, installationID int64, repo, path string) ([]byte, error) {
	token, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/repos/%s/contents/%s", c.baseURL, repo, path)
	var resp struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := c.doJSON(ctx, http.MethodGet, url, "token "+token, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Encoding != "base64" {
		return []byte(resp.Content), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(resp.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("github: decode contents of %s: %w", path, err)
	}
	return decoded, nil
}

// ReviewDeployment answers a deployment protection rule gate. callbackURL
// is the deployment_callback_url delivered with the event; state must be
// "approved" or "rejected".
func (c *Client) ReviewDeployment(ctx context.Context, installationID int64, callbackURL, environment, state, comment string) error {
	token, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return err
	}
	body := map[string]string{
		"environment_name": environment,
		"state":            state,
		"comment":          comment,
	}
	if err := c.doJSON(ctx, http.MethodPost, callbackURL, "token "+token, body, nil); err != nil {
		return fmt.Errorf("github: review deployment (%s): %w", state, err)
	}
	return nil
}

// CreateComment posts an issue/PR comment, used to surface violations.
func (c *Client) CreateComment(ctx context.Context, installationID int64, repo string, issueNumber int, text string) error {
	token, err := c.InstallationToken(ctx, installationID)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", c.baseURL, repo, issueNumber)
	return c.doJSON(ctx, http.MethodPost, url, "token "+token, map[string]string{"body": text}, nil)
}

// doJSON performs a request with fibonacci backoff on 429/5xx. 404 becomes
// ErrNotFound; other 4xx fail immediately.
func (c *Client) doJSON(ctx context.Context, method, url, auth string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Authorization", auth)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			c.logger.Debug().Int("status", resp.StatusCode).Str("url", url).Msg("retrying github call")
			return retry.RetryableError(fmt.Errorf("github: %s %s: status %d", method, url, resp.StatusCode))
		case resp.StatusCode >= 400:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("github: %s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(b)))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("github: decode response: %w", err)
			}
		}
		return nil
	})
}
