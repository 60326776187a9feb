// File: internal/books/books.go
// Package books is the client for the accounting backend that consumes
// finished link runs. Authentication is a login endpoint returning a
// JWT; the token is cached and renewed shortly before its exp claim.
package books

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	loginPath       = "/v1/auth/login"
	resultsPath     = "/v1/scraping/results"
	lastScrapedPath = "/v1/linked-accounts/last-scraped"

	// renewMargin renews the token early so an in flight request does
	// not ride an expiring one.
	renewMargin = 30 * time.Second
	// fallbackTTL applies when the token carries no exp claim.
	fallbackTTL = 30 * time.Minute
)

// Client talks to the accounting backend.
type Client struct {
	cfg  config.BooksConfig
	http *http.Client
	log  *zap.Logger

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// New builds a client from config. The timeout covers each request
// individually.
func New(cfg config.BooksConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.Named("books"),
	}
}

var _ schemas.BooksPusher = (*Client)(nil)

// PushResult forwards a finished run to the backend.
func (c *Client) PushResult(ctx context.Context, res schemas.RunResult) error {
	return c.post(ctx, resultsPath, res)
}

// UpdateLastScrapedAt advances the backend's scrape bookmark for a
// linked business.
func (c *Client) UpdateLastScrapedAt(ctx context.Context, bizNo string, family schemas.PortalFamily, t time.Time) error {
	payload := map[string]any{
		"bizNo":         bizNo,
		"mall":          string(family),
		"lastScrapedAt": t.UTC().Format(time.RFC3339),
	}
	return c.post(ctx, lastScrapedPath, payload)
}

// post sends an authorized JSON request, retrying once with a fresh
// token when the backend rejects the cached one.
func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("post %s: %w", path, err)
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.log.Info("access token rejected, re-authenticating")
			c.invalidate()
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, respBody)
		}
		return nil
	}
	return fmt.Errorf("post %s: unauthorized after re-login", path)
}

// accessToken returns the cached token or logs in for a fresh one.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiry.Add(-renewMargin)) {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"email":    c.cfg.Email,
		"password": c.cfg.Password,
	})
	if err != nil {
		return "", fmt.Errorf("marshal login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("login: status %d: %s", resp.StatusCode, respBody)
	}

	var reply struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return "", fmt.Errorf("decode login reply: %w", err)
	}
	if reply.AccessToken == "" {
		return "", fmt.Errorf("login reply carried no access token")
	}

	c.token = reply.AccessToken
	c.expiry = tokenExpiry(reply.AccessToken)
	c.log.Info("authenticated against books backend", zap.Time("tokenExpiry", c.expiry))
	return c.token, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}

// tokenExpiry reads the exp claim without verifying the signature; the
// client only needs the lifetime, trust comes from the TLS channel.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Now().Add(fallbackTTL)
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(fallbackTTL)
	}
	return exp.Time
}
