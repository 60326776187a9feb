// File: internal/mailbox/mailbox.go
// Package mailbox polls a Gmail style REST mailbox for the email
// verification codes the portals send during provisioning. Each contact
// slot has a mailbox label that collects its mail; the client fetches
// the newest message under the label delivered after the requesting
// round started.
package mailbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/storelink-cli/api/schemas"
	"github.com/xkilldash9x/storelink-cli/internal/config"
)

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

// Client is the REST mailbox poller.
type Client struct {
	baseURL  string
	token    string
	httpc    *http.Client
	attempts int
	interval time.Duration
	log      *zap.Logger
}

// New builds a mailbox client from configuration.
func New(cfg config.MailboxConfig, logger *zap.Logger) *Client {
	attempts := cfg.PollAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		token:    cfg.Token,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		attempts: attempts,
		interval: cfg.PollInterval,
		log:      logger.Named("mailbox"),
	}
}

var _ schemas.MailFetcher = (*Client)(nil)

type listResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type messageResponse struct {
	Snippet string `json:"snippet"`
}

// FetchCode polls the label until a message delivered after since shows
// up carrying a six digit code, or the poll budget runs out.
func (c *Client) FetchCode(ctx context.Context, label string, since time.Time) (string, error) {
	query := fmt.Sprintf("label:%s after:%d", label, since.Unix())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= c.attempts; attempt++ {
		code, err := c.tryFetch(ctx, query)
		if err != nil {
			return "", err
		}
		if code != "" {
			c.log.Debug("email code received",
				zap.String("label", label),
				zap.Int("attempt", attempt))
			return code, nil
		}
		if attempt == c.attempts {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("no verification mail under label %s after %d polls", label, c.attempts)
}

func (c *Client) tryFetch(ctx context.Context, query string) (string, error) {
	listURL := fmt.Sprintf("%s/gmail/v1/users/me/messages?q=%s&maxResults=1",
		c.baseURL, url.QueryEscape(query))

	var list listResponse
	if err := c.getJSON(ctx, listURL, &list); err != nil {
		return "", err
	}
	if len(list.Messages) == 0 {
		return "", nil
	}

	msgURL := fmt.Sprintf("%s/gmail/v1/users/me/messages/%s?format=full",
		c.baseURL, url.PathEscape(list.Messages[0].ID))
	var msg messageResponse
	if err := c.getJSON(ctx, msgURL, &msg); err != nil {
		return "", err
	}

	return codePattern.FindString(msg.Snippet), nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build mailbox request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("mailbox request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read mailbox response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mailbox returned %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode mailbox response: %w", err)
	}
	return nil
}
