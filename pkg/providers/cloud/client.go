package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/perch-hq/perch-engine/pkg/apperrors"
	"github.com/perch-hq/perch-engine/pkg/providers"
	"github.com/perch-hq/perch-engine/pkg/retry"
)

// client talks to the cloud provider's resource and activity APIs.
// Enumeration is token-paginated; the client follows next_token until the
// provider reports the final page.
type client struct {
	cfg        *Config
	httpClient *http.Client
	retryCfg   *retry.Config
	logger     *zap.Logger
}

func newClient(cfg *Config, logger *zap.Logger) *client {
	return &client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryCfg:   retry.DefaultConfig(),
		logger:     logger,
	}
}

type listPage struct {
	Items     []json.RawMessage `json:"items"`
	NextToken string            `json:"next_token"`
}

type eventPage struct {
	Events []struct {
		ResourceID  string          `json:"resource_id"`
		Kind        string          `json:"kind"`
		PublishedAt time.Time       `json:"published_at"`
		Detail      json.RawMessage `json:"detail"`
	} `json:"events"`
}

// ListResources enumerates compute instances and storage buckets across all
// pages.
func (c *client) ListResources(ctx context.Context) ([]providers.RawResource, error) {
	var resources []providers.RawResource
	token := ""

	for {
		q := url.Values{"region": {c.cfg.Region}}
		if token != "" {
			q.Set("token", token)
		}

		var page listPage
		if err := c.get(ctx, "/v1/resources", q, &page); err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			var head struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(item, &head); err != nil || head.ID == "" {
				// No usable external id; surface the element unkeyed so the
				// reconciler logs and skips it.
				resources = append(resources, providers.RawResource{Payload: item})
				continue
			}
			resources = append(resources, providers.RawResource{ExternalID: head.ID, Payload: item})
		}

		if page.NextToken == "" {
			return resources, nil
		}
		token = page.NextToken
	}
}

// ListActivitySince fetches resource events published at or after since.
// Partial results retrieved before a failure are returned alongside the
// error so the poller can still advance its watermark.
func (c *client) ListActivitySince(ctx context.Context, since *time.Time) ([]providers.RawActivity, error) {
	q := url.Values{"region": {c.cfg.Region}}
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	var page eventPage
	if err := c.get(ctx, "/v1/events", q, &page); err != nil {
		return nil, err
	}

	activities := make([]providers.RawActivity, 0, len(page.Events))
	for _, ev := range page.Events {
		activities = append(activities, providers.RawActivity{
			ExternalID:  ev.ResourceID,
			Kind:        ev.Kind,
			PublishedAt: ev.PublishedAt,
			Payload:     ev.Detail,
		})
	}
	return activities, nil
}

// Cleanup releases pooled connections. Idempotent.
func (c *client) Cleanup() {
	c.httpClient.CloseIdleConnections()
}

// get fetches one API page, retrying transient failures with backoff.
// Rejected credentials and other permanent errors surface immediately.
func (c *client) get(ctx context.Context, path string, q url.Values, out any) error {
	var permanent error
	err := retry.Do(ctx, c.retryCfg, func() error {
		err := c.getOnce(ctx, path, q, out)
		if err == nil {
			return nil
		}
		if errors.Is(err, apperrors.ErrTransientIO) || retry.IsRetryable(err) {
			return err
		}
		permanent = err
		return nil
	})
	if permanent != nil {
		return permanent
	}
	return err
}

func (c *client) getOnce(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build cloud request: %w", err)
	}
	req.Header.Set("X-Access-Key", c.cfg.AccessKey)
	req.Header.Set("X-Secret-Key", c.cfg.SecretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cloud request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: cloud returned status %d", apperrors.ErrInvalidCredentials, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: cloud returned status %d", apperrors.ErrTransientIO, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode cloud response: %w", err)
	}
	return nil
}
