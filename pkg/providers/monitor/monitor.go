// Package monitor mirrors uptime monitors and surfaces status transitions.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/perch-hq/perch-engine/pkg/apperrors"
	"github.com/perch-hq/perch-engine/pkg/models"
	"github.com/perch-hq/perch-engine/pkg/providers"
)

// Config contains monitoring-provider connection options.
type Config struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
}

// FromBlob decodes a credentials blob into a Config.
func FromBlob(blob string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return nil, fmt.Errorf("invalid monitor credentials: %w", err)
	}
	if cfg.Endpoint == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("endpoint and api_key are required")
	}
	return &cfg, nil
}

type monitorPayload struct {
	ID              string `json:"id"`
	Label           string `json:"label"`
	CheckURL        string `json:"check_url"`
	IntervalSeconds int    `json:"interval_seconds"`
	Paused          bool   `json:"paused"`
}

type client struct {
	cfg        *Config
	httpClient *http.Client
	logger     *zap.Logger
}

func (c *client) ListResources(ctx context.Context) ([]providers.RawResource, error) {
	var monitors []json.RawMessage
	if err := c.get(ctx, "/v2/monitors", nil, &monitors); err != nil {
		return nil, err
	}

	resources := make([]providers.RawResource, 0, len(monitors))
	for _, raw := range monitors {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			resources = append(resources, providers.RawResource{Payload: raw})
			continue
		}
		resources = append(resources, providers.RawResource{ExternalID: head.ID, Payload: raw})
	}
	return resources, nil
}

func (c *client) ListActivitySince(ctx context.Context, since *time.Time) ([]providers.RawActivity, error) {
	q := url.Values{}
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	var checks []struct {
		MonitorID string          `json:"monitor_id"`
		CheckedAt time.Time       `json:"checked_at"`
		Result    json.RawMessage `json:"result"`
	}
	if err := c.get(ctx, "/v2/status-changes", q, &checks); err != nil {
		return nil, err
	}

	activities := make([]providers.RawActivity, 0, len(checks))
	for _, ch := range checks {
		activities = append(activities, providers.RawActivity{
			ExternalID:  ch.MonitorID,
			Kind:        "status-change",
			PublishedAt: ch.CheckedAt,
			Payload:     ch.Result,
		})
	}
	return activities, nil
}

func (c *client) Cleanup() {
	c.httpClient.CloseIdleConnections()
}

func (c *client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.cfg.Endpoint + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build monitor request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("monitor request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: monitor returned status %d", apperrors.ErrInvalidCredentials, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: monitor returned status %d", apperrors.ErrTransientIO, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode monitor response: %w", err)
	}
	return nil
}

type strategy struct{}

func (strategy) MapInventoryFields(res providers.RawResource) (models.ItemFields, error) {
	var p monitorPayload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		return models.ItemFields{}, &apperrors.MalformedPayloadError{
			Provider: models.ProviderMonitor, ExternalID: res.ExternalID, Err: err,
		}
	}
	if p.ID == "" || p.Label == "" {
		return models.ItemFields{}, &apperrors.MalformedPayloadError{
			Provider: models.ProviderMonitor, ExternalID: res.ExternalID,
			Err: fmt.Errorf("missing id or label"),
		}
	}

	tags := []string{"uptime"}
	if p.Paused {
		tags = append(tags, "paused")
	}

	return models.ItemFields{
		Type:        models.ItemTypeMonitor,
		Alias:       p.Label,
		Description: fmt.Sprintf("checks %s every %ds", p.CheckURL, p.IntervalSeconds),
		Hashtags:    tags,
		Visibility:  models.VisibilityPrivate,
	}, nil
}

func (strategy) MapActivity(act providers.RawActivity) (providers.ActivityContent, bool, error) {
	var d struct {
		Status     string `json:"status"`
		ResponseMS int64  `json:"response_ms"`
	}
	if err := json.Unmarshal(act.Payload, &d); err != nil {
		return providers.ActivityContent{}, false, &apperrors.MalformedPayloadError{
			Provider: models.ProviderMonitor, ExternalID: act.ExternalID, Err: err,
		}
	}

	switch d.Status {
	case "up":
		return providers.ActivityContent{
			Title:    "Monitor recovered",
			Content:  fmt.Sprintf("Check passing again (%dms).", d.ResponseMS),
			Hashtags: []string{"uptime", "up"},
		}, true, nil
	case "down":
		return providers.ActivityContent{
			Title:    "Monitor down",
			Content:  "Check is failing.",
			Hashtags: []string{"uptime", "down"},
		}, true, nil
	case "paused":
		// Operator-initiated pauses are mirrored via inventory, not activity.
		return providers.ActivityContent{}, false, nil
	default:
		return providers.ActivityContent{}, false, fmt.Errorf("unhandled monitor status %q", d.Status)
	}
}

func (strategy) ResolveTarget(act providers.RawActivity) (string, bool) {
	return act.ExternalID, false
}

func init() {
	providers.Register(providers.Registration{
		Info: providers.Info{
			Provider:    models.ProviderMonitor,
			DisplayName: "Uptime Monitoring",
			Description: "Mirror uptime monitors and their status transitions",
		},
		NewClient: func(ctx context.Context, conn *models.Connection, logger *zap.Logger) (providers.Client, error) {
			cfg, err := FromBlob(conn.Credentials)
			if err != nil {
				return nil, err
			}
			return &client{
				cfg:        cfg,
				httpClient: &http.Client{Timeout: 30 * time.Second},
				logger:     logger,
			}, nil
		},
		Strategy: strategy{},
	})
}
