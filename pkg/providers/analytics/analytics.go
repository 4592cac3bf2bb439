// Package analytics mirrors web analytics profiles and surfaces daily
// traffic snapshots.
package analytics

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

// Config contains analytics connection options.
type Config struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
}

// FromBlob decodes a credentials blob into a Config.
func FromBlob(blob string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return nil, fmt.Errorf("invalid analytics credentials: %w", err)
	}
	if cfg.Endpoint == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("endpoint and api_key are required")
	}
	return &cfg, nil
}

type profilePayload struct {
	ProfileID  string `json:"profile_id"`
	SiteName   string `json:"site_name"`
	WebsiteURL string `json:"website_url"`
	Timezone   string `json:"timezone"`
}

type client struct {
	cfg        *Config
	httpClient *http.Client
	logger     *zap.Logger
}

func (c *client) ListResources(ctx context.Context) ([]providers.RawResource, error) {
	var profiles []json.RawMessage
	if err := c.get(ctx, "/v3/profiles", nil, &profiles); err != nil {
		return nil, err
	}

	resources := make([]providers.RawResource, 0, len(profiles))
	for _, raw := range profiles {
		var head struct {
			ProfileID string `json:"profile_id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			resources = append(resources, providers.RawResource{Payload: raw})
			continue
		}
		resources = append(resources, providers.RawResource{ExternalID: head.ProfileID, Payload: raw})
	}
	return resources, nil
}

func (c *client) ListActivitySince(ctx context.Context, since *time.Time) ([]providers.RawActivity, error) {
	q := url.Values{}
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	var snapshots []struct {
		ProfileID   string          `json:"profile_id"`
		CapturedAt  time.Time       `json:"captured_at"`
		Measurement json.RawMessage `json:"measurement"`
	}
	if err := c.get(ctx, "/v3/snapshots", q, &snapshots); err != nil {
		return nil, err
	}

	activities := make([]providers.RawActivity, 0, len(snapshots))
	for _, s := range snapshots {
		activities = append(activities, providers.RawActivity{
			ExternalID:  s.ProfileID,
			Kind:        "daily-metrics",
			PublishedAt: s.CapturedAt,
			Payload:     s.Measurement,
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
		return fmt.Errorf("build analytics request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("analytics request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: analytics returned status %d", apperrors.ErrInvalidCredentials, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: analytics returned status %d", apperrors.ErrTransientIO, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode analytics response: %w", err)
	}
	return nil
}

type strategy struct{}

func (strategy) MapInventoryFields(res providers.RawResource) (models.ItemFields, error) {
	var p profilePayload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		return models.ItemFields{}, &apperrors.MalformedPayloadError{
			Provider: models.ProviderAnalytics, ExternalID: res.ExternalID, Err: err,
		}
	}
	if p.ProfileID == "" || p.SiteName == "" {
		return models.ItemFields{}, &apperrors.MalformedPayloadError{
			Provider: models.ProviderAnalytics, ExternalID: res.ExternalID,
			Err: fmt.Errorf("missing profile_id or site_name"),
		}
	}

	return models.ItemFields{
		Type:        models.ItemTypeAnalyticsProfile,
		Alias:       p.SiteName,
		Description: p.WebsiteURL,
		Hashtags:    []string{"analytics"},
		Visibility:  models.VisibilityPrivate,
	}, nil
}

func (strategy) MapActivity(act providers.RawActivity) (providers.ActivityContent, bool, error) {
	if act.Kind != "daily-metrics" {
		return providers.ActivityContent{}, false, fmt.Errorf("unhandled analytics snapshot kind %q", act.Kind)
	}

	var d struct {
		Visits    int64 `json:"visits"`
		Pageviews int64 `json:"pageviews"`
	}
	if err := json.Unmarshal(act.Payload, &d); err != nil {
		return providers.ActivityContent{}, false, &apperrors.MalformedPayloadError{
			Provider: models.ProviderAnalytics, ExternalID: act.ExternalID, Err: err,
		}
	}

	return providers.ActivityContent{
		Title:    fmt.Sprintf("Traffic snapshot: %d visits", d.Visits),
		Content:  fmt.Sprintf("%d visits, %d pageviews.", d.Visits, d.Pageviews),
		Hashtags: []string{"analytics", "traffic"},
	}, true, nil
}

func (strategy) ResolveTarget(act providers.RawActivity) (string, bool) {
	return act.ExternalID, false
}

func init() {
	providers.Register(providers.Registration{
		Info: providers.Info{
			Provider:    models.ProviderAnalytics,
			DisplayName: "Web Analytics",
			Description: "Mirror analytics profiles and daily traffic snapshots",
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
