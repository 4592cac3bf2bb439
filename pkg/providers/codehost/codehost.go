// Package codehost mirrors hosted source projects and surfaces their
// commit and release activity.
package codehost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/perch-hq/perch-engine/pkg/apperrors"
	"github.com/perch-hq/perch-engine/pkg/models"
	"github.com/perch-hq/perch-engine/pkg/providers"
)

// Config contains code-hosting connection options.
type Config struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
	Owner   string `json:"owner"`
}

// FromBlob decodes a credentials blob into a Config.
func FromBlob(blob string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return nil, fmt.Errorf("invalid codehost credentials: %w", err)
	}
	if cfg.BaseURL == "" || cfg.Token == "" || cfg.Owner == "" {
		return nil, fmt.Errorf("base_url, token and owner are required")
	}
	return &cfg, nil
}

type client struct {
	cfg        *Config
	httpClient *http.Client
	logger     *zap.Logger
}

const pageSize = 100

type repoPayload struct {
	ID            string   `json:"id"`
	Slug          string   `json:"slug"`
	Description   string   `json:"description"`
	Topics        []string `json:"topics"`
	Private       bool     `json:"private"`
	DefaultBranch string   `json:"default_branch"`
}

// ListResources enumerates the owner's repositories page by page until a
// short page signals the end.
func (c *client) ListResources(ctx context.Context) ([]providers.RawResource, error) {
	var resources []providers.RawResource

	for page := 1; ; page++ {
		q := url.Values{
			"owner":    {c.cfg.Owner},
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(pageSize)},
		}

		var repos []json.RawMessage
		if err := c.get(ctx, "/api/repos", q, &repos); err != nil {
			return nil, err
		}

		for _, raw := range repos {
			var head struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &head); err != nil {
				resources = append(resources, providers.RawResource{Payload: raw})
				continue
			}
			resources = append(resources, providers.RawResource{ExternalID: head.ID, Payload: raw})
		}

		if len(repos) < pageSize {
			return resources, nil
		}
	}
}

func (c *client) ListActivitySince(ctx context.Context, since *time.Time) ([]providers.RawActivity, error) {
	q := url.Values{"owner": {c.cfg.Owner}}
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	var events []struct {
		RepoID      string          `json:"repo_id"`
		Kind        string          `json:"kind"`
		PublishedAt time.Time       `json:"published_at"`
		Detail      json.RawMessage `json:"detail"`
	}
	if err := c.get(ctx, "/api/events", q, &events); err != nil {
		return nil, err
	}

	activities := make([]providers.RawActivity, 0, len(events))
	for _, ev := range events {
		activities = append(activities, providers.RawActivity{
			ExternalID:  ev.RepoID,
			Kind:        ev.Kind,
			PublishedAt: ev.PublishedAt,
			Payload:     ev.Detail,
		})
	}
	return activities, nil
}

func (c *client) Cleanup() {
	c.httpClient.CloseIdleConnections()
}

func (c *client) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build codehost request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("codehost request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: codehost returned status %d", apperrors.ErrInvalidCredentials, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: codehost returned status %d", apperrors.ErrTransientIO, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode codehost response: %w", err)
	}
	return nil
}

type strategy struct{}

func (strategy) MapInventoryFields(res providers.RawResource) (models.ItemFields, error) {
	var p repoPayload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		return models.ItemFields{}, &apperrors.MalformedPayloadError{
			Provider: models.ProviderCodeHost, ExternalID: res.ExternalID, Err: err,
		}
	}
	if p.ID == "" || p.Slug == "" {
		return models.ItemFields{}, &apperrors.MalformedPayloadError{
			Provider: models.ProviderCodeHost, ExternalID: res.ExternalID,
			Err: fmt.Errorf("missing id or slug"),
		}
	}

	visibility := models.VisibilityShared
	if p.Private {
		visibility = models.VisibilityPrivate
	}

	return models.ItemFields{
		Type:        models.ItemTypeProject,
		Alias:       aliasFromSlug(p.Slug),
		Description: p.Description,
		Hashtags:    p.Topics,
		Visibility:  visibility,
	}, nil
}

func (strategy) MapActivity(act providers.RawActivity) (providers.ActivityContent, bool, error) {
	switch act.Kind {
	case "commit":
		var d struct {
			SHA     string `json:"sha"`
			Message string `json:"message"`
			Author  string `json:"author"`
		}
		if err := json.Unmarshal(act.Payload, &d); err != nil {
			return providers.ActivityContent{}, false, &apperrors.MalformedPayloadError{
				Provider: models.ProviderCodeHost, ExternalID: act.ExternalID, Err: err,
			}
		}
		title := d.Message
		if idx := strings.IndexByte(title, '\n'); idx >= 0 {
			title = title[:idx]
		}
		return providers.ActivityContent{
			Title:    fmt.Sprintf("%.7s: %s", d.SHA, title),
			Content:  fmt.Sprintf("%s committed: %s", d.Author, d.Message),
			Hashtags: []string{"commit"},
		}, true, nil
	case "release":
		var d struct {
			Tag   string `json:"tag"`
			Notes string `json:"notes"`
		}
		if err := json.Unmarshal(act.Payload, &d); err != nil {
			return providers.ActivityContent{}, false, &apperrors.MalformedPayloadError{
				Provider: models.ProviderCodeHost, ExternalID: act.ExternalID, Err: err,
			}
		}
		return providers.ActivityContent{
			Title:    "Release " + d.Tag,
			Content:  d.Notes,
			Hashtags: []string{"release"},
		}, true, nil
	case "ci-run":
		// CI churn is too chatty to surface.
		return providers.ActivityContent{}, false, nil
	default:
		return providers.ActivityContent{}, false, fmt.Errorf("unhandled codehost event kind %q", act.Kind)
	}
}

func (strategy) ResolveTarget(act providers.RawActivity) (string, bool) {
	return act.ExternalID, false
}

// aliasFromSlug turns "acme/data-pipelines" into "Data pipeline".
func aliasFromSlug(slug string) string {
	name := slug
	if idx := strings.LastIndex(slug, "/"); idx >= 0 {
		name = slug[idx+1:]
	}
	name = strings.ReplaceAll(name, "-", " ")
	name = inflection.Singular(name)
	if len(name) > 0 {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return name
}

func init() {
	providers.Register(providers.Registration{
		Info: providers.Info{
			Provider:    models.ProviderCodeHost,
			DisplayName: "Project Hosting",
			Description: "Mirror hosted repositories and their commit activity",
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
