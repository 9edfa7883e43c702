// Package indexer provides a thin client for the upstream alert search
// backend (an OpenSearch-compatible indexer). It issues one _search request
// per call and decodes hits into the alert domain model.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/argus/internal/alert"
)

const (
	defaultIndexPattern = "wazuh-alerts-*"
	httpTimeout         = 15 * time.Second
	maxErrorBody        = 512
)

// Client searches the upstream indexer over HTTP.
type Client struct {
	endpoint     string
	username     string
	password     string
	indexPattern string
	httpClient   *http.Client
}

// Options configures a Client.
type Options struct {
	Endpoint     string
	Username     string
	Password     string
	IndexPattern string
}

// New creates a new indexer client. An empty endpoint yields a client that
// reports itself unconfigured; callers degrade to a status event instead of
// querying.
func New(opts Options) *Client {
	pattern := opts.IndexPattern
	if pattern == "" {
		pattern = defaultIndexPattern
	}
	return &Client{
		endpoint:     opts.Endpoint,
		username:     opts.Username,
		password:     opts.Password,
		indexPattern: pattern,
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
	}
}

// Configured reports whether an upstream endpoint has been set.
func (c *Client) Configured() bool {
	return c.endpoint != ""
}

// searchHit is one hit in the indexer response. Source is kept raw so the
// full document travels with the alert.
type searchHit struct {
	ID     string          `json:"_id"`
	Source json.RawMessage `json:"_source"`
}

type searchResponse struct {
	Hits struct {
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
}

// sourceDoc is the subset of the indexed document we project into the
// domain model. Timestamps are RFC3339 strings upstream.
type sourceDoc struct {
	Timestamp time.Time `json:"timestamp"`
	Rule      struct {
		ID          string   `json:"id"`
		Level       int      `json:"level"`
		Description string   `json:"description"`
		Groups      []string `json:"groups"`
		Mitre       *struct {
			ID        []string `json:"id"`
			Tactic    []string `json:"tactic"`
			Technique []string `json:"technique"`
		} `json:"mitre"`
	} `json:"rule"`
	Agent struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		IP   string `json:"ip"`
	} `json:"agent"`
	Decoder *struct {
		Name string `json:"name"`
	} `json:"decoder"`
	Location string `json:"location"`
}

// Search returns alerts with rule.level >= minLevel in the half-open range
// (from, to], newest first, capped at max results. A zero from time means
// no lower bound beyond what the caller encodes in it.
func (c *Client) Search(ctx context.Context, from, to time.Time, minLevel, max int) ([]alert.Alert, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("indexer: no endpoint configured")
	}

	body, err := json.Marshal(buildQuery(from, to, minLevel, max))
	if err != nil {
		return nil, fmt.Errorf("indexer: marshal query: %w", err)
	}

	url := fmt.Sprintf("%s/%s/_search", c.endpoint, c.indexPattern)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("indexer: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: endpoint is from trusted config, not user input
	if err != nil {
		return nil, fmt.Errorf("indexer: search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("indexer: search returned %d: %s", resp.StatusCode, string(excerpt))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("indexer: decode response: %w", err)
	}

	return decodeHits(sr.Hits.Hits)
}

func decodeHits(hits []searchHit) ([]alert.Alert, error) {
	alerts := make([]alert.Alert, 0, len(hits))
	for _, h := range hits {
		var doc sourceDoc
		if err := json.Unmarshal(h.Source, &doc); err != nil {
			return nil, fmt.Errorf("indexer: decode hit %q: %w", h.ID, err)
		}

		al := alert.Alert{
			ID:        h.ID,
			Timestamp: doc.Timestamp,
			Rule: alert.Rule{
				ID:          doc.Rule.ID,
				Level:       doc.Rule.Level,
				Description: doc.Rule.Description,
				Groups:      doc.Rule.Groups,
			},
			Agent: alert.Agent{
				ID:   doc.Agent.ID,
				Name: doc.Agent.Name,
				IP:   doc.Agent.IP,
			},
			Location: doc.Location,
			Raw:      h.Source,
		}
		if doc.Rule.Mitre != nil {
			al.Rule.Mitre = &alert.Mitre{
				IDs:        doc.Rule.Mitre.ID,
				Tactics:    doc.Rule.Mitre.Tactic,
				Techniques: doc.Rule.Mitre.Technique,
			}
		}
		if doc.Decoder != nil {
			al.Decoder = &alert.Decoder{Name: doc.Decoder.Name}
		}
		alerts = append(alerts, al)
	}
	return alerts, nil
}

func buildQuery(from, to time.Time, minLevel, max int) map[string]any {
	timeRange := map[string]any{
		"lte": to.UTC().Format(time.RFC3339Nano),
	}
	if !from.IsZero() {
		timeRange["gt"] = from.UTC().Format(time.RFC3339Nano)
	}

	return map[string]any{
		"size": max,
		"sort": []map[string]any{
			{"timestamp": map[string]any{"order": "desc"}},
		},
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"range": map[string]any{"timestamp": timeRange}},
					{"range": map[string]any{"rule.level": map[string]any{"gte": minLevel}}},
				},
			},
		},
	}
}
