package signalsimsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal signalsim HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api/v1",
		Timeout:  10 * time.Second,
	}
}

// Intersection is one entry of the intersection listing.
type Intersection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Phase is one step of a signal cycle.
type Phase struct {
	Name     string            `json:"name" yaml:"name"`
	Duration int               `json:"duration" yaml:"duration"`
	Signals  map[string]string `json:"signals" yaml:"signals"`
}

// IntersectionConfig is the full phase configuration.
type IntersectionConfig struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Phases []Phase `json:"phases"`
}

// State is the current signal state of an intersection.
type State struct {
	IntersectionID   string            `json:"intersection_id"`
	IntersectionName string            `json:"intersection_name"`
	PhaseName        string            `json:"phase_name"`
	ElapsedInPhase   int               `json:"elapsed_in_phase"`
	PhaseDuration    int               `json:"phase_duration"`
	Signals          map[string]string `json:"signals"`
}

// Event is a journal entry.
type Event struct {
	ID             int64          `json:"id"`
	TS             string         `json:"ts"`
	Type           string         `json:"type"`
	IntersectionID string         `json:"intersection_id"`
	RequestID      string         `json:"request_id,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	Payload        map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListIntersections returns every configured intersection.
func (c *Client) ListIntersections(ctx context.Context) ([]Intersection, error) {
	var resp struct {
		Items []Intersection `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.apiPath("intersections"), nil, &resp)
	return resp.Items, err
}

// GetIntersection returns the phase configuration of id.
func (c *Client) GetIntersection(ctx context.Context, id string) (IntersectionConfig, error) {
	var resp IntersectionConfig
	err := c.do(ctx, http.MethodGet, c.intersectionPath(id, ""), nil, &resp)
	return resp, err
}

// State returns the current signal state of id.
func (c *Client) State(ctx context.Context, id string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, c.intersectionPath(id, "state"), nil, &resp)
	return resp, err
}

// Tick advances the simulation of id by seconds.
func (c *Client) Tick(ctx context.Context, id string, seconds int) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, c.intersectionPath(id, "tick"), map[string]any{"seconds": seconds}, &resp)
	return resp, err
}

// Reset moves id back to the start of its first phase.
func (c *Client) Reset(ctx context.Context, id string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodPost, c.intersectionPath(id, "reset"), nil, &resp)
	return resp, err
}

// Apply creates or replaces the configuration of cfg.ID.
func (c *Client) Apply(ctx context.Context, cfg IntersectionConfig) (IntersectionConfig, error) {
	var resp IntersectionConfig
	err := c.do(ctx, http.MethodPut, c.intersectionPath(cfg.ID, ""), cfg, &resp)
	return resp, err
}

// Delete removes id.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.intersectionPath(id, ""), nil, nil)
}

// Events returns the newest journal entries, optionally for one intersection.
func (c *Client) Events(ctx context.Context, limit int, intersectionID string) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if intersectionID != "" {
		q.Set("intersection_id", intersectionID)
	}
	endpoint := c.apiPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Health reports whether the service answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) intersectionPath(id, sub string) string {
	p := "intersections/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return c.apiPath(p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
