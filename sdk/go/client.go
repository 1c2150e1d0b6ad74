package dsyncsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrCredentialExpired is returned before any request is sent with an
// expired bearer token.
var ErrCredentialExpired = errors.New("credential expired")

// Credential authenticates requests. Token takes precedence over APIKey.
// A zero ExpiresAt means the token does not expire client side.
type Credential struct {
	Token     string
	ExpiresAt time.Time
	APIKey    string
}

// Expired reports whether the token is past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	return c.Token != "" && !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Client is a minimal Deviation Sync read API client.
type Client struct {
	BaseURL    string
	Credential Credential
	HTTPClient *http.Client
	Timeout    time.Duration
	Now        func() time.Time
}

// New creates a client with sane defaults.
func New(baseURL string, cred Credential) *Client {
	return &Client{
		BaseURL:    baseURL,
		Credential: cred,
		Timeout:    10 * time.Second,
	}
}

type Pass struct {
	ID         string         `json:"id"`
	Sheet      string         `json:"sheet"`
	Status     string         `json:"status"`
	DryRun     bool           `json:"dry_run"`
	Summary    map[string]any `json:"summary"`
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at"`
}

type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	PassID   string         `json:"pass_id"`
	Type     string         `json:"type"`
	RecordID int64          `json:"record_id"`
	Payload  map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Row struct {
	RowID       int64             `json:"row_id"`
	ParentRowID int64             `json:"parent_row_id"`
	Level       int               `json:"level"`
	Cells       map[string]string `json:"cells"`
}

type ArchivedRow struct {
	ID         int64             `json:"id"`
	RecordID   int64             `json:"record_id"`
	RowID      int64             `json:"row_id"`
	Level      int               `json:"level"`
	Category   string            `json:"category"`
	Fields     map[string]string `json:"fields"`
	ArchivedAt string            `json:"archived_at"`
}

type PlanPreview struct {
	Summary    map[string]int `json:"summary"`
	Operations int            `json:"operations"`
	Updates    []struct {
		RowID int64  `json:"row_id"`
		Field string `json:"field"`
		Value string `json:"value"`
	} `json:"updates"`
	Archivals []int64 `json:"archivals"`
	Creates   []struct {
		RecordID int64    `json:"record_id"`
		Subtasks []string `json:"subtasks"`
	} `json:"creates"`
}

type Me struct {
	ActorID   string `json:"actor_id"`
	Source    string `json:"source"`
	ExpiresAt string `json:"expires_at"`
}

// APIError wraps non-2xx responses.
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

// Passes lists passes newest first. An empty status lists all.
func (c *Client) Passes(ctx context.Context, status string, limit int) ([]Pass, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Pass `json:"items"`
	}
	err := c.do(ctx, withQuery("v0/passes", q), &resp)
	return resp.Items, err
}

func (c *Client) Pass(ctx context.Context, id string) (Pass, error) {
	var resp Pass
	err := c.do(ctx, "v0/passes/"+url.PathEscape(id), &resp)
	return resp, err
}

// EventsPage returns one page of a pass's events.
func (c *Client) EventsPage(ctx context.Context, passID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, withQuery(fmt.Sprintf("v0/passes/%s/events", url.PathEscape(passID)), q), &resp)
	return resp, err
}

func (c *Client) Rows(ctx context.Context, parentsOnly bool) ([]Row, error) {
	q := url.Values{}
	if parentsOnly {
		q.Set("parents_only", "true")
	}
	var resp struct {
		Items []Row `json:"items"`
	}
	err := c.do(ctx, withQuery("v0/rows", q), &resp)
	return resp.Items, err
}

func (c *Client) Archives(ctx context.Context, category string, limit int) ([]ArchivedRow, error) {
	q := url.Values{}
	if category != "" {
		q.Set("category", category)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []ArchivedRow `json:"items"`
	}
	err := c.do(ctx, withQuery("v0/archives", q), &resp)
	return resp.Items, err
}

// Plan previews the next pass.
func (c *Client) Plan(ctx context.Context) (PlanPreview, error) {
	var resp PlanPreview
	err := c.do(ctx, "v0/plan", &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, "v0/me", &resp)
	return resp, err
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) do(ctx context.Context, endpoint string, out any) error {
	cred := c.Credential
	if cred.Expired(c.now()) {
		return ErrCredentialExpired
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	switch {
	case cred.Token != "":
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	case cred.APIKey != "":
		req.Header.Set("X-Api-Key", cred.APIKey)
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
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
