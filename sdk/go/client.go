package gatelinesdk

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

// Client is a minimal Gateline HTTP API client. Agents authenticate with
// AgentKey (the X-Agent-Key token); humans with BearerToken.
type Client struct {
	BaseURL     string
	ProjectID   string
	AgentKey    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Item represents the API work item model.
type Item struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags"`
	Status      string   `json:"status"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// Event represents an activity log entry.
type Event struct {
	ID         int64          `json:"id"`
	ItemID     string         `json:"item_id"`
	ActorType  string         `json:"actor_type"`
	ActorUser  string         `json:"actor_user_id,omitempty"`
	AgentKeyID string         `json:"agent_key_id,omitempty"`
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// CommandOutput is one command run while resolving an item.
type CommandOutput struct {
	Command  string `json:"command"`
	Output   string `json:"output"`
	ExitCode int    `json:"exitCode"`
}

// Resolution is the evidence bundle submitted with completed work.
type Resolution struct {
	ChatSessionID  string          `json:"chatSessionId"`
	ResolutionNote string          `json:"resolutionNote"`
	CodeChanges    string          `json:"codeChanges"`
	CommandOutputs []CommandOutput `json:"commandOutputs"`
	TestSummary    string          `json:"testSummary,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Page carries pagination state; NextCursor is empty on the last page.
type Page struct {
	Limit      int     `json:"limit"`
	NextCursor *string `json:"nextCursor"`
}

// PaginatedEvents wraps event list responses.
type PaginatedEvents struct {
	Items []Event `json:"items"`
	Page  Page    `json:"page"`
}

// PaginatedItems wraps item list responses.
type PaginatedItems struct {
	Items []Item `json:"items"`
	Page  Page   `json:"page"`
}

// GetItem fetches a work item by id.
func (c *Client) GetItem(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/items/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Items returns one page of the project's work items.
func (c *Client) Items(ctx context.Context, status string, limit int, cursor string) (PaginatedItems, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("items")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedItems
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetStatus applies a lifecycle transition. Agents may only move items into
// in_review; the server enforces the rest of the graph.
func (c *Client) SetStatus(ctx context.Context, itemID, status string) (Item, error) {
	var resp Item
	endpoint := fmt.Sprintf("v0/items/%s/status", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// Resolve submits resolution evidence and moves the item into review.
func (c *Client) Resolve(ctx context.Context, itemID string, r Resolution) (Item, error) {
	var resp Item
	endpoint := fmt.Sprintf("v0/items/%s/resolve", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, r, &resp)
	return resp, err
}

// ActivityPage returns one page of activity events, newest first. Pass since
// (RFC 3339) to bound the window and the previous page's cursor to continue.
func (c *Client) ActivityPage(ctx context.Context, itemID, since string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if itemID != "" {
		q.Set("item_id", itemID)
	}
	if since != "" {
		q.Set("since", since)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/activity"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Activity walks every page since the given time and returns the combined
// events. Events are deduplicated by id: a row created between page fetches
// shifts the window, and the same event can appear on two pages.
func (c *Client) Activity(ctx context.Context, itemID, since string, pageSize int) ([]Event, error) {
	var out []Event
	seen := map[int64]bool{}
	cursor := ""
	for {
		page, err := c.ActivityPage(ctx, itemID, since, pageSize, cursor)
		if err != nil {
			return out, err
		}
		for _, evt := range page.Items {
			if seen[evt.ID] {
				continue
			}
			seen[evt.ID] = true
			out = append(out, evt)
		}
		if page.Page.NextCursor == nil || *page.Page.NextCursor == "" {
			return out, nil
		}
		cursor = *page.Page.NextCursor
	}
}

// Follower tracks a position in the activity log across repeated polls.
// Event ids already delivered are suppressed, so callers see each event at
// most once even when the paging window shifts between polls.
type Follower struct {
	client   *Client
	itemID   string
	since    string
	pageSize int
	seen     map[int64]bool
}

// Follow returns a follower that starts at the given RFC 3339 time. Pass an
// empty itemID to follow the whole visible scope.
func (c *Client) Follow(itemID, since string, pageSize int) *Follower {
	return &Follower{
		client:   c,
		itemID:   itemID,
		since:    since,
		pageSize: pageSize,
		seen:     map[int64]bool{},
	}
}

// Poll fetches everything new since the last call. The since bound only
// advances once a poll completes without error, so a failed walk is retried
// from the same position.
func (f *Follower) Poll(ctx context.Context) ([]Event, error) {
	var fresh []Event
	cursor := ""
	newest := f.since
	for {
		page, err := f.client.ActivityPage(ctx, f.itemID, f.since, f.pageSize, cursor)
		if err != nil {
			return nil, err
		}
		for _, evt := range page.Items {
			if f.seen[evt.ID] {
				continue
			}
			f.seen[evt.ID] = true
			fresh = append(fresh, evt)
			if evt.CreatedAt > newest {
				newest = evt.CreatedAt
			}
		}
		if page.Page.NextCursor == nil || *page.Page.NextCursor == "" {
			break
		}
		cursor = *page.Page.NextCursor
	}
	f.since = newest
	return fresh, nil
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.AgentKey != "":
		req.Header.Set("X-Agent-Key", c.AgentKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
