package changegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal changegate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

// Scan is the scanner and doctrine verdict for a submission.
type Scan struct {
	Severity string   `json:"severity"`
	Signals  []string `json:"signals"`
	Policy   struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason,omitempty"`
	} `json:"policy"`
}

// Submission represents the API submission model (partial).
type Submission struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	FeatureText string `json:"feature_text"`
	CodeText    string `json:"code_text,omitempty"`
	Status      string `json:"status"`
	Scan        Scan   `json:"scan"`
	Version     int64  `json:"version"`
	CreatedAt   string `json:"created_at"`
}

// Checkpoint is a recorded branch and revision taken before an apply.
type Checkpoint struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	Branch         string `json:"branch"`
	Revision       string `json:"revision"`
	RestoreCommand string `json:"restore_command"`
	SubmissionID   string `json:"submission_id,omitempty"`
}

// Preview is the dry-run result of a patch.
type Preview struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Stat    string `json:"stat"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// ApplyResult reports an apply attempt. Failures after the checkpoint still
// carry the checkpoint.
type ApplyResult struct {
	OK         bool        `json:"ok"`
	Stage      string      `json:"stage"`
	Error      string      `json:"error,omitempty"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
	Tests      *struct {
		Command  string `json:"command"`
		ExitCode int    `json:"exit_code"`
		TimedOut bool   `json:"timed_out,omitempty"`
	} `json:"tests,omitempty"`
}

// PlannerResult is the outcome of a planner run.
type PlannerResult struct {
	Skipped  bool   `json:"skipped"`
	Reason   string `json:"reason,omitempty"`
	Proposal *struct {
		ID               string   `json:"id"`
		PlaceholderCount int      `json:"placeholder_count"`
		CandidateModules []string `json:"candidate_modules"`
	} `json:"proposal,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit files a new submission.
func (c *Client) Submit(ctx context.Context, title, feature, patch string) (Submission, error) {
	body := map[string]any{
		"title":        title,
		"feature_text": feature,
		"code_text":    patch,
		"source":       "sdk",
	}
	var resp struct {
		Submission Submission `json:"submission"`
	}
	err := c.do(ctx, http.MethodPost, "submissions", body, &resp)
	return resp.Submission, err
}

// GetSubmission fetches a submission by id.
func (c *Client) GetSubmission(ctx context.Context, id string) (Submission, error) {
	var resp struct {
		Submission Submission `json:"submission"`
	}
	err := c.do(ctx, http.MethodGet, "submissions/"+url.PathEscape(id), nil, &resp)
	return resp.Submission, err
}

// ListSubmissions returns submissions in the given status, newest first.
func (c *Client) ListSubmissions(ctx context.Context, status string, limit int) ([]Submission, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Submission `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("submissions", q), nil, &resp)
	return resp.Items, err
}

// Review approves or rejects a submission.
func (c *Client) Review(ctx context.Context, id, decision, reason string) (Submission, error) {
	var resp struct {
		Submission Submission `json:"submission"`
	}
	body := map[string]any{"decision": decision, "reason": reason}
	err := c.do(ctx, http.MethodPost, "submissions/"+url.PathEscape(id)+"/review", body, &resp)
	return resp.Submission, err
}

// Merge marks an approved submission merged.
func (c *Client) Merge(ctx context.Context, id string) (Submission, error) {
	var resp struct {
		Submission Submission `json:"submission"`
	}
	err := c.do(ctx, http.MethodPost, "submissions/"+url.PathEscape(id)+"/merge", nil, &resp)
	return resp.Submission, err
}

// Preview dry-runs a submission's patch.
func (c *Client) Preview(ctx context.Context, id string) (Preview, error) {
	var resp struct {
		Preview Preview `json:"preview"`
	}
	err := c.do(ctx, http.MethodPost, "submissions/"+url.PathEscape(id)+"/preview", nil, &resp)
	return resp.Preview, err
}

// Apply checkpoints and applies a submission's patch. A nil runTests uses
// the server's auto_test_on_merge setting.
func (c *Client) Apply(ctx context.Context, id string, runTests *bool) (ApplyResult, error) {
	var resp struct {
		Result ApplyResult `json:"result"`
	}
	body := map[string]any{}
	if runTests != nil {
		body["run_tests"] = *runTests
	}
	err := c.do(ctx, http.MethodPost, "submissions/"+url.PathEscape(id)+"/apply", body, &resp)
	return resp.Result, err
}

// RunPlanner triggers the daily planner.
func (c *Client) RunPlanner(ctx context.Context, force bool) (PlannerResult, error) {
	var resp struct {
		Result PlannerResult `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "planner/run", map[string]any{"force": force}, &resp)
	return resp.Result, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
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
		_ = json.Unmarshal(b, apiErr)
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
