// Package risk is a Go client for the riskd REST API.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the riskd API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// Framework is a compliance framework in the catalog.
type Framework struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Version      string `json:"version,omitempty"`
	Description  string `json:"description,omitempty"`
	ControlCount int    `json:"control_count"`
}

// Assessment is one evaluation against a framework.
type Assessment struct {
	ID             string     `json:"id"`
	FrameworkID    string     `json:"framework_id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	LatestResultID string     `json:"latest_result_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ScoredAt       *time.Time `json:"scored_at,omitempty"`
}

// NewAssessment is the payload for CreateAssessment. An empty ID lets the
// server assign one.
type NewAssessment struct {
	ID          string `json:"id,omitempty"`
	FrameworkID string `json:"framework_id"`
	Name        string `json:"name,omitempty"`
}

// Response is one control answer.
type Response struct {
	ControlID string `json:"control_id"`
	Status    string `json:"status"`
	Evidence  string `json:"evidence,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Job tracks a scoring request.
type Job struct {
	ID             string `json:"id"`
	AssessmentID   string `json:"assessment_id"`
	Status         string `json:"status"`
	Attempts       int    `json:"attempts"`
	RunID          string `json:"run_id,omitempty"`
	TasksCompleted int    `json:"tasks_completed"`
	TotalTasks     int    `json:"total_tasks"`
	LastError      string `json:"last_error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Terminal reports whether the job will not change any more.
func (j Job) Terminal() bool { return j.Status == "succeeded" || j.Status == "failed" }

// Result is a stored scoring outcome. The assessment result is kept raw so
// the client does not pin the server's result schema.
type Result struct {
	ID           string          `json:"id"`
	AssessmentID string          `json:"assessment_id"`
	Result       json.RawMessage `json:"result"`
}

// Summary decodes the headline fields of the result.
func (r Result) Summary() (ResultSummary, error) {
	var s ResultSummary
	err := json.Unmarshal(r.Result, &s)
	return s, err
}

// ResultSummary holds the headline fields of an assessment result.
type ResultSummary struct {
	OverallScore int     `json:"overall_score"`
	RiskLevel    string  `json:"risk_level"`
	Confidence   float64 `json:"confidence"`
}

// APIError represents a server side validation or internal error.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("risk api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("risk api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the API rooted at rawURL.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey sets the bearer key sent with every request.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// ListFrameworks returns the framework catalog.
func (c *Client) ListFrameworks(ctx context.Context) ([]Framework, error) {
	var out []Framework
	err := c.call(ctx, http.MethodGet, "/api/v1/frameworks", nil, &out)
	return out, err
}

// CreateAssessment registers a new draft assessment.
func (c *Client) CreateAssessment(ctx context.Context, in NewAssessment) (Assessment, error) {
	var out Assessment
	err := c.call(ctx, http.MethodPost, "/api/v1/assessments", in, &out)
	return out, err
}

// GetAssessment fetches one assessment.
func (c *Client) GetAssessment(ctx context.Context, id string) (Assessment, error) {
	var out Assessment
	err := c.call(ctx, http.MethodGet, "/api/v1/assessments/"+url.PathEscape(id), nil, &out)
	return out, err
}

// PutResponses records answers; later answers for a control replace earlier ones.
func (c *Client) PutResponses(ctx context.Context, assessmentID string, responses []Response) error {
	body := struct {
		Responses []Response `json:"responses"`
	}{Responses: responses}
	return c.call(ctx, http.MethodPut, "/api/v1/assessments/"+url.PathEscape(assessmentID)+"/responses", body, nil)
}

// Score enqueues a scoring job for the assessment.
func (c *Client) Score(ctx context.Context, assessmentID string) (Job, error) {
	var out Job
	err := c.call(ctx, http.MethodPost, "/api/v1/assessments/"+url.PathEscape(assessmentID)+"/score", nil, &out)
	return out, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var out Job
	err := c.call(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &out)
	return out, err
}

// WaitForJob polls until the job is terminal or ctx is done.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// LatestResult fetches the most recent result of an assessment.
func (c *Client) LatestResult(ctx context.Context, assessmentID string) (Result, error) {
	var out Result
	err := c.call(ctx, http.MethodGet, "/api/v1/assessments/"+url.PathEscape(assessmentID)+"/result", nil, &out)
	return out, err
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	key := c.apiKey
	c.mu.RUnlock()
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
