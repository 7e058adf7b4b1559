package genapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"avatarbatch/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("genapi: api key is required")

// Options configures the HTTP client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the provider's task API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

type createTaskRequest struct {
	Model           string          `json:"model"`
	Prompt          string          `json:"prompt"`
	NegativePrompt  string          `json:"negative_prompt,omitempty"`
	Seed            int             `json:"seed"`
	Style           string          `json:"style,omitempty"`
	Subject         string          `json:"subject,omitempty"`
	ReferenceInputs json.RawMessage `json:"reference_inputs,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

type taskResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output struct {
		URL string `json:"url"`
	} `json:"output"`
	Error string `json:"error"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient constructs a client with defaults.
func NewClient(opts Options) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.genapi.dev/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "portrait-xl"
	}
	logger := opts.Logger
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CreateTask submits req and returns the provider task id.
func (c *Client) CreateTask(ctx context.Context, req UnitRequest) (string, error) {
	payload := createTaskRequest{
		Model:           c.model,
		Prompt:          req.Prompt,
		NegativePrompt:  req.NegativePrompt,
		Seed:            req.Seed,
		Style:           req.StyleID,
		Subject:         req.SubjectRef,
		ReferenceInputs: req.ReferenceInputs,
		Metadata: map[string]any{
			"job_id":     req.JobID,
			"unit_index": req.UnitIndex,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey())

	var out taskResponse
	if err := c.do(httpReq, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", errors.New("genapi: response missing task id")
	}
	c.logger.Debug().
		Str("job_id", req.JobID).
		Int("unit_index", req.UnitIndex).
		Str("task_id", out.ID).
		Msg("genapi: task created")
	return out.ID, nil
}

// TaskStatus fetches the current state of taskID.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return TaskStatus{}, err
	}
	var out taskResponse
	if err := c.do(httpReq, &out); err != nil {
		return TaskStatus{}, err
	}
	return TaskStatus{
		ID:        taskID,
		State:     normalizeState(out.Status),
		ResultURL: out.Output.URL,
		Error:     out.Error,
	}, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("genapi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("genapi: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Code: apiErr.Code, Message: msg}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("genapi: decode response: %w", err)
	}
	return nil
}

func normalizeState(s string) TaskState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "succeeded", "success", "completed", "done":
		return TaskSucceeded
	case "failed", "error", "canceled", "cancelled":
		return TaskFailed
	case "running", "processing", "in_progress":
		return TaskRunning
	default:
		return TaskQueued
	}
}
