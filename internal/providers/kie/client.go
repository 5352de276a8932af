package kie

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

	"nanoedit/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("kie: api key is required")

const defaultModel = "google/nano-banana-edit"

// Options configures the Kie.ai job API client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls to the Kie.ai asynchronous job API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// EditRequest captures the inputs for an image editing job.
type EditRequest struct {
	Prompt      string
	ImageURLs   []string
	AspectRatio string
}

// Record is the normalized status answer for a submitted job.
type Record struct {
	TaskID     string
	State      string
	Error      string
	ResultURLs []string
}

// APIError carries the HTTP status and provider error envelope of a failed
// call, so callers can distinguish retryable from fatal failures.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("kie: %s (http %d, code %d)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("kie: http %d, code %d", e.StatusCode, e.Code)
}

// IsRetryable reports whether a status query failure is worth another poll
// tick. Provider 5xx and transport errors are retryable; 4xx are fatal.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 0
	}
	return err != nil
}

type createTaskRequest struct {
	Model        string          `json:"model"`
	Input        createTaskInput `json:"input"`
	OutputFormat string          `json:"output_format"`
	ImageSize    string          `json:"image_size,omitempty"`
}

type createTaskInput struct {
	Prompt      string   `json:"prompt"`
	ImageURLs   []string `json:"image_urls"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

type createTaskData struct {
	TaskID string `json:"taskId"`
}

type recordInfoData struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	FailMsg    string `json:"failMsg"`
	ResultJSON string `json:"resultJson"`
}

type resultPayload struct {
	ResultURLs []string `json:"resultUrls"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.kie.ai"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// CreateTask submits an image editing job and returns the provider's task id.
func (c *Client) CreateTask(ctx context.Context, req EditRequest) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errors.New("kie: prompt is required")
	}
	if len(req.ImageURLs) == 0 {
		return "", errors.New("kie: at least one image url is required")
	}

	payload := createTaskRequest{
		Model:        c.model,
		Input:        createTaskInput{Prompt: prompt, ImageURLs: req.ImageURLs},
		OutputFormat: "png",
		ImageSize:    req.AspectRatio,
	}
	// "auto" means let the provider decide, so the parameter is omitted.
	if ratio := strings.TrimSpace(req.AspectRatio); ratio != "" && ratio != "auto" {
		payload.Input.AspectRatio = ratio
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("kie: encode request: %w", err)
	}
	env, err := c.do(ctx, http.MethodPost, "/api/v1/jobs/createTask", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	var data createTaskData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("kie: decode task id: %w", err)
	}
	if data.TaskID == "" {
		return "", errors.New("kie: response missing task id")
	}
	c.logger.Debug().Str("model", c.model).Str("task_id", data.TaskID).Msg("kie: task created")
	return data.TaskID, nil
}

// RecordInfo queries the job status for a previously created task.
func (c *Client) RecordInfo(ctx context.Context, taskID string) (*Record, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, errors.New("kie: task id is required")
	}
	env, err := c.do(ctx, http.MethodGet, "/v1/recordInfo?taskId="+url.QueryEscape(taskID), nil)
	if err != nil {
		return nil, err
	}
	var data recordInfoData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("kie: decode record: %w", err)
	}
	record := &Record{TaskID: data.TaskID, State: data.State, Error: data.FailMsg}
	if data.ResultJSON != "" {
		var result resultPayload
		if err := json.Unmarshal([]byte(data.ResultJSON), &result); err != nil {
			// Absence of a parseable result after success is surfaced by the
			// caller, not treated as a transport failure here.
			c.logger.Warn().Err(err).Str("task_id", taskID).Msg("kie: unparseable result json")
		} else {
			record.ResultURLs = result.ResultURLs
		}
	}
	return record, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*envelope, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("kie: build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("kie: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kie: read response: %w", err)
	}

	var env envelope
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(raw, &env); err == nil {
			apiErr.Code = env.Code
			apiErr.Message = env.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("kie: decode response: %w", err)
	}
	if env.Code != 200 {
		return nil, &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	return &env, nil
}
