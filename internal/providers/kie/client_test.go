package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, transport *captureTransport) *Client {
	t.Helper()
	client, err := NewClient(Options{
		APIKey:     "test-key",
		BaseURL:    "https://api.kie.test",
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestCreateTaskBuildsPayload(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	transport.setJSONResponse("/api/v1/jobs/createTask", map[string]any{
		"code": 200,
		"msg":  "success",
		"data": map[string]any{"taskId": "task-42"},
	})
	client := newTestClient(t, transport)

	taskID, err := client.CreateTask(context.Background(), EditRequest{
		Prompt:      "  make the sky purple  ",
		ImageURLs:   []string{"https://i.ibb.co/a.png", "https://i.ibb.co/b.png"},
		AspectRatio: "3:2",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if taskID != "task-42" {
		t.Fatalf("task id = %q, want task-42", taskID)
	}

	var payload map[string]any
	if err := json.Unmarshal(transport.lastBody, &payload); err != nil {
		t.Fatalf("request body not json: %v", err)
	}
	if payload["model"] != "google/nano-banana-edit" {
		t.Fatalf("model = %v", payload["model"])
	}
	if payload["output_format"] != "png" {
		t.Fatalf("output_format = %v", payload["output_format"])
	}
	input := payload["input"].(map[string]any)
	if input["prompt"] != "make the sky purple" {
		t.Fatalf("prompt = %v, want trimmed", input["prompt"])
	}
	if input["aspect_ratio"] != "3:2" {
		t.Fatalf("aspect_ratio = %v, want 3:2", input["aspect_ratio"])
	}
	if urls := input["image_urls"].([]any); len(urls) != 2 {
		t.Fatalf("image_urls = %v", urls)
	}
}

func TestCreateTaskOmitsAutoAspectRatio(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	transport.setJSONResponse("/api/v1/jobs/createTask", map[string]any{
		"code": 200,
		"data": map[string]any{"taskId": "task-1"},
	})
	client := newTestClient(t, transport)

	if _, err := client.CreateTask(context.Background(), EditRequest{
		Prompt:      "zoom out",
		ImageURLs:   []string{"https://i.ibb.co/a.png"},
		AspectRatio: "auto",
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if bytes.Contains(transport.lastBody, []byte("aspect_ratio")) {
		t.Fatalf("aspect_ratio should be omitted for auto: %s", transport.lastBody)
	}
}

func TestCreateTaskEnvelopeRejection(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	transport.setJSONResponse("/api/v1/jobs/createTask", map[string]any{
		"code": 422,
		"msg":  "prompt violates content policy",
	})
	client := newTestClient(t, transport)

	_, err := client.CreateTask(context.Background(), EditRequest{
		Prompt:    "bad",
		ImageURLs: []string{"https://i.ibb.co/a.png"},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != 422 || apiErr.Message != "prompt violates content policy" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestCreateTaskHTTPErrorIsRetryable(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	transport.setJSONError("/api/v1/jobs/createTask", http.StatusBadGateway, map[string]any{
		"code": 502,
		"msg":  "upstream unavailable",
	})
	client := newTestClient(t, transport)

	_, err := client.CreateTask(context.Background(), EditRequest{
		Prompt:    "zoom out",
		ImageURLs: []string{"https://i.ibb.co/a.png"},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", apiErr.StatusCode)
	}
	if !IsRetryable(err) {
		t.Fatalf("5xx should be retryable")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	client := newTestClient(t, &captureTransport{responses: map[string]responseStub{}})

	if _, err := client.CreateTask(context.Background(), EditRequest{ImageURLs: []string{"x"}}); err == nil {
		t.Fatalf("expected error for empty prompt")
	}
	if _, err := client.CreateTask(context.Background(), EditRequest{Prompt: "hi"}); err == nil {
		t.Fatalf("expected error for missing images")
	}

	unauthed, err := NewClient(Options{BaseURL: "https://api.kie.test"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := unauthed.CreateTask(context.Background(), EditRequest{Prompt: "hi", ImageURLs: []string{"x"}}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestRecordInfoParsesResultJSON(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	transport.setJSONResponse("https://api.kie.test/v1/recordInfo?taskId=task-42", map[string]any{
		"code": 200,
		"data": map[string]any{
			"taskId":     "task-42",
			"state":      "success",
			"resultJson": `{"resultUrls":["https://cdn.kie.test/out.png"]}`,
		},
	})
	client := newTestClient(t, transport)

	record, err := client.RecordInfo(context.Background(), "task-42")
	if err != nil {
		t.Fatalf("RecordInfo: %v", err)
	}
	if record.State != "success" {
		t.Fatalf("state = %q", record.State)
	}
	if len(record.ResultURLs) != 1 || record.ResultURLs[0] != "https://cdn.kie.test/out.png" {
		t.Fatalf("result urls = %v", record.ResultURLs)
	}
}

func TestRecordInfoUnparseableResultJSON(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	transport.setJSONResponse("https://api.kie.test/v1/recordInfo?taskId=task-42", map[string]any{
		"code": 200,
		"data": map[string]any{
			"taskId":     "task-42",
			"state":      "success",
			"resultJson": "not-json",
		},
	})
	client := newTestClient(t, transport)

	record, err := client.RecordInfo(context.Background(), "task-42")
	if err != nil {
		t.Fatalf("RecordInfo: %v", err)
	}
	if len(record.ResultURLs) != 0 {
		t.Fatalf("result urls = %v, want empty", record.ResultURLs)
	}
}

func TestRecordInfoFailureMessage(t *testing.T) {
	transport := &captureTransport{responses: map[string]responseStub{}}
	transport.setJSONResponse("https://api.kie.test/v1/recordInfo?taskId=task-42", map[string]any{
		"code": 200,
		"data": map[string]any{
			"taskId":  "task-42",
			"state":   "failed",
			"failMsg": "nsfw content rejected",
		},
	})
	client := newTestClient(t, transport)

	record, err := client.RecordInfo(context.Background(), "task-42")
	if err != nil {
		t.Fatalf("RecordInfo: %v", err)
	}
	if record.State != "failed" || record.Error != "nsfw content rejected" {
		t.Fatalf("record = %+v", record)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &APIError{StatusCode: 500}, true},
		{"no response", &APIError{StatusCode: 0}, true},
		{"client error", &APIError{StatusCode: 404}, false},
		{"transport error", errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

type captureTransport struct {
	responses map[string]responseStub
	lastBody  []byte
}

type responseStub struct {
	status int
	header http.Header
	body   []byte
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodPost {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		c.lastBody = body
		if stub, ok := c.responses[req.URL.Path]; ok {
			return stub.toResponse(), nil
		}
	}
	if req.Method == http.MethodGet {
		if stub, ok := c.responses[req.URL.String()]; ok {
			return stub.toResponse(), nil
		}
	}
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader("not found")),
	}, nil
}

func (c *captureTransport) setJSONResponse(path string, payload any) {
	c.setJSONError(path, http.StatusOK, payload)
}

func (c *captureTransport) setJSONError(path string, status int, payload any) {
	body, _ := json.Marshal(payload)
	c.responses[path] = responseStub{
		status: status,
		header: http.Header{"Content-Type": []string{"application/json"}},
		body:   body,
	}
}

func (s responseStub) toResponse() *http.Response {
	header := http.Header{}
	for k, values := range s.header {
		cloned := make([]string, len(values))
		copy(cloned, values)
		header[k] = cloned
	}
	return &http.Response{
		StatusCode: s.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(s.body)),
	}
}
