package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"nanoedit/internal/db"
	"nanoedit/internal/infra"
	"nanoedit/internal/providers/imgbb"
	"nanoedit/internal/providers/kie"
	"nanoedit/internal/task"
)

type taskRecord struct {
	id               string
	userUUID         string
	taskType         string
	creditsConsumed  int32
	creditsRemaining int32
	status           string
	externalTaskID   string
	externalProvider string
	errorMessage     string
	resultURL        string
	createdAt        time.Time
	updatedAt        time.Time
}

type usageRecord struct {
	recordNo         string
	userUUID         string
	taskType         string
	description      string
	creditsConsumed  int32
	creditsRemaining int32
	status           string
	provider         string
	startedAt        time.Time
	completed        bool
}

// stubDB backs the query layer with in-memory maps and records the arguments
// of the last list query.
type stubDB struct {
	mu      sync.Mutex
	tasks   []*taskRecord
	usage   []*usageRecord
	credits map[string]int32

	lastListArgs []any
}

func newStubDB() *stubDB {
	return &stubDB{credits: map[string]int32{}}
}

func (s *stubDB) taskByID(id string) *taskRecord {
	for _, t := range s.tasks {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (s *stubDB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.Contains(query, "INSERT INTO tasks"):
		now := time.Now()
		s.tasks = append(s.tasks, &taskRecord{
			id:               args[0].(string),
			userUUID:         args[1].(string),
			taskType:         args[2].(string),
			creditsConsumed:  args[3].(int32),
			creditsRemaining: args[4].(int32),
			status:           "pending",
			externalTaskID:   args[5].(string),
			externalProvider: args[6].(string),
			createdAt:        now,
			updatedAt:        now,
		})
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(query, "INSERT INTO credit_usage_records"):
		s.usage = append(s.usage, &usageRecord{
			recordNo:         args[0].(string),
			userUUID:         args[1].(string),
			taskType:         args[2].(string),
			description:      args[3].(string),
			creditsConsumed:  args[4].(int32),
			creditsRemaining: args[5].(int32),
			status:           args[6].(string),
			provider:         args[7].(string),
			startedAt:        time.Now(),
		})
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(query, "UPDATE tasks") && strings.Contains(query, "credits_remaining = $2"):
		t := s.taskByID(args[0].(string))
		if t == nil {
			return pgconn.CommandTag{}, errors.New("task not found")
		}
		t.creditsRemaining = args[1].(int32)
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(query, "UPDATE tasks"):
		t := s.taskByID(args[0].(string))
		if t == nil {
			return pgconn.CommandTag{}, errors.New("task not found")
		}
		t.status = args[1].(string)
		if msg, ok := args[2].(*string); ok && msg != nil {
			t.errorMessage = *msg
		}
		if url, ok := args[3].(*string); ok && url != nil {
			t.resultURL = *url
		}
		t.updatedAt = time.Now()
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(query, "UPDATE credit_usage_records") && strings.Contains(query, "credits_remaining = $2"):
		for _, u := range s.usage {
			if u.recordNo == args[0].(string) {
				u.creditsRemaining = args[1].(int32)
			}
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(query, "UPDATE credit_usage_records"):
		for _, u := range s.usage {
			if u.recordNo == args[0].(string) {
				u.status = args[1].(string)
				u.completed = true
			}
		}
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unsupported exec: %s", query)
}

func (s *stubDB) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case strings.Contains(query, "FROM user_credits"):
		userUUID := args[0].(string)
		balance, ok := s.credits[userUUID]
		if !ok {
			return simpleRow{}
		}
		return simpleRow{scan: func(dest ...any) error {
			*dest[0].(*string) = userUUID
			*dest[1].(*int32) = balance
			*dest[2].(*time.Time) = time.Now()
			return nil
		}}
	case strings.Contains(query, "left_credits - $2"):
		userUUID := args[0].(string)
		amount := args[1].(int32)
		balance, ok := s.credits[userUUID]
		if !ok || balance < amount {
			return simpleRow{}
		}
		s.credits[userUUID] = balance - amount
		remaining := s.credits[userUUID]
		return simpleRow{scan: func(dest ...any) error {
			*dest[0].(*int32) = remaining
			return nil
		}}
	case strings.Contains(query, "count(*) FROM tasks"):
		n := int64(len(s.tasks))
		return simpleRow{scan: func(dest ...any) error {
			*dest[0].(*int64) = n
			return nil
		}}
	case strings.Contains(query, "count(*) FROM credit_usage_records"):
		n := int64(len(s.usage))
		return simpleRow{scan: func(dest ...any) error {
			*dest[0].(*int64) = n
			return nil
		}}
	case strings.Contains(query, "FROM tasks"):
		t := s.taskByID(args[0].(string))
		if t == nil {
			return simpleRow{}
		}
		snapshot := *t
		return simpleRow{scan: func(dest ...any) error {
			*dest[0].(*string) = snapshot.id
			*dest[1].(*string) = snapshot.userUUID
			*dest[2].(*string) = snapshot.taskType
			*dest[3].(*int32) = snapshot.creditsConsumed
			*dest[4].(*int32) = snapshot.creditsRemaining
			*dest[5].(*string) = snapshot.status
			*dest[6].(*sql.NullString) = sql.NullString{String: snapshot.externalTaskID, Valid: true}
			*dest[7].(*sql.NullString) = sql.NullString{String: snapshot.externalProvider, Valid: true}
			*dest[8].(*sql.NullString) = sql.NullString{String: snapshot.errorMessage, Valid: snapshot.errorMessage != ""}
			*dest[9].(*sql.NullString) = sql.NullString{String: snapshot.resultURL, Valid: snapshot.resultURL != ""}
			*dest[10].(*time.Time) = snapshot.createdAt
			*dest[11].(*time.Time) = snapshot.updatedAt
			return nil
		}}
	}
	return simpleRow{scan: func(dest ...any) error {
		return fmt.Errorf("unsupported query row: %s", query)
	}}
}

func (s *stubDB) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastListArgs = args
	switch {
	case strings.Contains(query, "FROM tasks"):
		items := make([]taskRecord, 0, len(s.tasks))
		for _, t := range s.tasks {
			items = append(items, *t)
		}
		return &taskRows{items: items}, nil
	case strings.Contains(query, "FROM credit_usage_records"):
		items := make([]usageRecord, 0, len(s.usage))
		for _, u := range s.usage {
			items = append(items, *u)
		}
		return &usageRows{items: items}, nil
	}
	return nil, fmt.Errorf("unsupported query: %s", query)
}

type taskRows struct {
	testRowsBase
	items []taskRecord
	idx   int
}

func (r *taskRows) Next() bool {
	if r.idx >= len(r.items) {
		return false
	}
	r.idx++
	return true
}

func (r *taskRows) Scan(dest ...any) error {
	t := r.items[r.idx-1]
	*dest[0].(*string) = t.id
	*dest[1].(*string) = t.userUUID
	*dest[2].(*string) = t.taskType
	*dest[3].(*int32) = t.creditsConsumed
	*dest[4].(*int32) = t.creditsRemaining
	*dest[5].(*string) = t.status
	*dest[6].(*sql.NullString) = sql.NullString{String: t.externalTaskID, Valid: t.externalTaskID != ""}
	*dest[7].(*sql.NullString) = sql.NullString{String: t.externalProvider, Valid: t.externalProvider != ""}
	*dest[8].(*sql.NullString) = sql.NullString{String: t.errorMessage, Valid: t.errorMessage != ""}
	*dest[9].(*sql.NullString) = sql.NullString{String: t.resultURL, Valid: t.resultURL != ""}
	*dest[10].(*time.Time) = t.createdAt
	*dest[11].(*time.Time) = t.updatedAt
	return nil
}

func (r *taskRows) Err() error { return nil }
func (r *taskRows) Close()     {}

type usageRows struct {
	testRowsBase
	items []usageRecord
	idx   int
}

func (r *usageRows) Next() bool {
	if r.idx >= len(r.items) {
		return false
	}
	r.idx++
	return true
}

func (r *usageRows) Scan(dest ...any) error {
	u := r.items[r.idx-1]
	*dest[0].(*int64) = int64(r.idx)
	*dest[1].(*string) = u.recordNo
	*dest[2].(*string) = u.userUUID
	*dest[3].(*string) = u.taskType
	*dest[4].(*sql.NullString) = sql.NullString{String: u.description, Valid: u.description != ""}
	*dest[5].(*int32) = u.creditsConsumed
	*dest[6].(*int32) = u.creditsRemaining
	*dest[7].(*string) = u.status
	*dest[8].(*sql.NullString) = sql.NullString{String: u.provider, Valid: u.provider != ""}
	*dest[9].(*sql.NullString) = sql.NullString{}
	*dest[10].(*sql.NullTime) = sql.NullTime{Time: u.startedAt, Valid: true}
	*dest[11].(*sql.NullTime) = sql.NullTime{Time: u.startedAt, Valid: u.completed}
	*dest[12].(*time.Time) = u.startedAt
	return nil
}

func (r *usageRows) Err() error { return nil }
func (r *usageRows) Close()     {}

// captureTransport stubs both provider APIs behind one RoundTripper. POST
// responses are keyed by path, GET responses by full URL.
type captureTransport struct {
	responses map[string]responseStub
	lastBody  []byte
}

type responseStub struct {
	status int
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

func (c *captureTransport) setJSONResponse(key string, payload any) {
	c.setJSONError(key, http.StatusOK, payload)
}

func (c *captureTransport) setJSONError(key string, status int, payload any) {
	body, _ := json.Marshal(payload)
	c.responses[key] = responseStub{status: status, body: body}
}

func (s responseStub) toResponse() *http.Response {
	return &http.Response{
		StatusCode: s.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(s.body)),
	}
}

const (
	kieBaseURL   = "https://api.kie.test"
	imgbbBaseURL = "https://api.imgbb.test"
)

func newTestApp(t *testing.T, store *stubDB, transport *captureTransport) *App {
	t.Helper()
	logger := zerolog.New(io.Discard)
	httpClient := &http.Client{Transport: transport}

	kieClient, err := kie.NewClient(kie.Options{APIKey: "kie-key", BaseURL: kieBaseURL, HTTPClient: httpClient})
	if err != nil {
		t.Fatalf("kie.NewClient: %v", err)
	}
	imgbbClient, err := imgbb.NewClient(imgbb.Options{APIKey: "imgbb-key", BaseURL: imgbbBaseURL, HTTPClient: httpClient})
	if err != nil {
		t.Fatalf("imgbb.NewClient: %v", err)
	}

	q := db.New(store)
	cfg := &infra.Config{ImageEditCredits: 2}
	return NewApp(cfg, logger, q, task.NewOrchestrator(q, logger), kieClient, imgbbClient)
}

func stubUploadOK(transport *captureTransport) {
	transport.setJSONResponse("/1/upload", map[string]any{
		"success": true,
		"data":    map[string]any{"url": "https://i.ibb.co/abc/src.png"},
	})
}

func decodeBody(t *testing.T, body *bytes.Buffer) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(body.Bytes(), &decoded); err != nil {
		t.Fatalf("response not json: %v (%s)", err, body.String())
	}
	return decoded
}
