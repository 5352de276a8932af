package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nanoedit/internal/infra"
)

// ErrTimeout is returned when the attempt budget runs out without the
// provider reaching a terminal state. The server-side task row is left
// untouched; the reaper eventually fails it.
var ErrTimeout = errors.New("poller: timed out waiting for result")

const (
	defaultInterval    = 2 * time.Second
	defaultMaxAttempts = 150
)

// StatusResponse mirrors the task-status endpoint payload.
type StatusResponse struct {
	Success     bool   `json:"success"`
	Status      string `json:"status"`
	EditedImage string `json:"editedImage"`
	Error       string `json:"error"`
	Message     string `json:"message"`
}

// HTTPError carries the status code of a failed poll so the loop can tell
// retryable server trouble from fatal client mistakes.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("poller: http %d: %s", e.StatusCode, e.Body)
}

func retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	// Transport-level failures are worth another tick.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Client fetches task status from the API server.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Check performs one status request.
func (c *Client) Check(ctx context.Context, taskID, recordNo string) (*StatusResponse, error) {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/api/generate-image/task-status?taskId=" + url.QueryEscape(taskID)
	if recordNo != "" {
		endpoint += "&recordNo=" + url.QueryEscape(recordNo)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("poller: build request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poller: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("poller: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	var decoded StatusResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("poller: decode response: %w", err)
	}
	return &decoded, nil
}

// CheckFunc performs one status query.
type CheckFunc func(ctx context.Context) (*StatusResponse, error)

// Poller drives a fixed-interval polling loop until a terminal status, a
// fatal error, or the attempt budget is exhausted.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
	Logger      infra.Logger
	// OnProgress, when set, receives the synthetic progress percentage each
	// tick. The value is a time-based approach toward 95 and carries no
	// information about the provider's real progress.
	OnProgress func(percent float64)
}

// New returns a poller with the production defaults: a 2-second period and
// a 150-attempt (five minute) budget.
func New(logger infra.Logger) *Poller {
	return &Poller{
		Interval:    defaultInterval,
		MaxAttempts: defaultMaxAttempts,
		Logger:      logger,
	}
}

// Run polls check until a terminal status arrives. Retryable errors (5xx,
// transport) are swallowed up to the attempt budget; fatal errors surface
// immediately.
func (p *Poller) Run(ctx context.Context, check CheckFunc) (*StatusResponse, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if p.OnProgress != nil {
			p.OnProgress(syntheticProgress(time.Since(start)))
		}

		resp, err := check(ctx)
		if err != nil {
			if retryable(err) {
				p.Logger.Warn().Err(err).Int("attempt", attempt).Msg("poller: retryable check failure")
				continue
			}
			return nil, err
		}

		switch resp.Status {
		case "SUCCESS":
			if p.OnProgress != nil {
				p.OnProgress(100)
			}
			return resp, nil
		case "FAILED":
			return resp, nil
		default:
			p.Logger.Debug().Str("status", resp.Status).Int("attempt", attempt).Msg("poller: still generating")
		}
	}
	return nil, ErrTimeout
}

// syntheticProgress approaches 95% exponentially with elapsed time. Purely
// cosmetic: it exists so users see movement during long provider runs.
func syntheticProgress(elapsed time.Duration) float64 {
	const tau = 45.0 // seconds to reach ~63% of the asymptote
	frac := 1 - math.Exp(-elapsed.Seconds()/tau)
	return math.Min(95, 95*frac)
}
