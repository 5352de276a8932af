package imgbb

import (
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
var ErrMissingAPIKey = errors.New("imgbb: api key is required")

// Generated uploads expire after five minutes; the generation provider only
// needs them while it fetches the source images.
const uploadExpirationSeconds = "300"

// Options configures the ImgBB upload client.
type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client uploads base64 images to the ImgBB hosting API and returns their
// public URLs.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

type uploadResponse struct {
	Success bool `json:"success"`
	Data    struct {
		URL string `json:"url"`
	} `json:"data"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Status int `json:"status"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.imgbb.com"
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
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Upload sends one base64-encoded image and returns its hosted URL. A data
// URL prefix ("data:image/png;base64,") is stripped before upload.
func (c *Client) Upload(ctx context.Context, image string) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	image = strings.TrimSpace(image)
	if image == "" {
		return "", errors.New("imgbb: image payload is empty")
	}
	if idx := strings.IndexByte(image, ','); idx >= 0 {
		image = image[idx+1:]
	}

	form := url.Values{}
	form.Set("key", c.apiKey)
	form.Set("image", image)
	form.Set("expiration", uploadExpirationSeconds)

	endpoint := c.baseURL + "/1/upload"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("imgbb: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("imgbb: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("imgbb: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var decoded uploadResponse
		if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error.Message != "" {
			return "", fmt.Errorf("imgbb: %s (status %d)", decoded.Error.Message, resp.StatusCode)
		}
		return "", fmt.Errorf("imgbb: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded uploadResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("imgbb: decode response: %w", err)
	}
	if !decoded.Success {
		msg := decoded.Error.Message
		if msg == "" {
			msg = "upload rejected"
		}
		return "", fmt.Errorf("imgbb: %s", msg)
	}
	if decoded.Data.URL == "" {
		return "", errors.New("imgbb: response missing image url")
	}
	c.logger.Debug().Str("url", decoded.Data.URL).Msg("imgbb: image uploaded")
	return decoded.Data.URL, nil
}

// UploadAll uploads every image in order and returns their hosted URLs. The
// first failure aborts the batch.
func (c *Client) UploadAll(ctx context.Context, images []string) ([]string, error) {
	urls := make([]string, 0, len(images))
	for i, img := range images {
		hosted, err := c.Upload(ctx, img)
		if err != nil {
			return nil, fmt.Errorf("imgbb: upload %d/%d: %w", i+1, len(images), err)
		}
		urls = append(urls, hosted)
	}
	return urls, nil
}
