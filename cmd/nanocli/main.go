package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"nanoedit/internal/infra"
	"nanoedit/internal/poller"
)

// nanocli submits an edit job to a running API server and polls it to
// completion, printing the synthetic progress along the way. Mostly useful
// for smoke-testing a deployment.
func main() {
	var (
		baseURL = flag.String("server", "http://localhost:8080", "API server base URL")
		token   = flag.String("token", os.Getenv("NANOEDIT_TOKEN"), "session bearer token")
		prompt  = flag.String("prompt", "", "edit instruction")
		aspect  = flag.String("aspect", "auto", "aspect ratio")
	)
	flag.Parse()

	logger := infra.NewLogger("development")

	if *prompt == "" || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: nanocli -prompt \"...\" image.png [image2.png ...]")
		os.Exit(2)
	}

	images := make([]string, 0, flag.NArg())
	for _, path := range flag.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Fatal().Err(err).Str("path", path).Msg("read image")
		}
		images = append(images, base64.StdEncoding.EncodeToString(data))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	taskID, recordNo, err := submit(ctx, httpClient, *baseURL, *token, *prompt, *aspect, images)
	if err != nil {
		logger.Fatal().Err(err).Msg("submit failed")
	}
	logger.Info().Str("task_id", taskID).Str("record_no", recordNo).Msg("task created")

	client := &poller.Client{BaseURL: *baseURL, Token: *token, HTTPClient: httpClient}
	p := poller.New(logger)
	p.OnProgress = func(percent float64) {
		fmt.Fprintf(os.Stderr, "\rgenerating... %3.0f%%", percent)
	}

	result, err := p.Run(ctx, func(ctx context.Context) (*poller.StatusResponse, error) {
		return client.Check(ctx, taskID, recordNo)
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		logger.Fatal().Err(err).Msg("polling failed")
	}
	if result.Status != "SUCCESS" {
		logger.Fatal().Str("status", result.Status).Str("error", result.Error).Msg("edit failed")
	}
	fmt.Println(result.EditedImage)
}

func submit(ctx context.Context, httpClient *http.Client, baseURL, token, prompt, aspect string, images []string) (string, string, error) {
	payload, err := json.Marshal(map[string]any{
		"images":         images,
		"prompt":         prompt,
		"aspectRatio":    aspect,
		"turnstileToken": "cli-smoke-test",
	})
	if err != nil {
		return "", "", err
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/api/generate-image"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded struct {
		TaskID   string `json:"taskId"`
		RecordNo string `json:"recordNo"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", "", err
	}
	return decoded.TaskID, decoded.RecordNo, nil
}
