package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"nanoedit/internal/providers/kie"
	"nanoedit/internal/task"
)

type taskStatusResponse struct {
	Success     bool   `json:"success"`
	Status      string `json:"status"`
	EditedImage string `json:"editedImage,omitempty"`
	Error       string `json:"error,omitempty"`
	Message     string `json:"message"`
}

// TaskStatus polls the provider for the given external taskId and reconciles
// the outcome into the local task row named by recordNo. recordNo is
// optional; without it the provider answer is relayed without touching any
// row.
func (a *App) TaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	recordNo := r.URL.Query().Get("recordNo")
	if taskID == "" {
		a.error(w, http.StatusBadRequest, "Missing taskId parameter")
		return
	}
	if !a.Kie.HasCredentials() {
		a.Logger.Error().Msg("task-status: provider credentials missing")
		a.error(w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	result, err := a.Orchestrator.Status(r.Context(), taskID, recordNo, a.queryProvider)
	if err != nil {
		a.Logger.Error().Err(err).Str("task_id", taskID).Msg("task-status: provider query failed")
		status := http.StatusInternalServerError
		var apiErr *kie.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 300 {
			status = apiErr.StatusCode
		}
		a.json(w, status, map[string]any{
			"success": false,
			"error":   "Failed to fetch task status",
		})
		return
	}

	resp := taskStatusResponse{Success: true, Status: result.Status}
	switch result.Status {
	case task.ClientStatusSuccess:
		resp.EditedImage = result.ResultURL
		resp.Message = "Image editing completed successfully"
	case task.ClientStatusGenerating:
		resp.Message = "Image editing in progress, please check later"
	case task.ClientStatusFailed:
		resp.Success = false
		resp.Error = result.Error
		resp.Message = "Failed to edit image"
	default:
		resp.Message = "Task status: " + result.Status
	}
	a.json(w, http.StatusOK, resp)
}

func (a *App) queryProvider(ctx context.Context, externalTaskID string) (*task.ProviderStatus, error) {
	record, err := a.Kie.RecordInfo(ctx, externalTaskID)
	if err != nil {
		return nil, err
	}
	return &task.ProviderStatus{
		State:      record.State,
		Error:      record.Error,
		ResultURLs: record.ResultURLs,
	}, nil
}

// Callback receives push notifications from the generation provider. The
// payload is only logged for now; reconciliation happens through polling.
func (a *App) Callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		a.json(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Failed to process callback",
		})
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		a.json(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "Failed to process callback",
		})
		return
	}
	a.Logger.Info().RawJSON("payload", body).Msg("callback: received provider notification")
	a.json(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Callback received successfully",
	})
}
