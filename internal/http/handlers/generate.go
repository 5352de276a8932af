package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"nanoedit/internal/db"
	"nanoedit/internal/middleware"
	"nanoedit/internal/providers/kie"
	"nanoedit/internal/task"
)

type generateImageRequest struct {
	Images         []string `json:"images"`
	Prompt         string   `json:"prompt"`
	AspectRatio    string   `json:"aspectRatio"`
	TurnstileToken string   `json:"turnstileToken"`
}

type generateImageResponse struct {
	Success  bool   `json:"success"`
	TaskID   string `json:"taskId"`
	RecordNo string `json:"recordNo"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// GenerateImage accepts a batch of base64 images plus a prompt, uploads the
// images to the hosting API, submits an edit job to the generation provider
// and debits the user's credits. The returned taskId is the provider's
// correlation id; recordNo identifies the local task row.
func (a *App) GenerateImage(w http.ResponseWriter, r *http.Request) {
	ip := middleware.ClientIP(r)
	a.Logger.Debug().Str("ip", ip).Msg("generate-image: request")

	var req generateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, localized(r, "invalid request payload", "请求格式无效"))
		return
	}

	// The web client always sends a turnstile token; a short one is logged
	// but not rejected so local development keeps working without the widget.
	if len(req.TurnstileToken) < 10 {
		a.Logger.Warn().Str("ip", ip).Msg("generate-image: missing or short turnstile token")
	}

	if len(req.Images) == 0 {
		a.error(w, http.StatusBadRequest, localized(r,
			"Missing images or invalid format. Please provide an array of images.",
			"缺少图片或格式无效，请提供图片数组。"))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		a.error(w, http.StatusBadRequest, localized(r, "Missing or empty prompt", "缺少提示词"))
		return
	}

	userUUID := a.currentUserUUID(r)
	if userUUID == "" {
		a.errorCode(w, http.StatusUnauthorized, localized(r,
			"Login required. Please sign in to use AI image editing.",
			"请先登录后再使用 AI 图片编辑。"), CodeLoginRequired)
		return
	}

	credits := int32(a.Config.ImageEditCredits)

	// Cheap balance pre-check so obviously broke users get a 402 before any
	// image uploads. The authoritative check is the conditional debit inside
	// the orchestrator, so this read racing another request is harmless.
	uc, err := a.Q.GetUserCredits(r.Context(), userUUID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		a.Logger.Error().Err(err).Str("user", userUUID).Msg("generate-image: balance lookup failed")
		a.error(w, http.StatusInternalServerError, "failed to check credits")
		return
	}
	if uc == nil || uc.LeftCredits < credits {
		a.errorCode(w, http.StatusPaymentRequired, localized(r,
			"Insufficient credits. You need at least 2 credits for AI image editing.",
			"积分不足，AI 图片编辑至少需要 2 积分。"), CodeInsufficientCredits)
		return
	}

	if !a.Kie.HasCredentials() || !a.ImgBB.HasCredentials() {
		a.Logger.Error().Msg("generate-image: provider credentials missing")
		a.error(w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	imageURLs, err := a.ImgBB.UploadAll(r.Context(), req.Images)
	if err != nil {
		a.Logger.Error().Err(err).Int("images", len(req.Images)).Msg("generate-image: upload failed")
		a.error(w, http.StatusInternalServerError, localized(r, "Failed to upload images", "图片上传失败"))
		return
	}
	a.Logger.Info().Int("images", len(imageURLs)).Msg("generate-image: images uploaded")

	result, err := a.Orchestrator.Create(r.Context(), userUUID, task.TypeAIImageEdit, task.ProviderKieAI, credits,
		func(ctx context.Context) (string, error) {
			return a.Kie.CreateTask(ctx, kie.EditRequest{
				Prompt:      req.Prompt,
				ImageURLs:   imageURLs,
				AspectRatio: req.AspectRatio,
			})
		})
	if err != nil {
		var apiErr *kie.APIError
		switch {
		case errors.As(err, &apiErr):
			// Provider HTTP errors pass their status through; an error
			// envelope on a 200 becomes a plain 500.
			status := apiErr.StatusCode
			if status < 300 {
				status = http.StatusInternalServerError
			}
			a.Logger.Error().Err(err).Msg("generate-image: provider rejected task")
			a.json(w, status, map[string]any{
				"error":   "Failed to create generation task",
				"details": apiErr.Message,
			})
		case errors.Is(err, task.ErrDebitFailed):
			a.error(w, http.StatusInternalServerError, localized(r,
				"Failed to process payment. Please try again.",
				"扣费失败，请重试。"))
		default:
			a.Logger.Error().Err(err).Msg("generate-image: task creation failed")
			a.error(w, http.StatusInternalServerError, "Failed to create image editing task")
		}
		return
	}

	a.json(w, http.StatusOK, generateImageResponse{
		Success:  true,
		TaskID:   result.ExternalTaskID,
		RecordNo: result.TaskID,
		Status:   task.ClientStatusGenerating,
		Message:  "Image editing task created successfully",
	})
}
