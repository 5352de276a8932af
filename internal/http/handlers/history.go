package handlers

import (
	"net/http"
	"strconv"
	"time"

	"nanoedit/internal/db"
)

type pagination struct {
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Pages int64 `json:"pages"`
}

func paginate(total int64, page, limit int) pagination {
	pages := total / int64(limit)
	if total%int64(limit) != 0 {
		pages++
	}
	return pagination{Total: total, Page: page, Limit: limit, Pages: pages}
}

// taskView hides correlation ids and provider identity from list responses.
type taskView struct {
	ID               string    `json:"id"`
	TaskType         string    `json:"task_type"`
	CreditsConsumed  int32     `json:"credits_consumed"`
	CreditsRemaining int32     `json:"credits_remaining"`
	TaskStatus       string    `json:"task_status"`
	ErrorMessage     *string   `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ListTasks returns the authenticated user's task history, filtered and
// paginated.
func (a *App) ListTasks(w http.ResponseWriter, r *http.Request) {
	userUUID := a.currentUserUUID(r)
	if userUUID == "" {
		a.errorCode(w, http.StatusUnauthorized, localized(r,
			"Login required.", "请先登录。"), CodeLoginRequired)
		return
	}

	params := db.ListTasksParams{
		UserUUID:   userUUID,
		TaskType:   r.URL.Query().Get("task_type"),
		TaskStatus: r.URL.Query().Get("task_status"),
		Page:       queryInt(r, "page", 1),
		Limit:      queryInt(r, "limit", 20),
	}
	params.DateFrom = queryTime(r, "date_from")
	params.DateTo = queryTime(r, "date_to")
	params.Normalize()

	tasks, total, err := a.Q.ListTasks(r.Context(), params)
	if err != nil {
		a.Logger.Error().Err(err).Str("user", userUUID).Msg("tasks: list failed")
		a.error(w, http.StatusInternalServerError, "failed to load tasks")
		return
	}

	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		v := taskView{
			ID:               t.ID,
			TaskType:         t.TaskType,
			CreditsConsumed:  t.CreditsConsumed,
			CreditsRemaining: t.CreditsRemaining,
			TaskStatus:       t.TaskStatus,
			CreatedAt:        t.CreatedAt,
			UpdatedAt:        t.UpdatedAt,
		}
		if t.ErrorMessage.Valid {
			msg := t.ErrorMessage.String
			v.ErrorMessage = &msg
		}
		views = append(views, v)
	}

	a.json(w, http.StatusOK, map[string]any{
		"tasks":      views,
		"pagination": paginate(total, params.Page, params.Limit),
	})
}

type usageRecordView struct {
	ID               int64      `json:"id"`
	RecordNo         string     `json:"record_no"`
	TaskType         string     `json:"task_type"`
	TaskDescription  *string    `json:"task_description,omitempty"`
	CreditsConsumed  int32      `json:"credits_consumed"`
	CreditsRemaining int32      `json:"credits_remaining"`
	TaskStatus       string     `json:"task_status"`
	ExternalProvider *string    `json:"external_provider,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// ListCreditUsageRecords returns the authenticated user's credit consumption
// history. External task ids and raw task inputs/outputs stay server-side.
func (a *App) ListCreditUsageRecords(w http.ResponseWriter, r *http.Request) {
	userUUID := a.currentUserUUID(r)
	if userUUID == "" {
		a.errorCode(w, http.StatusUnauthorized, localized(r,
			"Login required.", "请先登录。"), CodeLoginRequired)
		return
	}

	params := db.ListCreditUsageRecordsParams{
		UserUUID:   userUUID,
		TaskType:   r.URL.Query().Get("task_type"),
		TaskStatus: r.URL.Query().Get("task_status"),
		Page:       queryInt(r, "page", 1),
		Limit:      queryInt(r, "limit", 20),
	}
	params.DateFrom = queryTime(r, "date_from")
	params.DateTo = queryTime(r, "date_to")
	params.Normalize()

	records, total, err := a.Q.ListCreditUsageRecords(r.Context(), params)
	if err != nil {
		a.Logger.Error().Err(err).Str("user", userUUID).Msg("credit-usage: list failed")
		a.error(w, http.StatusInternalServerError, "failed to load credit usage records")
		return
	}

	views := make([]usageRecordView, 0, len(records))
	for _, rec := range records {
		v := usageRecordView{
			ID:               rec.ID,
			RecordNo:         rec.RecordNo,
			TaskType:         rec.TaskType,
			CreditsConsumed:  rec.CreditsConsumed,
			CreditsRemaining: rec.CreditsRemaining,
			TaskStatus:       rec.TaskStatus,
			CreatedAt:        rec.CreatedAt,
		}
		if rec.TaskDescription.Valid {
			s := rec.TaskDescription.String
			v.TaskDescription = &s
		}
		if rec.ExternalProvider.Valid {
			s := rec.ExternalProvider.String
			v.ExternalProvider = &s
		}
		if rec.ErrorMessage.Valid {
			s := rec.ErrorMessage.String
			v.ErrorMessage = &s
		}
		if rec.StartedAt.Valid {
			ts := rec.StartedAt.Time
			v.StartedAt = &ts
		}
		if rec.CompletedAt.Valid {
			ts := rec.CompletedAt.Time
			v.CompletedAt = &ts
		}
		views = append(views, v)
	}

	a.json(w, http.StatusOK, map[string]any{
		"records":    views,
		"pagination": paginate(total, params.Page, params.Limit),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func queryTime(r *http.Request, key string) *time.Time {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return &ts
		}
	}
	return nil
}
