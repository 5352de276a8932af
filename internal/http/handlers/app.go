package handlers

import (
	"encoding/json"
	"net/http"

	"nanoedit/internal/db"
	"nanoedit/internal/infra"
	"nanoedit/internal/middleware"
	"nanoedit/internal/providers/imgbb"
	"nanoedit/internal/providers/kie"
	"nanoedit/internal/task"
)

// Machine-readable error codes consumed by the web client.
const (
	CodeLoginRequired       = "LOGIN_REQUIRED"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
)

// App bundles the dependencies shared by all HTTP handlers.
type App struct {
	Config       *infra.Config
	Logger       infra.Logger
	Q            *db.Queries
	Orchestrator *task.Orchestrator
	Kie          *kie.Client
	ImgBB        *imgbb.Client
}

func NewApp(cfg *infra.Config, logger infra.Logger, q *db.Queries, orch *task.Orchestrator, kieClient *kie.Client, imgbbClient *imgbb.Client) *App {
	return &App{
		Config:       cfg,
		Logger:       logger,
		Q:            q,
		Orchestrator: orch,
		Kie:          kieClient,
		ImgBB:        imgbbClient,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, message string) {
	a.json(w, status, map[string]any{"error": message})
}

func (a *App) errorCode(w http.ResponseWriter, status int, message, code string) {
	a.json(w, status, map[string]any{"error": message, "code": code})
}

func (a *App) currentUserUUID(r *http.Request) string {
	return middleware.UserUUIDFromContext(r.Context())
}

// localized picks the message variant for the request locale. Only English
// and Chinese strings ship, mirroring the product's web client.
func localized(r *http.Request, en, zh string) string {
	if middleware.LocaleFromContext(r.Context()) == "zh" && zh != "" {
		return zh
	}
	return en
}
