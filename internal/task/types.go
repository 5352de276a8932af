package task

import (
	"strings"

	"github.com/google/uuid"
)

// TaskType enumerates the billable AI operations.
type TaskType string

const (
	TypeAIImageEdit       TaskType = "ai_image_edit"
	TypeAITextGeneration  TaskType = "ai_text_generation"
	TypeAIVideoGeneration TaskType = "ai_video_generation"
)

// Status is the canonical lifecycle state persisted on a task row. Statuses
// only move forward: pending -> processing -> {success, failed}, or any
// non-terminal state -> cancelled.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Provider enumerates the third-party generation services.
type Provider string

const (
	ProviderKieAI     Provider = "kie.ai"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Client-facing status vocabulary returned by the polling endpoint.
const (
	ClientStatusSuccess    = "SUCCESS"
	ClientStatusGenerating = "GENERATING"
	ClientStatusFailed     = "FAILED"
)

// NewTaskID builds a task record id of the form <task_type>_<32 hex chars>.
func NewTaskID(taskType TaskType) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return string(taskType) + "_" + raw
}
