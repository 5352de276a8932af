package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nanoedit/internal/db"
)

// ErrDebitFailed indicates the task row exists but the ledger debit did not
// go through. The task has already been marked failed; the provider job may
// still run, which is an accepted cost of never double-charging.
var ErrDebitFailed = errors.New("task: credit debit failed")

// SubmitFunc submits a job to the external provider and returns its
// correlation id. It runs before any record is created, so a submission
// failure leaves no trace in the store.
type SubmitFunc func(ctx context.Context) (externalTaskID string, err error)

// ProviderStatus is the normalized answer from a provider status query.
type ProviderStatus struct {
	State      string
	Error      string
	ResultURLs []string
}

// StatusFunc queries the external provider for the given correlation id.
type StatusFunc func(ctx context.Context, externalTaskID string) (*ProviderStatus, error)

// Orchestrator drives the task lifecycle: creation with at-most-once credit
// debit, and reconciliation of provider state into the task row.
type Orchestrator struct {
	q      *db.Queries
	logger zerolog.Logger
}

func NewOrchestrator(q *db.Queries, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{q: q, logger: logger}
}

// CreateResult reports the identifiers of a created task.
type CreateResult struct {
	TaskID           string
	ExternalTaskID   string
	CreditsRemaining int32
}

// Create submits the job, then records the task and debits the ledger.
// Ordering matters: the provider is called first so a rejected submission
// creates no records; a debit failure after the row exists transitions the
// task to failed without consuming credits.
func (o *Orchestrator) Create(ctx context.Context, userUUID string, taskType TaskType, provider Provider, credits int32, submit SubmitFunc) (*CreateResult, error) {
	externalTaskID, err := submit(ctx)
	if err != nil {
		return nil, fmt.Errorf("task: provider submit: %w", err)
	}

	var balance int32
	if uc, err := o.q.GetUserCredits(ctx, userUUID); err == nil {
		balance = uc.LeftCredits
	} else if !errors.Is(err, db.ErrNotFound) {
		o.logger.Warn().Err(err).Str("user", userUUID).Msg("task: balance snapshot failed")
	}
	remaining := balance - credits
	if remaining < 0 {
		remaining = 0
	}

	taskID := NewTaskID(taskType)
	if err := o.q.CreateTask(ctx, db.CreateTaskParams{
		ID:               taskID,
		UserUUID:         userUUID,
		TaskType:         string(taskType),
		CreditsConsumed:  credits,
		CreditsRemaining: remaining,
		ExternalTaskID:   externalTaskID,
		ExternalProvider: string(provider),
	}); err != nil {
		return nil, fmt.Errorf("task: create record: %w", err)
	}
	if err := o.q.CreateCreditUsageRecord(ctx, db.CreateCreditUsageRecordParams{
		RecordNo:         taskID,
		UserUUID:         userUUID,
		TaskType:         string(taskType),
		TaskDescription:  describeTask(taskType),
		CreditsConsumed:  credits,
		CreditsRemaining: remaining,
		TaskStatus:       string(StatusPending),
		ExternalProvider: string(provider),
	}); err != nil {
		o.logger.Error().Err(err).Str("task_id", taskID).Msg("task: usage record insert failed")
	}

	debited, err := o.q.DebitCredits(ctx, db.DebitCreditsParams{
		UserUUID:    userUUID,
		Credits:     credits,
		TransType:   db.TransTypeAIImageEdit,
		TaskID:      taskID,
		Description: describeTask(taskType),
	})
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", taskID).Str("user", userUUID).Msg("task: debit failed")
		o.markFailed(ctx, taskID, "failed to deduct credits")
		return nil, fmt.Errorf("%w: %v", ErrDebitFailed, err)
	}
	// The debit's RETURNING value is authoritative; the pre-debit snapshot can
	// be stale under concurrent ledger activity.
	if debited != remaining {
		if err := o.q.UpdateTaskCreditsRemaining(ctx, taskID, debited); err != nil {
			o.logger.Error().Err(err).Str("task_id", taskID).Msg("task: snapshot correction failed")
		}
		if err := o.q.UpdateCreditUsageRemaining(ctx, taskID, debited); err != nil {
			o.logger.Error().Err(err).Str("record_no", taskID).Msg("task: usage snapshot correction failed")
		}
	}

	o.logger.Info().
		Str("task_id", taskID).
		Str("external_task_id", externalTaskID).
		Int32("credits", credits).
		Int32("remaining", debited).
		Msg("task: created")
	return &CreateResult{TaskID: taskID, ExternalTaskID: externalTaskID, CreditsRemaining: debited}, nil
}

// StatusResult is the reconciled answer handed back to the polling client.
type StatusResult struct {
	Status    string
	ResultURL string
	Error     string
}

// Status queries the provider and reconciles the answer into the task row.
// taskID may be empty, in which case no row is touched. Reconciling an
// already-terminal row is a no-op: the stored outcome is returned as-is.
func (o *Orchestrator) Status(ctx context.Context, externalTaskID, taskID string, query StatusFunc) (*StatusResult, error) {
	var current *db.Task
	if taskID != "" {
		t, err := o.q.GetTaskByID(ctx, taskID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("task: load record: %w", err)
		}
		current = t
	}
	if current != nil && Status(current.TaskStatus).Terminal() {
		return terminalResult(current), nil
	}

	ps, err := query(ctx, externalTaskID)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(ps.State)) {
	case "running", "pending", "queuing", "waiting":
		if current != nil && Status(current.TaskStatus) == StatusPending {
			o.markProcessing(ctx, taskID)
		}
		return &StatusResult{Status: ClientStatusGenerating}, nil
	case "succeeded", "success":
		var resultURL string
		if len(ps.ResultURLs) > 0 {
			resultURL = ps.ResultURLs[0]
		}
		if taskID != "" {
			o.markSuccess(ctx, taskID, resultURL)
		}
		if resultURL == "" {
			// Provider says done but gave no usable result. Still reported
			// as SUCCESS with an empty URL; whether this should count as a
			// failure is an unresolved product question.
			o.logger.Warn().Str("external_task_id", externalTaskID).Msg("task: success without result url")
		}
		return &StatusResult{Status: ClientStatusSuccess, ResultURL: resultURL}, nil
	case "failed", "fail":
		msg := ps.Error
		if msg == "" {
			msg = "image editing failed"
		}
		if taskID != "" {
			o.markFailed(ctx, taskID, msg)
		}
		return &StatusResult{Status: ClientStatusFailed, Error: msg}, nil
	default:
		return &StatusResult{Status: strings.ToUpper(strings.TrimSpace(ps.State))}, nil
	}
}

// Cancel transitions a non-terminal task to cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	t, err := o.q.GetTaskByID(ctx, taskID)
	if err != nil {
		return err
	}
	if Status(t.TaskStatus).Terminal() {
		return fmt.Errorf("task: %s is already %s", taskID, t.TaskStatus)
	}
	return o.setStatus(ctx, taskID, StatusCancelled, nil, nil)
}

// ReapStale fails every non-terminal task created before now-ttl.
func (o *Orchestrator) ReapStale(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	swept, err := o.q.ReapStaleTasks(ctx, cutoff, "timed out waiting for provider result")
	if err != nil {
		return 0, fmt.Errorf("task: reap stale: %w", err)
	}
	if swept > 0 {
		o.logger.Info().Int64("swept", swept).Dur("ttl", ttl).Msg("task: reaped stale tasks")
	}
	return swept, nil
}

func terminalResult(t *db.Task) *StatusResult {
	switch Status(t.TaskStatus) {
	case StatusSuccess:
		return &StatusResult{Status: ClientStatusSuccess, ResultURL: t.ResultURL.String}
	case StatusCancelled:
		return &StatusResult{Status: ClientStatusFailed, Error: "task cancelled"}
	default:
		msg := "image editing failed"
		if t.ErrorMessage.Valid && t.ErrorMessage.String != "" {
			msg = t.ErrorMessage.String
		}
		return &StatusResult{Status: ClientStatusFailed, Error: msg}
	}
}

func (o *Orchestrator) markProcessing(ctx context.Context, taskID string) {
	if err := o.setStatus(ctx, taskID, StatusProcessing, nil, nil); err != nil {
		o.logger.Error().Err(err).Str("task_id", taskID).Msg("task: mark processing failed")
	}
}

func (o *Orchestrator) markSuccess(ctx context.Context, taskID, resultURL string) {
	var urlArg *string
	if resultURL != "" {
		urlArg = &resultURL
	}
	if err := o.setStatus(ctx, taskID, StatusSuccess, nil, urlArg); err != nil {
		o.logger.Error().Err(err).Str("task_id", taskID).Msg("task: mark success failed")
	}
}

func (o *Orchestrator) markFailed(ctx context.Context, taskID, reason string) {
	if err := o.setStatus(ctx, taskID, StatusFailed, &reason, nil); err != nil {
		o.logger.Error().Err(err).Str("task_id", taskID).Msg("task: mark failed failed")
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, taskID string, status Status, errorMessage, resultURL *string) error {
	if err := o.q.UpdateTaskStatus(ctx, db.UpdateTaskStatusParams{
		ID:           taskID,
		TaskStatus:   string(status),
		ErrorMessage: errorMessage,
		ResultURL:    resultURL,
	}); err != nil {
		return err
	}
	if status.Terminal() {
		if err := o.q.CompleteCreditUsageRecord(ctx, db.CompleteCreditUsageRecordParams{
			RecordNo:     taskID,
			TaskStatus:   string(status),
			ErrorMessage: errorMessage,
		}); err != nil {
			o.logger.Error().Err(err).Str("record_no", taskID).Msg("task: usage record update failed")
		}
	}
	return nil
}

func describeTask(taskType TaskType) string {
	switch taskType {
	case TypeAIImageEdit:
		return "AI image editing with Nano Banana"
	case TypeAITextGeneration:
		return "AI text generation"
	case TypeAIVideoGeneration:
		return "AI video generation"
	default:
		return string(taskType)
	}
}
