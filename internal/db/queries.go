package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrInsufficientCredits is returned by DebitCredits when the conditional
// update matches no row, i.e. the balance is below the requested amount.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Task struct {
	ID               string
	UserUUID         string
	TaskType         string
	CreditsConsumed  int32
	CreditsRemaining int32
	TaskStatus       string
	ExternalTaskID   sql.NullString
	ExternalProvider sql.NullString
	ErrorMessage     sql.NullString
	ResultURL        sql.NullString
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type CreateTaskParams struct {
	ID               string
	UserUUID         string
	TaskType         string
	CreditsConsumed  int32
	CreditsRemaining int32
	ExternalTaskID   string
	ExternalProvider string
}

func (q *Queries) CreateTask(ctx context.Context, arg CreateTaskParams) error {
	_, err := q.db.Exec(ctx, `
INSERT INTO tasks (id, user_uuid, task_type, credits_consumed, credits_remaining, task_status, external_task_id, external_provider)
VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
`, arg.ID, arg.UserUUID, arg.TaskType, arg.CreditsConsumed, arg.CreditsRemaining, arg.ExternalTaskID, arg.ExternalProvider)
	return err
}

func (q *Queries) GetTaskByID(ctx context.Context, id string) (*Task, error) {
	row := q.db.QueryRow(ctx, `
SELECT id, user_uuid, task_type, credits_consumed, credits_remaining, task_status, external_task_id, external_provider, error_message, result_url, created_at, updated_at
FROM tasks
WHERE id = $1
`, id)
	var t Task
	err := row.Scan(&t.ID, &t.UserUUID, &t.TaskType, &t.CreditsConsumed, &t.CreditsRemaining, &t.TaskStatus, &t.ExternalTaskID, &t.ExternalProvider, &t.ErrorMessage, &t.ResultURL, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type UpdateTaskStatusParams struct {
	ID           string
	TaskStatus   string
	ErrorMessage *string
	ResultURL    *string
}

func (q *Queries) UpdateTaskStatus(ctx context.Context, arg UpdateTaskStatusParams) error {
	_, err := q.db.Exec(ctx, `
UPDATE tasks
SET task_status = $2, error_message = COALESCE($3, error_message), result_url = COALESCE($4, result_url), updated_at = now()
WHERE id = $1
`, arg.ID, arg.TaskStatus, arg.ErrorMessage, arg.ResultURL)
	return err
}

// UpdateTaskCreditsRemaining rewrites a task's balance-after snapshot. Used
// once per create, with the debit's RETURNING value.
func (q *Queries) UpdateTaskCreditsRemaining(ctx context.Context, id string, creditsRemaining int32) error {
	_, err := q.db.Exec(ctx, `
UPDATE tasks
SET credits_remaining = $2, updated_at = now()
WHERE id = $1
`, id, creditsRemaining)
	return err
}

// ReapStaleTasks marks every non-terminal task older than the cutoff as
// failed. It returns the number of rows swept.
func (q *Queries) ReapStaleTasks(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	tag, err := q.db.Exec(ctx, `
UPDATE tasks
SET task_status = 'failed', error_message = $2, updated_at = now()
WHERE task_status IN ('pending', 'processing') AND created_at < $1
`, cutoff, reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type ListTasksParams struct {
	UserUUID   string
	TaskType   string
	TaskStatus string
	DateFrom   *time.Time
	DateTo     *time.Time
	Page       int
	Limit      int
}

// MaxPageLimit caps the page size accepted from clients.
const MaxPageLimit = 100

// Normalize clamps pagination inputs to sane bounds.
func (p *ListTasksParams) Normalize() {
	p.Page, p.Limit = clampPage(p.Page, p.Limit)
}

func clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

func (q *Queries) ListTasks(ctx context.Context, arg ListTasksParams) ([]Task, int64, error) {
	arg.Normalize()
	where, args := taskFilter(arg)

	var total int64
	row := q.db.QueryRow(ctx, `SELECT count(*) FROM tasks`+where, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := (arg.Page - 1) * arg.Limit
	args = append(args, arg.Limit, offset)
	rows, err := q.db.Query(ctx, fmt.Sprintf(`
SELECT id, user_uuid, task_type, credits_consumed, credits_remaining, task_status, external_task_id, external_provider, error_message, result_url, created_at, updated_at
FROM tasks%s
ORDER BY created_at DESC
LIMIT $%d OFFSET $%d
`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.UserUUID, &t.TaskType, &t.CreditsConsumed, &t.CreditsRemaining, &t.TaskStatus, &t.ExternalTaskID, &t.ExternalProvider, &t.ErrorMessage, &t.ResultURL, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

func taskFilter(arg ListTasksParams) (string, []any) {
	conds := []string{}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if arg.UserUUID != "" {
		add("user_uuid = $%d", arg.UserUUID)
	}
	if arg.TaskType != "" {
		add("task_type = $%d", arg.TaskType)
	}
	if arg.TaskStatus != "" {
		add("task_status = $%d", arg.TaskStatus)
	}
	if arg.DateFrom != nil {
		add("created_at >= $%d", *arg.DateFrom)
	}
	if arg.DateTo != nil {
		add("created_at <= $%d", *arg.DateTo)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
