package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"database/sql"

	"github.com/jackc/pgx/v5"
)

// Credit transaction types recorded in the ledger.
const (
	TransTypeAIImageEdit = "ai_image_edit"
	TransTypePurchase    = "purchase"
	TransTypeSignupBonus = "signup_bonus"
	TransTypeRefund      = "refund"
)

// UserCredits is a point-in-time view of a user's ledger balance.
type UserCredits struct {
	UserUUID    string
	LeftCredits int32
	UpdatedAt   time.Time
}

func (q *Queries) GetUserCredits(ctx context.Context, userUUID string) (*UserCredits, error) {
	row := q.db.QueryRow(ctx, `
SELECT user_uuid, left_credits, updated_at
FROM user_credits
WHERE user_uuid = $1
`, userUUID)
	var uc UserCredits
	err := row.Scan(&uc.UserUUID, &uc.LeftCredits, &uc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &uc, nil
}

type DebitCreditsParams struct {
	UserUUID    string
	Credits     int32
	TransType   string
	TaskID      string
	Description string
}

// DebitCredits subtracts credits from the user's balance and records the
// signed transaction, as a single conditional statement. The balance check
// and the debit cannot race: a concurrent debit either sees enough balance
// or matches no row and returns ErrInsufficientCredits.
func (q *Queries) DebitCredits(ctx context.Context, arg DebitCreditsParams) (int32, error) {
	if arg.Credits <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", arg.Credits)
	}
	row := q.db.QueryRow(ctx, `
WITH debited AS (
    UPDATE user_credits
    SET left_credits = left_credits - $2, updated_at = now()
    WHERE user_uuid = $1 AND left_credits >= $2
    RETURNING user_uuid, left_credits
)
INSERT INTO credit_transactions (user_uuid, trans_type, credits, left_credits, task_id, description)
SELECT user_uuid, $3, -$2, left_credits, $4, $5 FROM debited
RETURNING left_credits
`, arg.UserUUID, arg.Credits, arg.TransType, arg.TaskID, arg.Description)
	var remaining int32
	err := row.Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientCredits
	}
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

type GrantCreditsParams struct {
	UserUUID    string
	Credits     int32
	TransType   string
	Description string
}

// GrantCredits adds credits to a user's balance, creating the balance row on
// first grant, and records the transaction.
func (q *Queries) GrantCredits(ctx context.Context, arg GrantCreditsParams) (int32, error) {
	if arg.Credits <= 0 {
		return 0, fmt.Errorf("grant amount must be positive, got %d", arg.Credits)
	}
	row := q.db.QueryRow(ctx, `
WITH granted AS (
    INSERT INTO user_credits (user_uuid, left_credits)
    VALUES ($1, $2)
    ON CONFLICT (user_uuid) DO UPDATE
    SET left_credits = user_credits.left_credits + $2, updated_at = now()
    RETURNING user_uuid, left_credits
)
INSERT INTO credit_transactions (user_uuid, trans_type, credits, left_credits, description)
SELECT user_uuid, $3, $2, left_credits, $4 FROM granted
RETURNING left_credits
`, arg.UserUUID, arg.Credits, arg.TransType, arg.Description)
	var remaining int32
	if err := row.Scan(&remaining); err != nil {
		return 0, err
	}
	return remaining, nil
}

// CreditUsageRecord is the append-only audit row mirroring a task's credit
// consumption.
type CreditUsageRecord struct {
	ID               int64
	RecordNo         string
	UserUUID         string
	TaskType         string
	TaskDescription  sql.NullString
	CreditsConsumed  int32
	CreditsRemaining int32
	TaskStatus       string
	ExternalProvider sql.NullString
	ErrorMessage     sql.NullString
	StartedAt        sql.NullTime
	CompletedAt      sql.NullTime
	CreatedAt        time.Time
}

type CreateCreditUsageRecordParams struct {
	RecordNo         string
	UserUUID         string
	TaskType         string
	TaskDescription  string
	CreditsConsumed  int32
	CreditsRemaining int32
	TaskStatus       string
	ExternalProvider string
}

func (q *Queries) CreateCreditUsageRecord(ctx context.Context, arg CreateCreditUsageRecordParams) error {
	_, err := q.db.Exec(ctx, `
INSERT INTO credit_usage_records (record_no, user_uuid, task_type, task_description, credits_consumed, credits_remaining, task_status, external_provider, started_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
`, arg.RecordNo, arg.UserUUID, arg.TaskType, arg.TaskDescription, arg.CreditsConsumed, arg.CreditsRemaining, arg.TaskStatus, arg.ExternalProvider)
	return err
}

type CompleteCreditUsageRecordParams struct {
	RecordNo     string
	TaskStatus   string
	ErrorMessage *string
}

func (q *Queries) CompleteCreditUsageRecord(ctx context.Context, arg CompleteCreditUsageRecordParams) error {
	_, err := q.db.Exec(ctx, `
UPDATE credit_usage_records
SET task_status = $2, error_message = COALESCE($3, error_message), completed_at = now(), updated_at = now()
WHERE record_no = $1
`, arg.RecordNo, arg.TaskStatus, arg.ErrorMessage)
	return err
}

// UpdateCreditUsageRemaining rewrites the balance-after snapshot on a usage
// record with the debit's RETURNING value.
func (q *Queries) UpdateCreditUsageRemaining(ctx context.Context, recordNo string, creditsRemaining int32) error {
	_, err := q.db.Exec(ctx, `
UPDATE credit_usage_records
SET credits_remaining = $2, updated_at = now()
WHERE record_no = $1
`, recordNo, creditsRemaining)
	return err
}

type ListCreditUsageRecordsParams struct {
	UserUUID   string
	TaskType   string
	TaskStatus string
	DateFrom   *time.Time
	DateTo     *time.Time
	Page       int
	Limit      int
}

// Normalize clamps pagination inputs to sane bounds.
func (p *ListCreditUsageRecordsParams) Normalize() {
	p.Page, p.Limit = clampPage(p.Page, p.Limit)
}

func (q *Queries) ListCreditUsageRecords(ctx context.Context, arg ListCreditUsageRecordsParams) ([]CreditUsageRecord, int64, error) {
	arg.Normalize()

	where, args := usageFilter(arg)

	var total int64
	row := q.db.QueryRow(ctx, `SELECT count(*) FROM credit_usage_records`+where, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := (arg.Page - 1) * arg.Limit
	args = append(args, arg.Limit, offset)
	rows, err := q.db.Query(ctx, fmt.Sprintf(`
SELECT id, record_no, user_uuid, task_type, task_description, credits_consumed, credits_remaining, task_status, external_provider, error_message, started_at, completed_at, created_at
FROM credit_usage_records%s
ORDER BY created_at DESC
LIMIT $%d OFFSET $%d
`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []CreditUsageRecord
	for rows.Next() {
		var r CreditUsageRecord
		if err := rows.Scan(&r.ID, &r.RecordNo, &r.UserUUID, &r.TaskType, &r.TaskDescription, &r.CreditsConsumed, &r.CreditsRemaining, &r.TaskStatus, &r.ExternalProvider, &r.ErrorMessage, &r.StartedAt, &r.CompletedAt, &r.CreatedAt); err != nil {
			return nil, 0, err
		}
		records = append(records, r)
	}
	return records, total, rows.Err()
}

func usageFilter(arg ListCreditUsageRecordsParams) (string, []any) {
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
