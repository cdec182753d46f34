package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/gramsetu/signal-server-go/internal/model"
)

type CallRecordRepository interface {
	Insert(ctx context.Context, rec *model.CallRecord) error
	FindByCallID(ctx context.Context, callID string) (*model.CallRecord, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.CallRecord, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) CallRecordRepository
}

type callRecordRepo struct {
	db sqlxDB
}

func NewCallRecordRepository(db *sqlx.DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

func (r *callRecordRepo) WithTx(tx *sqlx.Tx) CallRecordRepository {
	return &callRecordRepo{db: tx}
}

func (r *callRecordRepo) Insert(ctx context.Context, rec *model.CallRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_records (call_id, caller_id, receiver_id, call_type, status,
			start_time, end_time, duration_seconds, transcript)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_id) DO NOTHING
	`, rec.CallID, rec.CallerID, rec.ReceiverID, rec.CallType, rec.Status,
		rec.StartTime, rec.EndTime, rec.DurationSeconds, rec.Transcript)
	return err
}

func (r *callRecordRepo) FindByCallID(ctx context.Context, callID string) (*model.CallRecord, error) {
	var rec model.CallRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT * FROM call_records WHERE call_id = $1
	`, callID)
	return HandleNotFound(&rec, err)
}

func (r *callRecordRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.CallRecord, error) {
	var recs []model.CallRecord
	err := r.db.SelectContext(ctx, &recs, `
		SELECT * FROM call_records
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *callRecordRepo) CountByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM call_records
		WHERE caller_id = $1 OR receiver_id = $1
	`, userID)
	return count, err
}
