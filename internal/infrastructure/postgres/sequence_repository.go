package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/otrun/internal/domain/sequence"
)

const sequenceColumns = `id, sequence_id, name, robot_url, status, definition, items, failed_index, error, created_at, updated_at, finished_at`

// SequenceRepository implements sequence.Repository.
type SequenceRepository struct {
	pool *pgxpool.Pool
}

func NewSequenceRepository(pool *pgxpool.Pool) *SequenceRepository {
	return &SequenceRepository{pool: pool}
}

func (r *SequenceRepository) Create(ctx context.Context, rec *sequence.Record) error {
	items, err := json.Marshal(rec.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO sequence_runs (sequence_id, name, robot_url, status, definition, items, failed_index, error, created_at, updated_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id
	`, rec.SequenceID, rec.Name, rec.RobotURL, rec.Status, []byte(rec.Definition), items, rec.FailedIndex, rec.Error, rec.CreatedAt, rec.UpdatedAt, rec.FinishedAt).Scan(&rec.ID)
}

func (r *SequenceRepository) GetByID(ctx context.Context, sequenceID uuid.UUID) (*sequence.Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sequenceColumns+` FROM sequence_runs WHERE sequence_id=$1`, sequenceID)
	rec, err := scanSequence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (r *SequenceRepository) List(ctx context.Context, status *sequence.Status, limit, offset int) ([]*sequence.Record, error) {
	query := `SELECT ` + sequenceColumns + ` FROM sequence_runs`
	args := []interface{}{}
	if status != nil {
		query += " WHERE status=$1"
		args = append(args, *status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []*sequence.Record
	for rows.Next() {
		rec, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *SequenceRepository) Update(ctx context.Context, rec *sequence.Record) error {
	items, err := json.Marshal(rec.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE sequence_runs SET status=$1, items=$2, failed_index=$3, error=$4, updated_at=$5, finished_at=$6
		WHERE sequence_id=$7
	`, rec.Status, items, rec.FailedIndex, rec.Error, rec.UpdatedAt, rec.FinishedAt, rec.SequenceID)
	return err
}

func scanSequence(row pgx.Row) (*sequence.Record, error) {
	var rec sequence.Record
	var definition, items []byte
	if err := row.Scan(&rec.ID, &rec.SequenceID, &rec.Name, &rec.RobotURL, &rec.Status, &definition, &items, &rec.FailedIndex, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt, &rec.FinishedAt); err != nil {
		return nil, err
	}
	rec.Definition = definition
	if len(items) > 0 {
		if err := json.Unmarshal(items, &rec.Items); err != nil {
			return nil, fmt.Errorf("decode items of %s: %w", rec.SequenceID, err)
		}
	}
	return &rec, nil
}
