package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

func (s *PostgresStore) Insert(ctx context.Context, rec JobRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5)`,
			rec.ID, rec.QueueType, []byte(rec.Data), rec.Timestamp, rec.Attempts,
		)
		return err
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, rec.ID)
		}
		return fmt.Errorf("insert job failed: %w", err)
	}
	slog.Debug("PostgresStore.Insert", "id", rec.ID, "queueType", rec.QueueType)
	return nil
}

func (s *PostgresStore) LoadAll(ctx context.Context, queueType string) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE queue_type = $1 ORDER BY timestamp_ms ASC, seq ASC`,
		queueType,
	)
	if err != nil {
		return nil, fmt.Errorf("load jobs query failed: %w", err)
	}
	recs, err := collectJobRecords(rows)
	if err != nil {
		return nil, err
	}
	slog.Debug("PostgresStore.LoadAll", "queueType", queueType, "count", len(recs))
	return recs, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, attempts int, timestamp int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET attempts = $1, timestamp_ms = $2 WHERE id = $3`,
			attempts, timestamp, id,
		)
		if err != nil {
			return fmt.Errorf("update job failed: %w", err)
		}
		return expectOneRow(res, id)
	})
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete job failed: %w", err)
	}
	slog.Debug("PostgresStore.Delete", "id", id)
	return nil
}
