package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattn/go-sqlite3"
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

const jobColumns = `id, queue_type, data, timestamp_ms, attempts`

func (s *SQLiteStore) Insert(ctx context.Context, rec JobRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?)`,
			rec.ID, rec.QueueType, string(rec.Data), rec.Timestamp, rec.Attempts,
		)
		return err
	})
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, rec.ID)
		}
		return fmt.Errorf("insert job failed: %w", err)
	}
	slog.Debug("SQLiteStore.Insert", "id", rec.ID, "queueType", rec.QueueType)
	return nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context, queueType string) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE queue_type = ? ORDER BY timestamp_ms ASC, rowid ASC`,
		queueType,
	)
	if err != nil {
		return nil, fmt.Errorf("load jobs query failed: %w", err)
	}
	recs, err := collectJobRecords(rows)
	if err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore.LoadAll", "queueType", queueType, "count", len(recs))
	return recs, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, attempts int, timestamp int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET attempts = ?, timestamp_ms = ? WHERE id = ?`,
			attempts, timestamp, id,
		)
		if err != nil {
			return fmt.Errorf("update job failed: %w", err)
		}
		return expectOneRow(res, id)
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete job failed: %w", err)
	}
	slog.Debug("SQLiteStore.Delete", "id", id)
	return nil
}
