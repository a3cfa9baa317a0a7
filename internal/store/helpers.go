package store

import (
	"context"
	"database/sql"
	"fmt"
)

// rowScanner is satisfied by both *sql.Rows and *sql.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJobRecord scans the columns selected by jobColumns.
func scanJobRecord(row rowScanner) (JobRecord, error) {
	var r JobRecord
	var data []byte
	if err := row.Scan(&r.ID, &r.QueueType, &data, &r.Timestamp, &r.Attempts); err != nil {
		return r, fmt.Errorf("scan job record failed: %w", err)
	}
	// The driver may reuse the buffer; keep a private copy.
	r.Data = append([]byte(nil), data...)
	return r, nil
}

// collectJobRecords drains rows into a slice.
func collectJobRecords(rows *sql.Rows) ([]JobRecord, error) {
	defer rows.Close()
	var out []JobRecord
	for rows.Next() {
		r, err := scanJobRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job record iteration failed: %w", err)
	}
	return out, nil
}

// withTx runs fn inside a transaction, committing on success.
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// expectOneRow maps a zero-row write to ErrJobNotFound.
func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}
