package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

func (s *SQLiteStore) PutItem(ctx context.Context, key, value string) error {
	return putItem(ctx, s.db, key, value,
		`INSERT INTO items (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
}

func (s *SQLiteStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	return getItem(ctx, s.db, key, `SELECT value FROM items WHERE key = ?`)
}

func (s *SQLiteStore) RemoveItem(ctx context.Context, key string) error {
	return removeItem(ctx, s.db, key, `DELETE FROM items WHERE key = ?`)
}

func (s *PostgresStore) PutItem(ctx context.Context, key, value string) error {
	return putItem(ctx, s.db, key, value,
		`INSERT INTO items (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`)
}

func (s *PostgresStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	return getItem(ctx, s.db, key, `SELECT value FROM items WHERE key = $1`)
}

func (s *PostgresStore) RemoveItem(ctx context.Context, key string) error {
	return removeItem(ctx, s.db, key, `DELETE FROM items WHERE key = $1`)
}

func putItem(ctx context.Context, db *sql.DB, key, value, query string) error {
	if key == "" {
		return fmt.Errorf("put item: empty key")
	}
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, key, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("put item failed: %w", err)
	}
	return nil
}

func getItem(ctx context.Context, db *sql.DB, key, query string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get item failed: %w", err)
	}
	return value, true, nil
}

func removeItem(ctx context.Context, db *sql.DB, key, query string) error {
	err := withTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("remove item failed: %w", err)
	}
	slog.Debug("store.removeItem", "key", key)
	return nil
}
