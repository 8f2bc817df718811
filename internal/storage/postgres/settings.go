package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type settingRow struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

type SettingsStore struct {
	db *sqlx.DB
}

func NewSettingsStore(db *sqlx.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// GetAll returns every stored settings value keyed by name.
func (s *SettingsStore) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	var rows []settingRow
	if err := selectContext(ctx, s.db, &rows, `SELECT key, value FROM settings`); err != nil {
		return nil, fmt.Errorf("select settings: %w", err)
	}

	result := make(map[string]json.RawMessage, len(rows))
	for _, r := range rows {
		result[r.Key] = json.RawMessage(r.Value)
	}
	return result, nil
}

// UpsertMany writes all values in one transaction and returns how many keys were written.
func (s *SettingsStore) UpsertMany(ctx context.Context, values map[string]json.RawMessage) (int, error) {
	if len(values) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`

	err := withTx(ctx, s.db, func(txCtx context.Context) error {
		exec := GetExecutor(txCtx, s.db)
		for key, value := range values {
			if _, err := exec.ExecContext(txCtx, query, key, string(value)); err != nil {
				return fmt.Errorf("upsert setting %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(values), nil
}

// Ping checks that the database answers queries.
func (s *SettingsStore) Ping(ctx context.Context) error {
	var one int
	return s.db.GetContext(ctx, &one, `SELECT 1`)
}
