package sqlstore

import (
	"context"
	"database/sql"

	"localrag/apps/backend/internal/settings"
)

// Settings returns the settings.Repository view backed by the single-row
// settings table.
func (s *Store) Settings() *SettingsStore {
	return &SettingsStore{s: s}
}

type SettingsStore struct {
	s *Store
}

func (ss *SettingsStore) Get(ctx context.Context) (*settings.Settings, error) {
	out := &settings.Settings{}
	err := ss.s.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&out.GeminiAPIKey, &out.GenerationModel)
	}, `SELECT gemini_api_key, generation_model FROM settings WHERE id = 1`)
	if err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (ss *SettingsStore) Update(ctx context.Context, set *settings.Settings) error {
	_, err := ss.s.exec(ctx, `UPDATE settings SET gemini_api_key = ?, generation_model = ?, updated_at = ? WHERE id = 1`,
		set.GeminiAPIKey, set.GenerationModel, ss.s.now().UnixMilli())
	if err != nil {
		return unavailable(err)
	}
	return nil
}
