package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

const settingAllowNegativeStock = "allow_negative_stock"

// SettingsRepository читает операторские настройки из pos_settings.
type SettingsRepository struct {
	db *sql.DB
}

// NewSettingsRepository создаёт репозиторий настроек.
func NewSettingsRepository(store *Store) *SettingsRepository {
	return &SettingsRepository{db: store.DB()}
}

// AllowNegativeStock читает настройку при каждом вызове. Отсутствие строки: false.
func (r *SettingsRepository) AllowNegativeStock(ctx context.Context) (bool, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `
		SELECT value
		FROM pos_settings
		WHERE key = $1
	`, settingAllowNegativeStock).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("%w: query pos_settings: %w", domain.ErrSettingsUnavailable, err)
	}

	allow, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q: %w", domain.ErrSettingsUnavailable, settingAllowNegativeStock, raw, err)
	}
	return allow, nil
}

// SetAllowNegativeStock меняет настройку.
func (r *SettingsRepository) SetAllowNegativeStock(ctx context.Context, allow bool) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO pos_settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, settingAllowNegativeStock, strconv.FormatBool(allow)); err != nil {
		return fmt.Errorf("upsert pos_settings: %w", err)
	}
	return nil
}

var _ domain.SettingsProvider = (*SettingsRepository)(nil)
