// Package settings отдаёт операторские настройки кассы, которые можно менять без перезапуска.
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/joho/godotenv"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

// KeyAllowNegativeStock: ключ настройки в файле.
const KeyAllowNegativeStock = "ALLOW_NEGATIVE_STOCK"

// Static: настройки, заданные в коде или из флагов.
type Static struct {
	allowNegative atomic.Bool
}

// NewStatic возвращает статические настройки.
func NewStatic(allowNegative bool) *Static {
	s := &Static{}
	s.allowNegative.Store(allowNegative)
	return s
}

// SetAllowNegativeStock меняет настройку.
func (s *Static) SetAllowNegativeStock(v bool) {
	s.allowNegative.Store(v)
}

// AllowNegativeStock реализует domain.SettingsProvider.
func (s *Static) AllowNegativeStock(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.allowNegative.Load(), nil
}

// File перечитывает dotenv-файл настроек при каждом запросе, чтобы изменение оператора
// действовало на следующее решение.
type File struct {
	path string
}

// NewFile создаёт провайдер поверх файла настроек.
func NewFile(path string) *File {
	return &File{path: path}
}

// AllowNegativeStock читает ALLOW_NEGATIVE_STOCK. Отсутствующий файл или ключ: false.
func (f *File) AllowNegativeStock(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	values, err := godotenv.Read(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: read %s: %w", domain.ErrSettingsUnavailable, f.path, err)
	}

	raw, ok := values[KeyAllowNegativeStock]
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	allow, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q: %w", domain.ErrSettingsUnavailable, KeyAllowNegativeStock, raw, err)
	}
	return allow, nil
}

var (
	_ domain.SettingsProvider = (*Static)(nil)
	_ domain.SettingsProvider = (*File)(nil)
)
