// Package inventory содержит in-memory реализацию базы остатков для тестов, симулятора
// и терминалов без PostgreSQL.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

// MemoryStock: конфигурируемая база остатков в памяти.
type MemoryStock struct {
	mu    sync.RWMutex
	stock map[string]float64

	// Ошибки, которые вернут соответствующие методы (для тестов отказов).
	CommittedErr error
	DecreaseErr  error
	IncreaseErr  error

	committedCalls int
	decreaseCalls  int
	increaseCalls  int
}

// NewMemoryStock возвращает базу с начальными остатками.
func NewMemoryStock(initial map[string]float64) *MemoryStock {
	stock := make(map[string]float64, len(initial))
	for id, qty := range initial {
		stock[domain.NormalizeProductID(id)] = qty
	}
	return &MemoryStock{stock: stock}
}

// LoadCatalogFile читает остатки из JSON-файла вида {"p1": 10, "p2": 3.5}.
func LoadCatalogFile(path string) (*MemoryStock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var initial map[string]float64
	if err := json.Unmarshal(data, &initial); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	return NewMemoryStock(initial), nil
}

// Set задаёт остаток товара.
func (m *MemoryStock) Set(productID string, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[domain.NormalizeProductID(productID)] = qty
}

// CommittedStock возвращает зафиксированный остаток.
func (m *MemoryStock) CommittedStock(ctx context.Context, productID string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.committedCalls++
	if m.CommittedErr != nil {
		return 0, m.CommittedErr
	}

	id := domain.NormalizeProductID(productID)
	if id == "" {
		return 0, domain.ErrProductIDRequired
	}
	qty, ok := m.stock[id]
	if !ok {
		return 0, domain.ErrProductNotFound
	}
	return qty, nil
}

// DecreaseStock списывает остаток при проведении продажи. Уход в минус не запрещён:
// решение об этом принимает admission control до продажи.
func (m *MemoryStock) DecreaseStock(ctx context.Context, productID string, qty float64) error {
	return m.adjust(ctx, productID, -qty, qty, &m.decreaseCalls, func() error { return m.DecreaseErr })
}

// IncreaseStock возвращает остаток при отмене продажи.
func (m *MemoryStock) IncreaseStock(ctx context.Context, productID string, qty float64) error {
	return m.adjust(ctx, productID, qty, qty, &m.increaseCalls, func() error { return m.IncreaseErr })
}

func (m *MemoryStock) adjust(ctx context.Context, productID string, delta, qty float64, calls *int, configured func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	*calls++
	if err := configured(); err != nil {
		return err
	}
	if qty <= 0 {
		return domain.ErrStockQtyInvalid
	}

	id := domain.NormalizeProductID(productID)
	if id == "" {
		return domain.ErrProductIDRequired
	}
	current, ok := m.stock[id]
	if !ok {
		return domain.ErrProductNotFound
	}
	m.stock[id] = current + delta
	return nil
}

// ListStock возвращает копию всего каталога.
func (m *MemoryStock) ListStock(ctx context.Context) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.CommittedErr != nil {
		return nil, m.CommittedErr
	}
	out := make(map[string]float64, len(m.stock))
	for id, qty := range m.stock {
		out[id] = qty
	}
	return out, nil
}

// Calls возвращает счётчики вызовов CommittedStock, DecreaseStock и IncreaseStock.
func (m *MemoryStock) Calls() (committed, decrease, increase int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committedCalls, m.decreaseCalls, m.increaseCalls
}

var (
	_ domain.StockProvider = (*MemoryStock)(nil)
	_ domain.StockLister   = (*MemoryStock)(nil)
)
