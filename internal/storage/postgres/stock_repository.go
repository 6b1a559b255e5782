package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

// StockRepository: авторитетная база остатков в таблице product_stock.
type StockRepository struct {
	db *sql.DB
}

// NewStockRepository создаёт репозиторий остатков.
func NewStockRepository(store *Store) *StockRepository {
	return &StockRepository{db: store.DB()}
}

// CommittedStock возвращает зафиксированный остаток товара.
func (r *StockRepository) CommittedStock(ctx context.Context, productID string) (float64, error) {
	id := domain.NormalizeProductID(productID)
	if id == "" {
		return 0, domain.ErrProductIDRequired
	}

	var qty float64
	err := r.db.QueryRowContext(ctx, `
		SELECT quantity::float8
		FROM product_stock
		WHERE product_id = $1
	`, id).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrProductNotFound
		}
		return 0, fmt.Errorf("query product stock: %w", err)
	}
	return qty, nil
}

// DecreaseStock списывает остаток при проведении продажи.
func (r *StockRepository) DecreaseStock(ctx context.Context, productID string, qty float64) error {
	return r.adjust(ctx, productID, -qty, qty)
}

// IncreaseStock возвращает остаток при отмене продажи.
func (r *StockRepository) IncreaseStock(ctx context.Context, productID string, qty float64) error {
	return r.adjust(ctx, productID, qty, qty)
}

func (r *StockRepository) adjust(ctx context.Context, productID string, delta, qty float64) error {
	if qty <= 0 {
		return domain.ErrStockQtyInvalid
	}
	id := domain.NormalizeProductID(productID)
	if id == "" {
		return domain.ErrProductIDRequired
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE product_stock
		SET quantity = quantity + $2, updated_at = NOW()
		WHERE product_id = $1
	`, id, delta)
	if err != nil {
		return fmt.Errorf("update product stock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

// ListStock возвращает весь каталог остатков.
func (r *StockRepository) ListStock(ctx context.Context) (map[string]float64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, quantity::float8
		FROM product_stock
	`)
	if err != nil {
		return nil, fmt.Errorf("query product stock: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			id  string
			qty float64
		)
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, fmt.Errorf("scan product stock: %w", err)
		}
		out[id] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product stock: %w", err)
	}
	return out, nil
}

// SetStock задаёт остаток товара (приёмка, инвентаризация, начальная загрузка).
func (r *StockRepository) SetStock(ctx context.Context, productID string, qty float64) error {
	id := domain.NormalizeProductID(productID)
	if id == "" {
		return domain.ErrProductIDRequired
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO product_stock (product_id, quantity, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (product_id) DO UPDATE
		SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
	`, id, qty); err != nil {
		return fmt.Errorf("upsert product stock: %w", err)
	}
	return nil
}

var (
	_ domain.StockProvider = (*StockRepository)(nil)
	_ domain.StockLister   = (*StockRepository)(nil)
)
