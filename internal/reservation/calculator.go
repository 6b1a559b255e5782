// Package reservation вычисляет, сколько товара удерживают незавершённые корзины
// других терминалов. Все функции чистые: документ снимков читает вызывающий код.
package reservation

import (
	"time"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

// ReservedElsewhere суммирует количество товара productID во всех корзинах,
// кроме корзины терминала excludeTerminalID.
func ReservedElsewhere(doc domain.Document, productID, excludeTerminalID string) float64 {
	target := domain.NormalizeProductID(productID)
	if target == "" {
		return 0
	}

	var total float64
	for terminalID, snap := range doc {
		if terminalID == excludeTerminalID {
			continue
		}
		for _, line := range snap.Cart {
			if domain.NormalizeProductID(line.ProductID) != target {
				continue
			}
			total += lineQuantity(line)
		}
	}
	return total
}

// ReservedByProduct считает резервы сразу для набора товаров за один проход по документу.
// В результате есть ключ для каждого запрошенного товара, даже если резерв нулевой.
func ReservedByProduct(doc domain.Document, productIDs []string, excludeTerminalID string) map[string]float64 {
	out := make(map[string]float64, len(productIDs))
	for _, id := range productIDs {
		if id = domain.NormalizeProductID(id); id != "" {
			out[id] = 0
		}
	}
	if len(out) == 0 {
		return out
	}

	for terminalID, snap := range doc {
		if terminalID == excludeTerminalID {
			continue
		}
		for _, line := range snap.Cart {
			id := domain.NormalizeProductID(line.ProductID)
			if _, watched := out[id]; !watched {
				continue
			}
			out[id] += lineQuantity(line)
		}
	}
	return out
}

// HeldBy возвращает количество товара в одном снимке.
func HeldBy(snap domain.Snapshot, productID string) float64 {
	target := domain.NormalizeProductID(productID)
	var total float64
	for _, line := range snap.Cart {
		if domain.NormalizeProductID(line.ProductID) == target {
			total += lineQuantity(line)
		}
	}
	return total
}

// Fresh отбрасывает снимки, heartbeat которых старше staleAfter.
// Снимки без метки времени остаются: их резерв считается действующим.
// staleAfter <= 0 отключает фильтрацию.
func Fresh(doc domain.Document, now time.Time, staleAfter time.Duration) domain.Document {
	if staleAfter <= 0 || len(doc) == 0 {
		return doc
	}

	out := make(domain.Document, len(doc))
	for terminalID, snap := range doc {
		if !snap.UpdatedAt.IsZero() && now.Sub(snap.UpdatedAt) > staleAfter {
			continue
		}
		out[terminalID] = snap
	}
	return out
}

// Stale возвращает идентификаторы терминалов с устаревшим heartbeat.
func Stale(doc domain.Document, now time.Time, staleAfter time.Duration) []string {
	if staleAfter <= 0 {
		return nil
	}
	var ids []string
	for terminalID, snap := range doc {
		if !snap.UpdatedAt.IsZero() && now.Sub(snap.UpdatedAt) > staleAfter {
			ids = append(ids, terminalID)
		}
	}
	return ids
}

// lineQuantity: отрицательное или нечисловое количество не участвует в резерве.
func lineQuantity(line domain.CartLine) float64 {
	q := line.Quantity
	if q != q || q <= 0 || q > maxQuantity {
		return 0
	}
	return q
}

// maxQuantity отсекает бесконечность.
const maxQuantity = 1e15
