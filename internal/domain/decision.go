package domain

import "fmt"

// RejectReason: причина отказа в изменении корзины.
type RejectReason string

const (
	// RejectInsufficientStock: с учётом резервов других терминалов товара не хватает.
	RejectInsufficientStock RejectReason = "insufficient_stock"
	// RejectInvalidQuantity: количество должно быть положительным конечным числом.
	RejectInvalidQuantity RejectReason = "invalid_quantity"
	// RejectInvalidPrice: цена должна быть неотрицательным конечным числом.
	RejectInvalidPrice RejectReason = "invalid_price"
	// RejectInvalidProduct: пустой идентификатор товара.
	RejectInvalidProduct RejectReason = "invalid_product"
	// RejectLineNotFound: в корзине нет позиции с таким товаром.
	RejectLineNotFound RejectReason = "line_not_found"
	// RejectUnknownProduct: товара нет в базе остатков.
	RejectUnknownProduct RejectReason = "unknown_product"
)

// AdmissionCheck: численная раскладка решения admission control.
type AdmissionCheck struct {
	ProductID string  `json:"product_id"`
	DBStock   float64 `json:"db_stock"`
	Reserved  float64 `json:"reserved"`
	Available float64 `json:"available"`
	Existing  float64 `json:"existing"`
	Requested float64 `json:"requested"`
	// NegativeStockAllowed фиксирует, что решение принято с включённой настройкой "allow negative stock".
	NegativeStockAllowed bool `json:"negative_stock_allowed"`
}

// Fits сообщает, укладывается ли запрос в доступный остаток.
func (c AdmissionCheck) Fits() bool {
	return c.Existing+c.Requested <= c.Available
}

// Decision описывает результат операции над корзиной: принято или отклонено с причиной.
type Decision struct {
	Accepted bool            `json:"accepted"`
	Reason   RejectReason    `json:"reason,omitempty"`
	Check    *AdmissionCheck `json:"check,omitempty"`
}

// Accept возвращает положительное решение.
func Accept(check *AdmissionCheck) Decision {
	return Decision{Accepted: true, Check: check}
}

// Reject возвращает отказ с причиной.
func Reject(reason RejectReason, check *AdmissionCheck) Decision {
	return Decision{Reason: reason, Check: check}
}

// Message формирует текст для оператора.
func (d Decision) Message() string {
	if d.Accepted {
		return "ok"
	}
	switch d.Reason {
	case RejectInsufficientStock:
		if d.Check == nil {
			return "insufficient stock"
		}
		c := d.Check
		return fmt.Sprintf(
			"insufficient stock for %s: stock=%g reserved by other terminals=%g available=%g in cart=%g requested=%g",
			c.ProductID, c.DBStock, c.Reserved, c.Available, c.Existing, c.Requested,
		)
	case RejectInvalidQuantity:
		return "quantity must be greater than zero"
	case RejectInvalidPrice:
		return "price must be non-negative"
	case RejectInvalidProduct:
		return "product id is required"
	case RejectLineNotFound:
		return "product is not in the cart"
	case RejectUnknownProduct:
		return "product is not in the catalog"
	default:
		return string(d.Reason)
	}
}
