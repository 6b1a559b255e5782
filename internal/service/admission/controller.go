// Package admission решает, можно ли увеличить спрос на товар в корзине терминала,
// с учётом того, что уже держат корзины других терминалов.
package admission

import (
	"context"
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
	"github.com/vladislavdragonenkov/posreserve/internal/metrics"
	"github.com/vladislavdragonenkov/posreserve/internal/reservation"
)

// Request: запрос на увеличение количества товара в корзине терминала.
type Request struct {
	TerminalID string
	ProductID  string
	// Existing: сколько товара уже лежит в корзине этого терминала.
	Existing float64
	// Requested: сколько добавляется сверх Existing.
	Requested float64
}

// Controller: admission control перед любым увеличением спроса.
type Controller struct {
	stock    domain.StockProvider
	settings domain.SettingsProvider
	logger   *log.Entry
	metrics  *metrics.ReservationMetrics
}

// Option настраивает Controller.
type Option func(*Controller)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics подключает метрики решений.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// NewController создаёт admission control. settings может быть nil: тогда режим всегда строгий.
func NewController(stock domain.StockProvider, settings domain.SettingsProvider, opts ...Option) *Controller {
	c := &Controller{
		stock:    stock,
		settings: settings,
		logger:   log.WithField("component", "admission-control"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check принимает решение по запросу. doc: последний прочитанный документ снимков.
// Ошибка возвращается только при отказе базы остатков.
func (c *Controller) Check(ctx context.Context, doc domain.Document, req Request) (domain.Decision, error) {
	productID := domain.NormalizeProductID(req.ProductID)
	if productID == "" {
		return c.record(domain.Reject(domain.RejectInvalidProduct, nil)), nil
	}
	if !validQuantity(req.Requested) || req.Existing < 0 || math.IsNaN(req.Existing) {
		return c.record(domain.Reject(domain.RejectInvalidQuantity, nil)), nil
	}

	dbStock, err := c.stock.CommittedStock(ctx, productID)
	if err != nil {
		if errors.Is(err, domain.ErrProductNotFound) {
			return c.record(domain.Reject(domain.RejectUnknownProduct, nil)), nil
		}
		return domain.Decision{}, fmt.Errorf("committed stock for %s: %w", productID, err)
	}

	reserved := reservation.ReservedElsewhere(doc, productID, req.TerminalID)

	decision := Evaluate(productID, dbStock, reserved, req.Existing, req.Requested, false)
	if decision.Accepted {
		return c.record(decision), nil
	}

	if c.allowNegativeStock(ctx) {
		decision = Evaluate(productID, dbStock, reserved, req.Existing, req.Requested, true)
		c.logger.WithFields(log.Fields{
			"terminal_id": req.TerminalID,
			"product_id":  productID,
			"available":   decision.Check.Available,
			"requested":   req.Requested,
		}).Info("stock override applied")
	}
	return c.record(decision), nil
}

// Evaluate считает решение без ввода-вывода: available = dbStock - reserved, принять iff existing+requested <= available.
// При allowNegative отказ превращается в принятие с отметкой об override.
func Evaluate(productID string, dbStock, reserved, existing, requested float64, allowNegative bool) domain.Decision {
	check := &domain.AdmissionCheck{
		ProductID: productID,
		DBStock:   dbStock,
		Reserved:  reserved,
		Available: dbStock - reserved,
		Existing:  existing,
		Requested: requested,
	}
	if check.Fits() {
		return domain.Accept(check)
	}
	if allowNegative {
		check.NegativeStockAllowed = true
		return domain.Accept(check)
	}
	return domain.Reject(domain.RejectInsufficientStock, check)
}

// allowNegativeStock читает настройку; нечитаемая настройка означает строгий режим.
func (c *Controller) allowNegativeStock(ctx context.Context) bool {
	if c.settings == nil {
		return false
	}
	allow, err := c.settings.AllowNegativeStock(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("settings unreadable, using strict stock check")
		return false
	}
	return allow
}

func (c *Controller) record(decision domain.Decision) domain.Decision {
	switch {
	case decision.Accepted && decision.Check != nil && decision.Check.NegativeStockAllowed:
		c.metrics.RecordAdmission(metrics.ResultOverride)
	case decision.Accepted:
		c.metrics.RecordAdmission(metrics.ResultAccepted)
	default:
		c.metrics.RecordAdmission(metrics.ResultRejected)
	}
	return decision
}

func validQuantity(q float64) bool {
	return q > 0 && !math.IsInf(q, 0) && !math.IsNaN(q)
}
