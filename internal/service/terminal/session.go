// Package terminal реализует сессию одной кассы: локальную корзину, видимые остатки
// каталога и синхронизацию резервов с остальными терминалами через общее хранилище.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
	"github.com/vladislavdragonenkov/posreserve/internal/metrics"
	"github.com/vladislavdragonenkov/posreserve/internal/reservation"
	"github.com/vladislavdragonenkov/posreserve/internal/service/admission"
)

// DefaultStaleAfter: через сколько без heartbeat снимок чужого терминала перестаёт резервировать товар.
const DefaultStaleAfter = 10 * time.Minute

// SnapshotStore: общее хранилище снимков, как его видит сессия.
type SnapshotStore interface {
	LoadAll(ctx context.Context) domain.Document
	SaveSnapshot(ctx context.Context, terminalID string, snapshot domain.Snapshot) error
	DeleteSnapshot(ctx context.Context, terminalID string) error
}

// Admission: admission control, как его видит сессия.
type Admission interface {
	Check(ctx context.Context, doc domain.Document, req admission.Request) (domain.Decision, error)
}

// RefreshFunc вызывается после пересчёта видимых остатков; получает изменённые товары.
type RefreshFunc func(productIDs []string)

// StockView: видимый остаток одного товара на этом терминале.
type StockView struct {
	ProductID         string  `json:"product_id"`
	Catalog           float64 `json:"catalog"`
	InCart            float64 `json:"in_cart"`
	ReservedElsewhere float64 `json:"reserved_elsewhere"`
	Visible           float64 `json:"visible"`
	// Known: товар есть в загруженном каталоге.
	Known bool `json:"known"`
}

// SyncResult: итог одного пересчёта резервов.
type SyncResult struct {
	Products       int
	StaleTerminals int
	Changed        []string
}

// Session: сессия одной кассы. Все мутации и тики опроса сериализованы мьютексом.
type Session struct {
	terminalID string
	sessionID  string
	store      SnapshotStore
	admission  Admission
	stock      domain.StockProvider
	logger     *log.Entry
	metrics    *metrics.ReservationMetrics
	staleAfter time.Duration
	now        func() time.Time
	onRefresh  RefreshFunc

	mu       sync.Mutex
	cart     []domain.CartLine
	extra    map[string]json.RawMessage
	catalog  map[string]float64
	reserved map[string]float64
	watched  []string
}

// Option настраивает Session.
type Option func(*Session)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithStaleAfter задаёт TTL чужих резервов; 0 отключает фильтрацию.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.staleAfter = d
		}
	}
}

// WithRefreshFunc задаёт колбэк перерисовки.
func WithRefreshFunc(fn RefreshFunc) Option {
	return func(s *Session) {
		s.onRefresh = fn
	}
}

// WithClock подменяет часы (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSessionID задаёт идентификатор процесса сессии вместо случайного.
func WithSessionID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.sessionID = id
		}
	}
}

// NewSession создаёт сессию терминала.
func NewSession(terminalID string, store SnapshotStore, stock domain.StockProvider, gate Admission, opts ...Option) (*Session, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return nil, domain.ErrTerminalIDRequired
	}
	if store == nil || stock == nil || gate == nil {
		return nil, errors.New("terminal session requires store, stock provider and admission control")
	}

	s := &Session{
		terminalID: terminalID,
		sessionID:  uuid.NewString(),
		store:      store,
		admission:  gate,
		stock:      stock,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		catalog:    make(map[string]float64),
		reserved:   make(map[string]float64),
	}
	s.logger = log.WithField("component", "terminal-session")
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields(log.Fields{
		"terminal_id": terminalID,
		"session_id":  s.sessionID,
	})
	return s, nil
}

// TerminalID возвращает идентификатор кассы.
func (s *Session) TerminalID() string {
	return s.terminalID
}

// SessionID возвращает идентификатор процесса сессии.
func (s *Session) SessionID() string {
	return s.sessionID
}

// LineOption задаёт отображаемые поля новой позиции.
type LineOption func(*domain.CartLine)

// WithName задаёт название товара.
func WithName(name string) LineOption {
	return func(l *domain.CartLine) {
		l.Name = name
	}
}

// WithUnit задаёт единицу измерения.
func WithUnit(unit string) LineOption {
	return func(l *domain.CartLine) {
		l.Unit = unit
	}
}

// AddLine добавляет товар в корзину после admission control. Если позиция уже есть,
// количество суммируется, а цена должна совпадать с ценой позиции: иначе отказ
// RejectInvalidPrice, цену меняет UpdateLinePrice. При отказе корзина не меняется.
func (s *Session) AddLine(ctx context.Context, productID string, quantity, unitPrice float64, opts ...LineOption) (domain.Decision, error) {
	id := domain.NormalizeProductID(productID)
	if id == "" {
		return domain.Reject(domain.RejectInvalidProduct, nil), nil
	}
	if !validQuantity(quantity) {
		return domain.Reject(domain.RejectInvalidQuantity, nil), nil
	}
	if !validPrice(unitPrice) {
		return domain.Reject(domain.RejectInvalidPrice, nil), nil
	}

	s.mu.Lock()
	if idx := s.lineIndex(id); idx >= 0 && s.cart[idx].UnitPrice != unitPrice {
		s.mu.Unlock()
		decision := domain.Reject(domain.RejectInvalidPrice, nil)
		s.logRejection(decision, nil)
		return decision, nil
	}
	existing := s.localQuantity(id)
	decision, err := s.admitLocked(ctx, id, existing, quantity)
	if err != nil || !decision.Accepted {
		s.mu.Unlock()
		s.logRejection(decision, err)
		return decision, err
	}

	if idx := s.lineIndex(id); idx >= 0 {
		line := &s.cart[idx]
		line.Quantity += quantity
		var extra domain.CartLine
		for _, opt := range opts {
			opt(&extra)
		}
		if line.Name == "" {
			line.Name = extra.Name
		}
		if line.Unit == "" {
			line.Unit = extra.Unit
		}
	} else {
		line := domain.CartLine{ProductID: id, Quantity: quantity, UnitPrice: unitPrice}
		for _, opt := range opts {
			opt(&line)
		}
		s.cart = append(s.cart, line)
	}
	s.watchLocked(id)
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.refresh([]string{id})
	return decision, nil
}

// RemoveLine удаляет позицию из корзины.
func (s *Session) RemoveLine(ctx context.Context, productID string) (domain.Decision, error) {
	id := domain.NormalizeProductID(productID)

	s.mu.Lock()
	idx := s.lineIndex(id)
	if id == "" || idx < 0 {
		s.mu.Unlock()
		return domain.Reject(domain.RejectLineNotFound, nil), nil
	}
	s.cart = append(s.cart[:idx], s.cart[idx+1:]...)
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.refresh([]string{id})
	return domain.Accept(nil), nil
}

// UpdateLineQuantity задаёт новое количество позиции. Увеличение проходит admission control на разницу;
// q <= 0 отклоняется, удаление делается через RemoveLine.
func (s *Session) UpdateLineQuantity(ctx context.Context, productID string, quantity float64) (domain.Decision, error) {
	id := domain.NormalizeProductID(productID)
	if !validQuantity(quantity) {
		return domain.Reject(domain.RejectInvalidQuantity, nil), nil
	}

	s.mu.Lock()
	idx := s.lineIndex(id)
	if id == "" || idx < 0 {
		s.mu.Unlock()
		return domain.Reject(domain.RejectLineNotFound, nil), nil
	}

	decision := domain.Accept(nil)
	current := s.cart[idx].Quantity
	if delta := quantity - current; delta > 0 {
		// Количество в других позициях того же товара тоже наше.
		existing := s.localQuantity(id)
		var err error
		decision, err = s.admitLocked(ctx, id, existing, delta)
		if err != nil || !decision.Accepted {
			s.mu.Unlock()
			s.logRejection(decision, err)
			return decision, err
		}
	}

	s.cart[idx].Quantity = quantity
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.refresh([]string{id})
	return decision, nil
}

// UpdateLinePrice меняет цену позиции. Остатки не затрагиваются.
func (s *Session) UpdateLinePrice(ctx context.Context, productID string, unitPrice float64) (domain.Decision, error) {
	id := domain.NormalizeProductID(productID)
	if !validPrice(unitPrice) {
		return domain.Reject(domain.RejectInvalidPrice, nil), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.lineIndex(id)
	if id == "" || idx < 0 {
		return domain.Reject(domain.RejectLineNotFound, nil), nil
	}
	s.cart[idx].UnitPrice = unitPrice
	s.persistLocked(ctx)
	return domain.Accept(nil), nil
}

// ClearCart очищает корзину и поля сессии и удаляет снимок терминала из хранилища.
func (s *Session) ClearCart(ctx context.Context) {
	s.mu.Lock()
	ids := s.clearLocked(ctx)
	s.mu.Unlock()

	s.logger.WithField("lines", len(ids)).Info("cart cleared")
	s.refresh(ids)
}

// clearLocked возвращает товары очищенной корзины для refresh после снятия блокировки.
func (s *Session) clearLocked(ctx context.Context) []string {
	ids := s.cartProductIDs()
	s.cart = nil
	s.extra = nil
	_ = s.store.DeleteSnapshot(ctx, s.terminalID)
	return ids
}

// SetField сохраняет непрозрачное поле сессии (черновик оплаты, выбранный клиент).
// value == nil удаляет поле.
func (s *Session) SetField(ctx context.Context, key string, value json.RawMessage) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("session field name is required")
	}
	if domain.IsReservedField(key) {
		return fmt.Errorf("%w: %s", domain.ErrReservedField, key)
	}
	if value != nil && !json.Valid(value) {
		return fmt.Errorf("session field %s: value is not valid JSON", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if value == nil {
		delete(s.extra, key)
	} else {
		if s.extra == nil {
			s.extra = make(map[string]json.RawMessage)
		}
		s.extra[key] = append(json.RawMessage(nil), value...)
	}
	s.persistLocked(ctx)
	return nil
}

// Field возвращает поле сессии.
func (s *Session) Field(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.extra[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), v...), true
}

// RefreshCatalog целиком заменяет остатки каталога. Свои позиции вычитаются при расчёте
// видимого остатка, а не здесь, поэтому двойного учёта нет.
func (s *Session) RefreshCatalog(stock map[string]float64) {
	s.mu.Lock()
	catalog := make(map[string]float64, len(stock))
	for id, qty := range stock {
		if id = domain.NormalizeProductID(id); id != "" {
			catalog[id] = qty
		}
	}
	s.catalog = catalog
	ids := append([]string(nil), s.watched...)
	s.mu.Unlock()

	s.refresh(ids)
}

// LoadCatalog загружает остатки из базы: весь каталог, если база умеет его отдавать,
// иначе только отслеживаемые товары.
func (s *Session) LoadCatalog(ctx context.Context) error {
	if lister, ok := s.stock.(domain.StockLister); ok {
		stock, err := lister.ListStock(ctx)
		if err != nil {
			return fmt.Errorf("list stock: %w", err)
		}
		s.RefreshCatalog(stock)
		return nil
	}

	stock := make(map[string]float64)
	for _, id := range s.Watched() {
		qty, err := s.stock.CommittedStock(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrProductNotFound) {
				continue
			}
			return fmt.Errorf("committed stock for %s: %w", id, err)
		}
		stock[id] = qty
	}
	s.RefreshCatalog(stock)
	return nil
}

// Watch добавляет товары, которые сейчас показываются на экране.
func (s *Session) Watch(productIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range productIDs {
		s.watchLocked(domain.NormalizeProductID(id))
	}
}

// Watched возвращает отслеживаемые товары.
func (s *Session) Watched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.watched...)
}

// VisibleStock = остаток каталога - своя корзина - резерв других терминалов.
func (s *Session) VisibleStock(productID string) float64 {
	return s.StockView(productID).Visible
}

// StockView возвращает раскладку видимого остатка товара.
func (s *Session) StockView(productID string) StockView {
	id := domain.NormalizeProductID(productID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(id)
}

// StockViews возвращает видимые остатки всех отслеживаемых товаров.
func (s *Session) StockViews() []StockView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StockView, 0, len(s.watched))
	for _, id := range s.watched {
		out = append(out, s.viewLocked(id))
	}
	return out
}

// SyncReservations перечитывает хранилище один раз и пересчитывает резервы всех
// отслеживаемых товаров из этого документа. Хранилище не изменяется.
func (s *Session) SyncReservations(ctx context.Context) SyncResult {
	raw := s.store.LoadAll(ctx)
	now := s.now()
	stale := reservation.Stale(raw, now, s.staleAfter)
	if len(stale) > 0 {
		sort.Strings(stale)
		s.logger.WithField("stale_terminals", stale).Debug("ignoring reservations of stale terminals")
	}
	doc := reservation.Fresh(raw, now, s.staleAfter)

	s.mu.Lock()
	ids := append([]string(nil), s.watched...)
	reserved := reservation.ReservedByProduct(doc, ids, s.terminalID)
	var changed []string
	for _, id := range ids {
		if prev, ok := s.reserved[id]; !ok || prev != reserved[id] {
			changed = append(changed, id)
		}
	}
	s.reserved = reserved
	s.mu.Unlock()

	if len(changed) > 0 {
		s.refresh(changed)
	}
	return SyncResult{Products: len(ids), StaleTerminals: len(stale), Changed: changed}
}

// Restore восстанавливает корзину из собственного снимка после перезапуска.
// Возвращает false, если снимка нет.
func (s *Session) Restore(ctx context.Context) bool {
	doc := s.store.LoadAll(ctx)
	snap, ok := doc[s.terminalID]
	if !ok {
		return false
	}

	s.mu.Lock()
	restored := snap.Clone()
	s.cart = restored.Cart
	s.extra = restored.Extra
	for _, id := range s.cartProductIDs() {
		s.watchLocked(id)
	}
	ids := s.cartProductIDs()
	s.mu.Unlock()

	s.logger.WithFields(log.Fields{
		"lines":            len(ids),
		"previous_session": snap.SessionID,
	}).Info("cart restored from snapshot")
	s.refresh(ids)
	return true
}

// Heartbeat перезаписывает свой непустой снимок, обновляя updated_at.
// Пустая корзина ничего не резервирует, её не нужно продлевать.
func (s *Session) Heartbeat(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cart) == 0 {
		return false
	}
	s.persistLocked(ctx)
	s.metrics.RecordHeartbeat()
	return true
}

// CommitSale проводит продажу: списывает остатки по всем позициям и очищает корзину.
// При ошибке уже списанные позиции возвращаются, корзина остаётся нетронутой.
// Блокировка сессии держится до очистки, изменения корзины ждут окончания продажи.
func (s *Session) CommitSale(ctx context.Context) ([]domain.CartLine, error) {
	s.mu.Lock()
	lines := make([]domain.CartLine, len(s.cart))
	for i, line := range s.cart {
		lines[i] = line.Clone()
	}
	if len(lines) == 0 {
		s.mu.Unlock()
		return nil, domain.ErrCartEmpty
	}

	for i, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		if err := s.stock.DecreaseStock(ctx, line.ProductID, line.Quantity); err != nil {
			s.compensate(ctx, lines[:i])
			s.mu.Unlock()
			return nil, fmt.Errorf("decrease stock for %s: %w", line.ProductID, err)
		}
	}
	ids := s.clearLocked(ctx)
	s.mu.Unlock()

	s.logger.WithFields(log.Fields{
		"lines": len(lines),
		"total": cartTotal(lines),
	}).Info("sale committed")
	s.refresh(ids)
	return lines, nil
}

func (s *Session) compensate(ctx context.Context, lines []domain.CartLine) {
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		if err := s.stock.IncreaseStock(ctx, line.ProductID, line.Quantity); err != nil {
			s.logger.WithFields(log.Fields{
				"product_id": line.ProductID,
				"quantity":   line.Quantity,
			}).WithError(err).Error("failed to return stock after aborted sale")
		}
	}
}

// Cart возвращает копию корзины.
func (s *Session) Cart() []domain.CartLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CartLine, len(s.cart))
	for i, line := range s.cart {
		out[i] = line.Clone()
	}
	return out
}

// Total возвращает сумму корзины.
func (s *Session) Total() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cartTotal(s.cart)
}

// Snapshot возвращает снимок в том виде, в каком он будет сохранён.
func (s *Session) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// admitLocked читает документ, обновляет кэш резервов и остатков по ответу admission control.
func (s *Session) admitLocked(ctx context.Context, id string, existing, requested float64) (domain.Decision, error) {
	doc := reservation.Fresh(s.store.LoadAll(ctx), s.now(), s.staleAfter)
	decision, err := s.admission.Check(ctx, doc, admission.Request{
		TerminalID: s.terminalID,
		ProductID:  id,
		Existing:   existing,
		Requested:  requested,
	})
	if err != nil {
		return decision, err
	}
	if decision.Check != nil {
		s.catalog[id] = decision.Check.DBStock
		s.reserved[id] = decision.Check.Reserved
	}
	return decision, nil
}

func (s *Session) persistLocked(ctx context.Context) {
	_ = s.store.SaveSnapshot(ctx, s.terminalID, s.snapshotLocked())
}

func (s *Session) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		Cart:      make([]domain.CartLine, len(s.cart)),
		Total:     cartTotal(s.cart),
		SessionID: s.sessionID,
		UpdatedAt: s.now().UTC(),
	}
	for i, line := range s.cart {
		snap.Cart[i] = line.Clone()
	}
	if len(s.extra) > 0 {
		snap.Extra = make(map[string]json.RawMessage, len(s.extra))
		for k, v := range s.extra {
			snap.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return snap
}

func (s *Session) viewLocked(id string) StockView {
	catalog, known := s.catalog[id]
	inCart := s.localQuantity(id)
	reserved := s.reserved[id]
	return StockView{
		ProductID:         id,
		Catalog:           catalog,
		InCart:            inCart,
		ReservedElsewhere: reserved,
		Visible:           catalog - inCart - reserved,
		Known:             known,
	}
}

func (s *Session) localQuantity(id string) float64 {
	var total float64
	for _, line := range s.cart {
		if line.ProductID == id && line.Quantity > 0 {
			total += line.Quantity
		}
	}
	return total
}

func (s *Session) lineIndex(id string) int {
	for i, line := range s.cart {
		if line.ProductID == id {
			return i
		}
	}
	return -1
}

func (s *Session) watchLocked(id string) {
	if id == "" {
		return
	}
	for _, w := range s.watched {
		if w == id {
			return
		}
	}
	s.watched = append(s.watched, id)
}

func (s *Session) cartProductIDs() []string {
	seen := make(map[string]struct{}, len(s.cart))
	ids := make([]string, 0, len(s.cart))
	for _, line := range s.cart {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	return ids
}

func (s *Session) refresh(ids []string) {
	if s.onRefresh != nil && len(ids) > 0 {
		s.onRefresh(ids)
	}
}

func (s *Session) logRejection(decision domain.Decision, err error) {
	if err != nil {
		s.logger.WithError(err).Error("admission check failed")
		return
	}
	s.logger.WithField("reason", decision.Reason).Info(decision.Message())
}

func cartTotal(lines []domain.CartLine) float64 {
	var total float64
	for _, line := range lines {
		total += line.Subtotal()
	}
	return math.Round(total*100) / 100
}

func validQuantity(q float64) bool {
	return q > 0 && !math.IsInf(q, 0) && !math.IsNaN(q)
}

func validPrice(p float64) bool {
	return p >= 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}
