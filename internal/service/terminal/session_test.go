package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
	"github.com/vladislavdragonenkov/posreserve/internal/service/admission"
	"github.com/vladislavdragonenkov/posreserve/internal/service/inventory"
	"github.com/vladislavdragonenkov/posreserve/internal/service/settings"
	"github.com/vladislavdragonenkov/posreserve/internal/storage"
	"github.com/vladislavdragonenkov/posreserve/internal/storage/memory"
)

type fleet struct {
	store *storage.Store
	stock *inventory.MemoryStock
	flags *settings.Static
}

func newFleet(stock map[string]float64) *fleet {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &fleet{
		store: storage.NewStore(memory.NewSnapshotBackend(), storage.WithLogger(logger.WithField("component", "test"))),
		stock: inventory.NewMemoryStock(stock),
		flags: settings.NewStatic(false),
	}
}

func (f *fleet) session(t *testing.T, terminalID string, opts ...Option) *Session {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	opts = append([]Option{WithLogger(logger.WithField("component", "test"))}, opts...)
	s, err := NewSession(terminalID, f.store, f.stock, admission.NewController(f.stock, f.flags), opts...)
	require.NoError(t, err)
	return s
}

func TestNewSession_RequiresTerminalID(t *testing.T) {
	f := newFleet(nil)
	_, err := NewSession("  ", f.store, f.stock, admission.NewController(f.stock, nil))
	require.ErrorIs(t, err, domain.ErrTerminalIDRequired)
}

func TestSession_ScenarioA(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10})
	t1 := f.session(t, "T1")

	decision, err := t1.AddLine(ctx, "p1", 4, 2.5)
	require.NoError(t, err)
	require.True(t, decision.Accepted)
	require.Equal(t, 6.0, t1.VisibleStock("p1"))

	doc := f.store.LoadAll(ctx)
	require.Contains(t, doc, "T1")
	require.Equal(t, 4.0, doc["T1"].Cart[0].Quantity)
	require.Equal(t, 10.0, doc["T1"].Total)
	require.Equal(t, t1.SessionID(), doc["T1"].SessionID)
	require.False(t, doc["T1"].UpdatedAt.IsZero())
}

func TestSession_ScenarioB(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10})
	t1 := f.session(t, "T1")
	t2 := f.session(t, "T2")

	decision, err := t1.AddLine(ctx, "p1", 4, 1)
	require.NoError(t, err)
	require.True(t, decision.Accepted)

	decision, err = t2.AddLine(ctx, "p1", 7, 1)
	require.NoError(t, err)
	require.False(t, decision.Accepted)
	require.Equal(t, domain.RejectInsufficientStock, decision.Reason)
	require.Equal(t, 10.0, decision.Check.DBStock)
	require.Equal(t, 4.0, decision.Check.Reserved)
	require.Equal(t, 6.0, decision.Check.Available)
	require.Equal(t, 0.0, decision.Check.Existing)
	require.Equal(t, 7.0, decision.Check.Requested)
	require.Empty(t, t2.Cart(), "rejected add must not change the cart")
	require.NotContains(t, f.store.LoadAll(ctx), "T2")

	decision, err = t2.AddLine(ctx, "p1", 6, 1)
	require.NoError(t, err)
	require.True(t, decision.Accepted)
	require.Equal(t, 0.0, t2.VisibleStock("p1"))
}

func TestSession_ScenarioC(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10})
	t1 := f.session(t, "T1")
	t2 := f.session(t, "T2")
	t2.Watch("p1")

	_, err := t1.AddLine(ctx, "p1", 4, 1)
	require.NoError(t, err)
	require.NoError(t, t1.SetField(ctx, "payment_draft", json.RawMessage(`{"method":"cash"}`)))

	t2.SyncReservations(ctx)
	require.Equal(t, 4.0, t2.StockView("p1").ReservedElsewhere)

	t1.ClearCart(ctx)
	require.NotContains(t, f.store.LoadAll(ctx), "T1")
	require.Empty(t, t1.Cart())
	_, ok := t1.Field("payment_draft")
	require.False(t, ok)

	result := t2.SyncReservations(ctx)
	require.Equal(t, []string{"p1"}, result.Changed)
	require.Equal(t, 0.0, t2.StockView("p1").ReservedElsewhere)
}

func TestSession_AddLineMergesExistingLine(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10})
	t1 := f.session(t, "T1")

	_, err := t1.AddLine(ctx, "p1", 2, 3, WithName("Milk"), WithUnit("pcs"))
	require.NoError(t, err)
	decision, err := t1.AddLine(ctx, " p1 ", 3, 3)
	require.NoError(t, err)
	require.True(t, decision.Accepted)
	require.Equal(t, 2.0, decision.Check.Existing)

	cart := t1.Cart()
	require.Len(t, cart, 1)
	require.Equal(t, 5.0, cart[0].Quantity)
	require.Equal(t, "Milk", cart[0].Name)
	require.Equal(t, "pcs", cart[0].Unit)
	require.Equal(t, 15.0, t1.Total())

	// Своё количество не учитывается как чужой резерв: 5 + 5 == 10.
	decision, err = t1.AddLine(ctx, "p1", 5, 3)
	require.NoError(t, err)
	require.True(t, decision.Accepted)
	decision, err = t1.AddLine(ctx, "p1", 0.5, 3)
	require.NoError(t, err)
	require.False(t, decision.Accepted)
}

func TestSession_InvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10})
	t1 := f.session(t, "T1")

	decision, _ := t1.AddLine(ctx, "", 1, 1)
	require.Equal(t, domain.RejectInvalidProduct, decision.Reason)
	decision, _ = t1.AddLine(ctx, "p1", 0, 1)
	require.Equal(t, domain.RejectInvalidQuantity, decision.Reason)
	decision, _ = t1.AddLine(ctx, "p1", 1, -1)
	require.Equal(t, domain.RejectInvalidPrice, decision.Reason)
	decision, _ = t1.RemoveLine(ctx, "p1")
	require.Equal(t, domain.RejectLineNotFound, decision.Reason)
	decision, _ = t1.UpdateLineQuantity(ctx, "p1", 2)
	require.Equal(t, domain.RejectLineNotFound, decision.Reason)
	decision, _ = t1.UpdateLinePrice(ctx, "p1", 2)
	require.Equal(t, domain.RejectLineNotFound, decision.Reason)
	require.Empty(t, f.store.LoadAll(ctx))
}

func TestSession_UpdateLineQuantity(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10})
	t1 := f.session(t, "T1")
	t2 := f.session(t, "T2")

	_, err := t1.AddLine(ctx, "p1", 4, 1)
	require.NoError(t, err)
	_, err = t2.AddLine(ctx, "p1", 3, 1)
	require.NoError(t, err)

	decision, err := t1.UpdateLineQuantity(ctx, "p1", 8)
	require.NoError(t, err)
	require.False(t, decision.Accepted)
	require.Equal(t, 4.0, decision.Check.Existing)
	require.Equal(t, 4.0, decision.Check.Requested)
	require.Equal(t, 4.0, t1.Cart()[0].Quantity)

	decision, err = t1.UpdateLineQuantity(ctx, "p1", 7)
	require.NoError(t, err)
	require.True(t, decision.Accepted)

	// Уменьшение не требует проверки остатка.
	committedBefore, _, _ := f.stock.Calls()
	decision, err = t1.UpdateLineQuantity(ctx, "p1", 1)
	require.NoError(t, err)
	require.True(t, decision.Accepted)
	committedAfter, _, _ := f.stock.Calls()
	require.Equal(t, committedBefore, committedAfter)

	decision, err = t1.UpdateLineQuantity(ctx, "p1", 0)
	require.NoError(t, err)
	require.Equal(t, domain.RejectInvalidQuantity, decision.Reason)
	require.Equal(t, 1.0, f.store.LoadAll(ctx)["T1"].Cart[0].Quantity)
}

func TestSession_UpdatePriceAndRemove(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10, "p2": 5})
	t1 := f.session(t, "T1")

	_, err := t1.AddLine(ctx, "p1", 2, 1)
	require.NoError(t, err)
	_, err = t1.AddLine(ctx, "p2", 1, 4)
	require.NoError(t, err)

	decision, err := t1.UpdateLinePrice(ctx, "p1", 2.25)
	require.NoError(t, err)
	require.True(t, decision.Accepted)
	require.Equal(t, 8.5, t1.Total())
	require.Equal(t, 8.5, f.store.LoadAll(ctx)["T1"].Total)

	decision, err = t1.RemoveLine(ctx, "p2")
	require.NoError(t, err)
	require.True(t, decision.Accepted)
	require.Len(t, f.store.LoadAll(ctx)["T1"].Cart, 1)
	require.Equal(t, 4.5, t1.Total())
}

func TestSession_StaleReservationsAreIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10})
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	t1 := f.session(t, "T1", WithClock(func() time.Time { return start }))
	_, err := t1.AddLine(ctx, "p1", 4, 1)
	require.NoError(t, err)

	later := start.Add(DefaultStaleAfter + time.Minute)
	t2 := f.session(t, "T2", WithClock(func() time.Time { return later }))
	t2.Watch("p1")

	result := t2.SyncReservations(ctx)
	require.Equal(t, 1, result.StaleTerminals)
	require.Zero(t, t2.StockView("p1").ReservedElsewhere)

	decision, err := t2.AddLine(ctx, "p1", 10, 1)
	require.NoError(t, err)
	require.True(t, decision.Accepted)

	// С отключённым TTL резерв T1 продолжает действовать.
	t3 := f.session(t, "T3", WithClock(func() time.Time { return later }), WithStaleAfter(0))
	t3.Watch("p1")
	t3.SyncReservations(ctx)
	require.Equal(t, 14.0, t3.StockView("p1").ReservedElsewhere)
}

func TestSession_HeartbeatRefreshesUpdatedAt(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10})
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t1 := f.session(t, "T1", WithClock(func() time.Time { return now }))

	require.False(t, t1.Heartbeat(ctx), "empty cart has nothing to keep alive")
	require.Empty(t, f.store.LoadAll(ctx))

	_, err := t1.AddLine(ctx, "p1", 1, 1)
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	require.True(t, t1.Heartbeat(ctx))
	require.True(t, f.store.LoadAll(ctx)["T1"].UpdatedAt.Equal(now))
}

func TestSession_Restore(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10})
	before := f.session(t, "T1")

	_, err := before.AddLine(ctx, "p1", 3, 2, WithName("Bread"))
	require.NoError(t, err)
	require.NoError(t, before.SetField(ctx, "customer", json.RawMessage(`{"id":"c-7"}`)))

	after := f.session(t, "T1")
	require.True(t, after.Restore(ctx))
	require.Len(t, after.Cart(), 1)
	require.Equal(t, "Bread", after.Cart()[0].Name)
	require.Contains(t, after.Watched(), "p1")
	field, ok := after.Field("customer")
	require.True(t, ok)
	require.JSONEq(t, `{"id":"c-7"}`, string(field))

	fresh := f.session(t, "T9")
	require.False(t, fresh.Restore(ctx))
}

func TestSession_SetField(t *testing.T) {
	ctx := context.Background()
	f := newFleet(nil)
	t1 := f.session(t, "T1")

	require.ErrorIs(t, t1.SetField(ctx, "cart", json.RawMessage(`[]`)), domain.ErrReservedField)
	require.Error(t, t1.SetField(ctx, "", json.RawMessage(`1`)))
	require.Error(t, t1.SetField(ctx, "draft", json.RawMessage(`{broken`)))

	require.NoError(t, t1.SetField(ctx, "draft", json.RawMessage(`{"amount":10}`)))
	require.JSONEq(t, `{"amount":10}`, string(f.store.LoadAll(ctx)["T1"].Extra["draft"]))

	require.NoError(t, t1.SetField(ctx, "draft", nil))
	_, ok := f.store.LoadAll(ctx)["T1"].Extra["draft"]
	require.False(t, ok)
}

func TestSession_CatalogAndRefreshCallback(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10, "p2": 3})

	var mu sync.Mutex
	var refreshed [][]string
	t1 := f.session(t, "T1", WithRefreshFunc(func(ids []string) {
		mu.Lock()
		defer mu.Unlock()
		refreshed = append(refreshed, ids)
	}))
	t1.Watch("p1", "p2", "p1")
	require.Equal(t, []string{"p1", "p2"}, t1.Watched())

	require.NoError(t, t1.LoadCatalog(ctx))
	require.Equal(t, 3.0, t1.VisibleStock("p2"))
	require.True(t, t1.StockView("p2").Known)
	require.False(t, t1.StockView("ghost").Known)

	t1.RefreshCatalog(map[string]float64{"p1": 8})
	require.Equal(t, 8.0, t1.VisibleStock("p1"))
	require.False(t, t1.StockView("p2").Known)

	_, err := t1.AddLine(ctx, "p1", 2, 1)
	require.NoError(t, err)
	views := t1.StockViews()
	require.Len(t, views, 2)
	require.Equal(t, StockView{ProductID: "p1", Catalog: 10, InCart: 2, Visible: 8, Known: true}, views[0])

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(refreshed), 3)
	require.Equal(t, []string{"p1"}, refreshed[len(refreshed)-1])
}

// stockOnlyProvider скрывает ListStock, чтобы проверить загрузку по отслеживаемым товарам.
type stockOnlyProvider struct {
	domain.StockProvider
}

func TestSession_LoadCatalogWithoutLister(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10, "p2": 3})
	provider := stockOnlyProvider{StockProvider: f.stock}

	s, err := NewSession("T1", f.store, provider, admission.NewController(provider, nil))
	require.NoError(t, err)
	s.Watch("p2", "ghost")

	require.NoError(t, s.LoadCatalog(ctx))
	require.Equal(t, 3.0, s.VisibleStock("p2"))
	require.False(t, s.StockView("p1").Known)
	require.False(t, s.StockView("ghost").Known)
}

// failingStock отказывает при списании указанного товара.
type failingStock struct {
	*inventory.MemoryStock
	failOn string
}

func (s failingStock) DecreaseStock(ctx context.Context, productID string, qty float64) error {
	if productID == s.failOn {
		return errors.New("db down")
	}
	return s.MemoryStock.DecreaseStock(ctx, productID, qty)
}

func TestSession_CommitSale(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10, "p2": 5})
	t1 := f.session(t, "T1")

	_, err := t1.AddLine(ctx, "p1", 4, 1)
	require.NoError(t, err)
	_, err = t1.AddLine(ctx, "p2", 1, 1)
	require.NoError(t, err)

	lines, err := t1.CommitSale(ctx)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Empty(t, t1.Cart())
	require.NotContains(t, f.store.LoadAll(ctx), "T1")

	qty, err := f.stock.CommittedStock(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 6.0, qty)

	_, err = t1.CommitSale(ctx)
	require.ErrorIs(t, err, domain.ErrCartEmpty)
}

func TestSession_CommitSaleCompensates(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10, "p2": 5})
	stock := failingStock{MemoryStock: f.stock, failOn: "p2"}

	s, err := NewSession("T1", f.store, stock, admission.NewController(stock, nil))
	require.NoError(t, err)
	_, err = s.AddLine(ctx, "p1", 4, 1)
	require.NoError(t, err)
	_, err = s.AddLine(ctx, "p2", 1, 1)
	require.NoError(t, err)

	_, err = s.CommitSale(ctx)
	require.Error(t, err)

	qty, _ := f.stock.CommittedStock(ctx, "p1")
	require.Equal(t, 10.0, qty, "already decreased stock must be returned")
	require.Len(t, s.Cart(), 2)
	require.Contains(t, f.store.LoadAll(ctx), "T1")
}

// blockingStock держит списание указанного товара до закрытия release.
type blockingStock struct {
	*inventory.MemoryStock
	blockOn string
	entered chan struct{}
	release chan struct{}
}

func (s blockingStock) DecreaseStock(ctx context.Context, productID string, qty float64) error {
	if productID == s.blockOn {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStock.DecreaseStock(ctx, productID, qty)
}

func TestSession_AddLineWaitsForCommitSale(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10, "p2": 10})
	stock := blockingStock{MemoryStock: f.stock, blockOn: "p1", entered: make(chan struct{}), release: make(chan struct{})}

	s, err := NewSession("T1", f.store, stock, admission.NewController(stock, nil))
	require.NoError(t, err)
	_, err = s.AddLine(ctx, "p1", 4, 1)
	require.NoError(t, err)

	type commitResult struct {
		lines []domain.CartLine
		err   error
	}
	committed := make(chan commitResult, 1)
	go func() {
		lines, err := s.CommitSale(ctx)
		committed <- commitResult{lines: lines, err: err}
	}()
	<-stock.entered

	type addResult struct {
		decision domain.Decision
		err      error
	}
	added := make(chan addResult, 1)
	go func() {
		decision, err := s.AddLine(ctx, "p2", 3, 1)
		added <- addResult{decision: decision, err: err}
	}()

	require.Never(t, func() bool { return len(added) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"a cart mutation must wait until the sale is committed")
	close(stock.release)

	sale := <-committed
	require.NoError(t, sale.err)
	require.Len(t, sale.lines, 1)
	require.Equal(t, "p1", sale.lines[0].ProductID)

	add := <-added
	require.NoError(t, add.err)
	require.True(t, add.decision.Accepted)

	cart := s.Cart()
	require.Len(t, cart, 1)
	require.Equal(t, "p2", cart[0].ProductID)
	require.Equal(t, 3.0, cart[0].Quantity)

	doc := f.store.LoadAll(ctx)
	require.Contains(t, doc, "T1")
	require.Len(t, doc["T1"].Cart, 1)
	require.Equal(t, "p2", doc["T1"].Cart[0].ProductID)

	p1, err := f.stock.CommittedStock(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 6.0, p1)
	p2, err := f.stock.CommittedStock(ctx, "p2")
	require.NoError(t, err)
	require.Equal(t, 10.0, p2, "the line added after the sale is not sold")
}

func TestSession_ClearCartWaitsForCommitSale(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10})
	stock := blockingStock{MemoryStock: f.stock, blockOn: "p1", entered: make(chan struct{}), release: make(chan struct{})}

	s, err := NewSession("T1", f.store, stock, admission.NewController(stock, nil))
	require.NoError(t, err)
	_, err = s.AddLine(ctx, "p1", 2, 1)
	require.NoError(t, err)

	committed := make(chan error, 1)
	go func() {
		_, err := s.CommitSale(ctx)
		committed <- err
	}()
	<-stock.entered

	cleared := make(chan struct{})
	go func() {
		s.ClearCart(ctx)
		close(cleared)
	}()

	require.Never(t, func() bool {
		select {
		case <-cleared:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)
	close(stock.release)

	require.NoError(t, <-committed)
	<-cleared
	require.Empty(t, s.Cart())
	require.NotContains(t, f.store.LoadAll(ctx), "T1")
}

func TestSession_MutationsDuringSyncReservations(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 20})
	t1 := f.session(t, "T1")
	t2 := f.session(t, "T2")

	_, err := t2.AddLine(ctx, "p1", 2, 1)
	require.NoError(t, err)
	t1.Watch("p1")

	var (
		wg        sync.WaitGroup
		decisions []domain.Decision
		errs      []error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			t1.SyncReservations(ctx)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			decision, err := t1.AddLine(ctx, "p1", 1, 1)
			decisions = append(decisions, decision)
			errs = append(errs, err)
		}
		decision, err := t1.UpdateLineQuantity(ctx, "p1", 6)
		decisions = append(decisions, decision)
		errs = append(errs, err)
	}()
	wg.Wait()

	for i := range decisions {
		require.NoError(t, errs[i])
		require.True(t, decisions[i].Accepted)
	}

	cart := t1.Cart()
	require.Len(t, cart, 1)
	require.Equal(t, 6.0, cart[0].Quantity)
	require.Equal(t, 6.0, f.store.LoadAll(ctx)["T1"].Cart[0].Quantity)

	t1.SyncReservations(ctx)
	view := t1.StockView("p1")
	require.Equal(t, 2.0, view.ReservedElsewhere)
	require.Equal(t, 6.0, view.InCart)
}

func TestSession_AddLineRejectsDifferentPriceForExistingLine(t *testing.T) {
	ctx := context.Background()
	f := newFleet(map[string]float64{"p1": 10})
	t1 := f.session(t, "T1")

	_, err := t1.AddLine(ctx, "p1", 2, 3)
	require.NoError(t, err)

	decision, err := t1.AddLine(ctx, "p1", 1, 4)
	require.NoError(t, err)
	require.False(t, decision.Accepted)
	require.Equal(t, domain.RejectInvalidPrice, decision.Reason)

	cart := t1.Cart()
	require.Len(t, cart, 1)
	require.Equal(t, 2.0, cart[0].Quantity)
	require.Equal(t, 3.0, cart[0].UnitPrice)
	require.Equal(t, 3.0, f.store.LoadAll(ctx)["T1"].Cart[0].UnitPrice)

	decision, err = t1.UpdateLinePrice(ctx, "p1", 4)
	require.NoError(t, err)
	require.True(t, decision.Accepted)
	decision, err = t1.AddLine(ctx, "p1", 1, 4)
	require.NoError(t, err)
	require.True(t, decision.Accepted)
	require.Equal(t, 12.0, t1.Total())
}
