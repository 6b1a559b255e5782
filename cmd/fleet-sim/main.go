// Command fleet-sim запускает несколько сессий касс в одном процессе поверх общего хранилища
// снимков и проверяет, что конкурентные корзины не продают больше, чем есть на складе.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
	"github.com/vladislavdragonenkov/posreserve/internal/reservation"
	"github.com/vladislavdragonenkov/posreserve/internal/service/admission"
	"github.com/vladislavdragonenkov/posreserve/internal/service/inventory"
	"github.com/vladislavdragonenkov/posreserve/internal/service/settings"
	"github.com/vladislavdragonenkov/posreserve/internal/service/terminal"
	"github.com/vladislavdragonenkov/posreserve/internal/storage"
	"github.com/vladislavdragonenkov/posreserve/internal/storage/file"
	"github.com/vladislavdragonenkov/posreserve/internal/storage/memory"
	"github.com/vladislavdragonenkov/posreserve/internal/storage/remote"
)

const (
	storeMemory = "memory"
	storeFile   = "file"
	storeRemote = "remote"

	opAdd    = "add_line"
	opRemove = "remove_line"
	opCommit = "commit_sale"
)

type config struct {
	terminals     int
	operations    int
	products      map[string]float64
	maxQty        int
	commitRate    int
	removeRate    int
	allowNegative bool
	store         string
	stateFile     string
	storeAddr     string
	seed          int64
	outputPath    string
	logLevel      string
}

func parseConfig(args []string) (config, error) {
	cfg := config{}
	var productsValue string

	fs := flag.NewFlagSet("fleet-sim", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&cfg.terminals, "terminals", 8, "number of concurrent terminal sessions")
	fs.IntVar(&cfg.operations, "operations", 200, "cart operations per terminal")
	fs.StringVar(&productsValue, "products", "p1=20,p2=10,p3=5", "catalog as id=qty pairs separated by commas")
	fs.IntVar(&cfg.maxQty, "max-qty", 3, "max quantity per add operation")
	fs.IntVar(&cfg.commitRate, "commit-rate", 10, "commit probability in percent (0..100)")
	fs.IntVar(&cfg.removeRate, "remove-rate", 15, "remove-line probability in percent (0..100)")
	fs.BoolVar(&cfg.allowNegative, "allow-negative", false, "admit lines beyond available stock")
	fs.StringVar(&cfg.store, "store", storeFile, "shared store: memory | file | remote")
	fs.StringVar(&cfg.stateFile, "state-file", "fleet_sessions.json", "shared snapshot file for -store=file")
	fs.StringVar(&cfg.storeAddr, "store-addr", "localhost:50061", "snapshot store gRPC address for -store=remote")
	fs.Int64Var(&cfg.seed, "seed", 1, "random seed; terminal i uses seed+i")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	fs.StringVar(&cfg.logLevel, "log-level", "warning", "log level")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	products, err := parseProducts(productsValue)
	if err != nil {
		return cfg, err
	}
	cfg.products = products

	if cfg.terminals <= 0 {
		return cfg, errors.New("terminals must be > 0")
	}
	if cfg.operations <= 0 {
		return cfg, errors.New("operations must be > 0")
	}
	if cfg.maxQty <= 0 {
		return cfg, errors.New("max-qty must be > 0")
	}
	if cfg.commitRate < 0 || cfg.removeRate < 0 || cfg.commitRate+cfg.removeRate > 100 {
		return cfg, errors.New("commit-rate and remove-rate must be >= 0 and sum to at most 100")
	}
	switch cfg.store {
	case storeMemory, storeRemote:
	case storeFile:
		if strings.TrimSpace(cfg.stateFile) == "" {
			return cfg, errors.New("state-file is required for file store")
		}
	default:
		return cfg, fmt.Errorf("unsupported store: %s", cfg.store)
	}
	return cfg, nil
}

func parseProducts(value string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, raw, ok := strings.Cut(pair, "=")
		id = domain.NormalizeProductID(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid product %q: want id=qty", pair)
		}
		qty, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || qty < 0 {
			return nil, fmt.Errorf("invalid stock for %s: %q", id, raw)
		}
		out[id] = qty
	}
	if len(out) == 0 {
		return nil, errors.New("at least one product is required")
	}
	return out, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}
	if level, err := log.ParseLevel(cfg.logLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := run(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "simulation failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.OversoldUnits > 0 && !cfg.allowNegative {
		os.Exit(1)
	}
}

// fleet: терминалы симуляции и общие для них зависимости.
type fleet struct {
	stock    *inventory.MemoryStock
	sessions []*terminal.Session
	observer *storage.Store
	closers  []func() error
}

func (f *fleet) close() {
	for i := len(f.closers) - 1; i >= 0; i-- {
		_ = f.closers[i]()
	}
}

// backendFactory возвращает backend для очередного терминала. Терминалы одного процесса
// делят файловый backend, как делят его сессии одного хоста; для remote каждый терминал
// открывает собственное соединение.
func backendFactory(cfg config, logger *log.Entry) (func() (domain.SnapshotBackend, func() error, error), error) {
	noop := func() error { return nil }
	var shared domain.SnapshotBackend
	switch cfg.store {
	case storeMemory:
		shared = memory.NewSnapshotBackend()
	case storeFile:
		shared = file.NewSnapshotBackend(cfg.stateFile, logger)
	case storeRemote:
		return func() (domain.SnapshotBackend, func() error, error) {
			backend, err := remote.Dial(cfg.storeAddr, remote.WithLogger(logger))
			if err != nil {
				return nil, nil, err
			}
			return backend, backend.Close, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported store: %s", cfg.store)
	}
	return func() (domain.SnapshotBackend, func() error, error) { return shared, noop, nil }, nil
}

func buildFleet(ctx context.Context, cfg config) (*fleet, error) {
	logger := log.WithField("component", "fleet-sim")
	next, err := backendFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	f := &fleet{stock: inventory.NewMemoryStock(cfg.products)}
	gate := admission.NewController(f.stock, settings.NewStatic(cfg.allowNegative), admission.WithLogger(logger))
	retry := storage.RetryConfig{MaxAttempts: 5, InitialDelay: 5 * time.Millisecond, MaxDelay: 40 * time.Millisecond, BackoffFactor: 2}

	newStore := func() (*storage.Store, error) {
		backend, closeFn, err := next()
		if err != nil {
			return nil, err
		}
		f.closers = append(f.closers, closeFn)
		return storage.NewStore(backend, storage.WithLogger(logger), storage.WithRetryConfig(retry)), nil
	}

	for i := 0; i < cfg.terminals; i++ {
		store, err := newStore()
		if err != nil {
			f.close()
			return nil, fmt.Errorf("open store for terminal %d: %w", i+1, err)
		}
		id := fmt.Sprintf("SIM-%02d", i+1)
		session, err := terminal.NewSession(id, store, f.stock, gate, terminal.WithLogger(logger))
		if err != nil {
			f.close()
			return nil, err
		}
		session.ClearCart(ctx)
		if err := session.LoadCatalog(ctx); err != nil {
			f.close()
			return nil, fmt.Errorf("load catalog for %s: %w", id, err)
		}
		f.sessions = append(f.sessions, session)
	}

	observer, err := newStore()
	if err != nil {
		f.close()
		return nil, err
	}
	f.observer = observer
	return f, nil
}

func run(ctx context.Context, cfg config) (report, error) {
	f, err := buildFleet(ctx, cfg)
	if err != nil {
		return report{}, err
	}
	defer f.close()

	productIDs := make([]string, 0, len(cfg.products))
	for id := range cfg.products {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	col := newCollector()
	startedAt := time.Now()

	var wg sync.WaitGroup
	for i, session := range f.sessions {
		wg.Add(1)
		go func(idx int, s *terminal.Session) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(cfg.seed + int64(idx)))
			for op := 0; op < cfg.operations; op++ {
				if ctx.Err() != nil {
					return
				}
				runOperation(ctx, s, rng, cfg, productIDs, col)
			}
		}(i, session)
	}
	wg.Wait()

	duration := time.Since(startedAt)
	ops, total := col.operations()
	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Store:           cfg.store,
		Terminals:       cfg.terminals,
		Operations:      ops,
	}
	if duration > 0 {
		result.OpsPerSecond = float64(total) / duration.Seconds()
	}

	products, oversold, err := auditStock(ctx, f, cfg.products, productIDs)
	if err != nil {
		return result, err
	}
	result.Products = products
	result.OversoldUnits = oversold
	return result, ctx.Err()
}

func runOperation(ctx context.Context, s *terminal.Session, rng *rand.Rand, cfg config, productIDs []string, col *collector) {
	roll := rng.Intn(100)
	productID := productIDs[rng.Intn(len(productIDs))]
	started := time.Now()

	switch {
	case roll < cfg.commitRate:
		_, err := s.CommitSale(ctx)
		if errors.Is(err, domain.ErrCartEmpty) {
			col.record(opCommit, time.Since(started), false, "cart_empty", nil)
			return
		}
		col.record(opCommit, time.Since(started), err == nil, "", err)
	case roll < cfg.commitRate+cfg.removeRate:
		decision, err := s.RemoveLine(ctx, productID)
		col.record(opRemove, time.Since(started), decision.Accepted, string(decision.Reason), err)
	default:
		qty := float64(1 + rng.Intn(cfg.maxQty))
		decision, err := s.AddLine(ctx, productID, qty, 1)
		col.record(opAdd, time.Since(started), decision.Accepted, string(decision.Reason), err)
	}
}

// auditStock сверяет итоговые корзины и проданное с начальными остатками.
// Превышение резерва над оставшимся остатком и уход остатка в минус считаются перепродажей.
func auditStock(ctx context.Context, f *fleet, initial map[string]float64, productIDs []string) (map[string]productReport, float64, error) {
	final, err := f.stock.ListStock(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list stock: %w", err)
	}
	reserved := reservation.ReservedByProduct(f.observer.LoadAll(ctx), productIDs, "")

	out := make(map[string]productReport, len(productIDs))
	var oversold float64
	for _, id := range productIDs {
		p := productReport{
			InitialStock: initial[id],
			FinalStock:   final[id],
			Reserved:     reserved[id],
			Sold:         initial[id] - final[id],
		}
		if excess := p.Reserved - p.FinalStock; excess > 0 {
			p.Oversold = excess
		}
		oversold += p.Oversold
		out[id] = p
	}
	return out, oversold, nil
}
