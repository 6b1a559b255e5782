// Команда migrate управляет схемой PostgreSQL и начальными остатками товаров.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/posreserve/internal/service/inventory"
	"github.com/vladislavdragonenkov/posreserve/internal/storage/postgres"
)

const commandTimeout = 30 * time.Second

type options struct {
	action  string
	steps   int
	dsn     string
	catalog string
}

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	opts, err := parseOptions(args)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open postgres store: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := run(ctx, store, stdout, opts); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func parseOptions(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.action, "direction", "up", "action: up|down|status|seed")
	fs.IntVar(&opts.steps, "steps", 0, "migrations to apply (0=all) or roll back (0=1)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: POS_POSTGRES_DSN)")
	fs.StringVar(&opts.catalog, "catalog", "", "JSON catalog {\"product_id\": qty} for -direction=seed")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.action = strings.ToLower(strings.TrimSpace(opts.action))
	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		opts.dsn = strings.TrimSpace(os.Getenv("POS_POSTGRES_DSN"))
	}
	if opts.dsn == "" {
		return options{}, errors.New("POS_POSTGRES_DSN (or -dsn) is required")
	}
	if opts.steps < 0 {
		return options{}, fmt.Errorf("-steps must be >= 0, got %d", opts.steps)
	}
	return opts, nil
}

func run(ctx context.Context, store *postgres.Store, out io.Writer, opts options) error {
	switch opts.action {
	case "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		if err := store.MigrateDown(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	case "status":
	case "seed":
		return seed(ctx, store, out, opts.catalog)
	default:
		return fmt.Errorf("unsupported direction %q (use up|down|status|seed)", opts.action)
	}
	return printStatus(ctx, store, out, opts.action)
}

func printStatus(ctx context.Context, store *postgres.Store, out io.Writer, action string) error {
	state, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	_, _ = fmt.Fprintf(out, "%s: version=%d applied=%d pending=%d\n", action, state.Version, state.Applied, state.Pending)
	if len(state.Drifted) > 0 {
		_, _ = fmt.Fprintf(out, "WARNING: applied migrations changed since apply: %v\n", state.Drifted)
	}
	return nil
}

// seed переносит каталог в product_stock; существующие остатки перезаписываются.
func seed(ctx context.Context, store *postgres.Store, out io.Writer, catalog string) error {
	if strings.TrimSpace(catalog) == "" {
		return errors.New("-catalog is required for seed")
	}
	source, err := inventory.LoadCatalogFile(catalog)
	if err != nil {
		return err
	}
	stock, err := source.ListStock(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(stock))
	for id := range stock {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	repo := postgres.NewStockRepository(store)
	for _, id := range ids {
		if err := repo.SetStock(ctx, id, stock[id]); err != nil {
			return fmt.Errorf("seed %s: %w", id, err)
		}
	}
	_, _ = fmt.Fprintf(out, "seed: products=%d\n", len(ids))
	return nil
}
