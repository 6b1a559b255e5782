// Command terminal запускает кассу с общим резервированием остатков и содержит
// административные команды для общего хранилища снимков.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/vladislavdragonenkov/posreserve/internal/app"
	"github.com/vladislavdragonenkov/posreserve/internal/config"
	"github.com/vladislavdragonenkov/posreserve/internal/domain"
	"github.com/vladislavdragonenkov/posreserve/internal/reservation"
	"github.com/vladislavdragonenkov/posreserve/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		log.WithError(err).Fatal("terminal exited with error")
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "pos-terminal",
		Usage:   "POS terminal with cross-terminal stock reservation",
		Version: version.GetVersion(),
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "dotenv file with POS_* settings"},
			&cli.StringFlag{Name: "terminal-id", Usage: "overrides POS_TERMINAL_ID"},
			&cli.StringFlag{Name: "log-level", Usage: "overrides POS_LOG_LEVEL"},
		},
		Action: runCommand,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "serve the terminal HTTP API until interrupted",
				Action: runCommand,
			},
			{
				Name:      "reset",
				Usage:     "delete the snapshot of a terminal from the shared store",
				ArgsUsage: "[terminal-id]",
				Action:    resetCommand,
			},
			{
				Name:  "inspect",
				Usage: "print the carts held in the shared store",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "print the raw snapshot document"},
					&cli.DurationFlag{Name: "stale-after", Usage: "mark terminals without heartbeat for this long (default POS_STALE_AFTER)"},
				},
				Action: inspectCommand,
			},
		},
	}
}

// loadConfig читает конфигурацию и применяет глобальные флаги.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return cfg, err
	}
	if id := strings.TrimSpace(c.String("terminal-id")); id != "" {
		cfg.TerminalID = id
	}
	if level := strings.TrimSpace(c.String("log-level")); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}
	cfg.ConfigureLogger()
	return cfg, nil
}

func runCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"terminal_id":  cfg.TerminalID,
		"store_driver": cfg.StoreDriver,
		"http_addr":    cfg.HTTPAddr,
	}).Info("starting terminal")

	if err := app.RunTerminal(c.Context, cfg); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("terminal stopped")
	return nil
}

func resetCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	id := strings.TrimSpace(c.Args().First())
	if id == "" {
		id = cfg.TerminalID
	}
	if id == "" {
		return app.ErrTerminalIDRequired
	}

	store, release, err := app.OpenSnapshotStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer release()

	if err := store.DeleteSnapshot(c.Context, id); err != nil {
		return fmt.Errorf("reset %s: %w", id, err)
	}
	_, _ = fmt.Fprintf(c.App.Writer, "snapshot of %s removed\n", id)
	return nil
}

func inspectCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, release, err := app.OpenSnapshotStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer release()

	doc := store.LoadAll(c.Context)
	if _, err := store.LastFailure(); err != nil {
		return fmt.Errorf("read snapshot document: %w", err)
	}

	if c.Bool("json") {
		encoder := json.NewEncoder(c.App.Writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	}

	staleAfter := cfg.StaleAfter
	if c.IsSet("stale-after") {
		staleAfter = c.Duration("stale-after")
	}
	printDocument(c.App.Writer, doc, time.Now(), staleAfter)
	return nil
}

// printDocument печатает корзины по терминалам и суммарный резерв по товарам.
func printDocument(w io.Writer, doc domain.Document, now time.Time, staleAfter time.Duration) {
	if len(doc) == 0 {
		_, _ = fmt.Fprintln(w, "no snapshots")
		return
	}

	stale := make(map[string]bool)
	for _, id := range reservation.Stale(doc, now, staleAfter) {
		stale[id] = true
	}

	terminals := make([]string, 0, len(doc))
	productSet := make(map[string]struct{})
	for id, snap := range doc {
		terminals = append(terminals, id)
		for _, line := range snap.Cart {
			if pid := domain.NormalizeProductID(line.ProductID); pid != "" {
				productSet[pid] = struct{}{}
			}
		}
	}
	sort.Strings(terminals)
	products := make([]string, 0, len(productSet))
	for id := range productSet {
		products = append(products, id)
	}
	sort.Strings(products)

	for _, id := range terminals {
		snap := doc[id]
		mark := ""
		if stale[id] {
			mark = " [stale]"
		}
		updated := "-"
		if !snap.UpdatedAt.IsZero() {
			updated = snap.UpdatedAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s%s session=%s updated=%s lines=%d total=%g\n",
			id, mark, snap.SessionID, updated, len(snap.Cart), snap.Total)
		for _, pid := range products {
			if held := reservation.HeldBy(snap, pid); held > 0 {
				_, _ = fmt.Fprintf(w, "  %s: %g\n", pid, held)
			}
		}
	}

	fresh := reservation.Fresh(doc, now, staleAfter)
	totals := reservation.ReservedByProduct(fresh, products, "")
	_, _ = fmt.Fprintln(w, "reserved by product:")
	for _, pid := range products {
		_, _ = fmt.Fprintf(w, "  %s: %g\n", pid, totals[pid])
	}
}
