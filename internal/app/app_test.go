package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/posreserve/internal/config"
	"github.com/vladislavdragonenkov/posreserve/internal/domain"
	"github.com/vladislavdragonenkov/posreserve/internal/storage/remote"
)

func init() {
	log.SetLevel(log.PanicLevel)
}

func testTerminalConfig(t *testing.T, terminalID string) config.Config {
	t.Helper()
	dir := t.TempDir()
	catalog := filepath.Join(dir, "catalog.json")
	require.NoError(t, os.WriteFile(catalog, []byte(`{"p1": 10, "p2": 2}`), 0o644))

	cfg := config.DefaultConfig()
	cfg.TerminalID = terminalID
	cfg.StateFile = filepath.Join(dir, "pos_sessions.json")
	cfg.CatalogFile = catalog
	cfg.SettingsSource = config.SourceMemory
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.PollInterval = 20 * time.Millisecond
	return cfg
}

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis
}

func TestRunTerminal_GracefulShutdown(t *testing.T) {
	cfg := testTerminalConfig(t, "T1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := RunTerminal(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBuildTerminal_Validation(t *testing.T) {
	cfg := testTerminalConfig(t, " ")
	_, err := BuildTerminal(context.Background(), cfg)
	require.ErrorIs(t, err, ErrTerminalIDRequired)

	cfg = testTerminalConfig(t, "T1")
	cfg.StoreDriver = "invalid-driver"
	_, err = BuildTerminal(context.Background(), cfg)
	require.ErrorIs(t, err, config.ErrUnknownStoreDriver)

	cfg = testTerminalConfig(t, "T1")
	cfg.CatalogFile = filepath.Join(t.TempDir(), "absent.json")
	_, err = BuildTerminal(context.Background(), cfg)
	require.Error(t, err)
}

func TestTerminal_ServesAPIOverSharedFile(t *testing.T) {
	cfg1 := testTerminalConfig(t, "T1")
	cfg2 := cfg1
	cfg2.TerminalID = "T2"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t1, err := BuildTerminal(ctx, cfg1)
	require.NoError(t, err)
	defer t1.Close()
	t2, err := BuildTerminal(ctx, cfg2)
	require.NoError(t, err)
	defer t2.Close()

	lis1 := listenLocal(t)
	t1.Start(ctx)
	t2.Start(ctx)
	t2.Session.Watch("p1")

	done := make(chan error, 1)
	go func() { done <- t1.Serve(ctx, lis1) }()

	body, _ := json.Marshal(map[string]interface{}{"product_id": "p1", "quantity": 4, "unit_price": 1})
	url := "http://" + lis1.Addr().String() + "/api/v1/cart/lines"

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Post(url, "application/json", bytes.NewReader(body))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	raw, err := os.ReadFile(cfg1.StateFile)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"T1"`)

	t2.Session.SyncReservations(ctx)
	require.Equal(t, 6.0, t2.Session.VisibleStock("p1"))

	decision, err := t2.Session.AddLine(ctx, "p1", 7, 1)
	require.NoError(t, err)
	require.False(t, decision.Accepted)

	metricsResp, err := http.Get("http://" + lis1.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestTerminal_RestoreOnStart(t *testing.T) {
	cfg := testTerminalConfig(t, "T1")
	require.NoError(t, os.WriteFile(cfg.StateFile, []byte(`{"T1": {"cart": [{"id": "p1", "quantity": 3, "price": 2}], "total": 6}}`), 0o644))

	term, err := BuildTerminal(context.Background(), cfg)
	require.NoError(t, err)
	defer term.Close()

	term.Start(context.Background())
	require.Len(t, term.Session.Cart(), 1)
	require.Equal(t, 7.0, term.Session.VisibleStock("p1"))
}

func TestTerminal_OverwriteOnStart(t *testing.T) {
	cfg := testTerminalConfig(t, "T1")
	cfg.RestoreOnStart = false
	require.NoError(t, os.WriteFile(cfg.StateFile, []byte(`{"T1": {"cart": [{"id": "p1", "quantity": 3}]}, "T2": {"cart": []}}`), 0o644))

	term, err := BuildTerminal(context.Background(), cfg)
	require.NoError(t, err)
	defer term.Close()

	term.Start(context.Background())
	require.Empty(t, term.Session.Cart())
	doc := term.Store.LoadAll(context.Background())
	require.NotContains(t, doc, "T1")
	require.Contains(t, doc, "T2")
}

func TestStoreServer_RemoteTerminals(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StoreDriver = config.StoreDriverMemory
	cfg.GRPCAddr = "127.0.0.1:0"

	server, err := BuildStoreServer(context.Background(), cfg)
	require.NoError(t, err)
	defer server.Close()

	grpcLis := listenLocal(t)
	metricsLis := listenLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, grpcLis, metricsLis) }()

	backend, err := remote.Dial(grpcLis.Addr().String())
	require.NoError(t, err)
	defer backend.Close()

	require.Eventually(t, func() bool {
		return backend.Put(context.Background(), "T1", domain.Snapshot{Cart: []domain.CartLine{{ProductID: "p1", Quantity: 2}}}) == nil
	}, 2*time.Second, 20*time.Millisecond)

	doc, err := backend.ReadAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2.0, doc["T1"].Cart[0].Quantity)

	resp, err := http.Get("http://" + metricsLis.Addr().String() + "/metrics")
	require.NoError(t, err)
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)
	_ = resp.Body.Close()
	require.True(t, strings.Contains(buf.String(), "grpc_server_handled_total"))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestBuildStoreServer_RejectsRemoteDriver(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StoreDriver = config.StoreDriverRemote
	_, err := BuildStoreServer(context.Background(), cfg)
	require.ErrorIs(t, err, ErrRemoteDriverLoop)
}

func TestTerminal_Postgres(t *testing.T) {
	dsn := os.Getenv("POS_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := testTerminalConfig(t, "T-pg")
	cfg.StoreDriver = config.StoreDriverPostgres
	cfg.StockSource = config.SourcePostgres
	cfg.SettingsSource = config.SourcePostgres
	cfg.PostgresDSN = dsn

	term, err := BuildTerminal(context.Background(), cfg)
	require.NoError(t, err)
	defer term.Close()

	term.Start(context.Background())
	decision, err := term.Session.AddLine(context.Background(), "pg-missing-product", 1, 1)
	require.NoError(t, err)
	require.Equal(t, domain.RejectUnknownProduct, decision.Reason)
}
