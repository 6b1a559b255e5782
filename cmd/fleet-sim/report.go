package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type operationReport struct {
	Calls     int64            `json:"calls"`
	Accepted  int64            `json:"accepted"`
	Rejected  int64            `json:"rejected"`
	Errors    int64            `json:"errors"`
	Reasons   map[string]int64 `json:"reasons,omitempty"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type productReport struct {
	InitialStock float64 `json:"initial_stock"`
	FinalStock   float64 `json:"final_stock"`
	Reserved     float64 `json:"reserved"`
	Sold         float64 `json:"sold"`
	Oversold     float64 `json:"oversold"`
}

type report struct {
	StartedAt       time.Time                  `json:"started_at"`
	DurationSeconds float64                    `json:"duration_seconds"`
	Store           string                     `json:"store"`
	Terminals       int                        `json:"terminals"`
	OpsPerSecond    float64                    `json:"ops_per_second"`
	Operations      map[string]operationReport `json:"operations"`
	Products        map[string]productReport   `json:"products"`
	OversoldUnits   float64                    `json:"oversold_units"`
}

type opStats struct {
	calls     int64
	accepted  int64
	rejected  int64
	errors    int64
	reasons   map[string]int64
	latencies []float64
}

// collector собирает результаты операций всех терминалов.
type collector struct {
	mu  sync.Mutex
	ops map[string]*opStats
}

func newCollector() *collector {
	return &collector{ops: make(map[string]*opStats)}
}

func (c *collector) record(op string, latency time.Duration, accepted bool, reason string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.ops[op]
	if !ok {
		stats = &opStats{reasons: make(map[string]int64)}
		c.ops[op] = stats
	}
	stats.calls++
	switch {
	case err != nil:
		stats.errors++
	case accepted:
		stats.accepted++
	default:
		stats.rejected++
		stats.reasons[reason]++
	}
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) operations() (map[string]operationReport, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]operationReport, len(c.ops))
	var total int64
	for name, stats := range c.ops {
		reasons := make(map[string]int64, len(stats.reasons))
		for reason, count := range stats.reasons {
			reasons[reason] = count
		}
		out[name] = operationReport{
			Calls:     stats.calls,
			Accepted:  stats.accepted,
			Rejected:  stats.rejected,
			Errors:    stats.errors,
			Reasons:   reasons,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
		total += stats.calls
	}
	return out, total
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local simulation reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report) {
	_, _ = fmt.Fprintln(w, "Fleet simulation summary")
	_, _ = fmt.Fprintf(w, "store=%s terminals=%d duration=%.2fs ops/s=%.2f oversold_units=%g\n",
		result.Store, result.Terminals, result.DurationSeconds, result.OpsPerSecond, result.OversoldUnits)

	names := make([]string, 0, len(result.Operations))
	for name := range result.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		op := result.Operations[name]
		_, _ = fmt.Fprintf(w, "%s: calls=%d accepted=%d rejected=%d errors=%d p95=%.2fms\n",
			name, op.Calls, op.Accepted, op.Rejected, op.Errors, op.LatencyMs.P95)
	}

	products := make([]string, 0, len(result.Products))
	for id := range result.Products {
		products = append(products, id)
	}
	sort.Strings(products)
	for _, id := range products {
		p := result.Products[id]
		_, _ = fmt.Fprintf(w, "product %s: initial=%g sold=%g reserved=%g final_stock=%g oversold=%g\n",
			id, p.InitialStock, p.Sold, p.Reserved, p.FinalStock, p.Oversold)
	}
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}
