// Package health отдаёт HTTP-пробы процесса: сводку /healthz, /livez и /readyz.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status: состояние компонента.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded: компонент отказывает, но процесс продолжает работу (например, чтение снимков
	// вернуло пустой документ). Readiness такой статус не роняет.
	StatusDegraded Status = "degraded"
)

const defaultCheckTimeout = 2 * time.Second

// Check: результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response: тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Service       string           `json:"service,omitempty"`
	Instance      string           `json:"instance,omitempty"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler агрегирует проверки.
type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	service   string
	instance  string
	version   string
	timeout   time.Duration
	startTime time.Time
}

// NewHandler создаёт обработчик. instance: идентификатор терминала или адрес сервера.
func NewHandler(service, instance, version string) *Handler {
	return &Handler{
		checkers:  make(map[string]Checker),
		service:   service,
		instance:  instance,
		version:   version,
		timeout:   defaultCheckTimeout,
		startTime: time.Now(),
	}
}

// RegisterChecker добавляет или заменяет проверку.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Run выполняет все проверки и сводит статус.
func (h *Handler) Run(ctx context.Context) Response {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	checks := make(map[string]Check)
	overall := StatusHealthy
	for _, name := range h.names() {
		check := h.checker(name).Check(ctx)
		checks[name] = check
		overall = worse(overall, check.Status)
	}

	return Response{
		Status:        overall,
		Timestamp:     time.Now().UTC(),
		Service:       h.service,
		Instance:      h.instance,
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
}

// ServeHTTP отдаёт сводку в JSON; 503 только при unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Run(r.Context())

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler всегда отвечает 200.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler отвечает 503, если хотя бы одна проверка unhealthy.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.Run(r.Context()).Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h *Handler) names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Handler) checker(name string) Checker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.checkers[name]
}

func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusUnhealthy:
			return 2
		case StatusDegraded:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// FuncChecker оборачивает функцию проверки. Ошибка переводится в failStatus.
type FuncChecker struct {
	name       string
	failStatus Status
	checkFn    func(ctx context.Context) error
}

// NewSimpleChecker проверяет критичный компонент, ошибка делает процесс unhealthy.
func NewSimpleChecker(name string, checkFn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, failStatus: StatusUnhealthy, checkFn: checkFn}
}

// NewDegradedChecker: проверка компонента, без которого процесс работает в деградированном режиме.
func NewDegradedChecker(name string, checkFn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, failStatus: StatusDegraded, checkFn: checkFn}
}

// Check выполняет проверку.
func (c *FuncChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.checkFn(ctx)
	check := Check{
		Name:       c.name,
		Status:     StatusHealthy,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		check.Status = c.failStatus
		check.Message = err.Error()
	}
	return check
}
