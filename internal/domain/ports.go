package domain

import (
	"context"
	"time"
)

// SnapshotBackend: хранилище, в котором физически лежит документ снимков.
// Реализации: файл, память, PostgreSQL, удалённый gRPC-сервис.
type SnapshotBackend interface {
	// ReadAll возвращает весь документ. Отсутствие данных: пустой документ без ошибки.
	ReadAll(ctx context.Context) (Document, error)
	// Put записывает снимок терминала, перезаписывая предыдущий.
	Put(ctx context.Context, terminalID string, snapshot Snapshot) error
	// Delete удаляет снимок терминала; отсутствие ключа не ошибка.
	Delete(ctx context.Context, terminalID string) error
}

// StockProvider: авторитетная база остатков (внешний коллаборатор).
type StockProvider interface {
	// CommittedStock возвращает зафиксированный остаток; всегда свежее чтение.
	CommittedStock(ctx context.Context, productID string) (float64, error)
	// DecreaseStock списывает остаток при проведении продажи.
	DecreaseStock(ctx context.Context, productID string, qty float64) error
	// IncreaseStock возвращает остаток при отмене продажи.
	IncreaseStock(ctx context.Context, productID string, qty float64) error
}

// StockLister опционально реализуется StockProvider для загрузки всего каталога разом.
type StockLister interface {
	ListStock(ctx context.Context) (map[string]float64, error)
}

// SettingsProvider отдаёт настройки, которые оператор может менять между продажами.
type SettingsProvider interface {
	// AllowNegativeStock читается при каждом решении admission control.
	AllowNegativeStock(ctx context.Context) (bool, error)
}

// ChangeKind: тип изменения снимка.
type ChangeKind string

const (
	ChangeSaved   ChangeKind = "snapshot.saved"
	ChangeDeleted ChangeKind = "snapshot.deleted"
)

// SnapshotChange: уведомление о том, что терминал изменил свой снимок.
type SnapshotChange struct {
	ID         string     `json:"id"`
	Kind       ChangeKind `json:"kind"`
	TerminalID string     `json:"terminal_id"`
	SessionID  string     `json:"session_id,omitempty"`
	At         time.Time  `json:"at"`
}

// ChangeNotifier публикует уведомления об изменениях снимков (подсказка для досрочного опроса).
type ChangeNotifier interface {
	NotifyChange(ctx context.Context, change SnapshotChange) error
}
