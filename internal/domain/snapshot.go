package domain

import (
	"encoding/json"
	"time"
)

// Ключи снимка терминала верхнего уровня.
const (
	snapshotFieldCart      = "cart"
	snapshotFieldTotal     = "total"
	snapshotFieldSessionID = "session_id"
	snapshotFieldUpdatedAt = "updated_at"
)

// Snapshot хранит состояние сессии одного терминала (корзина и служебные поля).
type Snapshot struct {
	Cart      []CartLine
	Total     float64
	SessionID string
	// UpdatedAt обновляется при каждой записи и служит heartbeat-меткой.
	UpdatedAt time.Time
	// Extra: непрозрачные поля UI (выбранный клиент, черновик оплаты и т.п.).
	Extra map[string]json.RawMessage
}

// IsReservedField сообщает, что ключ принадлежит движку и не может быть задан как поле сессии.
func IsReservedField(key string) bool {
	switch key {
	case snapshotFieldCart, snapshotFieldTotal, snapshotFieldSessionID, snapshotFieldUpdatedAt:
		return true
	default:
		return false
	}
}

// Clone возвращает глубокую копию снимка.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Cart != nil {
		out.Cart = make([]CartLine, len(s.Cart))
		for i, line := range s.Cart {
			out.Cart[i] = line.Clone()
		}
	}
	out.Extra = cloneRawFields(s.Extra)
	return out
}

// IsEmpty возвращает true, если в корзине нет позиций.
func (s Snapshot) IsEmpty() bool {
	return len(s.Cart) == 0
}

// MarshalJSON сериализует снимок, сохраняя непрозрачные поля.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := cloneRawFields(s.Extra)
	if out == nil {
		out = make(map[string]json.RawMessage, 4)
	}

	cart := s.Cart
	if cart == nil {
		cart = []CartLine{}
	}
	if err := putField(out, snapshotFieldCart, cart); err != nil {
		return nil, err
	}
	if err := putField(out, snapshotFieldTotal, s.Total); err != nil {
		return nil, err
	}
	if s.SessionID != "" {
		if err := putField(out, snapshotFieldSessionID, s.SessionID); err != nil {
			return nil, err
		}
	}
	if !s.UpdatedAt.IsZero() {
		if err := putField(out, snapshotFieldUpdatedAt, s.UpdatedAt.UTC()); err != nil {
			return nil, err
		}
	}

	return json.Marshal(out)
}

// UnmarshalJSON разбирает снимок. Нераспознанная корзина трактуется как пустая,
// некорректные элементы корзины пропускаются.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*s = Snapshot{}
	if raw, ok := fields[snapshotFieldCart]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err == nil {
			for _, item := range items {
				var line CartLine
				if err := json.Unmarshal(item, &line); err != nil {
					continue
				}
				s.Cart = append(s.Cart, line)
			}
		}
		delete(fields, snapshotFieldCart)
	}
	if raw, ok := fields[snapshotFieldTotal]; ok {
		if total, ok := ParseNumber(raw); ok {
			s.Total = total
		}
		delete(fields, snapshotFieldTotal)
	}
	if raw, ok := fields[snapshotFieldSessionID]; ok {
		_ = json.Unmarshal(raw, &s.SessionID)
		delete(fields, snapshotFieldSessionID)
	}
	if raw, ok := fields[snapshotFieldUpdatedAt]; ok {
		var ts time.Time
		if err := json.Unmarshal(raw, &ts); err == nil {
			s.UpdatedAt = ts.UTC()
		}
		delete(fields, snapshotFieldUpdatedAt)
	}

	if len(fields) > 0 {
		s.Extra = fields
	}
	return nil
}

// Document содержит всё разделяемое состояние, снимки по идентификатору терминала.
// Отсутствие ключа эквивалентно пустой корзине.
type Document map[string]Snapshot

// Clone возвращает глубокую копию документа.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for id, snap := range d {
		out[id] = snap.Clone()
	}
	return out
}

// UnmarshalJSON разбирает документ; снимки, которые нельзя разобрать, пропускаются,
// чтобы повреждённые данные одного терминала не ломали чтение остальных.
func (d *Document) UnmarshalJSON(data []byte) error {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	out := make(Document, len(entries))
	for terminalID, raw := range entries {
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			continue
		}
		out[terminalID] = snap
	}
	*d = out
	return nil
}
