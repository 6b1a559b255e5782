// Package kafka доставляет уведомления об изменениях снимков между терминалами.
// Уведомление только подсказывает терминалу опросить хранилище раньше срока; источником истины остаётся хранилище.
package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

// TopicSnapshotEvents: топик по умолчанию.
const TopicSnapshotEvents = "pos.snapshot.events"

// Заголовки сообщения.
const (
	HeaderEventKind = "x-event-kind"
	HeaderChangeID  = "x-change-id"
)

// Message: исходящее сообщение.
type Message struct {
	Topic   string
	Key     string
	Headers map[string]string
	Value   []byte
}

func encodeChange(topic string, change domain.SnapshotChange) (Message, error) {
	body, err := json.Marshal(change)
	if err != nil {
		return Message{}, fmt.Errorf("encode snapshot change: %w", err)
	}
	return Message{
		Topic: topic,
		Key:   change.TerminalID,
		Headers: map[string]string{
			HeaderEventKind: string(change.Kind),
			HeaderChangeID:  change.ID,
		},
		Value: body,
	}, nil
}

// DecodeChange разбирает уведомление. Недостающие в теле терминал и тип берутся из ключа и заголовка.
func DecodeChange(msg *sarama.ConsumerMessage) (domain.SnapshotChange, error) {
	var change domain.SnapshotChange
	if err := json.Unmarshal(msg.Value, &change); err != nil {
		return domain.SnapshotChange{}, fmt.Errorf("decode snapshot change: %w", err)
	}
	if change.TerminalID == "" {
		change.TerminalID = string(msg.Key)
	}
	if change.Kind == "" {
		for _, h := range msg.Headers {
			if h != nil && string(h.Key) == HeaderEventKind {
				change.Kind = domain.ChangeKind(h.Value)
			}
		}
	}
	return change, nil
}
