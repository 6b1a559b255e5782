package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

// Producer синхронно отправляет сообщения в Kafka.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

// NewProducer подключается к брокерам.
func NewProducer(brokers []string, opts ...Option) (*Producer, error) {
	o := applyOptions("kafka-producer", opts)
	sp, err := sarama.NewSyncProducer(brokers, producerConfig(o))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newProducer(sp, o), nil
}

func newProducer(sp sarama.SyncProducer, o clientOptions) *Producer {
	return &Producer{sync: sp, logger: o.logger, now: time.Now}
}

// Send отправляет сообщение и ждёт подтверждения всех реплик.
func (p *Producer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	out := &sarama.ProducerMessage{
		Topic:     msg.Topic,
		Key:       sarama.StringEncoder(msg.Key),
		Value:     sarama.ByteEncoder(msg.Value),
		Timestamp: p.now(),
	}
	for k, v := range msg.Headers {
		out.Headers = append(out.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	fields := log.Fields{"topic": msg.Topic, "key": msg.Key}
	partition, offset, err := p.sync.SendMessage(out)
	if err != nil {
		p.logger.WithFields(fields).WithError(err).Warn("kafka send failed")
		return fmt.Errorf("send to %s: %w", msg.Topic, err)
	}
	fields["partition"] = partition
	fields["offset"] = offset
	p.logger.WithFields(fields).Debug("kafka message sent")
	return nil
}

// Close закрывает producer.
func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

// Sender: куда SnapshotNotifier отдаёт сообщения.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SnapshotNotifier публикует изменения снимков с ключом по терминалу,
// так что изменения одного терминала попадают в одну партицию по порядку.
type SnapshotNotifier struct {
	sender Sender
	topic  string
}

// NewSnapshotNotifier создаёт notifier; пустой topic означает TopicSnapshotEvents.
func NewSnapshotNotifier(sender Sender, topic string) *SnapshotNotifier {
	if topic == "" {
		topic = TopicSnapshotEvents
	}
	return &SnapshotNotifier{sender: sender, topic: topic}
}

// NotifyChange реализует domain.ChangeNotifier.
func (n *SnapshotNotifier) NotifyChange(ctx context.Context, change domain.SnapshotChange) error {
	msg, err := encodeChange(n.topic, change)
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, msg)
}

var _ domain.ChangeNotifier = (*SnapshotNotifier)(nil)
