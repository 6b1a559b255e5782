package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

// Handler обрабатывает одно сообщение. Ошибка логируется, смещение всё равно фиксируется.
type Handler func(ctx context.Context, msg *sarama.ConsumerMessage) error

// rejoinDelay: пауза перед повторным входом в группу после ошибки.
const rejoinDelay = time.Second

// Subscriber читает топик в составе consumer group.
type Subscriber struct {
	group   sarama.ConsumerGroup
	topic   string
	handler Handler
	logger  *log.Entry
}

// NewSubscriber подключается к группе groupID. У каждого терминала своя группа,
// иначе уведомления будут поделены между терминалами, а не доставлены каждому.
func NewSubscriber(brokers []string, groupID, topic string, handler Handler, opts ...Option) (*Subscriber, error) {
	o := applyOptions("kafka-subscriber", opts)
	group, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig(o))
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group %s: %w", groupID, err)
	}
	return newSubscriber(group, topic, handler, o), nil
}

func newSubscriber(group sarama.ConsumerGroup, topic string, handler Handler, o clientOptions) *Subscriber {
	return &Subscriber{
		group:   group,
		topic:   topic,
		handler: handler,
		logger:  o.logger.WithField("topic", topic),
	}
}

// Run читает сообщения до отмены ctx, затем закрывает группу.
func (s *Subscriber) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for err := range s.group.Errors() {
			s.logger.WithError(err).Warn("kafka consumer group error")
		}
	}()

	s.logger.Info("kafka subscriber started")
	for ctx.Err() == nil {
		// Consume возвращается при каждой перебалансировке.
		err := s.group.Consume(ctx, []string{s.topic}, s)
		if err == nil || ctx.Err() != nil {
			continue
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			break
		}
		s.logger.WithError(err).Warn("kafka consume failed, rejoining")
		select {
		case <-ctx.Done():
		case <-time.After(rejoinDelay):
		}
	}

	closeErr := s.group.Close()
	<-done
	s.logger.Info("kafka subscriber stopped")
	if closeErr != nil {
		return fmt.Errorf("close kafka consumer group: %w", closeErr)
	}
	return nil
}

// Setup реализует sarama.ConsumerGroupHandler.
func (s *Subscriber) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup реализует sarama.ConsumerGroupHandler.
func (s *Subscriber) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim реализует sarama.ConsumerGroupHandler.
func (s *Subscriber) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := s.handler(ctx, msg); err != nil {
				s.logger.WithFields(log.Fields{
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).WithError(err).Warn("skipping undecodable snapshot change")
			}
			session.MarkMessage(msg, "")
		}
	}
}

// PeerChangeHandler вызывает trigger, когда меняется снимок другого терминала.
func PeerChangeHandler(selfTerminalID string, trigger func(), logger *log.Entry) Handler {
	if logger == nil {
		logger = log.WithField("component", "peer-change-handler")
	}
	return func(_ context.Context, msg *sarama.ConsumerMessage) error {
		change, err := DecodeChange(msg)
		if err != nil {
			return err
		}
		switch change.Kind {
		case domain.ChangeSaved, domain.ChangeDeleted:
		default:
			return fmt.Errorf("unknown snapshot change kind %q", change.Kind)
		}
		if change.TerminalID == selfTerminalID {
			return nil
		}
		logger.WithFields(log.Fields{
			"peer_terminal_id": change.TerminalID,
			"kind":             change.Kind,
		}).Debug("peer snapshot changed")
		trigger()
		return nil
	}
}
