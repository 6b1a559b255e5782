package kafka

import (
	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// Option настраивает клиента Kafka.
type Option func(*clientOptions)

type clientOptions struct {
	clientID string
	logger   *log.Entry
}

// WithClientID задаёт client.id, видимый в метриках брокера.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		if id != "" {
			o.clientID = id
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func applyOptions(component string, opts []Option) clientOptions {
	o := clientOptions{
		clientID: "pos-reserve",
		logger:   log.WithField("component", component),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// producerConfig: синхронная идемпотентная отправка, изменения одного терминала не переупорядочиваются.
func producerConfig(o clientOptions) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = o.clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// consumerConfig: уведомления о прошлом не нужны, читаем с конца.
func consumerConfig(o clientOptions) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = o.clientID
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	cfg.Consumer.Return.Errors = true
	return cfg
}
