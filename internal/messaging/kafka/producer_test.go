package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

func testProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()
	sp := mocks.NewSyncProducer(t, nil)
	p := newProducer(sp, applyOptions("kafka-producer-test", nil))
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	return p, sp
}

func headerMap(headers []sarama.RecordHeader) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

func TestProducer_SendCopiesKeyAndHeaders(t *testing.T) {
	p, sp := testProducer(t)

	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		require.Equal(t, "T1", string(key))
		require.Equal(t, "custom", msg.Topic)
		require.Equal(t, map[string]string{"a": "1"}, headerMap(msg.Headers))
		require.Equal(t, 2026, msg.Timestamp.Year())
		return nil
	})

	require.NoError(t, p.Send(context.Background(), Message{
		Topic:   "custom",
		Key:     "T1",
		Headers: map[string]string{"a": "1"},
		Value:   []byte("{}"),
	}))
}

func TestProducer_SendFailure(t *testing.T) {
	p, sp := testProducer(t)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := p.Send(context.Background(), Message{Topic: TopicSnapshotEvents, Key: "T1"})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestProducer_SendCanceledContext(t *testing.T) {
	p, _ := testProducer(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Send(ctx, Message{Topic: TopicSnapshotEvents}), context.Canceled)
}

func TestSnapshotNotifier_PublishesChange(t *testing.T) {
	p, sp := testProducer(t)
	notifier := NewSnapshotNotifier(p, "")

	change := domain.SnapshotChange{
		ID:         "c-1",
		Kind:       domain.ChangeDeleted,
		TerminalID: "T2",
		At:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		require.Equal(t, TopicSnapshotEvents, msg.Topic)
		require.Equal(t, map[string]string{
			HeaderEventKind: string(domain.ChangeDeleted),
			HeaderChangeID:  "c-1",
		}, headerMap(msg.Headers))

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var decoded domain.SnapshotChange
		require.NoError(t, json.Unmarshal(value, &decoded))
		require.Equal(t, change, decoded)
		return nil
	})

	require.NoError(t, notifier.NotifyChange(context.Background(), change))
}

type recordingSender struct{ sent []Message }

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.sent = append(r.sent, msg)
	return nil
}

func TestSnapshotNotifier_CustomTopic(t *testing.T) {
	sender := &recordingSender{}
	notifier := NewSnapshotNotifier(sender, "pos.custom")

	require.NoError(t, notifier.NotifyChange(context.Background(), domain.SnapshotChange{Kind: domain.ChangeSaved, TerminalID: "T9"}))
	require.Len(t, sender.sent, 1)
	require.Equal(t, "pos.custom", sender.sent[0].Topic)
	require.Equal(t, "T9", sender.sent[0].Key)
}

func TestDecodeChange_FallsBackToKeyAndHeader(t *testing.T) {
	msg := &sarama.ConsumerMessage{
		Key:     []byte("T7"),
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderEventKind), Value: []byte(domain.ChangeSaved)}},
		Value:   []byte(`{"id":"c-1"}`),
	}
	change, err := DecodeChange(msg)
	require.NoError(t, err)
	require.Equal(t, "T7", change.TerminalID)
	require.Equal(t, domain.ChangeSaved, change.Kind)

	_, err = DecodeChange(&sarama.ConsumerMessage{Value: []byte("{")})
	require.Error(t, err)
}
