package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"
)

// fakeGroup подменяет sarama.ConsumerGroup: Consume вызывает consume, Close закрывает канал ошибок.
type fakeGroup struct {
	consume  func(ctx context.Context, handler sarama.ConsumerGroupHandler) error
	errs     chan error
	closeErr error

	mu     sync.Mutex
	calls  int
	closed bool
}

func newFakeGroup() *fakeGroup { return &fakeGroup{errs: make(chan error, 4)} }

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.consume != nil {
		return g.consume(ctx, handler)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.errs)
	}
	return g.closeErr
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func testSubscriber(group sarama.ConsumerGroup, handler Handler) *Subscriber {
	return newSubscriber(group, TopicSnapshotEvents, handler, applyOptions("kafka-subscriber-test", nil))
}

func TestSubscriber_RunStopsOnCancel(t *testing.T) {
	group := newFakeGroup()
	group.errs <- errors.New("broker hiccup")
	sub := testSubscriber(group, func(context.Context, *sarama.ConsumerMessage) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop")
	}
	require.True(t, group.closed)
}

func TestSubscriber_RejoinsAfterConsumeError(t *testing.T) {
	group := newFakeGroup()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group.consume = func(context.Context, sarama.ConsumerGroupHandler) error {
		if group.calls == 1 {
			return errors.New("rebalance failed")
		}
		cancel()
		return nil
	}
	sub := testSubscriber(group, nil)

	require.NoError(t, sub.Run(ctx))
	require.Equal(t, 2, group.calls)
}

func TestSubscriber_StopsWhenGroupClosed(t *testing.T) {
	group := newFakeGroup()
	group.consume = func(context.Context, sarama.ConsumerGroupHandler) error {
		return sarama.ErrClosedConsumerGroup
	}
	group.closeErr = errors.New("already closed")

	err := testSubscriber(group, nil).Run(context.Background())
	require.ErrorContains(t, err, "already closed")
	require.Equal(t, 1, group.calls)
}

func TestSubscriber_ConsumeClaimMarksFailedMessages(t *testing.T) {
	var handled []int64
	sub := testSubscriber(nil, func(_ context.Context, msg *sarama.ConsumerMessage) error {
		handled = append(handled, msg.Offset)
		if msg.Offset == 2 {
			return errors.New("bad payload")
		}
		return nil
	})

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	for offset := int64(1); offset <= 3; offset++ {
		claim.messages <- &sarama.ConsumerMessage{Offset: offset}
	}
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, sub.ConsumeClaim(session, claim))
	require.Equal(t, []int64{1, 2, 3}, handled)
	require.Equal(t, []int64{1, 2, 3}, session.marked)
	require.NoError(t, sub.Setup(session))
	require.NoError(t, sub.Cleanup(session))
}

func TestSubscriber_ConsumeClaimReturnsOnSessionEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := testSubscriber(nil, nil)
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = sub.ConsumeClaim(&fakeSession{ctx: ctx}, claim)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not return after session end")
	}
}

func TestNewSubscriber_UnreachableBroker(t *testing.T) {
	_, err := NewSubscriber([]string{"127.0.0.1:1"}, "g", TopicSnapshotEvents, nil)
	require.Error(t, err)
}

func TestPeerChangeHandler(t *testing.T) {
	triggers := 0
	handler := PeerChangeHandler("T1", func() { triggers++ }, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		key     string
		value   string
		wantErr bool
	}{
		{name: "peer save", key: "T2", value: `{"kind":"snapshot.saved","terminal_id":"T2"}`},
		{name: "own save", key: "T1", value: `{"kind":"snapshot.saved","terminal_id":"T1"}`},
		{name: "peer delete from key", key: "T3", value: `{"kind":"snapshot.deleted"}`},
		{name: "unknown kind", key: "T3", value: `{"kind":"snapshot.exploded"}`, wantErr: true},
		{name: "broken json", key: "T3", value: `{`, wantErr: true},
	}
	for _, tt := range tests {
		err := handler(ctx, &sarama.ConsumerMessage{Key: []byte(tt.key), Value: []byte(tt.value)})
		if tt.wantErr {
			require.Error(t, err, tt.name)
		} else {
			require.NoError(t, err, tt.name)
		}
	}
	require.Equal(t, 2, triggers)
}
