package eventpublisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/sagaledger/internal/domain"
)

func TestProcessBatchDispatchesByType(t *testing.T) {
	outbox := &stubOutbox{
		events: []*domain.OutboxEvent{
			{ID: "evt-1", EventType: domain.EventTypeSagaStepReady, SagaID: "s1"},
			{ID: "evt-2", EventType: domain.EventTypeEntryCreated},
		},
	}
	saga := &recordingHandler{}
	fallback := &stubPublisher{}
	relay := newTestRelay(outbox, fallback)
	relay.Handle(saga, domain.EventTypeSagaStepReady, domain.EventTypeSagaCompensateRequested)

	n, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []string{"evt-1"}, saga.ids())
	require.Len(t, fallback.published, 1)
	assert.Equal(t, "evt-2", fallback.published[0].ID)
	assert.Equal(t, []string{"evt-1", "evt-2"}, outbox.acked)
	assert.Empty(t, outbox.failed)
}

func TestProcessBatchFailsEventOnHandlerError(t *testing.T) {
	outbox := &stubOutbox{
		events: []*domain.OutboxEvent{
			{ID: "evt-1", EventType: domain.EventTypeBankTransferInitiate},
			{ID: "evt-2", EventType: domain.EventTypeBankTransferInitiate},
		},
	}
	pub := &stubPublisher{errorsByID: map[string]error{"evt-1": errors.New("bank down")}}
	relay := newTestRelay(outbox, &stubPublisher{})
	relay.Handle(PublisherHandler(pub), domain.EventTypeBankTransferInitiate)

	_, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"evt-2"}, outbox.acked)
	require.Len(t, outbox.failed, 1)
	assert.Equal(t, "evt-1", outbox.failed[0])
	assert.EqualError(t, outbox.causes[0], "bank down")
}

func TestProcessBatchDiscardsStaleAck(t *testing.T) {
	outbox := &stubOutbox{
		events: []*domain.OutboxEvent{{ID: "evt-1", EventType: domain.EventTypeSweepCompleted}},
		ackErr: fmt.Errorf("ack evt-1: %w", domain.ErrStaleLease),
	}
	var buf bytes.Buffer
	relay := NewRelay(Config{
		Outbox:    outbox,
		Fallback:  &stubPublisher{},
		Logger:    slog.New(slog.NewTextHandler(&buf, nil)),
		BatchSize: 10,
		Interval:  5 * time.Millisecond,
	})

	n, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, outbox.failed)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "ack discarded")
}

func TestProcessBatchRecoversHandlerPanic(t *testing.T) {
	outbox := &stubOutbox{events: []*domain.OutboxEvent{{ID: "evt-1", EventType: "boom"}}}
	relay := newTestRelay(outbox, &stubPublisher{})
	relay.Handle(HandlerFunc(func(context.Context, *domain.OutboxEvent) error {
		panic("nil map")
	}), "boom")

	_, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, outbox.failed, 1)
	assert.Contains(t, outbox.causes[0].Error(), "handler panic")
}

func TestProcessBatchClaimError(t *testing.T) {
	outbox := &stubOutbox{claimErr: errors.New("db down")}
	relay := newTestRelay(outbox, &stubPublisher{})

	_, err := relay.ProcessBatch(context.Background())
	require.Error(t, err)
}

func TestStartStopsOnContextCancellation(t *testing.T) {
	outbox := &stubOutbox{}
	relay := newTestRelay(outbox, &stubPublisher{})
	relay.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- relay.Start(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancel")
	}
	assert.GreaterOrEqual(t, outbox.claims(), 2)
}

func TestPurgeRunsAtMostHourly(t *testing.T) {
	outbox := &stubOutbox{}
	relay := newTestRelay(outbox, &stubPublisher{})
	relay.retention = 24 * time.Hour
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	relay.now = func() time.Time { return now }

	relay.purge(context.Background())
	relay.purge(context.Background())
	now = now.Add(time.Hour)
	relay.purge(context.Background())

	assert.Equal(t, 2, outbox.purges)
}

func TestLogPublisherWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	pub := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := pub.Publish(context.Background(), &domain.OutboxEvent{
		ID:        "evt-1",
		EventType: domain.EventTypeSweepCompleted,
		Payload:   map[string]any{"saga_id": "s1"},
	})
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), `"event_type":"sweep.completed"`))
}

func newTestRelay(outbox *stubOutbox, fallback *stubPublisher) *Relay {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	return NewRelay(Config{
		Outbox:    outbox,
		Fallback:  fallback,
		Logger:    logger,
		BatchSize: 10,
		Interval:  5 * time.Millisecond,
	})
}

type stubOutbox struct {
	mu       sync.Mutex
	events   []*domain.OutboxEvent
	claimErr error
	ackErr   error
	claimed  int
	acked    []string
	failed   []string
	causes   []error
	purges   int
}

func (s *stubOutbox) Claim(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed++
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	n := min(limit, len(s.events))
	out := s.events[:n]
	s.events = s.events[n:]
	return out, nil
}

func (s *stubOutbox) claims() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimed
}

func (s *stubOutbox) Ack(ctx context.Context, event *domain.OutboxEvent) error {
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, event.ID)
	return nil
}

func (s *stubOutbox) Fail(ctx context.Context, event *domain.OutboxEvent, cause error) error {
	s.failed = append(s.failed, event.ID)
	s.causes = append(s.causes, cause)
	return nil
}

func (s *stubOutbox) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	s.purges++
	return 0, nil
}

type recordingHandler struct {
	events []*domain.OutboxEvent
}

func (h *recordingHandler) HandleEvent(ctx context.Context, event *domain.OutboxEvent) error {
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHandler) ids() []string {
	out := make([]string, len(h.events))
	for i, e := range h.events {
		out[i] = e.ID
	}
	return out
}

type stubPublisher struct {
	published  []*domain.OutboxEvent
	errorsByID map[string]error
}

func (s *stubPublisher) Publish(ctx context.Context, event *domain.OutboxEvent) error {
	if err := s.errorsByID[event.ID]; err != nil {
		return err
	}
	s.published = append(s.published, event)
	return nil
}
