package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/symphire/counterpoint/internal/apperror"
	"github.com/symphire/counterpoint/internal/dto"
	"github.com/symphire/counterpoint/internal/eventbus"
	"github.com/symphire/counterpoint/internal/repository"
)

type publisherStub struct {
	mu        sync.Mutex
	err       error
	published []eventbus.Message
}

func (p *publisherStub) Publish(_ context.Context, msg eventbus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *publisherStub) Close() error { return nil }

func (p *publisherStub) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *publisherStub) messages() []eventbus.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]eventbus.Message(nil), p.published...)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func enqueueTestEvent(t *testing.T, env *chatEnv, at time.Time) uuid.UUID {
	t.Helper()
	event, err := dto.NewOutboxEvent(dto.EventFriendshipRequested, "pair", []uuid.UUID{uuid.New()}, dto.FriendshipRequestedData{
		RequesterID: uuid.NewString(),
		AddresseeID: uuid.NewString(),
	}, at)
	require.NoError(t, err)
	require.NoError(t, env.tx.WithinTx(context.Background(), func(tx *gorm.DB) error {
		return env.outbox.Enqueue(context.Background(), tx, event)
	}))
	return event.ID
}

func newTestDispatcher(env *chatEnv, publisher eventbus.Publisher, clock *manualClock, maxAttempts int) OutboxDispatcher {
	dispatcher := NewOutboxDispatcher(env.outbox, publisher, DispatcherConfig{
		BatchSize:   10,
		Lease:       time.Minute,
		BaseBackoff: time.Second,
		MaxBackoff:  8 * time.Second,
		MaxAttempts: maxAttempts,
	}, testLogger())
	dispatcher.(*outboxDispatcher).now = clock.Now
	return dispatcher
}

func TestBackoff(t *testing.T) {
	base, ceiling := time.Second, 10*time.Second
	require.Equal(t, time.Second, Backoff(0, base, ceiling))
	require.Equal(t, time.Second, Backoff(1, base, ceiling))
	require.Equal(t, 2*time.Second, Backoff(2, base, ceiling))
	require.Equal(t, 4*time.Second, Backoff(3, base, ceiling))
	require.Equal(t, 8*time.Second, Backoff(4, base, ceiling))
	require.Equal(t, ceiling, Backoff(5, base, ceiling))
	require.Equal(t, ceiling, Backoff(80, base, ceiling))
}

func TestOutboxDispatcherDeliversAndMarks(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()
	clock := &manualClock{now: utcNow()}

	id := enqueueTestEvent(t, env, clock.Now())
	publisher := &publisherStub{}
	dispatcher := newTestDispatcher(env, publisher, clock, 5)

	claimed, err := dispatcher.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	messages := publisher.messages()
	require.Len(t, messages, 1)
	require.Equal(t, id.String(), messages[0].ID)
	require.Equal(t, "pair", messages[0].Key)

	var envelope dto.DispatchEnvelope
	require.NoError(t, json.Unmarshal(messages[0].Body, &envelope))
	require.Equal(t, dto.EventFriendshipRequested, envelope.Type)
	require.NoError(t, dto.ValidatePayload(envelope.Payload))

	event, err := env.outbox.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, event.DeliveredAt)
	require.Nil(t, event.ClaimToken)

	claimed, err = dispatcher.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, claimed)

	stats, err := dispatcher.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, repository.OutboxStats{Delivered: 1}, stats)
}

func TestOutboxDispatcherBacksOffUntilStuck(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()
	clock := &manualClock{now: utcNow()}

	id := enqueueTestEvent(t, env, clock.Now())
	publisher := &publisherStub{err: errors.New("broker down")}
	dispatcher := newTestDispatcher(env, publisher, clock, 3)

	var previous time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := dispatcher.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, claimed, "attempt %d", attempt)

		event, err := env.outbox.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, attempt, event.AttemptCount)
		require.NotNil(t, event.LastError)
		require.Equal(t, "broker down", *event.LastError)
		require.True(t, event.NextAttemptAt.After(previous))
		require.Equal(t, Backoff(attempt, time.Second, 8*time.Second), event.NextAttemptAt.Sub(clock.Now()))
		previous = event.NextAttemptAt

		claimed, err = dispatcher.Tick(ctx)
		require.NoError(t, err)
		require.Zero(t, claimed, "event is not ready before its backoff elapses")

		clock.Advance(10 * time.Second)
	}

	claimed, err := dispatcher.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, claimed, "stuck events are not claimed")

	stuck, err := dispatcher.ListStuck(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, id, stuck[0].ID)

	stats, err := dispatcher.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, repository.OutboxStats{Stuck: 1}, stats)

	publisher.setErr(nil)
	require.NoError(t, dispatcher.Requeue(ctx, id))

	claimed, err = dispatcher.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)
	require.Len(t, publisher.messages(), 1)

	err = dispatcher.Requeue(ctx, id)
	require.True(t, apperror.Is(err, apperror.KindConflict))

	err = dispatcher.Requeue(ctx, uuid.New())
	require.True(t, apperror.Is(err, apperror.KindNotFound))
}

func TestOutboxDispatcherLeaseBlocksDoubleClaim(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()
	now := utcNow()

	enqueueTestEvent(t, env, now)
	enqueueTestEvent(t, env, now)

	first, err := env.outbox.Claim(ctx, now, 10, 5, time.Minute, "worker-a")
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := env.outbox.Claim(ctx, now, 10, 5, time.Minute, "worker-b")
	require.NoError(t, err)
	require.Empty(t, second)

	marked, err := env.outbox.MarkDelivered(ctx, first[0].ID, "worker-b", now)
	require.NoError(t, err)
	require.False(t, marked, "a foreign token cannot settle the lease")

	expired, err := env.outbox.Claim(ctx, now.Add(2*time.Minute), 10, 5, time.Minute, "worker-b")
	require.NoError(t, err)
	require.Len(t, expired, 2, "expired leases are claimable again")

	marked, err = env.outbox.MarkDelivered(ctx, first[0].ID, "worker-a", now)
	require.NoError(t, err)
	require.False(t, marked, "the stale holder lost its lease")
}

func TestOutboxRequeueLeavesLeasedEventsAlone(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()
	clock := &manualClock{now: utcNow()}

	id := enqueueTestEvent(t, env, clock.Now())
	dispatcher := newTestDispatcher(env, &publisherStub{}, clock, 5)

	leased, err := env.outbox.Claim(ctx, clock.Now(), 10, 5, time.Minute, "worker-a")
	require.NoError(t, err)
	require.Len(t, leased, 1)

	err = dispatcher.Requeue(ctx, id)
	require.True(t, apperror.Is(err, apperror.KindConflict), "got %v", err)

	again, err := env.outbox.Claim(ctx, clock.Now(), 10, 5, time.Minute, "worker-b")
	require.NoError(t, err)
	require.Empty(t, again)

	event, err := env.outbox.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, event.ClaimToken)
	require.Equal(t, "worker-a", *event.ClaimToken)

	marked, err := env.outbox.MarkDelivered(ctx, id, "worker-a", clock.Now())
	require.NoError(t, err)
	require.True(t, marked, "the lease holder still settles the event")
}

func TestOutboxRequeueRejectsEventsBelowAttemptCap(t *testing.T) {
	env := newChatEnv(t)
	ctx := context.Background()
	clock := &manualClock{now: utcNow()}

	id := enqueueTestEvent(t, env, clock.Now())
	dispatcher := newTestDispatcher(env, &publisherStub{err: errors.New("broker down")}, clock, 3)

	claimed, err := dispatcher.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	err = dispatcher.Requeue(ctx, id)
	require.True(t, apperror.Is(err, apperror.KindConflict), "got %v", err)

	event, err := env.outbox.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, event.AttemptCount, "rejected requeue leaves the backoff untouched")
}

func TestOutboxDispatcherRunStopsOnCancel(t *testing.T) {
	env := newChatEnv(t)
	clock := &manualClock{now: utcNow()}
	enqueueTestEvent(t, env, clock.Now())

	publisher := &publisherStub{}
	dispatcher := newTestDispatcher(env, publisher, clock, 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(publisher.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
