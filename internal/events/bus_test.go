package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskescrow/internal/metrics"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []LifecycleMessage
	tags [][]string
	err  error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Deliver(_ context.Context, msg LifecycleMessage, tags []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	r.tags = append(r.tags, tags)
	return r.err
}

func (r *recordingSink) received() []LifecycleMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LifecycleMessage(nil), r.msgs...)
}

type blockingSink struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSink) Name() string { return "blocking" }

func (b *blockingSink) Deliver(context.Context, LifecycleMessage, []string) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return nil
}

type panicSink struct{}

func (panicSink) Name() string { return "panic" }

func (panicSink) Deliver(context.Context, LifecycleMessage, []string) error { panic("boom") }

func closeBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))
}

func TestBus_PreservesOrder(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(nil, 16, sink)

	env := testEnvelope()
	sent := []LifecycleMessage{
		NewProposal(env, Terms{}, time.Now()),
		NewAuthorized(env, "0x1", "", time.Now()),
		NewReleased(env, "0x2", "completed", "", "", time.Now()),
	}
	for _, m := range sent {
		bus.Publish(context.Background(), m)
	}
	closeBus(t, bus)

	got := sink.received()
	require.Len(t, got, 3)
	for i := range sent {
		assert.Equal(t, sent[i].ID, got[i].ID)
	}
	assert.Equal(t, []string{"payment", "released"}, sink.tags[2])
}

func TestBus_ExplicitTags(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(nil, 4, sink)
	bus.Publish(context.Background(), NewAuthorized(testEnvelope(), "0x1", "", time.Now()), "escrow", "funded")
	closeBus(t, bus)
	assert.Equal(t, []string{"escrow", "funded"}, sink.tags[0])
}

func TestBus_DropsWhenFull(t *testing.T) {
	blocker := &blockingSink{started: make(chan struct{}), release: make(chan struct{})}
	bus := NewBus(nil, 1, blocker)
	env := testEnvelope()
	before := testutil.ToFloat64(metrics.EventsDroppedTotal)

	bus.Publish(context.Background(), NewProposal(env, Terms{}, time.Now()))
	<-blocker.started
	bus.Publish(context.Background(), NewAuthorized(env, "0x1", "", time.Now()))
	bus.Publish(context.Background(), NewReleased(env, "0x2", "completed", "", "", time.Now()))

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.EventsDroppedTotal))
	close(blocker.release)
	closeBus(t, bus)
}

func TestBus_SinkFailuresIsolated(t *testing.T) {
	failing := &recordingSink{err: errors.New("unreachable")}
	ok := &recordingSink{}
	bus := NewBus(nil, 4, panicSink{}, failing, ok)

	bus.Publish(context.Background(), NewAuthorized(testEnvelope(), "0x1", "", time.Now()))
	closeBus(t, bus)

	assert.Len(t, failing.received(), 1)
	assert.Len(t, ok.received(), 1)
}

func TestBus_PublishAfterClose(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(nil, 4, sink)
	closeBus(t, bus)

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), NewAuthorized(testEnvelope(), "0x1", "", time.Now()))
	})
	assert.Empty(t, sink.received())
	closeBus(t, bus)
}
