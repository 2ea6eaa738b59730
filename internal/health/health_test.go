package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("ledger", Ping("ledger", func(context.Context) error { return nil }))
	r.Register("database", Ping("database", func(context.Context) error { return errors.New("connection refused") }))
	r.Register("events", Static("events", "webhook disabled"))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 3)
	assert.Equal(t, "ledger", statuses[0].Name)
	assert.Equal(t, "connection refused", statuses[1].Detail)
	assert.True(t, statuses[2].Healthy)
}

func TestRegistryFillsName(t *testing.T) {
	r := NewRegistry()
	r.Register("anon", func(context.Context) Status { return Status{Healthy: true} })
	_, statuses := r.CheckAll(context.Background())
	assert.Equal(t, "anon", statuses[0].Name)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("slow", Ping("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, statuses[0].Detail, "deadline")
}

func TestRunning(t *testing.T) {
	up := true
	check := Running("reconciler", func() bool { return up }, "stopped")
	assert.True(t, check(context.Background()).Healthy)
	up = false
	st := check(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "stopped", st.Detail)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", Static("checker", ""))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
