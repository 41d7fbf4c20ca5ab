package health

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basit/qrshare-backend/backoff"
)

type switchCheck struct {
	name string
	down atomic.Bool
}

func (s *switchCheck) Name() string { return s.name }

func (s *switchCheck) IsReady(context.Context) error {
	if s.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestMonitor_Check(t *testing.T) {
	db := &switchCheck{name: "db"}
	blobs := &switchCheck{name: "blobs"}
	m := NewMonitor(slog.New(slog.DiscardHandler), time.Second, db, blobs)

	_, ok := m.Last()
	assert.False(t, ok)

	r := m.Check(context.Background())
	assert.True(t, r.Ready())
	require.Len(t, r.Checks, 2)
	assert.Equal(t, "db", r.Checks[0].Name)

	db.down.Store(true)
	r = m.Check(context.Background())
	assert.Equal(t, StatusDown, r.Status)
	assert.Equal(t, StatusDown, r.Checks[0].Status)
	assert.Equal(t, "connection refused", r.Checks[0].Error)
	assert.Equal(t, StatusUp, r.Checks[1].Status)

	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, StatusDown, last.Status)
}

func TestMonitor_SubscribersSeeTransitionsOnly(t *testing.T) {
	db := &switchCheck{name: "db"}
	m := NewMonitor(slog.New(slog.DiscardHandler), time.Second, db)
	ch, cancel := m.Subscribe()
	defer cancel()

	m.Check(context.Background())
	assert.Equal(t, StatusUp, (<-ch).Status)

	m.Check(context.Background())
	select {
	case r := <-ch:
		t.Fatalf("unexpected report %v", r.Status)
	default:
	}

	db.down.Store(true)
	m.Check(context.Background())
	assert.Equal(t, StatusDown, (<-ch).Status)

	cancel()
	cancel()
	db.down.Store(false)
	m.Check(context.Background())
	assert.Empty(t, ch)
}

func TestMonitor_TimeoutMarksDown(t *testing.T) {
	slow := Func("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m := NewMonitor(slog.New(slog.DiscardHandler), 10*time.Millisecond, slow)

	r := m.Check(context.Background())
	assert.False(t, r.Ready())
}

func TestRetrying(t *testing.T) {
	var calls atomic.Int32
	flaky := Func("flaky", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	c := Retrying(flaky, backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond, Retries: 5})

	assert.NoError(t, c.IsReady(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "flaky", c.Name())
}

func TestMonitor_Run(t *testing.T) {
	m := NewMonitor(slog.New(slog.DiscardHandler), time.Second, &switchCheck{name: "db"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { _, ok := m.Last(); return ok }, time.Second, time.Millisecond)
	cancel()
	<-done
}
