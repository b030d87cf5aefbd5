package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextWakeAlignsToBoundary(t *testing.T) {
	s := NewAlignedScheduler(context.Background(), "test", time.Hour, 30*time.Second)

	now := time.Date(2024, 3, 1, 10, 17, 0, 0, time.UTC)
	wakeAt, wait := s.nextWake(now)

	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 30, 0, time.UTC), wakeAt)
	assert.Equal(t, 43*time.Minute+30*time.Second, wait)
}

func TestNextWakeDailyBoundaryIsMidnightUTC(t *testing.T) {
	s := NewAlignedScheduler(context.Background(), "test", 24*time.Hour, 0)

	now := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	wakeAt, _ := s.nextWake(now)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), wakeAt)
}

func TestSchedulerFiresAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewAlignedScheduler(ctx, "test", 10*time.Millisecond, 0)

	var fired atomic.Int32
	done := make(chan struct{})
	go func() {
		s.Start(func() { fired.Add(1) })
		close(done)
	}()

	require.Eventually(t, func() bool { return fired.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}
