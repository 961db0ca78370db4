package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/PageBlocks/internal/models"
)

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	wasActive := !f.stopped
	f.stopped = true
	return wasActive
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(d time.Duration, fn func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{delay: d, fn: fn}
	c.timers = append(c.timers, timer)
	return timer
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

func newTestScheduler(t *testing.T, now *time.Time, runner Runner) (*Scheduler, *Queue, *fakeClock, context.CancelFunc) {
	t.Helper()
	q, _ := newTestQueue(t, now)
	p := NewProcessor(q, runner, ProcessorOptions{}, nil)
	s := NewScheduler(q, p, SchedulerOptions{ProcessSchedule: "@every 1h"}, nil)
	clock := &fakeClock{}
	s.afterFunc = clock.afterFunc
	s.now = func() time.Time { return *now }

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s, q, clock, cancel
}

func TestSchedulerArmsOnEnqueueAndCancelsOnRemove(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s, q, clock, _ := newTestScheduler(t, &now, &fakeRunner{result: okResult()})

	if _, _, err := q.Enqueue(ctx, 7, now.Add(10*time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !s.Armed(7) {
		t.Fatalf("expected trigger armed on enqueue")
	}
	timer := clock.last()
	if timer == nil || timer.delay != 10*time.Minute {
		t.Fatalf("expected 10m timer, got %+v", timer)
	}

	if _, err := q.RemoveJob(ctx, 7); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if s.Armed(7) {
		t.Fatalf("expected trigger disarmed on removal")
	}
	if !timer.stopped {
		t.Fatalf("expected timer stopped")
	}
}

func TestSchedulerTimerProcessesPost(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	runner := &fakeRunner{result: okResult()}
	s, q, clock, _ := newTestScheduler(t, &now, runner)

	job, _, err := q.Enqueue(ctx, 7, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now = now.Add(time.Minute)
	clock.last().fn()

	if s.Armed(7) {
		t.Fatalf("fired trigger must be cleared")
	}
	stored, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != models.QueueStatusCompleted {
		t.Fatalf("expected completed job, got %s", stored.Status)
	}
	if len(runner.runs) != 1 || runner.runs[0] != 7 {
		t.Fatalf("expected run for post 7, got %v", runner.runs)
	}
}

func TestSchedulerArmsExistingPendingJobsOnStart(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	q, _ := newTestQueue(t, &now)
	if _, _, err := q.Enqueue(ctx, 5, now.Add(-time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p := NewProcessor(q, &fakeRunner{result: okResult()}, ProcessorOptions{}, nil)
	s := NewScheduler(q, p, SchedulerOptions{ProcessSchedule: "@every 1h"}, nil)
	clock := &fakeClock{}
	s.afterFunc = clock.afterFunc
	s.now = func() time.Time { return now }

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.Start(runCtx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if !s.Armed(5) {
		t.Fatalf("expected pending job armed on start")
	}
	if timer := clock.last(); timer == nil || timer.delay != 0 {
		t.Fatalf("overdue job must fire immediately, got %+v", timer)
	}
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	q, _ := newTestQueue(t, &now)
	p := NewProcessor(q, &fakeRunner{}, ProcessorOptions{}, nil)
	s := NewScheduler(q, p, SchedulerOptions{ProcessSchedule: "not a schedule"}, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}
}
