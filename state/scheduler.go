package state

import (
	"fmt"
	"sync"
	"time"
)

// Task is a handle to work scheduled on the Env clock.
type Task struct {
	mu      sync.Mutex
	timer   Timer
	stopped bool
}

func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *Task) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// run calls fun unless the task or env has been stopped, recovering panics into the env cancellation.
func (e *Env) run(t *Task, fun func()) {
	if t.Stopped() || e.Context.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.Cancel(fmt.Errorf("panic: %v", r))
		}
	}()
	fun()
}

// ScheduleTask runs fun once after delay.
func (e *Env) ScheduleTask(fun func(), delay time.Duration) *Task {
	t := &Task{}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = e.Clock.AfterFunc(delay, func() {
		e.run(t, fun)
	})
	return t
}

// RepeatTask runs fun after first, then again after whatever delay fun returns.
// A failing run is logged and retried on the next tick.
func (e *Env) RepeatTask(fun func() (time.Duration, error), first time.Duration) *Task {
	t := &Task{}
	var tick func()
	tick = func() {
		var next time.Duration
		e.run(t, func() {
			var err error
			next, err = fun()
			if err != nil {
				e.Log.Warn("scheduled task failed, retrying next tick", "error", err)
			}
		})
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.stopped || e.Context.Err() != nil {
			return
		}
		t.timer = e.Clock.AfterFunc(next, tick)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = e.Clock.AfterFunc(first, tick)
	return t
}
