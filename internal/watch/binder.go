package watch

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle state of a Binder.
type State uint8

const (
	Idle State = iota
	Triggered
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Triggered:
		return "triggered"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Binder runs one task in response to triggers. Triggers while triggered
// join the scheduled run; triggers while running schedule exactly one
// follow-up run. Runs of the same Binder never overlap.
type Binder struct {
	name  string
	delay time.Duration
	run   func(ctx context.Context)

	mu      sync.Mutex
	state   State
	pending bool
	seq     uint64
	timer   *time.Timer
	runs    int
	active  sync.WaitGroup
}

// NewBinder creates a Binder for the task name. With a positive delay the run
// starts once no trigger arrived for delay.
func NewBinder(name string, delay time.Duration, run func(ctx context.Context)) *Binder {
	return &Binder{name: name, delay: delay, run: run}
}

func (b *Binder) Name() string { return b.name }

// Trigger records a change relevant to the task.
func (b *Binder) Trigger(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Idle:
		b.state = Triggered
		b.active.Add(1)
		b.schedule(ctx)
	case Triggered:
		if b.delay > 0 {
			b.schedule(ctx)
		}
	case Running:
		b.pending = true
	}
}

// schedule starts the run, now or after the debounce delay. Callers hold mu.
func (b *Binder) schedule(ctx context.Context) {
	if b.delay <= 0 {
		go b.loop(ctx)
		return
	}
	b.seq++
	seq := b.seq
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, func() {
		b.mu.Lock()
		current := b.seq == seq && b.state == Triggered
		b.mu.Unlock()
		if current {
			b.loop(ctx)
		}
	})
}

func (b *Binder) loop(ctx context.Context) {
	defer b.active.Done()
	for {
		b.mu.Lock()
		b.state = Running
		b.pending = false
		b.runs++
		b.mu.Unlock()

		if ctx.Err() == nil {
			b.run(ctx)
		}

		b.mu.Lock()
		if b.pending && ctx.Err() == nil {
			b.mu.Unlock()
			continue
		}
		b.pending = false
		b.state = Idle
		b.mu.Unlock()
		return
	}
}

// State returns the current state.
func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Runs returns how many runs have started.
func (b *Binder) Runs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs
}

// Wait blocks until the Binder is idle.
func (b *Binder) Wait() { b.active.Wait() }
