// Package scheduler runs process-scoped background work: keyed one-shot
// tasks after a delay, and named periodic jobs.
//
// Nothing here survives a restart. Work scheduled before a crash is simply
// lost, so callers must not rely on it for correctness.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is the unit of deferred work. ctx is cancelled when the scheduler
// stops.
type Task func(ctx context.Context)

type pending struct {
	timer *time.Timer
	seq   uint64
}

// Deferred owns a set of keyed timers. Scheduling a key that is already
// pending replaces the earlier task.
type Deferred struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*pending
	seq     uint64
	stopped bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(logger *slog.Logger) *Deferred {
	ctx, cancel := context.WithCancel(context.Background())
	return &Deferred{
		logger: logger,
		tasks:  make(map[string]*pending),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule runs fn once after delay unless the key is cancelled, replaced,
// or the scheduler stops first. It returns false after Stop.
func (d *Deferred) Schedule(key string, delay time.Duration, fn Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}
	if old, ok := d.tasks[key]; ok {
		old.timer.Stop()
	}

	d.seq++
	seq := d.seq
	p := &pending{seq: seq}
	p.timer = time.AfterFunc(delay, func() { d.fire(key, seq, fn) })
	d.tasks[key] = p
	return true
}

func (d *Deferred) fire(key string, seq uint64, fn Task) {
	d.mu.Lock()
	cur, ok := d.tasks[key]
	if !ok || cur.seq != seq || d.stopped {
		// Replaced or cancelled after the timer had already fired.
		d.mu.Unlock()
		return
	}
	delete(d.tasks, key)
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("deferred task panicked", slog.String("key", key), slog.Any("panic", r))
		}
	}()
	fn(d.ctx)
}

// Cancel drops the pending task for key. It reports whether one was pending.
func (d *Deferred) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.tasks[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.tasks, key)
	return true
}

// Pending is the number of tasks waiting for their delay.
func (d *Deferred) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// Every runs fn every interval until Stop. The first run happens after one
// interval.
func (d *Deferred) Every(name string, interval time.Duration, fn Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		d.logger.Info("periodic job started", slog.String("job", name), slog.Duration("interval", interval))
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				fn(d.ctx)
			}
		}
	}()
	return true
}

// Stop cancels everything pending, signals running tasks through their
// context, and waits for them to return. It is safe to call more than once.
func (d *Deferred) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		dropped := len(d.tasks)
		for key, p := range d.tasks {
			p.timer.Stop()
			delete(d.tasks, key)
		}
		d.mu.Unlock()

		d.cancel()
		d.wg.Wait()
		d.logger.Info("scheduler stopped", slog.Int("dropped", dropped))
	})
}
