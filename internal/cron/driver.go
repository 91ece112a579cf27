// Package cron implements the deadline-accurate synthetic-message
// scheduler (spec §4.H): on start it computes each task's next firing
// time from the wall clock, sleeps until the earliest one, fires every
// task whose next-fire is due, and recomputes strictly-greater next-fire
// instants so no task double-fires within the same matching minute.
//
// Expression parsing and next-instant arithmetic are delegated to
// github.com/robfig/cron/v3's five-field parser (cron.NewParser) and
// Schedule.Next(); the
// sleep-until-next-boundary loop itself is hand-written because
// robfig/cron's own scheduler goroutine ticks against a generic internal
// clock that does not guarantee the no-drift/no-double-fire property
// this package's tests assert (spec §8's cron testable property).
package cron

import (
	"context"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/relaymesh/relaymesh/definition"
)

// Publisher is the mediator's send path: publish a synthetic envelope
// carrying task_name to a worker.
type Publisher func(ctx context.Context, workerName string, payload map[string]interface{}) error

type taskState struct {
	def      definition.CronTask
	schedule robfigcron.Schedule
	nextFire time.Time
	pending  bool // true between firing and the corresponding Ack
}

// Driver fires synthetic envelopes for registered cron tasks.
type Driver struct {
	mu        sync.Mutex
	tasks     []*taskState
	publish   Publisher
	now       func() time.Time
	stop      chan struct{}
	stopOnce  sync.Once
	runningWG sync.WaitGroup
}

// New parses every task's cron expression and computes its first
// next-fire instant. An invalid expression is reported immediately
// rather than deferred to Run().
func New(tasks []definition.CronTask, publish Publisher) (*Driver, error) {
	d := &Driver{publish: publish, now: time.Now, stop: make(chan struct{})}
	parser := robfigcron.NewParser(robfigcron.Minute | robfigcron.Hour | robfigcron.Dom | robfigcron.Month | robfigcron.Dow)
	start := d.now()
	for _, t := range tasks {
		sched, err := parser.Parse(t.Expression)
		if err != nil {
			return nil, err
		}
		d.tasks = append(d.tasks, &taskState{
			def:      t,
			schedule: sched,
			nextFire: sched.Next(start),
		})
	}
	return d, nil
}

// Run blocks, sleeping until each task's next-fire instant and
// publishing synthetic envelopes as they come due, until ctx is
// cancelled or Stop is called.
func (d *Driver) Run(ctx context.Context) {
	d.runningWG.Add(1)
	defer d.runningWG.Done()

	for {
		d.mu.Lock()
		if len(d.tasks) == 0 {
			d.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			}
		}
		earliest := d.tasks[0].nextFire
		for _, t := range d.tasks[1:] {
			if t.nextFire.Before(earliest) {
				earliest = t.nextFire
			}
		}
		d.mu.Unlock()

		wait := time.Until(earliest)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		d.fireDue(ctx)
	}
}

// fireDue publishes every task whose next-fire has arrived and
// recomputes each fired task's next-fire strictly after the just-fired
// instant, preventing drift or double-fire within the same minute.
func (d *Driver) fireDue(ctx context.Context) {
	now := d.now()

	d.mu.Lock()
	due := make([]*taskState, 0, len(d.tasks))
	for _, t := range d.tasks {
		if !t.nextFire.After(now) {
			due = append(due, t)
		}
	}
	d.mu.Unlock()

	for _, t := range due {
		d.mu.Lock()
		skip := t.def.Alone && t.pending
		if !skip {
			t.pending = true
		}
		fireInstant := t.nextFire
		t.nextFire = t.schedule.Next(fireInstant)
		d.mu.Unlock()

		if skip {
			continue
		}

		payload := map[string]interface{}{"task_name": t.def.Name}
		for k, v := range t.def.Template {
			payload[k] = v
		}
		_ = d.publish(ctx, t.def.Worker, payload)
	}
}

// MarkAcked clears the pending flag for taskName, called by the mediator
// once the corresponding synthetic envelope has been acked, so the
// alone-flag's suppression lifts for the next firing.
func (d *Driver) MarkAcked(taskName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tasks {
		if t.def.Name == taskName {
			t.pending = false
			return
		}
	}
}

// Stop ends Run and waits for it to return.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.runningWG.Wait()
}
