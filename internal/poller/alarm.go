package poller

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/log"
	"github.com/dgellow/fieldcapture-auth/internal/storage"
)

// Alarm is a periodic wake-up scheduled by the host, so it survives the
// process being killed between firings.
type Alarm interface {
	// Arm schedules firings every period. Re-arming replaces the schedule.
	Arm(ctx context.Context, period time.Duration) error
	C() <-chan time.Time
	Stop()
}

// DurableAlarm keeps its next fire time in a KV. A restarted process that
// arms it again resumes the stored schedule instead of starting over, and
// fires at once when the stored time has already passed.
type DurableAlarm struct {
	kv  storage.KV
	key string
	now func() time.Time

	mu     sync.Mutex
	c      chan time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// Ensure DurableAlarm implements Alarm
var _ Alarm = (*DurableAlarm)(nil)

// NewDurableAlarm creates an alarm whose schedule is stored under name.
func NewDurableAlarm(kv storage.KV, name string) *DurableAlarm {
	return &DurableAlarm{
		kv:  kv,
		key: "alarm." + name + ".next",
		now: time.Now,
		c:   make(chan time.Time, 1),
	}
}

func (a *DurableAlarm) C() <-chan time.Time {
	return a.c
}

func (a *DurableAlarm) Arm(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("alarm period must be positive, got %s", period)
	}
	a.Stop()

	next := a.now().Add(period)
	if stored, ok := a.load(ctx); ok && stored.Before(next) {
		next = stored
	}
	if err := a.save(ctx, next); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	a.mu.Lock()
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.run(runCtx, done, next, period)
	return nil
}

func (a *DurableAlarm) run(ctx context.Context, done chan struct{}, next time.Time, period time.Duration) {
	defer close(done)

	timer := time.NewTimer(max(next.Sub(a.now()), 0))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fired := <-timer.C:
			select {
			case a.c <- fired:
			default:
				// Previous firing not consumed yet; coalesce.
			}
			next = a.now().Add(period)
			if err := a.save(ctx, next); err != nil {
				log.LogWarnWithFields("poller", "Failed to persist alarm schedule", map[string]any{
					"error": err.Error(),
				})
			}
			timer.Reset(period)
		}
	}
}

// Stop cancels the schedule in this process. The stored next fire time is
// kept so the next Arm resumes it.
func (a *DurableAlarm) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Clear stops the alarm and forgets the stored schedule.
func (a *DurableAlarm) Clear(ctx context.Context) error {
	a.Stop()
	return a.kv.Remove(ctx, a.key)
}

func (a *DurableAlarm) load(ctx context.Context) (time.Time, bool) {
	values, err := a.kv.Get(ctx, a.key)
	if err != nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(values[a.key], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (a *DurableAlarm) save(ctx context.Context, next time.Time) error {
	if err := a.kv.Set(ctx, map[string]string{a.key: strconv.FormatInt(next.UnixMilli(), 10)}); err != nil {
		return fmt.Errorf("persisting alarm: %w", err)
	}
	return nil
}
