// Package scheduler runs periodic maintenance tasks on cron schedules.
// Each run first takes a leader lock so that only one replica executes a
// given task at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ehr/consult/internal/platform/lock"
	"github.com/ehr/consult/internal/platform/metrics"
)

// ErrNotLeader is returned by RunNow when another instance holds the task lock.
var ErrNotLeader = errors.New("scheduler: task lock held by another instance")

// Result summarizes one task run.
type Result struct {
	Scanned int `json:"scanned"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

// Task is a named unit of periodic work.
type Task struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (Result, error)
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLocation evaluates cron specs in loc instead of UTC.
func WithLocation(loc *time.Location) Option {
	return func(d *Daemon) { d.loc = loc }
}

// WithLockTTL sets the leader lock TTL. The lock is refreshed at half TTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(d *Daemon) { d.lockTTL = ttl }
}

// Daemon owns the cron loop.
type Daemon struct {
	logger  zerolog.Logger
	locker  lock.Locker
	metrics *metrics.Collector
	loc     *time.Location
	lockTTL time.Duration

	mu     sync.Mutex
	tasks  map[string]Task
	cron   *cron.Cron
	cancel context.CancelFunc
}

func New(logger zerolog.Logger, locker lock.Locker, collector *metrics.Collector, opts ...Option) *Daemon {
	d := &Daemon{
		logger:  logger.With().Str("component", "scheduler").Logger(),
		locker:  locker,
		metrics: collector,
		loc:     time.UTC,
		lockTTL: 2 * time.Minute,
		tasks:   make(map[string]Task),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Register adds a task. Specs use the standard five-field syntax or descriptors
// such as @hourly and @every 15m.
func (d *Daemon) Register(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("scheduler: task needs a name and a run func")
	}
	if _, err := cron.ParseStandard(t.Spec); err != nil {
		return fmt.Errorf("scheduler: task %s spec %q: %w", t.Name, t.Spec, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.tasks[t.Name]; dup {
		return fmt.Errorf("scheduler: task %s already registered", t.Name)
	}
	d.tasks[t.Name] = t
	return nil
}

// Tasks returns registered task names in sorted order.
func (d *Daemon) Tasks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.tasks))
	for n := range d.tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start schedules every registered task and begins the cron loop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return fmt.Errorf("scheduler: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(d.loc))
	for _, t := range d.tasks {
		t := t
		if _, err := c.AddFunc(t.Spec, func() { d.execute(runCtx, t) }); err != nil {
			cancel()
			return fmt.Errorf("scheduler: schedule %s: %w", t.Name, err)
		}
	}
	c.Start()
	d.cron, d.cancel = c, cancel
	d.logger.Info().Int("tasks", len(d.tasks)).Str("location", d.loc.String()).Msg("scheduler started")
	return nil
}

// Stop cancels in-flight runs and waits for them to return.
func (d *Daemon) Stop() {
	d.mu.Lock()
	c, cancel := d.cron, d.cancel
	d.cron, d.cancel = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
		d.logger.Info().Msg("scheduler stopped")
	}
}

// RunNow executes one task immediately under the same leader lock as the
// cron loop.
func (d *Daemon) RunNow(ctx context.Context, name string) (Result, error) {
	d.mu.Lock()
	t, ok := d.tasks[name]
	d.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("scheduler: unknown task %q", name)
	}
	res, leader, err := d.run(ctx, t)
	if err == nil && !leader {
		err = ErrNotLeader
	}
	return res, err
}

func (d *Daemon) execute(ctx context.Context, t Task) {
	if _, _, err := d.run(ctx, t); err != nil {
		d.logger.Warn().Err(err).Str("task", t.Name).Msg("scheduled task failed")
	}
}

func (d *Daemon) run(ctx context.Context, t Task) (Result, bool, error) {
	key := "sweep:" + t.Name
	acquired, token, err := d.locker.TryLock(ctx, key, d.lockTTL)
	if err != nil {
		return Result{}, false, fmt.Errorf("leader lock: %w", err)
	}
	if !acquired {
		d.logger.Debug().Str("task", t.Name).Msg("leader lock held elsewhere; skipping")
		d.metrics.RecordSweep(t.Name, "skipped", 0, 0, 0)
		return Result{}, false, nil
	}
	defer func() {
		// Release with a fresh context so a cancelled run still unlocks.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.locker.Unlock(unlockCtx, key, token); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			d.logger.Warn().Err(err).Str("task", t.Name).Msg("leader lock release failed")
		}
	}()

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	go d.refresh(refreshCtx, t.Name, key, token)

	start := time.Now()
	res, err := t.Run(ctx)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.RecordSweep(t.Name, outcome, res.Changed, res.Failed, elapsed)
	d.logger.Info().
		Str("task", t.Name).
		Int("scanned", res.Scanned).
		Int("changed", res.Changed).
		Int("failed", res.Failed).
		Dur("duration", elapsed).
		Msg("task finished")
	return res, true, err
}

func (d *Daemon) refresh(ctx context.Context, name, key, token string) {
	tick := time.NewTicker(d.lockTTL / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := d.locker.Refresh(ctx, key, token, d.lockTTL); err != nil {
				d.logger.Warn().Err(err).Str("task", name).Msg("leader lock refresh failed")
			}
		}
	}
}
