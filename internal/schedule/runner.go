// Package schedule runs agents against the ready queue during configured
// time windows. It owns no scheduling state beyond what the store holds; on
// every tick it re-reads the schedule table, so API edits take effect without
// a restart.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Xaheen-ai/autoforge/internal/config"
	"github.com/Xaheen-ai/autoforge/internal/events"
	"github.com/Xaheen-ai/autoforge/internal/logging"
	"github.com/Xaheen-ai/autoforge/internal/store"
)

// AgentRunner executes one claimed feature. Implementations wrap the actual
// agent runtime; the schedule runner only cares whether the run passed.
type AgentRunner interface {
	Run(ctx context.Context, feature *store.Feature, yolo bool) error
}

// AgentRunnerFunc adapts a function to the AgentRunner interface.
type AgentRunnerFunc func(ctx context.Context, feature *store.Feature, yolo bool) error

// Run calls f.
func (f AgentRunnerFunc) Run(ctx context.Context, feature *store.Feature, yolo bool) error {
	return f(ctx, feature, yolo)
}

// Runner polls the schedule table and dispatches ready features to the agent
// while a schedule window is active. It is safe for concurrent use.
type Runner struct {
	store  *store.Store
	hub    *events.Hub
	agent  AgentRunner
	config *config.SchedulerConfig
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	entryID cron.EntryID
	active  map[string]int // in-flight agent runs per project

	wg sync.WaitGroup
}

// NewRunner creates a schedule runner. The agent is required; hub may be nil
// when no event fan-out is wanted.
func NewRunner(st *store.Store, hub *events.Hub, agent AgentRunner, cfg *config.SchedulerConfig) *Runner {
	if cfg == nil {
		cfg = &config.SchedulerConfig{Enabled: true, PollInterval: "30s", MaxConcurrency: 1}
	}
	return &Runner{
		store:  st,
		hub:    hub,
		agent:  agent,
		config: cfg,
		cron:   cron.New(),
		logger: logging.WithComponent("scheduler"),
		active: make(map[string]int),
	}
}

// Start begins polling. It returns immediately; ticks run on the cron
// goroutine until Stop is called or the context is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	if !r.config.Enabled {
		r.logger.Info("schedule runner disabled")
		return nil
	}

	spec := fmt.Sprintf("@every %s", r.config.PollEvery())
	entryID, err := r.cron.AddFunc(spec, func() {
		r.tick(ctx, time.Now())
	})
	if err != nil {
		return err
	}

	r.entryID = entryID
	r.cron.Start()
	r.running = true

	r.logger.Info("schedule runner started",
		slog.String("poll_interval", r.config.PollEvery().String()),
	)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()

	return nil
}

// Stop halts polling and waits for in-flight agent runs to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.wg.Wait()
	r.logger.Info("schedule runner stopped")
}

// IsRunning returns whether the runner is polling.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// NextRun returns the next scheduled poll time.
func (r *Runner) NextRun() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return time.Time{}
	}
	return r.cron.Entry(r.entryID).Next
}

// tick checks every enabled schedule and dispatches work for the ones whose
// window covers now.
func (r *Runner) tick(ctx context.Context, now time.Time) {
	schedules, err := r.store.ListAllSchedules()
	if err != nil {
		r.logger.Error("listing schedules failed", slog.Any("error", err))
		return
	}

	for _, sched := range schedules {
		if !sched.Enabled || !withinWindow(sched, now) {
			continue
		}
		r.dispatch(ctx, sched)
	}
}

// dispatch claims ready features for the schedule's project until its
// concurrency budget is spent or the ready queue drains.
func (r *Runner) dispatch(ctx context.Context, sched *store.Schedule) {
	for {
		r.mu.Lock()
		if r.active[sched.Project] >= sched.MaxConcurrency {
			r.mu.Unlock()
			return
		}
		r.active[sched.Project]++
		r.mu.Unlock()

		worker := fmt.Sprintf("scheduler/%s/%d", sched.Project, sched.ID)
		feature, err := r.store.ClaimNext(sched.Project, worker)
		if err != nil {
			r.release(sched.Project)
			if !errors.Is(err, store.ErrNotFound) {
				r.logger.Error("claim failed",
					slog.String("project", sched.Project), slog.Any("error", err))
			}
			return
		}

		r.publish(events.TypeFeatureClaimed, feature)
		r.logger.Info("feature dispatched",
			slog.String("project", feature.Project),
			slog.Int64("feature_id", feature.ID),
			slog.Bool("yolo", sched.YoloMode),
		)

		r.wg.Add(1)
		go r.run(ctx, sched, feature)
	}
}

// run executes one agent run and releases the claim with the outcome.
func (r *Runner) run(ctx context.Context, sched *store.Schedule, feature *store.Feature) {
	defer r.wg.Done()
	defer r.release(sched.Project)

	outcome := store.OutcomePassed
	if err := r.agent.Run(ctx, feature, sched.YoloMode); err != nil {
		outcome = store.OutcomeFailed
		r.logger.Warn("agent run failed",
			slog.String("project", feature.Project),
			slog.Int64("feature_id", feature.ID),
			slog.Any("error", err),
		)
	}

	released, err := r.store.ReleaseFeature(feature.Project, feature.ID, outcome)
	if err != nil {
		r.logger.Error("release failed",
			slog.String("project", feature.Project),
			slog.Int64("feature_id", feature.ID),
			slog.Any("error", err),
		)
		return
	}
	r.publish(events.TypeFeatureReleased, released)
}

func (r *Runner) release(project string) {
	r.mu.Lock()
	r.active[project]--
	r.mu.Unlock()
}

func (r *Runner) publish(eventType string, f *store.Feature) {
	if r.hub != nil {
		r.hub.Publish(eventType, f.Project, f.ID)
	}
}

// dayKeys maps Go weekdays onto the stored "mon".."sun" day names.
var dayKeys = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

// withinWindow reports whether now falls inside the schedule's window. A
// window that crosses midnight belongs to the day it starts on.
func withinWindow(sched *store.Schedule, now time.Time) bool {
	start, err := time.Parse("15:04", sched.StartTime)
	if err != nil {
		return false
	}
	startMin := start.Hour()*60 + start.Minute()
	nowMin := now.Hour()*60 + now.Minute()

	if onDay(sched, now.Weekday()) {
		if nowMin >= startMin && nowMin < startMin+sched.DurationMinutes {
			return true
		}
	}

	// Overflow from a window that started yesterday.
	if overflow := startMin + sched.DurationMinutes - 24*60; overflow > 0 {
		if onDay(sched, now.AddDate(0, 0, -1).Weekday()) && nowMin < overflow {
			return true
		}
	}
	return false
}

func onDay(sched *store.Schedule, day time.Weekday) bool {
	key := dayKeys[day]
	for _, d := range sched.DaysOfWeek {
		if d == key {
			return true
		}
	}
	return false
}
