// Package scheduler is the watchdog: three loops that drive tenants
// between active and suspended without operator involvement. The idle
// loop suspends tenants whose in-guest connection count stays at zero,
// the traffic loop wakes suspended tenants whose tap sees new rx bytes,
// and the cron loop wakes tenants on their configured schedule.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lobsterd/lobsterd/pkg/lifecycle"
	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"github.com/lobsterd/lobsterd/pkg/log"
	"github.com/lobsterd/lobsterd/pkg/metrics"
	"github.com/lobsterd/lobsterd/pkg/types"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs the idle, traffic and cron loops over one engine.
type Scheduler struct {
	engine *lifecycle.Engine
	logger zerolog.Logger

	interval    time.Duration
	trafficPoll time.Duration
	idleAfter   time.Duration

	cron    *cron.Cron
	cronIDs map[string]cron.EntryID

	mu        sync.Mutex
	idleSince map[string]time.Time
	stopped   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a scheduler over engine, cadenced by the watchdog config.
func New(engine *lifecycle.Engine) *Scheduler {
	wd := engine.Cfg.Watchdog
	return &Scheduler{
		engine:      engine,
		logger:      log.WithComponent("scheduler"),
		interval:    msOrDefault(wd.IntervalMs, 5*time.Second),
		trafficPoll: msOrDefault(wd.TrafficPollMs, 2*time.Second),
		idleAfter:   msOrDefault(wd.IdleThresholdMs, time.Minute),
		cron:        cron.New(),
		cronIDs:     make(map[string]cron.EntryID),
		idleSince:   make(map[string]time.Time),
		stopCh:      make(chan struct{}),
	}
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Start launches the loops.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.wg.Add(2)
	go s.runIdleLoop()
	go s.runTrafficLoop()
	s.logger.Info().
		Dur("idle_interval", s.interval).
		Dur("traffic_poll", s.trafficPoll).
		Dur("idle_threshold", s.idleAfter).
		Msg("Scheduler started")
}

// Stop cancels all timers and refuses further triggers, then waits for
// in-flight operations to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) refusing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) runIdleLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.idleTick(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) runTrafficLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.trafficPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.trafficTick(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// idleTick probes every active tenant's connection count and suspends
// the ones that stayed idle past the threshold.
func (s *Scheduler) idleTick(ctx context.Context) {
	r, err := s.engine.Store.Load()
	if err != nil {
		s.logger.Error().Err(err).Msg("Idle tick failed to load registry")
		return
	}
	now := s.engine.Deps.Clock()
	for _, t := range r.Tenants {
		if t.Status != types.StatusActive {
			s.clearIdle(t.Name)
			continue
		}
		metrics.IdleChecksTotal.Inc()
		agent := s.engine.Deps.Dial(t.CID, t.AgentToken)
		count, err := agent.GetActiveConnections(ctx)
		if err != nil {
			// Unreachable agents leave the idle mark untouched.
			metrics.AgentUnreachableTotal.Inc()
			s.logger.Debug().Err(err).Str("tenant", t.Name).Msg("Agent unreachable during idle probe")
			continue
		}
		if count > 0 {
			s.clearIdle(t.Name)
			continue
		}

		s.mu.Lock()
		first, seen := s.idleSince[t.Name]
		if !seen {
			s.idleSince[t.Name] = now
			s.mu.Unlock()
			continue
		}
		due := now.Sub(first) >= s.idleAfter
		s.mu.Unlock()

		if due {
			s.trigger(t.Name, "idle", func(name string) error {
				timer := metrics.NewTimer()
				_, err := s.engine.Suspend(ctx, name, "idle", nil)
				if err == nil {
					s.clearIdle(name)
					s.armCron(name)
					timer.ObserveDuration(metrics.SuspendDuration)
					metrics.SuspendsTotal.WithLabelValues("idle").Inc()
				}
				return err
			})
		}
	}
}

// trafficTick compares every suspended tenant's rx counter against the
// value recorded at suspend time and wakes the ones with new traffic.
func (s *Scheduler) trafficTick(ctx context.Context) {
	r, err := s.engine.Store.Load()
	if err != nil {
		s.logger.Error().Err(err).Msg("Traffic tick failed to load registry")
		return
	}
	for _, t := range r.Tenants {
		if t.Status != types.StatusSuspended || t.SuspendInfo == nil {
			continue
		}
		// Keep cron wakes armed for tenants suspended outside this
		// process (operator CLI).
		s.armCronFor(t)

		rx, err := s.engine.Deps.RxBytes(t.TapDev)
		if err != nil {
			continue
		}
		last := t.SuspendInfo.LastRxBytes
		switch {
		case rx > last:
			metrics.TrafficWakesTotal.Inc()
			s.trigger(t.Name, "traffic", func(name string) error {
				timer := metrics.NewTimer()
				_, err := s.engine.Resume(ctx, name, "traffic", nil)
				if err == nil {
					s.disarmCron(name)
					timer.ObserveDuration(metrics.ResumeDuration)
					metrics.ResumesTotal.WithLabelValues("traffic").Inc()
				}
				return err
			})
		case rx < last:
			// Counter reset (tap recreated). Rebase the watermark so the
			// next real byte still wakes the tenant.
			name := t.Name
			_, _ = s.engine.Store.Mutate(ctx, func(reg *types.Registry) error {
				if row := reg.Find(name); row != nil && row.SuspendInfo != nil {
					row.SuspendInfo.LastRxBytes = rx
				}
				return nil
			})
		}
	}
}

// armCron looks name up and arms its wake entry if one is due.
func (s *Scheduler) armCron(name string) {
	r, err := s.engine.Store.Load()
	if err != nil {
		return
	}
	if t := r.Find(name); t != nil {
		s.armCronFor(t)
	}
}

// armCronFor installs a wake entry for a suspended tenant with a cron
// policy. The entry fires once: it resumes the tenant and removes
// itself; the next suspend re-arms it.
func (s *Scheduler) armCronFor(t *types.Tenant) {
	if t.CronSpec == "" || t.Status != types.StatusSuspended {
		return
	}
	name := t.Name

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, armed := s.cronIDs[name]; armed {
		return
	}
	id, err := s.cron.AddFunc(t.CronSpec, func() {
		s.disarmCron(name)
		s.trigger(name, "cron", func(n string) error {
			_, err := s.engine.Resume(context.Background(), n, "cron", nil)
			if err == nil {
				metrics.ResumesTotal.WithLabelValues("cron").Inc()
			}
			return err
		})
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant", name).Str("cron", t.CronSpec).Msg("Invalid cron wake policy")
		return
	}
	s.cronIDs[name] = id
}

func (s *Scheduler) disarmCron(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, armed := s.cronIDs[name]; armed {
		s.cron.Remove(id)
		delete(s.cronIDs, name)
	}
}

func (s *Scheduler) clearIdle(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idleSince, name)
}

// trigger runs op for name in its own goroutine. Attempts that find the
// tenant in flight are dropped silently; the next tick retries if the
// condition still holds. After Stop, no new triggers fire.
func (s *Scheduler) trigger(name, reason string, op func(string) error) {
	if s.refusing() {
		return
	}
	if s.engine.InFlight(name) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := op(name); err != nil {
			if errors.Is(err, lobsterderr.Of(lobsterderr.OperationInFlight)) {
				return
			}
			s.logger.Warn().Err(err).Str("tenant", name).Str("trigger", reason).Msg("Scheduled operation failed")
		}
	}()
}
