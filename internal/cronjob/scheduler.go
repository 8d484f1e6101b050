package cronjob

import (
	"context"
	"fmt"
	"time"

	"github.com/tgifai/crond/internal/pkg/logs"
)

// Start loads persisted jobs and begins the scheduling loop. A second call
// is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.started {
		return nil
	}
	if err := s.store.ensureLoaded(ctx); err != nil {
		return fmt.Errorf("load job store: %w", err)
	}
	s.recoverState(ctx, true)

	ctx, cancel := context.WithCancel(ctx)
	s.ctxMu.Lock()
	s.lifeCtx, s.cancel = ctx, cancel
	s.ctxMu.Unlock()
	s.started = true

	if s.cfg.IsEnabled() {
		s.loopActive.Store(true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx)
		}()
	} else {
		logs.CtxWarn(ctx, "[cronjob] scheduling disabled by config, jobs only run on demand")
	}

	if fb, ok := s.store.backend.(*FileBackend); ok && s.cfg.WatchEnabled() {
		if err := s.watch(ctx, fb); err != nil {
			logs.CtxWarn(ctx, "[cronjob] store watcher not started: %v", err)
		}
	}

	logs.CtxInfo(ctx, "[cronjob] service started (jobs=%d, tick=%s, store=%s)",
		s.store.Len(), s.tick, s.store.Location())
	return nil
}

// Stop cancels the loop and waits, bounded by ctx, for in-flight jobs to
// finish before the final save.
func (s *Service) Stop(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if !s.started {
		return
	}
	s.started = false
	s.loopActive.Store(false)

	s.ctxMu.Lock()
	cancel := s.cancel
	s.lifeCtx, s.cancel = nil, nil
	s.ctxMu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logs.CtxWarn(ctx, "[cronjob] stop timed out waiting for the scheduler loop")
	}
	if err := s.waitIdle(ctx); err != nil {
		logs.CtxWarn(ctx, "[cronjob] stop timed out waiting for running jobs")
	}

	s.persist(ctx, "stop")
	logs.CtxInfo(ctx, "[cronjob] service stopped")
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue fires every due job one after another and saves once for the
// batch. It returns the number of jobs that ran.
func (s *Service) runDue(ctx context.Context) int {
	fired := 0
	for _, job := range s.store.ListDue(s.now()) {
		if ctx.Err() != nil {
			break
		}
		res, err := s.runOne(ctx, job.ID, RunDue)
		if err != nil {
			if !IsNotFound(err) {
				logs.CtxWarn(ctx, "[cronjob] job %s not run: %v", job.Name, err)
			}
			continue
		}
		switch {
		case res.Reason == ReasonAlreadyRunning:
			s.metrics.skipped.Inc()
			logs.CtxInfo(ctx, "[cronjob] job %s still running, skipping this tick", job.Name)
			if err := s.runLog.Append(RunLogEntry{
				Ts:      s.now().UnixMilli(),
				JobID:   job.ID,
				Status:  StatusSkipped,
				Summary: "previous run still in progress",
			}); err != nil {
				logs.CtxWarn(ctx, "[cronjob] append run log of %s: %v", job.ID, err)
			}
		case res.Ran:
			fired++
		}
	}
	if fired > 0 {
		s.persist(ctx, "tick")
	}
	return fired
}

// runOne fires a single job under the per-job guard.
func (s *Service) runOne(ctx context.Context, id string, mode RunMode) (RunResult, error) {
	if !s.markRunning(id) {
		return RunResult{Reason: ReasonAlreadyRunning}, nil
	}
	defer s.markNotRunning(id)

	firedAt := s.now()
	due := false
	job, ok := s.store.Mutate(id, func(j *Job) bool {
		due = mode == RunForce || j.isDue(firedAt)
		if due {
			j.State.RunningAtMs = firedAt.UnixMilli()
		}
		return true
	})
	if !ok {
		return RunResult{}, notFound(id)
	}
	if !due {
		return RunResult{Reason: ReasonNotDue, NextRunAtMs: job.State.NextRunAtMs}, nil
	}

	s.emit(Event{JobID: id, Action: EventStarted, AtMs: firedAt.UnixMilli()})
	res := s.exec.execute(ctx, &job)
	return s.finish(ctx, id, res, firedAt, job.Schedule, mode == RunForce), nil
}

// finish records the outcome of a fire and advances the schedule. armed is
// the schedule the fire started under.
func (s *Service) finish(ctx context.Context, id string, res ExecutionResult, firedAt time.Time, armed Schedule, forced bool) RunResult {
	end := s.now()
	deleted := false
	job, ok := s.store.Mutate(id, func(j *Job) bool {
		rearmed := j.Schedule.Kind == ScheduleAt && j.Schedule != armed
		s.applyOutcome(ctx, j, res, firedAt, end, rearmed)
		if j.Schedule.Kind == ScheduleAt && res.OK && j.DeleteAfterRun && !rearmed {
			deleted = true
			return false
		}
		return true
	})

	out := RunResult{
		OK:          res.OK,
		Ran:         true,
		Status:      res.Status,
		Summary:     res.Summary,
		Error:       res.Error,
		DurationMs:  res.DurationMs,
		NextRunAtMs: job.State.NextRunAtMs,
	}
	s.metrics.observeRun(res, forced)
	if !ok {
		logs.CtxInfo(ctx, "[cronjob] job %s was removed while running", id)
		return out
	}

	if deleted {
		if err := s.runLog.Remove(id); err != nil {
			logs.CtxWarn(ctx, "[cronjob] remove run log of %s: %v", id, err)
		}
		s.metrics.jobs.Set(float64(s.store.Len()))
		logs.CtxInfo(ctx, "[cronjob] one-shot job %s deleted after run", job.Name)
	} else if err := s.runLog.Append(RunLogEntry{
		Ts:          end.UnixMilli(),
		JobID:       id,
		Status:      res.Status,
		Forced:      forced,
		Error:       res.Error,
		Summary:     res.Summary,
		DurationMs:  res.DurationMs,
		NextRunAtMs: job.State.NextRunAtMs,
	}); err != nil {
		logs.CtxWarn(ctx, "[cronjob] append run log of %s: %v", id, err)
	}

	s.emit(Event{
		JobID:       id,
		Action:      EventFinished,
		AtMs:        end.UnixMilli(),
		Status:      res.Status,
		Error:       res.Error,
		Summary:     res.Summary,
		DurationMs:  res.DurationMs,
		NextRunAtMs: job.State.NextRunAtMs,
	})
	if deleted {
		s.emit(Event{JobID: id, Action: EventRemoved, AtMs: end.UnixMilli()})
	}
	return out
}

// applyOutcome updates run state. A one-shot rearmed by an update during the
// run keeps its new fire time.
func (s *Service) applyOutcome(ctx context.Context, j *Job, res ExecutionResult, firedAt, end time.Time, rearmed bool) {
	j.State.RunningAtMs = 0
	j.State.LastRunAtMs = firedAt.UnixMilli()
	j.State.LastStatus = res.Status
	j.State.LastError = res.Error
	j.State.LastDurationMs = res.DurationMs
	if res.OK {
		j.State.ConsecutiveErrors = 0
	} else {
		j.State.ConsecutiveErrors++
	}
	j.touch(end)

	if j.Schedule.Kind == ScheduleAt {
		switch {
		case rearmed:
		case res.OK:
			j.Enabled = false
			j.State.NextRunAtMs = 0
		case j.Enabled:
			j.State.NextRunAtMs = end.Add(backoffDelay(j.State.ConsecutiveErrors)).UnixMilli()
		}
		return
	}

	if !j.Enabled {
		j.State.NextRunAtMs = 0
		return
	}
	next, err := NextRun(j.Schedule, firedAt, firedAt, msToTime(j.CreatedAtMs), s.loc)
	if err != nil {
		logs.CtxError(ctx, "[cronjob] job %s has an unusable schedule, disabling: %v", j.Name, err)
		j.Enabled = false
		j.State.NextRunAtMs = 0
		return
	}
	j.State.NextRunAtMs = timeToMs(next)
}

// recoverState fills in missing next runs. At startup it also clears running
// markers left by a previous process.
func (s *Service) recoverState(ctx context.Context, clearRunning bool) {
	now := s.now()
	changed := false
	for _, job := range s.store.List() {
		s.store.Mutate(job.ID, func(j *Job) bool {
			if clearRunning && j.State.RunningAtMs != 0 {
				j.State.RunningAtMs = 0
				changed = true
			}
			if j.Enabled && j.State.NextRunAtMs == 0 {
				if err := s.computeNext(j, now, false); err != nil {
					logs.CtxWarn(ctx, "[cronjob] job %s: %v", j.Name, err)
				} else if j.State.NextRunAtMs != 0 {
					changed = true
				}
			}
			return true
		})
	}
	if changed {
		s.persist(ctx, "recover")
	}
	s.metrics.jobs.Set(float64(s.store.Len()))
}

// markRunning claims id for execution. It reports false when a run of the
// same job is already in flight.
func (s *Service) markRunning(id string) bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if _, busy := s.running[id]; busy {
		return false
	}
	s.running[id] = struct{}{}
	return true
}

func (s *Service) markNotRunning(id string) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	delete(s.running, id)
	if len(s.running) == 0 {
		for _, ch := range s.idleWaiters {
			close(ch)
		}
		s.idleWaiters = nil
	}
}

func (s *Service) isRunning(id string) bool {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	_, ok := s.running[id]
	return ok
}

// waitIdle blocks until no job is executing or ctx ends.
func (s *Service) waitIdle(ctx context.Context) error {
	s.runningMu.Lock()
	if len(s.running) == 0 {
		s.runningMu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.idleWaiters = append(s.idleWaiters, ch)
	s.runningMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
