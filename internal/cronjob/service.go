package cronjob

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/gg/gslice"
	"github.com/google/uuid"

	"github.com/tgifai/crond/internal/config"
	"github.com/tgifai/crond/internal/consts"
	"github.com/tgifai/crond/internal/pkg/logs"
)

type RunMode string

const (
	// RunForce executes regardless of enabled or due-ness.
	RunForce RunMode = "force"
	// RunDue executes only when the job is due.
	RunDue RunMode = "due"
)

const (
	ReasonNotDue         = "not-due"
	ReasonAlreadyRunning = "already-running"
)

type RunResult struct {
	OK          bool      `json:"ok"`
	Ran         bool      `json:"ran"`
	Reason      string    `json:"reason,omitempty"`
	Status      RunStatus `json:"status,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"durationMs,omitempty"`
	NextRunAtMs int64     `json:"nextRunAtMs,omitempty"`
}

type Status struct {
	Enabled      bool   `json:"enabled"`
	Running      bool   `json:"running"`
	Jobs         int    `json:"jobs"`
	NextWakeAtMs int64  `json:"nextWakeAtMs,omitempty"`
	Store        string `json:"store"`
}

type EventAction string

const (
	EventAdded    EventAction = "added"
	EventUpdated  EventAction = "updated"
	EventRemoved  EventAction = "removed"
	EventStarted  EventAction = "started"
	EventFinished EventAction = "finished"
)

type Event struct {
	JobID       string      `json:"jobId"`
	Action      EventAction `json:"action"`
	AtMs        int64       `json:"atMs"`
	Status      RunStatus   `json:"status,omitempty"`
	Error       string      `json:"error,omitempty"`
	Summary     string      `json:"summary,omitempty"`
	DurationMs  int64       `json:"durationMs,omitempty"`
	NextRunAtMs int64       `json:"nextRunAtMs,omitempty"`
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithTickInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tick = d
		}
	}
}

// Service owns the job store, the scheduler loop and the per-job execution
// guard.
type Service struct {
	cfg     config.CronConfig
	store   *Store
	exec    *executor
	runLog  *RunLog
	metrics *metrics
	deps    Deps
	now     func() time.Time
	loc     *time.Location
	tick    time.Duration

	lifeMu     sync.Mutex // serializes Start and Stop
	started    bool
	loopActive atomic.Bool
	wg         sync.WaitGroup

	ctxMu   sync.Mutex
	lifeCtx context.Context
	cancel  context.CancelFunc

	runningMu   sync.Mutex
	running     map[string]struct{} // job ids currently executing
	idleWaiters []chan struct{}
}

// NewService creates a service over backend. Nothing is read until the first
// call that needs the jobs.
func NewService(cfg config.CronConfig, backend Backend, deps Deps, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		store:   NewStore(backend),
		metrics: cronMetrics,
		deps:    deps,
		now:     time.Now,
		loc:     cfg.Location(),
		tick:    cfg.Tick(),
		running: make(map[string]struct{}),
	}
	if cfg.RunLog.Dir != "" {
		s.runLog = NewRunLog(cfg.RunLog.Dir, cfg.RunLog.MaxBytes, cfg.RunLog.KeepLines)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.exec = &executor{deps: deps, timeout: cfg.JobTimeout(), now: s.now}
	return s
}

// Add validates and stores a new job.
func (s *Service) Add(ctx context.Context, in JobCreate) (Job, error) {
	if err := s.store.ensureLoaded(ctx); err != nil {
		return Job{}, err
	}

	now := s.now()
	job := Job{
		ID:             uuid.NewString(),
		AgentID:        in.AgentID,
		SessionKey:     in.SessionKey,
		Name:           in.Name,
		Description:    in.Description,
		Enabled:        true,
		DeleteAfterRun: in.DeleteAfterRun,
		CreatedAtMs:    now.UnixMilli(),
		UpdatedAtMs:    now.UnixMilli(),
		Schedule:       in.Schedule,
		SessionTarget:  in.SessionTarget,
		WakeMode:       in.WakeMode,
		Payload:        in.Payload,
	}
	if in.Enabled != nil {
		job.Enabled = *in.Enabled
	}
	if in.Delivery != nil {
		d := *in.Delivery
		job.Delivery = &d
	}
	if strings.TrimSpace(job.AgentID) == "" {
		job.AgentID = agentFromCtx(ctx)
	}

	normalizeJob(&job)
	if err := validateJob(&job); err != nil {
		return Job{}, err
	}
	if err := s.computeNext(&job, now, false); err != nil {
		return Job{}, err
	}
	if err := s.store.Add(job); err != nil {
		return Job{}, err
	}

	s.persist(ctx, "add")
	s.metrics.jobs.Set(float64(s.store.Len()))
	s.emit(Event{JobID: job.ID, Action: EventAdded, AtMs: now.UnixMilli(), NextRunAtMs: job.State.NextRunAtMs})
	logs.CtxInfo(ctx, "[cronjob] added job %s (%s) via %s, next run %s",
		job.Name, job.ID, callerOf(ctx), FormatMs(job.State.NextRunAtMs, s.loc))
	return job, nil
}

// Update merges patch into the job. Validation failures leave the job as it
// was.
func (s *Service) Update(ctx context.Context, id string, patch JobPatch) (Job, error) {
	if err := s.store.ensureLoaded(ctx); err != nil {
		return Job{}, err
	}

	now := s.now()
	var patchErr error
	job, ok := s.store.Mutate(id, func(j *Job) bool {
		draft := j.clone()
		reschedule, err := patch.applyTo(&draft)
		if err == nil {
			normalizeJob(&draft)
			err = validateJob(&draft)
		}
		if err == nil && reschedule {
			// Re-arming a one-shot ignores its previous fire.
			err = s.computeNext(&draft, now, draft.Schedule.Kind == ScheduleAt)
		}
		if err != nil {
			patchErr = err
			return true
		}
		draft.touch(now)
		*j = draft
		return true
	})
	if !ok {
		return Job{}, notFound(id)
	}
	if patchErr != nil {
		return Job{}, patchErr
	}

	s.persist(ctx, "update")
	s.emit(Event{JobID: id, Action: EventUpdated, AtMs: now.UnixMilli(), NextRunAtMs: job.State.NextRunAtMs})
	logs.CtxInfo(ctx, "[cronjob] updated job %s (%s) via %s", job.Name, job.ID, callerOf(ctx))
	return job, nil
}

// Remove deletes the job and its run history.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.store.ensureLoaded(ctx); err != nil {
		return err
	}
	if !s.store.Remove(id) {
		return notFound(id)
	}
	if s.isRunning(id) {
		logs.CtxInfo(ctx, "[cronjob] job %s removed while running, the current run will finish", id)
	}

	s.persist(ctx, "remove")
	if err := s.runLog.Remove(id); err != nil {
		logs.CtxWarn(ctx, "[cronjob] remove run log of %s: %v", id, err)
	}
	s.metrics.jobs.Set(float64(s.store.Len()))
	s.emit(Event{JobID: id, Action: EventRemoved, AtMs: s.now().UnixMilli()})
	logs.CtxInfo(ctx, "[cronjob] removed job %s via %s", id, callerOf(ctx))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Job, error) {
	if err := s.store.ensureLoaded(ctx); err != nil {
		return Job{}, err
	}
	j, ok := s.store.Get(id)
	if !ok {
		return Job{}, notFound(id)
	}
	return j, nil
}

// List returns jobs ordered by next run. Disabled jobs are included only
// when includeDisabled is set.
func (s *Service) List(ctx context.Context, includeDisabled bool) ([]Job, error) {
	if err := s.store.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	jobs := s.store.List()
	if !includeDisabled {
		jobs = gslice.Filter(jobs, func(j Job) bool { return j.Enabled })
	}
	return jobs, nil
}

// Run executes one job now. RunDue returns Ran=false without side effects
// when the job is not due; RunForce skips that check. A job that is already
// executing is never started twice.
func (s *Service) Run(ctx context.Context, id string, mode RunMode) (RunResult, error) {
	switch mode {
	case "":
		mode = RunDue
	case RunDue, RunForce:
	default:
		return RunResult{}, invalid("mode", "unknown run mode %q", mode)
	}
	if err := s.store.ensureLoaded(ctx); err != nil {
		return RunResult{}, err
	}

	ctx, cancel := s.bindLifecycle(ctx)
	defer cancel()

	res, err := s.runOne(ctx, id, mode)
	if err != nil {
		return res, err
	}
	if res.Ran {
		s.persist(ctx, "run")
	}
	return res, nil
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	if err := s.store.ensureLoaded(ctx); err != nil {
		return Status{}, err
	}
	st := Status{
		Enabled: s.cfg.IsEnabled(),
		Running: s.loopActive.Load(),
		Jobs:    s.store.Len(),
		Store:   s.store.Location(),
	}
	for _, j := range s.store.List() {
		if j.Enabled && j.State.NextRunAtMs > 0 {
			st.NextWakeAtMs = j.State.NextRunAtMs
			break
		}
	}
	return st, nil
}

// Wake posts text to the main session and, for WakeNow, asks the host for
// an immediate cycle.
func (s *Service) Wake(ctx context.Context, text string, mode WakeMode) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return invalid("text", "required")
	}
	switch mode {
	case "":
		mode = WakeNow
	case WakeNow, WakeNextHeartbeat:
	default:
		return invalid("mode", "unknown wake mode %q", mode)
	}

	if err := s.exec.enqueue(ctx, text, DeliveryTarget{}); err != nil {
		return fmt.Errorf("enqueue wake event: %w", err)
	}
	if mode == WakeNow {
		if err := s.exec.requestHeartbeat(ctx); err != nil {
			return fmt.Errorf("request heartbeat: %w", err)
		}
	}
	return nil
}

// Runs returns the newest run-log entries of a job.
func (s *Service) Runs(ctx context.Context, id string, limit int) ([]RunLogEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.runLog.Read(id, limit)
}

// Close releases the backend. Call it after Stop.
func (s *Service) Close() error {
	return s.store.Close()
}

// computeNext sets job.State.NextRunAtMs. Disabled jobs get no next run.
func (s *Service) computeNext(job *Job, ref time.Time, rearm bool) error {
	if !job.Enabled {
		job.State.NextRunAtMs = 0
		return nil
	}
	last := msToTime(job.State.LastRunAtMs)
	if rearm {
		last = time.Time{}
	}
	next, err := NextRun(job.Schedule, ref, last, msToTime(job.CreatedAtMs), s.loc)
	if err != nil {
		return invalid("schedule", "%v", err)
	}
	job.State.NextRunAtMs = timeToMs(next)
	return nil
}

func (s *Service) persist(ctx context.Context, op string) {
	if err := s.store.Save(context.WithoutCancel(ctx)); err != nil {
		s.metrics.saveErrors.Inc()
		logs.CtxError(ctx, "[cronjob] persist after %s: %v", op, err)
	}
}

func (s *Service) emit(e Event) {
	if s.deps.OnEvent != nil {
		s.deps.OnEvent(e)
	}
}

// bindLifecycle ties ctx to the running service so Stop cancels direct runs.
func (s *Service) bindLifecycle(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	s.ctxMu.Lock()
	lc := s.lifeCtx
	s.ctxMu.Unlock()
	if lc == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(lc, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func callerOf(ctx context.Context) string {
	if v, ok := ctx.Value(consts.CtxKeyCaller).(string); ok && v != "" {
		return v
	}
	return "api"
}

func agentFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(consts.CtxKeyAgentID).(string)
	return strings.TrimSpace(v)
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
