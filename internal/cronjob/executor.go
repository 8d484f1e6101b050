package cronjob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tgifai/crond/internal/pkg/logs"
)

// EnqueueSystemEventFunc posts text into a session.
type EnqueueSystemEventFunc func(ctx context.Context, text string, target DeliveryTarget) error

// RequestHeartbeatFunc asks the host to run a processing cycle now.
type RequestHeartbeatFunc func(ctx context.Context) error

// RunIsolatedJobFunc executes a full agent turn out of band. ctx is
// cancelled when the service stops.
type RunIsolatedJobFunc func(ctx context.Context, req IsolatedRequest) (IsolatedResult, error)

type IsolatedRequest struct {
	Job     Job    `json:"job"`
	Message string `json:"message"`
}

type IsolatedResult struct {
	Status     RunStatus `json:"status"`
	Summary    string    `json:"summary,omitempty"`
	OutputText string    `json:"outputText,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	SessionKey string    `json:"sessionKey,omitempty"`
	Delivered  bool      `json:"delivered"`
	Error      string    `json:"error,omitempty"`
}

// Deps are the host collaborators the service drives.
type Deps struct {
	EnqueueSystemEvent  EnqueueSystemEventFunc
	RequestHeartbeatNow RequestHeartbeatFunc
	RunIsolatedAgentJob RunIsolatedJobFunc
	// OnEvent, when set, observes job lifecycle events. It must not block.
	OnEvent func(Event)
}

// ExecutionResult is the outcome of one fire.
type ExecutionResult struct {
	OK         bool
	Ran        bool
	Status     RunStatus
	Summary    string
	Error      string
	Err        error
	DurationMs int64
}

type executor struct {
	deps    Deps
	timeout time.Duration
	now     func() time.Time
}

// execute runs the job's payload once. Failures, panics included, come back
// as ExecutionResult{OK: false} and never escape.
func (e *executor) execute(ctx context.Context, job *Job) (res ExecutionResult) {
	ctx = logs.SetJobID(ctx, job.ID)
	start := e.now()
	res.Ran = true

	defer func() {
		if r := recover(); r != nil {
			err := &ExecutionError{JobID: job.ID, Err: fmt.Errorf("panic: %v", r)}
			logs.CtxError(ctx, "[cronjob] job %s panicked: %v", job.Name, r)
			res.OK, res.Status, res.Err, res.Error = false, StatusError, err, err.Err.Error()
		}
		res.DurationMs = e.now().Sub(start).Milliseconds()
	}()

	timeout := e.timeout
	if job.Payload.TimeoutSeconds > 0 {
		timeout = time.Duration(job.Payload.TimeoutSeconds) * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	summary, err := e.dispatch(ctx, job)
	res.Summary = summary
	if err != nil {
		logs.CtxError(ctx, "[cronjob] job %s failed: %v", job.Name, err)
		res.Status = StatusError
		res.Err = &ExecutionError{JobID: job.ID, Err: err}
		res.Error = err.Error()
		return res
	}

	if job.WakeMode == WakeNow {
		// A failed wake does not fail the fire.
		if err := e.requestHeartbeat(ctx); err != nil {
			logs.CtxWarn(ctx, "[cronjob] job %s heartbeat request failed: %v", job.Name, err)
		}
	}

	logs.CtxInfo(ctx, "[cronjob] fired job %s (%s/%s)", job.Name, job.SessionTarget, job.Payload.Kind)
	res.OK = true
	res.Status = StatusOK
	return res
}

func (e *executor) dispatch(ctx context.Context, job *Job) (string, error) {
	switch {
	case job.SessionTarget == SessionMain && job.Payload.Kind == PayloadSystemEvent:
		return "", e.enqueue(ctx, job.Payload.Text, ResolveDelivery(job))
	case job.SessionTarget == SessionIsolated && job.Payload.Kind == PayloadAgentTurn:
		return e.runIsolated(ctx, job)
	default:
		return "", invalid("payload.kind", "%q cannot run against sessionTarget %q", job.Payload.Kind, job.SessionTarget)
	}
}

// emptySummaryText stands in for an isolated run that produced no text.
const emptySummaryText = "(no output)"

func (e *executor) runIsolated(ctx context.Context, job *Job) (string, error) {
	if e.deps.RunIsolatedAgentJob == nil {
		return "", errors.New("runIsolatedAgentJob is not configured")
	}

	result, err := e.deps.RunIsolatedAgentJob(ctx, IsolatedRequest{Job: job.clone(), Message: job.Payload.Message})
	if err != nil {
		return "", fmt.Errorf("isolated run: %w", err)
	}

	summary := strings.TrimSpace(result.Summary)
	if summary == "" {
		summary = strings.TrimSpace(result.OutputText)
	}

	if result.Status == StatusError {
		msg := strings.TrimSpace(result.Error)
		if msg == "" {
			msg = summary
		}
		if msg == "" {
			msg = "isolated run failed"
		}
		if !result.Delivered && job.announces() {
			if err := e.enqueue(ctx, "Cron (error): "+msg, ResolveDelivery(job)); err != nil {
				logs.CtxWarn(ctx, "[cronjob] job %s error relay failed: %v", job.Name, err)
			}
		}
		return summary, errors.New(msg)
	}

	// The relay always targets the job's own session, not the isolated run's.
	if !result.Delivered && job.announces() {
		text := summary
		if text == "" {
			text = emptySummaryText
		}
		if err := e.enqueue(ctx, "Cron: "+text, ResolveDelivery(job)); err != nil {
			return summary, fmt.Errorf("relay summary: %w", err)
		}
	}
	return summary, nil
}

func (e *executor) enqueue(ctx context.Context, text string, target DeliveryTarget) error {
	if e.deps.EnqueueSystemEvent == nil {
		return errors.New("enqueueSystemEvent is not configured")
	}
	return e.deps.EnqueueSystemEvent(ctx, text, target)
}

func (e *executor) requestHeartbeat(ctx context.Context) error {
	if e.deps.RequestHeartbeatNow == nil {
		return nil
	}
	return e.deps.RequestHeartbeatNow(ctx)
}
