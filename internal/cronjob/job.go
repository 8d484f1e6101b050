package cronjob

import "time"

// ScheduleKind defines how a job's execution time is determined.
type ScheduleKind string

const (
	// ScheduleAt fires once at or after Schedule.AtMs, then is exhausted.
	ScheduleAt ScheduleKind = "at"
	// ScheduleEvery recurs every Schedule.EveryMs from the last fire.
	ScheduleEvery ScheduleKind = "every"
	// ScheduleCron recurs per a 5-field cron expression.
	ScheduleCron ScheduleKind = "cron"
)

// SessionTarget controls which conversation context a job runs in.
type SessionTarget string

const (
	// SessionMain posts the payload text straight into the configured session.
	SessionMain SessionTarget = "main"
	// SessionIsolated delegates to a separate agent run and relays only a
	// summary back.
	SessionIsolated SessionTarget = "isolated"
)

// WakeMode controls whether a fire asks the host for an immediate cycle.
type WakeMode string

const (
	WakeNow           WakeMode = "now"
	WakeNextHeartbeat WakeMode = "next-heartbeat"
)

type PayloadKind string

const (
	PayloadSystemEvent PayloadKind = "systemEvent"
	PayloadAgentTurn   PayloadKind = "agentTurn"
)

type DeliveryMode string

const (
	DeliveryAnnounce DeliveryMode = "announce"
	DeliveryNone     DeliveryMode = "none"
)

type RunStatus string

const (
	StatusOK      RunStatus = "ok"
	StatusError   RunStatus = "error"
	StatusSkipped RunStatus = "skipped"
)

type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	AtMs     int64        `json:"atMs,omitempty"`
	EveryMs  int64        `json:"everyMs,omitempty"`
	AnchorMs int64        `json:"anchorMs,omitempty"`
	Expr     string       `json:"expr,omitempty"`
	TZ       string       `json:"tz,omitempty"`
}

type Payload struct {
	Kind PayloadKind `json:"kind"`
	// Text is posted as-is for systemEvent payloads.
	Text string `json:"text,omitempty"`
	// Message drives the isolated agent turn for agentTurn payloads.
	Message        string `json:"message,omitempty"`
	Model          string `json:"model,omitempty"`
	Thinking       string `json:"thinking,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type Delivery struct {
	Mode       DeliveryMode `json:"mode"`
	Channel    string       `json:"channel,omitempty"`
	To         string       `json:"to,omitempty"`
	BestEffort bool         `json:"bestEffort,omitempty"`
}

// JobState is owned by the executor and the scheduler loop.
type JobState struct {
	NextRunAtMs       int64     `json:"nextRunAtMs,omitempty"`
	RunningAtMs       int64     `json:"runningAtMs,omitempty"`
	LastRunAtMs       int64     `json:"lastRunAtMs,omitempty"`
	LastStatus        RunStatus `json:"lastStatus,omitempty"`
	LastError         string    `json:"lastError,omitempty"`
	LastDurationMs    int64     `json:"lastDurationMs,omitempty"`
	ConsecutiveErrors int       `json:"consecutiveErrors,omitempty"`
}

// Job describes a single scheduled unit of work.
type Job struct {
	ID      string `json:"id"`
	AgentID string `json:"agentId,omitempty"`
	// SessionKey is either a non-empty opaque key or absent.
	SessionKey     string        `json:"sessionKey,omitempty"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Enabled        bool          `json:"enabled"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64         `json:"createdAtMs"`
	UpdatedAtMs    int64         `json:"updatedAtMs"`
	Schedule       Schedule      `json:"schedule"`
	SessionTarget  SessionTarget `json:"sessionTarget"`
	WakeMode       WakeMode      `json:"wakeMode"`
	Payload        Payload       `json:"payload"`
	Delivery       *Delivery     `json:"delivery,omitempty"`
	State          JobState      `json:"state"`
}

// JobCreate is the input of Service.Add.
type JobCreate struct {
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	AgentID        string        `json:"agentId,omitempty"`
	SessionKey     string        `json:"sessionKey,omitempty"`
	Enabled        *bool         `json:"enabled,omitempty"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
	Schedule       Schedule      `json:"schedule"`
	SessionTarget  SessionTarget `json:"sessionTarget"`
	WakeMode       WakeMode      `json:"wakeMode,omitempty"`
	Payload        Payload       `json:"payload"`
	Delivery       *Delivery     `json:"delivery,omitempty"`
}

func (j *Job) clone() Job {
	out := *j
	if j.Delivery != nil {
		d := *j.Delivery
		out.Delivery = &d
	}
	return out
}

// announces reports whether an isolated job's summary should be relayed.
func (j *Job) announces() bool {
	return j.Delivery == nil || j.Delivery.Mode != DeliveryNone
}

// isDue reports whether the loop should fire the job at now.
func (j *Job) isDue(now time.Time) bool {
	return j.Enabled && j.State.NextRunAtMs > 0 && j.State.NextRunAtMs <= now.UnixMilli()
}

func (j *Job) touch(now time.Time) {
	if ms := now.UnixMilli(); ms > j.UpdatedAtMs {
		j.UpdatedAtMs = ms
	}
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
