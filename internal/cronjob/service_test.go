package cronjob

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tgifai/crond/internal/config"
)

type enqueued struct {
	text   string
	target DeliveryTarget
}

// fakeHost records every call the service makes to its collaborators.
type fakeHost struct {
	mu         sync.Mutex
	enqueued   []enqueued
	heartbeats int
	isolated   []IsolatedRequest
	events     []Event

	enqueueErr     error
	isolatedResult IsolatedResult
	isolatedErr    error
	panicIsolated  bool
	block          chan struct{} // isolated runs wait on it when set
	started        chan struct{} // signalled when an isolated run begins
}

func (h *fakeHost) deps() Deps {
	return Deps{
		EnqueueSystemEvent: func(_ context.Context, text string, target DeliveryTarget) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.enqueueErr != nil {
				return h.enqueueErr
			}
			h.enqueued = append(h.enqueued, enqueued{text: text, target: target})
			return nil
		},
		RequestHeartbeatNow: func(context.Context) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.heartbeats++
			return nil
		},
		RunIsolatedAgentJob: func(ctx context.Context, req IsolatedRequest) (IsolatedResult, error) {
			h.mu.Lock()
			h.isolated = append(h.isolated, req)
			block, started := h.block, h.started
			res, err, boom := h.isolatedResult, h.isolatedErr, h.panicIsolated
			h.mu.Unlock()

			if started != nil {
				started <- struct{}{}
			}
			if block != nil {
				select {
				case <-block:
				case <-ctx.Done():
					return IsolatedResult{}, ctx.Err()
				}
			}
			if boom {
				panic("agent exploded")
			}
			return res, err
		},
		OnEvent: func(e Event) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, e)
		},
	}
}

func (h *fakeHost) enqueuedTexts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.enqueued))
	for _, e := range h.enqueued {
		out = append(out, e.text)
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var testEpoch = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func testCronConfig(dir string) config.CronConfig {
	off := false
	return config.CronConfig{
		Store:  config.StoreConfig{Driver: config.StoreDriverFile, Path: filepath.Join(dir, "jobs.json")},
		RunLog: config.RunLogConfig{Dir: filepath.Join(dir, "runs"), MaxBytes: 1 << 20, KeepLines: 100},
		Watch:  &off,
	}
}

func newTestService(t *testing.T, host *fakeHost) (*Service, *fakeClock, string) {
	t.Helper()
	dir := t.TempDir()
	clk := &fakeClock{t: testEpoch}
	cfg := testCronConfig(dir)
	svc := NewService(cfg, NewFileBackend(cfg.Store.Path), host.deps(),
		WithClock(clk.now), WithTickInterval(time.Hour))
	return svc, clk, dir
}

func mainJob(name string, every time.Duration) JobCreate {
	return JobCreate{
		Name:          name,
		Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: every.Milliseconds()},
		SessionTarget: SessionMain,
		Payload:       Payload{Kind: PayloadSystemEvent, Text: "check the inbox"},
	}
}

func isolatedJob(name string) JobCreate {
	return JobCreate{
		Name:          name,
		SessionKey:    "chat:42",
		Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: time.Hour.Milliseconds()},
		SessionTarget: SessionIsolated,
		Payload:       Payload{Kind: PayloadAgentTurn, Message: "summarize the news"},
	}
}

func TestService_AddDefaults(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeHost{})
	ctx := context.Background()

	job, err := svc.Add(ctx, JobCreate{
		Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: 60_000},
		SessionTarget: SessionIsolated,
		Payload:       Payload{Kind: PayloadAgentTurn, Message: "  water the plants  "},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if job.ID == "" || !job.Enabled {
		t.Fatalf("expected an enabled job with an id, got %+v", job)
	}
	if job.WakeMode != WakeNextHeartbeat {
		t.Errorf("wakeMode = %q, want next-heartbeat", job.WakeMode)
	}
	if job.Delivery == nil || job.Delivery.Mode != DeliveryAnnounce {
		t.Errorf("isolated job should default to announce delivery, got %+v", job.Delivery)
	}
	if job.Name != "water the plants" {
		t.Errorf("derived name = %q", job.Name)
	}
	if job.CreatedAtMs != testEpoch.UnixMilli() || job.UpdatedAtMs != job.CreatedAtMs {
		t.Errorf("timestamps: created %d updated %d", job.CreatedAtMs, job.UpdatedAtMs)
	}
	if want := testEpoch.Add(time.Minute).UnixMilli(); job.State.NextRunAtMs != want {
		t.Errorf("nextRunAtMs = %d, want %d", job.State.NextRunAtMs, want)
	}
}

func TestService_AddRejectsInvalid(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeHost{})
	ctx := context.Background()

	cases := map[string]JobCreate{
		"main with agentTurn": {
			Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: 1000},
			SessionTarget: SessionMain,
			Payload:       Payload{Kind: PayloadAgentTurn, Message: "hi"},
		},
		"isolated with systemEvent": {
			Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: 1000},
			SessionTarget: SessionIsolated,
			Payload:       Payload{Kind: PayloadSystemEvent, Text: "hi"},
		},
		"empty text": {
			Schedule:      Schedule{Kind: ScheduleEvery, EveryMs: 1000},
			SessionTarget: SessionMain,
			Payload:       Payload{Kind: PayloadSystemEvent, Text: "   "},
		},
		"bad cron": {
			Schedule:      Schedule{Kind: ScheduleCron, Expr: "61 * * * *"},
			SessionTarget: SessionMain,
			Payload:       Payload{Kind: PayloadSystemEvent, Text: "hi"},
		},
	}
	for name, in := range cases {
		if _, err := svc.Add(ctx, in); !IsValidation(err) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
	if n := svc.store.Len(); n != 0 {
		t.Fatalf("rejected jobs were stored: %d", n)
	}
}

func TestService_MainJobFiresOnTick(t *testing.T) {
	host := &fakeHost{}
	svc, clk, _ := newTestService(t, host)
	ctx := context.Background()

	in := mainJob("inbox", time.Minute)
	in.AgentID = "ops"
	in.WakeMode = WakeNow
	job, err := svc.Add(ctx, in)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if n := svc.runDue(ctx); n != 0 {
		t.Fatalf("job fired before it was due: %d", n)
	}

	clk.advance(time.Minute)
	if n := svc.runDue(ctx); n != 1 {
		t.Fatalf("runDue fired %d jobs, want 1", n)
	}

	host.mu.Lock()
	if len(host.enqueued) != 1 {
		host.mu.Unlock()
		t.Fatalf("enqueued %d events, want 1", len(host.enqueued))
	}
	ev := host.enqueued[0]
	heartbeats := host.heartbeats
	host.mu.Unlock()

	if ev.text != "check the inbox" {
		t.Errorf("text = %q", ev.text)
	}
	if ev.target.AgentID != "ops" || ev.target.SessionKey != "" || ev.target.ContextKey != "cron:"+job.ID {
		t.Errorf("target = %+v", ev.target)
	}
	if heartbeats != 1 {
		t.Errorf("heartbeats = %d, want 1 for wakeMode now", heartbeats)
	}

	got, _ := svc.Get(ctx, job.ID)
	if got.State.LastStatus != StatusOK || got.State.LastRunAtMs != clk.now().UnixMilli() {
		t.Errorf("state after fire: %+v", got.State)
	}
	if want := clk.now().Add(time.Minute).UnixMilli(); got.State.NextRunAtMs != want {
		t.Errorf("nextRunAtMs = %d, want %d", got.State.NextRunAtMs, want)
	}

	// Nothing due until the clock moves again.
	if n := svc.runDue(ctx); n != 0 {
		t.Fatalf("second runDue fired %d jobs", n)
	}
}

func TestService_IsolatedSummaryRelay(t *testing.T) {
	host := &fakeHost{isolatedResult: IsolatedResult{Status: StatusOK, Summary: "3 new headlines", SessionKey: "isolated:xyz"}}
	svc, _, _ := newTestService(t, host)
	ctx := context.Background()

	job, err := svc.Add(ctx, isolatedJob("news"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	res, err := svc.Run(ctx, job.ID, RunForce)
	if err != nil || !res.Ran || !res.OK {
		t.Fatalf("Run: %+v, %v", res, err)
	}

	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.isolated) != 1 || host.isolated[0].Message != "summarize the news" {
		t.Fatalf("isolated requests: %+v", host.isolated)
	}
	if len(host.enqueued) != 1 {
		t.Fatalf("enqueued %d events, want 1", len(host.enqueued))
	}
	ev := host.enqueued[0]
	if ev.text != "Cron: 3 new headlines" {
		t.Errorf("relay text = %q", ev.text)
	}
	// The relay goes to the job's own session, not the isolated one.
	if ev.target.SessionKey != "chat:42" {
		t.Errorf("relay target = %+v", ev.target)
	}
}

func TestService_IsolatedRelaySkipped(t *testing.T) {
	cases := map[string]struct {
		result   IsolatedResult
		delivery *Delivery
	}{
		"already delivered": {IsolatedResult{Status: StatusOK, Summary: "done", Delivered: true}, nil},
		"delivery none":     {IsolatedResult{Status: StatusOK, Summary: "done"}, &Delivery{Mode: DeliveryNone}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			host := &fakeHost{isolatedResult: tc.result}
			svc, _, _ := newTestService(t, host)
			in := isolatedJob("quiet")
			in.Delivery = tc.delivery
			job, err := svc.Add(context.Background(), in)
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			if res, _ := svc.Run(context.Background(), job.ID, RunForce); !res.OK {
				t.Fatalf("Run: %+v", res)
			}
			if texts := host.enqueuedTexts(); len(texts) != 0 {
				t.Fatalf("unexpected relay: %v", texts)
			}
		})
	}
}

func TestService_IsolatedErrorRelay(t *testing.T) {
	host := &fakeHost{isolatedResult: IsolatedResult{Status: StatusError, Error: "model unavailable"}}
	svc, _, _ := newTestService(t, host)
	ctx := context.Background()

	job, _ := svc.Add(ctx, isolatedJob("news"))
	res, err := svc.Run(ctx, job.ID, RunForce)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK || res.Status != StatusError || !strings.Contains(res.Error, "model unavailable") {
		t.Fatalf("result: %+v", res)
	}
	if texts := host.enqueuedTexts(); len(texts) != 1 || texts[0] != "Cron (error): model unavailable" {
		t.Fatalf("error relay: %v", texts)
	}

	got, _ := svc.Get(ctx, job.ID)
	if got.State.LastStatus != StatusError || got.State.ConsecutiveErrors != 1 || !got.Enabled {
		t.Fatalf("state after failure: enabled=%v %+v", got.Enabled, got.State)
	}
	if got.State.NextRunAtMs == 0 {
		t.Fatal("recurring job lost its next run after a failure")
	}
}

func TestService_EnqueueFailureRecorded(t *testing.T) {
	host := &fakeHost{enqueueErr: errors.New("session store offline")}
	svc, _, _ := newTestService(t, host)
	ctx := context.Background()

	job, _ := svc.Add(ctx, mainJob("inbox", time.Minute))
	res, err := svc.Run(ctx, job.ID, RunForce)
	if err != nil {
		t.Fatalf("Run returned an error for a failed fire: %v", err)
	}
	if res.OK || !res.Ran || !strings.Contains(res.Error, "session store offline") {
		t.Fatalf("result: %+v", res)
	}
	entries, _ := svc.Runs(ctx, job.ID, 10)
	if len(entries) != 1 || entries[0].Status != StatusError || !entries[0].Forced {
		t.Fatalf("run log: %+v", entries)
	}
}

func TestService_PanicIsRecovered(t *testing.T) {
	host := &fakeHost{panicIsolated: true}
	svc, _, _ := newTestService(t, host)
	ctx := context.Background()

	job, _ := svc.Add(ctx, isolatedJob("boom"))
	res, err := svc.Run(ctx, job.ID, RunForce)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK || !strings.Contains(res.Error, "agent exploded") {
		t.Fatalf("result: %+v", res)
	}
	if svc.isRunning(job.ID) {
		t.Fatal("guard not released after panic")
	}
}

func TestService_AtJobDisabledAfterSuccess(t *testing.T) {
	host := &fakeHost{}
	svc, clk, _ := newTestService(t, host)
	ctx := context.Background()

	at := testEpoch.Add(10 * time.Minute)
	job, err := svc.Add(ctx, JobCreate{
		Name:          "reminder",
		Schedule:      Schedule{Kind: ScheduleAt, AtMs: at.UnixMilli()},
		SessionTarget: SessionMain,
		Payload:       Payload{Kind: PayloadSystemEvent, Text: "stand up"},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if job.State.NextRunAtMs != at.UnixMilli() {
		t.Fatalf("nextRunAtMs = %d, want %d", job.State.NextRunAtMs, at.UnixMilli())
	}

	clk.advance(10 * time.Minute)
	if n := svc.runDue(ctx); n != 1 {
		t.Fatalf("runDue fired %d", n)
	}
	got, _ := svc.Get(ctx, job.ID)
	if got.Enabled || got.State.NextRunAtMs != 0 || got.State.LastStatus != StatusOK {
		t.Fatalf("one-shot after success: enabled=%v %+v", got.Enabled, got.State)
	}

	clk.advance(time.Hour)
	if n := svc.runDue(ctx); n != 0 {
		t.Fatalf("exhausted one-shot fired again")
	}
}

func TestService_AtJobDeleteAfterRun(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeHost{})
	ctx := context.Background()

	job, _ := svc.Add(ctx, JobCreate{
		Schedule:       Schedule{Kind: ScheduleAt, AtMs: testEpoch.Add(-time.Minute).UnixMilli()},
		DeleteAfterRun: true,
		SessionTarget:  SessionMain,
		Payload:        Payload{Kind: PayloadSystemEvent, Text: "once"},
	})
	// A past instant is due right away.
	if n := svc.runDue(ctx); n != 1 {
		t.Fatalf("runDue fired %d", n)
	}
	if _, err := svc.Get(ctx, job.ID); !IsNotFound(err) {
		t.Fatalf("expected job to be deleted, got %v", err)
	}
}

func TestService_AtJobBackoffOnFailure(t *testing.T) {
	host := &fakeHost{enqueueErr: errors.New("down")}
	svc, clk, _ := newTestService(t, host)
	ctx := context.Background()

	job, _ := svc.Add(ctx, JobCreate{
		Schedule:      Schedule{Kind: ScheduleAt, AtMs: testEpoch.UnixMilli()},
		SessionTarget: SessionMain,
		Payload:       Payload{Kind: PayloadSystemEvent, Text: "once"},
	})
	svc.runDue(ctx)

	got, _ := svc.Get(ctx, job.ID)
	if !got.Enabled || got.State.ConsecutiveErrors != 1 {
		t.Fatalf("after failure: enabled=%v %+v", got.Enabled, got.State)
	}
	if want := clk.now().Add(30 * time.Second).UnixMilli(); got.State.NextRunAtMs != want {
		t.Fatalf("retry at %d, want %d", got.State.NextRunAtMs, want)
	}
}

func TestService_RunDueModeNotDue(t *testing.T) {
	host := &fakeHost{}
	svc, _, _ := newTestService(t, host)
	ctx := context.Background()

	job, _ := svc.Add(ctx, mainJob("later", time.Hour))
	res, err := svc.Run(ctx, job.ID, RunDue)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Ran || res.Reason != ReasonNotDue {
		t.Fatalf("result: %+v", res)
	}
	if len(host.enqueuedTexts()) != 0 {
		t.Fatal("not-due run had side effects")
	}
	got, _ := svc.Get(ctx, job.ID)
	if got.State.LastRunAtMs != 0 || got.UpdatedAtMs != job.UpdatedAtMs {
		t.Fatalf("not-due run touched the job: %+v", got)
	}
}

func TestService_ForceRunsDisabledJob(t *testing.T) {
	host := &fakeHost{}
	svc, _, _ := newTestService(t, host)
	ctx := context.Background()

	in := mainJob("paused", time.Minute)
	off := false
	in.Enabled = &off
	job, _ := svc.Add(ctx, in)
	if job.State.NextRunAtMs != 0 {
		t.Fatalf("disabled job has a next run: %d", job.State.NextRunAtMs)
	}

	res, err := svc.Run(ctx, job.ID, RunForce)
	if err != nil || !res.OK {
		t.Fatalf("Run: %+v, %v", res, err)
	}
	got, _ := svc.Get(ctx, job.ID)
	if got.Enabled || got.State.NextRunAtMs != 0 {
		t.Fatalf("force run re-enabled the job: %+v", got)
	}
}

func TestService_RunUnknownJob(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeHost{})
	if _, err := svc.Run(context.Background(), "ghost", RunForce); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Run(context.Background(), "ghost", "sometimes"); !IsValidation(err) {
		t.Fatalf("expected validation error for bad mode, got %v", err)
	}
}

func TestService_NoConcurrentRunsOfSameJob(t *testing.T) {
	host := &fakeHost{
		isolatedResult: IsolatedResult{Status: StatusOK},
		block:          make(chan struct{}),
		started:        make(chan struct{}, 1),
	}
	svc, clk, _ := newTestService(t, host)
	ctx := context.Background()

	job, _ := svc.Add(ctx, isolatedJob("slow"))

	done := make(chan RunResult, 1)
	go func() {
		res, _ := svc.Run(ctx, job.ID, RunForce)
		done <- res
	}()
	<-host.started

	res, err := svc.Run(ctx, job.ID, RunForce)
	if err != nil || res.Ran || res.Reason != ReasonAlreadyRunning {
		t.Fatalf("second run: %+v, %v", res, err)
	}

	// The loop skips the busy job and counts the skip.
	before := testutil.ToFloat64(cronMetrics.skipped)
	clk.advance(2 * time.Hour)
	if n := svc.runDue(ctx); n != 0 {
		t.Fatalf("runDue fired %d while the job was busy", n)
	}
	if after := testutil.ToFloat64(cronMetrics.skipped); after != before+1 {
		t.Fatalf("skip counter %v -> %v", before, after)
	}

	close(host.block)
	if first := <-done; !first.Ran || !first.OK {
		t.Fatalf("first run: %+v", first)
	}
	host.mu.Lock()
	calls := len(host.isolated)
	host.mu.Unlock()
	if calls != 1 {
		t.Fatalf("isolated runs = %d, want 1", calls)
	}

	entries, err := svc.Runs(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(entries) != 2 || entries[0].Status != StatusOK || entries[1].Status != StatusSkipped {
		t.Fatalf("run log: %+v", entries)
	}
}

func TestService_UpdatePatch(t *testing.T) {
	svc, clk, _ := newTestService(t, &fakeHost{})
	ctx := context.Background()

	in := mainJob("inbox", time.Minute)
	in.SessionKey = "chat:1"
	job, _ := svc.Add(ctx, in)

	clk.advance(time.Second)
	updated, err := svc.Update(ctx, job.ID, JobPatch{
		Name:       Set("renamed"),
		SessionKey: Clear[string](),
		Schedule:   Set(Schedule{Kind: ScheduleEvery, EveryMs: (5 * time.Minute).Milliseconds()}),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != "renamed" || updated.SessionKey != "" {
		t.Errorf("patched fields: %+v", updated)
	}
	if updated.Payload.Text != "check the inbox" {
		t.Errorf("unchanged field was touched: %+v", updated.Payload)
	}
	if updated.UpdatedAtMs <= job.UpdatedAtMs {
		t.Errorf("updatedAtMs did not advance")
	}
	if want := testEpoch.Add(5 * time.Minute).UnixMilli(); updated.State.NextRunAtMs != want {
		t.Errorf("nextRunAtMs = %d, want %d", updated.State.NextRunAtMs, want)
	}

	disabled, err := svc.Update(ctx, job.ID, JobPatch{Enabled: Set(false)})
	if err != nil || disabled.Enabled || disabled.State.NextRunAtMs != 0 {
		t.Fatalf("disable: %+v, %v", disabled, err)
	}
}

func TestService_UpdateInvalidLeavesJob(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeHost{})
	ctx := context.Background()

	job, _ := svc.Add(ctx, mainJob("inbox", time.Minute))

	_, err := svc.Update(ctx, job.ID, JobPatch{
		Name:    Set("broken"),
		Payload: Set(Payload{Kind: PayloadAgentTurn, Message: "hi"}),
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.Update(ctx, job.ID, JobPatch{Schedule: Clear[Schedule]()}); !IsValidation(err) {
		t.Fatalf("clearing a required field: %v", err)
	}

	got, _ := svc.Get(ctx, job.ID)
	if got.Name != "inbox" || got.Payload.Kind != PayloadSystemEvent {
		t.Fatalf("failed update changed the job: %+v", got)
	}

	if _, err := svc.Update(ctx, "ghost", JobPatch{Name: Set("x")}); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestService_UpdateRearmsOneShot(t *testing.T) {
	svc, clk, _ := newTestService(t, &fakeHost{})
	ctx := context.Background()

	job, _ := svc.Add(ctx, JobCreate{
		Schedule:      Schedule{Kind: ScheduleAt, AtMs: testEpoch.UnixMilli()},
		SessionTarget: SessionMain,
		Payload:       Payload{Kind: PayloadSystemEvent, Text: "once"},
	})
	svc.runDue(ctx)

	clk.advance(time.Minute)
	next := clk.now().Add(time.Hour)
	got, err := svc.Update(ctx, job.ID, JobPatch{
		Enabled:  Set(true),
		Schedule: Set(Schedule{Kind: ScheduleAt, AtMs: next.UnixMilli()}),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !got.Enabled || got.State.NextRunAtMs != next.UnixMilli() {
		t.Fatalf("re-armed one-shot: enabled=%v %+v", got.Enabled, got.State)
	}
}

func TestService_SessionKeyDelivery(t *testing.T) {
	past := testEpoch.Add(-time.Second).UnixMilli()
	cases := []struct {
		name    string
		initial string
		patch   *JobPatch
		want    string
	}{
		{name: "set on add", initial: "S", want: "S"},
		{name: "set via update", patch: &JobPatch{SessionKey: Set("S2")}, want: "S2"},
		{name: "cleared via update", initial: "S3", patch: &JobPatch{SessionKey: Clear[string]()}, want: ""},
		{name: "omitted from patch", initial: "S4", patch: &JobPatch{Name: Set("renamed")}, want: "S4"},
		{name: "kept verbatim", initial: " chat:1 ", want: " chat:1 "},
		{name: "blank reads absent", initial: "S5", patch: &JobPatch{SessionKey: Set("   ")}, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			host := &fakeHost{}
			svc, _, _ := newTestService(t, host)
			ctx := context.Background()

			job, err := svc.Add(ctx, JobCreate{
				SessionKey:    tc.initial,
				Schedule:      Schedule{Kind: ScheduleAt, AtMs: past},
				SessionTarget: SessionMain,
				Payload:       Payload{Kind: PayloadSystemEvent, Text: "T"},
			})
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			if tc.patch != nil {
				if job, err = svc.Update(ctx, job.ID, *tc.patch); err != nil {
					t.Fatalf("Update: %v", err)
				}
			}
			if job.SessionKey != tc.want {
				t.Fatalf("sessionKey = %q, want %q", job.SessionKey, tc.want)
			}

			res, err := svc.Run(ctx, job.ID, RunForce)
			if err != nil || !res.OK || !res.Ran {
				t.Fatalf("Run: %+v, %v", res, err)
			}

			host.mu.Lock()
			defer host.mu.Unlock()
			if len(host.enqueued) != 1 {
				t.Fatalf("enqueued %d events, want 1", len(host.enqueued))
			}
			want := DeliveryTarget{SessionKey: tc.want, ContextKey: "cron:" + job.ID}
			if ev := host.enqueued[0]; ev.text != "T" || ev.target != want {
				t.Fatalf("delivery = %q %+v, want %+v", ev.text, ev.target, want)
			}
		})
	}
}

func TestService_IsolatedRelayFallbacks(t *testing.T) {
	cases := map[string]struct {
		result IsolatedResult
		want   string
	}{
		"summary":     {IsolatedResult{Status: StatusOK, Summary: "Done"}, "Cron: Done"},
		"output text": {IsolatedResult{Status: StatusOK, OutputText: "raw reply"}, "Cron: raw reply"},
		"no text":     {IsolatedResult{Status: StatusOK}, "Cron: (no output)"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			host := &fakeHost{isolatedResult: tc.result}
			svc, _, _ := newTestService(t, host)
			job, err := svc.Add(context.Background(), isolatedJob("digest"))
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			if res, _ := svc.Run(context.Background(), job.ID, RunForce); !res.OK {
				t.Fatalf("Run: %+v", res)
			}

			host.mu.Lock()
			defer host.mu.Unlock()
			if len(host.enqueued) != 1 {
				t.Fatalf("enqueued %d events, want 1", len(host.enqueued))
			}
			want := DeliveryTarget{SessionKey: "chat:42", ContextKey: "cron:" + job.ID}
			if ev := host.enqueued[0]; ev.text != tc.want || ev.target != want {
				t.Fatalf("relay = %q %+v", ev.text, ev.target)
			}
		})
	}
}

func TestService_RearmDuringRunIsKept(t *testing.T) {
	host := &fakeHost{
		isolatedResult: IsolatedResult{Status: StatusOK, Delivered: true},
		block:          make(chan struct{}),
		started:        make(chan struct{}, 1),
	}
	svc, clk, _ := newTestService(t, host)
	ctx := context.Background()

	in := isolatedJob("once")
	in.Schedule = Schedule{Kind: ScheduleAt, AtMs: testEpoch.UnixMilli()}
	job, err := svc.Add(ctx, in)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan RunResult, 1)
	go func() {
		res, _ := svc.Run(ctx, job.ID, RunForce)
		done <- res
	}()
	<-host.started

	next := clk.now().Add(time.Hour).UnixMilli()
	if _, err := svc.Update(ctx, job.ID, JobPatch{Schedule: Set(Schedule{Kind: ScheduleAt, AtMs: next})}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	close(host.block)
	if res := <-done; !res.OK {
		t.Fatalf("Run: %+v", res)
	}

	got, _ := svc.Get(ctx, job.ID)
	if !got.Enabled || got.State.NextRunAtMs != next {
		t.Fatalf("re-armed one-shot lost: enabled=%v %+v", got.Enabled, got.State)
	}
	if got.State.LastStatus != StatusOK || got.State.RunningAtMs != 0 {
		t.Fatalf("run state not recorded: %+v", got.State)
	}
}

func TestService_RemoveAndList(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeHost{})
	ctx := context.Background()

	a, _ := svc.Add(ctx, mainJob("a", time.Minute))
	off := false
	in := mainJob("b", time.Minute)
	in.Enabled = &off
	b, _ := svc.Add(ctx, in)

	enabled, _ := svc.List(ctx, false)
	if len(enabled) != 1 || enabled[0].ID != a.ID {
		t.Fatalf("List(false): %v", enabled)
	}
	all, _ := svc.List(ctx, true)
	if len(all) != 2 {
		t.Fatalf("List(true): %d jobs", len(all))
	}

	if err := svc.Remove(ctx, b.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := svc.Remove(ctx, b.ID); !IsNotFound(err) {
		t.Fatalf("second Remove: %v", err)
	}
	all, _ = svc.List(ctx, true)
	if len(all) != 1 {
		t.Fatalf("after remove: %d jobs", len(all))
	}
}

func TestService_PersistsAcrossRestart(t *testing.T) {
	host := &fakeHost{}
	dir := t.TempDir()
	cfg := testCronConfig(dir)
	clk := &fakeClock{t: testEpoch}
	ctx := context.Background()

	svc := NewService(cfg, NewFileBackend(cfg.Store.Path), host.deps(), WithClock(clk.now), WithTickInterval(time.Hour))
	job, err := svc.Add(ctx, mainJob("inbox", time.Minute))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Simulate a crash mid-run.
	svc.store.Mutate(job.ID, func(j *Job) bool {
		j.State.RunningAtMs = clk.now().UnixMilli()
		return true
	})
	if err := svc.store.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restarted := NewService(cfg, NewFileBackend(cfg.Store.Path), host.deps(), WithClock(clk.now), WithTickInterval(time.Hour))
	if err := restarted.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer restarted.Stop(ctx)

	got, err := restarted.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if got.State.RunningAtMs != 0 {
		t.Fatalf("stale running marker survived restart")
	}
	if got.Name != "inbox" || got.State.NextRunAtMs != job.State.NextRunAtMs {
		t.Fatalf("job after restart: %+v", got)
	}

	st, _ := restarted.Status(ctx)
	if !st.Running || st.Jobs != 1 || st.NextWakeAtMs != job.State.NextRunAtMs {
		t.Fatalf("status: %+v", st)
	}
}

func TestService_AddBeforeStartKeepsPersistedJobs(t *testing.T) {
	host := &fakeHost{}
	dir := t.TempDir()
	cfg := testCronConfig(dir)
	ctx := context.Background()

	first := NewService(cfg, NewFileBackend(cfg.Store.Path), host.deps())
	if _, err := first.Add(ctx, mainJob("old", time.Minute)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	second := NewService(cfg, NewFileBackend(cfg.Store.Path), host.deps())
	if _, err := second.Add(ctx, mainJob("new", time.Minute)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	all, _ := second.List(ctx, true)
	if len(all) != 2 {
		t.Fatalf("persisted job was clobbered: %d jobs", len(all))
	}
}

type failingBackend struct{ *FileBackend }

func (failingBackend) Save(context.Context, map[string]Job) error {
	return errors.New("disk full")
}

func TestService_SaveFailureDoesNotFailAdd(t *testing.T) {
	dir := t.TempDir()
	cfg := testCronConfig(dir)
	svc := NewService(cfg, failingBackend{NewFileBackend(cfg.Store.Path)}, (&fakeHost{}).deps())

	before := testutil.ToFloat64(cronMetrics.saveErrors)
	job, err := svc.Add(context.Background(), mainJob("inbox", time.Minute))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if job.ID == "" {
		t.Fatal("no job returned")
	}
	if after := testutil.ToFloat64(cronMetrics.saveErrors); after != before+1 {
		t.Fatalf("save error counter %v -> %v", before, after)
	}
}

func TestService_StopCancelsInFlightRun(t *testing.T) {
	host := &fakeHost{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	svc, _, _ := newTestService(t, host)
	ctx := context.Background()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	job, _ := svc.Add(ctx, isolatedJob("slow"))

	done := make(chan RunResult, 1)
	go func() {
		res, _ := svc.Run(ctx, job.ID, RunForce)
		done <- res
	}()
	<-host.started

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	svc.Stop(stopCtx)

	select {
	case res := <-done:
		if res.OK {
			t.Fatalf("cancelled run reported success: %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight run did not finish")
	}
	if svc.isRunning(job.ID) {
		t.Fatal("job still marked running after Stop")
	}
	st, _ := svc.Status(ctx)
	if st.Running {
		t.Fatal("status reports a running loop after Stop")
	}
}

func TestService_StartStopIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeHost{})
	ctx := context.Background()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	svc.Stop(ctx)
	svc.Stop(ctx)
}

func TestService_DisabledSchedulerStillRunsOnDemand(t *testing.T) {
	host := &fakeHost{}
	dir := t.TempDir()
	cfg := testCronConfig(dir)
	off := false
	cfg.Enabled = &off
	svc := NewService(cfg, NewFileBackend(cfg.Store.Path), host.deps())
	ctx := context.Background()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop(ctx)

	st, _ := svc.Status(ctx)
	if st.Enabled || st.Running {
		t.Fatalf("status: %+v", st)
	}
	job, _ := svc.Add(ctx, mainJob("manual", time.Hour))
	if res, err := svc.Run(ctx, job.ID, RunForce); err != nil || !res.OK {
		t.Fatalf("Run: %+v, %v", res, err)
	}
}

func TestService_Wake(t *testing.T) {
	host := &fakeHost{}
	svc, _, _ := newTestService(t, host)
	ctx := context.Background()

	if err := svc.Wake(ctx, "  build finished  ", ""); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if err := svc.Wake(ctx, "later", WakeNextHeartbeat); err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if err := svc.Wake(ctx, " ", WakeNow); !IsValidation(err) {
		t.Fatalf("empty wake: %v", err)
	}

	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.enqueued) != 2 || host.enqueued[0].text != "build finished" {
		t.Fatalf("enqueued: %+v", host.enqueued)
	}
	if host.heartbeats != 1 {
		t.Fatalf("heartbeats = %d, want 1", host.heartbeats)
	}
}

func TestService_EventsAndRunLog(t *testing.T) {
	host := &fakeHost{}
	svc, clk, _ := newTestService(t, host)
	ctx := context.Background()

	job, _ := svc.Add(ctx, mainJob("inbox", time.Minute))
	for i := 0; i < 3; i++ {
		clk.advance(time.Minute)
		svc.runDue(ctx)
	}

	entries, err := svc.Runs(ctx, job.ID, 2)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(entries) != 2 || entries[0].Ts < entries[1].Ts {
		t.Fatalf("run log should list newest first: %+v", entries)
	}

	if err := svc.Remove(ctx, job.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := svc.Runs(ctx, job.ID, 10); !IsNotFound(err) {
		t.Fatalf("Runs after remove: %v", err)
	}

	host.mu.Lock()
	defer host.mu.Unlock()
	var actions []string
	for _, e := range host.events {
		actions = append(actions, string(e.Action))
	}
	want := "added,started,finished,started,finished,started,finished,removed"
	if got := strings.Join(actions, ","); got != want {
		t.Fatalf("events = %s, want %s", got, want)
	}
}

func TestService_PayloadTimeout(t *testing.T) {
	host := &fakeHost{block: make(chan struct{})}
	svc, _, _ := newTestService(t, host)
	ctx := context.Background()

	in := isolatedJob("slow")
	in.Payload.TimeoutSeconds = 1
	job, _ := svc.Add(ctx, in)

	res, err := svc.Run(ctx, job.ID, RunForce)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK || !strings.Contains(res.Error, "deadline") {
		t.Fatalf("result: %+v", res)
	}
}
