package cronx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/gg/gconv"
	"github.com/cloudwego/eino/schema"

	"github.com/tgifai/crond/internal/consts"
	"github.com/tgifai/crond/internal/cronjob"
	"github.com/tgifai/crond/internal/pkg/logs"
)

const defaultRunsLimit = 20

type CronTool struct {
	svc *cronjob.Service
}

// NewCronTool binds the tool to svc. A nil svc falls back to the process-wide
// service at call time.
func NewCronTool(svc *cronjob.Service) *CronTool {
	return &CronTool{svc: svc}
}

func (t *CronTool) Name() string {
	return "cron"
}

func (t *CronTool) Description() string {
	return "Manage scheduled cron jobs: inspect status, list, add, update, remove or run jobs, read run history, and post a wake event to the main session"
}

func (t *CronTool) ToolInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: t.Name(),
		Desc: t.Description(),
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"action": {
				Type:     schema.String,
				Desc:     `Action to perform: "status", "list", "add", "update", "remove", "run", "runs" or "wake"`,
				Enum:     []string{"status", "list", "add", "update", "remove", "run", "runs", "wake"},
				Required: true,
			},
			"id": {
				Type: schema.String,
				Desc: `Job ID (required for update/remove/run/runs)`,
			},
			"job": {
				Type: schema.Object,
				Desc: `Job definition for add: {name, schedule{kind:"at"|"every"|"cron", at|atMs, everyMs, anchorMs, expr, tz}, sessionTarget:"main"|"isolated", wakeMode, payload{kind:"systemEvent", text}|{kind:"agentTurn", message, model, thinking, timeoutSeconds}, delivery{mode:"announce"|"none", channel, to}, sessionKey, deleteAfterRun, enabled}. "main" requires a systemEvent payload, "isolated" an agentTurn payload. schedule.at accepts RFC 3339 or "+20m".`,
			},
			"patch": {
				Type: schema.Object,
				Desc: `Fields to change for update, same shape as job. Omitted fields are kept, null clears a field.`,
			},
			"mode": {
				Type: schema.String,
				Desc: `For run: "due" (default, only when due) or "force". For wake: "now" (default) or "next-heartbeat".`,
			},
			"text": {
				Type: schema.String,
				Desc: `Event text for wake`,
			},
			"include_disabled": {
				Type: schema.Boolean,
				Desc: `Include disabled jobs in list (default false)`,
			},
			"limit": {
				Type: schema.Integer,
				Desc: `Maximum number of run-log entries for runs (default 20)`,
			},
		}),
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	svc := t.svc
	if svc == nil {
		svc = cronjob.Default()
	}
	if svc == nil {
		return nil, fmt.Errorf("cron service is not initialized")
	}
	ctx = context.WithValue(ctx, consts.CtxKeyCaller, consts.CallerTool)

	action := strings.ToLower(strings.TrimSpace(gconv.To[string](args["action"])))
	switch action {
	case "status":
		return svc.Status(ctx)
	case "list":
		return t.list(ctx, svc, args)
	case "add":
		return t.add(ctx, svc, args)
	case "update":
		return t.update(ctx, svc, args)
	case "remove":
		return t.remove(ctx, svc, args)
	case "run":
		return t.run(ctx, svc, args)
	case "runs":
		return t.runs(ctx, svc, args)
	case "wake":
		return t.wake(ctx, svc, args)
	default:
		return nil, fmt.Errorf("unknown action %q, must be one of: status, list, add, update, remove, run, runs, wake", action)
	}
}

func (t *CronTool) list(ctx context.Context, svc *cronjob.Service, args map[string]interface{}) (interface{}, error) {
	jobs, err := svc.List(ctx, gconv.To[bool](args["include_disabled"]))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	}, nil
}

func (t *CronTool) add(ctx context.Context, svc *cronjob.Service, args map[string]interface{}) (interface{}, error) {
	raw, ok := args["job"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("job object is required for add")
	}
	if err := resolveAt(raw, time.Now()); err != nil {
		return nil, err
	}
	in, err := cronjob.CreateFromMap(raw)
	if err != nil {
		return nil, err
	}

	job, err := svc.Add(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("add job: %w", err)
	}

	logs.CtxInfo(ctx, "[tool:cron] created job %s (%s) %s", job.ID, job.Name, cronjob.DescribeSchedule(job.Schedule))
	return map[string]interface{}{
		"success": true,
		"job":     job,
		"message": fmt.Sprintf("Job %q created, next run %s", job.Name, cronjob.FormatMs(job.State.NextRunAtMs, time.UTC)),
	}, nil
}

func (t *CronTool) update(ctx context.Context, svc *cronjob.Service, args map[string]interface{}) (interface{}, error) {
	id, err := requireID(args, "update")
	if err != nil {
		return nil, err
	}
	raw, ok := args["patch"].(map[string]interface{})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}
	if sched, ok := raw["schedule"].(map[string]interface{}); ok {
		if err := resolveAt(map[string]interface{}{"schedule": sched}, time.Now()); err != nil {
			return nil, err
		}
	}
	patch, err := cronjob.PatchFromMap(raw)
	if err != nil {
		return nil, err
	}

	job, err := svc.Update(ctx, id, patch)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	logs.CtxInfo(ctx, "[tool:cron] updated job %s", id)
	return map[string]interface{}{
		"success": true,
		"job":     job,
		"message": fmt.Sprintf("Job %q updated", job.Name),
	}, nil
}

func (t *CronTool) remove(ctx context.Context, svc *cronjob.Service, args map[string]interface{}) (interface{}, error) {
	id, err := requireID(args, "remove")
	if err != nil {
		return nil, err
	}
	if err := svc.Remove(ctx, id); err != nil {
		return nil, fmt.Errorf("remove job: %w", err)
	}

	logs.CtxInfo(ctx, "[tool:cron] deleted job %s", id)
	return map[string]interface{}{
		"success": true,
		"id":      id,
		"message": fmt.Sprintf("Job %q deleted", id),
	}, nil
}

func (t *CronTool) run(ctx context.Context, svc *cronjob.Service, args map[string]interface{}) (interface{}, error) {
	id, err := requireID(args, "run")
	if err != nil {
		return nil, err
	}
	return svc.Run(ctx, id, cronjob.RunMode(gconv.To[string](args["mode"])))
}

func (t *CronTool) runs(ctx context.Context, svc *cronjob.Service, args map[string]interface{}) (interface{}, error) {
	id, err := requireID(args, "runs")
	if err != nil {
		return nil, err
	}
	limit := gconv.To[int](args["limit"])
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	entries, err := svc.Runs(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	}, nil
}

func (t *CronTool) wake(ctx context.Context, svc *cronjob.Service, args map[string]interface{}) (interface{}, error) {
	text := gconv.To[string](args["text"])
	mode := cronjob.WakeMode(gconv.To[string](args["mode"]))
	if err := svc.Wake(ctx, text, mode); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}

func requireID(args map[string]interface{}, action string) (string, error) {
	id := strings.TrimSpace(gconv.To[string](args["id"]))
	if id == "" {
		return "", fmt.Errorf("id is required for %s", action)
	}
	return id, nil
}

// resolveAt converts a human schedule.at value into schedule.atMs.
func resolveAt(job map[string]interface{}, now time.Time) error {
	sched, ok := job["schedule"].(map[string]interface{})
	if !ok {
		return nil
	}
	at, ok := sched["at"]
	if !ok {
		return nil
	}
	delete(sched, "at")
	ms, err := cronjob.ParseAt(gconv.To[string](at), now)
	if err != nil {
		return err
	}
	sched["atMs"] = ms
	return nil
}
