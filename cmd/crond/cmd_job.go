package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/tgifai/crond/internal/config"
	"github.com/tgifai/crond/internal/consts"
	"github.com/tgifai/crond/internal/cronjob"
	"github.com/tgifai/crond/internal/gateway"
	"github.com/tgifai/crond/internal/pkg/logs"
)

var jobHwd = &JobRunner{}

type JobRunner struct{}

var (
	cSuccess = color.New(color.FgGreen)
	cWarn    = color.New(color.FgYellow)
	cDim     = color.New(color.FgHiBlack)
)

func (r *JobRunner) cmd() *cli.Command {
	connFlags := []cli.Flag{
		&cli.StringFlag{Name: "addr", Usage: "admin gateway address (defaults to gateway.bind)"},
		&cli.StringFlag{Name: "api-key", Usage: "admin API key (defaults to gateway.api_key)", Sources: cli.EnvVars("CROND_API_KEY")},
	}
	withConn := func(flags ...cli.Flag) []cli.Flag {
		return append(append([]cli.Flag{}, connFlags...), flags...)
	}

	return &cli.Command{
		Name:  "job",
		Usage: "Manage cron jobs on a running daemon",
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Show scheduler status",
				Flags:  withConn(),
				Action: explained(r.status),
			},
			{
				Name:  "list",
				Usage: "List jobs ordered by next run",
				Flags: withConn(
					&cli.BoolFlag{Name: "all", Aliases: []string{"a"}, Usage: "include disabled jobs"},
					&cli.BoolFlag{Name: "json", Usage: "print raw JSON"},
				),
				Action: explained(r.list),
			},
			{
				Name:      "add",
				Usage:     "Create a job",
				ArgsUsage: "--every 30m|--cron EXPR|--at TIME (--text TEXT|--message MSG)",
				Flags:     withConn(jobFlags()...),
				Action:    explained(r.add),
			},
			{
				Name:      "update",
				Usage:     "Patch a job; only the given flags change",
				ArgsUsage: "<id>",
				Flags: withConn(append(jobFlags(),
					&cli.BoolFlag{Name: "enable", Usage: "enable the job"},
					&cli.BoolFlag{Name: "disable", Usage: "disable the job"},
					&cli.BoolFlag{Name: "clear-session-key", Usage: "route back to the main session"},
					&cli.BoolFlag{Name: "clear-delivery", Usage: "drop the delivery override"},
				)...),
				Action: explained(r.update),
			},
			{
				Name:      "remove",
				Aliases:   []string{"rm"},
				Usage:     "Delete a job and its run history",
				ArgsUsage: "<id>",
				Flags:     withConn(),
				Action:    explained(r.remove),
			},
			{
				Name:      "run",
				Usage:     "Run a job now",
				ArgsUsage: "<id>",
				Flags: withConn(
					&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "run even when not due or disabled"},
				),
				Action: explained(r.runJob),
			},
			{
				Name:      "runs",
				Usage:     "Show the newest run-log entries of a job",
				ArgsUsage: "<id>",
				Flags: withConn(
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "maximum entries"},
				),
				Action: explained(r.runs),
			},
			{
				Name:      "wake",
				Usage:     "Post a system event to the main session",
				ArgsUsage: "<text>",
				Flags: withConn(
					&cli.BoolFlag{Name: "next-heartbeat", Usage: "wait for the next heartbeat instead of waking now"},
				),
				Action: explained(r.wake),
			},
		},
	}
}

func jobFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "name", Usage: "job name"},
		&cli.StringFlag{Name: "description", Usage: "job description"},
		&cli.StringFlag{Name: "agent", Usage: "owning agent id"},
		&cli.StringFlag{Name: "session-key", Usage: "session to deliver into"},
		&cli.DurationFlag{Name: "every", Usage: "fixed interval, e.g. 30m"},
		&cli.StringFlag{Name: "cron", Usage: "5-field cron expression"},
		&cli.StringFlag{Name: "tz", Usage: "time zone for --cron"},
		&cli.StringFlag{Name: "at", Usage: "one-shot time: RFC 3339, epoch ms or +duration"},
		&cli.StringFlag{Name: "text", Usage: "system event text (main session)"},
		&cli.StringFlag{Name: "message", Usage: "agent turn message (isolated session)"},
		&cli.StringFlag{Name: "model", Usage: "model override for agent turns"},
		&cli.StringFlag{Name: "thinking", Usage: "thinking level for agent turns"},
		&cli.IntFlag{Name: "timeout-seconds", Usage: "agent turn timeout"},
		&cli.StringFlag{Name: "wake", Usage: "now or next-heartbeat"},
		&cli.StringFlag{Name: "deliver", Usage: "announce or none"},
		&cli.StringFlag{Name: "channel", Usage: "delivery channel"},
		&cli.StringFlag{Name: "to", Usage: "delivery recipient"},
		&cli.BoolFlag{Name: "delete-after-run", Usage: "delete a one-shot job after it succeeds"},
	}
}

func (r *JobRunner) client(cmd *cli.Command) (*gateway.AdminClient, *time.Location, error) {
	addr, apiKey := cmd.String("addr"), cmd.String("api-key")
	loc := time.UTC

	cfgPath := cmd.String("config")
	if _, err := os.Stat(cfgPath); err == nil {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config error: %w", err)
		}
		if addr == "" {
			addr = cfg.Gateway.Bind
		}
		if apiKey == "" {
			apiKey = cfg.Gateway.APIKey
		}
		loc = cfg.Cron.Location()
	}
	if addr == "" {
		return nil, nil, fmt.Errorf("no gateway address: pass --addr or run \"crond init\"")
	}
	return gateway.NewAdminClient(addr, apiKey), loc, nil
}

// explained adds a hint to common admin API failures.
func explained(action cli.ActionFunc) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		err := action(ctx, cmd)
		switch gateway.StatusCode(err) {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w (check --api-key or gateway.api_key)", err)
		case http.StatusNotFound:
			return fmt.Errorf("%w (see \"crond job list --all\")", err)
		}
		return err
	}
}

func cliCtx(ctx context.Context) context.Context {
	ctx = logs.SetLogID(ctx, logs.NewLogID())
	return context.WithValue(ctx, consts.CtxKeyCaller, consts.CallerCLI)
}

func (r *JobRunner) status(ctx context.Context, cmd *cli.Command) error {
	ac, loc, err := r.client(cmd)
	if err != nil {
		return err
	}
	st, err := ac.Status(cliCtx(ctx))
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	state := "running"
	if !st.Running {
		state = "stopped"
	}
	if !st.Enabled {
		state = "disabled"
	}
	fmt.Printf("scheduler:  %s\n", state)
	fmt.Printf("jobs:       %d\n", st.Jobs)
	fmt.Printf("next wake:  %s\n", cronjob.FormatMs(st.NextWakeAtMs, loc))
	fmt.Printf("store:      %s\n", st.Store)
	return nil
}

func (r *JobRunner) list(ctx context.Context, cmd *cli.Command) error {
	ac, loc, err := r.client(cmd)
	if err != nil {
		return err
	}
	jobs, err := ac.List(cliCtx(ctx), cmd.Bool("all"))
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if cmd.Bool("json") {
		return printJSON(jobs)
	}
	fmt.Println(cronjob.FormatJobList(jobs, loc))
	return nil
}

func (r *JobRunner) add(ctx context.Context, cmd *cli.Command) error {
	ac, loc, err := r.client(cmd)
	if err != nil {
		return err
	}

	sched, ok, err := scheduleFromFlags(cmd, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("one of --every, --cron or --at is required")
	}
	payload, target, ok := payloadFromFlags(cmd, cronjob.Payload{})
	if !ok {
		return fmt.Errorf("one of --text or --message is required")
	}

	in := cronjob.JobCreate{
		Name:           cmd.String("name"),
		Description:    cmd.String("description"),
		AgentID:        cmd.String("agent"),
		SessionKey:     cmd.String("session-key"),
		DeleteAfterRun: cmd.Bool("delete-after-run"),
		Schedule:       sched,
		SessionTarget:  target,
		WakeMode:       cronjob.WakeMode(cmd.String("wake")),
		Payload:        payload,
		Delivery:       deliveryFromFlags(cmd, nil),
	}

	job, err := ac.Add(cliCtx(ctx), in)
	if err != nil {
		return fmt.Errorf("add job: %w", err)
	}
	cSuccess.Printf("✓ created %s (%s)\n", job.Name, job.ID)
	cDim.Printf("  %s, next run %s\n", cronjob.DescribeSchedule(job.Schedule), cronjob.FormatMs(job.State.NextRunAtMs, loc))
	return nil
}

func (r *JobRunner) update(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "job id")
	if err != nil {
		return err
	}
	ac, loc, err := r.client(cmd)
	if err != nil {
		return err
	}
	ctx = cliCtx(ctx)

	patch := map[string]interface{}{}
	for flag, key := range map[string]string{"name": "name", "description": "description", "agent": "agentId", "session-key": "sessionKey", "wake": "wakeMode"} {
		if cmd.IsSet(flag) {
			patch[key] = cmd.String(flag)
		}
	}
	if cmd.IsSet("delete-after-run") {
		patch["deleteAfterRun"] = cmd.Bool("delete-after-run")
	}
	switch {
	case cmd.Bool("enable") && cmd.Bool("disable"):
		return fmt.Errorf("--enable and --disable are mutually exclusive")
	case cmd.Bool("enable"):
		patch["enabled"] = true
	case cmd.Bool("disable"):
		patch["enabled"] = false
	}
	if cmd.Bool("clear-session-key") {
		patch["sessionKey"] = nil
	}

	sched, ok, err := scheduleFromFlags(cmd, time.Now())
	if err != nil {
		return err
	}
	if ok {
		patch["schedule"] = sched
	}

	// Payload and delivery are replaced whole, so merge over the current job.
	if anySet(cmd, "text", "message", "model", "thinking", "timeout-seconds", "deliver", "channel", "to") {
		current, err := ac.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		if payload, target, ok := payloadFromFlags(cmd, current.Payload); ok {
			patch["payload"] = payload
			if target != current.SessionTarget {
				patch["sessionTarget"] = target
			}
		}
		if d := deliveryFromFlags(cmd, current.Delivery); d != nil {
			patch["delivery"] = d
		}
	}
	if cmd.Bool("clear-delivery") {
		patch["delivery"] = nil
	}
	if len(patch) == 0 {
		return fmt.Errorf("nothing to update")
	}

	job, err := ac.Update(ctx, id, patch)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	cSuccess.Printf("✓ updated %s (%s)\n", job.Name, job.ID)
	cDim.Printf("  next run %s\n", cronjob.FormatMs(job.State.NextRunAtMs, loc))
	return nil
}

func (r *JobRunner) remove(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "job id")
	if err != nil {
		return err
	}
	ac, _, err := r.client(cmd)
	if err != nil {
		return err
	}
	if err := ac.Remove(cliCtx(ctx), id); err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	cSuccess.Printf("✓ removed %s\n", id)
	return nil
}

func (r *JobRunner) runJob(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "job id")
	if err != nil {
		return err
	}
	ac, loc, err := r.client(cmd)
	if err != nil {
		return err
	}
	mode := cronjob.RunDue
	if cmd.Bool("force") {
		mode = cronjob.RunForce
	}

	res, err := ac.Run(cliCtx(ctx), id, mode)
	if err != nil {
		return fmt.Errorf("run job: %w", err)
	}
	switch {
	case !res.Ran:
		cWarn.Printf("skipped: %s\n", res.Reason)
	case res.OK:
		cSuccess.Printf("✓ %s in %dms\n", res.Status, res.DurationMs)
	default:
		cWarn.Printf("✗ %s: %s\n", res.Status, res.Error)
	}
	if res.Summary != "" {
		fmt.Println(res.Summary)
	}
	if res.Ran {
		cDim.Printf("  next run %s\n", cronjob.FormatMs(res.NextRunAtMs, loc))
	}
	return nil
}

func (r *JobRunner) runs(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "job id")
	if err != nil {
		return err
	}
	ac, loc, err := r.client(cmd)
	if err != nil {
		return err
	}
	entries, err := ac.Runs(cliCtx(ctx), id, int(cmd.Int("limit")))
	if err != nil {
		return fmt.Errorf("read runs: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-7s %6dms", cronjob.FormatMs(e.Ts, loc), e.Status, e.DurationMs)
		if e.Error != "" {
			line += "  " + e.Error
		} else if e.Summary != "" {
			line += "  " + e.Summary
		}
		fmt.Println(line)
	}
	return nil
}

func (r *JobRunner) wake(ctx context.Context, cmd *cli.Command) error {
	text := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if text == "" {
		return fmt.Errorf("wake text is required")
	}
	ac, _, err := r.client(cmd)
	if err != nil {
		return err
	}
	mode := cronjob.WakeNow
	if cmd.Bool("next-heartbeat") {
		mode = cronjob.WakeNextHeartbeat
	}
	if err := ac.Wake(cliCtx(ctx), text, mode); err != nil {
		return fmt.Errorf("wake: %w", err)
	}
	cSuccess.Println("✓ event posted")
	return nil
}

func scheduleFromFlags(cmd *cli.Command, now time.Time) (cronjob.Schedule, bool, error) {
	set := 0
	var s cronjob.Schedule
	if cmd.IsSet("every") {
		set++
		s = cronjob.Schedule{Kind: cronjob.ScheduleEvery, EveryMs: cmd.Duration("every").Milliseconds()}
	}
	if cmd.IsSet("cron") {
		set++
		s = cronjob.Schedule{Kind: cronjob.ScheduleCron, Expr: cmd.String("cron"), TZ: cmd.String("tz")}
	}
	if cmd.IsSet("at") {
		set++
		atMs, err := cronjob.ParseAt(cmd.String("at"), now)
		if err != nil {
			return s, false, err
		}
		s = cronjob.Schedule{Kind: cronjob.ScheduleAt, AtMs: atMs}
	}
	if set > 1 {
		return s, false, fmt.Errorf("--every, --cron and --at are mutually exclusive")
	}
	return s, set == 1, nil
}

// payloadFromFlags overlays the payload flags on base. The session target
// follows the payload kind.
func payloadFromFlags(cmd *cli.Command, base cronjob.Payload) (cronjob.Payload, cronjob.SessionTarget, bool) {
	p := base
	changed := false
	switch {
	case cmd.IsSet("text"):
		p = cronjob.Payload{Kind: cronjob.PayloadSystemEvent, Text: cmd.String("text")}
		changed = true
	case cmd.IsSet("message"):
		p.Kind = cronjob.PayloadAgentTurn
		p.Text = ""
		p.Message = cmd.String("message")
		changed = true
	}
	if p.Kind == cronjob.PayloadAgentTurn {
		if cmd.IsSet("model") {
			p.Model, changed = cmd.String("model"), true
		}
		if cmd.IsSet("thinking") {
			p.Thinking, changed = cmd.String("thinking"), true
		}
		if cmd.IsSet("timeout-seconds") {
			p.TimeoutSeconds, changed = int(cmd.Int("timeout-seconds")), true
		}
	}

	target := cronjob.SessionMain
	if p.Kind == cronjob.PayloadAgentTurn {
		target = cronjob.SessionIsolated
	}
	return p, target, changed
}

func deliveryFromFlags(cmd *cli.Command, base *cronjob.Delivery) *cronjob.Delivery {
	if !anySet(cmd, "deliver", "channel", "to") {
		return nil
	}
	d := cronjob.Delivery{}
	if base != nil {
		d = *base
	}
	if cmd.IsSet("deliver") {
		d.Mode = cronjob.DeliveryMode(cmd.String("deliver"))
	}
	if cmd.IsSet("channel") {
		d.Channel = cmd.String("channel")
	}
	if cmd.IsSet("to") {
		d.To = cmd.String("to")
	}
	return &d
}

func anySet(cmd *cli.Command, names ...string) bool {
	for _, n := range names {
		if cmd.IsSet(n) {
			return true
		}
	}
	return false
}

func requireArg(cmd *cli.Command, what string) (string, error) {
	v := strings.TrimSpace(cmd.Args().First())
	if v == "" {
		return "", fmt.Errorf("%s is required", what)
	}
	return v, nil
}

func printJSON(v interface{}) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
