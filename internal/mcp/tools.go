package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tgifai/crond/internal/consts"
	"github.com/tgifai/crond/internal/cronjob"
)

type StatusInput struct{}

type ListInput struct {
	IncludeDisabled bool `json:"includeDisabled,omitempty" jsonschema:"include disabled jobs"`
}

type ListOutput struct {
	Jobs  []cronjob.Job `json:"jobs"`
	Count int           `json:"count"`
}

type AddInput struct {
	Job cronjob.JobCreate `json:"job" jsonschema:"the job to create; sessionTarget main requires a systemEvent payload, isolated an agentTurn payload"`
	At  string            `json:"at,omitempty" jsonschema:"for one-shot jobs: RFC 3339 time, epoch ms or +duration such as +20m; overrides job.schedule.atMs"`
	// AgentID defaults the job's owner when job.agentId is empty.
	AgentID string `json:"agentId,omitempty" jsonschema:"owning agent id"`
}

type UpdateInput struct {
	ID    string                 `json:"id" jsonschema:"job id"`
	Patch map[string]interface{} `json:"patch" jsonschema:"fields to change; omitted fields are kept and null clears a field"`
}

type IDInput struct {
	ID string `json:"id" jsonschema:"job id"`
}

type RemoveOutput struct {
	Removed bool   `json:"removed"`
	ID      string `json:"id"`
}

type RunInput struct {
	ID   string `json:"id" jsonschema:"job id"`
	Mode string `json:"mode,omitempty" jsonschema:"due (default) runs only when due, force runs regardless"`
}

type RunsInput struct {
	ID    string `json:"id" jsonschema:"job id"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum entries to return (default 20)"`
}

type RunsOutput struct {
	Entries []cronjob.RunLogEntry `json:"entries"`
	Count   int                   `json:"count"`
}

type WakeInput struct {
	Text string `json:"text" jsonschema:"event text posted to the main session"`
	Mode string `json:"mode,omitempty" jsonschema:"now (default) or next-heartbeat"`
}

type WakeOutput struct {
	OK bool `json:"ok"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cron_status",
		Description: "Report scheduler state, job count and the next wake time",
	}, s.handleStatus)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cron_list",
		Description: "List cron jobs ordered by next run",
	}, s.handleList)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cron_add",
		Description: "Create a one-shot (at), interval (every) or cron-expression job",
	}, s.handleAdd)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cron_update",
		Description: "Patch an existing cron job",
	}, s.handleUpdate)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cron_remove",
		Description: "Delete a cron job and its run history",
	}, s.handleRemove)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cron_run",
		Description: "Run a cron job now",
	}, s.handleRun)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cron_runs",
		Description: "Read the newest run-log entries of a job",
	}, s.handleRuns)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cron_wake",
		Description: "Post a system event to the main session and optionally request an immediate heartbeat",
	}, s.handleWake)
}

func callerCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, consts.CtxKeyCaller, consts.CallerMCP)
}

func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, cronjob.Status, error) {
	st, err := s.svc.Status(callerCtx(ctx))
	return nil, st, err
}

func (s *Server) handleList(ctx context.Context, _ *mcp.CallToolRequest, in ListInput) (*mcp.CallToolResult, ListOutput, error) {
	jobs, err := s.svc.List(callerCtx(ctx), in.IncludeDisabled)
	if err != nil {
		return nil, ListOutput{}, err
	}
	if jobs == nil {
		jobs = []cronjob.Job{}
	}
	return nil, ListOutput{Jobs: jobs, Count: len(jobs)}, nil
}

func (s *Server) handleAdd(ctx context.Context, _ *mcp.CallToolRequest, in AddInput) (*mcp.CallToolResult, cronjob.Job, error) {
	ctx = callerCtx(ctx)
	if in.AgentID != "" {
		ctx = context.WithValue(ctx, consts.CtxKeyAgentID, in.AgentID)
	}
	job := in.Job
	if in.At != "" {
		atMs, err := cronjob.ParseAt(in.At, s.now())
		if err != nil {
			return nil, cronjob.Job{}, err
		}
		job.Schedule.Kind = cronjob.ScheduleAt
		job.Schedule.AtMs = atMs
	}
	created, err := s.svc.Add(ctx, job)
	if err != nil {
		return nil, cronjob.Job{}, fmt.Errorf("add job: %w", err)
	}
	return nil, created, nil
}

func (s *Server) handleUpdate(ctx context.Context, _ *mcp.CallToolRequest, in UpdateInput) (*mcp.CallToolResult, cronjob.Job, error) {
	if len(in.Patch) == 0 {
		return nil, cronjob.Job{}, fmt.Errorf("patch must change at least one field")
	}
	patch, err := cronjob.PatchFromMap(in.Patch)
	if err != nil {
		return nil, cronjob.Job{}, err
	}
	job, err := s.svc.Update(callerCtx(ctx), in.ID, patch)
	if err != nil {
		return nil, cronjob.Job{}, fmt.Errorf("update job: %w", err)
	}
	return nil, job, nil
}

func (s *Server) handleRemove(ctx context.Context, _ *mcp.CallToolRequest, in IDInput) (*mcp.CallToolResult, RemoveOutput, error) {
	if err := s.svc.Remove(callerCtx(ctx), in.ID); err != nil {
		return nil, RemoveOutput{}, fmt.Errorf("remove job: %w", err)
	}
	return nil, RemoveOutput{Removed: true, ID: in.ID}, nil
}

func (s *Server) handleRun(ctx context.Context, _ *mcp.CallToolRequest, in RunInput) (*mcp.CallToolResult, cronjob.RunResult, error) {
	res, err := s.svc.Run(callerCtx(ctx), in.ID, cronjob.RunMode(in.Mode))
	return nil, res, err
}

func (s *Server) handleRuns(ctx context.Context, _ *mcp.CallToolRequest, in RunsInput) (*mcp.CallToolResult, RunsOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}
	entries, err := s.svc.Runs(callerCtx(ctx), in.ID, limit)
	if err != nil {
		return nil, RunsOutput{}, err
	}
	if entries == nil {
		entries = []cronjob.RunLogEntry{}
	}
	return nil, RunsOutput{Entries: entries, Count: len(entries)}, nil
}

func (s *Server) handleWake(ctx context.Context, _ *mcp.CallToolRequest, in WakeInput) (*mcp.CallToolResult, WakeOutput, error) {
	if err := s.svc.Wake(callerCtx(ctx), in.Text, cronjob.WakeMode(in.Mode)); err != nil {
		return nil, WakeOutput{}, err
	}
	return nil, WakeOutput{OK: true}, nil
}
