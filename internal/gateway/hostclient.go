package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/gopkg/lang/fastrand"

	"github.com/tgifai/crond/internal/config"
	"github.com/tgifai/crond/internal/cronjob"
	"github.com/tgifai/crond/internal/pkg/logs"
)

const (
	systemEventsPath = "/api/v1/system-events"
	heartbeatPath    = "/api/v1/heartbeat"
	isolatedRunsPath = "/api/v1/agent/isolated-runs"
)

// HostClient calls the agent host that owns sessions and runs agent turns.
type HostClient struct {
	jsonClient
}

func NewHostClient(cfg config.AgentConfig) *HostClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HostClient{jsonClient: newJSONClient(cfg.BaseURL, cfg.APIKey, timeout)}
}

// Deps wires the client into the cron service.
func (h *HostClient) Deps() cronjob.Deps {
	return cronjob.Deps{
		EnqueueSystemEvent:  h.EnqueueSystemEvent,
		RequestHeartbeatNow: h.RequestHeartbeat,
		RunIsolatedAgentJob: h.RunIsolated,
	}
}

type systemEventRequest struct {
	Text   string                 `json:"text"`
	Target cronjob.DeliveryTarget `json:"target"`
}

func (h *HostClient) EnqueueSystemEvent(ctx context.Context, text string, target cronjob.DeliveryTarget) error {
	return h.do(ctx, http.MethodPost, systemEventsPath, systemEventRequest{Text: text, Target: target}, nil)
}

// RequestHeartbeat retries once after a short jittered pause on transport
// errors and 5xx replies.
func (h *HostClient) RequestHeartbeat(ctx context.Context) error {
	err := h.do(ctx, http.MethodPost, heartbeatPath, struct{}{}, nil)
	if err == nil || ctx.Err() != nil {
		return err
	}
	var se *statusError
	if errors.As(err, &se) && se.code < http.StatusInternalServerError {
		return err
	}

	pause := 100*time.Millisecond + time.Duration(fastrand.Uint32n(250))*time.Millisecond
	logs.CtxDebug(ctx, "[host] heartbeat failed (%v), retrying in %s", err, pause)
	select {
	case <-time.After(pause):
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.do(ctx, http.MethodPost, heartbeatPath, struct{}{}, nil)
}

func (h *HostClient) RunIsolated(ctx context.Context, req cronjob.IsolatedRequest) (cronjob.IsolatedResult, error) {
	var res cronjob.IsolatedResult
	if err := h.do(ctx, http.MethodPost, isolatedRunsPath, req, &res); err != nil {
		return cronjob.IsolatedResult{}, err
	}
	if res.Status == "" {
		res.Status = cronjob.StatusOK
	}
	return res, nil
}
