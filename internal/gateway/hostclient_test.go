package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgifai/crond/internal/config"
	"github.com/tgifai/crond/internal/cronjob"
	"github.com/tgifai/crond/internal/pkg/logs"
)

func TestHostClient_EnqueueSystemEvent(t *testing.T) {
	var got systemEventRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, systemEventsPath, r.URL.Path)
		assert.Equal(t, "Bearer host-key", r.Header.Get("Authorization"))
		assert.Equal(t, "log-1", r.Header.Get("X-Log-Id"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, sonic.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hc := NewHostClient(config.AgentConfig{BaseURL: srv.URL + "/", APIKey: "host-key"})
	ctx := logs.SetLogID(context.Background(), "log-1")
	target := cronjob.DeliveryTarget{SessionKey: "chat:42"}
	require.NoError(t, hc.EnqueueSystemEvent(ctx, "hello", target))
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, target, got.Target)
}

func TestHostClient_HeartbeatRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hc := NewHostClient(config.AgentConfig{BaseURL: srv.URL})
	require.NoError(t, hc.RequestHeartbeat(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHostClient_HeartbeatDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden"}`))
	}))
	defer srv.Close()

	hc := NewHostClient(config.AgentConfig{BaseURL: srv.URL})
	err := hc.RequestHeartbeat(context.Background())
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, StatusCode(err))
	assert.Contains(t, err.Error(), "forbidden")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHostClient_RunIsolated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, isolatedRunsPath, r.URL.Path)
		var req cronjob.IsolatedRequest
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, sonic.Unmarshal(body, &req))
		assert.Equal(t, "summarize the day", req.Message)
		_, _ = w.Write([]byte(`{"summary":"3 new mails","delivered":true}`))
	}))
	defer srv.Close()

	hc := NewHostClient(config.AgentConfig{BaseURL: srv.URL})
	res, err := hc.RunIsolated(context.Background(), cronjob.IsolatedRequest{Message: "summarize the day"})
	require.NoError(t, err)
	assert.Equal(t, cronjob.StatusOK, res.Status)
	assert.Equal(t, "3 new mails", res.Summary)
	assert.True(t, res.Delivered)
}

func TestHostClient_NotConfigured(t *testing.T) {
	hc := NewHostClient(config.AgentConfig{})
	err := hc.EnqueueSystemEvent(context.Background(), "x", cronjob.DeliveryTarget{})
	assert.Error(t, err)
}

func TestAdminClient_AgainstGateway(t *testing.T) {
	gw, host := newTestGateway(t, config.GatewayConfig{APIKey: "k"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Bridge net/http into the hertz engine under test.
		body, _ := io.ReadAll(r.Body)
		var headers []ut.Header
		for k := range r.Header {
			headers = append(headers, ut.Header{Key: k, Value: r.Header.Get(k)})
		}
		code, out := performRaw(gw, r.Method, r.URL.RequestURI(), body, headers)
		w.WriteHeader(code)
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	ctx := context.Background()
	ac := NewAdminClient(srv.URL, "k")

	job, err := ac.Add(ctx, cronjob.JobCreate{
		Name:          "standup",
		Schedule:      cronjob.Schedule{Kind: cronjob.ScheduleCron, Expr: "0 9 * * 1-5"},
		SessionTarget: cronjob.SessionMain,
		Payload:       cronjob.Payload{Kind: cronjob.PayloadSystemEvent, Text: "standup time"},
	})
	require.NoError(t, err)

	jobs, err := ac.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	res, err := ac.Run(ctx, job.ID, cronjob.RunForce)
	require.NoError(t, err)
	assert.True(t, res.Ran)
	assert.Equal(t, []string{"standup time"}, host.texts)

	updated, err := ac.Update(ctx, job.ID, map[string]interface{}{"description": "weekday mornings"})
	require.NoError(t, err)
	assert.Equal(t, "weekday mornings", updated.Description)

	entries, err := ac.Runs(ctx, job.ID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, ac.Remove(ctx, job.ID))
	_, err = ac.Get(ctx, job.ID)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))

	bad := NewAdminClient(srv.URL, "nope")
	_, err = bad.Status(ctx)
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))
}
