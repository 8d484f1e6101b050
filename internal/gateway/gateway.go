package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/schema"
	"github.com/cloudwego/hertz/pkg/app"
	hzServer "github.com/cloudwego/hertz/pkg/app/server"
	hzConfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	hzProm "github.com/hertz-contrib/monitor-prometheus"
	"golang.org/x/time/rate"

	"github.com/tgifai/crond/internal/agent/tool"
	"github.com/tgifai/crond/internal/config"
	appConsts "github.com/tgifai/crond/internal/consts"
	"github.com/tgifai/crond/internal/cronjob"
	"github.com/tgifai/crond/internal/pkg/logs"
	prom "github.com/tgifai/crond/internal/pkg/prometheus"
)

const (
	apiPrefix   = "/api/v1/cron"
	toolsPrefix = "/api/v1/tools"
)

// Gateway exposes the cron service over HTTP.
type Gateway struct {
	svc        *cronjob.Service
	cfg        config.GatewayConfig
	httpServer *hzServer.Hertz
	runLimiter *rate.Limiter
	tools      *tool.Registry

	stopOnce sync.Once
}

type Option func(*Gateway)

// WithTools serves reg under /api/v1/tools so an agent host can fetch the
// tool schemas and forward its model's tool calls.
func WithTools(reg *tool.Registry) Option {
	return func(gw *Gateway) { gw.tools = reg }
}

func NewGateway(cfg config.GatewayConfig, svc *cronjob.Service, opts ...Option) *Gateway {
	readTimeout := time.Duration(cfg.ReadTimeout) * time.Second
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	// Forced runs hold the request open until the job finishes.
	writeTimeout := time.Duration(cfg.WriteTimeout) * time.Second
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Minute
	}

	hlog.SetLogger(logs.NewHlogLogger(logs.DefaultLogger()))

	hzOpts := []hzConfig.Option{
		hzServer.WithHostPorts(cfg.Bind),
		hzServer.WithReadTimeout(readTimeout),
		hzServer.WithWriteTimeout(writeTimeout),
		hzServer.WithExitWaitTime(5 * time.Second),
	}
	if cfg.MetricsBind != "" {
		hzOpts = append(hzOpts, hzServer.WithTracer(
			hzProm.NewServerTracer(cfg.MetricsBind, "/metrics", hzProm.WithRegistry(prom.GetRegistry())),
		))
	}

	limit := rate.Inf
	if cfg.RunRate > 0 {
		limit = rate.Limit(cfg.RunRate)
	}
	burst := cfg.RunBurst
	if burst <= 0 {
		burst = 1
	}

	gw := &Gateway{
		svc:        svc,
		cfg:        cfg,
		httpServer: hzServer.Default(hzOpts...),
		runLimiter: rate.NewLimiter(limit, burst),
	}
	for _, opt := range opts {
		opt(gw)
	}
	gw.initRoutes()
	return gw
}

func (gw *Gateway) Start(ctx context.Context) error {
	go gw.httpServer.Spin()
	logs.CtxInfo(ctx, "[gateway] listening on %s", gw.cfg.Bind)
	if gw.cfg.APIKey == "" {
		logs.CtxWarn(ctx, "[gateway] no api_key configured, the admin API is unauthenticated")
	}
	return nil
}

func (gw *Gateway) Stop(ctx context.Context) error {
	var err error
	gw.stopOnce.Do(func() {
		if err = gw.httpServer.Shutdown(ctx); err != nil {
			logs.CtxWarn(ctx, "[gateway] shutdown http server error: %v", err)
		}
		logs.CtxInfo(ctx, "[gateway] http server stopped")
	})
	return err
}

func (gw *Gateway) initRoutes() {
	gw.httpServer.GET("/health", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})

	api := gw.httpServer.Group(apiPrefix, requestContext(), bearerAuth(gw.cfg.APIKey))
	api.GET("/status", gw.status)
	api.GET("/jobs", gw.listJobs)
	api.POST("/jobs", gw.addJob)
	api.GET("/jobs/:id", gw.getJob)
	api.PATCH("/jobs/:id", gw.updateJob)
	api.DELETE("/jobs/:id", gw.removeJob)
	api.POST("/jobs/:id/run", gw.runJob)
	api.GET("/jobs/:id/runs", gw.listRuns)
	api.POST("/wake", gw.wake)

	if gw.tools != nil {
		tools := gw.httpServer.Group(toolsPrefix, requestContext(), bearerAuth(gw.cfg.APIKey))
		tools.GET("", gw.listTools)
		tools.POST("/call", gw.callTool)
	}
}

// requestContext tags the request with a log id and the HTTP caller.
func requestContext() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		logID := string(c.GetHeader("X-Log-Id"))
		if logID == "" {
			logID = logs.NewLogID()
		}
		ctx = logs.SetLogID(ctx, logID)
		ctx = context.WithValue(ctx, appConsts.CtxKeyCaller, appConsts.CallerHTTP)
		if agentID := strings.TrimSpace(string(c.GetHeader("X-Agent-Id"))); agentID != "" {
			ctx = context.WithValue(ctx, appConsts.CtxKeyAgentID, agentID)
		}
		c.Header("X-Log-Id", logID)
		c.Next(ctx)
	}
}

func bearerAuth(apiKey string) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if apiKey == "" {
			c.Next(ctx)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(string(c.GetHeader("Authorization")), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"error": "unauthorized"})
			return
		}
		c.Next(ctx)
	}
}

func (gw *Gateway) status(ctx context.Context, c *app.RequestContext) {
	st, err := gw.svc.Status(ctx)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, st)
}

func (gw *Gateway) listJobs(ctx context.Context, c *app.RequestContext) {
	includeDisabled, _ := strconv.ParseBool(c.Query("includeDisabled"))
	jobs, err := gw.svc.List(ctx, includeDisabled)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, utils.H{"jobs": jobs, "count": len(jobs)})
}

func (gw *Gateway) addJob(ctx context.Context, c *app.RequestContext) {
	var in cronjob.JobCreate
	if err := sonic.Unmarshal(c.Request.Body(), &in); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "invalid job body: " + err.Error()})
		return
	}
	job, err := gw.svc.Add(ctx, in)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusCreated, job)
}

func (gw *Gateway) getJob(ctx context.Context, c *app.RequestContext) {
	job, err := gw.svc.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, job)
}

func (gw *Gateway) updateJob(ctx context.Context, c *app.RequestContext) {
	var body map[string]interface{}
	if err := sonic.Unmarshal(c.Request.Body(), &body); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "invalid patch body: " + err.Error()})
		return
	}
	patch, err := cronjob.PatchFromMap(body)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	job, err := gw.svc.Update(ctx, c.Param("id"), patch)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, job)
}

func (gw *Gateway) removeJob(ctx context.Context, c *app.RequestContext) {
	if err := gw.svc.Remove(ctx, c.Param("id")); err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, utils.H{"removed": true})
}

func (gw *Gateway) runJob(ctx context.Context, c *app.RequestContext) {
	if !gw.runLimiter.Allow() {
		c.JSON(consts.StatusTooManyRequests, utils.H{"error": "too many manual runs, slow down"})
		return
	}
	mode := cronjob.RunMode(c.DefaultQuery("mode", string(cronjob.RunDue)))
	res, err := gw.svc.Run(ctx, c.Param("id"), mode)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, res)
}

func (gw *Gateway) listRuns(ctx context.Context, c *app.RequestContext) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "limit must be a positive integer"})
		return
	}
	entries, err := gw.svc.Runs(ctx, c.Param("id"), limit)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, utils.H{"entries": entries})
}

type wakeRequest struct {
	Text string           `json:"text"`
	Mode cronjob.WakeMode `json:"mode,omitempty"`
}

func (gw *Gateway) wake(ctx context.Context, c *app.RequestContext) {
	var req wakeRequest
	if err := sonic.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "invalid wake body: " + err.Error()})
		return
	}
	if err := gw.svc.Wake(ctx, req.Text, req.Mode); err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, utils.H{"ok": true})
}

func (gw *Gateway) listTools(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, utils.H{"tools": gw.tools.ListToolInfos()})
}

func (gw *Gateway) callTool(ctx context.Context, c *app.RequestContext) {
	var call schema.ToolCall
	if err := sonic.Unmarshal(c.Request.Body(), &call); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "invalid tool call: " + err.Error()})
		return
	}
	result, err := gw.tools.ExecuteToolCall(ctx, &call)
	if err != nil {
		if cronjob.IsValidation(err) || cronjob.IsNotFound(err) {
			writeError(ctx, c, err)
			return
		}
		// Tool failures are results for the model, not transport errors.
		c.JSON(consts.StatusOK, utils.H{"id": call.ID, "error": err.Error()})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"id": call.ID, "result": result})
}

func writeError(ctx context.Context, c *app.RequestContext, err error) {
	status := consts.StatusInternalServerError
	var pe *cronjob.PersistenceError
	switch {
	case cronjob.IsValidation(err):
		status = consts.StatusBadRequest
	case cronjob.IsNotFound(err):
		status = consts.StatusNotFound
	case errors.As(err, &pe):
		status = consts.StatusServiceUnavailable
	}
	if status >= consts.StatusInternalServerError {
		logs.CtxError(ctx, "[gateway] %s %s: %v", c.Method(), c.Path(), err)
	}
	c.JSON(status, utils.H{"error": err.Error()})
}
