package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/crond/internal/agent/tool"
	"github.com/tgifai/crond/internal/agent/tool/cronx"
	"github.com/tgifai/crond/internal/config"
	"github.com/tgifai/crond/internal/cronjob"
	"github.com/tgifai/crond/internal/gateway"
	"github.com/tgifai/crond/internal/pkg/logs"
)

var runHwd = &DaemonRunner{}

type DaemonRunner struct{}

func (r *DaemonRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the scheduler daemon and its admin gateway",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "stop-timeout",
				Usage: "how long to wait for in-flight jobs on shutdown",
				Value: 30 * time.Second,
			},
		},
		Action: r.run,
	}
}

func (r *DaemonRunner) run(ctx context.Context, cmd *cli.Command) error {
	cfgPath := cmd.String("config")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		fmt.Println("crond is not configured yet. Run \"crond init\" to get started.")
		return nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config error: %w", err)
	}
	if err = initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("init logger error: %w", err)
	}
	defer logs.Flush()

	cfgHash, _ := config.Hash()
	logs.CtxInfo(ctx, "booting crond, using config file: %s (hash %s)...", cfgPath, cfgHash)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc, err := openService(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logs.CtxWarn(ctx, "close store error: %v", err)
		}
	}()
	cronjob.SetDefault(svc)

	if err = cronjob.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	reg := tool.NewRegistry(cronx.NewCronTool(nil))
	gw := gateway.NewGateway(cfg.Gateway, svc, gateway.WithTools(reg))
	if err = gw.Start(ctx); err != nil {
		cancel()
		_ = gw.Stop(context.Background())
		cronjob.Stop(context.Background())
		return fmt.Errorf("start gateway: %w", err)
	}

	logs.CtxInfo(ctx, "ALL IS WELL!!! Press Ctrl+C to stop.")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case sig := <-signalCh:
		logs.CtxInfo(ctx, "Received shutdown signal (%s). Stopping daemon...", sig.String())
	case <-ctx.Done():
		logs.CtxInfo(ctx, "Context canceled. Stopping daemon...")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cmd.Duration("stop-timeout"))
	defer stopCancel()

	if err = gw.Stop(stopCtx); err != nil {
		logs.CtxError(ctx, "stop gateway error: %v", err)
	}
	cronjob.Stop(stopCtx)

	logs.CtxInfo(ctx, "all stopped, good bye!")
	return nil
}

// openService opens the configured backend and wires the agent host client.
func openService(ctx context.Context, cfg *config.Config) (*cronjob.Service, error) {
	backend, err := cronjob.OpenBackend(ctx, cfg.Cron.Store)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if cfg.Agent.BaseURL == "" {
		logs.CtxWarn(ctx, "agent.base_url is empty, jobs will fail until it is configured")
	}
	host := gateway.NewHostClient(cfg.Agent)
	return cronjob.NewService(cfg.Cron, backend, host.Deps()), nil
}

func initLogger(cfg config.LoggingConfig) error {
	return logs.Init(logs.Options{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		File:       cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	})
}
