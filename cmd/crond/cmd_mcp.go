package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/crond/internal/config"
	"github.com/tgifai/crond/internal/consts"
	"github.com/tgifai/crond/internal/mcp"
	"github.com/tgifai/crond/internal/pkg/logs"
)

var mcpHwd = &MCPRunner{}

type MCPRunner struct{}

func (r *MCPRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the cron tools over MCP against the local job store",
		Description: "The MCP server edits the store directly and never ticks. A running daemon " +
			"with the file store picks the edits up through its store watcher.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "http",
				Usage: "serve streamable HTTP on this address instead of stdio",
			},
		},
		Action: r.run,
	}
}

func (r *MCPRunner) run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("loading config error: %w", err)
	}

	// stdout carries the protocol, so logs never go there.
	logCfg := cfg.Logging
	logCfg.Output = "file"
	if logCfg.File == "" {
		logCfg.File = consts.DefaultLogFile()
	}
	if err = initLogger(logCfg); err != nil {
		return fmt.Errorf("init logger error: %w", err)
	}
	defer logs.Flush()

	svc, err := openService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	server, err := mcp.NewServer(svc)
	if err != nil {
		return err
	}
	if addr := cmd.String("http"); addr != "" {
		return server.RunHTTP(ctx, addr)
	}
	return server.Run(ctx)
}
