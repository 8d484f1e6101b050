package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/crond/internal/consts"
	"github.com/tgifai/crond/internal/pkg/logs"
)

func main() {
	cmd := &cli.Command{
		Name:  "crond",
		Usage: "Persistent cron scheduler for agent sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config.yaml",
				Value:   consts.DefaultConfigPath(),
				Sources: cli.EnvVars("CROND_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			runHwd.cmd(),
			jobHwd.cmd(),
			mcpHwd.cmd(),
			initHwd.cmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logs.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}
