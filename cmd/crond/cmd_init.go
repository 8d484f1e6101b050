package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/crond/internal/config"
	"github.com/tgifai/crond/internal/pkg/utils"
)

var initHwd = &InitRunner{}

type InitRunner struct{}

func (r *InitRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a default config with a fresh admin API key",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "agent-url", Usage: "base URL of the agent host"},
			&cli.StringFlag{Name: "agent-key", Usage: "API key for the agent host"},
			&cli.StringFlag{Name: "store", Value: config.StoreDriverFile, Usage: "store driver: file, sqlite or nats"},
			&cli.StringFlag{Name: "timezone", Usage: "default time zone for cron expressions"},
			&cli.BoolFlag{Name: "force", Usage: "overwrite an existing config"},
		},
		Action: r.run,
	}
}

func (r *InitRunner) run(_ context.Context, cmd *cli.Command) error {
	cfgPath := cmd.String("config")
	if _, err := os.Stat(cfgPath); err == nil && !cmd.Bool("force") {
		cWarn.Printf("Config already exists at %s (use --force to overwrite)\n", cfgPath)
		return nil
	}

	cfg := &config.Config{}
	cfg.Cron.Store.Driver = cmd.String("store")
	cfg.Cron.Timezone = cmd.String("timezone")
	cfg.Gateway.APIKey = utils.RandStr(32)
	cfg.Agent.BaseURL = cmd.String("agent-url")
	cfg.Agent.APIKey = cmd.String("agent-key")

	if err := config.Init(cfgPath, cfg); err != nil {
		return err
	}
	if err := config.Save(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	saved, err := config.Get()
	if err != nil {
		return err
	}
	cfg = saved

	cSuccess.Printf("✓ wrote %s\n", cfgPath)
	cDim.Printf("  store:   %s (%s)\n", cfg.Cron.Store.Driver, cfg.Cron.Store.Path)
	cDim.Printf("  gateway: %s\n", cfg.Gateway.Bind)
	if cfg.Agent.BaseURL == "" {
		cWarn.Println("  agent.base_url is empty; set it before running \"crond run\"")
	}
	fmt.Println("Start the daemon with: crond run")
	return nil
}
