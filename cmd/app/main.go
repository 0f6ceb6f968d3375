package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/arbor/internal"
	pkgconfig "github.com/starford/arbor/pkg/config"
)

const defaultConfigPath = "config/config.yaml"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if configPath == defaultConfigPath {
		// The default file is optional; an explicit path must exist.
		if _, err := pkgconfig.LoadOptional(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		return cfg, nil
	}
	if err := pkgconfig.Load(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if path := cmd.String("records"); path != "" {
		cfg.Records.Path = path
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func inspect(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if url := cmd.String("backend"); url != "" {
		cfg.Backend.BaseURL = url
		if err := cfg.Backend.Validate(); err != nil {
			return fmt.Errorf("backend: %w", err)
		}
	}
	if err := internal.RunInspect(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("inspect error: %w", err)
	}
	return nil
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: defaultConfigPath,
		Value:       defaultConfigPath,
		Sources:     cli.EnvVars("APP_CONFIG_FILE"),
	}
}

func main() {
	cmd := &cli.Command{
		Name:  "arbor",
		Usage: "Progressive loading for large family trees: a reference backend and a headless viewer session",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve person records over the structure, enrich, xref and asset API",
				Action: serve,
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:    "records",
						Usage:   "Override the record directory",
						Sources: cli.EnvVars("ARBOR_RECORDS"),
					},
				},
			},
			{
				Name:   "inspect",
				Usage:  "Open a viewer session against a backend and drive it over MCP stdio",
				Action: inspect,
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:    "backend",
						Usage:   "Override the backend base URL",
						Sources: cli.EnvVars("ARBOR_BACKEND_URL"),
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
