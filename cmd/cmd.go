// Package cmd wires the urfave/cli-based binary: flags (layered
// flags > env > config file > default, exactly as the teacher's own
// command tree does via urfave/cli-altsrc), logger/OTel bootstrap, and
// the mode dispatch described in spec §6 Server modes.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli-altsrc/v3/json"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	altsrc "github.com/urfave/cli-altsrc/v3"

	"github.com/zhaofengli/attic/pkg/otelzerolog"
)

// Version is set with ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

type flagSourcesFn func(configFileKey, envVar string) cli.ValueSourceChain

// New returns the root command for the attic binary.
func New() *cli.Command {
	var otelShutdown func(context.Context) error

	var configPath string

	flagSources := func(configFileKey, envVar string) cli.ValueSourceChain {
		return cli.NewValueSourceChain(
			cli.EnvVar(envVar),
			toml.TOML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			yaml.YAML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			json.JSON(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
		)
	}

	cmd := &cli.Command{
		Name:    "attic",
		Usage:   "self-hostable binary cache server for Nix",
		Version: Version,
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			ctx = setupLogger(ctx, c)

			resource, err := newResource(ctx, c)
			if err != nil {
				return ctx, err
			}

			shutdown, err := setupOTelSDK(ctx, c, resource)
			if err != nil {
				return ctx, err
			}

			otelShutdown = shutdown

			return ctx, nil
		},
		After: func(ctx context.Context, _ *cli.Command) error {
			if otelShutdown != nil {
				return otelShutdown(ctx)
			}

			return nil
		},
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the configuration file (toml, yaml, json)",
				Sources:     cli.EnvVars("ATTIC_CONFIG_FILE"),
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Set the log level",
				Sources: flagSources("log.level", "LOG_LEVEL"),
				Value:   "info",
				Validator: func(lvl string) error {
					_, err := zerolog.ParseLevel(lvl)

					return err
				},
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Enable OpenTelemetry logs, metrics and tracing",
				Sources: flagSources("opentelemetry.enabled", "OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "otel-grpc-url",
				Usage:   "OpenTelemetry collector gRPC URL; omit to emit telemetry to stdout",
				Sources: flagSources("opentelemetry.grpc-url", "OTEL_GRPC_URL"),
			},
			&cli.BoolFlag{
				Name:    "prometheus-enabled",
				Usage:   "Expose a Prometheus /metrics endpoint",
				Sources: flagSources("prometheus.enabled", "PROMETHEUS_ENABLED"),
			},
		}, serveFlags(flagSources)...),
		Action: rootAction,
	}

	return cmd
}

func setupLogger(ctx context.Context, cmd *cli.Command) context.Context {
	logLvl := cmd.String("log-level")

	lvl, err := zerolog.ParseLevel(logLvl)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout

	if colURL := cmd.String("otel-grpc-url"); colURL != "" {
		if otelWriter, err := otelzerolog.NewOtelWriter(ctx, colURL, "attic"); err == nil {
			output = zerolog.MultiLevelWriter(os.Stdout, otelWriter)
		}
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(output).Level(lvl).With().Timestamp().Logger()

	ctx = logger.WithContext(ctx)

	logger.Info().Str("log_level", lvl.String()).Msg("logger created")

	return ctx
}

func rootAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("attic: error loading configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("attic: invalid configuration: %w", err)
	}

	return dispatch(ctx, cmd, cfg)
}
