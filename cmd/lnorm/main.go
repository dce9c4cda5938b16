package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fxnlabs/lnorm/internal/config"
	"github.com/fxnlabs/lnorm/internal/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is filled by the Before hook and shared with every command.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newApp(out io.Writer) *cli.App {
	var configPath, verbosity string
	var console bool
	e := &env{}

	return &cli.App{
		Name:      "lnorm",
		Usage:     "Run and check the reference layer normalization kernels",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to a config file; defaults apply when empty",
				EnvVars:     []string{"LNORM_CONFIG"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "verbosity",
				Usage:       "Override logger.verbosity",
				Destination: &verbosity,
			},
			&cli.BoolFlag{
				Name:        "console",
				Usage:       "Human readable logs",
				Destination: &console,
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if configPath == "" {
				e.cfg = config.Default()
			} else if e.cfg, err = config.LoadConfig(configPath); err != nil {
				return err
			}
			if verbosity != "" {
				e.cfg.Logger.Verbosity = verbosity
			}
			var opts []logger.Option
			if console {
				opts = append(opts, logger.WithConsole())
			}
			zapLogger, err := logger.New(e.cfg.Logger.Verbosity, opts...)
			if err != nil {
				return err
			}
			e.logger = zapLogger.Named("cli")
			return nil
		},
		After: func(c *cli.Context) error {
			if e.logger != nil {
				_ = e.logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			infoCommand(e),
			runCommand(e, "fwd", "Run forward normalization on random data"),
			runCommand(e, "bwd", "Run backward normalization on random data"),
			initCommand(),
		},
	}
}
