package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/lnorm/fixtures"
	"github.com/fxnlabs/lnorm/internal/app"
	"github.com/fxnlabs/lnorm/internal/dtype"
	"github.com/fxnlabs/lnorm/internal/lnorm"
	"github.com/fxnlabs/lnorm/internal/primitive"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// withRunner starts the fx application, hands its runner to fn and stops it.
func withRunner(ctx context.Context, e *env, fn func(*app.Runner) error) error {
	var runner *app.Runner
	fxApp := fx.New(
		fx.Supply(e.cfg, e.logger),
		fx.WithLogger(func() fxevent.Logger { return &fxevent.ZapLogger{Logger: e.logger.Named("fx")} }),
		app.Module,
		fx.Populate(&runner),
	)
	if err := fxApp.Start(ctx); err != nil {
		return err
	}
	runErr := fn(runner)
	return errors.Join(runErr, fxApp.Stop(ctx))
}

func writeJSON(c *cli.Context, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, string(data))
	return err
}

func infoCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Describe the compute engines",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print JSON"},
		},
		Action: func(c *cli.Context) error {
			return withRunner(c.Context, e, func(r *app.Runner) error {
				info := r.DeviceInfo()
				if c.Bool("json") {
					return writeJSON(c, info)
				}
				w := c.App.Writer
				fmt.Fprintln(w, figure.NewFigure("lnorm", "", true).String())
				fmt.Fprintf(w, "Implementation: %s\n", lnorm.ImplName)
				fmt.Fprintf(w, "Engine: %s (%s)\n", info.Name, info.Kind)
				fmt.Fprintf(w, "Compute units: %d\n", info.ComputeUnits)
				fmt.Fprintf(w, "Max work-group size: %d\n", info.MaxWorkGroupSize)
				if info.Features != "" {
					fmt.Fprintf(w, "Features: %s\n", info.Features)
				}
				fmt.Fprintf(w, "Runtime: %s\n", info.RuntimeVersion)
				return nil
			})
		},
	}
}

func runCommand(e *env, name, usage string) *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{Name: "shape", Value: "2x4", Usage: "Source dims, innermost last, e.g. 8x16x64"},
		&cli.StringFlag{Name: "dtype", Value: "f32", Usage: "f32, bf16 or f16"},
		&cli.BoolFlag{Name: "scale-shift", Usage: "Apply learned scale and shift"},
		&cli.BoolFlag{Name: "global-stats", Usage: "Use given mean and variance"},
		&cli.Float64Flag{Name: "epsilon", Usage: "Override lnorm.epsilon"},
		&cli.Uint64Flag{Name: "seed", Value: 1, Usage: "Random data seed"},
		&cli.IntFlag{Name: "device", Usage: "Engine index"},
		&cli.BoolFlag{Name: "json", Usage: "Print the report as JSON"},
	}
	if name == "fwd" {
		flags = append(flags, &cli.BoolFlag{Name: "training", Usage: "Forward training; saves statistics"})
	}

	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: flags,
		Action: func(c *cli.Context) error {
			shape, err := parseShape(c.String("shape"))
			if err != nil {
				return err
			}
			dt, err := dtype.Parse(c.String("dtype"))
			if err != nil {
				return err
			}
			opts := app.RunOptions{
				Shape:       shape,
				DataType:    dt,
				Training:    c.Bool("training"),
				ScaleShift:  c.Bool("scale-shift"),
				GlobalStats: c.Bool("global-stats"),
				Epsilon:     float32(c.Float64("epsilon")),
				Seed:        c.Uint64("seed"),
				Device:      c.Int("device"),
			}

			var rep *app.Report
			err = withRunner(c.Context, e, func(r *app.Runner) error {
				var err error
				if name == "fwd" {
					rep, err = r.Forward(c.Context, opts)
				} else {
					rep, err = r.Backward(c.Context, opts)
				}
				return err
			})
			if err != nil {
				status := primitive.StatusOf(err)
				e.logger.Error("run failed", zap.String("status", status.String()), zap.Error(err))
				return cli.Exit(fmt.Sprintf("%s: %v", status, err), 1)
			}

			if c.Bool("json") {
				if err := writeJSON(c, rep); err != nil {
					return err
				}
			} else {
				printReport(c, rep)
			}
			if !rep.Passed {
				return cli.Exit(fmt.Sprintf("max abs error %g exceeds %g", rep.MaxAbsError, rep.Tolerance), 2)
			}
			return nil
		},
	}
}

func printReport(c *cli.Context, rep *app.Report) {
	w := c.App.Writer
	fmt.Fprintf(w, "%s %s %s %v\n", rep.Primitive, rep.PropKind, rep.DataType, rep.Shape)
	fmt.Fprintf(w, "  kernels:   %s\n", strings.Join(rep.Kernels, ", "))
	fmt.Fprintf(w, "  dispatch:  %s\n", rep.Dispatch)
	fmt.Fprintf(w, "  elapsed:   %.3f ms\n", rep.ElapsedMs)
	fmt.Fprintf(w, "  max error: %.3g (tolerance %.3g)\n", rep.MaxAbsError, rep.Tolerance)
	result := "PASS"
	if !rep.Passed {
		result = "FAIL"
	}
	fmt.Fprintf(w, "  result:    %s\n", result)
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "Write the default config file",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				path = "config.yaml"
			}
			if _, err := os.Stat(path); err == nil && !c.Bool("force") {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
			return nil
		},
	}
}

// parseShape reads dims separated by "x" or ",".
func parseShape(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == 'x' || r == ',' })
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty shape %q", s)
	}
	dims := make([]int, len(fields))
	for i, f := range fields {
		d, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || d < 0 {
			return nil, fmt.Errorf("bad dimension %q in shape %q", f, s)
		}
		dims[i] = d
	}
	return dims, nil
}
