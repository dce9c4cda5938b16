// Package app assembles the engines, resource cache and runner of the lnorm
// command with fx.
package app

import (
	"context"

	"github.com/fxnlabs/lnorm/internal/compute"
	"github.com/fxnlabs/lnorm/internal/config"
	"github.com/fxnlabs/lnorm/internal/kernels"
	"github.com/fxnlabs/lnorm/internal/primitive"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides a *Runner. The caller supplies *config.Config and
// *zap.Logger.
var Module = fx.Module("lnorm",
	fx.Provide(
		NewRegistry,
		NewManager,
		NewResourceMapper,
		NewRunner,
	),
)

// NewRegistry returns a registry holding every normalization program.
func NewRegistry() (*compute.Registry, error) {
	reg := compute.NewRegistry()
	if err := kernels.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// NewManager creates the configured engines and closes them on stop.
func NewManager(lc fx.Lifecycle, reg *compute.Registry, cfg *config.Config, logger *zap.Logger) (*compute.Manager, error) {
	m, err := compute.NewManager(reg, compute.ManagerOptions{
		Kind:    cfg.Engine.Kind,
		Devices: cfg.Engine.Devices,
		CPU: compute.CPUEngineOptions{
			MaxWorkGroupSize: cfg.Engine.MaxWorkGroupSize,
			ComputeUnits:     cfg.Engine.ComputeUnits,
			ProgramCache:     cfg.ProgramCacheEnabled(),
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return m.Close() },
	})
	return m, nil
}

// NewResourceMapper creates the per-engine resource cache shared by every
// primitive of the process.
func NewResourceMapper(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) *primitive.ResourceMapper {
	m := primitive.NewResourceMapper(cfg.Engine.MaxResources, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return m.Close() },
	})
	return m
}
