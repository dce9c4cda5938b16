package logger

import (
	"go.uber.org/zap"
)

type Option func(*zap.Config)

// WithConsole switches to the human readable encoder.
func WithConsole() Option {
	return func(c *zap.Config) {
		c.Encoding = "console"
		c.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
}

// WithOutput replaces the output paths. Defaults to stderr so reports on
// stdout stay machine readable.
func WithOutput(paths ...string) Option {
	return func(c *zap.Config) {
		c.OutputPaths = paths
	}
}

func New(verbosity string, opts ...Option) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	for _, opt := range opts {
		opt(&config)
	}
	return config.Build()
}
