package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultVerbosity        = "info"
	DefaultEngineKind       = "auto"
	DefaultMaxWorkGroupSize = 256
	DefaultEpsilon          = 1e-5
	DefaultLaunchTimeout    = 30 * time.Second
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Engine struct {
		// Kind selects the backend: "auto" or "cpu".
		Kind             string `yaml:"kind"`
		Devices          int    `yaml:"devices"`
		MaxWorkGroupSize int    `yaml:"maxWorkGroupSize"`
		// ComputeUnits of 0 means GOMAXPROCS.
		ComputeUnits  int           `yaml:"computeUnits"`
		ProgramCache  *bool         `yaml:"programCache"`
		MaxResources  int           `yaml:"maxResources"`
		LaunchTimeout time.Duration `yaml:"launchTimeout"`
	} `yaml:"engine"`
	Lnorm struct {
		Epsilon float32 `yaml:"epsilon"`
	} `yaml:"lnorm"`
}

// ProgramCacheEnabled reports the effective program cache setting.
func (c *Config) ProgramCacheEnabled() bool {
	return c.Engine.ProgramCache == nil || *c.Engine.ProgramCache
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document, rejecting unknown keys, and fills in
// defaults.
func Parse(data []byte) (*Config, error) {
	var config Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Logger.Verbosity == "" {
		c.Logger.Verbosity = DefaultVerbosity
	}
	if c.Engine.Kind == "" {
		c.Engine.Kind = DefaultEngineKind
	}
	if c.Engine.Devices == 0 {
		c.Engine.Devices = 1
	}
	if c.Engine.MaxWorkGroupSize == 0 {
		c.Engine.MaxWorkGroupSize = DefaultMaxWorkGroupSize
	}
	if c.Engine.LaunchTimeout == 0 {
		c.Engine.LaunchTimeout = DefaultLaunchTimeout
	}
	if c.Lnorm.Epsilon == 0 {
		c.Lnorm.Epsilon = DefaultEpsilon
	}
}

func (c *Config) validate() error {
	switch {
	case c.Engine.Devices < 0:
		return fmt.Errorf("engine.devices must not be negative, got %d", c.Engine.Devices)
	case c.Engine.MaxWorkGroupSize < 0:
		return fmt.Errorf("engine.maxWorkGroupSize must not be negative, got %d", c.Engine.MaxWorkGroupSize)
	case c.Engine.ComputeUnits < 0:
		return fmt.Errorf("engine.computeUnits must not be negative, got %d", c.Engine.ComputeUnits)
	case c.Engine.MaxResources < 0:
		return fmt.Errorf("engine.maxResources must not be negative, got %d", c.Engine.MaxResources)
	case c.Engine.LaunchTimeout < 0:
		return fmt.Errorf("engine.launchTimeout must not be negative, got %s", c.Engine.LaunchTimeout)
	case c.Lnorm.Epsilon < 0:
		return fmt.Errorf("lnorm.epsilon must not be negative, got %g", c.Lnorm.Epsilon)
	}
	return nil
}
