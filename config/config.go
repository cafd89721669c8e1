// Package config loads the YAML configuration shared by GojoSTM binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojostm/core/executor"
	"github.com/sushant-115/gojostm/core/ref"
	"github.com/sushant-115/gojostm/core/transaction"
	"github.com/sushant-115/gojostm/pkg/logger"
	"github.com/sushant-115/gojostm/pkg/telemetry"
)

// Config is the root of a configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	STM       STM              `yaml:"stm"`
	Bench     Bench            `yaml:"bench"`
}

// STM configures one transaction family and the executor running it.
type STM struct {
	transaction.Config `yaml:",inline"`
	PropagationLevel   executor.PropagationLevel `yaml:"propagation_level"`
	ExclusivePolicy    ref.ExclusivePolicy       `yaml:"exclusive_policy"`
}

// Bench configures the load driver.
type Bench struct {
	Scenario string        `yaml:"scenario"`
	Readers  int           `yaml:"readers"`
	Writers  int           `yaml:"writers"`
	Accounts int           `yaml:"accounts"`
	Duration time.Duration `yaml:"duration"`
	// WriteRate caps each writer at this many commits per second, 0 means unlimited.
	WriteRate float64 `yaml:"write_rate"`
}

const (
	ScenarioConsistent     = "consistent"
	ScenarioTransfer       = "transfer"
	ScenarioReadersWriters = "readers-writers"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// Load reads the file at path. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a configuration document, applies defaults and validates it.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	c := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) SetDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = logger.DefaultService
	}
	c.STM.SetDefaults()

	b := &c.Bench
	if b.Scenario == "" {
		b.Scenario = ScenarioConsistent
	}
	if b.Readers == 0 {
		b.Readers = 4
	}
	if b.Writers == 0 {
		b.Writers = 2
	}
	if b.Accounts == 0 {
		b.Accounts = 16
	}
	if b.Duration == 0 {
		b.Duration = 5 * time.Second
	}
}

func (c *Config) Validate() error {
	if err := c.STM.Validate(); err != nil {
		return err
	}
	b := c.Bench
	switch b.Scenario {
	case ScenarioConsistent, ScenarioTransfer, ScenarioReadersWriters:
	default:
		return fmt.Errorf("unknown bench scenario %q", b.Scenario)
	}
	if b.Readers < 0 || b.Writers < 0 || b.Accounts < 2 || b.Duration < 0 || b.WriteRate < 0 {
		return fmt.Errorf("invalid bench settings: readers=%d writers=%d accounts=%d duration=%s write_rate=%g",
			b.Readers, b.Writers, b.Accounts, b.Duration, b.WriteRate)
	}
	return nil
}

// ExecutorOptions returns the executor options implied by the STM section.
func (s *STM) ExecutorOptions() []executor.Option {
	return []executor.Option{executor.WithPropagationLevel(s.PropagationLevel)}
}

// CellOptions returns the cell options implied by the STM section.
func (s *STM) CellOptions() []ref.Option {
	return []ref.Option{ref.WithExclusivePolicy(s.ExclusivePolicy)}
}
