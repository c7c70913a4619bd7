package orchestrator

import (
	"fmt"
	"time"
)

// Config holds the coordinator settings. It is injected at construction;
// the coordinator never reads process-wide configuration.
type Config struct {
	// OperationTimeout bounds the first step, and separately bounds the
	// remainder of the operation once the first step has committed.
	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation_timeout"`

	Retry RetryPolicy `yaml:"retry" json:"retry"`
}

// Validate validates the coordinator configuration
func (c *Config) Validate() error {
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation_timeout must be positive")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry policy validation failed: %w", err)
	}
	return nil
}

// RetryPolicy bounds retries of unavailable steps
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts per step, the first one included
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
}

// Validate validates the retry policy
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("base_delay cannot be negative")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max_delay must not be smaller than base_delay")
	}
	return nil
}

// Backoff returns the wait after the given failed attempt: BaseDelay doubled
// per attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// NewDefaultConfig returns the settings used when nothing is configured
func NewDefaultConfig() Config {
	return Config{
		OperationTimeout: 15 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
	}
}
