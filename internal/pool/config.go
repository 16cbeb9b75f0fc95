package pool

import (
	"fmt"
	"time"
)

// Config holds the limits and behaviour switches of one pool.
// Durations of zero or less disable the corresponding timeout, except
// ConnectionWaitTime where zero means "never wait".
type Config struct {
	MaxConnections         int `yaml:"max-connections"`
	MaxOverflowConnections int `yaml:"max-overflow-connections"`
	MaxCreateConnections   int `yaml:"max-create-connections"`
	MaxIdleCount           int `yaml:"max-idle-count"`

	MaxIdleTime        time.Duration `yaml:"max-idle-time"`
	MaxActiveTime      time.Duration `yaml:"max-active-time"`
	MaxPoolTime        time.Duration `yaml:"max-pool-time"`
	ConnectionWaitTime time.Duration `yaml:"connection-wait-time"`

	Shareable                    bool `yaml:"shareable"`
	LocalTransactionOptimization bool `yaml:"local-transaction-optimization"`
	SaveAllocationStackTrace     bool `yaml:"save-allocation-stack-trace"`
	CloseDanglingConnections     bool `yaml:"close-dangling-connections"`
	EnableXA                     bool `yaml:"enable-xa"`
	EnableLocalTransaction       bool `yaml:"enable-local-transaction"`
}

// DefaultConfig returns the configuration used for keys a pool omits.
func DefaultConfig() Config {
	return Config{
		MaxConnections:               1024,
		MaxOverflowConnections:       1024,
		MaxCreateConnections:         5,
		MaxIdleCount:                 1024,
		MaxIdleTime:                  30 * time.Second,
		MaxActiveTime:                6 * time.Hour,
		MaxPoolTime:                  24 * time.Hour,
		ConnectionWaitTime:           30 * time.Second,
		Shareable:                    true,
		LocalTransactionOptimization: true,
		CloseDanglingConnections:     true,
		EnableXA:                     true,
		EnableLocalTransaction:       true,
	}
}

// Validate checks the limits for consistency.
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max-connections must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxOverflowConnections < 0 {
		return fmt.Errorf("max-overflow-connections must be >= 0, got %d", c.MaxOverflowConnections)
	}
	if c.MaxCreateConnections <= 0 {
		return fmt.Errorf("max-create-connections must be > 0, got %d", c.MaxCreateConnections)
	}
	if c.MaxIdleCount < 0 {
		return fmt.Errorf("max-idle-count must be >= 0, got %d", c.MaxIdleCount)
	}
	if c.ConnectionWaitTime < 0 {
		return fmt.Errorf("connection-wait-time must be >= 0, got %v", c.ConnectionWaitTime)
	}
	return nil
}

// sweepInterval is the idle timeout clamped to [1s, 60s].
func (c Config) sweepInterval() time.Duration {
	d := c.MaxIdleTime
	switch {
	case d <= 0 || d > time.Minute:
		return time.Minute
	case d < time.Second:
		return time.Second
	}
	return d
}
