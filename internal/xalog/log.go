// Package xalog provides the durable transaction log consulted by crash
// recovery. The coordinator appends a commit record once every participant
// has prepared, and heuristic outcomes before surfacing them; recovery asks
// whether an in-doubt global id was committed.
package xalog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is what a record says about a global transaction.
type Outcome string

const (
	OutcomeCommit            Outcome = "commit"
	OutcomeHeuristicMixed    Outcome = "heuristic-mixed"
	OutcomeHeuristicRollback Outcome = "heuristic-rollback"
	OutcomeHeuristicHazard   Outcome = "heuristic-hazard"
	OutcomeForget            Outcome = "forget"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCommit, OutcomeHeuristicMixed, OutcomeHeuristicRollback,
		OutcomeHeuristicHazard, OutcomeForget:
		return true
	}
	return false
}

// Record is one appended outcome.
type Record struct {
	Gid     string    `json:"gid"`
	Outcome Outcome   `json:"outcome"`
	Time    time.Time `json:"time"`
}

// Log is the durable log contract.
type Log interface {
	// Append durably records outcome for gid before returning.
	Append(ctx context.Context, gid string, outcome Outcome) error
	// IsCommitted reports whether a commit record exists for gid.
	IsCommitted(ctx context.Context, gid string) (bool, error)
	// Records lists every outcome recorded for gid, oldest first.
	Records(ctx context.Context, gid string) ([]Record, error)
	// Ping checks the log is usable.
	Ping(ctx context.Context) error
	Close() error
}

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("xalog: log closed")

// Backend names accepted by Open.
const (
	BackendPebble = "pebble"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

// Open creates the log described by cfg.
func Open(ctx context.Context, cfg Config) (Log, error) {
	switch cfg.Backend {
	case BackendPebble, "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("xalog: pebble backend requires a path")
		}
		return OpenPebble(cfg.Path)
	case BackendRedis:
		return OpenRedis(ctx, cfg.Redis)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("xalog: unknown backend %q", cfg.Backend)
	}
}

func checkAppend(gid string, outcome Outcome) error {
	if gid == "" {
		return fmt.Errorf("xalog: empty gid")
	}
	if !outcome.Valid() {
		return fmt.Errorf("xalog: invalid outcome %q", outcome)
	}
	return nil
}
