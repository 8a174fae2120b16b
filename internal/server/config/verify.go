package config

import (
	"errors"
	"fmt"
)

// Verify rejects configurations the server cannot start with.
func Verify(c *ServerConfig) error {
	var errs []error

	switch c.AOFFsync {
	case "", "always", "everysec", "no":
	default:
		errs = append(errs, fmt.Errorf("aof_fsync must be one of: always, everysec, no (got %q)", c.AOFFsync))
	}

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, errors.New("max_connections must be positive"))
	}
	if c.MaxRequestSize <= 0 {
		errs = append(errs, errors.New("max_request_size must be positive"))
	}
	if c.MaxMemory < 0 {
		errs = append(errs, errors.New("maxmemory must not be negative"))
	}
	if c.SnapshotIntervalSec < 0 {
		errs = append(errs, errors.New("snapshot_interval_sec must not be negative"))
	}
	if c.SnapshotIntervalSec > 0 && c.SnapshotPath == "" {
		errs = append(errs, errors.New("snapshot_interval_sec requires snapshot_path"))
	}
	if c.IdleTimeoutSec < 0 {
		errs = append(errs, errors.New("idle_timeout_sec must not be negative"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}

	switch c.Log {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log level %q not recognized", c.Log))
	}

	return errors.Join(errs...)
}
