package scheduler

import (
	"fmt"
	"strings"
	"time"

	"otto/internal/config"
)

// Config controls the tick loop.
type Config struct {
	Enabled   bool
	Tick      time.Duration
	BatchSize int
	LockLease time.Duration
	Timezone  string // IANA name for cron evaluation; empty means Local
}

// ConfigFrom maps the resolved process config.
func ConfigFrom(c config.SchedulerConfig) Config {
	return Config{
		Enabled:   c.Enabled,
		Tick:      c.Tick,
		BatchSize: c.BatchSize,
		LockLease: c.LockLease,
		Timezone:  c.Timezone,
	}
}

// Validate fails on settings that would break lease exclusivity.
func (c Config) Validate() error {
	if c.Tick <= 0 {
		return fmt.Errorf("%w: scheduler tick must be > 0", config.ErrInvalid)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: scheduler batch size must be > 0", config.ErrInvalid)
	}
	if c.LockLease < c.Tick {
		return fmt.Errorf("%w: %s%s (%s) must be >= tick (%s)",
			config.ErrInvalid, config.Prefix, config.KeySchedulerLeaseMS, c.LockLease, c.Tick)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	return nil
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
