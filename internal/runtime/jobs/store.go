// Package jobs tracks per-service polling configuration and run history. The
// store is the single authority the scheduler and the admin surface both read:
// interval and enablement decide when a service runs, the counters and error
// fields record how its runs have gone.
package jobs

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports an operation against a service the store has never
// seen. Unknown names are configuration errors, not rows to create.
var ErrNotFound = errors.New("jobs: service not found")

// ServiceConfig is one polled service's operational record.
type ServiceConfig struct {
	ServiceName     string     `json:"serviceName"`
	DisplayName     string     `json:"displayName"`
	Description     string     `json:"description"`
	Category        string     `json:"category"`
	Priority        int        `json:"priority"`
	IntervalMinutes int        `json:"intervalMinutes"`
	Enabled         bool       `json:"isEnabled"`
	LastRun         *time.Time `json:"lastRun,omitempty"`
	RunCount        int64      `json:"runCount"`
	ErrorCount      int64      `json:"errorCount"`
	LastError       string     `json:"lastError,omitempty"`
	LastErrorAt     *time.Time `json:"lastErrorAt,omitempty"`
}

// Update is a partial mutation of a service's tunable fields. Nil means
// leave the field alone.
type Update struct {
	IntervalMinutes *int
	Enabled         *bool
}

// Store persists service configuration and run outcomes. Rows are only ever
// created by Seed; runtime operations mutate existing rows.
type Store interface {
	// Seed inserts any missing defaults and refreshes the descriptive
	// fields (displayName, description, category, priority) of existing
	// rows. Operator-tuned intervalMinutes and isEnabled are preserved.
	// Safe to call on every boot and catalog reload.
	Seed(ctx context.Context, defaults []ServiceConfig) error

	Get(ctx context.Context, name string) (ServiceConfig, error)

	// List returns every service ordered by priority then name.
	List(ctx context.Context) ([]ServiceConfig, error)

	Update(ctx context.Context, name string, upd Update) (ServiceConfig, error)

	// RecordRun logs one completed run attempt: runCount and lastRun move
	// on every call; a failure additionally bumps errorCount and stamps
	// lastError/lastErrorAt, a success clears them.
	RecordRun(ctx context.Context, name string, ok bool, errMsg string) error

	Close() error
}

func (c *ServiceConfig) applySeed(def ServiceConfig) {
	c.DisplayName = def.DisplayName
	c.Description = def.Description
	c.Category = def.Category
	c.Priority = def.Priority
}

func (c *ServiceConfig) apply(upd Update) {
	if upd.IntervalMinutes != nil {
		c.IntervalMinutes = *upd.IntervalMinutes
	}
	if upd.Enabled != nil {
		c.Enabled = *upd.Enabled
	}
}
