// Package directory implements the shared key/value + set store abstraction
// (spec component A): a uniform interface with two implementations — shared
// (Redis-backed, cross-replica) and disabled (process-local, single replica).
//
// Grounded on the teacher's internal/cache package: the Enabled/disabled
// fallback pattern, connection pool tuning, and retry backoff values are
// carried over directly; the key/value surface is narrowed to exactly the
// six operations spec §4.1 names, plus pub/sub for preempt notices, which
// the teacher's agent_hub_redis_test.go exercises against a real Redis hub
// but never ships an implementation file for — that gap is this package.
package directory

import (
	"context"
	"time"
)

// Mode reports which backend a Directory instance is using.
type Mode string

const (
	ModeShared   Mode = "shared"
	ModeDisabled Mode = "disabled"
)

// ErrAbsent is returned by Get when the key does not exist. Callers must
// tolerate this at any moment, including races where a record was written
// microseconds earlier (spec §4.1).
var ErrAbsent = errAbsent{}

type errAbsent struct{}

func (errAbsent) Error() string { return "directory: key absent" }

// Directory is the uniform interface the rest of the core depends on. The
// core is oblivious to which Mode backs a given instance.
type Directory interface {
	Mode() Mode

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Publish/Subscribe back the §4.2 preempt-notice back-channel: when a
	// join on one replica preempts a client owned by another, the preempting
	// replica publishes a notice the prior owner is subscribed to.
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	// Ping reports directory health and round-trip latency for /health
	// (spec §6.3 "Directory health"; see SPEC_FULL.md Part 4).
	Ping(ctx context.Context) (time.Duration, error)

	Close() error
}

// maxRetryAttempts bounds the "up to one re-attempt per call site" transient
// retry policy spec §4.1 requires.
const maxRetryAttempts = 2

func withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
