// Package buildlock provides per-build mutual exclusion shared by every engine instance.
package buildlock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultWaitTime bounds how long Acquire blocks.
const DefaultWaitTime = 15 * time.Second

var ErrTimeout = errors.New("lock wait timed out")

// Locker grants named locks.
type Locker interface {
	// Acquire blocks until the lock named key is granted, its wait time elapses
	// or ctx is done. The returned release func is idempotent.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Key returns the lock name of a build.
func Key(buildID string) string {
	return "pipetrack/build/" + buildID + "/lock"
}

// Do runs f while holding the lock of the build.
// The lock is released when f returns or panics.
func Do(ctx context.Context, l Locker, buildID string, f func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx, Key(buildID))
	if err != nil {
		return fmt.Errorf("buildlock: build %s: %w", buildID, err)
	}
	defer release()

	return f(ctx)
}
