// backup/lock.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mutex/v2"
	"github.com/mmp/quickbackup/checksum"
	"golang.org/x/net/context"
)

// DefaultLockTimeout is how long Run waits for another run of the same
// profile and destination to finish when Options.LockTimeout is zero.
const DefaultLockTimeout = 2 * time.Second

// lockName returns the name of the machine-wide mutex for runs of the
// given profile to the given destination. Mutex names are restricted to
// lower-case letters, digits, '.' and '-', so both are hashed.
func lockName(profile, dest string) string {
	h := checksum.HashBytes([]byte(profile + "\x00" + dest))
	return "quickbackup-" + h.String()[:16]
}

// acquireLock takes the exclusive lock for the profile and destination,
// returning a function that releases it. The lock always runs on the
// wall clock, independent of the clock used for timestamps.
func acquireLock(ctx context.Context, profile, dest string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	name := lockName(profile, dest)
	log.Debug("%s: acquiring lock %s", profile, name)

	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    name,
		Clock:   clock.WallClock,
		Delay:   250 * time.Millisecond,
		Timeout: timeout,
		Cancel:  ctx.Done(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Annotatef(ctx.Err(), "waiting for lock")
		}
		return nil, errors.Annotatef(ErrLocked, "%s to %s: %v", profile, dest, err)
	}
	return releaser.Release, nil
}
