// Recursive-remote | global + per-remote exclusive locking
//
// Grounded on original_source/util.rs's acquire_flock and main.rs's
// git_special_remote_main two-level locking (SPEC_FULL.md §C): one
// lock guards creation of the two local backend stores for the
// whole state directory, a second, per-remote-name lock serializes
// push/fetch for one particular remote so that two different remotes
// sharing a user repository do not block each other (spec.md §5).
package main

import (
    "path/filepath"

    "github.com/gofrs/flock"
)

// LockSet owns the two flocks rooted at a state directory's lock
// subdirectory (spec.md §6 "Persisted state layout ... a lock
// directory").
type LockSet struct {
    stateLock  *flock.Flock
    remoteLock *flock.Flock
}

func newLockSet(lockDir, remoteName string) *LockSet {
    return &LockSet{
        stateLock:  flock.New(filepath.Join(lockDir, "state.lock")),
        remoteLock: flock.New(filepath.Join(lockDir, remoteName+".lock")),
    }
}

// withStateLock runs fn while holding the process-wide state lock,
// guarding initialization/creation of the two local stores.
func (l *LockSet) withStateLock(fn func()) {
    locked, err := l.stateLock.TryLock()
    raiseif(err)
    if !locked {
        // another process is initializing; block until it's done.
        raiseif(l.stateLock.Lock())
    }
    defer l.stateLock.Unlock()
    fn()
}

// withRemoteLock runs fn while holding the per-remote lock, guarding
// one push or fetch batch end to end.
func (l *LockSet) withRemoteLock(fn func()) {
    raiseif(l.remoteLock.Lock())
    defer l.remoteLock.Unlock()
    fn()
}
