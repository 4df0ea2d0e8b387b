package storage

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// tableLock is the scoped exclusive lock backing WithTable (spec §4.3).
// The default mode ("flock") uses an advisory file lock per table; the
// documented fallback ("cas") is a best-effort compare-and-swap that
// rereads the file at commit time instead of locking at all, for hosts
// lacking advisory locking. Exactly one of these two modes is active per
// Store, never both, and callers can tell which from Store.LockMode.
type tableLock struct {
	mode    string
	flock   *flock.Flock
	timeout time.Duration
	// sem serializes holders within this process: a single flock.Flock
	// value reports itself already held to every goroutine sharing it.
	sem chan struct{}
}

func newTableLock(dir, table, mode string, timeout time.Duration) *tableLock {
	l := &tableLock{mode: mode, timeout: timeout, sem: make(chan struct{}, 1)}
	if mode == "flock" {
		l.flock = flock.New(filepath.Join(dir, "."+table+".lock"))
	}
	return l
}

// acquire blocks until the lock is held or the timeout elapses, in which
// case it returns a LockTimeout-kind error (constructed by the caller,
// which has the table name).
func (l *tableLock) acquire(ctx context.Context) (bool, error) {
	if l.mode != "flock" {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return false, nil
	}
	locked, err := l.flock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		<-l.sem
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *tableLock) release() error {
	if l.mode != "flock" {
		return nil
	}
	err := l.flock.Unlock()
	<-l.sem
	return err
}

// writeAtomic writes data to a temp file in dir and renames it over
// path, giving readers an atomic all-or-nothing view (spec §4.2/§4.3).
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
