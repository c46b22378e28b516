package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gisement-io/gisement/internal/logging"
)

// ErrLocked means another process holds the key.
var ErrLocked = errors.New("locked by another process")

const (
	defaultLockTTL  = 10 * time.Minute
	defaultLockWait = 30 * time.Second
	defaultLockPoll = 250 * time.Millisecond
)

// FileLocker holds keys as lock files in a directory shared by the
// processes. A lock file older than TTL is considered stale and replaced.
type FileLocker struct {
	Dir string
	TTL time.Duration
	// Wait bounds how long Acquire retries a held key; zero tries once.
	Wait time.Duration
	Poll time.Duration
}

func NewFileLocker(dir string, ttl time.Duration) *FileLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &FileLocker{Dir: dir, TTL: ttl, Wait: defaultLockWait, Poll: defaultLockPoll}
}

func (l *FileLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if err := os.MkdirAll(l.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	path := l.lockPath(key)

	err := waitFor(ctx, l.Wait, l.Poll, func() (bool, error) { return l.tryLock(path) })
	if errors.Is(err, ErrLocked) {
		return nil, fmt.Errorf("%w (lock file: %s). If this is an error, remove the lock file manually", ErrLocked, path)
	}
	if err != nil {
		return nil, err
	}

	return func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Warn("failed to remove lock file", "path", path, "error", err)
		}
	}, nil
}

func (l *FileLocker) tryLock(path string) (bool, error) {
	if info, err := os.Stat(path); err == nil && time.Since(info.ModTime()) > l.TTL {
		logging.Warn("removing stale lock file", "path", path, "age", time.Since(info.ModTime()).Round(time.Second))
		_ = os.Remove(path)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		return false, fmt.Errorf("failed to write lock file: %w", err)
	}
	return true, nil
}

// lockPath keeps a readable prefix of the key and disambiguates with a hash.
func (l *FileLocker) lockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	readable := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '_'
	}, key)
	if len(readable) > 48 {
		readable = readable[:48]
	}
	return filepath.Join(l.Dir, readable+"-"+hex.EncodeToString(sum[:6])+".lock")
}

// waitFor calls try until it succeeds, fails, or wait has elapsed, in which
// case it returns ErrLocked.
func waitFor(ctx context.Context, wait, poll time.Duration, try func() (bool, error)) error {
	if poll <= 0 {
		poll = defaultLockPoll
	}
	deadline := time.Now().Add(wait)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLocked
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
