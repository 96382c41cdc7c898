package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hostimage/hostctl/internal/deploy"
)

const lockPollInterval = 100 * time.Millisecond

// LockOptions controls how Lock behaves when another mutator holds the lock.
type LockOptions struct {
	// Wait polls until the lock becomes free or the context ends instead of failing immediately.
	Wait bool
	// Owner is written into the lock file so that a competing caller can report who is busy.
	Owner string
}

// Lock is an exclusive hold on the store. Only the holder may commit.
type Lock struct {
	store *Store
	file  *os.File
	base  uint64
}

// Lock acquires the system-wide exclusive lock. Without Wait it fails immediately with a LockError
// when the lock is held elsewhere.
func (s *Store) Lock(ctx context.Context, opts LockOptions) (*Lock, error) {
	if err := s.ensureDirs(); err != nil {
		return nil, err
	}
	path := filepath.Join(s.root, lockFileName)
	for {
		file, err := tryLock(path)
		if err == nil {
			rec, readErr := s.Snapshot(ctx)
			if readErr != nil {
				_ = release(file)
				return nil, readErr
			}
			writeOwner(file, opts.Owner)
			s.logger.Debug("store lock acquired", "generation", rec.Generation)
			return &Lock{store: s, file: file, base: rec.Generation}, nil
		}
		if !errors.Is(err, errBusy) {
			return nil, err
		}
		if !opts.Wait {
			return nil, deploy.Errorf(deploy.KindLock, "acquire lock", "another operation is in progress%s", ownerSuffix(path))
		}
		select {
		case <-ctx.Done():
			return nil, deploy.Wrap(deploy.KindLock, "acquire lock", ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

var errBusy = errors.New("lock would block")

func tryLock(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errBusy
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return file, nil
}

func writeOwner(file *os.File, owner string) {
	if owner == "" {
		return
	}
	if err := file.Truncate(0); err != nil {
		return
	}
	_, _ = file.WriteAt([]byte(fmt.Sprintf("pid=%d owner=%s\n", os.Getpid(), owner)), 0)
}

func ownerSuffix(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	owner := strings.TrimSpace(string(data))
	if owner == "" {
		return ""
	}
	return " (" + owner + ")"
}

func release(file *os.File) error {
	_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
	return file.Close()
}

// Generation returns the generation that was current when the lock was taken.
func (l *Lock) Generation() uint64 {
	return l.base
}

// Snapshot reads the record while holding the lock.
func (l *Lock) Snapshot(ctx context.Context) (deploy.Record, error) {
	if l.file == nil {
		return deploy.Record{}, fmt.Errorf("lock already released")
	}
	return l.store.Snapshot(ctx)
}

// Commit atomically replaces the current record with next and returns it with its new generation.
// A failed commit leaves the previous generation current.
func (l *Lock) Commit(ctx context.Context, next deploy.Record) (deploy.Record, error) {
	if l.file == nil {
		return deploy.Record{}, fmt.Errorf("lock already released")
	}
	if err := ctx.Err(); err != nil {
		return deploy.Record{}, err
	}
	committed, err := l.store.commit(l.base, next)
	if err != nil {
		return deploy.Record{}, deploy.Wrap(deploy.KindBackend, "commit record", err)
	}
	l.base = committed.Generation
	return committed, nil
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = l.file.Truncate(0)
	err := release(l.file)
	l.file = nil
	return err
}

// Update is a convenience for single-step mutations: it takes the lock, applies fn to a copy of the
// current record and commits the result. fn returning an error aborts without a commit.
func (s *Store) Update(ctx context.Context, opts LockOptions, fn func(*deploy.Record) error) (deploy.Record, error) {
	lock, err := s.Lock(ctx, opts)
	if err != nil {
		return deploy.Record{}, err
	}
	defer func() { _ = lock.Release() }()

	rec, err := lock.Snapshot(ctx)
	if err != nil {
		return deploy.Record{}, err
	}
	next := rec.Clone()
	if err := fn(&next); err != nil {
		return deploy.Record{}, err
	}
	return lock.Commit(ctx, next)
}
