// Package store persists the deployment record. Each commit writes a new immutable generation file and
// atomically repoints the "current" symlink at it, so a crash leaves either the old or the new
// generation in place. Reads take no lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/logging"
)

const (
	// Dir is the store directory relative to the sysroot.
	Dir = "hostctl"

	recordsDir      = "records"
	currentLink     = "current"
	lockFileName    = "lock"
	recordPrefix    = "gen-"
	recordSuffix    = ".yaml"
	keepGenerations = 4
	readAttempts    = 5
)

// Store manages deployment records under <sysroot>/hostctl.
type Store struct {
	root   string
	logger *slog.Logger
}

// Open returns a store rooted at sysroot. The directory does not have to exist yet; reads of a missing
// store return an empty generation-0 record.
func Open(sysroot string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(sysroot) == "" {
		return nil, fmt.Errorf("sysroot path is empty")
	}
	abs, err := filepath.Abs(sysroot)
	if err != nil {
		return nil, fmt.Errorf("resolve sysroot: %w", err)
	}
	return &Store{root: filepath.Join(abs, Dir), logger: logging.OrDiscard(logger)}, nil
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// CurrentPath returns the path of the symlink naming the current generation.
func (s *Store) CurrentPath() string {
	return filepath.Join(s.root, currentLink)
}

func (s *Store) ensureDirs() error {
	if err := os.MkdirAll(filepath.Join(s.root, recordsDir), 0o700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

// Snapshot reads the current record. It never blocks on writers and never observes a partially written
// generation: record files are immutable and the current pointer is replaced atomically.
func (s *Store) Snapshot(ctx context.Context) (deploy.Record, error) {
	var lastErr error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return deploy.Record{}, err
		}
		rec, err := s.readCurrent()
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return deploy.Record{}, err
		}
		// The generation we resolved was pruned by a concurrent commit; resolve again.
		lastErr = err
	}
	return deploy.Record{}, fmt.Errorf("read current record: %w", lastErr)
}

func (s *Store) readCurrent() (deploy.Record, error) {
	target, err := os.Readlink(s.CurrentPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, statErr := os.Lstat(s.CurrentPath()); errors.Is(statErr, os.ErrNotExist) {
				return deploy.Record{}, nil
			}
		}
		return deploy.Record{}, fmt.Errorf("resolve current record: %w", err)
	}
	gen, err := parseGeneration(filepath.Base(target))
	if err != nil {
		return deploy.Record{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, target))
	if err != nil {
		return deploy.Record{}, fmt.Errorf("read record generation %d: %w", gen, err)
	}
	var rec deploy.Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return deploy.Record{}, fmt.Errorf("decode record generation %d: %w", gen, err)
	}
	if rec.Generation != gen {
		return deploy.Record{}, fmt.Errorf("record file %s carries generation %d", target, rec.Generation)
	}
	return rec, nil
}

// List returns deployments in a stable order: staged first, then the boot order, then the remaining
// deployments in registration order.
func (s *Store) List(ctx context.Context) ([]deploy.Deployment, error) {
	rec, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return Ordered(rec), nil
}

// Ordered returns the deployments of rec in the order used by List.
func Ordered(rec deploy.Record) []deploy.Deployment {
	out := make([]deploy.Deployment, 0, len(rec.Deployments))
	seen := make(map[deploy.DeploymentID]struct{}, len(rec.Deployments))
	add := func(id deploy.DeploymentID) {
		if _, dup := seen[id]; dup {
			return
		}
		if d, ok := rec.Find(id); ok {
			seen[id] = struct{}{}
			out = append(out, d)
		}
	}
	add(rec.Staged)
	for _, id := range rec.BootOrder {
		add(id)
	}
	for _, d := range rec.Deployments {
		add(d.ID())
	}
	return out
}

// commit writes next as the generation following base. The caller must hold the lock.
func (s *Store) commit(base uint64, next deploy.Record) (deploy.Record, error) {
	if err := s.ensureDirs(); err != nil {
		return deploy.Record{}, err
	}
	cur, err := s.readCurrent()
	if err != nil {
		return deploy.Record{}, err
	}
	if cur.Generation != base {
		return deploy.Record{}, fmt.Errorf("record changed underneath the lock holder: generation %d, expected %d", cur.Generation, base)
	}
	if err := next.Validate(); err != nil {
		return deploy.Record{}, fmt.Errorf("refusing to commit invalid record: %w", err)
	}
	s.removeAbandoned(cur.Generation)

	next.Generation = cur.Generation + 1
	next.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(next)
	if err != nil {
		return deploy.Record{}, fmt.Errorf("encode record: %w", err)
	}

	name := recordName(next.Generation)
	recDir := filepath.Join(s.root, recordsDir)
	if err := writeFileSync(filepath.Join(recDir, name), data, 0o600); err != nil {
		return deploy.Record{}, err
	}
	if err := syncDir(recDir); err != nil {
		return deploy.Record{}, err
	}
	if err := s.repoint(filepath.Join(recordsDir, name), next.Generation); err != nil {
		return deploy.Record{}, err
	}
	s.logger.Debug("record committed", "generation", next.Generation, "tx", next.Transaction)
	s.pruneGenerations(next.Generation)
	return next, nil
}

// repoint atomically replaces the current symlink and fsyncs its directory.
func (s *Store) repoint(target string, gen uint64) error {
	tmp := filepath.Join(s.root, fmt.Sprintf(".%s.%d.tmp", currentLink, gen))
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create current pointer: %w", err)
	}
	if err := os.Rename(tmp, s.CurrentPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("repoint current record: %w", err)
	}
	return syncDir(s.root)
}

// removeAbandoned deletes generation files newer than current. They are left behind when a commit
// crashed after writing its record but before repointing.
func (s *Store) removeAbandoned(current uint64) {
	for _, gen := range s.generations() {
		if gen > current {
			path := filepath.Join(s.root, recordsDir, recordName(gen))
			if err := os.Remove(path); err != nil {
				s.logger.Warn("failed to remove abandoned record", "path", path, "error", err)
			}
		}
	}
}

// pruneGenerations keeps the newest generations so that readers which resolved an older pointer can
// still finish reading.
func (s *Store) pruneGenerations(current uint64) {
	for _, gen := range s.generations() {
		if gen+keepGenerations <= current {
			path := filepath.Join(s.root, recordsDir, recordName(gen))
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("failed to remove old record", "path", path, "error", err)
			}
		}
	}
}

func (s *Store) generations() []uint64 {
	entries, err := os.ReadDir(filepath.Join(s.root, recordsDir))
	if err != nil {
		return nil
	}
	var out []uint64
	for _, e := range entries {
		gen, err := parseGeneration(e.Name())
		if err != nil {
			continue
		}
		out = append(out, gen)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func recordName(gen uint64) string {
	return fmt.Sprintf("%s%020d%s", recordPrefix, gen, recordSuffix)
}

func parseGeneration(name string) (uint64, error) {
	if !strings.HasPrefix(name, recordPrefix) || !strings.HasSuffix(name, recordSuffix) {
		return 0, fmt.Errorf("unexpected record file name %q", name)
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, recordPrefix), recordSuffix)
	gen, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse record generation %q: %w", name, err)
	}
	return gen, nil
}

// writeFileSync writes data to a temporary sibling, fsyncs it and renames it into place.
func writeFileSync(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open directory %s: %w", path, err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync directory %s: %w", path, err)
	}
	return nil
}
