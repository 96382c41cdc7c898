// Package engine contains the transition logic for deployments: staging, applying, rolling back,
// switching targets and bootstrapping new stateroots. Every mutation runs under the store lock and
// becomes visible through exactly one record commit per step.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hostimage/hostctl/internal/backend"
	"github.com/hostimage/hostctl/internal/bootloader"
	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/image"
	"github.com/hostimage/hostctl/internal/logging"
	"github.com/hostimage/hostctl/internal/metrics"
	"github.com/hostimage/hostctl/internal/reboot"
	"github.com/hostimage/hostctl/internal/store"
)

// Deps are the collaborators of the engine.
type Deps struct {
	Store    *store.Store
	Backend  backend.Backend
	Fetcher  image.Fetcher
	Boot     *bootloader.Writer
	Rebooter reboot.Rebooter
	// Metrics is optional.
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Options tune engine behaviour.
type Options struct {
	// FetchTimeout bounds a single image fetch. Zero means no limit.
	FetchTimeout time.Duration
	// LockWait waits for a busy lock instead of failing with a lock error.
	LockWait bool
	// LockTimeout bounds the wait when LockWait is set.
	LockTimeout time.Duration
	// AutoPrune prunes the booted stateroot after every successful transition.
	AutoPrune bool
	// KargsImageDir locates kargs drop-ins inside the image root.
	KargsImageDir string
	// KargsAdminDir is the absolute host directory of administrator drop-ins. Empty disables it.
	KargsAdminDir string
	// Arch selects architecture-restricted drop-ins. Empty means the host architecture.
	Arch string
	// MetricsDir receives the metrics textfile after each operation. Empty disables it.
	MetricsDir string
}

// Engine orchestrates deployment transitions.
type Engine struct {
	store    *store.Store
	backend  backend.Backend
	fetcher  image.Fetcher
	boot     *bootloader.Writer
	rebooter reboot.Rebooter
	metrics  *metrics.Recorder
	logger   *slog.Logger
	opts     Options

	begin func(ctx context.Context, opts store.LockOptions) (txn, error)
}

// txn is the lock-holding side of the store.
type txn interface {
	Snapshot(ctx context.Context) (deploy.Record, error)
	Commit(ctx context.Context, next deploy.Record) (deploy.Record, error)
	Release() error
}

// New constructs an engine.
func New(deps Deps, opts Options) *Engine {
	e := &Engine{
		store:    deps.Store,
		backend:  deps.Backend,
		fetcher:  deps.Fetcher,
		boot:     deps.Boot,
		rebooter: deps.Rebooter,
		metrics:  deps.Metrics,
		logger:   logging.OrDiscard(deps.Logger),
		opts:     opts,
	}
	e.begin = func(ctx context.Context, lo store.LockOptions) (txn, error) {
		l, err := e.store.Lock(ctx, lo)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	return e
}

// Backend returns the backend the engine deploys with.
func (e *Engine) Backend() backend.Backend {
	return e.backend
}

// Snapshot returns the current record without locking.
func (e *Engine) Snapshot(ctx context.Context) (deploy.Record, error) {
	return e.store.Snapshot(ctx)
}

// Result describes the outcome of a mutating operation.
type Result struct {
	// Record is the last committed record, or the unchanged record when nothing was committed.
	Record deploy.Record
	// Deployment is the deployment the operation created or promoted, if any.
	Deployment deploy.DeploymentID
	// Changed reports whether the record was modified.
	Changed bool
	// Rebooted reports whether the reboot collaborator was invoked.
	Rebooted bool
	// SoftReboot reports whether the reboot was a soft reboot.
	SoftReboot bool
	// Pruned summarizes the prune sweep that followed the transition.
	Pruned backend.PruneReport
}

// session is one locked transaction.
type session struct {
	e      *Engine
	tx     txn
	id     string
	op     string
	logger *slog.Logger
	rec    deploy.Record
	result Result
	// reboot is set when the operation ends in a reboot; the value is the soft flag.
	reboot *bool
	// pruned is set by operations that already swept content.
	pruned bool
}

// mutate runs fn under the store lock. The lock is released before the reboot collaborator runs.
func (e *Engine) mutate(ctx context.Context, op string, fn func(ctx context.Context, s *session) error) (Result, error) {
	start := time.Now()
	id := uuid.NewString()
	logger := e.logger.With("op", op, "tx", id)

	res, err := e.runLocked(ctx, op, id, logger, fn)
	if err == nil && res.reboot != nil {
		soft := *res.reboot
		logger.Info("rebooting", "soft", soft, "deployment", res.result.Record.BootedID())
		if err = e.rebooter.Reboot(ctx, soft); err == nil {
			res.result.Rebooted = true
			res.result.SoftReboot = soft
		} else {
			err = deploy.Wrap(deploy.KindBackend, "reboot", err)
		}
	}
	e.observe(op, start, err, logger)
	if err != nil {
		logger.Error("operation failed", "error", err)
		return res.result, err
	}
	return res.result, nil
}

func (e *Engine) runLocked(ctx context.Context, op, id string, logger *slog.Logger, fn func(context.Context, *session) error) (*session, error) {
	lockCtx := ctx
	if e.opts.LockWait && e.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, e.opts.LockTimeout)
		defer cancel()
	}
	tx, err := e.begin(lockCtx, store.LockOptions{Wait: e.opts.LockWait, Owner: op + " " + id})
	if err != nil {
		return &session{}, err
	}
	defer func() { _ = tx.Release() }()

	rec, err := tx.Snapshot(ctx)
	if err != nil {
		return &session{}, deploy.Wrap(deploy.KindBackend, op, err)
	}
	s := &session{e: e, tx: tx, id: id, op: op, logger: logger, rec: rec}
	s.result.Record = rec
	if rec.Backend != "" && rec.Backend != e.backend.Kind() {
		return s, deploy.Errorf(deploy.KindPrecondition, op, "system uses the %s backend, refusing to operate with %s", rec.Backend, e.backend.Kind())
	}
	if err := fn(ctx, s); err != nil {
		return s, wrapOp(op, err)
	}
	if s.result.Changed && e.opts.AutoPrune && !s.pruned {
		if booted, ok := s.rec.Booted(); ok {
			report, err := s.prune(ctx, booted.Stateroot)
			if err != nil {
				logger.Warn("automatic prune failed", "error", err)
			}
			s.result.Pruned = report
		}
	}
	s.result.Record = s.rec
	return s, nil
}

func wrapOp(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if deploy.KindOf(err) == "" {
			return err
		}
	}
	return deploy.Wrap(deploy.KindBackend, op, err)
}

func (e *Engine) observe(op string, start time.Time, err error, logger *slog.Logger) {
	e.metrics.Observe(op, start, err)
	if err := e.metrics.WriteTextfile(e.opts.MetricsDir); err != nil {
		logger.Warn("write metrics textfile", "error", err)
	}
}

// commit stamps the transaction id on next and makes it the current record.
func (s *session) commit(ctx context.Context, next deploy.Record) error {
	next.Transaction = s.id
	if next.Backend == "" {
		next.Backend = s.e.backend.Kind()
	}
	committed, err := s.tx.Commit(ctx, next)
	if err != nil {
		return err
	}
	s.rec = committed
	s.result.Record = committed
	s.result.Changed = true
	s.e.metrics.SetRecord(committed)
	s.logger.Info("record committed", "generation", committed.Generation)
	return nil
}

// commitBootOrder writes the boot entries of next and then commits next. If the commit fails the
// entries of the current record are written back, so the boot menu never runs ahead of the record.
func (s *session) commitBootOrder(ctx context.Context, next deploy.Record) error {
	if err := s.writeBootEntries(ctx, next); err != nil {
		s.restoreBootEntries(ctx)
		return err
	}
	if err := s.commit(ctx, next); err != nil {
		s.restoreBootEntries(ctx)
		return err
	}
	return nil
}

func (s *session) restoreBootEntries(ctx context.Context) {
	if err := s.writeBootEntries(context.WithoutCancel(ctx), s.rec); err != nil {
		s.logger.Error("restore boot entries", "dir", s.e.boot.Dir(), "generation", s.rec.Generation, "error", err)
	}
}

// writeBootEntries rewrites the boot entries from the boot order of rec.
func (s *session) writeBootEntries(ctx context.Context, rec deploy.Record) error {
	if s.e.boot == nil {
		return nil
	}
	entries := make([]bootloader.Entry, 0, len(rec.BootOrder))
	for _, id := range rec.BootOrder {
		d, ok := rec.Find(id)
		if !ok {
			continue
		}
		entries = append(entries, s.e.backend.BootEntry(d))
	}
	if err := s.e.boot.Sync(ctx, entries); err != nil {
		return deploy.Wrap(deploy.KindBackend, "write boot entries", err)
	}
	return nil
}

// prune drops prune-eligible deployments of stateroot (all stateroots when empty) from the record and
// then removes every piece of content the record no longer references. Content removal failures are
// logged and left for the next run.
func (s *session) prune(ctx context.Context, stateroot string) (backend.PruneReport, error) {
	if ids := s.rec.PruneEligible(stateroot); len(ids) > 0 {
		next := s.rec.Clone()
		next.RemoveDeployments(ids...)
		if err := s.commit(ctx, next); err != nil {
			return backend.PruneReport{}, err
		}
		s.logger.Info("deployments unregistered", "count", len(ids))
	}
	report, err := s.e.backend.Prune(ctx, s.rec.Deployments)
	s.e.metrics.AddPruned(len(report.Deployments) + report.Content)
	if err != nil {
		return report, deploy.Wrap(deploy.KindBackend, "prune", err)
	}
	for _, perr := range report.Errors {
		s.logger.Warn("prune left content behind", "error", perr)
	}
	return report, nil
}
