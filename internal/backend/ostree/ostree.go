// Package ostree implements the ostree-style backend: image trees are imported into a content-addressed
// object store, deployments are hard-link checkouts of a commit, and /etc is carried forward with a
// three-way merge against the previous deployment of the same stateroot.
package ostree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hostimage/hostctl/internal/backend"
	"github.com/hostimage/hostctl/internal/bootloader"
	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/etcmerge"
	"github.com/hostimage/hostctl/internal/image"
	"github.com/hostimage/hostctl/internal/logging"
)

// RepoDir is the object store relative to the sysroot.
const RepoDir = "ostree/repo"

// Backend is the ostree-style backend rooted at a sysroot.
type Backend struct {
	layout backend.Layout
	repo   *repo
	logger *slog.Logger
}

// New returns a backend for sysroot.
func New(sysroot string, logger *slog.Logger) *Backend {
	return &Backend{
		layout: backend.Layout{Root: sysroot},
		repo:   &repo{dir: filepath.Join(sysroot, RepoDir)},
		logger: logging.OrDiscard(logger).With("backend", deploy.BackendOstree),
	}
}

// Kind implements backend.Backend.
func (b *Backend) Kind() deploy.Backend {
	return deploy.BackendOstree
}

// InitStateroot implements backend.Backend.
func (b *Backend) InitStateroot(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.layout.InitStateroot(name)
}

// CreateDeployment implements backend.Backend.
func (b *Backend) CreateDeployment(ctx context.Context, req backend.CreateRequest) (deploy.Deployment, error) {
	d, err := backend.Describe(deploy.BackendOstree, req)
	if err != nil {
		return deploy.Deployment{}, err
	}
	d.EtcMode = "merge"

	commitID, err := b.repo.writeCommit(ctx, req.Content.Root, req.Content.Digest)
	if err != nil {
		return deploy.Deployment{}, wrapCreate(err)
	}
	d.Handle = commitID
	c, err := b.repo.readCommit(commitID)
	if err != nil {
		return deploy.Deployment{}, wrapCreate(err)
	}

	tmp, err := b.layout.Stage(d)
	if err != nil {
		return deploy.Deployment{}, err
	}
	if err := b.populate(ctx, c, tmp, req.Previous, d.Stateroot); err != nil {
		_ = backend.RemoveTree(tmp)
		return deploy.Deployment{}, wrapCreate(err)
	}
	if err := ctx.Err(); err != nil {
		_ = backend.RemoveTree(tmp)
		return deploy.Deployment{}, wrapCreate(err)
	}
	if err := b.layout.Publish(tmp, d); err != nil {
		_ = backend.RemoveTree(tmp)
		return deploy.Deployment{}, err
	}
	b.logger.Info("deployment created", "deployment", d.ID(), "commit", commitID)
	return d, nil
}

func (b *Backend) populate(ctx context.Context, c commit, dir string, previous *deploy.Deployment, stateroot string) error {
	if err := b.repo.checkout(ctx, c, dir); err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	pristine := filepath.Join(dir, "usr", "etc")
	etc := filepath.Join(dir, "etc")
	if _, err := os.Stat(pristine); err == nil {
		if err := backend.CopyDir(pristine, etc); err != nil {
			return fmt.Errorf("copy etc: %w", err)
		}
	} else if err := os.Mkdir(etc, 0o755); err != nil {
		return err
	}
	if previous != nil && previous.Stateroot == stateroot {
		prevRoot := b.layout.DeploymentDir(*previous)
		diff, err := etcmerge.Merge(filepath.Join(prevRoot, "usr", "etc"), filepath.Join(prevRoot, "etc"), etc)
		if err != nil {
			return fmt.Errorf("merge etc from %s: %w", previous.ID(), err)
		}
		b.logger.Debug("etc merged", "from", previous.ID(), "added", len(diff.Added), "modified", len(diff.Modified), "removed", len(diff.Removed))
	}
	return b.layout.LinkVar(dir)
}

// Prune implements backend.Backend.
func (b *Backend) Prune(ctx context.Context, keep []deploy.Deployment) (backend.PruneReport, error) {
	report := b.layout.PruneDeployments(ctx, keep, b.logger)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	commits := make(map[string]struct{}, len(keep))
	for _, d := range keep {
		commits[d.Handle] = struct{}{}
	}
	report.Add(b.repo.gc(ctx, commits))
	for _, err := range report.Errors {
		b.logger.Warn("prune incomplete", "error", err)
	}
	return report, nil
}

// QuerySoftReboot implements backend.Backend.
func (b *Backend) QuerySoftReboot(candidate, current deploy.Deployment) deploy.SoftRebootCapability {
	return backend.CompareBoot(candidate.Boot, current.Boot)
}

// Verify implements backend.Backend.
func (b *Backend) Verify(ctx context.Context, d deploy.Deployment) error {
	if _, err := os.Stat(b.layout.DeploymentDir(d)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return deploy.Errorf(deploy.KindValidation, "verify deployment", "deployment directory of %s is missing", d.ID())
		}
		return deploy.Wrap(deploy.KindBackend, "verify deployment", err)
	}
	return b.repo.verify(ctx, d.Handle)
}

// DeploymentRoot implements backend.Backend.
func (b *Backend) DeploymentRoot(d deploy.Deployment) string {
	return b.layout.DeploymentDir(d)
}

// BootEntry implements backend.Backend.
func (b *Backend) BootEntry(d deploy.Deployment) bootloader.Entry {
	root := b.layout.BootPath(d)
	e := bootloader.Entry{
		Title:   backend.EntryTitle(d),
		Version: d.Version,
		Linux:   root + "/" + image.KernelPath(d.Boot.KernelVersion),
		Options: append(append([]string(nil), d.Kargs...), "ostree="+root),
	}
	if d.Boot.Initrd != "" {
		e.Initrd = root + "/" + image.InitrdPath(d.Boot.KernelVersion)
	}
	return e
}

func wrapCreate(err error) error {
	return deploy.Wrap(deploy.KindBackend, "create deployment", err)
}
