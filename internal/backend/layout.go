package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/hostimage/hostctl/internal/deploy"
)

const (
	deployDir     = "deploy"
	varDir        = "var"
	partialSuffix = ".partial"
)

// Layout locates stateroots and deployment directories under a sysroot:
//
//	<root>/deploy/<stateroot>/var
//	<root>/deploy/<stateroot>/deploy/<checksum>.<serial>
type Layout struct {
	Root string
}

// StaterootDir returns the directory of a stateroot.
func (l Layout) StaterootDir(name string) string {
	return filepath.Join(l.Root, deployDir, name)
}

// VarDir returns the persistent /var of a stateroot.
func (l Layout) VarDir(name string) string {
	return filepath.Join(l.StaterootDir(name), varDir)
}

// DeploymentDir returns the directory of d.
func (l Layout) DeploymentDir(d deploy.Deployment) string {
	return filepath.Join(l.StaterootDir(d.Stateroot), deployDir, fmt.Sprintf("%s.%d", d.Checksum, d.Serial))
}

// BootPath returns the path of d's deployment directory as seen from the boot partition.
func (l Layout) BootPath(d deploy.Deployment) string {
	return fmt.Sprintf("/%s/%s/%s/%s.%d", deployDir, d.Stateroot, deployDir, d.Checksum, d.Serial)
}

// InitStateroot creates the stateroot directories. It is idempotent.
func (l Layout) InitStateroot(name string) error {
	if name == "" || strings.ContainsAny(name, "/.") {
		return deploy.Errorf(deploy.KindPrecondition, "init stateroot", "invalid stateroot name %q", name)
	}
	for _, dir := range []string{l.VarDir(name), filepath.Join(l.StaterootDir(name), deployDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return deploy.Wrap(deploy.KindBackend, "init stateroot", err)
		}
	}
	return nil
}

// Stage prepares an empty scratch directory next to d's final directory. Leftovers of an earlier
// interrupted attempt are removed.
func (l Layout) Stage(d deploy.Deployment) (string, error) {
	final := l.DeploymentDir(d)
	if _, err := os.Stat(filepath.Dir(final)); err != nil {
		return "", deploy.Errorf(deploy.KindPrecondition, "create deployment", "stateroot %s is not initialized", d.Stateroot)
	}
	tmp := final + partialSuffix
	for _, stale := range []string{tmp, final} {
		if err := os.RemoveAll(stale); err != nil {
			return "", deploy.Wrap(deploy.KindBackend, "create deployment", err)
		}
	}
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return "", deploy.Wrap(deploy.KindBackend, "create deployment", err)
	}
	return tmp, nil
}

// LinkVar points <dir>/var at the persistent /var of the stateroot.
func (l Layout) LinkVar(dir string) error {
	target := filepath.Join("..", "..", varDir)
	if err := os.Symlink(target, filepath.Join(dir, varDir)); err != nil {
		return fmt.Errorf("link var: %w", err)
	}
	return nil
}

// Publish renames the scratch directory into place and makes the rename durable.
func (l Layout) Publish(tmp string, d deploy.Deployment) error {
	final := l.DeploymentDir(d)
	if err := os.Rename(tmp, final); err != nil {
		return deploy.Wrap(deploy.KindBackend, "create deployment", err)
	}
	if err := SyncDir(filepath.Dir(final)); err != nil {
		return deploy.Wrap(deploy.KindBackend, "create deployment", err)
	}
	return nil
}

// PruneDeployments removes deployment directories, including scratch leftovers, whose deployment is not
// in keep.
func (l Layout) PruneDeployments(ctx context.Context, keep []deploy.Deployment, logger *slog.Logger) PruneReport {
	var report PruneReport
	kept := make(map[string]struct{}, len(keep))
	for _, d := range keep {
		kept[l.DeploymentDir(d)] = struct{}{}
	}
	stateroots, err := os.ReadDir(filepath.Join(l.Root, deployDir))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			report.Errors = append(report.Errors, fmt.Errorf("list stateroots: %w", err))
		}
		return report
	}
	for _, sr := range stateroots {
		if !sr.IsDir() {
			continue
		}
		parent := filepath.Join(l.StaterootDir(sr.Name()), deployDir)
		entries, err := os.ReadDir(parent)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				report.Errors = append(report.Errors, fmt.Errorf("list deployments of %s: %w", sr.Name(), err))
			}
			continue
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				report.Errors = append(report.Errors, ctx.Err())
				return report
			}
			dir := filepath.Join(parent, e.Name())
			if _, ok := kept[dir]; ok {
				continue
			}
			if err := RemoveTree(dir); err != nil {
				report.Errors = append(report.Errors, fmt.Errorf("remove deployment %s: %w", dir, err))
				continue
			}
			logger.Debug("deployment directory removed", "path", dir)
			report.Deployments = append(report.Deployments, sr.Name()+"/"+e.Name())
		}
	}
	return report
}

// SyncDir fsyncs a directory so that renames inside it are durable.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return f.Sync()
}

// SyncFilesystem flushes the whole filesystem containing dir.
func SyncFilesystem(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := unix.Syncfs(int(f.Fd())); err != nil {
		return fmt.Errorf("syncfs %s: %w", dir, err)
	}
	return nil
}
