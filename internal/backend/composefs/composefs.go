// Package composefs implements the composefs-style backend. Each image is sealed into a compressed,
// digest-addressed blob; the digest is embedded in the boot entry so the booted root can be verified.
// Deployments keep only per-deployment state (/etc according to the mount descriptor and the /var
// link); there is no /etc merge.
package composefs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hostimage/hostctl/internal/backend"
	"github.com/hostimage/hostctl/internal/bootloader"
	"github.com/hostimage/hostctl/internal/config"
	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/image"
	"github.com/hostimage/hostctl/internal/logging"
)

const (
	// ImagesDir holds sealed images relative to the sysroot.
	ImagesDir = "composefs/images"
	// BootDir holds kernels and initramfs images shared by deployments with equal boot identity.
	BootDir = "boot/hostctl"

	addonsSuffix = ".addons"
	kernelName   = "vmlinuz"
	initrdName   = "initrd"
)

// Options tune sealing.
type Options struct {
	// CompressionLevel is the zstd level, 1..19.
	CompressionLevel int
	// RequireVerity re-reads every sealed image and checks its digest before it is used.
	RequireVerity bool
}

// Backend is the composefs-style backend rooted at a sysroot.
type Backend struct {
	root   string
	layout backend.Layout
	opts   Options
	logger *slog.Logger
}

// New returns a backend for sysroot.
func New(sysroot string, opts Options, logger *slog.Logger) *Backend {
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = 3
	}
	return &Backend{
		root:   sysroot,
		layout: backend.Layout{Root: sysroot},
		opts:   opts,
		logger: logging.OrDiscard(logger).With("backend", deploy.BackendComposefs),
	}
}

// Kind implements backend.Backend.
func (b *Backend) Kind() deploy.Backend {
	return deploy.BackendComposefs
}

// InitStateroot implements backend.Backend.
func (b *Backend) InitStateroot(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.layout.InitStateroot(name)
}

func (b *Backend) imagesDir() string {
	return filepath.Join(b.root, filepath.FromSlash(ImagesDir))
}

func (b *Backend) imagePath(digest string) string {
	return filepath.Join(b.imagesDir(), digestHex(digest))
}

func digestHex(digest string) string {
	return strings.TrimPrefix(digest, "sha256:")
}

// CreateDeployment implements backend.Backend.
func (b *Backend) CreateDeployment(ctx context.Context, req backend.CreateRequest) (deploy.Deployment, error) {
	d, err := backend.Describe(deploy.BackendComposefs, req)
	if err != nil {
		return deploy.Deployment{}, err
	}
	d.EtcMode = req.Mount.EtcMode()

	digest, err := b.sealImage(ctx, req.Content.Root)
	if err != nil {
		return deploy.Deployment{}, err
	}
	d.Handle = digest
	if d.Addons, err = b.installAddons(req.Content.Root, digest); err != nil {
		return deploy.Deployment{}, wrapCreate(err)
	}
	if d.Boot.Kernel != "" {
		if err := b.installBootFiles(req.Content.Root, d.Boot); err != nil {
			return deploy.Deployment{}, wrapCreate(err)
		}
	}

	tmp, err := b.layout.Stage(d)
	if err != nil {
		return deploy.Deployment{}, err
	}
	if err := b.populate(ctx, req, tmp); err != nil {
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
	b.logger.Info("deployment created", "deployment", d.ID(), "image", digest, "etc", d.EtcMode)
	return d, nil
}

func (b *Backend) sealImage(ctx context.Context, fsys fs.FS) (string, error) {
	if err := os.MkdirAll(b.imagesDir(), 0o755); err != nil {
		return "", wrapCreate(err)
	}
	digest, tmp, err := seal(ctx, fsys, b.imagesDir(), b.opts.CompressionLevel)
	if err != nil {
		return "", wrapCreate(err)
	}
	final := b.imagePath(digest)
	if _, err := os.Stat(final); err == nil {
		_ = os.Remove(tmp)
		b.logger.Debug("sealed image already present", "image", digest)
	} else if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", wrapCreate(err)
	}
	if err := backend.SyncDir(b.imagesDir()); err != nil {
		return "", wrapCreate(err)
	}
	if b.opts.RequireVerity {
		if err := verifyImage(ctx, final, digest); err != nil {
			return "", err
		}
	}
	return digest, nil
}

func (b *Backend) installAddons(fsys fs.FS, digest string) ([]string, error) {
	names, err := image.Addons(fsys)
	if err != nil || len(names) == 0 {
		return nil, err
	}
	dir := b.imagePath(digest) + addonsSuffix
	if _, err := os.Stat(dir); err == nil {
		return names, nil
	}
	tmp, err := os.MkdirTemp(b.imagesDir(), ".addons-*")
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := backend.CopyFile(fsys, image.AddonsDir+"/"+name, filepath.Join(tmp, name), 0o644); err != nil {
			_ = os.RemoveAll(tmp)
			return nil, fmt.Errorf("copy add-on %s: %w", name, err)
		}
	}
	if err := os.Rename(tmp, dir); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, err
	}
	return names, nil
}

func bootKey(id deploy.BootIdentity) string {
	sum := sha256.Sum256([]byte(id.Kernel + "\n" + id.Initrd))
	return hex.EncodeToString(sum[:])
}

func (b *Backend) installBootFiles(fsys fs.FS, id deploy.BootIdentity) error {
	parent := filepath.Join(b.root, filepath.FromSlash(BootDir))
	dir := filepath.Join(parent, bootKey(id))
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	files, ok, err := image.FindBootFiles(fsys)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	tmp, err := os.MkdirTemp(parent, ".boot-*")
	if err != nil {
		return err
	}
	if err := backend.CopyFile(fsys, files.Kernel, filepath.Join(tmp, kernelName), 0o644); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("copy kernel: %w", err)
	}
	if files.Initrd != "" {
		if err := backend.CopyFile(fsys, files.Initrd, filepath.Join(tmp, initrdName), 0o644); err != nil {
			_ = os.RemoveAll(tmp)
			return fmt.Errorf("copy initrd: %w", err)
		}
	}
	if err := os.Rename(tmp, dir); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	return nil
}

// populate creates the per-deployment state: /etc and /var according to the mount descriptor. A
// transient /var is private to the deployment and never linked to the stateroot.
func (b *Backend) populate(ctx context.Context, req backend.CreateRequest, dir string) error {
	switch req.Mount.Etc {
	case config.MountOverlay:
		for _, sub := range []string{"etc.upper", "etc.work"} {
			if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
				return err
			}
		}
	case config.MountTransient:
	default:
		if err := backend.Materialize(ctx, req.Content.Root, "etc", filepath.Join(dir, "etc")); err != nil {
			return fmt.Errorf("copy etc: %w", err)
		}
	}
	switch req.Mount.Var {
	case config.MountTransient:
		return os.Mkdir(filepath.Join(dir, "var"), 0o755)
	case config.MountOverlay:
		for _, sub := range []string{"var.upper", "var.work"} {
			if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
				return err
			}
		}
	}
	return b.layout.LinkVar(dir)
}

// Prune implements backend.Backend.
func (b *Backend) Prune(ctx context.Context, keep []deploy.Deployment) (backend.PruneReport, error) {
	report := b.layout.PruneDeployments(ctx, keep, b.logger)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	images := map[string]struct{}{}
	boots := map[string]struct{}{}
	for _, d := range keep {
		images[digestHex(d.Handle)] = struct{}{}
		if d.Boot.Kernel != "" {
			boots[bootKey(d.Boot)] = struct{}{}
		}
	}
	report.Add(sweep(b.imagesDir(), func(name string) bool {
		_, ok := images[strings.TrimSuffix(name, addonsSuffix)]
		return ok
	}))
	report.Add(sweep(filepath.Join(b.root, filepath.FromSlash(BootDir)), func(name string) bool {
		_, ok := boots[name]
		return ok
	}))
	for _, err := range report.Errors {
		b.logger.Warn("prune incomplete", "error", err)
	}
	return report, nil
}

// sweep removes every entry of dir for which keep returns false.
func sweep(dir string, keep func(name string) bool) backend.PruneReport {
	var report backend.PruneReport
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			report.Errors = append(report.Errors, fmt.Errorf("list %s: %w", dir, err))
		}
		return report
	}
	for _, e := range entries {
		if keep(e.Name()) {
			continue
		}
		if err := backend.RemoveTree(filepath.Join(dir, e.Name())); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("remove %s: %w", e.Name(), err))
			continue
		}
		report.Content++
	}
	return report
}

// QuerySoftReboot implements backend.Backend. Different add-on sets also require a full reboot.
func (b *Backend) QuerySoftReboot(candidate, current deploy.Deployment) deploy.SoftRebootCapability {
	return backend.CompareDeployments(candidate, current)
}

// Verify implements backend.Backend.
func (b *Backend) Verify(ctx context.Context, d deploy.Deployment) error {
	if _, err := os.Stat(b.layout.DeploymentDir(d)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return deploy.Errorf(deploy.KindValidation, "verify deployment", "state directory of %s is missing", d.ID())
		}
		return deploy.Wrap(deploy.KindBackend, "verify deployment", err)
	}
	return verifyImage(ctx, b.imagePath(d.Handle), d.Handle)
}

// DeploymentRoot implements backend.Backend.
func (b *Backend) DeploymentRoot(d deploy.Deployment) string {
	return b.layout.DeploymentDir(d)
}

// BootEntry implements backend.Backend.
func (b *Backend) BootEntry(d deploy.Deployment) bootloader.Entry {
	key := "/" + BootDir + "/" + bootKey(d.Boot)
	e := bootloader.Entry{
		Title:   backend.EntryTitle(d),
		Version: d.Version,
		Linux:   key + "/" + kernelName,
		Options: append(append([]string(nil), d.Kargs...), "composefs="+digestHex(d.Handle)),
	}
	if d.Boot.Initrd != "" {
		e.Initrd = key + "/" + initrdName
	}
	for _, a := range d.Addons {
		e.Addons = append(e.Addons, "/"+ImagesDir+"/"+digestHex(d.Handle)+addonsSuffix+"/"+a)
	}
	return e
}

func wrapCreate(err error) error {
	return deploy.Wrap(deploy.KindBackend, "create deployment", err)
}
