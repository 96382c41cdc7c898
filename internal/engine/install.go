package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hostimage/hostctl/internal/backend"
	"github.com/hostimage/hostctl/internal/config"
	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/image"
	"github.com/hostimage/hostctl/internal/kargs"
	"github.com/hostimage/hostctl/internal/logging"
)

// DefaultStateroot is used when neither the caller nor the image names the first stateroot.
const DefaultStateroot = "default"

// InstallOptions describe the first deployment of an empty sysroot.
type InstallOptions struct {
	// Image is installed and becomes the upgrade target.
	Image deploy.ImageReference
	// Stateroot overrides the stateroot named by the image install configuration.
	Stateroot string
	// RootKargs locate the root filesystem (root=, rootflags=, rd.*); other entries are retained like
	// Kargs.
	RootKargs []string
	// Kargs are additional explicit kernel arguments.
	Kargs []string
	// Block names the block setup that prepared the target; it must be allowed by the image.
	Block string
}

// ResetOptions describe a new stateroot created next to the booted one.
type ResetOptions struct {
	// Stateroot names the new stateroot. Empty generates state-<year>-<n>.
	Stateroot string
	// Image is deployed into the new stateroot. Nil means the current target.
	Image *deploy.ImageReference
	// InheritRootKargs carries the root filesystem arguments of the booted deployment over.
	InheritRootKargs bool
	// Kargs are explicit kernel arguments of the new stateroot.
	Kargs []string
	// Apply reboots into the new deployment right away.
	Apply bool
	// SoftReboot is the reboot mode used with Apply.
	SoftReboot deploy.SoftRebootMode
}

// Install bootstraps an empty sysroot with its first stateroot and deployment.
func (e *Engine) Install(ctx context.Context, opts InstallOptions) (Result, error) {
	return e.mutate(ctx, "install", func(ctx context.Context, s *session) error {
		if !s.rec.IsEmpty() {
			return deploy.Errorf(deploy.KindPrecondition, "install", "sysroot already contains %d deployments", len(s.rec.Deployments))
		}
		if opts.Image.IsZero() {
			return deploy.Errorf(deploy.KindConfig, "install", "image is empty")
		}
		content, err := e.fetch(ctx, opts.Image)
		if err != nil {
			return err
		}
		defer release(content, s.logger)
		icfg, err := config.LoadInstallConfig(content.Root, e.arch())
		if err != nil {
			return err
		}
		if opts.Block != "" && len(icfg.Block) > 0 && !slices.Contains(icfg.Block, opts.Block) {
			return deploy.Errorf(deploy.KindPrecondition, "install", "block setup %q is not supported by the image (allowed: %s)", opts.Block, strings.Join(icfg.Block, ", "))
		}
		stateroot := firstNonEmpty(opts.Stateroot, icfg.Stateroot, DefaultStateroot)

		inherited := kargs.FilterRoot(opts.RootKargs)
		explicit := appendKargs(icfg.Kargs, kargs.Remove(opts.RootKargs, inherited))
		explicit = appendKargs(explicit, opts.Kargs)
		args, err := e.resolveKargs(content, kargSources{inherited: inherited, explicit: explicit})
		if err != nil {
			return err
		}
		if _, ok := kargs.ParseAll(args).ValueOf("root"); !ok {
			s.logger.Warn("no root= kernel argument, the initramfs has to discover the root filesystem")
		}

		if err := e.backend.InitStateroot(ctx, stateroot); err != nil {
			return err
		}
		next := deploy.Record{
			Backend: e.backend.Kind(),
			Spec: deploy.HostSpec{
				Image:     &opts.Image,
				BootOrder: deploy.BootOrderDefault,
				Kargs:     explicit,
			},
			Stateroots: []deploy.Stateroot{{Name: stateroot, CreatedAt: time.Now().UTC()}},
		}
		d, err := s.create(ctx, next, stateroot, content, args, nil)
		if err != nil {
			return err
		}
		next.AddDeployment(d)
		next.BootOrder = []deploy.DeploymentID{d.ID()}
		if err := s.commitBootOrder(ctx, next); err != nil {
			return err
		}
		if err := backend.SyncFilesystem(e.store.Root()); err != nil {
			return deploy.Wrap(deploy.KindBackend, "install", err)
		}
		s.result.Deployment = d.ID()
		s.logger.Info("installed", "deployment", d.ID(), "image", opts.Image.String(), "install_config", icfg.Sources)
		return nil
	})
}

// Reset creates a new stateroot with a fresh deployment of the target image and commits it as the
// booted deployment, with the current one as rollback. Nothing of the current stateroot's /etc or /var
// is carried over, and its deployments stay on disk until cleaned up explicitly. Apply only adds the
// reboot.
func (e *Engine) Reset(ctx context.Context, opts ResetOptions) (Result, error) {
	return e.mutate(ctx, "reset", func(ctx context.Context, s *session) error {
		booted, ok := s.rec.Booted()
		if !ok {
			return deploy.Errorf(deploy.KindPrecondition, "reset", "no booted deployment: system is not installed")
		}
		name := opts.Stateroot
		if name == "" {
			name = newStaterootName(s.rec, time.Now())
		}
		if s.rec.HasStateroot(name) {
			return deploy.Errorf(deploy.KindPrecondition, "reset", "stateroot %q already exists", name)
		}
		var target deploy.ImageReference
		if opts.Image != nil {
			target = *opts.Image
		} else if target, ok = targetImage(s.rec); !ok {
			return deploy.Errorf(deploy.KindPrecondition, "reset", "no target image")
		}
		src := kargSources{explicit: appendKargs(nil, opts.Kargs), admin: true}
		if opts.InheritRootKargs {
			src.inherited = kargs.FilterRoot(booted.Kargs)
		}
		err := s.stage(ctx, stageRequest{
			target:       target,
			stateroot:    name,
			newStateroot: true,
			src:          src,
			spec: func(spec *deploy.HostSpec) {
				spec.Image = &target
				spec.Kargs = src.explicit
			},
		})
		if err != nil {
			return err
		}
		if opts.Apply {
			return s.apply(ctx, opts.SoftReboot)
		}
		staged, _ := s.rec.StagedDeployment()
		return s.promote(ctx, staged)
	})
}

// InspectInstallConfig fetches ref and returns its merged install configuration. Install to-disk uses
// it to choose the root filesystem before the target exists.
func InspectInstallConfig(ctx context.Context, fetcher image.Fetcher, ref deploy.ImageReference, arch string) (config.InstallConfig, error) {
	content, err := fetcher.Fetch(ctx, ref)
	if err != nil {
		return config.InstallConfig{}, deploy.Wrap(deploy.KindFetch, "inspect install config", err)
	}
	defer func() { _ = content.Release() }()
	return config.LoadInstallConfig(content.Root, arch)
}

// DiskOptions describe the block setup of install to-disk.
type DiskOptions struct {
	// Command partitions, formats and mounts the device. Its last stdout line is the mounted root.
	Command string
	// Device is the target block device.
	Device string
	// Filesystem is the root filesystem type.
	Filesystem string
	// Block names the block setup (e.g. "direct", "tpm2-luks").
	Block string
	// Wipe allows destroying existing partitions.
	Wipe bool
}

// SetupDisk runs the block setup command and returns the mounted root of the new filesystem.
func SetupDisk(ctx context.Context, opts DiskOptions, logger *slog.Logger) (string, error) {
	if opts.Command == "" {
		return "", deploy.Errorf(deploy.KindConfig, "setup disk", "install.blockSetupCommand is not configured")
	}
	if opts.Device == "" {
		return "", deploy.Errorf(deploy.KindConfig, "setup disk", "device is empty")
	}
	args := []string{"--device", opts.Device}
	if opts.Filesystem != "" {
		args = append(args, "--filesystem", opts.Filesystem)
	}
	if opts.Block != "" {
		args = append(args, "--block", opts.Block)
	}
	if opts.Wipe {
		args = append(args, "--wipe")
	}

	logger = logging.OrDiscard(logger)
	out := logging.NewWriter(logger, opts.Command)
	defer out.Flush()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, opts.Command, args...)
	cmd.Stdout = io.MultiWriter(&stdout, out)
	cmd.Stderr = out

	logger.Info("setting up disk", "device", opts.Device, "filesystem", opts.Filesystem)
	if err := cmd.Run(); err != nil {
		return "", deploy.Wrap(deploy.KindBackend, "setup disk", fmt.Errorf("%s failed: %w", opts.Command, err))
	}
	root := lastLine(stdout.String())
	if root == "" || !filepath.IsAbs(root) {
		return "", deploy.Errorf(deploy.KindBackend, "setup disk", "%s did not report a mounted root (got %q)", opts.Command, root)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return "", deploy.Errorf(deploy.KindBackend, "setup disk", "reported root %s is not a directory", root)
	}
	return root, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (e *Engine) arch() string {
	if e.opts.Arch != "" {
		return e.opts.Arch
	}
	return kargs.HostArch()
}
