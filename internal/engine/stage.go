package engine

import (
	"context"
	"slices"
	"time"

	"github.com/hostimage/hostctl/internal/backend"
	"github.com/hostimage/hostctl/internal/config"
	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/image"
	"github.com/hostimage/hostctl/internal/kargs"
)

// StageOptions select what Stage prepares.
type StageOptions struct {
	// Image is the image to stage. Zero means the host spec target, falling back to the booted image.
	Image deploy.ImageReference
	// Kargs are appended to the retained spec kargs.
	Kargs []string
}

// UpgradeOptions control Upgrade.
type UpgradeOptions struct {
	// Apply promotes the staged deployment and reboots.
	Apply bool
	// SoftReboot is the reboot mode used with Apply. Empty falls back to the host spec policy.
	SoftReboot deploy.SoftRebootMode
}

// SwitchOptions control Switch.
type SwitchOptions struct {
	// Image is the new target.
	Image deploy.ImageReference
	// Retain pins the currently booted deployment so that it is never pruned. It applies to this
	// switch only.
	Retain bool
	// Kargs are appended to the retained spec kargs.
	Kargs []string
	// Apply promotes the staged deployment and reboots.
	Apply bool
	// SoftReboot is the reboot mode used with Apply.
	SoftReboot deploy.SoftRebootMode
}

// UpgradeCheck is the result of CheckUpgrade.
type UpgradeCheck struct {
	// Image is the reference that was inspected.
	Image deploy.ImageReference
	// Digest, Version and Timestamp describe the available image.
	Digest    string
	Version   string
	Timestamp time.Time
	// Available reports that the image differs from both the booted and the staged deployment.
	Available bool
	// Staged reports that the image is already staged.
	Staged bool
}

// stageRequest is the common input of stage, switch, upgrade and reset.
type stageRequest struct {
	target deploy.ImageReference
	// stateroot defaults to the stateroot of the booted deployment.
	stateroot string
	// newStateroot creates and registers stateroot in the same commit.
	newStateroot bool
	src          kargSources
	// spec edits the desired state committed together with the staged deployment.
	spec func(*deploy.HostSpec)
	// pin marks a deployment as retained.
	pin deploy.DeploymentID
}

// Stage fetches an image and prepares it as the staged deployment without touching the booted one.
func (e *Engine) Stage(ctx context.Context, opts StageOptions) (Result, error) {
	return e.mutate(ctx, "stage", func(ctx context.Context, s *session) error {
		target := opts.Image
		if target.IsZero() {
			var ok bool
			if target, ok = targetImage(s.rec); !ok {
				return deploy.Errorf(deploy.KindPrecondition, "stage", "no image to stage: system is not installed")
			}
		}
		return s.stage(ctx, stageRequest{
			target: target,
			src:    s.upgradeKargs(opts.Kargs),
			spec:   retainKargs(opts.Kargs),
		})
	})
}

// CheckUpgrade reports whether the target image differs from what is booted or staged. It neither
// takes the lock nor changes anything.
func (e *Engine) CheckUpgrade(ctx context.Context) (UpgradeCheck, error) {
	rec, err := e.store.Snapshot(ctx)
	if err != nil {
		return UpgradeCheck{}, deploy.Wrap(deploy.KindBackend, "check upgrade", err)
	}
	target, ok := targetImage(rec)
	if !ok {
		return UpgradeCheck{}, deploy.Errorf(deploy.KindPrecondition, "check upgrade", "no image to upgrade: system is not installed")
	}
	if e.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.FetchTimeout)
		defer cancel()
	}
	m, err := e.fetcher.Inspect(ctx, target)
	if err != nil {
		return UpgradeCheck{}, deploy.Wrap(deploy.KindFetch, "check upgrade", err)
	}
	check := UpgradeCheck{Image: target, Digest: m.Digest, Version: m.Version, Timestamp: m.Timestamp}
	booted, _ := rec.Booted()
	staged, hasStaged := rec.StagedDeployment()
	check.Staged = hasStaged && staged.ImageDigest == m.Digest
	check.Available = booted.ImageDigest != m.Digest && !check.Staged
	return check, nil
}

// Upgrade stages the current target image. It does nothing when the target is already booted or
// staged.
func (e *Engine) Upgrade(ctx context.Context, opts UpgradeOptions) (Result, error) {
	return e.mutate(ctx, "upgrade", func(ctx context.Context, s *session) error {
		target, ok := targetImage(s.rec)
		if !ok {
			return deploy.Errorf(deploy.KindPrecondition, "upgrade", "no image to upgrade: system is not installed")
		}
		if err := s.stage(ctx, stageRequest{target: target, src: s.upgradeKargs(nil)}); err != nil {
			return err
		}
		if opts.Apply && s.rec.Staged != "" {
			return s.apply(ctx, opts.SoftReboot)
		}
		return nil
	})
}

// Switch changes the target image and stages it.
func (e *Engine) Switch(ctx context.Context, opts SwitchOptions) (Result, error) {
	return e.mutate(ctx, "switch", func(ctx context.Context, s *session) error {
		if opts.Image.IsZero() {
			return deploy.Errorf(deploy.KindConfig, "switch", "target image is empty")
		}
		booted, ok := s.rec.Booted()
		if !ok {
			return deploy.Errorf(deploy.KindPrecondition, "switch", "no booted deployment: system is not installed")
		}
		req := stageRequest{
			target: opts.Image,
			src:    s.upgradeKargs(opts.Kargs),
			spec: func(spec *deploy.HostSpec) {
				target := opts.Image
				spec.Image = &target
				spec.Kargs = appendKargs(spec.Kargs, opts.Kargs)
				if opts.SoftReboot != deploy.SoftRebootDisabled {
					spec.Policy.SoftReboot = opts.SoftReboot
				}
			},
		}
		current, _ := targetImage(s.rec)
		if opts.Retain && current != opts.Image {
			req.pin = booted.ID()
		}
		if err := s.stage(ctx, req); err != nil {
			return err
		}
		if opts.Apply && s.rec.Staged != "" {
			return s.apply(ctx, opts.SoftReboot)
		}
		return nil
	})
}

// upgradeKargs are the kernel argument sources of an in-place transition: the root arguments of the
// booted deployment, the image and administrator drop-ins and the retained spec kargs plus extra.
func (s *session) upgradeKargs(extra []string) kargSources {
	src := kargSources{explicit: appendKargs(s.rec.Spec.Kargs, extra), admin: true}
	if booted, ok := s.rec.Booted(); ok {
		src.inherited = kargs.FilterRoot(booted.Kargs)
	}
	return src
}

func retainKargs(extra []string) func(*deploy.HostSpec) {
	if len(extra) == 0 {
		return nil
	}
	return func(spec *deploy.HostSpec) {
		spec.Kargs = appendKargs(spec.Kargs, extra)
	}
}

// appendKargs appends the entries of extra not already present in list.
func appendKargs(list, extra []string) []string {
	out := append([]string(nil), list...)
	for _, k := range extra {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

// stage creates a deployment for req.target and records it as staged. When the target is already
// booted or staged with the same kernel arguments no content is created; spec edits are still
// committed.
func (s *session) stage(ctx context.Context, req stageRequest) error {
	booted, hasBooted := s.rec.Booted()
	stateroot := req.stateroot
	if stateroot == "" {
		if !hasBooted {
			return deploy.Errorf(deploy.KindPrecondition, s.op, "no booted deployment: system is not installed")
		}
		stateroot = booted.Stateroot
	}

	content, err := s.e.fetch(ctx, req.target)
	if err != nil {
		return err
	}
	defer release(content, s.logger)
	args, err := s.e.resolveKargs(content, req.src)
	if err != nil {
		return err
	}
	logger := s.logger.With("image", req.target.String(), "digest", content.Digest, "stateroot", stateroot)

	next := s.rec.Clone()
	if req.spec != nil {
		req.spec(&next.Spec)
	}
	if req.pin != "" {
		next.SetPinned(req.pin, true)
	}

	if !req.newStateroot {
		if hasBooted && booted.Stateroot == stateroot && sameContent(booted, content, args) {
			if next.Staged != "" {
				logger.Info("target is booted, discarding staged deployment", "deployment", next.Staged)
				next.Staged = ""
			} else {
				logger.Info("no changes: target is already booted")
			}
			s.result.Deployment = booted.ID()
			return s.commitIfChanged(ctx, next)
		}
		if staged, ok := s.rec.StagedDeployment(); ok && staged.Stateroot == stateroot && sameContent(staged, content, args) {
			logger.Info("no changes: target is already staged", "deployment", staged.ID())
			s.result.Deployment = staged.ID()
			return s.commitIfChanged(ctx, next)
		}
	}

	if req.newStateroot {
		if err := s.e.backend.InitStateroot(ctx, stateroot); err != nil {
			return err
		}
		next.Stateroots = append(next.Stateroots, deploy.Stateroot{Name: stateroot, CreatedAt: time.Now().UTC()})
	}
	var previous *deploy.Deployment
	if hasBooted && booted.Stateroot == stateroot {
		previous = &booted
	}
	d, err := s.create(ctx, next, stateroot, content, args, previous)
	if err != nil {
		return err
	}
	if old := next.Staged; old != "" {
		logger.Info("replacing staged deployment", "deployment", old)
	}
	next.AddDeployment(d)
	next.Staged = d.ID()
	s.result.Deployment = d.ID()
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	logger.Info("deployment staged", "deployment", d.ID(), "version", d.Version)
	return nil
}

// create asks the backend for a new deployment. Nothing is registered here; the caller commits.
func (s *session) create(ctx context.Context, rec deploy.Record, stateroot string, content image.Content, args []string, previous *deploy.Deployment) (deploy.Deployment, error) {
	mount, err := config.LoadMountSpec(content.Root)
	if err != nil {
		return deploy.Deployment{}, err
	}
	return s.e.backend.CreateDeployment(ctx, backend.CreateRequest{
		Stateroot: stateroot,
		Serial:    rec.NextSerial(stateroot, content.Checksum()),
		Content:   content,
		Kargs:     args,
		Previous:  previous,
		Mount:     mount,
	})
}

// commitIfChanged commits next when it differs from the current record in spec, staged slot or pins.
func (s *session) commitIfChanged(ctx context.Context, next deploy.Record) error {
	if next.Spec.Equal(s.rec.Spec) && next.Staged == s.rec.Staged && samePins(next, s.rec) {
		return nil
	}
	return s.commit(ctx, next)
}

func samePins(a, b deploy.Record) bool {
	for _, d := range a.Deployments {
		other, ok := b.Find(d.ID())
		if !ok || other.Pinned != d.Pinned {
			return false
		}
	}
	return len(a.Deployments) == len(b.Deployments)
}
