package engine

import (
	"context"
	"slices"

	"github.com/hostimage/hostctl/internal/deploy"
)

// ApplyOptions control Apply.
type ApplyOptions struct {
	// SoftReboot selects the reboot mode. Empty falls back to the host spec policy.
	SoftReboot deploy.SoftRebootMode
}

// RollbackOptions control Rollback.
type RollbackOptions struct {
	// Apply reboots into the rollback deployment right away.
	Apply bool
	// SoftReboot is the reboot mode used with Apply.
	SoftReboot deploy.SoftRebootMode
}

// Apply promotes the staged deployment to booted, demotes the booted one to rollback and reboots.
// The boot entries are written and the boot order is committed before the reboot is requested.
func (e *Engine) Apply(ctx context.Context, opts ApplyOptions) (Result, error) {
	return e.mutate(ctx, "apply", func(ctx context.Context, s *session) error {
		return s.apply(ctx, opts.SoftReboot)
	})
}

// Rollback swaps the booted and rollback deployments in the boot order and discards the staged one.
// Applying it twice restores the original order.
func (e *Engine) Rollback(ctx context.Context, opts RollbackOptions) (Result, error) {
	return e.mutate(ctx, "rollback", func(ctx context.Context, s *session) error {
		return s.rollback(ctx, opts)
	})
}

func (s *session) rebootMode(mode deploy.SoftRebootMode) deploy.SoftRebootMode {
	if mode == deploy.SoftRebootDisabled {
		return s.rec.Spec.Policy.SoftReboot
	}
	return mode
}

func (s *session) apply(ctx context.Context, mode deploy.SoftRebootMode) error {
	staged, ok := s.rec.StagedDeployment()
	if !ok {
		return deploy.Errorf(deploy.KindPrecondition, "apply", "no staged deployment")
	}
	mode = s.rebootMode(mode)
	soft := false
	if booted, ok := s.rec.Booted(); ok {
		var err error
		if soft, err = s.e.softRebootFor(mode, staged, booted); err != nil {
			return err
		}
	} else if mode == deploy.SoftRebootRequired {
		return deploy.Errorf(deploy.KindPrecondition, "apply", "soft reboot requires a booted deployment")
	}
	if err := s.promote(ctx, staged); err != nil {
		return err
	}
	s.reboot = &soft
	return nil
}

// promote makes staged the booted deployment and the booted one the rollback. Pinned deployments keep
// their place behind them; an unpinned rollback drops out of the boot order.
func (s *session) promote(ctx context.Context, staged deploy.Deployment) error {
	if err := s.e.backend.Verify(ctx, staged); err != nil {
		return err
	}
	next := s.rec.Clone()
	order := []deploy.DeploymentID{staged.ID()}
	if booted, ok := s.rec.Booted(); ok {
		order = append(order, booted.ID())
	}
	for _, id := range s.rec.BootOrder[min(1, len(s.rec.BootOrder)):] {
		if d, ok := s.rec.Find(id); ok && d.Pinned && !slices.Contains(order, id) {
			order = append(order, id)
		}
	}
	if rb, ok := s.rec.Rollback(); ok && !slices.Contains(order, rb.ID()) {
		s.logger.Info("previous rollback deployment released", "deployment", rb.ID())
	}
	next.BootOrder = order
	next.Staged = ""
	next.Spec.BootOrder = deploy.BootOrderDefault

	if err := s.commitBootOrder(ctx, next); err != nil {
		return err
	}
	s.result.Deployment = staged.ID()
	return nil
}

func (s *session) rollback(ctx context.Context, opts RollbackOptions) error {
	rb, ok := s.rec.Rollback()
	if !ok {
		return deploy.Errorf(deploy.KindPrecondition, "rollback", "no rollback deployment available")
	}
	booted, _ := s.rec.Booted()
	soft := false
	if opts.Apply {
		var err error
		if soft, err = s.e.softRebootFor(s.rebootMode(opts.SoftReboot), rb, booted); err != nil {
			return err
		}
	}

	next := s.rec.Clone()
	next.BootOrder[0], next.BootOrder[1] = next.BootOrder[1], next.BootOrder[0]
	if next.Staged != "" {
		s.logger.Info("discarding staged deployment", "deployment", next.Staged)
		next.Staged = ""
	}
	next.Spec.BootOrder = s.rec.Spec.BootOrder.Toggle()

	if err := s.commitBootOrder(ctx, next); err != nil {
		return err
	}
	s.logger.Info("rolled back", "booted", rb.ID(), "rollback", booted.ID())
	s.result.Deployment = rb.ID()
	if opts.Apply {
		s.reboot = &soft
	}
	return nil
}
