package engine

import (
	"context"
	"slices"

	"github.com/hostimage/hostctl/internal/deploy"
)

// Edit applies a full desired-state document. Only the target image and the boot order may change;
// an image change stages the new target like Switch, a boot order change rolls back.
func (e *Engine) Edit(ctx context.Context, desired deploy.HostSpec) (Result, error) {
	return e.mutate(ctx, "edit", func(ctx context.Context, s *session) error {
		current := s.rec.Spec
		if err := verifyTransition(current, desired); err != nil {
			return err
		}
		switch {
		case imageChanged(current, desired):
			target := *desired.Image
			return s.stage(ctx, stageRequest{
				target: target,
				src:    s.upgradeKargs(nil),
				spec: func(spec *deploy.HostSpec) {
					spec.Image = &target
				},
			})
		case bootOrder(current) != bootOrder(desired):
			return s.rollback(ctx, RollbackOptions{})
		default:
			s.logger.Info("no changes: spec is unchanged")
			return nil
		}
	})
}

// verifyTransition rejects edits of anything but the image and the boot order.
func verifyTransition(current, desired deploy.HostSpec) error {
	switch desired.BootOrder {
	case "", deploy.BootOrderDefault, deploy.BootOrderRollback:
	default:
		return deploy.Errorf(deploy.KindConfig, "edit", "unknown bootOrder %q", desired.BootOrder)
	}
	if desired.Image == nil && current.Image != nil {
		return deploy.Errorf(deploy.KindPrecondition, "edit", "the target image cannot be removed")
	}
	if desired.Image != nil && desired.Image.IsZero() {
		return deploy.Errorf(deploy.KindConfig, "edit", "image.image is empty")
	}
	if !slices.Equal(current.Kargs, desired.Kargs) {
		return deploy.Errorf(deploy.KindPrecondition, "edit", "kargs cannot be changed by edit")
	}
	if current.Policy != desired.Policy {
		return deploy.Errorf(deploy.KindPrecondition, "edit", "policy cannot be changed by edit")
	}
	if imageChanged(current, desired) && bootOrder(current) != bootOrder(desired) {
		return deploy.Errorf(deploy.KindPrecondition, "edit", "image and bootOrder cannot change in one edit")
	}
	return nil
}

func imageChanged(current, desired deploy.HostSpec) bool {
	if desired.Image == nil {
		return false
	}
	return current.Image == nil || *current.Image != *desired.Image
}

func bootOrder(spec deploy.HostSpec) deploy.BootOrderMode {
	if spec.BootOrder == "" {
		return deploy.BootOrderDefault
	}
	return spec.BootOrder
}
