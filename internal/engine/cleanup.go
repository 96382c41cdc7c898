package engine

import (
	"context"
	"strings"

	"github.com/hostimage/hostctl/internal/deploy"
)

// CleanupOptions select what Cleanup prunes.
type CleanupOptions struct {
	// Stateroot restricts unregistering deployments to one stateroot. Empty considers all stateroots.
	// Unreferenced content is always removed system-wide.
	Stateroot string
}

// Cleanup unregisters prune-eligible deployments and removes all content the record no longer
// references, including content orphaned by failed operations.
func (e *Engine) Cleanup(ctx context.Context, opts CleanupOptions) (Result, error) {
	return e.mutate(ctx, "cleanup", func(ctx context.Context, s *session) error {
		if opts.Stateroot != "" && !s.rec.HasStateroot(opts.Stateroot) {
			return deploy.Errorf(deploy.KindNotFound, "cleanup", "stateroot %q does not exist (known: %s)", opts.Stateroot, strings.Join(s.rec.StaterootNames(), ", "))
		}
		s.pruned = true
		report, err := s.prune(ctx, opts.Stateroot)
		s.result.Pruned = report
		if err != nil {
			return err
		}
		s.logger.Info("cleanup finished", "deployments", len(report.Deployments), "content", report.Content, "errors", len(report.Errors))
		return nil
	})
}
