package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/image"
	"github.com/hostimage/hostctl/internal/kargs"
)

// fetch pulls ref, bounded by the fetch timeout.
func (e *Engine) fetch(ctx context.Context, ref deploy.ImageReference) (image.Content, error) {
	if e.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.FetchTimeout)
		defer cancel()
	}
	content, err := e.fetcher.Fetch(ctx, ref)
	if err != nil {
		return image.Content{}, deploy.Wrap(deploy.KindFetch, "fetch image", err)
	}
	if err := image.VerifyPinned(ref, content.Digest); err != nil {
		release(content, e.logger)
		return image.Content{}, err
	}
	return content, nil
}

// release drops the fetched copy of content once the backend has taken what it needs.
func release(content image.Content, logger *slog.Logger) {
	if err := content.Release(); err != nil {
		logger.Warn("remove fetched image", "image", content.Reference.String(), "error", err)
	}
}

// kargSources are the inputs of a kernel argument computation that do not come from the image.
type kargSources struct {
	// inherited is carried over from the current deployment.
	inherited []string
	// explicit holds retained spec kargs and per-invocation flags.
	explicit []string
	// admin enables the administrator drop-in directory.
	admin bool
}

// resolveKargs merges the image drop-ins of content with the given sources.
func (e *Engine) resolveKargs(content image.Content, src kargSources) ([]string, error) {
	in := kargs.Inputs{
		Inherited: src.inherited,
		Explicit:  src.explicit,
		Arch:      e.opts.Arch,
	}
	if e.opts.KargsImageDir != "" {
		dropIns, err := kargs.LoadDir(content.Root, e.opts.KargsImageDir)
		if err != nil {
			return nil, err
		}
		in.Image = dropIns
	}
	if src.admin && e.opts.KargsAdminDir != "" {
		dropIns, err := kargs.LoadDir(os.DirFS(e.opts.KargsAdminDir), ".")
		if err != nil {
			return nil, err
		}
		in.Admin = dropIns
	}
	return kargs.Merge(in), nil
}

// targetImage returns the image upgrades follow: the host spec target, else the booted image.
func targetImage(rec deploy.Record) (deploy.ImageReference, bool) {
	if rec.Spec.Image != nil && !rec.Spec.Image.IsZero() {
		return *rec.Spec.Image, true
	}
	if booted, ok := rec.Booted(); ok && !booted.Image.IsZero() {
		return booted.Image, true
	}
	return deploy.ImageReference{}, false
}

// sameContent reports whether d already provides content with the given kernel arguments.
func sameContent(d deploy.Deployment, content image.Content, args []string) bool {
	return d.ImageDigest == content.Digest && slices.Equal(d.Kargs, args)
}

// softRebootFor decides whether moving from current to candidate uses a soft reboot.
func (e *Engine) softRebootFor(mode deploy.SoftRebootMode, candidate, current deploy.Deployment) (bool, error) {
	switch mode {
	case deploy.SoftRebootRequired:
		capability := e.backend.QuerySoftReboot(candidate, current)
		if capability != deploy.SoftRebootCapable {
			return false, deploy.Errorf(deploy.KindPrecondition, "soft reboot", "soft reboot into %s is not possible: %s", candidate.ID(), capability)
		}
		return true, nil
	case deploy.SoftRebootAuto:
		return e.backend.QuerySoftReboot(candidate, current) == deploy.SoftRebootCapable, nil
	default:
		return false, nil
	}
}

// newStaterootName picks an unused stateroot name of the form state-<year>-<n>.
func newStaterootName(rec deploy.Record, now time.Time) string {
	for n := 0; ; n++ {
		name := fmt.Sprintf("state-%d-%d", now.Year(), n)
		if !rec.HasStateroot(name) {
			return name
		}
	}
}
