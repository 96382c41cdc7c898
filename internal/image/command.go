package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/logging"
)

// CommandFetcher delegates pulling to an external program. The program is run as
//
//	<Command> <Args...> <transport>:<image> <destination>
//
// and must leave an unpacked image (a rootfs directory and optional image.yaml) in destination, which is
// then served like a dir transport image. Every call gets its own destination below CacheDir, removed
// by Content.Release, so concurrent fetches of one reference never share a directory.
type CommandFetcher struct {
	Command  string
	Args     []string
	CacheDir string
	Logger   *slog.Logger
}

// Inspect implements Fetcher.
func (f CommandFetcher) Inspect(ctx context.Context, ref deploy.ImageReference) (Manifest, error) {
	c, err := f.Fetch(ctx, ref)
	if err != nil {
		return Manifest{}, err
	}
	if err := c.Release(); err != nil {
		logging.OrDiscard(f.Logger).Warn("remove inspected image", "image", ref.String(), "error", err)
	}
	return c.Manifest, nil
}

// Fetch implements Fetcher.
func (f CommandFetcher) Fetch(ctx context.Context, ref deploy.ImageReference) (Content, error) {
	if strings.TrimSpace(f.Command) == "" {
		return Content{}, deploy.Errorf(deploy.KindFetch, "fetch image", "no fetch command configured for transport %q", ref.Transport)
	}
	if err := os.MkdirAll(f.CacheDir, 0o700); err != nil {
		return Content{}, deploy.Errorf(deploy.KindFetch, "fetch image", "create cache %s: %v", f.CacheDir, err)
	}
	dest, err := os.MkdirTemp(f.CacheDir, cacheKey(ref)+"-")
	if err != nil {
		return Content{}, deploy.Errorf(deploy.KindFetch, "fetch image", "create fetch directory: %v", err)
	}
	remove := func() error { return os.RemoveAll(dest) }

	args := append(append([]string(nil), f.Args...), ref.String(), dest)
	logger := logging.OrDiscard(f.Logger)
	out := logging.NewWriter(logger, f.Command)
	defer out.Flush()

	cmd := exec.CommandContext(ctx, f.Command, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	logger.Debug("running fetch command", "command", f.Command, "image", ref.String())
	if err := cmd.Run(); err != nil {
		_ = remove()
		if ctx.Err() != nil {
			return Content{}, deploy.Wrap(deploy.KindFetch, "fetch image", ctx.Err())
		}
		return Content{}, deploy.Errorf(deploy.KindFetch, "fetch image", "%s %s failed: %v", f.Command, ref.String(), err)
	}

	content, err := DirFetcher{}.Fetch(ctx, deploy.ImageReference{Image: dest, Transport: deploy.TransportDir})
	if err == nil {
		err = VerifyPinned(ref, content.Digest)
	}
	if err != nil {
		_ = remove()
		return Content{}, err
	}
	content.Reference = ref
	content.release = remove
	return content, nil
}

func cacheKey(ref deploy.ImageReference) string {
	sum := sha256.Sum256([]byte(ref.String()))
	return hex.EncodeToString(sum[:8])
}

// NewRouter returns the default fetcher set: dir images are read in place and every other transport
// goes through the external fetch command.
func NewRouter(command string, args []string, cacheDir string, logger *slog.Logger) Router {
	external := CommandFetcher{Command: command, Args: args, CacheDir: cacheDir, Logger: logger}
	return Router{
		deploy.TransportDir:               DirFetcher{},
		deploy.TransportRegistry:          external,
		deploy.TransportOCI:               external,
		deploy.TransportOCIArchive:        external,
		deploy.TransportContainersStorage: external,
	}
}

// String identifies the fetcher in logs.
func (f CommandFetcher) String() string {
	return fmt.Sprintf("command fetcher (%s)", f.Command)
}
