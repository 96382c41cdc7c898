// Package backendtest provides contract tests for [backend.Backend] implementations.
package backendtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostimage/hostctl/internal/backend"
	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/image"
	"github.com/hostimage/hostctl/internal/image/imagetest"
)

// Factory creates a fresh backend rooted at sysroot for each test.
type Factory func(t *testing.T, sysroot string) backend.Backend

// Content fetches an in-memory image built from opts.
func Content(t *testing.T, name string, opts imagetest.Options) image.Content {
	t.Helper()
	f := imagetest.NewFetcher()
	f.Add(name, imagetest.New(opts))
	c, err := f.Fetch(context.Background(), deploy.ImageReference{Image: name, Transport: deploy.TransportRegistry})
	require.NoError(t, err)
	return c
}

// Create initializes stateroot and creates a deployment of content in it.
func Create(t *testing.T, b backend.Backend, stateroot string, serial int, content image.Content, previous *deploy.Deployment) deploy.Deployment {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.InitStateroot(ctx, stateroot))
	d, err := b.CreateDeployment(ctx, backend.CreateRequest{
		Stateroot: stateroot,
		Serial:    serial,
		Content:   content,
		Kargs:     []string{"quiet", "console=ttyS0"},
		Previous:  previous,
	})
	require.NoError(t, err)
	return d
}

// Run exercises the [backend.Backend] contract.
func Run(t *testing.T, factory Factory) {
	v1 := imagetest.Options{Version: "1", Kernel: "6.1.0", Policy: "policy-a"}
	v2 := imagetest.Options{Version: "2", Kernel: "6.1.0", Policy: "policy-a"}
	v3 := imagetest.Options{Version: "3", Kernel: "6.2.0", Policy: "policy-a"}

	t.Run("CreateDeployment", func(t *testing.T) {
		sysroot := t.TempDir()
		b := factory(t, sysroot)
		content := Content(t, "quay.io/test/os:1", v1)

		d := Create(t, b, "default", 0, content, nil)
		assert.Equal(t, b.Kind(), d.Backend)
		assert.Equal(t, "default", d.Stateroot)
		assert.Equal(t, content.Checksum(), d.Checksum)
		assert.Equal(t, content.Digest, d.ImageDigest)
		assert.Equal(t, "1", d.Version)
		assert.NotEmpty(t, d.Handle)
		assert.Equal(t, "6.1.0", d.Boot.KernelVersion)
		assert.Equal(t, []string{"quiet", "console=ttyS0"}, d.Kargs)
		require.NoError(t, b.Verify(context.Background(), d))

		root := b.DeploymentRoot(d)
		hostname, err := os.ReadFile(filepath.Join(root, "etc", "hostname"))
		require.NoError(t, err)
		assert.Equal(t, "localhost\n", string(hostname))

		require.NoError(t, os.WriteFile(filepath.Join(root, "var", "marker"), []byte("x"), 0o644))
		assert.FileExists(t, filepath.Join(backend.Layout{Root: sysroot}.VarDir("default"), "marker"))
	})

	t.Run("BootEntry", func(t *testing.T) {
		b := factory(t, t.TempDir())
		d := Create(t, b, "default", 0, Content(t, "quay.io/test/os:1", v1), nil)
		e := b.BootEntry(d)
		assert.NotEmpty(t, e.Linux)
		assert.NotEmpty(t, e.Initrd)
		assert.Equal(t, "1", e.Version)
		assert.Subset(t, e.Options, []string{"quiet", "console=ttyS0"})
	})

	t.Run("SerialsDisambiguateEqualContent", func(t *testing.T) {
		b := factory(t, t.TempDir())
		content := Content(t, "quay.io/test/os:1", v1)
		a := Create(t, b, "default", 0, content, nil)
		c := Create(t, b, "default", 1, content, &a)
		assert.Equal(t, a.Checksum, c.Checksum)
		assert.NotEqual(t, a.ID(), c.ID())
		assert.NotEqual(t, b.DeploymentRoot(a), b.DeploymentRoot(c))
		require.NoError(t, b.Verify(context.Background(), a))
		require.NoError(t, b.Verify(context.Background(), c))
	})

	t.Run("PruneRemovesUnreferencedContent", func(t *testing.T) {
		b := factory(t, t.TempDir())
		ctx := context.Background()
		d1 := Create(t, b, "default", 0, Content(t, "quay.io/test/os:1", v1), nil)
		d2 := Create(t, b, "default", 1, Content(t, "quay.io/test/os:2", v2), &d1)

		report, err := b.Prune(ctx, []deploy.Deployment{d2})
		require.NoError(t, err)
		assert.Empty(t, report.Errors)
		assert.Len(t, report.Deployments, 1)
		assert.Positive(t, report.Content)

		assert.NoDirExists(t, b.DeploymentRoot(d1))
		require.Error(t, b.Verify(ctx, d1))
		require.NoError(t, b.Verify(ctx, d2))

		again, err := b.Prune(ctx, []deploy.Deployment{d2})
		require.NoError(t, err)
		assert.Empty(t, again.Deployments)
		assert.Zero(t, again.Content)
	})

	t.Run("SoftRebootCapability", func(t *testing.T) {
		b := factory(t, t.TempDir())
		d1 := Create(t, b, "default", 0, Content(t, "quay.io/test/os:1", v1), nil)
		d2 := Create(t, b, "default", 1, Content(t, "quay.io/test/os:2", v2), &d1)
		d3 := Create(t, b, "default", 2, Content(t, "quay.io/test/os:3", v3), &d2)
		bare := Create(t, b, "default", 3, Content(t, "quay.io/test/bare:1", imagetest.Options{Version: "b"}), nil)

		assert.Equal(t, deploy.SoftRebootCapable, b.QuerySoftReboot(d2, d1))
		assert.Equal(t, deploy.SoftRebootIncapableMismatch, b.QuerySoftReboot(d3, d2))
		assert.Equal(t, deploy.SoftRebootIncapableUnsupported, b.QuerySoftReboot(bare, d1))
	})

	t.Run("PolicyChangeForcesFullReboot", func(t *testing.T) {
		b := factory(t, t.TempDir())
		d1 := Create(t, b, "default", 0, Content(t, "quay.io/test/os:1", v1), nil)
		changed := v2
		changed.Policy = "policy-b"
		d2 := Create(t, b, "default", 1, Content(t, "quay.io/test/os:2", changed), &d1)
		assert.Equal(t, deploy.SoftRebootIncapableMismatch, b.QuerySoftReboot(d2, d1))
	})

	t.Run("CancelledCreateLeavesNoDeployment", func(t *testing.T) {
		sysroot := t.TempDir()
		b := factory(t, sysroot)
		require.NoError(t, b.InitStateroot(context.Background(), "default"))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := b.CreateDeployment(ctx, backend.CreateRequest{
			Stateroot: "default",
			Content:   Content(t, "quay.io/test/os:1", v1),
		})
		require.ErrorIs(t, err, context.Canceled)

		entries, err := os.ReadDir(filepath.Join(backend.Layout{Root: sysroot}.StaterootDir("default"), "deploy"))
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("StaterootsDoNotShareVar", func(t *testing.T) {
		b := factory(t, t.TempDir())
		content := Content(t, "quay.io/test/os:1", v1)
		d1 := Create(t, b, "default", 0, content, nil)
		require.NoError(t, os.WriteFile(filepath.Join(b.DeploymentRoot(d1), "var", "only-default"), []byte("x"), 0o644))

		d2 := Create(t, b, "foo", 0, content, &d1)
		assert.NoFileExists(t, filepath.Join(b.DeploymentRoot(d2), "var", "only-default"))
		assert.FileExists(t, filepath.Join(b.DeploymentRoot(d2), "etc", "hostname"))
	})

	t.Run("RejectsInvalidStateroot", func(t *testing.T) {
		b := factory(t, t.TempDir())
		err := b.InitStateroot(context.Background(), "../escape")
		require.Error(t, err)
		assert.True(t, deploy.IsKind(err, deploy.KindPrecondition))
	})

	t.Run("CreateInUninitializedStaterootFails", func(t *testing.T) {
		b := factory(t, t.TempDir())
		_, err := b.CreateDeployment(context.Background(), backend.CreateRequest{
			Stateroot: "missing",
			Content:   Content(t, "quay.io/test/os:1", v1),
		})
		require.Error(t, err)
		assert.True(t, deploy.IsKind(err, deploy.KindPrecondition))
	})
}
