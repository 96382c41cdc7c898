package image_test

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/image"
	"github.com/hostimage/hostctl/internal/image/imagetest"
)

func TestTreeDigestIsStableAndContentSensitive(t *testing.T) {
	ctx := context.Background()
	a := imagetest.New(imagetest.Options{Version: "1", Kernel: "6.1.0"})
	b := imagetest.New(imagetest.Options{Version: "1", Kernel: "6.1.0"})
	c := imagetest.New(imagetest.Options{Version: "2", Kernel: "6.1.0"})

	da, err := image.TreeDigest(ctx, a)
	require.NoError(t, err)
	db, err := image.TreeDigest(ctx, b)
	require.NoError(t, err)
	dc, err := image.TreeDigest(ctx, c)
	require.NoError(t, err)

	assert.True(t, image.ValidDigest(da))
	assert.Equal(t, da, db)
	assert.NotEqual(t, da, dc)
}

func TestTreeDigestHashesSymlinkTargets(t *testing.T) {
	ctx := context.Background()
	a := fstest.MapFS{"link": {Data: []byte("one"), Mode: os.ModeSymlink}}
	b := fstest.MapFS{"link": {Data: []byte("two"), Mode: os.ModeSymlink}}
	da, err := image.TreeDigest(ctx, a)
	require.NoError(t, err)
	db, err := image.TreeDigest(ctx, b)
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestTreeDigestHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := image.TreeDigest(ctx, imagetest.New(imagetest.Options{}))
	require.ErrorIs(t, err, context.Canceled)
}

func TestIdentity(t *testing.T) {
	id, err := image.Identity(imagetest.New(imagetest.Options{Kernel: "6.1.0", Policy: "p1"}))
	require.NoError(t, err)
	assert.Equal(t, "6.1.0", id.KernelVersion)
	assert.True(t, image.ValidDigest(id.Kernel))
	assert.True(t, image.ValidDigest(id.Initrd))
	assert.True(t, image.ValidDigest(id.Policy))

	other, err := image.Identity(imagetest.New(imagetest.Options{Kernel: "6.1.0", Policy: "p2"}))
	require.NoError(t, err)
	assert.Equal(t, id.Kernel, other.Kernel)
	assert.NotEqual(t, id.Policy, other.Policy)

	none, err := image.Identity(imagetest.New(imagetest.Options{}))
	require.NoError(t, err)
	assert.Equal(t, deploy.BootIdentity{}, none)
}

func TestFindBootFilesRejectsMultipleKernels(t *testing.T) {
	fsys := imagetest.New(imagetest.Options{Kernel: "6.1.0"})
	fsys["usr/lib/modules/6.2.0/vmlinuz"] = &fstest.MapFile{Data: []byte("k2")}
	_, _, err := image.FindBootFiles(fsys)
	require.Error(t, err)
	assert.True(t, deploy.IsKind(err, deploy.KindValidation))
}

func TestAddons(t *testing.T) {
	addons, err := image.Addons(imagetest.New(imagetest.Options{Addons: []string{"b.addon", "a.addon"}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.addon", "b.addon"}, addons)
}

func TestDirFetcher(t *testing.T) {
	dir := t.TempDir()
	rootfs := filepath.Join(dir, image.RootfsDir)
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "usr/lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "usr/lib/os-release"), []byte("ID=x\nVERSION_ID=\"42.1\"\n"), 0o644))
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, image.WriteMetadata(dir, image.Metadata{Created: created}))

	ref := deploy.ImageReference{Image: dir, Transport: deploy.TransportDir}
	content, err := image.DirFetcher{}.Fetch(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "42.1", content.Version)
	assert.True(t, created.Equal(content.Timestamp))
	assert.True(t, image.ValidDigest(content.Digest))
	assert.Len(t, content.Checksum(), 64)

	data, err := fs.ReadFile(content.Root, "usr/lib/os-release")
	require.NoError(t, err)
	assert.Contains(t, string(data), "42.1")

	pinned := deploy.ImageReference{Image: dir + "@" + content.Digest, Transport: deploy.TransportDir}
	_, err = image.DirFetcher{}.Fetch(context.Background(), pinned)
	require.NoError(t, err)

	wrong := deploy.ImageReference{Image: dir + "@sha256:0000", Transport: deploy.TransportDir}
	_, err = image.DirFetcher{}.Fetch(context.Background(), wrong)
	require.Error(t, err)
	assert.True(t, deploy.IsKind(err, deploy.KindValidation))
}

func TestDirFetcherMissing(t *testing.T) {
	_, err := image.DirFetcher{}.Inspect(context.Background(), deploy.ImageReference{Image: "/does/not/exist", Transport: deploy.TransportDir})
	require.Error(t, err)
	assert.True(t, deploy.IsKind(err, deploy.KindFetch))
}

func TestRouterUnknownTransport(t *testing.T) {
	r := image.Router{deploy.TransportDir: image.DirFetcher{}}
	_, err := r.Fetch(context.Background(), deploy.ImageReference{Image: "quay.io/x", Transport: deploy.TransportRegistry})
	require.Error(t, err)
	assert.True(t, deploy.IsKind(err, deploy.KindFetch))
}

func TestCommandFetcherWithoutCommand(t *testing.T) {
	f := image.CommandFetcher{CacheDir: t.TempDir()}
	_, err := f.Fetch(context.Background(), deploy.ImageReference{Image: "quay.io/x", Transport: deploy.TransportRegistry})
	require.Error(t, err)
	assert.True(t, deploy.IsKind(err, deploy.KindFetch))
}

// counterFetchScript unpacks an image whose version is the number of times it has run.
const counterFetchScript = `#!/bin/sh
set -e
n=$(cat "$1" 2>/dev/null || echo 0)
n=$((n + 1))
echo "$n" > "$1"
mkdir -p "$3/rootfs/usr/lib"
echo "VERSION_ID=$n" > "$3/rootfs/usr/lib/os-release"
`

func TestCommandFetcherKeepsFetchedContentAcrossInspect(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fetch.sh")
	require.NoError(t, os.WriteFile(script, []byte(counterFetchScript), 0o755))
	cache := filepath.Join(dir, "cache")
	f := image.CommandFetcher{Command: script, Args: []string{filepath.Join(dir, "count")}, CacheDir: cache}
	ref := deploy.ImageReference{Image: "quay.io/example/os:v1", Transport: deploy.TransportRegistry}

	content, err := f.Fetch(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "1", content.Version)
	assert.Equal(t, ref, content.Reference)

	m, err := f.Inspect(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "2", m.Version)

	data, err := fs.ReadFile(content.Root, "usr/lib/os-release")
	require.NoError(t, err)
	assert.Equal(t, "VERSION_ID=1\n", string(data))

	entries, err := os.ReadDir(cache)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "inspect removes its own copy")

	require.NoError(t, content.Release())
	entries, err = os.ReadDir(cache)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
