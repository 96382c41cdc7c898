package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/logging"
)

func TestCompareBoot(t *testing.T) {
	base := deploy.BootIdentity{KernelVersion: "6.1.0", Kernel: "sha256:k", Initrd: "sha256:i", Policy: "sha256:p"}
	cases := []struct {
		name      string
		candidate func(deploy.BootIdentity) deploy.BootIdentity
		want      deploy.SoftRebootCapability
	}{
		{"identical", func(b deploy.BootIdentity) deploy.BootIdentity { return b }, deploy.SoftRebootCapable},
		{"kernel", func(b deploy.BootIdentity) deploy.BootIdentity { b.Kernel = "sha256:k2"; return b }, deploy.SoftRebootIncapableMismatch},
		{"initrd", func(b deploy.BootIdentity) deploy.BootIdentity { b.Initrd = "sha256:i2"; return b }, deploy.SoftRebootIncapableMismatch},
		{"policy", func(b deploy.BootIdentity) deploy.BootIdentity { b.Policy = ""; return b }, deploy.SoftRebootIncapableMismatch},
		{"no kernel", func(b deploy.BootIdentity) deploy.BootIdentity { return deploy.BootIdentity{} }, deploy.SoftRebootIncapableUnsupported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CompareBoot(tc.candidate(base), base))
		})
	}
}

func TestLayoutPaths(t *testing.T) {
	l := Layout{Root: "/sysroot"}
	d := deploy.Deployment{Stateroot: "default", Checksum: "abc", Serial: 2}
	assert.Equal(t, "/sysroot/deploy/default/var", l.VarDir("default"))
	assert.Equal(t, "/sysroot/deploy/default/deploy/abc.2", l.DeploymentDir(d))
	assert.Equal(t, "/deploy/default/deploy/abc.2", l.BootPath(d))
}

func TestStageRemovesLeftovers(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	require.NoError(t, l.InitStateroot("default"))
	d := deploy.Deployment{Stateroot: "default", Checksum: "abc", Serial: 0}
	require.NoError(t, os.MkdirAll(filepath.Join(l.DeploymentDir(d)+partialSuffix, "junk"), 0o755))

	tmp, err := l.Stage(d)
	require.NoError(t, err)
	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, l.LinkVar(tmp))
	require.NoError(t, l.Publish(tmp, d))
	assert.DirExists(t, l.DeploymentDir(d))
	assert.NoDirExists(t, tmp)
}

func TestPruneDeploymentsKeepsListed(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	ctx := context.Background()
	require.NoError(t, l.InitStateroot("default"))
	require.NoError(t, l.InitStateroot("foo"))
	keep := deploy.Deployment{Stateroot: "default", Checksum: "a", Serial: 0}
	drop := deploy.Deployment{Stateroot: "foo", Checksum: "b", Serial: 0}
	for _, d := range []deploy.Deployment{keep, drop} {
		require.NoError(t, os.MkdirAll(l.DeploymentDir(d), 0o755))
	}

	report := l.PruneDeployments(ctx, []deploy.Deployment{keep}, logging.Discard())
	assert.Empty(t, report.Errors)
	assert.Equal(t, []string{"foo/b.0"}, report.Deployments)
	assert.DirExists(t, l.DeploymentDir(keep))
	assert.DirExists(t, l.VarDir("foo"))
}

func TestMaterializeCopiesSubtree(t *testing.T) {
	fsys := fstest.MapFS{
		"etc/hostname":      {Data: []byte("h\n")},
		"etc/ssh/sshd.conf": {Data: []byte("x"), Mode: 0o600},
		"etc/localtime":     {Data: []byte("../usr/share/zoneinfo/UTC"), Mode: os.ModeSymlink},
		"usr/bin/sh":        {Data: []byte("sh")},
	}
	dest := filepath.Join(t.TempDir(), "etc")
	require.NoError(t, Materialize(context.Background(), fsys, "etc", dest))

	data, err := os.ReadFile(filepath.Join(dest, "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "h\n", string(data))

	info, err := os.Stat(filepath.Join(dest, "ssh", "sshd.conf"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	link, err := os.Readlink(filepath.Join(dest, "localtime"))
	require.NoError(t, err)
	assert.Equal(t, "../usr/share/zoneinfo/UTC", link)
	assert.NoFileExists(t, filepath.Join(dest, "sh"))
}

func TestMaterializeMissingSubtree(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "etc")
	require.NoError(t, Materialize(context.Background(), fstest.MapFS{}, "etc", dest))
	assert.DirExists(t, dest)
}

func TestRemoveTreeHandlesReadOnlyDirs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "d")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ro", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ro", "sub", "f"), []byte("x"), 0o644))
	require.NoError(t, os.Chmod(filepath.Join(dir, "ro"), 0o555))
	require.NoError(t, RemoveTree(dir))
	assert.NoDirExists(t, dir)
}
