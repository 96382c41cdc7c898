package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostimage/hostctl/internal/backend"
	"github.com/hostimage/hostctl/internal/backend/composefs"
	"github.com/hostimage/hostctl/internal/backend/ostree"
	"github.com/hostimage/hostctl/internal/bootloader"
	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/image/imagetest"
	"github.com/hostimage/hostctl/internal/logging"
	"github.com/hostimage/hostctl/internal/metrics"
	"github.com/hostimage/hostctl/internal/reboot"
	"github.com/hostimage/hostctl/internal/store"
)

const (
	imageV1 = "quay.io/example/os:v1"
	imageV2 = "quay.io/example/os:v2"
	imageV3 = "quay.io/example/os:v3"
)

type fixture struct {
	t        *testing.T
	sysroot  string
	store    *store.Store
	backend  backend.Backend
	fetcher  *imagetest.Fetcher
	rebooter *reboot.Recorder
	boot     *bootloader.Writer
	metrics  *metrics.Recorder
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sysroot := t.TempDir()
	return newFixtureWith(t, sysroot, ostree.New(sysroot, logging.Discard()), Options{})
}

func newFixtureWith(t *testing.T, sysroot string, b backend.Backend, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(sysroot, logging.Discard())
	require.NoError(t, err)

	fetcher := imagetest.NewFetcher()
	fetcher.Add(imageV1, imagetest.New(imagetest.Options{Version: "1", Kernel: "6.1.0", Kargs: []string{"console=ttyS0"}}))
	fetcher.Add(imageV2, imagetest.New(imagetest.Options{Version: "2", Kernel: "6.1.0", Kargs: []string{"console=ttyS0"}}))
	fetcher.Add(imageV3, imagetest.New(imagetest.Options{Version: "3", Kernel: "6.2.0", Kargs: []string{"console=ttyS0"}}))

	f := &fixture{
		t:        t,
		sysroot:  sysroot,
		store:    st,
		backend:  b,
		fetcher:  fetcher,
		rebooter: &reboot.Recorder{},
		boot:     bootloader.NewWriter(sysroot, logging.Discard()),
		metrics:  metrics.New(),
	}
	if opts.KargsImageDir == "" {
		opts.KargsImageDir = "usr/lib/bootc/kargs.d"
	}
	if opts.Arch == "" {
		opts.Arch = "x86_64"
	}
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = time.Minute
	}
	opts.AutoPrune = true
	f.engine = New(Deps{
		Store:    st,
		Backend:  b,
		Fetcher:  fetcher,
		Boot:     f.boot,
		Rebooter: f.rebooter,
		Metrics:  f.metrics,
		Logger:   logging.Discard(),
	}, opts)
	return f
}

func ref(name string) deploy.ImageReference {
	return deploy.ImageReference{Image: name, Transport: deploy.TransportRegistry}
}

func (f *fixture) install(name string) deploy.Record {
	f.t.Helper()
	res, err := f.engine.Install(context.Background(), InstallOptions{
		Image:     ref(name),
		RootKargs: []string{"root=UUID=abcd", "rw"},
	})
	require.NoError(f.t, err)
	return res.Record
}

func (f *fixture) snapshot() deploy.Record {
	f.t.Helper()
	rec, err := f.store.Snapshot(context.Background())
	require.NoError(f.t, err)
	return rec
}

func (f *fixture) booted() deploy.Deployment {
	f.t.Helper()
	d, ok := f.snapshot().Booted()
	require.True(f.t, ok, "no booted deployment")
	return d
}

type rebootFunc func(ctx context.Context, soft bool) error

func (fn rebootFunc) Reboot(ctx context.Context, soft bool) error {
	return fn(ctx, soft)
}

type failingCommit struct {
	txn
}

func (failingCommit) Commit(context.Context, deploy.Record) (deploy.Record, error) {
	return deploy.Record{}, deploy.Errorf(deploy.KindBackend, "commit record", "no space left on device")
}

func TestInstallCreatesFirstDeployment(t *testing.T) {
	f := newFixture(t)
	rec := f.install(imageV1)

	require.Len(t, rec.Deployments, 1)
	booted, ok := rec.Booted()
	require.True(t, ok)
	assert.Equal(t, DefaultStateroot, booted.Stateroot)
	assert.Equal(t, deploy.BackendOstree, rec.Backend)
	assert.Equal(t, []string{"root=UUID=abcd", "console=ttyS0", "rw"}, booted.Kargs)
	assert.Equal(t, []string{"rw"}, rec.Spec.Kargs)
	require.NotNil(t, rec.Spec.Image)
	assert.Equal(t, imageV1, rec.Spec.Image.Image)
	assert.NotEmpty(t, rec.Transaction)
	assert.DirExists(t, f.backend.DeploymentRoot(booted))

	entries, err := f.boot.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = f.engine.Install(context.Background(), InstallOptions{Image: ref(imageV1)})
	assert.True(t, deploy.IsKind(err, deploy.KindPrecondition))
}

func TestInstallHonoursImageConfig(t *testing.T) {
	f := newFixture(t)
	fsys := imagetest.New(imagetest.Options{Version: "1", Kernel: "6.1.0"})
	fsys["usr/lib/bootc/install/00-base.toml"] = &fstest.MapFile{Data: []byte("[install]\nstateroot = \"fedora\"\nkargs = [\"audit=0\"]\nblock = [\"direct\"]\n")}
	f.fetcher.Add("quay.io/example/configured", fsys)

	_, err := f.engine.Install(context.Background(), InstallOptions{Image: ref("quay.io/example/configured"), Block: "tpm2-luks"})
	require.True(t, deploy.IsKind(err, deploy.KindPrecondition), "got %v", err)
	assert.True(t, f.snapshot().IsEmpty())

	res, err := f.engine.Install(context.Background(), InstallOptions{Image: ref("quay.io/example/configured"), Block: "direct"})
	require.NoError(t, err)
	booted, _ := res.Record.Booted()
	assert.Equal(t, "fedora", booted.Stateroot)
	assert.Contains(t, booted.Kargs, "audit=0")
}

func TestSwitchRetainThenApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1 := f.install(imageV1).BootedID()

	res, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV2), Retain: true})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.Rebooted)

	rec := f.snapshot()
	staged, ok := rec.StagedDeployment()
	require.True(t, ok)
	assert.Equal(t, "2", staged.Version)
	assert.Equal(t, v1, rec.BootedID())
	assert.Equal(t, imageV2, rec.Spec.Image.Image)
	assert.Equal(t, deploy.HostPolicy{}, rec.Spec.Policy)
	booted, _ := rec.Booted()
	assert.True(t, booted.Pinned)

	res, err = f.engine.Apply(ctx, ApplyOptions{})
	require.NoError(t, err)
	assert.True(t, res.Rebooted)
	assert.Equal(t, []bool{false}, f.rebooter.Calls)

	rec = f.snapshot()
	assert.Equal(t, []deploy.DeploymentID{staged.ID(), v1}, rec.BootOrder)
	assert.Empty(t, rec.Staged)
	assert.Equal(t, deploy.BootOrderDefault, rec.Spec.BootOrder)
}

func TestApplyCommitsBeforeReboot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.install(imageV1)
	res, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV2)})
	require.NoError(t, err)
	staged := res.Deployment

	var bootedAtReboot deploy.DeploymentID
	var entriesAtReboot []string
	f.engine.rebooter = rebootFunc(func(ctx context.Context, soft bool) error {
		rec, err := f.store.Snapshot(ctx)
		if err != nil {
			return err
		}
		bootedAtReboot = rec.BootedID()
		entriesAtReboot, err = f.boot.List()
		return err
	})

	_, err = f.engine.Apply(ctx, ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, staged, bootedAtReboot)
	assert.Len(t, entriesAtReboot, 2)
}

func TestRetainPinsOnlyForItsSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1 := f.install(imageV1).BootedID()
	f.fetcher.Add("quay.io/example/os:v4", imagetest.New(imagetest.Options{Version: "4", Kernel: "6.1.0", Kargs: []string{"console=ttyS0"}}))

	res, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV2), Retain: true, Apply: true})
	require.NoError(t, err)
	v2 := res.Deployment
	res, err = f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV3), Apply: true})
	require.NoError(t, err)
	v3 := res.Deployment

	rec := f.snapshot()
	assert.Equal(t, []deploy.DeploymentID{v3, v2, v1}, rec.BootOrder)
	d, _ := rec.Find(v2)
	assert.False(t, d.Pinned, "a later switch without retain pins nothing")
	assert.Equal(t, deploy.HostPolicy{}, rec.Spec.Policy)

	_, err = f.engine.Switch(ctx, SwitchOptions{Image: ref("quay.io/example/os:v4"), Apply: true})
	require.NoError(t, err)
	rec = f.snapshot()
	_, ok := rec.Find(v2)
	assert.False(t, ok, "the unpinned rollback is pruned")
	d, ok = rec.Find(v1)
	require.True(t, ok)
	assert.True(t, d.Pinned)
	d, _ = rec.Find(v3)
	assert.False(t, d.Pinned)
}

func TestFailedBootEntriesWriteLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.install(imageV1)
	_, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV2)})
	require.NoError(t, err)
	before := f.snapshot()

	require.NoError(t, os.RemoveAll(f.boot.Dir()))
	require.NoError(t, os.WriteFile(f.boot.Dir(), nil, 0o644))

	_, err = f.engine.Apply(ctx, ApplyOptions{})
	require.Error(t, err)
	assert.True(t, deploy.IsKind(err, deploy.KindBackend), "got %v", err)
	assert.Empty(t, f.rebooter.Calls)

	after := f.snapshot()
	assert.Equal(t, before.Generation, after.Generation)
	assert.Equal(t, before.BootOrder, after.BootOrder)
	assert.Equal(t, before.BootedID(), after.BootedID())
	assert.Equal(t, before.Staged, after.Staged)
}

func TestFailedCommitRestoresBootEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.install(imageV1)
	_, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV3)})
	require.NoError(t, err)
	before, err := f.boot.List()
	require.NoError(t, err)
	require.Len(t, before, 1)
	entry, err := os.ReadFile(filepath.Join(f.boot.Dir(), before[0]))
	require.NoError(t, err)

	begin := f.engine.begin
	f.engine.begin = func(ctx context.Context, opts store.LockOptions) (txn, error) {
		tx, err := begin(ctx, opts)
		if err != nil {
			return nil, err
		}
		return failingCommit{tx}, nil
	}
	_, err = f.engine.Apply(ctx, ApplyOptions{})
	require.Error(t, err)
	assert.Empty(t, f.rebooter.Calls)

	after, err := f.boot.List()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	restored, err := os.ReadFile(filepath.Join(f.boot.Dir(), after[0]))
	require.NoError(t, err)
	assert.Equal(t, string(entry), string(restored))
}

func TestApplyWithoutStagedFails(t *testing.T) {
	f := newFixture(t)
	f.install(imageV1)
	gen := f.snapshot().Generation

	_, err := f.engine.Apply(context.Background(), ApplyOptions{})
	assert.True(t, deploy.IsKind(err, deploy.KindPrecondition))
	assert.Empty(t, f.rebooter.Calls)
	assert.Equal(t, gen, f.snapshot().Generation)
}

func TestSoftRebootModes(t *testing.T) {
	ctx := context.Background()

	t.Run("required and capable", func(t *testing.T) {
		f := newFixture(t)
		f.install(imageV1)
		_, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV2), Apply: true, SoftReboot: deploy.SoftRebootRequired})
		require.NoError(t, err)
		assert.Equal(t, []bool{true}, f.rebooter.Calls)
	})

	t.Run("required with new kernel", func(t *testing.T) {
		f := newFixture(t)
		f.install(imageV1)
		_, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV3)})
		require.NoError(t, err)
		before := f.snapshot()

		_, err = f.engine.Apply(ctx, ApplyOptions{SoftReboot: deploy.SoftRebootRequired})
		require.True(t, deploy.IsKind(err, deploy.KindPrecondition), "got %v", err)
		assert.Empty(t, f.rebooter.Calls)
		after := f.snapshot()
		assert.Equal(t, before.Generation, after.Generation)
		assert.Equal(t, before.Staged, after.Staged)
	})

	t.Run("auto falls back", func(t *testing.T) {
		f := newFixture(t)
		f.install(imageV1)
		_, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV3), Apply: true, SoftReboot: deploy.SoftRebootAuto})
		require.NoError(t, err)
		assert.Equal(t, []bool{false}, f.rebooter.Calls)
	})
}

func TestRollbackIsSelfInverse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.install(imageV1)
	_, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV2), Apply: true})
	require.NoError(t, err)
	_, err = f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV3)})
	require.NoError(t, err)
	original := f.snapshot()
	require.NotEmpty(t, original.Staged)

	_, err = f.engine.Rollback(ctx, RollbackOptions{})
	require.NoError(t, err)
	rolled := f.snapshot()
	assert.Equal(t, []deploy.DeploymentID{original.BootOrder[1], original.BootOrder[0]}, rolled.BootOrder)
	assert.Empty(t, rolled.Staged)
	assert.Equal(t, deploy.BootOrderRollback, rolled.Spec.BootOrder)

	_, err = f.engine.Rollback(ctx, RollbackOptions{})
	require.NoError(t, err)
	restored := f.snapshot()
	assert.Equal(t, original.BootOrder, restored.BootOrder)
	assert.Equal(t, deploy.BootOrderDefault, restored.Spec.BootOrder)
	assert.Empty(t, f.rebooter.Calls)
}

func TestRollbackWithoutRollbackDeployment(t *testing.T) {
	f := newFixture(t)
	f.install(imageV1)
	_, err := f.engine.Rollback(context.Background(), RollbackOptions{Apply: true})
	assert.True(t, deploy.IsKind(err, deploy.KindPrecondition))
	assert.Empty(t, f.rebooter.Calls)
}

func TestFailedCommitLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.install(imageV1)
	before := f.snapshot()

	begin := f.engine.begin
	f.engine.begin = func(ctx context.Context, opts store.LockOptions) (txn, error) {
		tx, err := begin(ctx, opts)
		if err != nil {
			return nil, err
		}
		return failingCommit{tx}, nil
	}
	_, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV2)})
	require.Error(t, err)
	assert.True(t, deploy.IsKind(err, deploy.KindBackend))

	after := f.snapshot()
	assert.Equal(t, before.Generation, after.Generation)
	assert.Equal(t, before.BootOrder, after.BootOrder)
	assert.Empty(t, after.Staged)
	assert.Len(t, after.Deployments, 1)

	orphans, err := os.ReadDir(filepath.Join(f.sysroot, "deploy", "default", "deploy"))
	require.NoError(t, err)
	assert.Len(t, orphans, 2, "created content stays on disk unreferenced")

	f.engine.begin = begin
	res, err := f.engine.Cleanup(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Pruned.Deployments, 1)
	remaining, err := os.ReadDir(filepath.Join(f.sysroot, "deploy", "default", "deploy"))
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
	assert.DirExists(t, f.backend.DeploymentRoot(f.booted()))
}

func TestResetIsolatesStateroots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.install(imageV1)
	old := f.booted()
	layout := backend.Layout{Root: f.sysroot}
	require.NoError(t, os.WriteFile(filepath.Join(f.backend.DeploymentRoot(old), "etc", "local.conf"), []byte("admin"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(layout.VarDir("default"), "data"), []byte("state"), 0o644))

	res, err := f.engine.Reset(ctx, ResetOptions{Stateroot: "foo", InheritRootKargs: true, Apply: true})
	require.NoError(t, err)
	assert.True(t, res.Rebooted)

	rec := f.snapshot()
	booted, _ := rec.Booted()
	assert.Equal(t, "foo", booted.Stateroot)
	assert.NotEqual(t, old.ID(), booted.ID())
	assert.Equal(t, old.ID(), rec.RollbackID())
	assert.ElementsMatch(t, []string{"default", "foo"}, rec.StaterootNames())
	assert.Equal(t, []string{"root=UUID=abcd", "console=ttyS0"}, booted.Kargs)

	root := f.backend.DeploymentRoot(booted)
	assert.NoFileExists(t, filepath.Join(root, "etc", "local.conf"))
	assert.FileExists(t, filepath.Join(root, "etc", "hostname"))
	assert.NoFileExists(t, filepath.Join(layout.VarDir("foo"), "data"))
	assert.FileExists(t, filepath.Join(layout.VarDir("default"), "data"))
	assert.DirExists(t, f.backend.DeploymentRoot(old))

	_, err = f.engine.Reset(ctx, ResetOptions{Stateroot: "foo"})
	assert.True(t, deploy.IsKind(err, deploy.KindPrecondition))
}

func TestResetWithoutInheritedKargs(t *testing.T) {
	f := newFixture(t)
	f.install(imageV1)
	res, err := f.engine.Reset(context.Background(), ResetOptions{Kargs: []string{"quiet"}})
	require.NoError(t, err)
	booted, ok := res.Record.Booted()
	require.True(t, ok)
	assert.Equal(t, []string{"console=ttyS0", "quiet"}, booted.Kargs)
	assert.Contains(t, booted.Stateroot, "state-")
}

func TestResetWithoutApplyBootsNewStaterootNext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.install(imageV1)
	old := f.booted()

	res, err := f.engine.Reset(ctx, ResetOptions{Stateroot: "foo", InheritRootKargs: true})
	require.NoError(t, err)
	assert.False(t, res.Rebooted)
	assert.Empty(t, f.rebooter.Calls)

	rec := f.snapshot()
	booted, ok := rec.Booted()
	require.True(t, ok)
	assert.Equal(t, "foo", booted.Stateroot)
	assert.Equal(t, res.Deployment, booted.ID())
	assert.Equal(t, old.ID(), rec.RollbackID())
	assert.Empty(t, rec.Staged)
	entries, err := f.boot.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	f.fetcher.Add(imageV1, imagetest.New(imagetest.Options{Version: "1.1", Kernel: "6.1.0", Kargs: []string{"console=ttyS0"}}))
	_, err = f.engine.Upgrade(ctx, UpgradeOptions{})
	require.NoError(t, err)
	rec = f.snapshot()
	assert.Equal(t, booted.ID(), rec.BootedID())
	staged, ok := rec.StagedDeployment()
	require.True(t, ok)
	assert.Equal(t, "foo", staged.Stateroot)
	assert.Equal(t, "1.1", staged.Version)
}

func TestCleanupOfOtherStateroot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.install(imageV1)
	v1 := f.booted()
	_, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV2), Apply: true})
	require.NoError(t, err)
	_, err = f.engine.Reset(ctx, ResetOptions{Stateroot: "foo", Apply: true})
	require.NoError(t, err)

	rec := f.snapshot()
	_, ok := rec.Find(v1.ID())
	require.True(t, ok, "deployments of other stateroots are not pruned automatically")
	assert.Equal(t, []deploy.DeploymentID{v1.ID()}, rec.PruneEligible("default"))

	_, err = f.engine.Cleanup(ctx, CleanupOptions{Stateroot: "nope"})
	require.True(t, deploy.IsKind(err, deploy.KindNotFound))
	assert.Contains(t, err.Error(), "known: default, foo")

	res, err := f.engine.Cleanup(ctx, CleanupOptions{Stateroot: "default"})
	require.NoError(t, err)
	_, ok = res.Record.Find(v1.ID())
	assert.False(t, ok)
	assert.NoDirExists(t, f.backend.DeploymentRoot(v1))
}

func TestAutoPruneReleasesOldRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.install(imageV1)
	v1 := f.booted()
	_, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV2), Apply: true})
	require.NoError(t, err)
	res, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV3), Apply: true})
	require.NoError(t, err)

	rec := f.snapshot()
	assert.Len(t, rec.BootOrder, 2)
	_, ok := rec.Find(v1.ID())
	assert.False(t, ok)
	assert.Contains(t, res.Pruned.Deployments, "default/"+v1.Checksum+".0")
	assert.NoDirExists(t, f.backend.DeploymentRoot(v1))
}

func TestUpgradeCheckDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.install(imageV1)
	gen := f.snapshot().Generation

	check, err := f.engine.CheckUpgrade(ctx)
	require.NoError(t, err)
	assert.False(t, check.Available)

	f.fetcher.Add(imageV1, imagetest.New(imagetest.Options{Version: "1.1", Kernel: "6.1.0", Kargs: []string{"console=ttyS0"}}))
	first, err := f.engine.CheckUpgrade(ctx)
	require.NoError(t, err)
	second, err := f.engine.CheckUpgrade(ctx)
	require.NoError(t, err)
	assert.True(t, first.Available)
	assert.Equal(t, "1.1", first.Version)
	assert.Equal(t, first, second)
	assert.Equal(t, gen, f.snapshot().Generation)

	res, err := f.engine.Upgrade(ctx, UpgradeOptions{})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	check, err = f.engine.CheckUpgrade(ctx)
	require.NoError(t, err)
	assert.True(t, check.Staged)
	assert.False(t, check.Available)

	staged := f.snapshot()
	res, err = f.engine.Upgrade(ctx, UpgradeOptions{})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, staged.Generation, f.snapshot().Generation)
}

func TestUpgradeOfBootedImageIsNoop(t *testing.T) {
	f := newFixture(t)
	f.install(imageV1)
	gen := f.snapshot().Generation

	res, err := f.engine.Upgrade(context.Background(), UpgradeOptions{Apply: true})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.False(t, res.Rebooted)
	assert.Equal(t, gen, f.snapshot().Generation)
}

func TestCancelledFetchLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.install(imageV1)
	before := f.snapshot()
	f.fetcher.Block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV2), Apply: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	after := f.snapshot()
	assert.Equal(t, before.Generation, after.Generation)
	entries, err := os.ReadDir(filepath.Join(f.sysroot, "deploy", "default", "deploy"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Empty(t, f.rebooter.Calls)
}

func TestConcurrentMutatorFailsFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.install(imageV1)

	lock, err := f.store.Lock(ctx, store.LockOptions{Owner: "test"})
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	_, err = f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV2)})
	assert.True(t, deploy.IsLockError(err), "got %v", err)
	assert.Zero(t, f.fetcher.Fetches, "no content is fetched without the lock")

	f.engine.opts.LockWait = true
	f.engine.opts.LockTimeout = 200 * time.Millisecond
	_, err = f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV2)})
	assert.True(t, deploy.IsLockError(err), "got %v", err)
}

func TestStatusReadsDuringMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.install(imageV1)
	v1 := f.booted().ID()

	done := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				rec, err := f.store.Snapshot(ctx)
				if err != nil {
					errs <- err
					return
				}
				if err := rec.Validate(); err != nil {
					errs <- err
					return
				}
				if rec.BootedID() != v1 {
					errs <- errors.New("booted deployment changed during staging")
					return
				}
			}
		}()
	}
	_, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV2)})
	close(done)
	wg.Wait()
	close(errs)
	require.NoError(t, err)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestEditAllowsOnlyImageAndBootOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.install(imageV1)
	spec := f.snapshot().Spec

	withKargs := spec.Clone()
	withKargs.Kargs = append(withKargs.Kargs, "quiet")
	_, err := f.engine.Edit(ctx, withKargs)
	assert.True(t, deploy.IsKind(err, deploy.KindPrecondition))

	unchanged, err := f.engine.Edit(ctx, spec)
	require.NoError(t, err)
	assert.False(t, unchanged.Changed)

	newImage := spec.Clone()
	target := ref(imageV2)
	newImage.Image = &target
	res, err := f.engine.Edit(ctx, newImage)
	require.NoError(t, err)
	staged, ok := res.Record.StagedDeployment()
	require.True(t, ok)
	assert.Equal(t, "2", staged.Version)

	_, err = f.engine.Apply(ctx, ApplyOptions{})
	require.NoError(t, err)
	rollback := f.snapshot().Spec.Clone()
	rollback.BootOrder = deploy.BootOrderRollback
	res, err = f.engine.Edit(ctx, rollback)
	require.NoError(t, err)
	booted, _ := res.Record.Booted()
	assert.Equal(t, "1", booted.Version)
	assert.Equal(t, deploy.BootOrderRollback, res.Record.Spec.BootOrder)
}

func TestBackendMismatchIsRefused(t *testing.T) {
	sysroot := t.TempDir()
	cfs := newFixtureWith(t, sysroot, composefs.New(sysroot, composefs.Options{}, logging.Discard()), Options{})
	cfs.install(imageV1)

	ost := newFixtureWith(t, sysroot, ostree.New(sysroot, logging.Discard()), Options{})
	_, err := ost.engine.Switch(context.Background(), SwitchOptions{Image: ref(imageV2)})
	assert.True(t, deploy.IsKind(err, deploy.KindPrecondition), "got %v", err)
}

func TestComposefsLifecycle(t *testing.T) {
	sysroot := t.TempDir()
	f := newFixtureWith(t, sysroot, composefs.New(sysroot, composefs.Options{RequireVerity: true}, logging.Discard()), Options{})
	ctx := context.Background()
	f.install(imageV1)

	_, err := f.engine.Switch(ctx, SwitchOptions{Image: ref(imageV2), Apply: true, SoftReboot: deploy.SoftRebootAuto})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, f.rebooter.Calls)

	booted := f.booted()
	assert.Equal(t, deploy.BackendComposefs, booted.Backend)
	entries, err := f.boot.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	data, err := os.ReadFile(filepath.Join(f.boot.Dir(), entries[0]))
	require.NoError(t, err)
	assert.Contains(t, string(data), "composefs=")
}

func TestMetricsTextfileIsWritten(t *testing.T) {
	sysroot := t.TempDir()
	dir := filepath.Join(t.TempDir(), "textfile")
	f := newFixtureWith(t, sysroot, ostree.New(sysroot, logging.Discard()), Options{MetricsDir: dir})
	f.install(imageV1)

	data, err := os.ReadFile(filepath.Join(dir, metrics.TextfileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `hostctl_operations_total{operation="install",result="success"} 1`)
	assert.Contains(t, string(data), `hostctl_deployments{role="booted"} 1`)
}

func TestSetupDiskReportsMountedRoot(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "mnt")
	require.NoError(t, os.Mkdir(root, 0o755))
	script := filepath.Join(dir, "setup.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"partitioning $2\"\necho "+root+"\n"), 0o755))

	got, err := SetupDisk(context.Background(), DiskOptions{Command: script, Device: "/dev/vda", Filesystem: "xfs"}, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, root, got)

	_, err = SetupDisk(context.Background(), DiskOptions{Device: "/dev/vda"}, logging.Discard())
	assert.True(t, deploy.IsKind(err, deploy.KindConfig))
}
