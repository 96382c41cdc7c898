package status

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/logging"
	"github.com/hostimage/hostctl/internal/store"
)

func deployment(image, checksum string, boot deploy.BootIdentity) deploy.Deployment {
	return deploy.Deployment{
		Stateroot:   "default",
		Checksum:    checksum,
		Backend:     deploy.BackendOstree,
		Handle:      checksum,
		Image:       deploy.ImageReference{Image: image, Transport: deploy.TransportRegistry},
		ImageDigest: "sha256:" + checksum,
		Version:     checksum,
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Kargs:       []string{"root=UUID=abcd", "rw"},
		Boot:        boot,
	}
}

func sampleRecord() deploy.Record {
	kernelA := deploy.BootIdentity{KernelVersion: "6.1.0", Kernel: "sha256:k1", Initrd: "sha256:i1"}
	kernelB := deploy.BootIdentity{KernelVersion: "6.2.0", Kernel: "sha256:k2", Initrd: "sha256:i2"}

	booted := deployment("image:v1", "aaa", kernelA)
	rollback := deployment("image:v0", "bbb", kernelB)
	staged := deployment("image:v2", "ccc", kernelA)
	old := deployment("image:old", "ddd", kernelB)
	old.Pinned = true

	rec := deploy.Record{
		Generation: 7,
		Backend:    deploy.BackendOstree,
		Spec: deploy.HostSpec{
			Image:     &deploy.ImageReference{Image: "image:v2", Transport: deploy.TransportRegistry},
			BootOrder: deploy.BootOrderDefault,
		},
		Stateroots: []deploy.Stateroot{{Name: "default"}},
	}
	for _, d := range []deploy.Deployment{booted, rollback, staged, old} {
		rec.AddDeployment(d)
	}
	rec.BootOrder = []deploy.DeploymentID{booted.ID(), rollback.ID(), old.ID()}
	rec.Staged = staged.ID()
	return rec
}

func TestBuildGroupsDeploymentsByRole(t *testing.T) {
	host := Build(sampleRecord(), Options{})

	assert.Equal(t, APIVersion, host.APIVersion)
	assert.Equal(t, Kind, host.Kind)
	assert.Equal(t, uint64(7), host.Metadata.Generation)
	require.NotNil(t, host.Spec.Image)
	assert.Equal(t, "image:v2", host.Spec.Image.Image)

	require.NotNil(t, host.Status.Booted)
	require.NotNil(t, host.Status.Staged)
	require.NotNil(t, host.Status.Rollback)
	assert.Equal(t, "image:v1", host.Status.Booted.Image.Image)
	assert.Equal(t, "image:v2", host.Status.Staged.Image.Image)
	assert.Equal(t, "image:v0", host.Status.Rollback.Image.Image)
	require.Len(t, host.Status.OtherDeployments, 1)
	assert.True(t, host.Status.OtherDeployments[0].Pinned)

	require.NotNil(t, host.Status.Booted.Ostree)
	assert.Equal(t, "default", host.Status.Booted.Ostree.Stateroot)
	assert.Equal(t, "aaa", host.Status.Booted.Ostree.Checksum)
	assert.Nil(t, host.Status.Booted.Composefs)
	assert.False(t, host.Status.RollbackQueued)
}

func TestBuildSoftRebootCapability(t *testing.T) {
	host := Build(sampleRecord(), Options{})

	assert.False(t, host.Status.Booted.SoftRebootCapable, "the booted deployment is never a soft reboot target")
	assert.True(t, host.Status.Staged.SoftRebootCapable, "same kernel and initrd")
	assert.False(t, host.Status.Rollback.SoftRebootCapable, "different kernel")
}

func TestBuildBootedOnly(t *testing.T) {
	host := Build(sampleRecord(), Options{BootedOnly: true})

	require.NotNil(t, host.Status.Booted)
	assert.Nil(t, host.Status.Staged)
	assert.Nil(t, host.Status.Rollback)
	assert.Empty(t, host.Status.OtherDeployments)
}

func TestBuildComposefsEntry(t *testing.T) {
	d := deployment("image:v1", "aaa", deploy.BootIdentity{})
	d.Backend = deploy.BackendComposefs
	d.Handle = "sha256:sealed"
	d.Addons = []string{"debug.addon"}
	rec := deploy.Record{Backend: deploy.BackendComposefs, Stateroots: []deploy.Stateroot{{Name: "default"}}}
	rec.AddDeployment(d)
	rec.BootOrder = []deploy.DeploymentID{d.ID()}

	host := Build(rec, Options{})

	require.NotNil(t, host.Status.Booted.Composefs)
	assert.Equal(t, "sha256:sealed", host.Status.Booted.Composefs.Digest)
	assert.Equal(t, []string{"debug.addon"}, host.Status.Booted.Composefs.Addons)
	assert.Nil(t, host.Status.Booted.Ostree)
}

func TestBuildRollbackQueued(t *testing.T) {
	rec := sampleRecord()
	rec.Spec.BootOrder = deploy.BootOrderRollback

	host := Build(rec, Options{})

	assert.True(t, host.Status.RollbackQueued)
	assert.Equal(t, deploy.BootOrderRollback, host.Spec.BootOrder)
}

func TestBuildEmptyRecord(t *testing.T) {
	host := Build(deploy.Record{}, Options{})

	assert.Nil(t, host.Status.Booted)
	assert.Equal(t, deploy.BootOrderDefault, host.Spec.BootOrder)

	var out bytes.Buffer
	require.NoError(t, Render(&out, host, FormatHumanReadable))
	assert.Contains(t, out.String(), "not deployed")
}

func TestRenderFormats(t *testing.T) {
	host := Build(sampleRecord(), Options{})

	t.Run("yaml", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, Render(&out, host, FormatYAML))

		var doc map[string]any
		require.NoError(t, yaml.Unmarshal(out.Bytes(), &doc))
		assert.Equal(t, APIVersion, doc["apiVersion"])
		st := doc["status"].(map[string]any)
		staged := st["staged"].(map[string]any)
		assert.Equal(t, "image:v2", staged["image"].(map[string]any)["image"])
		assert.Equal(t, true, staged["softRebootCapable"])
	})

	t.Run("json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, Render(&out, host, FormatJSON))

		var doc struct {
			Status struct {
				Booted struct {
					Image       deploy.ImageReference `json:"image"`
					ImageDigest string                `json:"imageDigest"`
					Ostree      OstreeStatus          `json:"ostree"`
				} `json:"booted"`
			} `json:"status"`
		}
		require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
		assert.Equal(t, "image:v1", doc.Status.Booted.Image.Image)
		assert.Equal(t, deploy.TransportRegistry, doc.Status.Booted.Image.Transport)
		assert.Equal(t, "sha256:aaa", doc.Status.Booted.ImageDigest)
		assert.Equal(t, "aaa", doc.Status.Booted.Ostree.Checksum)
	})

	t.Run("humanreadable", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, Render(&out, host, FormatHumanReadable))
		text := out.String()
		assert.Contains(t, text, "Staged image:")
		assert.Contains(t, text, "Booted image:")
		assert.Contains(t, text, "Rollback image:")
		assert.Contains(t, text, "registry:image:v1")
	})
}

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "", want: FormatYAML},
		{in: "YAML", want: FormatYAML},
		{in: "json", want: FormatJSON},
		{in: "humanreadable", want: FormatHumanReadable},
		{in: "xml", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseFormat(tc.in)
		if tc.wantErr {
			assert.True(t, deploy.IsKind(err, deploy.KindConfig), tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func commit(t *testing.T, st *store.Store, rec deploy.Record) {
	t.Helper()
	_, err := st.Update(context.Background(), store.LockOptions{}, func(next *deploy.Record) error {
		gen := next.Generation
		*next = rec.Clone()
		next.Generation = gen
		return nil
	})
	require.NoError(t, err)
}

func TestReporterReadsCurrentGeneration(t *testing.T) {
	st, err := store.Open(t.TempDir(), logging.Discard())
	require.NoError(t, err)
	reporter := New(st, logging.Discard())

	host, err := reporter.Status(context.Background(), Options{})
	require.NoError(t, err)
	assert.Nil(t, host.Status.Booted)

	commit(t, st, sampleRecord())

	host, err = reporter.Status(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), host.Metadata.Generation)
	require.NotNil(t, host.Status.Booted)
	assert.Equal(t, "image:v1", host.Status.Booted.Image.Image)
}

func TestWatchReportsCommits(t *testing.T) {
	st, err := store.Open(t.TempDir(), logging.Discard())
	require.NoError(t, err)
	reporter := New(st, logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seen := make(chan uint64, 8)
	done := make(chan error, 1)
	go func() {
		done <- reporter.Watch(ctx, Options{}, func(h Host) error {
			seen <- h.Metadata.Generation
			return nil
		})
	}()

	require.Equal(t, uint64(0), <-seen)

	rec := sampleRecord()
	commit(t, st, rec)
	select {
	case gen := <-seen:
		assert.Equal(t, uint64(1), gen)
	case <-ctx.Done():
		t.Fatal("watch did not report the first commit")
	}

	commit(t, st, rec)
	select {
	case gen := <-seen:
		assert.Equal(t, uint64(2), gen)
	case <-ctx.Done():
		t.Fatal("watch did not report the second commit")
	}

	cancel()
	require.NoError(t, <-done)
}
