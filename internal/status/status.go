// Package status builds the host status document from a store snapshot. It only reads: every call
// resolves the current generation again, so a report never lags behind the boot order on disk.
package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/hostimage/hostctl/internal/backend"
	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/logging"
	"github.com/hostimage/hostctl/internal/store"
)

const (
	// APIVersion is the apiVersion of the status document.
	APIVersion = "org.containers.bootc/v1"
	// Kind is the kind of the status document.
	Kind = "BootcHost"
)

// Host is the status document.
type Host struct {
	APIVersion string     `yaml:"apiVersion" json:"apiVersion"`
	Kind       string     `yaml:"kind" json:"kind"`
	Metadata   Metadata   `yaml:"metadata" json:"metadata"`
	Spec       Spec       `yaml:"spec" json:"spec"`
	Status     HostStatus `yaml:"status" json:"status"`
}

// Metadata identifies the record generation the document was built from.
type Metadata struct {
	Name       string `yaml:"name" json:"name"`
	Generation uint64 `yaml:"generation" json:"generation"`
}

// Spec is the desired state as recorded in the store. It decodes into deploy.HostSpec, so an edited
// status document can be fed back to the edit command.
type Spec struct {
	Image     *deploy.ImageReference `yaml:"image" json:"image"`
	BootOrder deploy.BootOrderMode   `yaml:"bootOrder" json:"bootOrder"`
	Kargs     []string               `yaml:"kargs,omitempty" json:"kargs,omitempty"`
	Policy    deploy.HostPolicy      `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// HostStatus groups deployments by their role in the boot order.
type HostStatus struct {
	Staged           *Entry  `yaml:"staged" json:"staged"`
	Booted           *Entry  `yaml:"booted" json:"booted"`
	Rollback         *Entry  `yaml:"rollback" json:"rollback"`
	OtherDeployments []Entry `yaml:"otherDeployments" json:"otherDeployments"`
	// RollbackQueued is set when the next boot goes to the rollback deployment.
	RollbackQueued bool   `yaml:"rollbackQueued" json:"rollbackQueued"`
	Backend        string `yaml:"backend,omitempty" json:"backend,omitempty"`
}

// Entry describes one deployment.
type Entry struct {
	ID                string                `yaml:"id" json:"id"`
	Image             deploy.ImageReference `yaml:"image" json:"image"`
	ImageDigest       string                `yaml:"imageDigest" json:"imageDigest"`
	Version           string                `yaml:"version,omitempty" json:"version,omitempty"`
	Timestamp         time.Time             `yaml:"timestamp" json:"timestamp"`
	Ostree            *OstreeStatus         `yaml:"ostree,omitempty" json:"ostree,omitempty"`
	Composefs         *ComposefsStatus      `yaml:"composefs,omitempty" json:"composefs,omitempty"`
	SoftRebootCapable bool                  `yaml:"softRebootCapable" json:"softRebootCapable"`
	Pinned            bool                  `yaml:"pinned" json:"pinned"`
	Kargs             []string              `yaml:"kargs,omitempty" json:"kargs,omitempty"`
}

// OstreeStatus carries the ostree backend fields.
type OstreeStatus struct {
	Stateroot    string `yaml:"stateroot" json:"stateroot"`
	Checksum     string `yaml:"checksum" json:"checksum"`
	DeploySerial int    `yaml:"deploySerial" json:"deploySerial"`
}

// ComposefsStatus carries the composefs backend fields.
type ComposefsStatus struct {
	Stateroot string   `yaml:"stateroot" json:"stateroot"`
	Digest    string   `yaml:"digest" json:"digest"`
	Addons    []string `yaml:"addons,omitempty" json:"addons,omitempty"`
}

// Options filter the document.
type Options struct {
	// BootedOnly drops every deployment but the booted one.
	BootedOnly bool
}

// Reporter reads the store and builds status documents.
type Reporter struct {
	store  *store.Store
	logger *slog.Logger
}

// New returns a reporter over st.
func New(st *store.Store, logger *slog.Logger) *Reporter {
	return &Reporter{store: st, logger: logging.OrDiscard(logger)}
}

// Status snapshots the store and builds the document.
func (r *Reporter) Status(ctx context.Context, opts Options) (Host, error) {
	rec, err := r.store.Snapshot(ctx)
	if err != nil {
		return Host{}, deploy.Wrap(deploy.KindBackend, "status", err)
	}
	return Build(rec, opts), nil
}

// Build converts a record into the status document.
func Build(rec deploy.Record, opts Options) Host {
	host := Host{
		APIVersion: APIVersion,
		Kind:       Kind,
		Metadata:   Metadata{Name: "host", Generation: rec.Generation},
		Spec: Spec{
			Image:     rec.Spec.Image,
			BootOrder: bootOrder(rec.Spec.BootOrder),
			Kargs:     rec.Spec.Kargs,
			Policy:    rec.Spec.Policy,
		},
		Status: HostStatus{
			RollbackQueued:   rec.Spec.BootOrder == deploy.BootOrderRollback,
			Backend:          string(rec.Backend),
			OtherDeployments: []Entry{},
		},
	}

	booted, hasBooted := rec.Booted()
	entry := func(d deploy.Deployment) *Entry {
		e := newEntry(d)
		if hasBooted && d.ID() != booted.ID() {
			e.SoftRebootCapable = backend.CompareDeployments(d, booted) == deploy.SoftRebootCapable
		}
		return &e
	}

	if hasBooted {
		host.Status.Booted = entry(booted)
	}
	if opts.BootedOnly {
		return host
	}
	if d, ok := rec.StagedDeployment(); ok {
		host.Status.Staged = entry(d)
	}
	if d, ok := rec.Rollback(); ok {
		host.Status.Rollback = entry(d)
	}
	for _, d := range rec.Others() {
		host.Status.OtherDeployments = append(host.Status.OtherDeployments, *entry(d))
	}
	return host
}

func newEntry(d deploy.Deployment) Entry {
	e := Entry{
		ID:          string(d.ID()),
		Image:       d.Image,
		ImageDigest: d.ImageDigest,
		Version:     d.Version,
		Timestamp:   d.Timestamp,
		Pinned:      d.Pinned,
		Kargs:       d.Kargs,
	}
	switch d.Backend {
	case deploy.BackendComposefs:
		e.Composefs = &ComposefsStatus{Stateroot: d.Stateroot, Digest: d.Handle, Addons: d.Addons}
	default:
		e.Ostree = &OstreeStatus{Stateroot: d.Stateroot, Checksum: d.Checksum, DeploySerial: d.Serial}
	}
	return e
}

func bootOrder(mode deploy.BootOrderMode) deploy.BootOrderMode {
	if mode == "" {
		return deploy.BootOrderDefault
	}
	return mode
}
