// Package backend defines the storage-engine contract shared by the ostree-style and composefs-style
// deployment backends, plus the on-disk layout both use for stateroots and deployment directories.
package backend

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/hostimage/hostctl/internal/bootloader"
	"github.com/hostimage/hostctl/internal/config"
	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/image"
)

// Backend creates, verifies and prunes deployment content. A running system uses exactly one backend.
type Backend interface {
	// Kind reports which backend variant this is.
	Kind() deploy.Backend
	// InitStateroot creates the directories of a stateroot, including its persistent /var.
	InitStateroot(ctx context.Context, name string) error
	// CreateDeployment materializes image content as a new deployment. On failure nothing is
	// registered anywhere; partial content is left for Prune.
	CreateDeployment(ctx context.Context, req CreateRequest) (deploy.Deployment, error)
	// Prune removes all content not referenced by keep. Per-item failures are collected in the report
	// rather than aborting the sweep.
	Prune(ctx context.Context, keep []deploy.Deployment) (PruneReport, error)
	// QuerySoftReboot reports whether switching from current to candidate can skip a full reboot.
	QuerySoftReboot(candidate, current deploy.Deployment) deploy.SoftRebootCapability
	// Verify checks that the content backing d is intact.
	Verify(ctx context.Context, d deploy.Deployment) error
	// DeploymentRoot returns the deployment directory of d.
	DeploymentRoot(d deploy.Deployment) string
	// BootEntry describes how the bootloader starts d.
	BootEntry(d deploy.Deployment) bootloader.Entry
}

// CreateRequest describes a deployment to create.
type CreateRequest struct {
	// Stateroot the deployment belongs to; it must have been initialized.
	Stateroot string
	// Serial disambiguates repeated deployments of one checksum within the stateroot.
	Serial int
	// Content is the fetched image.
	Content image.Content
	// Kargs is the merged kernel command line.
	Kargs []string
	// Previous is the deployment whose local /etc changes are carried forward. Nil, or a deployment
	// of another stateroot, starts from the image /etc.
	Previous *deploy.Deployment
	// Mount is the image's mount descriptor.
	Mount config.MountSpec
}

// PruneReport summarizes a prune sweep.
type PruneReport struct {
	// Deployments lists removed deployment directories.
	Deployments []string
	// Content counts removed content items (objects, commits, images, boot files).
	Content int
	// Errors are the failures of individual removals.
	Errors []error
}

// Add merges other into r.
func (r *PruneReport) Add(other PruneReport) {
	r.Deployments = append(r.Deployments, other.Deployments...)
	r.Content += other.Content
	r.Errors = append(r.Errors, other.Errors...)
}

// CompareBoot decides soft-reboot capability from the boot identities of two deployments. Any
// difference in kernel, initramfs or compiled policy forces a full reboot.
func CompareBoot(candidate, current deploy.BootIdentity) deploy.SoftRebootCapability {
	if candidate.Kernel == "" || current.Kernel == "" {
		return deploy.SoftRebootIncapableUnsupported
	}
	if candidate != current {
		return deploy.SoftRebootIncapableMismatch
	}
	return deploy.SoftRebootCapable
}

// CompareDeployments extends CompareBoot with the add-on sets, which are loaded alongside the kernel.
func CompareDeployments(candidate, current deploy.Deployment) deploy.SoftRebootCapability {
	capability := CompareBoot(candidate.Boot, current.Boot)
	if capability == deploy.SoftRebootCapable && !slices.Equal(candidate.Addons, current.Addons) {
		return deploy.SoftRebootIncapableMismatch
	}
	return capability
}

// Describe fills the backend-independent attributes of a deployment created from req.
func Describe(kind deploy.Backend, req CreateRequest) (deploy.Deployment, error) {
	if req.Stateroot == "" {
		return deploy.Deployment{}, deploy.Errorf(deploy.KindPrecondition, "create deployment", "stateroot is empty")
	}
	if !image.ValidDigest(req.Content.Digest) {
		return deploy.Deployment{}, deploy.Errorf(deploy.KindValidation, "create deployment", "invalid image digest %q", req.Content.Digest)
	}
	if req.Content.Root == nil {
		return deploy.Deployment{}, deploy.Errorf(deploy.KindValidation, "create deployment", "image %s has no content", req.Content.Reference)
	}
	boot, err := image.Identity(req.Content.Root)
	if err != nil {
		return deploy.Deployment{}, deploy.Wrap(deploy.KindValidation, "create deployment", err)
	}
	return deploy.Deployment{
		Stateroot:   req.Stateroot,
		Checksum:    req.Content.Checksum(),
		Serial:      req.Serial,
		Backend:     kind,
		Image:       req.Content.Reference,
		ImageDigest: req.Content.Digest,
		Version:     req.Content.Version,
		Timestamp:   req.Content.Timestamp,
		Kargs:       append([]string(nil), req.Kargs...),
		Boot:        boot,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// EntryTitle is the menu label for d.
func EntryTitle(d deploy.Deployment) string {
	var b strings.Builder
	b.WriteString(d.Stateroot)
	if d.Version != "" {
		b.WriteString(" ")
		b.WriteString(d.Version)
	}
	b.WriteString(" (")
	b.WriteString(d.Image.Image)
	b.WriteString(")")
	return b.String()
}
