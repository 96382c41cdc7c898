// Package deploy defines the deployment data model shared by the store, the backends and the
// transition engine: stateroots, deployments, the boot order and the desired host spec.
package deploy

import (
	"fmt"
	"strings"
	"time"
)

// Backend names a storage engine. A single system never mixes backends.
type Backend string

const (
	// BackendOstree is the content-addressed commit store with hard-linked checkouts.
	BackendOstree Backend = "ostree"
	// BackendComposefs is the sealed, digest-verified image backend.
	BackendComposefs Backend = "composefs"
)

// ParseBackend validates a backend name.
func ParseBackend(value string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(value))) {
	case "", BackendOstree:
		return BackendOstree, nil
	case BackendComposefs:
		return BackendComposefs, nil
	default:
		return "", Errorf(KindConfig, "parse backend", "unknown backend %q", value)
	}
}

// Transport describes how an image reference is resolved by the fetch collaborator.
type Transport string

const (
	TransportRegistry          Transport = "registry"
	TransportOCI               Transport = "oci"
	TransportOCIArchive        Transport = "oci-archive"
	TransportContainersStorage Transport = "containers-storage"
	TransportDir               Transport = "dir"
)

var knownTransports = map[Transport]struct{}{
	TransportRegistry:          {},
	TransportOCI:               {},
	TransportOCIArchive:        {},
	TransportContainersStorage: {},
	TransportDir:               {},
}

// ImageReference names a container image and the transport used to fetch it.
type ImageReference struct {
	// Image is the transport-specific reference (e.g. "quay.io/org/os:latest" or a directory path).
	Image string `yaml:"image" json:"image"`
	// Transport selects the fetch mechanism.
	Transport Transport `yaml:"transport" json:"transport"`
}

// NewImageReference validates image and transport. An empty transport means registry.
func NewImageReference(image, transport string) (ImageReference, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return ImageReference{}, Errorf(KindConfig, "image reference", "image is empty")
	}
	t := Transport(strings.ToLower(strings.TrimSpace(transport)))
	if t == "" {
		t = TransportRegistry
	}
	if _, ok := knownTransports[t]; !ok {
		return ImageReference{}, Errorf(KindConfig, "image reference", "unknown transport %q", transport)
	}
	return ImageReference{Image: image, Transport: t}, nil
}

// String renders the reference as transport:image.
func (r ImageReference) String() string {
	if r.Transport == "" {
		return r.Image
	}
	return string(r.Transport) + ":" + r.Image
}

// IsZero reports whether the reference is unset.
func (r ImageReference) IsZero() bool {
	return r.Image == ""
}

// PinnedDigest returns the digest when the reference is pinned with "@sha256:...".
func (r ImageReference) PinnedDigest() string {
	if i := strings.LastIndex(r.Image, "@"); i >= 0 {
		return r.Image[i+1:]
	}
	return ""
}

// SoftRebootMode controls whether apply may use a soft reboot.
type SoftRebootMode string

const (
	// SoftRebootDisabled always performs a full reboot.
	SoftRebootDisabled SoftRebootMode = ""
	// SoftRebootAuto soft-reboots when possible and silently falls back to a full reboot.
	SoftRebootAuto SoftRebootMode = "auto"
	// SoftRebootRequired fails the apply when a soft reboot is not possible.
	SoftRebootRequired SoftRebootMode = "required"
)

// ParseSoftRebootMode validates a --soft-reboot value.
func ParseSoftRebootMode(value string) (SoftRebootMode, error) {
	switch v := strings.ToLower(strings.TrimSpace(value)); v {
	case "", "disabled", "never", "no":
		return SoftRebootDisabled, nil
	case string(SoftRebootAuto):
		return SoftRebootAuto, nil
	case string(SoftRebootRequired):
		return SoftRebootRequired, nil
	default:
		return SoftRebootDisabled, Errorf(KindConfig, "parse soft-reboot mode", "unknown soft-reboot mode %q", value)
	}
}

// SoftRebootCapability is the tri-state result of comparing two deployments.
type SoftRebootCapability string

const (
	SoftRebootCapable              SoftRebootCapability = "capable"
	SoftRebootIncapableMismatch    SoftRebootCapability = "incapable-mismatch"
	SoftRebootIncapableUnsupported SoftRebootCapability = "incapable-unsupported"
)

// BootOrderMode is the desired boot order recorded in the host spec.
type BootOrderMode string

const (
	BootOrderDefault  BootOrderMode = "default"
	BootOrderRollback BootOrderMode = "rollback"
)

// Toggle returns the opposite mode.
func (m BootOrderMode) Toggle() BootOrderMode {
	if m == BootOrderRollback {
		return BootOrderDefault
	}
	return BootOrderRollback
}

// DeploymentID identifies a deployment as <stateroot>/<checksum>.<serial>.
type DeploymentID string

// NewDeploymentID builds the identifier for (stateroot, checksum, serial).
func NewDeploymentID(stateroot, checksum string, serial int) DeploymentID {
	return DeploymentID(fmt.Sprintf("%s/%s.%d", stateroot, checksum, serial))
}

// BootIdentity fingerprints the parts of a deployment that the running kernel depends on.
// Empty fields mean the backend could not determine them.
type BootIdentity struct {
	// KernelVersion is the directory name under usr/lib/modules.
	KernelVersion string `yaml:"kernelVersion,omitempty" json:"kernelVersion,omitempty"`
	// Kernel is the sha256 digest of the kernel image.
	Kernel string `yaml:"kernel,omitempty" json:"kernel,omitempty"`
	// Initrd is the sha256 digest of the initramfs.
	Initrd string `yaml:"initrd,omitempty" json:"initrd,omitempty"`
	// Policy is the sha256 digest of the compiled security policy, if any.
	Policy string `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// Stateroot is a named persistent identity owning one /etc lineage and one /var.
type Stateroot struct {
	Name      string    `yaml:"name"`
	CreatedAt time.Time `yaml:"createdAt"`
}

// Deployment is a versioned bootable unit within a stateroot.
type Deployment struct {
	// Stateroot owns the deployment's /etc lineage and /var.
	Stateroot string `yaml:"stateroot"`
	// Checksum is the content checksum of the image root filesystem.
	Checksum string `yaml:"checksum"`
	// Serial disambiguates repeated deployments of the same checksum within a stateroot.
	Serial int `yaml:"serial"`
	// Backend is the storage engine that created the deployment.
	Backend Backend `yaml:"backend"`
	// Handle is the backend content handle: an ostree commit id or a sealed image digest.
	Handle string `yaml:"handle"`
	// Image is the reference the deployment was created from.
	Image ImageReference `yaml:"image"`
	// ImageDigest is the manifest digest reported by the fetch collaborator.
	ImageDigest string `yaml:"imageDigest"`
	// Version is the image version label, if any.
	Version string `yaml:"version,omitempty"`
	// Timestamp is the image creation time.
	Timestamp time.Time `yaml:"timestamp"`
	// Kargs is the resolved kernel argument list.
	Kargs []string `yaml:"kargs,omitempty"`
	// Boot fingerprints kernel, initrd and policy for soft-reboot decisions.
	Boot BootIdentity `yaml:"boot"`
	// Pinned excludes the deployment from pruning.
	Pinned bool `yaml:"pinned,omitempty"`
	// Addons lists auxiliary boot-time add-ons (composefs only).
	Addons []string `yaml:"addons,omitempty"`
	// EtcMode records how /etc is provided (merged, image, overlay, transient).
	EtcMode string `yaml:"etcMode,omitempty"`
	// CreatedAt is when the deployment was registered.
	CreatedAt time.Time `yaml:"createdAt"`
}

// ID returns the deployment identifier.
func (d Deployment) ID() DeploymentID {
	return NewDeploymentID(d.Stateroot, d.Checksum, d.Serial)
}

// Clone returns a deep copy.
func (d Deployment) Clone() Deployment {
	out := d
	out.Kargs = append([]string(nil), d.Kargs...)
	out.Addons = append([]string(nil), d.Addons...)
	return out
}

// HostSpec is the desired state of the host, edited through apply-full-spec.
type HostSpec struct {
	// Image is the desired upgrade target.
	Image *ImageReference `yaml:"image,omitempty" json:"image,omitempty"`
	// BootOrder is the desired boot order relative to the last apply.
	BootOrder BootOrderMode `yaml:"bootOrder,omitempty" json:"bootOrder,omitempty"`
	// Kargs are explicit kernel arguments retained across upgrades.
	Kargs []string `yaml:"kargs,omitempty" json:"kargs,omitempty"`
	// Policy carries host-wide policy flags.
	Policy HostPolicy `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// HostPolicy holds policy flags of the host spec.
type HostPolicy struct {
	// SoftReboot is the default soft-reboot mode for apply.
	SoftReboot SoftRebootMode `yaml:"softReboot,omitempty" json:"softReboot,omitempty"`
}

// Clone returns a deep copy.
func (s HostSpec) Clone() HostSpec {
	out := s
	if s.Image != nil {
		img := *s.Image
		out.Image = &img
	}
	out.Kargs = append([]string(nil), s.Kargs...)
	return out
}

// Equal reports whether two specs describe the same desired state.
func (s HostSpec) Equal(other HostSpec) bool {
	if (s.Image == nil) != (other.Image == nil) {
		return false
	}
	if s.Image != nil && *s.Image != *other.Image {
		return false
	}
	if s.normalizedBootOrder() != other.normalizedBootOrder() || s.Policy != other.Policy {
		return false
	}
	if len(s.Kargs) != len(other.Kargs) {
		return false
	}
	for i := range s.Kargs {
		if s.Kargs[i] != other.Kargs[i] {
			return false
		}
	}
	return true
}

func (s HostSpec) normalizedBootOrder() BootOrderMode {
	if s.BootOrder == "" {
		return BootOrderDefault
	}
	return s.BootOrder
}
