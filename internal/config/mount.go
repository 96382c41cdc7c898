package config

import (
	"errors"
	"io/fs"

	"github.com/BurntSushi/toml"

	"github.com/hostimage/hostctl/internal/deploy"
)

// MountDescriptorPath is the image-provided root/etc/var mount descriptor.
const MountDescriptorPath = "usr/lib/bootc/setup-root.toml"

// MountMode selects how a directory is provided at first boot.
type MountMode string

const (
	MountNone      MountMode = "none"
	MountBind      MountMode = "bind"
	MountOverlay   MountMode = "overlay"
	MountTransient MountMode = "transient"
)

func parseMountMode(field, value string) (MountMode, error) {
	switch MountMode(value) {
	case "":
		return MountNone, nil
	case MountNone, MountBind, MountOverlay, MountTransient:
		return MountMode(value), nil
	default:
		return "", deploy.Errorf(deploy.KindConfig, "parse mount descriptor", "%s.mount: unknown mode %q", field, value)
	}
}

// MountSpec is the decoded mount descriptor. The [root] table is accepted but belongs to the initramfs;
// nothing is prepared for it at deployment time.
type MountSpec struct {
	Etc MountMode
	Var MountMode
}

type mountFile struct {
	Root struct {
		Transient bool `toml:"transient"`
	} `toml:"root"`
	Etc struct {
		Mount string `toml:"mount"`
	} `toml:"etc"`
	Var struct {
		Mount string `toml:"mount"`
	} `toml:"var"`
}

// LoadMountSpec reads the mount descriptor of an image. A missing descriptor yields all-none.
func LoadMountSpec(image fs.FS) (MountSpec, error) {
	data, err := fs.ReadFile(image, MountDescriptorPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return MountSpec{Etc: MountNone, Var: MountNone}, nil
		}
		return MountSpec{}, deploy.Errorf(deploy.KindConfig, "load mount descriptor", "%v", err)
	}
	return ParseMountSpec(data)
}

// ParseMountSpec decodes a mount descriptor. Malformed content and unknown keys are configuration
// errors.
func ParseMountSpec(data []byte) (MountSpec, error) {
	var f mountFile
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return MountSpec{}, deploy.Errorf(deploy.KindConfig, "parse mount descriptor", "%v", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return MountSpec{}, deploy.Errorf(deploy.KindConfig, "parse mount descriptor", "unknown key %s", undecoded[0].String())
	}
	etc, err := parseMountMode("etc", f.Etc.Mount)
	if err != nil {
		return MountSpec{}, err
	}
	v, err := parseMountMode("var", f.Var.Mount)
	if err != nil {
		return MountSpec{}, err
	}
	return MountSpec{Etc: etc, Var: v}, nil
}

// EtcMode maps the descriptor to the /etc mode recorded on composefs deployments: "image" when /etc
// is a copy of the image, otherwise the overlay flavour.
func (m MountSpec) EtcMode() string {
	switch m.Etc {
	case MountOverlay:
		return "overlay"
	case MountTransient:
		return "transient"
	default:
		return "image"
	}
}
