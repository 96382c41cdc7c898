package config

import (
	"errors"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/hostimage/hostctl/internal/deploy"
)

// InstallDir holds the install configuration fragments shipped in an image.
const InstallDir = "usr/lib/bootc/install"

// InstallConfig is the merged result of the install fragments.
type InstallConfig struct {
	// RootFSType is the filesystem created for the root partition by install to-disk.
	RootFSType string
	// Kargs accumulate across fragments in file order.
	Kargs []string
	// Block lists the allowed block setups; a later fragment replaces the list.
	Block []string
	// Stateroot names the first stateroot; empty means "default".
	Stateroot string
	// Sources lists the fragments that applied, in order.
	Sources []string
}

type installFile struct {
	Install *installTable `toml:"install"`
}

type installTable struct {
	RootFSType         *string  `toml:"root-fs-type"`
	Kargs              []string `toml:"kargs"`
	Block              []string `toml:"block"`
	Stateroot          *string  `toml:"stateroot"`
	MatchArchitectures []string `toml:"match-architectures"`
}

// parseInstallFragment decodes one fragment. Unknown keys are configuration errors.
func parseInstallFragment(name string, data []byte) (*installTable, error) {
	var f installFile
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, deploy.Errorf(deploy.KindConfig, "parse install config", "%s: %v", name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, deploy.Errorf(deploy.KindConfig, "parse install config", "%s: unknown keys %s", name, strings.Join(keys, ", "))
	}
	return f.Install, nil
}

// LoadInstallConfig merges every *.toml fragment under InstallDir of the image in file name order
// (numeric prefixes sort first). Scalars from a later fragment override earlier ones; kargs accumulate.
// Fragments restricted to other architectures are skipped.
func LoadInstallConfig(image fs.FS, arch string) (InstallConfig, error) {
	var out InstallConfig
	entries, err := fs.ReadDir(image, InstallDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return out, deploy.Errorf(deploy.KindConfig, "load install config", "read %s: %v", InstallDir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		data, err := fs.ReadFile(image, path.Join(InstallDir, e.Name()))
		if err != nil {
			return out, deploy.Errorf(deploy.KindConfig, "load install config", "read %s: %v", e.Name(), err)
		}
		table, err := parseInstallFragment(e.Name(), data)
		if err != nil {
			return out, err
		}
		if table == nil || !matchesArch(table.MatchArchitectures, arch) {
			continue
		}
		if table.RootFSType != nil {
			out.RootFSType = *table.RootFSType
		}
		if table.Stateroot != nil {
			out.Stateroot = *table.Stateroot
		}
		if table.Block != nil {
			out.Block = append([]string(nil), table.Block...)
		}
		out.Kargs = append(out.Kargs, table.Kargs...)
		out.Sources = append(out.Sources, e.Name())
	}
	return out, nil
}

func matchesArch(archs []string, arch string) bool {
	if len(archs) == 0 || arch == "" {
		return true
	}
	for _, a := range archs {
		if a == arch {
			return true
		}
	}
	return false
}
