package kargs

import (
	"errors"
	"io/fs"
	"path"
	"runtime"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/hostimage/hostctl/internal/deploy"
)

const dropInSuffix = ".toml"

// DropIn is one kernel argument fragment.
type DropIn struct {
	// Name is the file name; fragments are applied in lexical order of Name.
	Name string
	// Kargs lists the arguments contributed by the fragment.
	Kargs []string
	// MatchArchitectures restricts the fragment to the listed architectures. Empty matches all.
	MatchArchitectures []string
}

type dropInFile struct {
	Kargs              []string `toml:"kargs"`
	MatchArchitectures []string `toml:"match-architectures"`
}

// Applies reports whether the fragment is active on arch.
func (d DropIn) Applies(arch string) bool {
	if len(d.MatchArchitectures) == 0 {
		return true
	}
	for _, a := range d.MatchArchitectures {
		if a == arch {
			return true
		}
	}
	return false
}

// ParseDropIn decodes one fragment. Unknown keys and malformed TOML are configuration errors.
func ParseDropIn(name string, data []byte) (DropIn, error) {
	var raw dropInFile
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return DropIn{}, deploy.Errorf(deploy.KindConfig, "parse kargs drop-in", "%s: %v", name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return DropIn{}, deploy.Errorf(deploy.KindConfig, "parse kargs drop-in", "%s: unknown keys %s", name, strings.Join(keys, ", "))
	}
	for _, k := range raw.Kargs {
		if strings.TrimSpace(k) == "" {
			return DropIn{}, deploy.Errorf(deploy.KindConfig, "parse kargs drop-in", "%s: empty kernel argument", name)
		}
	}
	return DropIn{Name: name, Kargs: raw.Kargs, MatchArchitectures: raw.MatchArchitectures}, nil
}

// LoadDir reads every *.toml fragment in dir of fsys, sorted by file name. A missing directory yields
// no fragments.
func LoadDir(fsys fs.FS, dir string) ([]DropIn, error) {
	dir = strings.TrimPrefix(path.Clean("/"+dir), "/")
	if dir == "" {
		dir = "."
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, deploy.Errorf(deploy.KindConfig, "load kargs drop-ins", "read %s: %v", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []DropIn
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), dropInSuffix) {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, deploy.Errorf(deploy.KindConfig, "load kargs drop-ins", "read %s: %v", e.Name(), err)
		}
		d, err := ParseDropIn(e.Name(), data)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// HostArch maps the Go architecture to the name used by match-architectures.
func HostArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i686"
	case "ppc64le":
		return "ppc64le"
	default:
		return runtime.GOARCH
	}
}
