package kargs

import (
	"sort"
	"strings"
)

// RootPrefixes are the keys carried from the current deployment when a flow inherits root kargs.
var RootPrefixes = []string{"root=", "rootflags=", "rd."}

// Inputs are the sources of a kernel argument computation. Precedence is positional and runs in field
// order: Inherited, Image, Admin, Explicit.
type Inputs struct {
	// Inherited holds arguments carried over from the current deployment (see FilterRoot).
	Inherited []string
	// Image holds fragments shipped in the image, usr/lib/bootc/kargs.d.
	Image []DropIn
	// Admin holds fragments from the administrator directory, /etc/bootc/kargs.d.
	Admin []DropIn
	// Explicit holds retained host spec kargs followed by --karg flags.
	Explicit []string
	// Arch selects which architecture-restricted fragments apply. Empty means HostArch().
	Arch string
}

// Merge computes the kernel argument list. Sources are concatenated in precedence order; an exact
// duplicate (same key modulo dash/underscore and same value) keeps only its last occurrence. Different
// values for one key are all retained in order, so the kernel's last-wins rule gives the highest tier
// precedence. Merge is deterministic and idempotent: merging its own output as Inherited with the same
// remaining inputs returns the same list.
func Merge(in Inputs) []string {
	arch := in.Arch
	if arch == "" {
		arch = HostArch()
	}
	var all Cmdline
	all = append(all, ParseAll(in.Inherited)...)
	all = append(all, fragments(in.Image, arch)...)
	all = append(all, fragments(in.Admin, arch)...)
	all = append(all, ParseAll(in.Explicit)...)
	return dedupKeepLast(all).Strings()
}

func fragments(dropIns []DropIn, arch string) Cmdline {
	sorted := append([]DropIn(nil), dropIns...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	var out Cmdline
	for _, d := range sorted {
		if !d.Applies(arch) {
			continue
		}
		out = append(out, ParseAll(d.Kargs)...)
	}
	return out
}

func dedupKeepLast(params Cmdline) Cmdline {
	keep := make([]bool, len(params))
	for i := range params {
		keep[i] = true
		for j := i + 1; j < len(params); j++ {
			if params[i].Equal(params[j]) {
				keep[i] = false
				break
			}
		}
	}
	out := make(Cmdline, 0, len(params))
	for i, p := range params {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

// FilterRoot returns the arguments of current that describe how to find the root filesystem.
func FilterRoot(current []string) []string {
	var out []string
	for _, p := range ParseAll(current) {
		if isRootParam(p) {
			out = append(out, p.Raw)
		}
	}
	return out
}

func isRootParam(p Param) bool {
	key := p.NormalizedKey()
	for _, prefix := range RootPrefixes {
		if name, ok := strings.CutSuffix(prefix, "="); ok {
			if key == name && p.HasValue {
				return true
			}
			continue
		}
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return true
		}
	}
	return false
}

// Remove drops every argument of list equal to one of the arguments in remove.
func Remove(list []string, remove []string) []string {
	drop := ParseAll(remove)
	var out []string
	for _, p := range ParseAll(list) {
		matched := false
		for _, r := range drop {
			if p.Equal(r) {
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, p.Raw)
		}
	}
	return out
}
