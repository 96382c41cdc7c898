package image

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/hostimage/hostctl/internal/deploy"
)

const (
	// ModulesDir holds one directory per kernel version with vmlinuz and initramfs.img.
	ModulesDir = "usr/lib/modules"
	// AddonsDir holds auxiliary boot-time add-ons.
	AddonsDir = "usr/lib/bootc/addons"

	kernelFile    = "vmlinuz"
	initrdFile    = "initramfs.img"
	addonSuffix   = ".addon"
	selinuxConfig = "etc/selinux/config"
	selinuxDir    = "etc/selinux"
)

// BootFiles locates the kernel and initramfs inside an image root.
type BootFiles struct {
	KernelVersion string
	// Kernel and Initrd are paths relative to the image root. Initrd is empty when the image ships
	// none.
	Kernel string
	Initrd string
}

// FindBootFiles returns the boot files of the single kernel in fsys. It returns false when the image
// contains no kernel; more than one kernel is a validation error.
func FindBootFiles(fsys fs.FS) (BootFiles, bool, error) {
	entries, err := fs.ReadDir(fsys, ModulesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return BootFiles{}, false, nil
		}
		return BootFiles{}, false, fmt.Errorf("read %s: %w", ModulesDir, err)
	}
	var found []BootFiles
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		kernel := path.Join(ModulesDir, e.Name(), kernelFile)
		if _, err := fs.Stat(fsys, kernel); err != nil {
			continue
		}
		bf := BootFiles{KernelVersion: e.Name(), Kernel: kernel}
		initrd := path.Join(ModulesDir, e.Name(), initrdFile)
		if _, err := fs.Stat(fsys, initrd); err == nil {
			bf.Initrd = initrd
		}
		found = append(found, bf)
	}
	switch len(found) {
	case 0:
		return BootFiles{}, false, nil
	case 1:
		return found[0], true, nil
	default:
		versions := make([]string, 0, len(found))
		for _, bf := range found {
			versions = append(versions, bf.KernelVersion)
		}
		return BootFiles{}, false, deploy.Errorf(deploy.KindValidation, "find kernel", "image ships multiple kernels: %s", strings.Join(versions, ", "))
	}
}

// Identity fingerprints the kernel, initramfs and compiled security policy of an image.
func Identity(fsys fs.FS) (deploy.BootIdentity, error) {
	var id deploy.BootIdentity
	bf, ok, err := FindBootFiles(fsys)
	if err != nil {
		return id, err
	}
	if ok {
		id.KernelVersion = bf.KernelVersion
		if id.Kernel, err = fileDigest(fsys, bf.Kernel); err != nil {
			return id, err
		}
		if bf.Initrd != "" {
			if id.Initrd, err = fileDigest(fsys, bf.Initrd); err != nil {
				return id, err
			}
		}
	}
	policy, err := policyFile(fsys)
	if err != nil {
		return id, err
	}
	if policy != "" {
		if id.Policy, err = fileDigest(fsys, policy); err != nil {
			return id, err
		}
	}
	return id, nil
}

func fileDigest(fsys fs.FS, name string) (string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()
	d, err := BlobDigest(f)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", name, err)
	}
	return d, nil
}

// policyFile returns the newest compiled policy of the configured SELinux type, or "" if none.
func policyFile(fsys fs.FS) (string, error) {
	data, err := fs.ReadFile(fsys, selinuxConfig)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", selinuxConfig, err)
	}
	vars, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return "", deploy.Errorf(deploy.KindValidation, "read security policy", "parse %s: %v", selinuxConfig, err)
	}
	policyType := vars["SELINUXTYPE"]
	if policyType == "" {
		return "", nil
	}
	dir := path.Join(selinuxDir, policyType, "policy")
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "policy.") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return path.Join(dir, names[len(names)-1]), nil
}

// Addons lists the add-on files shipped in the image, sorted.
func Addons(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, AddonsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", AddonsDir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), addonSuffix) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// KernelPath returns the image-relative kernel path for a kernel version.
func KernelPath(version string) string {
	return path.Join(ModulesDir, version, kernelFile)
}

// InitrdPath returns the image-relative initramfs path for a kernel version.
func InitrdPath(version string) string {
	return path.Join(ModulesDir, version, initrdFile)
}
