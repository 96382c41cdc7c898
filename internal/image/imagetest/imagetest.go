// Package imagetest provides in-memory images and a fake fetcher for tests of packages that consume
// image content.
package imagetest

import (
	"context"
	"strings"
	"sync"
	"testing/fstest"
	"time"

	"github.com/hostimage/hostctl/internal/deploy"
	"github.com/hostimage/hostctl/internal/image"
)

// Options describe a synthetic bootable image.
type Options struct {
	// Version is written to usr/lib/os-release and reported by the fetcher.
	Version string
	// Kernel is the kernel version; its vmlinuz content is derived from it. Empty omits the kernel.
	Kernel string
	// Initrd overrides the initramfs content. Empty derives it from Kernel.
	Initrd string
	// Policy, when set, ships an SELinux targeted policy with this content.
	Policy string
	// Files adds arbitrary files.
	Files map[string]string
	// Kargs are written to usr/lib/bootc/kargs.d/10-image.toml.
	Kargs []string
	// Addons are add-on names written under usr/lib/bootc/addons.
	Addons []string
}

// New builds an image root filesystem.
func New(opts Options) fstest.MapFS {
	fsys := fstest.MapFS{
		"usr/bin/sh":          {Data: []byte("#!shell"), Mode: 0o755},
		"usr/lib/os-release":  {Data: []byte("ID=test\nVERSION_ID=" + opts.Version + "\n")},
		"usr/share/image/ver": {Data: []byte(opts.Version)},
		"etc/os-release":      {Data: []byte("ID=test\n")},
		"etc/hostname":        {Data: []byte("localhost\n")},
	}
	if opts.Kernel != "" {
		dir := image.ModulesDir + "/" + opts.Kernel + "/"
		fsys[dir+"vmlinuz"] = &fstest.MapFile{Data: []byte("kernel " + opts.Kernel)}
		initrd := opts.Initrd
		if initrd == "" {
			initrd = "initrd " + opts.Kernel
		}
		fsys[dir+"initramfs.img"] = &fstest.MapFile{Data: []byte(initrd)}
	}
	if opts.Policy != "" {
		fsys["etc/selinux/config"] = &fstest.MapFile{Data: []byte("SELINUX=enforcing\nSELINUXTYPE=targeted\n")}
		fsys["etc/selinux/targeted/policy/policy.33"] = &fstest.MapFile{Data: []byte(opts.Policy)}
	}
	if len(opts.Kargs) > 0 {
		toml := "kargs = ["
		for i, k := range opts.Kargs {
			if i > 0 {
				toml += ", "
			}
			toml += `"` + k + `"`
		}
		toml += "]\n"
		fsys["usr/lib/bootc/kargs.d/10-image.toml"] = &fstest.MapFile{Data: []byte(toml)}
	}
	for _, a := range opts.Addons {
		fsys[image.AddonsDir+"/"+a] = &fstest.MapFile{Data: []byte("addon " + a)}
	}
	for name, content := range opts.Files {
		fsys[name] = &fstest.MapFile{Data: []byte(content), Mode: 0o644}
	}
	return fsys
}

// Fetcher serves registered in-memory images. It is safe for concurrent use.
type Fetcher struct {
	mu     sync.Mutex
	images map[string]fstest.MapFS
	errs   map[string]error
	// Block, when non-nil, makes Fetch wait on it or on context cancellation.
	Block chan struct{}
	// Fetches counts Fetch calls.
	Fetches int
	// Inspects counts Inspect calls.
	Inspects int
}

// NewFetcher returns an empty fake fetcher.
func NewFetcher() *Fetcher {
	return &Fetcher{images: map[string]fstest.MapFS{}, errs: map[string]error{}}
}

// Add registers fsys under the image name.
func (f *Fetcher) Add(name string, fsys fstest.MapFS) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[name] = fsys
}

// Fail makes every request for name return err.
func (f *Fetcher) Fail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[name] = err
}

// Inspect implements image.Fetcher.
func (f *Fetcher) Inspect(ctx context.Context, ref deploy.ImageReference) (image.Manifest, error) {
	f.mu.Lock()
	f.Inspects++
	f.mu.Unlock()
	c, err := f.resolve(ctx, ref)
	if err != nil {
		return image.Manifest{}, err
	}
	return c.Manifest, nil
}

// Fetch implements image.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, ref deploy.ImageReference) (image.Content, error) {
	f.mu.Lock()
	f.Fetches++
	block := f.Block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return image.Content{}, deploy.Wrap(deploy.KindFetch, "fetch image", ctx.Err())
		}
	}
	return f.resolve(ctx, ref)
}

func (f *Fetcher) resolve(ctx context.Context, ref deploy.ImageReference) (image.Content, error) {
	f.mu.Lock()
	fsys, ok := f.images[stripPin(ref.Image)]
	failure := f.errs[stripPin(ref.Image)]
	f.mu.Unlock()
	if failure != nil {
		return image.Content{}, failure
	}
	if !ok {
		return image.Content{}, deploy.Errorf(deploy.KindFetch, "fetch image", "image %s not found", ref.Image)
	}
	digest, err := image.TreeDigest(ctx, fsys)
	if err != nil {
		return image.Content{}, deploy.Wrap(deploy.KindFetch, "fetch image", err)
	}
	if err := image.VerifyPinned(ref, digest); err != nil {
		return image.Content{}, err
	}
	version := ""
	if v, ok := fsys["usr/share/image/ver"]; ok {
		version = string(v.Data)
	}
	return image.Content{
		Manifest: image.Manifest{
			Digest:    digest,
			Version:   version,
			Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Reference: ref,
		Root:      fsys,
	}, nil
}

func stripPin(name string) string {
	if i := strings.LastIndex(name, "@"); i >= 0 {
		return name[:i]
	}
	return name
}
