// Package image is the fetch collaborator: it resolves image references to a manifest (digest,
// version, timestamp) and to the image root filesystem.
package image

import (
	"context"
	"io/fs"
	"time"

	"github.com/hostimage/hostctl/internal/deploy"
)

// Manifest describes an image without materializing its content.
type Manifest struct {
	// Digest is the image digest, "sha256:<hex>".
	Digest string
	// Version is the image version label, if any.
	Version string
	// Timestamp is the image creation time.
	Timestamp time.Time
}

// Checksum returns the hex part of the digest; it keys deployments in the store.
func (m Manifest) Checksum() string {
	_, hex, ok := cutDigest(m.Digest)
	if !ok {
		return m.Digest
	}
	return hex
}

// Content is a fetched image.
type Content struct {
	Manifest
	// Reference is the reference the content was fetched from.
	Reference deploy.ImageReference
	// Root is the image root filesystem.
	Root fs.FS

	release func() error
}

// Release drops the temporary copy backing Root, if any. Root must not be used afterwards.
func (c Content) Release() error {
	if c.release == nil {
		return nil
	}
	return c.release()
}

// Fetcher pulls images. Implementations must honour context cancellation and return errors of kind
// fetch or validation.
type Fetcher interface {
	// Inspect resolves ref to its manifest.
	Inspect(ctx context.Context, ref deploy.ImageReference) (Manifest, error)
	// Fetch resolves ref and returns its content.
	Fetch(ctx context.Context, ref deploy.ImageReference) (Content, error)
}

// Router dispatches to a Fetcher per transport.
type Router map[deploy.Transport]Fetcher

// Inspect implements Fetcher.
func (r Router) Inspect(ctx context.Context, ref deploy.ImageReference) (Manifest, error) {
	f, err := r.lookup(ref)
	if err != nil {
		return Manifest{}, err
	}
	return f.Inspect(ctx, ref)
}

// Fetch implements Fetcher.
func (r Router) Fetch(ctx context.Context, ref deploy.ImageReference) (Content, error) {
	f, err := r.lookup(ref)
	if err != nil {
		return Content{}, err
	}
	return f.Fetch(ctx, ref)
}

func (r Router) lookup(ref deploy.ImageReference) (Fetcher, error) {
	transport := ref.Transport
	if transport == "" {
		transport = deploy.TransportRegistry
	}
	f, ok := r[transport]
	if !ok || f == nil {
		return nil, deploy.Errorf(deploy.KindFetch, "fetch image", "no fetcher configured for transport %q", transport)
	}
	return f, nil
}

// VerifyPinned fails with a validation error when ref pins a digest that differs from digest.
func VerifyPinned(ref deploy.ImageReference, digest string) error {
	pinned := ref.PinnedDigest()
	if pinned == "" || pinned == digest {
		return nil
	}
	return deploy.Errorf(deploy.KindValidation, "verify image", "image %s resolved to %s, pinned digest is %s", ref.Image, digest, pinned)
}
