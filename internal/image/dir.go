package image

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hostimage/hostctl/internal/deploy"
)

const (
	// MetadataFile is the optional image metadata document of a dir transport image.
	MetadataFile = "image.yaml"
	// RootfsDir holds the root filesystem of a dir transport image. A directory without it is used as
	// the root filesystem itself.
	RootfsDir = "rootfs"

	osReleasePath = "usr/lib/os-release"
)

// Metadata is the image.yaml document of a dir transport image.
type Metadata struct {
	Version string            `yaml:"version"`
	Created time.Time         `yaml:"created"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// DirFetcher serves images unpacked into local directories ("dir:" transport).
type DirFetcher struct{}

// Inspect implements Fetcher.
func (DirFetcher) Inspect(ctx context.Context, ref deploy.ImageReference) (Manifest, error) {
	c, err := DirFetcher{}.Fetch(ctx, ref)
	if err != nil {
		return Manifest{}, err
	}
	return c.Manifest, nil
}

// Fetch implements Fetcher.
func (DirFetcher) Fetch(ctx context.Context, ref deploy.ImageReference) (Content, error) {
	dir := stripDigest(ref.Image)
	info, err := os.Stat(dir)
	if err != nil {
		return Content{}, deploy.Errorf(deploy.KindFetch, "fetch image", "open %s: %v", dir, err)
	}
	if !info.IsDir() {
		return Content{}, deploy.Errorf(deploy.KindFetch, "fetch image", "%s is not a directory", dir)
	}

	meta, err := readMetadata(dir)
	if err != nil {
		return Content{}, err
	}
	rootDir := filepath.Join(dir, RootfsDir)
	if st, err := os.Stat(rootDir); err != nil || !st.IsDir() {
		rootDir = dir
	}
	root := os.DirFS(rootDir)

	digest, err := TreeDigest(ctx, root)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Content{}, deploy.Wrap(deploy.KindFetch, "fetch image", ctxErr)
		}
		return Content{}, deploy.Wrap(deploy.KindFetch, "fetch image", err)
	}
	if err := VerifyPinned(ref, digest); err != nil {
		return Content{}, err
	}

	version := meta.Version
	if version == "" {
		version = osReleaseVersion(root)
	}
	created := meta.Created
	if created.IsZero() {
		created = info.ModTime().UTC()
	}
	return Content{
		Manifest:  Manifest{Digest: digest, Version: version, Timestamp: created},
		Reference: ref,
		Root:      root,
	}, nil
}

func stripDigest(image string) string {
	if i := strings.LastIndex(image, "@"); i >= 0 {
		return image[:i]
	}
	return image
}

func readMetadata(dir string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, nil
		}
		return meta, deploy.Errorf(deploy.KindFetch, "fetch image", "read %s: %v", MetadataFile, err)
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return meta, deploy.Errorf(deploy.KindValidation, "fetch image", "decode %s: %v", MetadataFile, err)
	}
	return meta, nil
}

// osReleaseVersion reads VERSION_ID (or VERSION) from the image os-release file.
func osReleaseVersion(root fs.FS) string {
	data, err := fs.ReadFile(root, osReleasePath)
	if err != nil {
		return ""
	}
	vars, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	if v := vars["VERSION_ID"]; v != "" {
		return v
	}
	return vars["VERSION"]
}

// WriteMetadata writes an image.yaml next to an unpacked rootfs. Used by install tooling and tests.
func WriteMetadata(dir string, meta Metadata) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode image metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), data, 0o644); err != nil {
		return fmt.Errorf("write image metadata: %w", err)
	}
	return nil
}
