package composefs

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/hostimage/hostctl/internal/backend"
	"github.com/hostimage/hostctl/internal/deploy"
)

const maxDecoderMemory = 256 * 1024 * 1024

var epoch = time.Unix(0, 0).UTC()

// writeTree serializes fsys as a tar stream in lexical order with normalized metadata, so equal trees
// always produce equal streams.
func writeTree(ctx context.Context, fsys fs.FS, w io.Writer) error {
	tw := tar.NewWriter(w)
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr := &tar.Header{Name: p, ModTime: epoch, Format: tar.FormatPAX}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := fs.ReadLink(fsys, p)
			if err != nil {
				return err
			}
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = target
			hdr.Mode = 0o777
			return tw.WriteHeader(hdr)
		case d.IsDir():
			hdr.Typeflag = tar.TypeDir
			hdr.Name = p + "/"
			hdr.Mode = int64(backend.DirMode(info.Mode()))
			return tw.WriteHeader(hdr)
		case d.Type().IsRegular():
			hdr.Typeflag = tar.TypeReg
			hdr.Mode = int64(backend.FileMode(info.Mode()))
			hdr.Size = info.Size()
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := fsys.Open(p)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			_ = f.Close()
			return err
		default:
			return nil
		}
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// seal writes the compressed image of fsys into dir and returns its digest. The digest covers the
// uncompressed stream, so it does not depend on the compression level.
func seal(ctx context.Context, fsys fs.FS, dir string, level int) (string, string, error) {
	tmp, err := os.CreateTemp(dir, ".seal-*")
	if err != nil {
		return "", "", err
	}
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmp.Name())
		}
	}()

	enc, err := zstd.NewWriter(tmp,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		_ = tmp.Close()
		return "", "", fmt.Errorf("create stream encoder: %w", err)
	}
	h := sha256.New()
	if err := writeTree(ctx, fsys, io.MultiWriter(h, enc)); err != nil {
		_ = enc.Close()
		_ = tmp.Close()
		return "", "", err
	}
	if err := enc.Close(); err != nil {
		_ = tmp.Close()
		return "", "", fmt.Errorf("close encoder: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", "", err
	}
	if err := tmp.Close(); err != nil {
		return "", "", err
	}
	keep = true
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), tmp.Name(), nil
}

func openImage(path string) (*zstd.Decoder, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxDecoderMemory))
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("create stream decoder: %w", err)
	}
	return dec, f, nil
}

// verifyImage recomputes the digest of a sealed image.
func verifyImage(ctx context.Context, path, want string) error {
	dec, f, err := openImage(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return deploy.Errorf(deploy.KindValidation, "verify image", "sealed image %s is missing", want)
		}
		return deploy.Errorf(deploy.KindValidation, "verify image", "sealed image %s is unreadable: %v", want, err)
	}
	defer func() { _ = f.Close() }()
	defer dec.Close()

	h := sha256.New()
	if _, err := io.Copy(h, readerWithContext(ctx, dec)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return deploy.Errorf(deploy.KindValidation, "verify image", "sealed image %s is unreadable: %v", want, err)
	}
	got := "sha256:" + hex.EncodeToString(h.Sum(nil))
	if got != want {
		return deploy.Errorf(deploy.KindValidation, "verify image", "digest mismatch: expected %s, got %s", want, got)
	}
	return nil
}

// readImageFile returns one regular file from a sealed image.
func readImageFile(path, name string) ([]byte, error) {
	dec, f, err := openImage(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	defer dec.Close()

	name = strings.TrimPrefix(filepath.ToSlash(name), "/")
	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
		}
		if err != nil {
			return nil, err
		}
		if hdr.Name == name && hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
