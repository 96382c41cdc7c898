package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// DirMode normalizes a directory permission read from an image. Directories stay owner-writable so that
// deployments can be pruned.
func DirMode(perm fs.FileMode) fs.FileMode {
	if perm.Perm() == 0 {
		return 0o755
	}
	return perm.Perm() | 0o700
}

// FileMode normalizes a regular file permission read from an image.
func FileMode(perm fs.FileMode) fs.FileMode {
	if perm.Perm() == 0 {
		return 0o644
	}
	return perm.Perm()
}

// Materialize copies the subtree sub of fsys into dest, which must not exist. Symlinks are recreated
// verbatim. A missing sub yields an empty dest.
func Materialize(ctx context.Context, fsys fs.FS, sub, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	if _, err := fs.Stat(fsys, sub); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return fs.WalkDir(fsys, sub, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := p
		if sub != "." {
			if p == sub {
				return nil
			}
			rel = p[len(sub)+1:]
		} else if p == "." {
			return nil
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := fs.ReadLink(fsys, p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			return os.Mkdir(target, DirMode(info.Mode()))
		case d.Type().IsRegular():
			return CopyFile(fsys, p, target, FileMode(info.Mode()))
		default:
			return nil
		}
	})
}

// CopyDir copies the local directory tree src into dst, which must not exist.
func CopyDir(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			return os.Mkdir(target, info.Mode().Perm())
		case d.Type().IsRegular():
			return copyLocal(p, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

// RemoveTree removes dir and everything below it, including read-only subdirectories.
func RemoveTree(dir string) error {
	err := os.RemoveAll(dir)
	if err == nil || !errors.Is(err, fs.ErrPermission) {
		return err
	}
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr == nil && d.IsDir() {
			_ = os.Chmod(p, 0o700)
		}
		return nil
	})
	return os.RemoveAll(dir)
}

// CopyFile copies one regular file out of fsys into dst, which must not exist.
func CopyFile(fsys fs.FS, name, dst string, mode fs.FileMode) error {
	in, err := fsys.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	return writeFrom(in, dst, mode)
}

func copyLocal(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	return writeFrom(in, dst, mode)
}

func writeFrom(r io.Reader, dst string, mode fs.FileMode) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", path.Base(dst), err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
