package ostree

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hostimage/hostctl/internal/backend"
	"github.com/hostimage/hostctl/internal/deploy"
)

const (
	objectsDir   = "objects"
	commitsDir   = "commits"
	tmpDir       = "tmp"
	objectSuffix = ".file"
	commitSuffix = ".yaml"
)

type entryType string

const (
	typeFile    entryType = "file"
	typeDir     entryType = "dir"
	typeSymlink entryType = "symlink"
)

// treeEntry is one path of a committed tree.
type treeEntry struct {
	Path   string    `yaml:"path"`
	Type   entryType `yaml:"type"`
	Mode   uint32    `yaml:"mode"`
	Object string    `yaml:"object,omitempty"`
	Target string    `yaml:"target,omitempty"`
}

// commit records an image tree; file content lives in the object store.
type commit struct {
	// Digest is the image digest the commit was written from.
	Digest  string      `yaml:"digest"`
	Entries []treeEntry `yaml:"entries"`
}

func (c commit) objects() []string {
	var out []string
	for _, e := range c.Entries {
		if e.Type == typeFile {
			out = append(out, e.Object)
		}
	}
	return out
}

// repo is a content-addressed object store. Objects are keyed by the digest of their mode and content,
// so identical files in different images share one inode.
type repo struct {
	dir string
}

func (r *repo) init() error {
	for _, d := range []string{objectsDir, commitsDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(r.dir, d), 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) objectPath(obj string) string {
	return filepath.Join(r.dir, objectsDir, obj[:2], obj[2:]+objectSuffix)
}

func (r *repo) commitPath(id string) string {
	return filepath.Join(r.dir, commitsDir, id+commitSuffix)
}

func objectHash(mode fs.FileMode) hash.Hash {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "mode %o\n", uint32(mode.Perm()))
	return h
}

// writeCommit imports fsys into the object store and records its tree. It returns the commit id.
func (r *repo) writeCommit(ctx context.Context, fsys fs.FS, digest string) (string, error) {
	if err := r.init(); err != nil {
		return "", err
	}
	c := commit{Digest: digest}
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
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := fs.ReadLink(fsys, p)
			if err != nil {
				return err
			}
			c.Entries = append(c.Entries, treeEntry{Path: p, Type: typeSymlink, Target: target})
		case d.IsDir():
			c.Entries = append(c.Entries, treeEntry{Path: p, Type: typeDir, Mode: uint32(backend.DirMode(info.Mode()))})
		case d.Type().IsRegular():
			mode := backend.FileMode(info.Mode())
			obj, err := r.writeObject(fsys, p, mode)
			if err != nil {
				return fmt.Errorf("import %s: %w", p, err)
			}
			c.Entries = append(c.Entries, treeEntry{Path: p, Type: typeFile, Mode: uint32(mode), Object: obj})
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode commit: %w", err)
	}
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	if err := writeAtomic(r.commitPath(id), data, filepath.Join(r.dir, tmpDir)); err != nil {
		return "", fmt.Errorf("write commit: %w", err)
	}
	if err := backend.SyncFilesystem(r.dir); err != nil {
		return "", err
	}
	return id, nil
}

func (r *repo) writeObject(fsys fs.FS, name string, mode fs.FileMode) (string, error) {
	in, err := fsys.Open(name)
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Join(r.dir, tmpDir), "object-*")
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	h := objectHash(mode)
	if _, err := io.Copy(io.MultiWriter(tmp, h), in); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	obj := hex.EncodeToString(h.Sum(nil))
	final := r.objectPath(obj)
	if _, err := os.Lstat(final); err == nil {
		return obj, nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", err
	}
	return obj, nil
}

func (r *repo) readCommit(id string) (commit, error) {
	data, err := os.ReadFile(r.commitPath(id))
	if err != nil {
		return commit{}, err
	}
	var c commit
	if err := yaml.Unmarshal(data, &c); err != nil {
		return commit{}, fmt.Errorf("decode commit %s: %w", id, err)
	}
	return c, nil
}

// checkout hard-links the tree of c into dest. The image /etc lands in usr/etc and the image /var is
// skipped; both are provided per deployment by the caller.
func (r *repo) checkout(ctx context.Context, c commit, dest string) error {
	for _, e := range c.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, ok := checkoutPath(e.Path)
		if !ok {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		switch e.Type {
		case typeDir:
			if err := os.Mkdir(target, fs.FileMode(e.Mode)); err != nil {
				if !errors.Is(err, fs.ErrExist) {
					return err
				}
				if err := os.Chmod(target, fs.FileMode(e.Mode)); err != nil {
					return err
				}
			}
		case typeSymlink:
			if err := os.Symlink(e.Target, target); err != nil {
				return err
			}
		case typeFile:
			if err := os.Link(r.objectPath(e.Object), target); err != nil {
				return fmt.Errorf("link %s: %w", e.Path, err)
			}
		}
	}
	return nil
}

func checkoutPath(p string) (string, bool) {
	switch {
	case p == "var" || strings.HasPrefix(p, "var/"):
		return "", false
	case p == "etc" || strings.HasPrefix(p, "etc/"):
		return path.Join("usr", p), true
	default:
		return p, true
	}
}

// verify re-hashes every object referenced by commit id.
func (r *repo) verify(ctx context.Context, id string) error {
	c, err := r.readCommit(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return deploy.Errorf(deploy.KindValidation, "verify deployment", "commit %s is missing", id)
		}
		return deploy.Wrap(deploy.KindBackend, "verify deployment", err)
	}
	for _, e := range c.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Type != typeFile {
			continue
		}
		got, err := hashObject(r.objectPath(e.Object), fs.FileMode(e.Mode))
		if err != nil {
			return deploy.Errorf(deploy.KindValidation, "verify deployment", "object for %s: %v", e.Path, err)
		}
		if got != e.Object {
			return deploy.Errorf(deploy.KindValidation, "verify deployment", "object for %s is corrupt", e.Path)
		}
	}
	return nil
}

func hashObject(p string, mode fs.FileMode) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := objectHash(mode)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// gc removes commits not in keep and objects no kept commit references.
func (r *repo) gc(ctx context.Context, keep map[string]struct{}) backend.PruneReport {
	var report backend.PruneReport
	referenced := map[string]struct{}{}

	commits, err := os.ReadDir(filepath.Join(r.dir, commitsDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		report.Errors = append(report.Errors, fmt.Errorf("list commits: %w", err))
		return report
	}
	for _, e := range commits {
		id, ok := strings.CutSuffix(e.Name(), commitSuffix)
		if !ok {
			continue
		}
		if _, kept := keep[id]; kept {
			c, err := r.readCommit(id)
			if err != nil {
				// Without the tree its objects cannot be told apart from garbage.
				report.Errors = append(report.Errors, fmt.Errorf("read kept commit %s: %w", id, err))
				return report
			}
			for _, obj := range c.objects() {
				referenced[obj] = struct{}{}
			}
			continue
		}
		if err := os.Remove(filepath.Join(r.dir, commitsDir, e.Name())); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("remove commit %s: %w", id, err))
			continue
		}
		report.Content++
	}

	root := filepath.Join(r.dir, objectsDir)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name, ok := strings.CutSuffix(d.Name(), objectSuffix)
		if !ok {
			return nil
		}
		obj := filepath.Base(filepath.Dir(p)) + name
		if _, ok := referenced[obj]; ok {
			return nil
		}
		if err := os.Remove(p); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("remove object %s: %w", obj, err))
			return nil
		}
		report.Content++
		return nil
	})
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("sweep objects: %w", err))
	}

	if err := os.RemoveAll(filepath.Join(r.dir, tmpDir)); err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("clear tmp: %w", err))
	}
	return report
}

func writeAtomic(p string, data []byte, scratch string) error {
	tmp, err := os.CreateTemp(scratch, "commit-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}
