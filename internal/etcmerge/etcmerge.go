// Package etcmerge carries local /etc changes into a new deployment with a three-way merge: the
// changes between the pristine /etc of the old image and the live /etc are replayed on top of the
// /etc shipped by the new image.
package etcmerge

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

type entryKind int

const (
	kindFile entryKind = iota
	kindDir
	kindSymlink
)

type entry struct {
	kind   entryKind
	mode   fs.FileMode
	digest string
	target string
}

func (e entry) equal(other entry) bool {
	return e.kind == other.kind && e.mode == other.mode && e.digest == other.digest && e.target == other.target
}

// Tree is a snapshot of a directory: relative path to metadata. Special files are skipped.
type Tree map[string]entry

// Scan walks root and records every regular file, directory and symlink. A missing root is empty.
func Scan(root string) (Tree, error) {
	tree := Tree{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			tree[rel] = entry{kind: kindSymlink, target: target}
		case d.IsDir():
			tree[rel] = entry{kind: kindDir, mode: info.Mode().Perm()}
		case info.Mode().IsRegular():
			sum, err := fileDigest(path)
			if err != nil {
				return err
			}
			tree[rel] = entry{kind: kindFile, mode: info.Mode().Perm(), digest: sum}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return tree, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Diff lists paths changed locally relative to the pristine tree.
type Diff struct {
	// Added exist in current but not in pristine.
	Added []string
	// Modified exist in both with different content, mode or link target.
	Modified []string
	// Removed exist in pristine but not in current.
	Removed []string
}

// Empty reports whether there are no local changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Compute compares the pristine and current trees. Paths are sorted so parents precede children.
func Compute(pristine, current Tree) Diff {
	var diff Diff
	for path, cur := range current {
		old, ok := pristine[path]
		switch {
		case !ok:
			diff.Added = append(diff.Added, path)
		case !old.equal(cur):
			diff.Modified = append(diff.Modified, path)
		}
	}
	for path := range pristine {
		if _, ok := current[path]; !ok {
			diff.Removed = append(diff.Removed, path)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Modified)
	sort.Strings(diff.Removed)
	return diff
}

// Merge computes the local changes of currentDir against pristineDir and applies them to newDir.
func Merge(pristineDir, currentDir, newDir string) (Diff, error) {
	pristine, err := Scan(pristineDir)
	if err != nil {
		return Diff{}, err
	}
	current, err := Scan(currentDir)
	if err != nil {
		return Diff{}, err
	}
	diff := Compute(pristine, current)
	if err := Apply(currentDir, current, newDir, diff); err != nil {
		return Diff{}, err
	}
	return diff, nil
}

// Apply replays diff onto newDir using the content of currentDir.
func Apply(currentDir string, current Tree, newDir string, diff Diff) error {
	changed := append(append([]string(nil), diff.Added...), diff.Modified...)
	sort.Strings(changed)
	for _, rel := range changed {
		if err := applyPath(currentDir, current[rel], newDir, rel); err != nil {
			return fmt.Errorf("merge %s: %w", rel, err)
		}
	}
	// Children before parents.
	for i := len(diff.Removed) - 1; i >= 0; i-- {
		target := filepath.Join(newDir, diff.Removed[i])
		info, err := os.Lstat(target)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("merge removal of %s: %w", diff.Removed[i], err)
		}
		if info.IsDir() {
			// A directory the new image still populates is kept.
			_ = os.Remove(target)
			continue
		}
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("merge removal of %s: %w", diff.Removed[i], err)
		}
	}
	return nil
}

func applyPath(currentDir string, e entry, newDir, rel string) error {
	dst := filepath.Join(newDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	existing, err := os.Lstat(dst)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if e.kind == kindDir {
		if exists && !existing.IsDir() {
			if err := os.Remove(dst); err != nil {
				return err
			}
			exists = false
		}
		if !exists {
			return os.Mkdir(dst, e.mode)
		}
		return os.Chmod(dst, e.mode)
	}

	if exists && existing.IsDir() {
		return fmt.Errorf("modified config file newly defaults to a directory")
	}
	if exists {
		if err := os.Remove(dst); err != nil {
			return err
		}
	}
	if e.kind == kindSymlink {
		return os.Symlink(e.target, dst)
	}
	return copyFile(filepath.Join(currentDir, rel), dst, e.mode)
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
