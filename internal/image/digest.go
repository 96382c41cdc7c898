package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"strings"
)

const digestAlgorithm = "sha256"

// TreeDigest returns a digest over the paths, types, permissions and contents of every entry in fsys.
// Walk order is lexical, so the result is stable for identical trees. Symlink targets are hashed, not
// followed.
func TreeDigest(ctx context.Context, fsys fs.FS) (string, error) {
	h := sha256.New()
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			target, err := fs.ReadLink(fsys, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "L %s %s\x00", path, target)
		case mode.IsDir():
			fmt.Fprintf(h, "D %s %o\x00", path, mode.Perm())
		case mode.IsRegular():
			fmt.Fprintf(h, "F %s %o %d\x00", path, mode.Perm(), info.Size())
			f, err := fsys.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(h, f)
			_ = f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("digest image tree: %w", err)
	}
	return digestAlgorithm + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

// BlobDigest returns the digest of a byte stream.
func BlobDigest(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return digestAlgorithm + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

func cutDigest(digest string) (string, string, bool) {
	algo, hexPart, ok := strings.Cut(digest, ":")
	if !ok || algo != digestAlgorithm || hexPart == "" {
		return "", "", false
	}
	return algo, hexPart, true
}

// ValidDigest reports whether digest has the "sha256:<hex>" form.
func ValidDigest(digest string) bool {
	_, hexPart, ok := cutDigest(digest)
	if !ok || len(hexPart) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}
