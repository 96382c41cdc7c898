// Package bootloader writes Boot Loader Specification entries for the deployments in boot order.
package bootloader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hostimage/hostctl/internal/logging"
)

const (
	// EntriesDir is the entries directory relative to the sysroot.
	EntriesDir = "boot/loader/entries"

	entryPrefix = "hostctl-"
	entrySuffix = ".conf"
)

// Entry is one boot menu entry.
type Entry struct {
	// Title is the menu label.
	Title string
	// Version is the image version shown by the bootloader.
	Version string
	// Linux is the kernel path relative to the boot partition.
	Linux string
	// Initrd is the initramfs path; empty omits it.
	Initrd string
	// Options is the kernel command line.
	Options []string
	// Addons are auxiliary images loaded alongside the kernel.
	Addons []string
}

// Render returns the entry in BLS syntax with the given sort key.
func (e Entry) Render(sortKey string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "title %s\n", e.Title)
	if e.Version != "" {
		fmt.Fprintf(&b, "version %s\n", e.Version)
	}
	fmt.Fprintf(&b, "sort-key %s\n", sortKey)
	fmt.Fprintf(&b, "linux %s\n", e.Linux)
	if e.Initrd != "" {
		fmt.Fprintf(&b, "initrd %s\n", e.Initrd)
	}
	if len(e.Options) > 0 {
		fmt.Fprintf(&b, "options %s\n", strings.Join(e.Options, " "))
	}
	for _, a := range e.Addons {
		fmt.Fprintf(&b, "addon %s\n", a)
	}
	return b.String()
}

// Writer maintains the hostctl entries in an entries directory.
type Writer struct {
	dir    string
	logger *slog.Logger
}

// NewWriter returns a writer for the entries directory of sysroot.
func NewWriter(sysroot string, logger *slog.Logger) *Writer {
	return &Writer{dir: filepath.Join(sysroot, EntriesDir), logger: logging.OrDiscard(logger)}
}

// Dir returns the entries directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Sync rewrites the entries so that entries[0] is the default. Each file is replaced atomically and
// stale hostctl entries are removed before the directory is fsynced.
func (w *Writer) Sync(ctx context.Context, entries []Entry) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create entries directory: %w", err)
	}
	wanted := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entryName(i)
		wanted[name] = struct{}{}
		if err := writeAtomic(filepath.Join(w.dir, name), []byte(e.Render(strconv.Itoa(i)))); err != nil {
			return fmt.Errorf("write boot entry %s: %w", name, err)
		}
	}
	existing, err := w.List()
	if err != nil {
		return err
	}
	for _, name := range existing {
		if _, ok := wanted[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(w.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale boot entry %s: %w", name, err)
		}
	}
	d, err := os.Open(w.dir)
	if err != nil {
		return fmt.Errorf("open entries directory: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync entries directory: %w", err)
	}
	w.logger.Debug("boot entries written", "count", len(entries))
	return nil
}

// List returns the hostctl entry file names in priority order.
func (w *Writer) List() ([]string, error) {
	dirEntries, err := os.ReadDir(w.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read entries directory: %w", err)
	}
	type indexed struct {
		name string
		idx  int
	}
	var found []indexed
	for _, e := range dirEntries {
		idx, ok := parseEntryName(e.Name())
		if ok {
			found = append(found, indexed{e.Name(), idx})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].idx < found[j].idx })
	out := make([]string, 0, len(found))
	for _, f := range found {
		out = append(out, f.name)
	}
	return out, nil
}

func entryName(i int) string {
	return fmt.Sprintf("%s%d%s", entryPrefix, i, entrySuffix)
}

func parseEntryName(name string) (int, bool) {
	if !strings.HasPrefix(name, entryPrefix) || !strings.HasSuffix(name, entrySuffix) {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, entryPrefix), entrySuffix))
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
