package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aymanbagabas/go-udiff"
	"github.com/natefinch/atomic"
)

// roots are the top-level directories the writer owns under the output root.
var roots = []string{BundlesDir, SeriesDir}

// Swap bookkeeping under the output root. The backup directory lives only
// while a swap is in progress; rootsFile lists the roots that existed before
// it and committedFile marks that every new root is in place.
const (
	backupDir     = ".bundlr-backup"
	stagePattern  = ".bundlr-stage-*"
	rootsFile     = "ROOTS"
	committedFile = "COMMITTED"
)

// WriteFunc writes one staged file.
type WriteFunc func(filename string, r io.Reader) error

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriteFunc replaces the staged file writer.
func WithWriteFunc(fn WriteFunc) WriterOption {
	return func(w *Writer) { w.writeFile = fn }
}

// Writer emits a document tree all at once. Files are staged in a sibling
// directory of the output and moved into place only after every file has
// been written; on any failure the previous output is left untouched.
type Writer struct {
	root      string
	writeFile WriteFunc
}

// NewWriter returns a writer for the output root.
func NewWriter(root string, opts ...WriterOption) *Writer {
	w := &Writer{root: root, writeFile: atomic.WriteFile}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Result reports what a write replaced.
type Result struct {
	Files []string
	// ManifestDiff is a unified diff of the previous SeriesManifest.json
	// against the new one, empty when there was none or nothing changed.
	ManifestDiff string
}

// Write stages files and swaps them into the output root.
func (w *Writer) Write(ctx context.Context, files []File) (Result, error) {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating output root: %w", err)
	}
	if err := w.Recover(); err != nil {
		return Result{}, err
	}
	stage, err := os.MkdirTemp(w.root, ".bundlr-stage-")
	if err != nil {
		return Result{}, fmt.Errorf("creating stage: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(stage); err != nil {
			log.Warn("Failed to remove stage %s: %v", stage, err)
		}
	}()

	var result Result
	for _, top := range roots {
		if err := os.MkdirAll(filepath.Join(stage, top), 0o755); err != nil {
			return Result{}, fmt.Errorf("creating stage tree: %w", err)
		}
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("write cancelled: %w", err)
		}
		if err := checkPath(f.Path); err != nil {
			return Result{}, err
		}
		dst := filepath.Join(stage, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return Result{}, fmt.Errorf("creating %s: %w", path.Dir(f.Path), err)
		}
		if err := w.writeFile(dst, bytes.NewReader(f.Data)); err != nil {
			return Result{}, fmt.Errorf("staging %s: %w", f.Path, err)
		}
		result.Files = append(result.Files, f.Path)
	}
	log.Debug("Staged %d files in %s", len(files), stage)

	result.ManifestDiff = w.manifestDiff(stage)

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("write cancelled: %w", err)
	}
	if err := w.swap(stage); err != nil {
		return Result{}, err
	}
	log.Info("Wrote %d files to %s", len(result.Files), w.root)
	return result, nil
}

func checkPath(p string) error {
	clean := path.Clean(p)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("refusing to write outside the output root: %s", p)
	}
	top, _, _ := strings.Cut(clean, "/")
	for _, r := range roots {
		if top == r {
			return nil
		}
	}
	return fmt.Errorf("refusing to write outside %s: %s", strings.Join(roots, ", "), p)
}

func (w *Writer) manifestDiff(stage string) string {
	rel := filepath.Join(SeriesDir, SeriesManifestFile)
	old, err := os.ReadFile(filepath.Join(w.root, rel))
	if err != nil {
		return ""
	}
	next, err := os.ReadFile(filepath.Join(stage, rel))
	if err != nil {
		return ""
	}
	return udiff.Unified("previous/"+filepath.ToSlash(rel), "next/"+filepath.ToSlash(rel), string(old), string(next))
}

// swap moves each staged root into place, keeping the previous one in the
// backup directory until every move has succeeded. The roots move with one
// rename each; a crash between them is undone by Recover on the next write.
func (w *Writer) swap(stage string) (err error) {
	backup := filepath.Join(w.root, backupDir)
	if err := os.Mkdir(backup, 0o755); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	var existing []string
	for _, top := range roots {
		if _, statErr := os.Stat(filepath.Join(w.root, top)); statErr == nil {
			existing = append(existing, top)
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			_ = os.RemoveAll(backup)
			return fmt.Errorf("checking %s: %w", top, statErr)
		}
	}
	if err := atomic.WriteFile(filepath.Join(backup, rootsFile), strings.NewReader(strings.Join(existing, "\n"))); err != nil {
		_ = os.RemoveAll(backup)
		return fmt.Errorf("recording backup: %w", err)
	}

	var backedUp, placed []string
	defer func() {
		if err != nil {
			for _, top := range placed {
				_ = os.RemoveAll(filepath.Join(w.root, top))
			}
			for _, top := range backedUp {
				if rerr := os.Rename(filepath.Join(backup, top), filepath.Join(w.root, top)); rerr != nil {
					log.Error("Failed to restore %s from %s: %v", top, backup, rerr)
					return
				}
			}
		}
		if rerr := os.RemoveAll(backup); rerr != nil {
			log.Warn("Failed to remove backup %s: %v", backup, rerr)
		}
	}()

	for _, top := range existing {
		if err = os.Rename(filepath.Join(w.root, top), filepath.Join(backup, top)); err != nil {
			return fmt.Errorf("backing up %s: %w", top, err)
		}
		backedUp = append(backedUp, top)
	}
	for _, top := range roots {
		if err = os.Rename(filepath.Join(stage, top), filepath.Join(w.root, top)); err != nil {
			return fmt.Errorf("moving %s into place: %w", top, err)
		}
		placed = append(placed, top)
	}
	if err = atomic.WriteFile(filepath.Join(backup, committedFile), strings.NewReader("")); err != nil {
		return fmt.Errorf("committing swap: %w", err)
	}
	return nil
}

// Recover cleans up after a write interrupted by a crash. A swap that placed
// every root is kept; a partial one is rolled back to the previous output.
// Leftover stage directories are removed.
func (w *Writer) Recover() error {
	stages, err := filepath.Glob(filepath.Join(w.root, stagePattern))
	if err != nil {
		return fmt.Errorf("finding stale stages: %w", err)
	}
	for _, stage := range stages {
		log.Warn("Removing stale stage %s", stage)
		if err := os.RemoveAll(stage); err != nil {
			return fmt.Errorf("removing stale stage: %w", err)
		}
	}

	backup := filepath.Join(w.root, backupDir)
	if _, err := os.Stat(backup); errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("checking backup: %w", err)
	}
	if _, err := os.Stat(filepath.Join(backup, committedFile)); err == nil {
		log.Warn("Completing interrupted swap in %s", w.root)
		return os.RemoveAll(backup)
	}

	data, err := os.ReadFile(filepath.Join(backup, rootsFile))
	if errors.Is(err, fs.ErrNotExist) {
		// Nothing was moved before the crash.
		return os.RemoveAll(backup)
	}
	if err != nil {
		return fmt.Errorf("reading backup: %w", err)
	}
	existing := strings.Fields(string(data))

	log.Warn("Rolling back interrupted swap in %s", w.root)
	for _, top := range roots {
		current := filepath.Join(w.root, top)
		saved := filepath.Join(backup, top)
		_, statErr := os.Stat(saved)
		switch {
		case statErr == nil:
			if err := os.RemoveAll(current); err != nil {
				return fmt.Errorf("removing partial %s: %w", top, err)
			}
			if err := os.Rename(saved, current); err != nil {
				return fmt.Errorf("restoring %s: %w", top, err)
			}
		case slices.Contains(existing, top):
			// Not moved yet; the previous output is still in place.
		default:
			if err := os.RemoveAll(current); err != nil {
				return fmt.Errorf("removing partial %s: %w", top, err)
			}
		}
	}
	return os.RemoveAll(backup)
}
