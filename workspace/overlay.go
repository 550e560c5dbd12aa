package workspace

import (
	"bytes"
	"io/fs"
	"path"

	"github.com/spf13/afero"

	"github.com/BaSui01/cairn/cairnerr"
)

// MergeStrategy selects how Merge resolves a file present (with differing
// bytes) on both sides of a merge.
//
// PRESERVE leaves the target's bytes completely untouched on conflict (not
// even rewritten with identical content); CALLBACK asks a resolver for
// replacement bytes, still records the conflict, and writes the resolver's
// bytes.
type MergeStrategy int

const (
	Overwrite MergeStrategy = iota
	Preserve
	ErrorOnConflict
	Callback
)

// ConflictResolver supplies replacement bytes for a CALLBACK-strategy merge.
type ConflictResolver func(path string, sourceBytes, targetBytes []byte) []byte

// Conflict describes one file present with differing bytes on both sides.
type Conflict struct {
	Path string
}

// MergeResult is the outcome of Merge.
type MergeResult struct {
	FilesMerged int
	Conflicts   []Conflict
	Errors      []string
}

// Overlay layers a writable top filesystem over a read-only base: reads and
// stats fall through to base on NotFound in the top; writes and removes
// never touch base. Built on afero.NewCopyOnWriteFs's read-through
// semantics plus an explicit Merge/ListChanges/Reset surface on top.
type Overlay struct {
	top   afero.Fs
	base  afero.Fs // may be nil (no base layer)
	cow   afero.Fs // top layered over base, or top alone
	Files *Files
}

// NewOverlay creates an overlay with an optional base. Pass nil base for a
// standalone (non-overlay) workspace.
func NewOverlay(top, base afero.Fs) *Overlay {
	var cow afero.Fs
	if base != nil {
		cow = afero.NewCopyOnWriteFs(base, top)
	} else {
		cow = top
	}
	return &Overlay{top: top, base: base, cow: cow, Files: NewFiles(cow)}
}

// plannedWrite is one file the merge walk decided to copy into the target.
type plannedWrite struct {
	path    string
	content []byte
}

// Merge traverses source recursively and, for each file missing in the
// overlay's top layer, copies it; for conflicts (present on both sides with
// differing bytes) applies strategy. The walk only stages writes; nothing
// touches the target until the full source has been scanned, so an
// ErrorOnConflict merge that finds any conflict leaves the target unchanged
// even when other files would have merged cleanly.
func (o *Overlay) Merge(source afero.Fs, strategy MergeStrategy, resolver ConflictResolver) (*MergeResult, error) {
	result := &MergeResult{}
	var planned []plannedWrite
	err := afero.Walk(source, "/", func(p string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			result.Errors = append(result.Errors, walkErr.Error())
			return nil
		}
		if info.IsDir() {
			return nil
		}
		srcBytes, readErr := afero.ReadFile(source, p)
		if readErr != nil {
			result.Errors = append(result.Errors, "read "+p+": "+readErr.Error())
			return nil
		}
		existing, existErr := afero.ReadFile(o.top, p)
		if existErr != nil {
			planned = append(planned, plannedWrite{path: p, content: srcBytes})
			return nil
		}
		if bytes.Equal(existing, srcBytes) {
			return nil
		}
		// Conflict: both sides present, bytes differ.
		switch strategy {
		case Overwrite:
			planned = append(planned, plannedWrite{path: p, content: srcBytes})
		case Preserve:
			result.Conflicts = append(result.Conflicts, Conflict{Path: p})
		case ErrorOnConflict:
			result.Conflicts = append(result.Conflicts, Conflict{Path: p})
		case Callback:
			result.Conflicts = append(result.Conflicts, Conflict{Path: p})
			if resolver != nil {
				planned = append(planned, plannedWrite{path: p, content: resolver(p, srcBytes, existing)})
			}
		}
		return nil
	})
	if err != nil {
		return result, cairnerr.Wrap(cairnerr.RecoverableIO, "merge walk", err)
	}
	if strategy == ErrorOnConflict && len(result.Conflicts) > 0 {
		return result, cairnerr.New(cairnerr.WorkspaceMergeFailed, "merge has conflicts").
			WithField("conflicts", result.Conflicts)
	}
	for _, w := range planned {
		if writeErr := writeThrough(o.top, w.path, w.content); writeErr != nil {
			result.Errors = append(result.Errors, "write "+w.path+": "+writeErr.Error())
			continue
		}
		result.FilesMerged++
	}
	return result, nil
}

func writeThrough(fs afero.Fs, p string, content []byte) error {
	dir := path.Dir(p)
	if dir != "/" && dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return afero.WriteFile(fs, p, content, 0o644)
}

// ListChanges yields all files present in the overlay's own top layer at or
// below path (the files this agent actually wrote, ignoring base).
func (o *Overlay) ListChanges(rootPath string) ([]string, error) {
	root := normalize(rootPath)
	var out []string
	err := afero.Walk(o.top, root, func(p string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr
		}
		if !info.IsDir() {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, cairnerr.Wrap(cairnerr.RecoverableIO, "list_changes", err)
	}
	return out, nil
}

// Reset deletes paths from the overlay's top layer; with no paths given it
// resets the entire overlay.
func (o *Overlay) Reset(paths []string) error {
	if len(paths) == 0 {
		entries, err := afero.ReadDir(o.top, "/")
		if err != nil {
			return cairnerr.Wrap(cairnerr.RecoverableIO, "reset", err)
		}
		for _, e := range entries {
			if err := o.top.RemoveAll(path.Join("/", e.Name())); err != nil {
				return cairnerr.Wrap(cairnerr.RecoverableIO, "reset "+e.Name(), err)
			}
		}
		return nil
	}
	for _, p := range paths {
		if err := o.top.RemoveAll(normalize(p)); err != nil {
			return cairnerr.Wrap(cairnerr.RecoverableIO, "reset "+p, err)
		}
	}
	return nil
}

// Top returns the overlay's own (non-base) filesystem, used by
// materialization when it needs only what this agent actually wrote.
func (o *Overlay) Top() afero.Fs { return o.top }

// Base returns the overlay's base filesystem, or nil if standalone.
func (o *Overlay) Base() afero.Fs { return o.base }

// FS returns the composed read-through filesystem (top over base), the view
// a preview materialization should walk to capture both what this agent
// wrote and what it inherited unchanged from base.
func (o *Overlay) FS() afero.Fs { return o.cow }
