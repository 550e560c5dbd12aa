// Package workspace implements the copy-on-write virtual filesystem the
// orchestrator hands to each agent: a file tree plus a namespaced KV store,
// composable via an overlay relation and materializable to disk.
package workspace

import (
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/BaSui01/cairn/cairnerr"
)

// FileMode names how a caller intends to use file bytes. The core never
// transcodes content, and Read returns the same raw bytes in either mode.
type FileMode int

const (
	ModeText FileMode = iota
	ModeBinary
)

// DirEntry is one entry returned by ListDir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// TreeNode is the stable schema Tree() yields: {name, path, type, children}.
type TreeNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"` // "file" | "dir"
	Children []*TreeNode `json:"children,omitempty"`
}

// Files is the file-tree capability surface of a workspace.
type Files struct {
	fs afero.Fs
}

// NewFiles wraps an afero filesystem as a Files surface. Callers normally
// get one of these via Workspace.Files rather than constructing directly.
func NewFiles(fs afero.Fs) *Files {
	return &Files{fs: fs}
}

// normalize turns any path form (relative, with ".." segments, with or
// without a leading slash) into a canonical absolute POSIX path.
func normalize(p string) string {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func (f *Files) Exists(p string) bool {
	ok, _ := afero.Exists(f.fs, normalize(p))
	return ok
}

func (f *Files) Stat(p string) (fs.FileInfo, error) {
	info, err := f.fs.Stat(normalize(p))
	if err != nil {
		return nil, notFoundOrErr(p, err)
	}
	return info, nil
}

// Read returns file content. mode is advisory only (afero/Go don't
// distinguish text/binary); ModeText and ModeBinary callers get the same
// []byte back.
func (f *Files) Read(p string, mode FileMode) ([]byte, error) {
	full := normalize(p)
	info, err := f.fs.Stat(full)
	if err != nil {
		return nil, notFoundOrErr(p, err)
	}
	if info.IsDir() {
		return nil, cairnerr.New(cairnerr.InvalidInput, "is a directory: "+p).WithField("path", p)
	}
	data, err := afero.ReadFile(f.fs, full)
	if err != nil {
		return nil, cairnerr.Wrap(cairnerr.RecoverableIO, "read "+p, err)
	}
	return data, nil
}

// Write creates intermediate directories and writes content: the directory
// tree is created before the file is opened, so a reader never observes a
// half-created parent without the file.
func (f *Files) Write(p string, content []byte) error {
	full := normalize(p)
	dir := path.Dir(full)
	if dir != "/" && dir != "." {
		if err := f.fs.MkdirAll(dir, 0o755); err != nil {
			return cairnerr.Wrap(cairnerr.RecoverableIO, "mkdir "+dir, err)
		}
	}
	if err := afero.WriteFile(f.fs, full, content, 0o644); err != nil {
		return cairnerr.Wrap(cairnerr.RecoverableIO, "write "+p, err)
	}
	return nil
}

// Remove deletes a file or, if recursive, a directory subtree.
func (f *Files) Remove(p string, recursive bool) error {
	full := normalize(p)
	var err error
	if recursive {
		err = f.fs.RemoveAll(full)
	} else {
		err = f.fs.Remove(full)
	}
	if err != nil {
		return notFoundOrErr(p, err)
	}
	return nil
}

// ListDir returns entries in deterministic sorted order.
func (f *Files) ListDir(p string) ([]DirEntry, error) {
	full := normalize(p)
	info, err := f.fs.Stat(full)
	if err != nil {
		return nil, notFoundOrErr(p, err)
	}
	if !info.IsDir() {
		return nil, cairnerr.New(cairnerr.InvalidInput, "not a directory: "+p)
	}
	entries, err := afero.ReadDir(f.fs, full)
	if err != nil {
		return nil, cairnerr.Wrap(cairnerr.RecoverableIO, "listdir "+p, err)
	}
	out := make([]DirEntry, len(entries))
	for i, e := range entries {
		out[i] = DirEntry{Name: e.Name(), IsDir: e.IsDir()}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Query lists every file under root whose path matches a doublestar glob
// pattern (e.g. "**/*.go").
func (f *Files) Query(root, pattern string) ([]string, error) {
	root = normalize(root)
	var matches []string
	err := afero.Walk(f.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort walk, skip unreadable entries
		}
		if info.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		ok, matchErr := doublestar.Match(pattern, rel)
		if matchErr == nil && ok {
			matches = append(matches, p)
		}
		return nil
	})
	if err != nil {
		return nil, cairnerr.Wrap(cairnerr.RecoverableIO, "query "+root, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Tree yields the stable {name, path, type, children} schema, children
// sorted directories-first then alphabetically, down to maxDepth (-1 = no
// limit).
func (f *Files) Tree(p string, maxDepth int) (*TreeNode, error) {
	full := normalize(p)
	info, err := f.fs.Stat(full)
	if err != nil {
		return nil, notFoundOrErr(p, err)
	}
	return f.buildTree(full, info, maxDepth)
}

func (f *Files) buildTree(full string, info fs.FileInfo, depth int) (*TreeNode, error) {
	node := &TreeNode{
		Name: path.Base(full),
		Path: full,
		Type: "file",
	}
	if !info.IsDir() {
		return node, nil
	}
	node.Type = "dir"
	if depth == 0 {
		return node, nil
	}
	entries, err := afero.ReadDir(f.fs, full)
	if err != nil {
		return nil, cairnerr.Wrap(cairnerr.RecoverableIO, "tree "+full, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})
	nextDepth := depth - 1
	if depth < 0 {
		nextDepth = depth
	}
	for _, e := range entries {
		childPath := path.Join(full, e.Name())
		childInfo, statErr := f.fs.Stat(childPath)
		if statErr != nil {
			continue
		}
		child, buildErr := f.buildTree(childPath, childInfo, nextDepth)
		if buildErr != nil {
			return nil, buildErr
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

func notFoundOrErr(p string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "no such file") || strings.Contains(msg, "does not exist") {
		return cairnerr.New(cairnerr.NotFound, p).WithField("path", p)
	}
	return cairnerr.Wrap(cairnerr.RecoverableIO, "stat "+p, err)
}
