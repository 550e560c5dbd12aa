package workspace

import (
	"bytes"
	"crypto/sha256"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/BaSui01/cairn/cairnerr"
)

// ChangeKind classifies one Diff entry.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Deleted  ChangeKind = "deleted"
)

// Change is one file-level diff entry.
type Change struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

// Materializer writes an overlay (optionally layered on a base) onto an
// on-disk directory atomically: content is copied into a staging directory
// under target's parent, then swapped in via rename (target to backup,
// staging to target, remove backup, rolling back from the backup on swap
// failure). A cross-device rename falls back to a non-atomic copy+remove.
// With clean=false and an existing target, the staged tree is instead
// copied over the target in place, which is not atomic.
type Materializer struct{}

func NewMaterializer() *Materializer { return &Materializer{} }

// ToDisk materializes src (the merged view to write) to targetPath. allowRoot
// bounds where targetPath may resolve; materialization refuses targets
// outside it or equal to the filesystem root.
func (m *Materializer) ToDisk(src afero.Fs, targetPath, allowRoot string, clean bool) error {
	targetPath = filepath.Clean(targetPath)
	if err := m.validateTarget(targetPath, allowRoot); err != nil {
		return err
	}

	parent := filepath.Dir(targetPath)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return cairnerr.Wrap(cairnerr.RecoverableIO, "mkdir staging parent", err)
	}
	staging, err := os.MkdirTemp(parent, ".materialize-*")
	if err != nil {
		return cairnerr.Wrap(cairnerr.RecoverableIO, "create staging dir", err)
	}
	defer os.RemoveAll(staging)

	if err := copyRecursive(src, "/", staging); err != nil {
		return cairnerr.Wrap(cairnerr.RecoverableIO, "copy to staging", err)
	}

	return m.swap(staging, targetPath, clean)
}

func (m *Materializer) validateTarget(targetPath, allowRoot string) error {
	if targetPath == string(filepath.Separator) || targetPath == "." {
		return cairnerr.New(cairnerr.InvalidInput, "materialization target may not be filesystem root")
	}
	if allowRoot == "" {
		return nil
	}
	allowRoot = filepath.Clean(allowRoot)
	rel, err := filepath.Rel(allowRoot, targetPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return cairnerr.New(cairnerr.InvalidInput, "materialization target escapes allow_root").
			WithField("target", targetPath).WithField("allow_root", allowRoot)
	}
	return nil
}

// swap performs the atomic rename-swap: target -> backup, staging -> target,
// remove backup. On failure after the backup rename, it rolls back by
// renaming backup back to target.
func (m *Materializer) swap(staging, target string, clean bool) error {
	_, statErr := os.Stat(target)
	targetExists := statErr == nil

	if !targetExists {
		if err := os.Rename(staging, target); err != nil {
			return m.crossDeviceFallback(staging, target, err)
		}
		return nil
	}

	backup := target + ".materialize-backup"
	os.RemoveAll(backup)

	if clean {
		if err := os.Rename(target, backup); err != nil {
			return cairnerr.Wrap(cairnerr.RecoverableIO, "rename target to backup", err)
		}
		if err := os.Rename(staging, target); err != nil {
			// roll back: restore target from backup.
			_ = os.Rename(backup, target)
			return m.crossDeviceFallback(staging, target, err)
		}
		os.RemoveAll(backup)
		return nil
	}

	// Non-clean materialize: merge staging into existing target in place
	// rather than swapping the whole tree.
	return copyRecursiveOS(staging, target)
}

func (m *Materializer) crossDeviceFallback(staging, target string, cause error) error {
	if !isCrossDevice(cause) {
		return cairnerr.Wrap(cairnerr.RecoverableIO, "rename staging to target", cause)
	}
	os.RemoveAll(target)
	if err := copyRecursiveOS(staging, target); err != nil {
		return cairnerr.Wrap(cairnerr.RecoverableIO, "cross-device copy+move", err)
	}
	return nil
}

func isCrossDevice(err error) bool {
	return err != nil && strings.Contains(err.Error(), "cross-device")
}

func copyRecursive(src afero.Fs, srcRoot, dstRoot string) error {
	return afero.Walk(src, srcRoot, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, srcRoot), "/")
		dst := filepath.Join(dstRoot, filepath.FromSlash(rel))
		if info.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		data, readErr := afero.ReadFile(src, p)
		if readErr != nil {
			return readErr
		}
		if mkErr := os.MkdirAll(filepath.Dir(dst), 0o755); mkErr != nil {
			return mkErr
		}
		return os.WriteFile(dst, data, 0o644)
	})
}

func copyRecursiveOS(srcRoot, dstRoot string) error {
	return filepath.WalkDir(srcRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(srcRoot, p)
		if relErr != nil {
			return relErr
		}
		dst := filepath.Join(dstRoot, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		data, readErr := os.ReadFile(p)
		if readErr != nil {
			return readErr
		}
		if mkErr := os.MkdirAll(filepath.Dir(dst), 0o755); mkErr != nil {
			return mkErr
		}
		return os.WriteFile(dst, data, 0o644)
	})
}

// Diff compares overlay against base under path, first by size, then by
// content hash, then by a byte-stream comparison on hash-match ambiguity.
// Returns changes of all three kinds: added (in overlay, not in base),
// modified (in both, bytes differ), deleted (in base, not in overlay).
func Diff(overlay, base afero.Fs, rootPath string) ([]Change, error) {
	root := normalize(rootPath)
	overlayFiles, err := listAllFiles(overlay, root)
	if err != nil {
		return nil, err
	}
	baseFiles, err := listAllFiles(base, root)
	if err != nil {
		return nil, err
	}

	var changes []Change
	for p := range overlayFiles {
		baseInfo, inBase := baseFiles[p]
		if !inBase {
			changes = append(changes, Change{Path: p, Kind: Added})
			continue
		}
		ovInfo := overlayFiles[p]
		differs, cmpErr := filesDiffer(overlay, base, p, ovInfo, baseInfo)
		if cmpErr != nil {
			return nil, cmpErr
		}
		if differs {
			changes = append(changes, Change{Path: p, Kind: Modified})
		}
	}
	for p := range baseFiles {
		if _, inOverlay := overlayFiles[p]; !inOverlay {
			changes = append(changes, Change{Path: p, Kind: Deleted})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

func listAllFiles(fsys afero.Fs, root string) (map[string]fs.FileInfo, error) {
	out := make(map[string]fs.FileInfo)
	if fsys == nil {
		return out, nil
	}
	err := afero.Walk(fsys, root, func(p string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr
		}
		if !info.IsDir() {
			out[p] = info
		}
		return nil
	})
	if err != nil {
		return nil, cairnerr.Wrap(cairnerr.RecoverableIO, "list_all_files "+root, err)
	}
	return out, nil
}

func filesDiffer(overlay, base afero.Fs, p string, ovInfo, baseInfo fs.FileInfo) (bool, error) {
	if ovInfo.Size() != baseInfo.Size() {
		return true, nil
	}
	ovData, err := afero.ReadFile(overlay, p)
	if err != nil {
		return false, cairnerr.Wrap(cairnerr.RecoverableIO, "read "+p, err)
	}
	baseData, err := afero.ReadFile(base, p)
	if err != nil {
		return false, cairnerr.Wrap(cairnerr.RecoverableIO, "read base "+p, err)
	}
	ovHash := sha256.Sum256(ovData)
	baseHash := sha256.Sum256(baseData)
	if ovHash != baseHash {
		return true, nil
	}
	// Hash match: fall back to a byte comparison to resolve any remaining
	// ambiguity (hash collision, or a bug in the hashing path).
	return !bytes.Equal(ovData, baseData), nil
}
