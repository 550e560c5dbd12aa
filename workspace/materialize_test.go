package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cairn/cairnerr"
)

func memFSWith(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for p, content := range files {
		require.NoError(t, afero.WriteFile(fsys, p, []byte(content), 0o644))
	}
	return fsys
}

func TestMaterializer_WritesTreeToDisk(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "preview")
	src := memFSWith(t, map[string]string{"/notes/hello.txt": "hi"})

	require.NoError(t, NewMaterializer().ToDisk(src, target, root, true))

	data, err := os.ReadFile(filepath.Join(target, "notes", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestMaterializer_CleanSwapReplacesPriorTree(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "preview")
	m := NewMaterializer()

	require.NoError(t, m.ToDisk(memFSWith(t, map[string]string{"/stale.txt": "old"}), target, root, true))
	require.NoError(t, m.ToDisk(memFSWith(t, map[string]string{"/fresh.txt": "new"}), target, root, true))

	_, err := os.Stat(filepath.Join(target, "stale.txt"))
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(target, "fresh.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestMaterializer_RefusesTargetOutsideAllowRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	src := memFSWith(t, map[string]string{"/f.txt": "x"})

	err := NewMaterializer().ToDisk(src, filepath.Join(outside, "preview"), root, true)
	require.Error(t, err)
	assert.True(t, cairnerr.IsKind(err, cairnerr.InvalidInput))
}

func TestMaterializer_RefusesFilesystemRoot(t *testing.T) {
	src := memFSWith(t, map[string]string{"/f.txt": "x"})
	err := NewMaterializer().ToDisk(src, "/", "", true)
	require.Error(t, err)
	assert.True(t, cairnerr.IsKind(err, cairnerr.InvalidInput))
}

func TestDiff_ReportsAllThreeKinds(t *testing.T) {
	base := memFSWith(t, map[string]string{
		"/same.txt":     "unchanged",
		"/modified.txt": "v1",
		"/deleted.txt":  "gone",
	})
	overlay := memFSWith(t, map[string]string{
		"/same.txt":     "unchanged",
		"/modified.txt": "v2",
		"/added.txt":    "new",
	})

	changes, err := Diff(overlay, base, "/")
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, Change{Path: "/added.txt", Kind: Added}, changes[0])
	assert.Equal(t, Change{Path: "/deleted.txt", Kind: Deleted}, changes[1])
	assert.Equal(t, Change{Path: "/modified.txt", Kind: Modified}, changes[2])
}

func TestDiff_SameSizeDifferentBytesIsModified(t *testing.T) {
	base := memFSWith(t, map[string]string{"/f.txt": "aaaa"})
	overlay := memFSWith(t, map[string]string{"/f.txt": "bbbb"})

	changes, err := Diff(overlay, base, "/")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, Modified, changes[0].Kind)
}
