package workspace

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cairn/cairnerr"
)

func newTestFiles() *Files {
	return NewFiles(afero.NewMemMapFs())
}

func TestFiles_WriteReadRoundtrip(t *testing.T) {
	f := newTestFiles()
	require.NoError(t, f.Write("/notes/hello.txt", []byte("hi")))

	data, err := f.Read("/notes/hello.txt", ModeText)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestFiles_PathsNormalizeToAbsolute(t *testing.T) {
	f := newTestFiles()
	require.NoError(t, f.Write("notes/hello.txt", []byte("hi")))

	// Relative, absolute, and ".."-containing forms all reach the same file.
	assert.True(t, f.Exists("/notes/hello.txt"))
	assert.True(t, f.Exists("notes/hello.txt"))
	assert.True(t, f.Exists("/notes/../notes/hello.txt"))
}

func TestFiles_ReadMissingIsNotFound(t *testing.T) {
	f := newTestFiles()
	_, err := f.Read("/missing.txt", ModeText)
	require.Error(t, err)
	assert.True(t, cairnerr.IsKind(err, cairnerr.NotFound))
}

func TestFiles_ReadDirectoryFails(t *testing.T) {
	f := newTestFiles()
	require.NoError(t, f.Write("/dir/file.txt", []byte("x")))

	_, err := f.Read("/dir", ModeText)
	require.Error(t, err)
	assert.True(t, cairnerr.IsKind(err, cairnerr.InvalidInput))
}

func TestFiles_WriteCreatesIntermediateDirs(t *testing.T) {
	f := newTestFiles()
	require.NoError(t, f.Write("/a/b/c/deep.txt", []byte("x")))

	info, err := f.Stat("/a/b/c")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFiles_RemoveFileAndRecursive(t *testing.T) {
	f := newTestFiles()
	require.NoError(t, f.Write("/dir/a.txt", []byte("a")))
	require.NoError(t, f.Write("/dir/b.txt", []byte("b")))

	require.NoError(t, f.Remove("/dir/a.txt", false))
	assert.False(t, f.Exists("/dir/a.txt"))

	require.NoError(t, f.Remove("/dir", true))
	assert.False(t, f.Exists("/dir/b.txt"))
}

func TestFiles_ListDirIsSorted(t *testing.T) {
	f := newTestFiles()
	require.NoError(t, f.Write("/d/zebra.txt", []byte("z")))
	require.NoError(t, f.Write("/d/apple.txt", []byte("a")))
	require.NoError(t, f.Write("/d/mango.txt", []byte("m")))

	entries, err := f.ListDir("/d")
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"apple.txt", "mango.txt", "zebra.txt"}, names)
}

func TestFiles_QueryMatchesGlob(t *testing.T) {
	f := newTestFiles()
	require.NoError(t, f.Write("/src/a.go", []byte("x")))
	require.NoError(t, f.Write("/src/nested/b.go", []byte("x")))
	require.NoError(t, f.Write("/src/readme.md", []byte("x")))

	matches, err := f.Query("/src", "**/*.go")
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/a.go", "/src/nested/b.go"}, matches)
}

func TestFiles_TreeOrdersDirsFirst(t *testing.T) {
	f := newTestFiles()
	require.NoError(t, f.Write("/root/z.txt", []byte("z")))
	require.NoError(t, f.Write("/root/sub/a.txt", []byte("a")))

	tree, err := f.Tree("/root", -1)
	require.NoError(t, err)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, "sub", tree.Children[0].Name)
	assert.Equal(t, "dir", tree.Children[0].Type)
	assert.Equal(t, "z.txt", tree.Children[1].Name)
	assert.Equal(t, "file", tree.Children[1].Type)
}

func TestFiles_TreeRespectsMaxDepth(t *testing.T) {
	f := newTestFiles()
	require.NoError(t, f.Write("/root/sub/deep/file.txt", []byte("x")))

	tree, err := f.Tree("/root", 1)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.Empty(t, tree.Children[0].Children)
}
