package workspace

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/cairn/cairnerr"
)

func TestKV_GetMissingIsNotFound(t *testing.T) {
	kv := NewKV()
	_, err := kv.Get("absent")
	require.Error(t, err)
	assert.True(t, cairnerr.IsKind(err, cairnerr.NotFound))
}

func TestKV_GetWithDefault(t *testing.T) {
	kv := NewKV()
	v, err := kv.Get("absent", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestKV_DeleteReportsExistence(t *testing.T) {
	kv := NewKV()
	require.NoError(t, kv.Set("k", 1))
	assert.True(t, kv.Delete("k"))
	assert.False(t, kv.Delete("k"))
}

func TestKV_NamespacesShareBackingStore(t *testing.T) {
	kv := NewKV()
	ns := kv.Namespace("agents")
	require.NoError(t, ns.Set("a1", "x"))

	v, err := kv.Get("agents:a1")
	require.NoError(t, err)
	assert.Equal(t, "x", v)

	nested := ns.Namespace("meta")
	require.NoError(t, nested.Set("k", "y"))
	v, err = kv.Get("agents:meta:k")
	require.NoError(t, err)
	assert.Equal(t, "y", v)
}

func TestKV_ListReturnsNamespaceRelativeKeys(t *testing.T) {
	kv := NewKV()
	ns := kv.Namespace("lifecycle")
	require.NoError(t, ns.Set("record:a", 1))
	require.NoError(t, ns.Set("record:b", 2))
	require.NoError(t, kv.Set("other", 3))

	entries := ns.List("record:")
	require.Len(t, entries, 2)
	assert.Equal(t, "record:a", entries[0].Key)
	assert.Equal(t, "record:b", entries[1].Key)
}

func TestTransaction_CommitAppliesStagedOps(t *testing.T) {
	kv := NewKV()
	require.NoError(t, kv.Set("keep", "old"))
	require.NoError(t, kv.Set("gone", "x"))

	tx := kv.Begin()
	tx.Set("keep", "new")
	tx.Set("added", "a")
	tx.Delete("gone")

	// Staged reads see the pending state; the store does not.
	v, err := tx.Get("keep")
	require.NoError(t, err)
	assert.Equal(t, "new", v)
	v, err = kv.Get("keep")
	require.NoError(t, err)
	assert.Equal(t, "old", v)

	require.NoError(t, tx.Commit())

	v, err = kv.Get("keep")
	require.NoError(t, err)
	assert.Equal(t, "new", v)
	assert.False(t, kv.Exists("gone"))
	assert.True(t, kv.Exists("added"))
}

func TestTransaction_CommitIsIdempotent(t *testing.T) {
	kv := NewKV()
	tx := kv.Begin()
	tx.Set("k", 1)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Commit())
}

// Property: an arbitrary interleaving of Set/Delete against the KV behaves
// like a plain map under the same operations.
func TestKV_BehavesLikeMap(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		kv := NewKV()
		model := make(map[string]int)
		keys := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,4}`), 1, 8).Draw(t, "keys")

		ops := rapid.IntRange(1, 50).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			key := keys[rapid.IntRange(0, len(keys)-1).Draw(t, fmt.Sprintf("key%d", i))]
			if rapid.Bool().Draw(t, fmt.Sprintf("set%d", i)) {
				val := rapid.Int().Draw(t, fmt.Sprintf("val%d", i))
				require.NoError(t, kv.Set(key, val))
				model[key] = val
			} else {
				_, inModel := model[key]
				assert.Equal(t, inModel, kv.Delete(key))
				delete(model, key)
			}
		}

		for _, key := range keys {
			want, inModel := model[key]
			got, err := kv.Get(key)
			if inModel {
				require.NoError(t, err)
				assert.Equal(t, want, got)
			} else {
				assert.True(t, cairnerr.IsKind(err, cairnerr.NotFound))
			}
		}
	})
}
