package workspace

import (
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/cairn/cairnerr"
)

// KVEntry is one entry returned by List.
type KVEntry struct {
	Key   string
	Value any
}

// KV is the namespaced key-value capability surface of a workspace: Get
// returns NotFound unless a default is supplied, Delete reports whether the
// key existed, and namespaces compose with a single ":" separator.
type KV struct {
	mu     sync.RWMutex
	data   map[string]any
	prefix string
}

// NewKV creates a root KV surface with no namespace prefix.
func NewKV() *KV {
	return &KV{data: make(map[string]any)}
}

func composePrefix(base, child string) string {
	var segments []string
	for _, part := range []string{base, child} {
		part = strings.Trim(part, ":")
		if part == "" {
			continue
		}
		for _, seg := range strings.Split(part, ":") {
			if seg != "" {
				segments = append(segments, seg)
			}
		}
	}
	if len(segments) == 0 {
		return ""
	}
	return strings.Join(segments, ":") + ":"
}

// Namespace returns a child KV view sharing the same backing map but scoped
// to an additional key prefix.
func (kv *KV) Namespace(prefix string) *KV {
	return &KV{data: kv.data, prefix: composePrefix(kv.prefix, prefix)}
}

func (kv *KV) qualify(key string) string { return kv.prefix + key }

// Get returns the stored value, defaults[0] if the key is missing and a
// default was supplied, or a NotFound error otherwise.
func (kv *KV) Get(key string, defaults ...any) (any, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	qk := kv.qualify(key)
	if v, ok := kv.data[qk]; ok {
		return v, nil
	}
	if len(defaults) > 0 {
		return defaults[0], nil
	}
	return nil, cairnerr.New(cairnerr.NotFound, "key not found: "+qk).WithField("key", qk)
}

func (kv *KV) Set(key string, value any) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[kv.qualify(key)] = value
	return nil
}

// Delete returns whether the key existed (a stable no-op on missing keys).
func (kv *KV) Delete(key string) bool {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	qk := kv.qualify(key)
	_, existed := kv.data[qk]
	delete(kv.data, qk)
	return existed
}

func (kv *KV) Exists(key string) bool {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	_, ok := kv.data[kv.qualify(key)]
	return ok
}

// List returns entries whose qualified key starts with this namespace's
// prefix plus the given relative prefix, with keys relative to the
// namespace.
func (kv *KV) List(prefix string) []KVEntry {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	full := kv.prefix + prefix
	var out []KVEntry
	for k, v := range kv.data {
		if strings.HasPrefix(k, kv.prefix) && strings.HasPrefix(k, full) {
			out = append(out, KVEntry{Key: strings.TrimPrefix(k, kv.prefix), Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type stagedOp struct {
	isDelete bool
	value    any
}

// Transaction is a best-effort grouped-operation context: ops are staged in
// memory and applied at Commit. If commit fails partway through, already
// applied ops are reversed in reverse order.
type Transaction struct {
	kv     *KV
	staged map[string]stagedOp
	done   bool
}

func (kv *KV) Begin() *Transaction {
	return &Transaction{kv: kv, staged: make(map[string]stagedOp)}
}

func (t *Transaction) Set(key string, value any) {
	t.staged[key] = stagedOp{value: value}
}

func (t *Transaction) Delete(key string) {
	t.staged[key] = stagedOp{isDelete: true}
}

// Get reads through staged state, falling back to the underlying KV.
func (t *Transaction) Get(key string, defaults ...any) (any, error) {
	if op, ok := t.staged[key]; ok {
		if op.isDelete {
			if len(defaults) > 0 {
				return defaults[0], nil
			}
			return nil, cairnerr.New(cairnerr.NotFound, "key not found: "+key)
		}
		return op.value, nil
	}
	return t.kv.Get(key, defaults...)
}

type appliedOp struct {
	key      string
	existed  bool
	oldValue any
}

// Commit applies staged ops; on mid-commit failure it attempts to reverse
// already-applied ops in reverse order. KV.Set/Delete never fail in this
// in-memory implementation, so Commit practically always succeeds, but the
// rollback path is kept for when a backend can fail mid-apply.
func (t *Transaction) Commit() error {
	if t.done {
		return nil
	}
	var applied []appliedOp
	for key, op := range t.staged {
		old, getErr := t.kv.Get(key)
		existed := getErr == nil
		if op.isDelete {
			t.kv.Delete(key)
		} else {
			if err := t.kv.Set(key, op.value); err != nil {
				return t.rollback(applied, err)
			}
		}
		applied = append(applied, appliedOp{key: key, existed: existed, oldValue: old})
	}
	t.done = true
	t.staged = nil
	return nil
}

func (t *Transaction) rollback(applied []appliedOp, cause error) error {
	var rollbackErrs []string
	for i := len(applied) - 1; i >= 0; i-- {
		a := applied[i]
		if a.existed {
			if err := t.kv.Set(a.key, a.oldValue); err != nil {
				rollbackErrs = append(rollbackErrs, err.Error())
			}
		} else {
			t.kv.Delete(a.key)
		}
	}
	if len(rollbackErrs) > 0 {
		return cairnerr.Wrap(cairnerr.InternalError, "commit failed and rollback was partial", cause)
	}
	return cairnerr.Wrap(cairnerr.RecoverableIO, "commit failed; rolled back", cause)
}
