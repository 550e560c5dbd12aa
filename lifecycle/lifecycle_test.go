package lifecycle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cairn/cairnerr"
	"github.com/BaSui01/cairn/workspace"
)

func newTestStore() *Store {
	return NewStore(workspace.NewKV()).WithSleeper(func(time.Duration) {})
}

func TestStore_SaveCreatesNewRecord(t *testing.T) {
	s := newTestStore()
	rec := &Record{AgentID: "agent-1", Task: "do thing", State: Queued, CreatedAt: time.Now(), StateChangedAt: time.Now()}

	require.NoError(t, s.Save(rec))
	assert.Equal(t, int64(1), rec.Version)

	loaded, err := s.Load("agent-1")
	require.NoError(t, err)
	assert.Equal(t, Queued, loaded.State)
	assert.Equal(t, int64(1), loaded.Version)
}

func TestStore_SaveRejectsStaleVersion(t *testing.T) {
	s := newTestStore()
	rec := &Record{AgentID: "agent-1", State: Queued}
	require.NoError(t, s.Save(rec))

	stale := &Record{AgentID: "agent-1", State: Generating, Version: 0}
	err := s.Save(stale)
	require.Error(t, err)
	assert.True(t, cairnerr.IsKind(err, cairnerr.VersionConflict))
}

func TestStore_LoadMissingIsNotFound(t *testing.T) {
	s := newTestStore()
	_, err := s.Load("does-not-exist")
	require.Error(t, err)
	assert.True(t, cairnerr.IsKind(err, cairnerr.NotFound))
}

func TestStore_ListActiveExcludesAcceptedAndRejected(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.Save(&Record{AgentID: "a", State: Queued}))
	require.NoError(t, s.Save(&Record{AgentID: "b", State: Accepted}))
	require.NoError(t, s.Save(&Record{AgentID: "c", State: Rejected}))
	require.NoError(t, s.Save(&Record{AgentID: "d", State: Errored}))

	active, err := s.ListActive()
	require.NoError(t, err)

	ids := make([]string, len(active))
	for i, r := range active {
		ids[i] = r.AgentID
	}
	assert.ElementsMatch(t, []string{"a", "d"}, ids)
}

func TestStore_ListAllSortedByAgentID(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.Save(&Record{AgentID: "z", State: Queued}))
	require.NoError(t, s.Save(&Record{AgentID: "a", State: Queued}))

	all, err := s.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].AgentID)
	assert.Equal(t, "z", all[1].AgentID)
}

func TestStore_UpdateAtomicMutatesAndBumpsVersion(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.Save(&Record{AgentID: "agent-1", State: Queued}))

	updated, err := s.UpdateAtomic("agent-1", func(r *Record) error {
		r.State = Generating
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Generating, updated.State)
	assert.Equal(t, int64(2), updated.Version)

	loaded, err := s.Load("agent-1")
	require.NoError(t, err)
	assert.Equal(t, Generating, loaded.State)
}

func TestStore_UpdateAtomicPropagatesMutatorError(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.Save(&Record{AgentID: "agent-1", State: Queued}))

	_, err := s.UpdateAtomic("agent-1", func(r *Record) error {
		return cairnerr.New(cairnerr.InvalidState, "boom")
	})
	require.Error(t, err)
	assert.True(t, cairnerr.IsKind(err, cairnerr.InvalidState))
}

func TestState_IsTerminal(t *testing.T) {
	assert.True(t, Accepted.IsTerminal())
	assert.True(t, Rejected.IsTerminal())
	assert.True(t, Errored.IsTerminal())
	assert.False(t, Queued.IsTerminal())
	assert.False(t, Reviewing.IsTerminal())
}

func TestCanTransition_FollowsThePhaseChain(t *testing.T) {
	assert.True(t, CanTransition(Queued, Generating))
	assert.True(t, CanTransition(Generating, Executing))
	assert.True(t, CanTransition(Executing, Submitting))
	assert.True(t, CanTransition(Submitting, Reviewing))
	assert.True(t, CanTransition(Reviewing, Accepted))
	assert.True(t, CanTransition(Reviewing, Rejected))
	assert.True(t, CanTransition(Queued, Rejected))
}

func TestCanTransition_RejectsSkippedPhases(t *testing.T) {
	assert.False(t, CanTransition(Queued, Executing))
	assert.False(t, CanTransition(Generating, Reviewing))
	assert.False(t, CanTransition(Accepted, Generating))
}

func TestCanTransition_TerminalStatesHaveNoOutgoingTransitions(t *testing.T) {
	assert.False(t, CanTransition(Accepted, Queued))
	assert.False(t, CanTransition(Rejected, Queued))
	assert.False(t, CanTransition(Errored, Queued))
}

func TestStore_CleanupOldRemovesAgedTerminalRecords(t *testing.T) {
	s := newTestStore()
	old := &Record{AgentID: "old", State: Accepted, StateChangedAt: time.Now().Add(-48 * time.Hour)}
	require.NoError(t, s.Save(old))
	recent := &Record{AgentID: "recent", State: Accepted, StateChangedAt: time.Now()}
	require.NoError(t, s.Save(recent))
	active := &Record{AgentID: "active", State: Queued, StateChangedAt: time.Now().Add(-48 * time.Hour)}
	require.NoError(t, s.Save(active))

	n, err := s.CleanupOld(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Load("old")
	assert.True(t, cairnerr.IsKind(err, cairnerr.NotFound))
	_, err = s.Load("recent")
	assert.NoError(t, err)
	_, err = s.Load("active")
	assert.NoError(t, err)
}

func TestStore_ConcurrentSavesAtSameVersionConflictExactlyOnce(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.Save(&Record{AgentID: "agent-1", State: Queued}))

	const writers = 8
	var wg sync.WaitGroup
	var conflicts, successes int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := &Record{AgentID: "agent-1", State: Generating, Version: 1}
			err := s.Save(rec)
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case cairnerr.IsKind(err, cairnerr.VersionConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected save error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&successes))
	assert.Equal(t, int32(writers-1), atomic.LoadInt32(&conflicts))

	loaded, err := s.Load("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version)
}
