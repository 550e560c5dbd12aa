// Package lifecycle implements the persistent per-agent lifecycle store:
// a typed KV repository over LifecycleRecord, backed by the bin workspace,
// with compare-and-swap on a version field and retry-with-backoff on
// recoverable storage errors.
package lifecycle

import (
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/cairn/cairnerr"
	"github.com/BaSui01/cairn/workspace"
)

// State is one of the eight points in the agent lifecycle state machine.
type State string

const (
	Queued     State = "QUEUED"
	Generating State = "GENERATING"
	Executing  State = "EXECUTING"
	Submitting State = "SUBMITTING"
	Reviewing  State = "REVIEWING"
	Accepted   State = "ACCEPTED"
	Rejected   State = "REJECTED"
	Errored    State = "ERRORED"
)

// IsTerminal reports whether state admits no further mutation; state
// transitions are acyclic once a terminal state is entered.
func (s State) IsTerminal() bool {
	switch s {
	case Accepted, Rejected, Errored:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the lifecycle DAG: the forward phase chain
// plus the ERRORED escape hatch from any non-terminal phase, plus the two
// terminal commands out of REVIEWING (and REJECTED straight out of QUEUED).
var validTransitions = map[State][]State{
	Queued:     {Generating, Errored, Rejected},
	Generating: {Executing, Errored},
	Executing:  {Submitting, Errored},
	Submitting: {Reviewing, Errored},
	Reviewing:  {Accepted, Rejected, Errored},
}

// CanTransition reports whether moving from one lifecycle state to another
// is permitted by the state machine.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SubmissionRecord is the agent-authored summary of its own change, read
// from the agent workspace KV at the "submission" key during SUBMITTING.
type SubmissionRecord struct {
	Summary      string   `json:"summary"`
	ChangedFiles []string `json:"changed_files"`
}

// ErrorInfo is the structured description attached to a record that enters
// ERRORED: the message, the state the agent failed in, plus any
// kind-specific fields.
type ErrorInfo struct {
	Message        string         `json:"message"`
	StateAtFailure State          `json:"state_at_failure"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// Record is the persistent mirror of an orchestrator AgentContext.
type Record struct {
	AgentID        string            `json:"agent_id"`
	Task           string            `json:"task"`
	Priority       int               `json:"priority"`
	State          State             `json:"state"`
	CreatedAt      time.Time         `json:"created_at"`
	StateChangedAt time.Time         `json:"state_changed_at"`
	WorkspacePath  string            `json:"workspace_path"`
	Submission     *SubmissionRecord `json:"submission,omitempty"`
	Error          *ErrorInfo        `json:"error,omitempty"`
	Version        int64             `json:"version"`
}

func (r *Record) clone() *Record {
	c := *r
	if r.Submission != nil {
		sub := *r.Submission
		c.Submission = &sub
	}
	if r.Error != nil {
		errInfo := *r.Error
		c.Error = &errInfo
	}
	return &c
}

// RetryConfig controls the backoff applied to recoverable save failures.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig: initial 200ms, factor 2, cap 3 attempts (the first
// try plus 2 retries), ceiling 30s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c RetryConfig) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialBackoff
	}
	d := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * c.BackoffMultiplier)
		if d > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}

// Sleeper abstracts time.Sleep so tests can avoid real backoff delays.
type Sleeper func(time.Duration)

// Store is the Lifecycle Store: a namespaced KV repository of Records.
// writeMu serializes the load-compare-write sequence inside Save so the
// version check and the write form one critical section; without it two
// concurrent Saves could both pass the check and silently lose one update.
type Store struct {
	writeMu sync.Mutex
	kv      *workspace.KV
	retry   RetryConfig
	sleep   Sleeper
}

// NewStore builds a lifecycle store over the bin workspace's KV, namespaced
// under "lifecycle" so it shares the bin store with the trash protocol's
// other bookkeeping without key collisions.
func NewStore(binKV *workspace.KV) *Store {
	return &Store{
		kv:    binKV.Namespace("lifecycle"),
		retry: DefaultRetryConfig(),
		sleep: time.Sleep,
	}
}

// WithRetryConfig overrides the default retry policy (primarily for tests).
func (s *Store) WithRetryConfig(rc RetryConfig) *Store {
	s.retry = rc
	return s
}

// WithSleeper overrides the backoff sleep function (primarily for tests, to
// avoid real delays).
func (s *Store) WithSleeper(sleep Sleeper) *Store {
	s.sleep = sleep
	return s
}

func recordKey(agentID string) string { return "record:" + agentID }

// Load returns the record for agentID, or a NotFound error.
func (s *Store) Load(agentID string) (*Record, error) {
	v, err := s.kv.Get(recordKey(agentID))
	if err != nil {
		return nil, err
	}
	rec, ok := v.(*Record)
	if !ok {
		return nil, cairnerr.New(cairnerr.InternalError, "lifecycle record has unexpected type").
			WithField("agent_id", agentID)
	}
	return rec.clone(), nil
}

// Save persists record with compare-and-swap on Version: record.Version must
// equal the currently stored version (0 for a not-yet-existing record).
// On success record.Version is incremented in place. Save failures
// classified RecoverableIO are retried with exponential backoff before
// surfacing to the caller.
func (s *Store) Save(record *Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, loadErr := s.Load(record.AgentID)
	if loadErr != nil && !cairnerr.IsKind(loadErr, cairnerr.NotFound) {
		return loadErr
	}
	if existing == nil {
		if record.Version != 0 {
			return cairnerr.New(cairnerr.VersionConflict, "lifecycle record does not exist").
				WithField("agent_id", record.AgentID).WithField("expected_version", record.Version)
		}
	} else if existing.Version != record.Version {
		return cairnerr.New(cairnerr.VersionConflict, "lifecycle record version mismatch").
			WithField("agent_id", record.AgentID).
			WithField("expected_version", record.Version).
			WithField("actual_version", existing.Version)
	}

	toPersist := record.clone()
	toPersist.Version = record.Version + 1

	var lastErr error
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if err := s.kv.Set(recordKey(record.AgentID), toPersist); err != nil {
			lastErr = err
			if !cairnerr.IsKind(err, cairnerr.RecoverableIO) {
				return err
			}
			if attempt < s.retry.MaxRetries {
				s.sleep(s.retry.backoff(attempt))
			}
			continue
		}
		record.Version = toPersist.Version
		return nil
	}
	return lastErr
}

// Delete removes agentID's record entirely.
func (s *Store) Delete(agentID string) error {
	s.kv.Delete(recordKey(agentID))
	return nil
}

// ListActive returns every record with state not in {ACCEPTED, REJECTED};
// ERRORED records remain "active" for status/inspection purposes until an
// explicit cleanup pass.
func (s *Store) ListActive() ([]*Record, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.State != Accepted && r.State != Rejected {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListAll returns every record, sorted by AgentID for deterministic output.
func (s *Store) ListAll() ([]*Record, error) {
	entries := s.kv.List("record:")
	out := make([]*Record, 0, len(entries))
	for _, e := range entries {
		rec, ok := e.Value.(*Record)
		if !ok {
			continue
		}
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// UpdateAtomic loads agentID's record, applies mutator, and saves the result,
// retrying the whole load-mutate-save cycle a bounded number of times on
// VersionConflict (a concurrent writer raced this one).
func (s *Store) UpdateAtomic(agentID string, mutator func(*Record) error) (*Record, error) {
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec, err := s.Load(agentID)
		if err != nil {
			return nil, err
		}
		if err := mutator(rec); err != nil {
			return nil, err
		}
		rec.StateChangedAt = time.Now()
		if err := s.Save(rec); err != nil {
			if cairnerr.IsKind(err, cairnerr.VersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return rec, nil
	}
	return nil, lastErr
}

// CleanupOld deletes records older than maxAge whose state is terminal,
// returning the count removed. Only the lifecycle record itself is
// removed; a trashed agent's archived workspace files are left in place.
func (s *Store) CleanupOld(maxAge time.Duration) (int, error) {
	all, err := s.ListAll()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, r := range all {
		if r.State.IsTerminal() && r.StateChangedAt.Before(cutoff) {
			if err := s.Delete(r.AgentID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
