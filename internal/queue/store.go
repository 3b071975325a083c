package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/buildkite/roko"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/shellgate/shellgate/logger"
)

// Store owns all on-disk job state. Every mutation goes through its mutex-free
// single-writer API; the directory itself is protected against a second
// shellgate by a file lock.
//
// Layout under the store directory:
//
//	jobs/<status>/<job_id>/job.json
//	results/<job_id>/stdout.log
//	results/<job_id>/stderr.log
//	results/<job_id>/metadata.json
//	stats.json
//	archive/
type Store struct {
	logger   logger.Logger
	dir      string
	capacity int

	// maxConcurrent is only used for the load band in stats.
	maxConcurrent int

	retention       time.Duration
	cleanupInterval time.Duration

	lock *flock.Flock

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// StoreOpts configures a Store.
type StoreOpts struct {
	Dir             string
	Capacity        int
	MaxConcurrent   int
	Retention       time.Duration
	CleanupInterval time.Duration
}

// ErrJobNotFound is wrapped by lookups for unknown job ids.
var ErrJobNotFound = errors.New("JOB_NOT_FOUND")

// ioError wraps filesystem failures with the stable QUEUE_IO_ERROR code.
func ioError(err error) error {
	return fmt.Errorf("QUEUE_IO_ERROR: %w", err)
}

// ioRetrier returns the retry policy for transient filesystem operations.
func ioRetrier() *roko.Retrier {
	return roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Constant(100*time.Millisecond)),
	)
}

// Open initialises the store directory, acquires the single-writer lock, and
// runs the crash recovery sweep.
func Open(l logger.Logger, opts StoreOpts) (*Store, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = 100
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 5 * time.Minute
	}

	s := &Store{
		logger:          l,
		dir:             opts.Dir,
		capacity:        opts.Capacity,
		maxConcurrent:   opts.MaxConcurrent,
		retention:       opts.Retention,
		cleanupInterval: opts.CleanupInterval,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}

	for _, status := range AllStatuses {
		if err := os.MkdirAll(s.shardDir(status), 0o700); err != nil {
			return nil, ioError(err)
		}
	}
	for _, sub := range []string{"results", "archive"} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o700); err != nil {
			return nil, ioError(err)
		}
	}

	s.lock = flock.New(filepath.Join(s.dir, ".lock"))
	held, err := s.lock.TryLock()
	if err != nil {
		return nil, ioError(err)
	}
	if !held {
		return nil, fmt.Errorf("QUEUE_IO_ERROR: queue directory %s is locked by another process", s.dir)
	}

	if err := s.recover(); err != nil {
		s.lock.Unlock()
		return nil, err
	}

	return s, nil
}

// recover handles jobs interrupted by a crash: anything still marked
// executing at boot can't be running any more, and results directories
// without a job record are leftovers from a half-finished removal.
func (s *Store) recover() error {
	if err := s.dedupe(); err != nil {
		return err
	}

	ids, err := s.shardIDs(StatusExecuting)
	if err != nil {
		return err
	}
	for _, id := range ids {
		_, err := s.Transition(id, StatusExecuting, StatusExecutionFailed, func(j *Job) {
			j.CurrentPhase = "failed"
			j.ProgressMessage = "Interrupted by service restart"
			j.CanRetry = true
			j.Error = &JobError{
				Code:       "INTERRUPTED",
				Message:    "service restarted while the job was executing",
				Suggestion: "resubmit the job",
			}
		})
		if err != nil {
			s.logger.Error("[Store] Failed to recover interrupted job %s: %v", id, err)
		} else {
			s.logger.Warn("[Store] Job %s was executing at shutdown, marked execution_failed", id)
		}
	}

	// Orphaned results with no job record in any shard.
	return s.removeOrphanedResults()
}

// dedupe restores the one-shard-per-job invariant after a crash between
// Transition's write-to-new-shard and remove-from-old-shard steps. The
// record with the later last_updated is the post-transition one and wins.
func (s *Store) dedupe() error {
	seen := map[string]Status{}
	for _, status := range AllStatuses {
		ids, err := s.shardIDs(status)
		if err != nil {
			return err
		}
		for _, id := range ids {
			prev, dup := seen[id]
			if !dup {
				seen[id] = status
				continue
			}
			keep, drop := status, prev
			a, errA := s.readRecord(prev, id)
			b, errB := s.readRecord(status, id)
			if errB != nil || (errA == nil && a.LastUpdated > b.LastUpdated) {
				keep, drop = prev, status
			}
			s.logger.Warn("[Store] Job %s found in both %s and %s, keeping %s", id, prev, status, keep)
			if err := os.RemoveAll(s.jobDir(drop, id)); err != nil {
				return ioError(err)
			}
			seen[id] = keep
		}
	}
	return nil
}

func (s *Store) removeOrphanedResults() error {
	entries, err := os.ReadDir(filepath.Join(s.dir, "results"))
	if err != nil {
		return ioError(err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := s.Peek(e.Name()); errors.Is(err, ErrJobNotFound) {
			s.logger.Warn("[Store] Removing orphaned results for %s", e.Name())
			os.RemoveAll(filepath.Join(s.dir, "results", e.Name()))
		}
	}
	return nil
}

// Start runs the retention watchdog until Stop is called.
func (s *Store) Start() {
	s.started = true
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Sweep(); err != nil {
					s.logger.Error("[Store] Retention sweep failed: %v", err)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the watchdog and releases the directory lock. Safe to call more
// than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.started {
			<-s.doneCh
		}
		s.lock.Unlock()
	})
}

func (s *Store) shardDir(status Status) string {
	return filepath.Join(s.dir, "jobs", string(status))
}

func (s *Store) jobDir(status Status, id string) string {
	return filepath.Join(s.shardDir(status), id)
}

// ResultsDir returns the directory holding a job's output files.
func (s *Store) ResultsDir(id string) string {
	return filepath.Join(s.dir, "results", id)
}

func (s *Store) shardIDs(status Status) ([]string, error) {
	entries, err := os.ReadDir(s.shardDir(status))
	if err != nil {
		return nil, ioError(err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// writeRecord writes job.json via write-temp-then-rename so a reader never
// observes a partial record.
func (s *Store) writeRecord(dir string, j *Job) error {
	return ioRetrier().Do(func(*roko.Retrier) error {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return ioError(err)
		}
		b, err := json.MarshalIndent(j, "", "  ")
		if err != nil {
			return fmt.Errorf("marshalling job %s: %w", j.ID, err)
		}
		tmp, err := os.CreateTemp(dir, ".job-*.tmp")
		if err != nil {
			return ioError(err)
		}
		name := tmp.Name()
		if _, err := tmp.Write(b); err != nil {
			tmp.Close()
			os.Remove(name)
			return ioError(err)
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(name)
			return ioError(err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(name)
			return ioError(err)
		}
		if err := os.Rename(name, filepath.Join(dir, "job.json")); err != nil {
			os.Remove(name)
			return ioError(err)
		}
		return nil
	})
}

func (s *Store) readRecord(status Status, id string) (*Job, error) {
	b, err := os.ReadFile(filepath.Join(s.jobDir(status, id), "job.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
		}
		return nil, ioError(err)
	}
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("parsing job %s: %w", id, err)
	}
	return &j, nil
}

// SubmitRequest is everything needed to enqueue a job.
type SubmitRequest struct {
	SessionID            string
	ConversationID       string
	Command              string
	Args                 []string
	WorkingDirectory     string
	Timeout              time.Duration
	RequiresConfirmation bool
	UserDescription      string
}

// Submit creates a new job record. Auto-approval is atomic with submission:
// jobs that don't require confirmation are born approved.
func (s *Store) Submit(req SubmitRequest) (*Job, error) {
	live, err := s.liveCount()
	if err != nil {
		return nil, err
	}
	if live >= s.capacity {
		return nil, fmt.Errorf("CAPACITY_EXCEEDED: queue holds %d of %d jobs", live, s.capacity)
	}

	op := ClassifyOperation(req.Command, req.Args)
	now := nowMS()
	j := &Job{
		ID:                   uuid.NewString(),
		ConversationID:       req.ConversationID,
		SessionID:            req.SessionID,
		Command:              req.Command,
		Args:                 req.Args,
		WorkingDirectory:     req.WorkingDirectory,
		RequestedTimeoutMS:   req.Timeout.Milliseconds(),
		OperationType:        op,
		UserDescription:      req.UserDescription,
		RequiresConfirmation: req.RequiresConfirmation,
		SubmittedAt:          now,
		LastUpdated:          now,
		EstimatedDurationMS:  EstimateDuration(op).Milliseconds(),
	}

	if req.RequiresConfirmation {
		j.Status = StatusPendingApproval
		j.CurrentPhase = "approval"
		j.ProgressMessage = "Submitted for approval"
	} else {
		j.Status = StatusApproved
		j.CurrentPhase = "execution"
		j.ProgressMessage = "Approved automatically"
		j.ApprovedAt = now
	}

	if err := s.writeRecord(s.jobDir(j.Status, j.ID), j); err != nil {
		return nil, err
	}
	s.logger.Info("[Store] Job %s submitted (%s %v) status=%s", j.ID, j.Command, j.Args, j.Status)
	return j, nil
}

func (s *Store) liveCount() (int, error) {
	total := 0
	for _, status := range []Status{StatusPendingApproval, StatusApproved, StatusExecuting} {
		ids, err := s.shardIDs(status)
		if err != nil {
			return 0, err
		}
		total += len(ids)
	}
	return total, nil
}

// Peek returns a job without recording the poll.
func (s *Store) Peek(id string) (*Job, error) {
	for _, status := range AllStatuses {
		j, err := s.readRecord(status, id)
		if err == nil {
			return j, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
}

// Get returns a job and records the poll (poll_count, last_polled_at).
func (s *Store) Get(id string) (*Job, error) {
	j, err := s.Peek(id)
	if err != nil {
		return nil, err
	}
	j.PollCount++
	j.LastPolledAt = nowMS()
	if err := s.writeRecord(s.jobDir(j.Status, j.ID), j); err != nil {
		return nil, err
	}
	return j, nil
}

// Transition atomically moves a job from one status shard to another,
// applying mutate to the record first. It refuses transitions out of
// terminal states and transitions where the job is no longer in from.
func (s *Store) Transition(id string, from, to Status, mutate func(*Job)) (*Job, error) {
	j, err := s.readRecord(from, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, fmt.Errorf("job %s is already %s; no transitions leave a terminal state", id, j.Status)
	}

	j.Status = to
	j.LastUpdated = nowMS()
	if mutate != nil {
		mutate(j)
	}
	j.Status = to // mutate must not change the destination

	// Write into the new shard first, then remove the old directory. A crash
	// in between leaves the job visible in both; recovery prefers the newer
	// record, and the single-location invariant is restored on first sweep.
	if err := s.writeRecord(s.jobDir(to, id), j); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(s.jobDir(from, id)); err != nil {
		s.logger.Error("[Store] Failed to remove %s/%s after transition to %s: %v", from, id, to, err)
	}

	s.logger.Info("[Store] Job %s: %s -> %s", id, from, to)
	return j, nil
}

// Update rewrites a job record in place without changing its status.
func (s *Store) Update(id string, mutate func(*Job)) (*Job, error) {
	j, err := s.Peek(id)
	if err != nil {
		return nil, err
	}
	mutate(j)
	j.LastUpdated = nowMS()
	if err := s.writeRecord(s.jobDir(j.Status, j.ID), j); err != nil {
		return nil, err
	}
	return j, nil
}

// Filter selects jobs for List.
type Filter struct {
	Status         Status
	OperationType  OperationType
	ConversationID string
	Limit          int
	Offset         int
}

// List enumerates jobs, newest-submitted first.
func (s *Store) List(f Filter) ([]Summary, error) {
	statuses := AllStatuses
	if f.Status != "" {
		statuses = []Status{f.Status}
	}

	var out []Summary
	for _, status := range statuses {
		ids, err := s.shardIDs(status)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			j, err := s.readRecord(status, id)
			if err != nil {
				// A job may move shards mid-scan; skip rather than fail the listing.
				continue
			}
			if f.OperationType != "" && j.OperationType != f.OperationType {
				continue
			}
			if f.ConversationID != "" && j.ConversationID != f.ConversationID {
				continue
			}
			out = append(out, j.summary())
		}
	}

	sort.Slice(out, func(a, b int) bool { return out[a].SubmittedAt > out[b].SubmittedAt })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []Summary{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// OldestApproved returns up to limit approved job ids, oldest submission
// first, for the processor to claim.
func (s *Store) OldestApproved(limit int) ([]string, error) {
	ids, err := s.shardIDs(StatusApproved)
	if err != nil {
		return nil, err
	}

	type pair struct {
		id string
		at int64
	}
	pairs := make([]pair, 0, len(ids))
	for _, id := range ids {
		j, err := s.readRecord(StatusApproved, id)
		if err != nil {
			continue
		}
		pairs = append(pairs, pair{id: id, at: j.SubmittedAt})
	}
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].at < pairs[b].at })

	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.id
	}
	return out, nil
}

// Remove deletes a job and its results. Results go first so a crash cannot
// leave result files with no record pointing at them for longer than one
// recovery sweep.
func (s *Store) Remove(id string) error {
	j, err := s.Peek(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(s.ResultsDir(id)); err != nil {
		return ioError(err)
	}
	if err := os.RemoveAll(s.jobDir(j.Status, id)); err != nil {
		return ioError(err)
	}
	return nil
}

// Sweep enforces retention: terminal jobs older than the retention window are
// removed, and current stats are persisted to stats.json.
func (s *Store) Sweep() error {
	cutoff := nowMS() - s.retention.Milliseconds()

	for _, status := range AllStatuses {
		if !status.Terminal() {
			continue
		}
		ids, err := s.shardIDs(status)
		if err != nil {
			return err
		}
		for _, id := range ids {
			j, err := s.readRecord(status, id)
			if err != nil {
				continue
			}
			age := j.CompletedAt
			if age == 0 {
				age = j.LastUpdated
			}
			if age < cutoff {
				s.logger.Info("[Store] Retention: removing %s job %s", status, id)
				if err := s.Remove(id); err != nil {
					s.logger.Error("[Store] Retention removal of %s failed: %v", id, err)
				}
			}
		}
	}

	stats, err := s.Stats()
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.dir, "stats.json"), b, 0o600); err != nil {
		return ioError(err)
	}
	return nil
}
