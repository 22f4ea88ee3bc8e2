package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/storynest/storynest/internal/id"
)

// Options tunes the queue's retry and retention behavior.
type Options struct {
	MaxAttempts   int           // lease/fail cycles before a retryable error turns terminal
	BackoffBase   time.Duration // delay after the first failed attempt
	BackoffFactor int           // multiplier applied per additional attempt
	SucceededTTL  time.Duration // retention of succeeded jobs
	FailedTTL     time.Duration // retention of failed and cancelled jobs
	AvgJobTime    time.Duration // estimated duration of one job, for wait estimates
	Concurrency   int           // effective worker concurrency, for wait estimates
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:   3,
		BackoffBase:   60 * time.Second,
		BackoffFactor: 2,
		SucceededTTL:  2 * time.Hour,
		FailedTTL:     24 * time.Hour,
		AvgJobTime:    35 * time.Second,
		Concurrency:   3,
	}
}

// Backoff returns the requeue delay after the given number of attempts.
// The first attempt runs immediately; attempt n fails into a delay of
// base * factor^(n-1).
func (o Options) Backoff(attemptsMade int) time.Duration {
	d := o.BackoffBase
	for i := 1; i < attemptsMade; i++ {
		d *= time.Duration(o.BackoffFactor)
	}
	return d
}

// Store is the durable job queue over SQLite. All state transitions go
// through its typed API; every transition that is externally visible
// publishes an event on the sink.
type Store struct {
	db   *sql.DB
	sink EventSink
	opts Options
	wake map[Kind]chan struct{}

	// now is replaceable in tests.
	now func() time.Time
}

// NewStore creates a Store over an opened, migrated database.
func NewStore(db *sql.DB, sink EventSink, opts Options) *Store {
	if sink == nil {
		sink = NopSink{}
	}
	wake := make(map[Kind]chan struct{}, len(Kinds))
	for _, k := range Kinds {
		wake[k] = make(chan struct{}, 1)
	}
	return &Store{db: db, sink: sink, opts: opts, wake: wake, now: time.Now}
}

// Wake returns a channel that receives a signal whenever a job of the
// given kind becomes leasable. The channel has a buffer of one; workers
// should treat it as a hint and keep a bounded poll as fallback.
func (s *Store) Wake(kind Kind) <-chan struct{} {
	return s.wake[kind]
}

func (s *Store) signal(kind Kind) {
	select {
	case s.wake[kind] <- struct{}{}:
	default:
	}
}

// Enqueue inserts a new job in Queued state and announces it.
// The payload must already be validated.
func (s *Store) Enqueue(ctx context.Context, ownerID string, kind Kind, payload json.RawMessage, priority Priority) (*Job, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	if !priority.Valid() {
		priority = PriorityNormal
	}
	now := s.now()
	j := &Job{
		ID:          id.NewJobID(),
		OwnerID:     ownerID,
		Kind:        kind,
		Payload:     payload,
		Priority:    priority,
		State:       StateQueued,
		Stage:       StageQueued,
		MaxAttempts: s.opts.MaxAttempts,
		SubmittedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, kind, payload, priority, state, stage, progress,
			attempts_made, max_attempts, next_attempt_at, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, 0, ?)`,
		j.ID, j.OwnerID, string(j.Kind), string(j.Payload), int(j.Priority),
		string(j.State), string(j.Stage), j.MaxAttempts, msec(now))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	// Publish before waking workers: a woken worker can lease the job
	// and publish Progress immediately, and subscribers must see
	// Submitted first.
	s.sink.Publish(Event{
		Type: EventSubmitted, JobID: j.ID, OwnerID: j.OwnerID, Kind: j.Kind,
		State: StateQueued, Stage: StageQueued,
	})
	s.signal(kind)
	return j, nil
}

// LeaseNext atomically claims the next leasable job of the given kind:
// Queued, due for its next attempt, ordered by (priority asc,
// submitted_at asc). Returns (nil, nil) when the queue is empty.
// Leasing counts as an attempt and resets per-attempt progress.
func (s *Store) LeaseNext(ctx context.Context, kind Kind, workerID string, leaseFor time.Duration) (*Job, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var jobID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE kind = ? AND state = ? AND next_attempt_at <= ?
		ORDER BY priority ASC, submitted_at ASC
		LIMIT 1`,
		string(kind), string(StateQueued), msec(now)).Scan(&jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, stage = ?, progress = 0,
			attempts_made = attempts_made + 1,
			leased_by = ?, leased_at = ?, lease_expires_at = ?
		WHERE id = ? AND state = ?`,
		string(StateProcessing), string(StageQueued),
		workerID, msec(now), msec(now.Add(leaseFor)),
		jobID, string(StateQueued))
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}

	return s.Get(ctx, jobID)
}

// RenewLease extends the caller's lease. Fails with ErrLeaseLost if the
// worker no longer owns the lease (expired and reclaimed, or the job
// reached a terminal state).
func (s *Store) RenewLease(ctx context.Context, jobID, workerID string, leaseFor time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?
		WHERE id = ? AND leased_by = ? AND state = ?`,
		msec(s.now().Add(leaseFor)), jobID, workerID, string(StateProcessing))
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReportProgress records a stage checkpoint for the current attempt and
// publishes a Progress event. Progress is monotonically non-decreasing
// within an attempt: a report for an earlier stage is ignored.
func (s *Store) ReportProgress(ctx context.Context, jobID, workerID string, stage Stage) error {
	p := stage.Progress()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET stage = ?, progress = ?
		WHERE id = ? AND leased_by = ? AND state = ? AND progress <= ?`,
		string(stage), p, jobID, workerID, string(StateProcessing), p)
	if err != nil {
		return fmt.Errorf("report progress: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either the lease is gone or the report regressed. Distinguish:
		// a live lease with higher progress is not an error.
		var cur int
		err := s.db.QueryRowContext(ctx, `
			SELECT progress FROM jobs
			WHERE id = ? AND leased_by = ? AND state = ?`,
			jobID, workerID, string(StateProcessing)).Scan(&cur)
		if err == sql.ErrNoRows {
			return ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("check progress: %w", err)
		}
		return nil
	}

	j, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	s.sink.Publish(Event{
		Type: EventProgress, JobID: j.ID, OwnerID: j.OwnerID, Kind: j.Kind,
		State: j.State, Stage: j.Stage, Progress: j.Progress,
	})
	return nil
}

// Complete transitions the job to Succeeded, records the artifact
// reference and schedules retention deletion.
func (s *Store) Complete(ctx context.Context, jobID, workerID, artifactID, title string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, stage = ?, progress = 100,
			artifact_id = ?, title = ?, finished_at = ?, delete_after = ?,
			leased_by = '', lease_expires_at = 0
		WHERE id = ? AND leased_by = ? AND state = ?`,
		string(StateSucceeded), string(StageCompleted),
		artifactID, title, msec(now), msec(now.Add(s.opts.SucceededTTL)),
		jobID, workerID, string(StateProcessing))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}

	j, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	s.sink.Publish(Event{
		Type: EventSucceeded, JobID: j.ID, OwnerID: j.OwnerID, Kind: j.Kind,
		State: StateSucceeded, Stage: StageCompleted, Progress: 100,
		ArtifactID: artifactID, Title: title,
	})
	return nil
}

// Fail records a failed attempt. Permanent errors, and retryable errors
// that exhausted the attempt budget, transition the job to Failed and
// publish a Failed event. Other retryable errors return the job to
// Queued with an exponential backoff delay and publish nothing.
func (s *Store) Fail(ctx context.Context, jobID, workerID string, kind ErrorKind, message string) error {
	j, err := s.getOwned(ctx, jobID, workerID)
	if err != nil {
		return err
	}

	now := s.now()
	if kind == ErrorPermanent || j.AttemptsMade >= j.MaxAttempts {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = ?, error_kind = ?, error_message = ?,
				finished_at = ?, delete_after = ?,
				leased_by = '', lease_expires_at = 0
			WHERE id = ? AND leased_by = ? AND state = ?`,
			string(StateFailed), string(kind), message,
			msec(now), msec(now.Add(s.opts.FailedTTL)),
			jobID, workerID, string(StateProcessing))
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrLeaseLost
		}
		s.sink.Publish(Event{
			Type: EventFailed, JobID: j.ID, OwnerID: j.OwnerID, Kind: j.Kind,
			State: StateFailed, Stage: j.Stage, Progress: j.Progress,
			Error: message,
		})
		return nil
	}

	delay := s.opts.Backoff(j.AttemptsMade)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, stage = ?, progress = 0,
			next_attempt_at = ?,
			leased_by = '', lease_expires_at = 0
		WHERE id = ? AND leased_by = ? AND state = ?`,
		string(StateQueued), string(StageQueued),
		msec(now.Add(delay)),
		jobID, workerID, string(StateProcessing))
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Cancel removes a Queued job owned by the caller. Processing jobs may
// not be cancelled; they complete or fail on their own. Terminal jobs
// stay terminal.
func (s *Store) Cancel(ctx context.Context, jobID, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner, state string
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id, state FROM jobs WHERE id = ?`, jobID).Scan(&owner, &state)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if owner != ownerID {
		return ErrNotOwned
	}
	switch State(state) {
	case StateQueued:
	case StateProcessing:
		return ErrAlreadyRunning
	default:
		return ErrAlreadyTerminal
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, finished_at = ?, delete_after = ?
		WHERE id = ? AND state = ?`,
		string(StateCancelled), msec(now), msec(now.Add(s.opts.FailedTTL)),
		jobID, string(StateQueued)); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}

	j, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	s.sink.Publish(Event{
		Type: EventCancelled, JobID: j.ID, OwnerID: j.OwnerID, Kind: j.Kind,
		State: StateCancelled, Stage: j.Stage, Progress: j.Progress,
	})
	return nil
}

// Get returns the full job projection. Returns ErrNotFound for unknown
// (or already reaped) job ids.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, kind, payload, priority, state, stage, progress,
			attempts_made, max_attempts, next_attempt_at, submitted_at,
			leased_by, leased_at, lease_expires_at, finished_at,
			artifact_id, title, error_kind, error_message
		FROM jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

// ListOwnerPending returns all non-terminal jobs owned by a user, oldest
// first.
func (s *Store) ListOwnerPending(ctx context.Context, ownerID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, kind, payload, priority, state, stage, progress,
			attempts_made, max_attempts, next_attempt_at, submitted_at,
			leased_by, leased_at, lease_expires_at, finished_at,
			artifact_id, title, error_kind, error_message
		FROM jobs
		WHERE owner_id = ? AND state IN (?, ?)
		ORDER BY submitted_at ASC`,
		ownerID, string(StateQueued), string(StateProcessing))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Stats summarizes the queue for monitoring: per-state counts, queue
// depth and a rough wait estimate (depth / concurrency * average job
// duration).
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`

	EstimatedWaitSeconds int `json:"estimatedWaitSeconds"`
}

// Stats returns current queue statistics.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return Stats{}, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var st Stats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, err
		}
		switch State(state) {
		case StateQueued:
			st.Queued = n
		case StateProcessing:
			st.Processing = n
		case StateSucceeded:
			st.Succeeded = n
		case StateFailed:
			st.Failed = n
		case StateCancelled:
			st.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	st.EstimatedWaitSeconds = s.EstimateWaitSeconds(st.Queued)
	return st, nil
}

// EstimateWaitSeconds estimates how long a newly submitted job waits
// before a worker picks it up.
func (s *Store) EstimateWaitSeconds(depth int) int {
	conc := s.opts.Concurrency
	if conc < 1 {
		conc = 1
	}
	waves := (depth + conc - 1) / conc
	return int(time.Duration(waves) * s.opts.AvgJobTime / time.Second)
}

// QueueDepth returns the number of Queued jobs of one kind.
func (s *Store) QueueDepth(ctx context.Context, kind Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE kind = ? AND state = ?`,
		string(kind), string(StateQueued)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// getOwned loads a job and checks the caller still holds its lease.
func (s *Store) getOwned(ctx context.Context, jobID, workerID string) (*Job, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State != StateProcessing || j.LeasedBy != workerID {
		return nil, ErrLeaseLost
	}
	return j, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var kind, state, stage, errKind, errMsg, artifactID, title, payload string
	var priority int
	var nextAttempt, submitted, leasedAt, leaseExpires, finished int64

	err := row.Scan(&j.ID, &j.OwnerID, &kind, &payload, &priority, &state, &stage,
		&j.Progress, &j.AttemptsMade, &j.MaxAttempts, &nextAttempt, &submitted,
		&j.LeasedBy, &leasedAt, &leaseExpires, &finished,
		&artifactID, &title, &errKind, &errMsg)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Kind = Kind(kind)
	j.Payload = json.RawMessage(payload)
	j.Priority = Priority(priority)
	j.State = State(state)
	j.Stage = Stage(stage)
	j.NextAttemptAt = fromMsec(nextAttempt)
	j.SubmittedAt = fromMsec(submitted)
	j.LeasedAt = fromMsec(leasedAt)
	j.LeaseExpiresAt = fromMsec(leaseExpires)
	j.FinishedAt = fromMsec(finished)

	if j.State == StateSucceeded {
		j.Result = &Result{ArtifactID: artifactID, Title: title}
	}
	if j.State == StateFailed {
		j.Error = &JobError{Kind: ErrorKind(errKind), Message: errMsg}
	}
	return &j, nil
}

func msec(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMsec(m int64) time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m)
}
