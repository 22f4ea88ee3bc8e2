package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// ReclaimExpired returns stalled jobs to the queue. A job whose lease
// expired without renewal lost its worker; the attempt still counts, so
// a job that stalls with its budget exhausted turns Failed instead.
// Returns the number of jobs transitioned.
func (s *Store) ReclaimExpired(ctx context.Context) (int, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, kind, stage, progress, attempts_made, max_attempts
		FROM jobs
		WHERE state = ? AND lease_expires_at > 0 AND lease_expires_at < ?`,
		string(StateProcessing), msec(now))
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}

	type stalled struct {
		id, owner string
		kind      Kind
		stage     Stage
		progress  int
		attempts  int
		max       int
	}
	var expired []stalled
	for rows.Next() {
		var st stalled
		var kind, stage string
		if err := rows.Scan(&st.id, &st.owner, &kind, &stage, &st.progress, &st.attempts, &st.max); err != nil {
			_ = rows.Close()
			return 0, err
		}
		st.kind, st.stage = Kind(kind), Stage(stage)
		expired = append(expired, st)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var reclaimed int
	for _, st := range expired {
		if st.attempts >= st.max {
			res, err := s.db.ExecContext(ctx, `
				UPDATE jobs
				SET state = ?, error_kind = ?, error_message = ?,
					finished_at = ?, delete_after = ?,
					leased_by = '', lease_expires_at = 0
				WHERE id = ? AND state = ? AND lease_expires_at < ?`,
				string(StateFailed), string(ErrorRetryable), "worker stalled",
				msec(now), msec(now.Add(s.opts.FailedTTL)),
				st.id, string(StateProcessing), msec(now))
			if err != nil {
				return reclaimed, fmt.Errorf("fail stalled job: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			s.sink.Publish(Event{
				Type: EventFailed, JobID: st.id, OwnerID: st.owner, Kind: st.kind,
				State: StateFailed, Stage: st.stage, Progress: st.progress,
				Error: "worker stalled",
			})
			reclaimed++
			continue
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = ?, stage = ?, progress = 0,
				next_attempt_at = ?, leased_by = '', lease_expires_at = 0
			WHERE id = ? AND state = ? AND lease_expires_at < ?`,
			string(StateQueued), string(StageQueued),
			msec(now), st.id, string(StateProcessing), msec(now))
		if err != nil {
			return reclaimed, fmt.Errorf("requeue stalled job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		s.signal(st.kind)
		reclaimed++
	}
	return reclaimed, nil
}

// SweepRetention deletes terminal jobs whose retention deadline passed:
// Succeeded after 2 h, Failed and Cancelled after 24 h (defaults).
// Returns the number of rows deleted.
func (s *Store) SweepRetention(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE delete_after > 0 AND delete_after < ?`,
		msec(s.now()))
	if err != nil {
		return 0, fmt.Errorf("sweep retention: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ResultExpired reports whether a succeeded job's artifact reference is
// past its retention deadline but not yet swept.
func (s *Store) ResultExpired(j *Job) bool {
	return j.State == StateSucceeded && s.now().After(j.FinishedAt.Add(s.opts.SucceededTTL))
}

// Maintain runs the reclaim and retention loops until the context is
// cancelled. Intended to run as a single background task per process.
func (s *Store) Maintain(ctx context.Context, reclaimEvery, sweepEvery time.Duration) {
	logger := slog.With("component", "queue")
	reclaim := time.NewTicker(reclaimEvery)
	defer reclaim.Stop()
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reclaim.C:
			n, err := s.ReclaimExpired(ctx)
			if err != nil && err != context.Canceled && err != sql.ErrConnDone {
				logger.Error("reclaim expired leases", "error", err)
			} else if n > 0 {
				logger.Warn("reclaimed stalled jobs", "count", n)
			}
		case <-sweep.C:
			n, err := s.SweepRetention(ctx)
			if err != nil && err != context.Canceled && err != sql.ErrConnDone {
				logger.Error("sweep retention", "error", err)
			} else if n > 0 {
				logger.Debug("swept expired jobs", "count", n)
			}
		}
	}
}
