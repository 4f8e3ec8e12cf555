package sql

import (
	gosql "database/sql"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/ovidian/loom/job"
	"github.com/ovidian/loom/lease"
	"github.com/ovidian/loom/store"
	"github.com/ovidian/loom/worker"
)

// Store implements loom/store.Store over a bun.DB connection. The
// provided *bun.DB must be connected and InitDB must have run before use.
type Store struct {
	db *bun.DB
}

// New wraps an already-configured bun.DB as a Store.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

var _ store.Store = (*Store)(nil)

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gosql.ErrNoRows) {
		return store.ErrNotFound
	}
	return errors.Join(store.ErrUnavailable, err)
}

// --- jobs ---

func (s *Store) PutJob(ctx context.Context, j *job.Job) error {
	_, err := s.db.NewInsert().Model(fromJob(j)).Exec(ctx)
	if err != nil {
		return wrapErr(err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	var m jobModel
	err := s.db.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	return m.toJob(), nil
}

func (s *Store) ListJobs(ctx context.Context, status *job.Status, page store.Page) ([]*job.Job, error) {
	var rows []jobModel
	q := s.db.NewSelect().Model(&rows).Order("created_at ASC")
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if page.Limit > 0 {
		q = q.Limit(page.Limit).Offset(page.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, wrapErr(err)
	}
	out := make([]*job.Job, len(rows))
	for i := range rows {
		out[i] = rows[i].toJob()
	}
	return out, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, expected, next job.Status) error {
	res, err := s.db.NewUpdate().Model((*jobModel)(nil)).
		Set("status = ?", next).
		Set("updated_at = ?", time.Now()).
		Where("id = ? AND status = ?", id, expected).
		Exec(ctx)
	if err != nil {
		return wrapErr(err)
	}
	if !isAffected(res) {
		return store.ErrConflict
	}
	return nil
}

// --- dependencies ---

func (s *Store) AddDependency(ctx context.Context, parent, child uuid.UUID, typ job.DependencyType) error {
	_, err := s.db.NewInsert().Model(&dependencyModel{Parent: parent, Child: child, Type: uint8(typ)}).Exec(ctx)
	if err != nil {
		return wrapErr(err)
	}
	return nil
}

func (s *Store) RemoveDependency(ctx context.Context, parent, child uuid.UUID) error {
	res, err := s.db.NewDelete().Model((*dependencyModel)(nil)).
		Where("parent = ? AND child = ?", parent, child).Exec(ctx)
	if err != nil {
		return wrapErr(err)
	}
	if !isAffected(res) {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListDependencies(ctx context.Context, jobId uuid.UUID, asChild bool) ([]store.DependencyEdge, error) {
	var rows []dependencyModel
	q := s.db.NewSelect().Model(&rows)
	if asChild {
		q = q.Where("child = ?", jobId)
	} else {
		q = q.Where("parent = ?", jobId)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, wrapErr(err)
	}
	out := make([]store.DependencyEdge, len(rows))
	for i, r := range rows {
		out[i] = store.DependencyEdge{Parent: r.Parent, Child: r.Child, Type: job.DependencyType(r.Type)}
	}
	return out, nil
}

// --- workers ---

func (s *Store) PutWorker(ctx context.Context, spec worker.Spec) error {
	model := &workerModel{
		Id:                        spec.Id,
		Locator:                   spec.Locator,
		Capabilities:              spec.Capabilities,
		MaxSlots:                  spec.MaxSlots,
		ReservedHighPrioritySlots: spec.ReservedHighPrioritySlots,
		LoadFactor:                spec.LoadFactor,
		PriorityThreshold:         spec.PriorityThreshold,
		Status:                    uint8(worker.Active),
		LastHeartbeat:             time.Now(),
	}
	_, err := s.db.NewInsert().Model(model).
		On("CONFLICT (id) DO UPDATE").
		Set("locator = EXCLUDED.locator").
		Set("capabilities = EXCLUDED.capabilities").
		Set("max_slots = EXCLUDED.max_slots").
		Set("reserved_high_priority_slots = EXCLUDED.reserved_high_priority_slots").
		Set("load_factor = EXCLUDED.load_factor").
		Set("priority_threshold = EXCLUDED.priority_threshold").
		Set("status = ?", uint8(worker.Active)).
		Set("epoch = workers.epoch + 1").
		Exec(ctx)
	if err != nil {
		return wrapErr(err)
	}
	return nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]worker.Spec, error) {
	var rows []workerModel
	if err := s.db.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return nil, wrapErr(err)
	}
	out := make([]worker.Spec, len(rows))
	for i := range rows {
		out[i] = rows[i].toSpec()
	}
	return out, nil
}

func (s *Store) UpdateWorkerHeartbeat(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.NewUpdate().Model((*workerModel)(nil)).
		Set("last_heartbeat = ?", now).
		Where("id = ?", id).Exec(ctx)
	if err != nil {
		return wrapErr(err)
	}
	if !isAffected(res) {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateWorkerStatus(ctx context.Context, id string, expected, next worker.Status) error {
	res, err := s.db.NewUpdate().Model((*workerModel)(nil)).
		Set("status = ?", uint8(next)).
		Where("id = ? AND status = ?", id, uint8(expected)).Exec(ctx)
	if err != nil {
		return wrapErr(err)
	}
	if !isAffected(res) {
		return store.ErrConflict
	}
	return nil
}

// --- leases ---

func (s *Store) IssueLease(ctx context.Context, jobId uuid.UUID, workerId string, workerEpoch uint64, deadline time.Time) (*lease.Lease, error) {
	var result *lease.Lease
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		active, err := tx.NewSelect().Model((*leaseModel)(nil)).
			Where("job_id = ? AND completed_outcome IS NULL AND released_at IS NULL", jobId).
			Exists(ctx)
		if err != nil {
			return err
		}
		if active {
			return store.ErrConflict
		}

		res, err := tx.NewUpdate().Model((*jobModel)(nil)).
			Set("status = ?", job.Running).
			Set("updated_at = ?", time.Now()).
			Where("id = ? AND status = ?", jobId, job.Ready).
			Exec(ctx)
		if err != nil {
			return err
		}
		if !isAffected(res) {
			return store.ErrConflict
		}

		var j jobModel
		if err := tx.NewSelect().Model(&j).Where("id = ?", jobId).Scan(ctx); err != nil {
			return err
		}

		lm := &leaseModel{
			Id:          uuid.New(),
			JobId:       jobId,
			WorkerId:    workerId,
			WorkerEpoch: workerEpoch,
			Attempt:     j.Attempts + 1,
			IssuedAt:    time.Now(),
			Deadline:    deadline,
		}
		if _, err := tx.NewInsert().Model(lm).Exec(ctx); err != nil {
			return err
		}
		result = lm.toLease()
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, store.ErrConflict
		}
		return nil, wrapErr(err)
	}
	return result, nil
}

func (s *Store) CompleteLease(ctx context.Context, leaseId uuid.UUID, outcome store.LeaseOutcome, errMsg string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var lm leaseModel
		if err := tx.NewSelect().Model(&lm).Where("id = ?", leaseId).Scan(ctx); err != nil {
			return wrapErr(err)
		}
		if lm.CompletedOutcome != nil {
			if *lm.CompletedOutcome == uint8(outcome) {
				return nil // idempotent repeat
			}
			return store.ErrConflict
		}

		o := uint8(outcome)
		res, err := tx.NewUpdate().Model((*leaseModel)(nil)).
			Set("completed_outcome = ?", o).
			Where("id = ? AND completed_outcome IS NULL", leaseId).
			Exec(ctx)
		if err != nil {
			return err
		}
		if !isAffected(res) {
			return store.ErrConflict
		}

		next := outcomeToStatus(outcome)
		_, err = tx.NewUpdate().Model((*jobModel)(nil)).
			Set("status = ?", next).
			Set("last_error = ?", errMsg).
			Set("updated_at = ?", time.Now()).
			Where("id = ?", lm.JobId).
			Exec(ctx)
		return err
	})
}

func outcomeToStatus(o store.LeaseOutcome) job.Status {
	switch o {
	case store.OutcomeSucceeded:
		return job.Completed
	case store.OutcomeCancelled:
		return job.Cancelled
	default:
		return job.Failed
	}
}

func (s *Store) GetLease(ctx context.Context, jobId uuid.UUID) (*lease.Lease, error) {
	var lm leaseModel
	err := s.db.NewSelect().Model(&lm).
		Where("job_id = ? AND completed_outcome IS NULL AND released_at IS NULL", jobId).Scan(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	return lm.toLease(), nil
}

// ReleaseLease resolves the active lease for jobId, if any, without
// recording an outcome or touching the job's own status. A no-op if
// jobId has no active lease.
func (s *Store) ReleaseLease(ctx context.Context, jobId uuid.UUID) error {
	_, err := s.db.NewUpdate().Model((*leaseModel)(nil)).
		Set("released_at = ?", time.Now()).
		Where("job_id = ? AND completed_outcome IS NULL AND released_at IS NULL", jobId).
		Exec(ctx)
	if err != nil {
		return wrapErr(err)
	}
	return nil
}

func (s *Store) GetLeaseByID(ctx context.Context, leaseId uuid.UUID) (*lease.Lease, error) {
	var lm leaseModel
	err := s.db.NewSelect().Model(&lm).Where("id = ?", leaseId).Scan(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	return lm.toLease(), nil
}

func (s *Store) ExpireLeases(ctx context.Context, now time.Time) ([]*lease.Lease, error) {
	var rows []leaseModel
	err := s.db.NewSelect().Model(&rows).
		Where("completed_outcome IS NULL AND released_at IS NULL AND deadline < ?", now).Scan(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]*lease.Lease, len(rows))
	for i := range rows {
		out[i] = rows[i].toLease()
	}
	return out, nil
}

// --- history & DLQ ---

func (s *Store) AppendHistory(ctx context.Context, entry store.HistoryEntry) error {
	m := &historyModel{
		JobId:     entry.JobId,
		Attempt:   entry.Attempt,
		FromState: uint8(entry.From),
		ToState:   uint8(entry.To),
		Error:     entry.Error,
		WorkerId:  entry.WorkerId,
		Timestamp: entry.Timestamp,
	}
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return wrapErr(err)
}

func (s *Store) PutDLQ(ctx context.Context, entry store.DLQEntry) error {
	m := &dlqModel{JobId: entry.JobId, FinalError: entry.FinalError, DeadAt: entry.DeadAt}
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (job_id) DO UPDATE").
		Set("final_error = EXCLUDED.final_error").
		Set("dead_at = EXCLUDED.dead_at").
		Exec(ctx)
	return wrapErr(err)
}

func (s *Store) ListDLQ(ctx context.Context, page store.Page) ([]store.DLQEntry, error) {
	var rows []dlqModel
	q := s.db.NewSelect().Model(&rows).Order("dead_at DESC")
	if page.Limit > 0 {
		q = q.Limit(page.Limit).Offset(page.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, wrapErr(err)
	}
	out := make([]store.DLQEntry, 0, len(rows))
	for _, r := range rows {
		j, err := s.GetJob(ctx, r.JobId)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		hist, err := s.history(ctx, r.JobId)
		if err != nil {
			return nil, err
		}
		out = append(out, store.DLQEntry{
			JobId:      r.JobId,
			Job:        j,
			FinalError: r.FinalError,
			History:    hist,
			DeadAt:     r.DeadAt,
		})
	}
	return out, nil
}

func (s *Store) history(ctx context.Context, jobId uuid.UUID) ([]store.HistoryEntry, error) {
	var rows []historyModel
	err := s.db.NewSelect().Model(&rows).Where("job_id = ?", jobId).Order("seq ASC").Scan(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]store.HistoryEntry, len(rows))
	for i, r := range rows {
		out[i] = store.HistoryEntry{
			JobId:     r.JobId,
			Attempt:   r.Attempt,
			From:      job.Status(r.FromState),
			To:        job.Status(r.ToState),
			Error:     r.Error,
			WorkerId:  r.WorkerId,
			Timestamp: r.Timestamp,
		}
	}
	return out, nil
}

func (s *Store) Retry(ctx context.Context, jobId uuid.UUID, resetAttempts bool) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().Model((*dlqModel)(nil)).Where("job_id = ?", jobId).Exec(ctx)
		if err != nil {
			return err
		}
		if !isAffected(res) {
			return store.ErrNotFound
		}
		update := tx.NewUpdate().Model((*jobModel)(nil)).
			Set("status = ?", job.Ready).
			Set("updated_at = ?", time.Now())
		if resetAttempts {
			update = update.Set("attempts = 0")
		}
		_, err = update.Where("id = ?", jobId).Exec(ctx)
		return err
	})
}

func (s *Store) Discard(ctx context.Context, jobId uuid.UUID) error {
	res, err := s.db.NewDelete().Model((*dlqModel)(nil)).Where("job_id = ?", jobId).Exec(ctx)
	if err != nil {
		return wrapErr(err)
	}
	if !isAffected(res) {
		return store.ErrNotFound
	}
	return nil
}
