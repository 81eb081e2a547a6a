// Package scheduler manages the lifecycle of asynchronous video-generation
// jobs: credits are reserved before a job is admitted, a bounded worker pool
// drives the external generation collaborator, and the reservation is
// committed or released on the terminal outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reelmuse/entitlement/pkg/entitlement"
)

const (
	defaultWorkerCount = 2
	defaultJobTimeout  = 10 * time.Minute

	failureReasonTimeout = "timeout"
)

// CreditLedger is the slice of the entitlement service the scheduler needs.
type CreditLedger interface {
	Reserve(ctx context.Context, userID entitlement.UserID, amount entitlement.PositiveCredits, reservationID entitlement.ReservationID, idempotencyKey entitlement.IdempotencyKey, metadata entitlement.MetadataJSON) error
	Commit(ctx context.Context, userID entitlement.UserID, reservationID entitlement.ReservationID, idempotencyKey entitlement.IdempotencyKey, metadata entitlement.MetadataJSON) error
	Release(ctx context.Context, userID entitlement.UserID, reservationID entitlement.ReservationID, idempotencyKey entitlement.IdempotencyKey, metadata entitlement.MetadataJSON) error
}

// JobStore persists job records.
type JobStore interface {
	InsertJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, from, to Status, resultRef string, failureReason string) error
	UpdateJobProgress(ctx context.Context, jobID string, progress int) error
	ListJobsByOwner(ctx context.Context, userID string, limit int) ([]Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// ProgressFunc receives generation progress as a percentage.
type ProgressFunc func(percent int)

// Generator is the external media-generation collaborator. Generate blocks
// until the video is rendered, reporting progress through report, and returns
// a reference to the rendered result.
type Generator interface {
	Generate(ctx context.Context, job Job, report ProgressFunc) (string, error)
}

// Config carries the scheduler's capacity knobs. QueueCeiling zero means
// unbounded queueing; JobTimeout bounds wall-clock time in Processing.
type Config struct {
	WorkerCount  int
	QueueCeiling int
	JobTimeout   time.Duration
}

// Scheduler owns the FIFO admission queue and the worker pool. Job state
// transitions for a single job are serialized under a per-job mutex; only the
// owning worker or Cancel mutates a given job.
type Scheduler struct {
	ledger    CreditLedger
	jobs      JobStore
	generator Generator
	logger    *zap.Logger
	cfg       Config
	nowFn     func() int64

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []string
	cancels  map[string]context.CancelFunc
	progress map[string]int
	closed   bool

	jobLocks sync.Map
}

// New wires a Scheduler.
func New(ledger CreditLedger, jobs JobStore, generator Generator, logger *zap.Logger, cfg Config, now func() int64) (*Scheduler, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidSchedulerConfig)
	}
	if jobs == nil {
		return nil, fmt.Errorf("%w: job store dependency is nil", ErrInvalidSchedulerConfig)
	}
	if generator == nil {
		return nil, fmt.Errorf("%w: generator dependency is nil", ErrInvalidSchedulerConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	scheduler := &Scheduler{
		ledger:    ledger,
		jobs:      jobs,
		generator: generator,
		logger:    logger,
		cfg:       cfg,
		nowFn:     now,
		cancels:   make(map[string]context.CancelFunc),
		progress:  make(map[string]int),
	}
	scheduler.cond = sync.NewCond(&scheduler.mu)
	return scheduler, nil
}

// Run starts the worker pool and blocks until ctx is cancelled and the
// workers have drained their in-flight jobs. Queued jobs left behind stay
// Queued; their reservations remain honored on restart.
func (scheduler *Scheduler) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-groupCtx.Done()
		scheduler.mu.Lock()
		scheduler.closed = true
		scheduler.mu.Unlock()
		scheduler.cond.Broadcast()
		return nil
	})
	for workerIndex := 0; workerIndex < scheduler.cfg.WorkerCount; workerIndex++ {
		group.Go(func() error {
			scheduler.workerLoop(groupCtx)
			return nil
		})
	}
	return group.Wait()
}

// Submit reserves the job's cost and enqueues it in Queued state. The call
// returns immediately with the job id; admission happens when a worker is
// free. With a queue ceiling configured, a full queue yields ErrRetryLater
// and nothing is reserved.
func (scheduler *Scheduler) Submit(ctx context.Context, userID entitlement.UserID, spec Spec) (string, error) {
	quality, err := ParseQuality(spec.Quality.String())
	if err != nil {
		return "", err
	}
	spec.Quality = quality

	scheduler.mu.Lock()
	if scheduler.closed {
		scheduler.mu.Unlock()
		return "", ErrSchedulerStopped
	}
	if scheduler.cfg.QueueCeiling > 0 && len(scheduler.pending) >= scheduler.cfg.QueueCeiling {
		scheduler.mu.Unlock()
		return "", ErrRetryLater
	}
	scheduler.mu.Unlock()

	jobID := uuid.NewString()
	cost := quality.CostCredits()
	refs, err := newLedgerRefs(userID.String(), jobID)
	if err != nil {
		return "", err
	}
	amount, err := entitlement.NewPositiveCredits(cost)
	if err != nil {
		return "", err
	}
	if err := scheduler.ledger.Reserve(ctx, refs.owner, amount, refs.reservation, refs.key("submit"), refs.metadata); err != nil {
		return "", err
	}

	job := Job{
		JobID:          jobID,
		OwnerUserID:    userID.String(),
		ReservationID:  refs.reservation.String(),
		Spec:           spec,
		CostCredits:    cost,
		Status:         StatusQueued,
		CreatedUnixUTC: scheduler.nowFn(),
	}
	if err := scheduler.jobs.InsertJob(ctx, job); err != nil {
		if releaseErr := scheduler.ledger.Release(ctx, refs.owner, refs.reservation, refs.key("abort"), refs.metadata); releaseErr != nil {
			scheduler.logger.Error("release after failed insert", zap.String("job_id", jobID), zap.Error(releaseErr))
		}
		return "", err
	}

	scheduler.mu.Lock()
	scheduler.pending = append(scheduler.pending, jobID)
	scheduler.mu.Unlock()
	scheduler.cond.Signal()
	return jobID, nil
}

// Status returns the job record.
func (scheduler *Scheduler) Status(ctx context.Context, jobID string) (Job, error) {
	return scheduler.jobs.GetJob(ctx, jobID)
}

// List returns the owner's jobs, newest first.
func (scheduler *Scheduler) List(ctx context.Context, userID entitlement.UserID, limit int) ([]Job, error) {
	return scheduler.jobs.ListJobsByOwner(ctx, userID.String(), limit)
}

// Cancel transitions a Queued or Processing job to Cancelled and releases its
// reservation. A Processing job's collaborator is signalled to stop; any late
// completion it reports is treated as a no-op. Terminal jobs yield
// ErrInvalidTransition.
func (scheduler *Scheduler) Cancel(ctx context.Context, jobID string) error {
	unlock := scheduler.lockJob(jobID)
	job, err := scheduler.jobs.GetJob(ctx, jobID)
	if err != nil {
		unlock()
		return err
	}
	if !CanTransition(job.Status, StatusCancelled) {
		unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, StatusCancelled)
	}
	if err := scheduler.releaseReservation(ctx, job, "cancel"); err != nil {
		unlock()
		return err
	}
	if err := scheduler.jobs.UpdateJobStatus(ctx, jobID, job.Status, StatusCancelled, "", ""); err != nil {
		unlock()
		return err
	}
	unlock()

	scheduler.mu.Lock()
	cancelRunning := scheduler.cancels[jobID]
	scheduler.mu.Unlock()
	if cancelRunning != nil {
		cancelRunning()
	}
	return nil
}

// Delete removes a terminal job record. Active jobs must be cancelled first.
func (scheduler *Scheduler) Delete(ctx context.Context, jobID string) error {
	unlock := scheduler.lockJob(jobID)
	defer unlock()
	job, err := scheduler.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("%w: cannot delete %s job", ErrInvalidTransition, job.Status)
	}
	return scheduler.jobs.DeleteJob(ctx, jobID)
}

func (scheduler *Scheduler) workerLoop(ctx context.Context) {
	for {
		scheduler.mu.Lock()
		for len(scheduler.pending) == 0 && !scheduler.closed {
			scheduler.cond.Wait()
		}
		if len(scheduler.pending) == 0 && scheduler.closed {
			scheduler.mu.Unlock()
			return
		}
		jobID := scheduler.pending[0]
		scheduler.pending = scheduler.pending[1:]
		scheduler.mu.Unlock()
		scheduler.runJob(ctx, jobID)
	}
}

func (scheduler *Scheduler) runJob(ctx context.Context, jobID string) {
	// Detach from the run context so shutdown drains the in-flight job
	// instead of aborting it mid-render.
	baseCtx := context.WithoutCancel(ctx)

	unlock := scheduler.lockJob(jobID)
	job, err := scheduler.jobs.GetJob(baseCtx, jobID)
	if err != nil {
		unlock()
		scheduler.logger.Error("load queued job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status != StatusQueued {
		// Cancelled while waiting in the queue.
		unlock()
		return
	}
	if err := scheduler.jobs.UpdateJobStatus(baseCtx, jobID, StatusQueued, StatusProcessing, "", ""); err != nil {
		unlock()
		scheduler.logger.Error("admit job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	jobCtx, cancelJob := context.WithTimeout(baseCtx, scheduler.cfg.JobTimeout)
	scheduler.mu.Lock()
	scheduler.cancels[jobID] = cancelJob
	scheduler.mu.Unlock()
	unlock()

	resultRef, generateErr := scheduler.generator.Generate(jobCtx, job, scheduler.progressReporter(baseCtx, jobID))
	timedOut := errors.Is(jobCtx.Err(), context.DeadlineExceeded)

	scheduler.mu.Lock()
	delete(scheduler.cancels, jobID)
	delete(scheduler.progress, jobID)
	scheduler.mu.Unlock()
	cancelJob()

	unlock = scheduler.lockJob(jobID)
	defer unlock()
	current, err := scheduler.jobs.GetJob(baseCtx, jobID)
	if err != nil {
		scheduler.logger.Error("load running job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if current.Status != StatusProcessing {
		// Cancel won the race; the late collaborator result is a no-op.
		return
	}
	if generateErr != nil || timedOut {
		reason := failureReasonTimeout
		if !timedOut && generateErr != nil {
			reason = generateErr.Error()
		}
		scheduler.failJob(baseCtx, current, reason)
		return
	}
	if err := scheduler.commitReservation(baseCtx, current); err != nil {
		scheduler.logger.Error("commit reservation", zap.String("job_id", jobID), zap.Error(err))
		scheduler.failJob(baseCtx, current, "ledger commit failed")
		return
	}
	if err := scheduler.jobs.UpdateJobStatus(baseCtx, jobID, StatusProcessing, StatusCompleted, resultRef, ""); err != nil {
		scheduler.logger.Error("complete job", zap.String("job_id", jobID), zap.Error(err))
	}
}

// failJob refunds the reservation before recording Failed, so no caller can
// observe a Failed job with credits still held.
func (scheduler *Scheduler) failJob(ctx context.Context, job Job, reason string) {
	if err := scheduler.releaseReservation(ctx, job, "refund"); err != nil {
		scheduler.logger.Error("release reservation", zap.String("job_id", job.JobID), zap.Error(err))
	}
	if err := scheduler.jobs.UpdateJobStatus(ctx, job.JobID, StatusProcessing, StatusFailed, "", reason); err != nil {
		scheduler.logger.Error("fail job", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

func (scheduler *Scheduler) progressReporter(ctx context.Context, jobID string) ProgressFunc {
	return func(percent int) {
		scheduler.mu.Lock()
		last := scheduler.progress[jobID]
		if percent < 0 || percent > 100 || percent <= last {
			scheduler.mu.Unlock()
			scheduler.logger.Debug("ignoring non-monotonic progress update",
				zap.String("job_id", jobID), zap.Int("percent", percent), zap.Int("last", last))
			return
		}
		scheduler.progress[jobID] = percent
		scheduler.mu.Unlock()
		if err := scheduler.jobs.UpdateJobProgress(ctx, jobID, percent); err != nil {
			scheduler.logger.Warn("persist progress", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

func (scheduler *Scheduler) commitReservation(ctx context.Context, job Job) error {
	refs, err := newLedgerRefs(job.OwnerUserID, job.JobID)
	if err != nil {
		return err
	}
	return scheduler.ledger.Commit(ctx, refs.owner, refs.reservation, refs.key("commit"), refs.metadata)
}

func (scheduler *Scheduler) releaseReservation(ctx context.Context, job Job, keySuffix string) error {
	refs, err := newLedgerRefs(job.OwnerUserID, job.JobID)
	if err != nil {
		return err
	}
	return scheduler.ledger.Release(ctx, refs.owner, refs.reservation, refs.key(keySuffix), refs.metadata)
}

func (scheduler *Scheduler) lockJob(jobID string) func() {
	lockValue, _ := scheduler.jobLocks.LoadOrStore(jobID, &sync.Mutex{})
	jobLock := lockValue.(*sync.Mutex)
	jobLock.Lock()
	return jobLock.Unlock
}

// ledgerRefs bundles the value types used for a job's ledger traffic.
type ledgerRefs struct {
	owner       entitlement.UserID
	reservation entitlement.ReservationID
	metadata    entitlement.MetadataJSON
	jobID       string
}

func newLedgerRefs(ownerUserID string, jobID string) (ledgerRefs, error) {
	owner, err := entitlement.NewUserID(ownerUserID)
	if err != nil {
		return ledgerRefs{}, err
	}
	reservation, err := entitlement.NewReservationID("job:" + jobID)
	if err != nil {
		return ledgerRefs{}, err
	}
	metadata, err := entitlement.NewMetadataJSON(fmt.Sprintf(`{"job_id":%q}`, jobID))
	if err != nil {
		return ledgerRefs{}, err
	}
	return ledgerRefs{owner: owner, reservation: reservation, metadata: metadata, jobID: jobID}, nil
}

func (refs ledgerRefs) key(suffix string) entitlement.IdempotencyKey {
	idempotencyKey, err := entitlement.NewIdempotencyKey(suffix + ":" + refs.jobID)
	if err != nil {
		// Unreachable: suffix and job id are never empty.
		panic(err)
	}
	return idempotencyKey
}
