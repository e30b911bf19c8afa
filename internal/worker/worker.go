package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/nanogen/internal/audit"
)

var ErrQueueFull = errors.New("worker: audit queue full")

type JobKind string

const (
	JobGeneration  JobKind = "generation"
	JobAdminAction JobKind = "admin_action"
)

type Job struct {
	ID         string
	Kind       JobKind
	Generation *audit.GenerationRecord
	Action     *audit.AdminAction
	CreatedAt  time.Time
}

// AuditQueue writes audit records in the background so a slow or failing
// audit store never blocks a user request.
type AuditQueue struct {
	jobs         chan *Job
	store        audit.Store
	logger       zerolog.Logger
	writeTimeout time.Duration
}

func NewAuditQueue(store audit.Store, size int, logger zerolog.Logger) *AuditQueue {
	if size <= 0 {
		size = 256
	}
	return &AuditQueue{
		jobs:         make(chan *Job, size),
		store:        store,
		logger:       logger.With().Str("component", "audit_queue").Logger(),
		writeTimeout: 5 * time.Second,
	}
}

// Enqueue never blocks: a full queue drops the job with ErrQueueFull.
func (q *AuditQueue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		q.logger.Warn().Str("job_id", job.ID).Str("kind", string(job.Kind)).Msg("audit queue full, dropping job")
		return ErrQueueFull
	}
}

func (q *AuditQueue) EnqueueGeneration(ctx context.Context, rec *audit.GenerationRecord) error {
	return q.Enqueue(ctx, &Job{Kind: JobGeneration, Generation: rec})
}

func (q *AuditQueue) EnqueueAdminAction(ctx context.Context, action *audit.AdminAction) error {
	return q.Enqueue(ctx, &Job{Kind: JobAdminAction, Action: action})
}

// Process runs until ctx is cancelled, then flushes what is still buffered.
func (q *AuditQueue) Process(ctx context.Context) error {
	for {
		select {
		case job := <-q.jobs:
			q.handle(job)
		case <-ctx.Done():
			q.drain()
			return nil
		}
	}
}

func (q *AuditQueue) drain() {
	for {
		select {
		case job := <-q.jobs:
			q.handle(job)
		default:
			return
		}
	}
}

func (q *AuditQueue) handle(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.writeTimeout)
	defer cancel()

	if err := q.write(ctx, job); err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Str("kind", string(job.Kind)).Msg("audit write failed")
	}
}

func (q *AuditQueue) write(ctx context.Context, job *Job) error {
	switch job.Kind {
	case JobGeneration:
		if job.Generation == nil {
			return errors.New("generation job without record")
		}
		return q.store.LogGeneration(ctx, job.Generation)
	case JobAdminAction:
		if job.Action == nil {
			return errors.New("admin action job without record")
		}
		return q.store.LogAdminAction(ctx, job.Action)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}
