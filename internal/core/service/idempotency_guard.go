package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/share-ledger/internal/core/domain"
	"github.com/rl1809/share-ledger/internal/metrics"
	"github.com/rl1809/share-ledger/internal/port"
)

const DefaultMaxAttempts = 3

// Operation is the unit of work guarded by ExecuteOnce. It writes through
// tx, which also carries the job's completion, so the two commit together.
// Its result must be JSON so it can be stored and replayed.
type Operation func(ctx context.Context, tx port.Tx) (json.RawMessage, error)

// IdempotencyGuard gives at-most-once success per (key, job class) across
// workers. Job state lives in the JobExecution row, locked for each
// transition. The row is not held while the operation runs; it is locked
// again as the last statement of the operation's transaction.
type IdempotencyGuard struct {
	txm        port.TxManager
	cache      port.IdempotencyCache
	cacheTTL   time.Duration
	staleAfter time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Recorder
	now        func() time.Time
}

type IdempotencyOption func(*IdempotencyGuard)

func WithIdempotencyLogger(logger zerolog.Logger) IdempotencyOption {
	return func(g *IdempotencyGuard) {
		g.logger = logger.With().Str("component", "idempotency_guard").Logger()
	}
}

func WithIdempotencyMetrics(m *metrics.Recorder) IdempotencyOption {
	return func(g *IdempotencyGuard) { g.metrics = m }
}

// WithResultCache serves completed results from cache before the database.
func WithResultCache(cache port.IdempotencyCache, ttl time.Duration) IdempotencyOption {
	return func(g *IdempotencyGuard) {
		g.cache = cache
		g.cacheTTL = ttl
	}
}

// WithStaleAfter lets a processing record untouched for d be claimed again,
// recovering jobs whose worker died mid-run.
func WithStaleAfter(d time.Duration) IdempotencyOption {
	return func(g *IdempotencyGuard) { g.staleAfter = d }
}

func NewIdempotencyGuard(txm port.TxManager, opts ...IdempotencyOption) *IdempotencyGuard {
	g := &IdempotencyGuard{
		txm:    txm,
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ExecuteOnce runs op unless (key, jobClass) already completed, in which
// case the stored result is returned. A failing op leaves the record failed
// for the caller's retry policy; after maxAttempts failures the job is
// terminal.
func (g *IdempotencyGuard) ExecuteOnce(ctx context.Context, key, jobClass string, maxAttempts int, op Operation) (json.RawMessage, error) {
	if key == "" {
		return nil, domain.ValidationError{Field: "idempotency_key", Message: "is required"}
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	log := g.logger.With().Str("key", key).Str("job_class", jobClass).Logger()

	if cached, ok := g.cached(ctx, key, jobClass); ok {
		g.metrics.Job(jobClass, "cached")
		return cached, nil
	}

	var (
		stored  json.RawMessage
		done    bool
		attempt int
	)
	err := g.txm.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		job, err := tx.LockJob(ctx, key, jobClass)
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		now := g.now()

		switch {
		case job.Status == domain.JobCompleted:
			stored, done = job.Result, true
			return nil
		case job.Status == domain.JobProcessing && !job.Stale(now, g.staleAfter):
			return domain.IdempotencyConflictError{Key: key, JobClass: jobClass}
		case job.Exhausted(maxAttempts):
			return domain.PermanentJobFailureError{Key: key, JobClass: jobClass, Attempts: job.AttemptNumber, Message: job.ErrorMessage}
		case job.Status == domain.JobProcessing:
			log.Warn().Time("last_update", job.UpdatedAt).Msg("taking over stale processing job")
		}

		job.AttemptNumber++
		job.Status = domain.JobProcessing
		job.StartedAt = &now
		job.UpdatedAt = now
		attempt = job.AttemptNumber
		return tx.SaveJob(ctx, job)
	})
	if err != nil {
		g.metrics.Job(jobClass, outcomeOf(err))
		return nil, err
	}
	if done {
		g.metrics.Job(jobClass, "replayed")
		g.store(ctx, key, jobClass, stored)
		return stored, nil
	}

	log.Debug().Int("attempt", attempt).Msg("job started")
	result, opErr := g.run(ctx, key, jobClass, attempt, op)
	if opErr != nil {
		var lost domain.IdempotencyConflictError
		if errors.As(opErr, &lost) {
			g.metrics.Job(jobClass, "conflict")
			log.Warn().Int("attempt", attempt).Msg("job taken over by another worker, work rolled back")
			return nil, opErr
		}
		if err := g.fail(ctx, key, jobClass, attempt, opErr); err != nil {
			log.Error().Err(err).Msg("failed to mark job failed")
		}
		g.metrics.Job(jobClass, "failed")
		log.Warn().Err(opErr).Int("attempt", attempt).Int("max_attempts", maxAttempts).Msg("job failed")
		return nil, opErr
	}

	g.metrics.Job(jobClass, "completed")
	g.store(ctx, key, jobClass, result)
	log.Debug().Int("attempt", attempt).Msg("job completed")
	return result, nil
}

// run executes op and marks the job completed in one transaction. If the
// attempt no longer owns the job when op returns, everything op wrote is
// rolled back. A failed commit writes nothing, so the job can safely run
// again.
func (g *IdempotencyGuard) run(ctx context.Context, key, jobClass string, attempt int, op Operation) (result json.RawMessage, err error) {
	err = g.txm.WithinTx(ctx, func(ctx context.Context, tx port.Tx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		result, err = op(ctx, tx)
		if err != nil {
			return err
		}

		job, err := tx.LockJob(ctx, key, jobClass)
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}
		if !job.OwnedBy(attempt) {
			return domain.IdempotencyConflictError{Key: key, JobClass: jobClass}
		}
		now := g.now()
		job.Status = domain.JobCompleted
		job.Result = result
		job.ErrorMessage = ""
		job.UpdatedAt = now
		job.CompletedAt = &now
		return tx.SaveJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// fail records opErr unless another worker has since claimed the job.
func (g *IdempotencyGuard) fail(ctx context.Context, key, jobClass string, attempt int, opErr error) error {
	return g.txm.WithinTx(context.WithoutCancel(ctx), func(ctx context.Context, tx port.Tx) error {
		job, err := tx.LockJob(ctx, key, jobClass)
		if err != nil {
			return err
		}
		if !job.OwnedBy(attempt) {
			return nil
		}
		now := g.now()
		job.Status = domain.JobFailed
		job.ErrorMessage = opErr.Error()
		job.UpdatedAt = now
		job.FailedAt = &now
		return tx.SaveJob(ctx, job)
	})
}

func (g *IdempotencyGuard) cached(ctx context.Context, key, jobClass string) (json.RawMessage, bool) {
	if g.cache == nil {
		return nil, false
	}
	b, ok, err := g.cache.GetResult(ctx, key, jobClass)
	if err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("idempotency cache read failed")
		return nil, false
	}
	return b, ok
}

func (g *IdempotencyGuard) store(ctx context.Context, key, jobClass string, result json.RawMessage) {
	if g.cache == nil || g.cacheTTL <= 0 {
		return
	}
	if err := g.cache.PutResult(ctx, key, jobClass, result, g.cacheTTL); err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("idempotency cache write failed")
	}
}

// Run is ExecuteOnce for a typed result.
func Run[T any](ctx context.Context, g *IdempotencyGuard, key, jobClass string, maxAttempts int, op func(ctx context.Context, tx port.Tx) (T, error)) (T, error) {
	var out T
	raw, err := g.ExecuteOnce(ctx, key, jobClass, maxAttempts, func(ctx context.Context, tx port.Tx) (json.RawMessage, error) {
		v, err := op(ctx, tx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", jobClass, err)
	}
	return out, nil
}

func outcomeOf(err error) string {
	switch err.(type) {
	case domain.IdempotencyConflictError:
		return "conflict"
	case domain.PermanentJobFailureError:
		return "exhausted"
	default:
		return "error"
	}
}
