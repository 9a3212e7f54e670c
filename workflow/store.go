package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/config"
	"bitbucket.org/mmdatafocus/apflow_backend/models"
	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
)

// PipelineStore is the persistence boundary the orchestrator works against.
// models.GormPipelineStore is the mysql implementation; tests use an
// in-memory one.
type PipelineStore interface {
	LoadInvoice(ctx context.Context, invoiceId string) (*models.Invoice, error)
	// Transition persists one audited state change atomically and updates
	// invoice.Status on success.
	Transition(ctx context.Context, invoice *models.Invoice, input models.TransitionInput) error
	ContractsByVendor(ctx context.Context, vendorKey string) ([]models.Contract, error)
	FindDuplicate(ctx context.Context, vendorKey, invoiceNumber string, totalAmount decimal.Decimal, excludeId uint) (*models.Invoice, error)
	ActiveRules(ctx context.Context) ([]models.WorkflowRule, error)
	// DiscrepancySet returns the recorded set for the latest version, used
	// when a run resumes after the validation stage already committed.
	DiscrepancySet(ctx context.Context, invoiceId string) ([]models.Discrepancy, error)
	IsSuperseded(ctx context.Context, invoiceId string) (bool, error)
}

// Locker provides the cross-process single-flight guarantee: at most one
// pipeline run per invoice id across all workers.
type Locker interface {
	// Obtain acquires the lock without waiting. Returns ErrPipelineRunning
	// when another run holds it.
	Obtain(ctx context.Context, invoiceId string, ttl time.Duration) (Unlocker, error)
}

type Unlocker interface {
	// Refresh extends the lock TTL. A run refreshes at every stage boundary
	// so the lock outlives retries inside a single stage; ErrPipelineRunning
	// means the lock lapsed and another run may hold it.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// RedisLocker backs Locker with redis so the guarantee holds across worker
// processes, not just goroutines.
type RedisLocker struct{}

func NewRedisLocker() *RedisLocker {
	return &RedisLocker{}
}

func (l *RedisLocker) Obtain(ctx context.Context, invoiceId string, ttl time.Duration) (Unlocker, error) {
	lock, err := config.GetRedisLock().Obtain(ctx, "pipeline:"+invoiceId, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrPipelineRunning
		}
		return nil, err
	}
	return redisUnlocker{lock: lock}, nil
}

type redisUnlocker struct {
	lock *redislock.Lock
}

func (u redisUnlocker) Refresh(ctx context.Context, ttl time.Duration) error {
	err := u.lock.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrPipelineRunning
	}
	return err
}

func (u redisUnlocker) Release(ctx context.Context) error {
	err := u.lock.Release(ctx)
	if err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return err
	}
	return nil
}
