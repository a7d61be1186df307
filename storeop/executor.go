// Package storeop drives operations against the global and local shard
// map stores: single-scope reads and writes with transient-fault retry,
// and the two-phase (global begin, local apply, global end) protocol for
// operations that must keep both stores structurally consistent.
package storeop

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/shardmap/errors"
	"github.com/cubefs/shardmap/metrics"
	"github.com/cubefs/shardmap/proto"
	"github.com/cubefs/shardmap/storage"
)

// RetryPolicy bounds transient-fault retries of whole store operations.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// DefaultRetryPolicy matches the store defaults: five attempts with
// exponential backoff from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// ExecutorConfig configures one operation executor.
type ExecutorConfig struct {
	Store storage.Store
	Retry RetryPolicy
	// ShouldRetry optionally extends the transient classification with a
	// caller-supplied predicate.
	ShouldRetry func(error) bool
	// OnFailure runs before a non-success result code is turned into an
	// error; the manager hooks cache eviction here.
	OnFailure func(op storage.OpCode, req *storage.Request, code proto.ResultCode)
}

// Executor runs store operations with retry, classification and
// metrics. A zero retry policy falls back to the default.
type Executor struct {
	store       storage.Store
	retry       RetryPolicy
	shouldRetry func(error) bool
	onFailure   func(op storage.OpCode, req *storage.Request, code proto.ResultCode)
}

func NewExecutor(cfg *ExecutorConfig) *Executor {
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Executor{
		store:       cfg.Store,
		retry:       retry,
		shouldRetry: cfg.ShouldRetry,
		onFailure:   cfg.OnFailure,
	}
}

func (e *Executor) Store() storage.Store { return e.store }

func (e *Executor) transient(err error) bool {
	if storage.IsTransient(err) {
		return true
	}
	return e.shouldRetry != nil && e.shouldRetry(err)
}

func (e *Executor) sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(e.retry.backoff(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExecuteGlobal runs one operation against the global store in its own
// scope, retrying the whole scope on transient faults.
func (e *Executor) ExecuteGlobal(ctx context.Context, category apierrors.Category, name string,
	kind storage.ScopeKind, op storage.OpCode, req *storage.Request,
) (*storage.Results, error) {
	return e.execute(ctx, category, name, kind, op, req, func(ctx context.Context) (storage.Connection, error) {
		return e.store.ConnectGlobal(ctx)
	})
}

// ExecuteLocal is ExecuteGlobal against one shard's local store.
func (e *Executor) ExecuteLocal(ctx context.Context, category apierrors.Category, name string,
	location proto.ShardLocation, kind storage.ScopeKind, op storage.OpCode, req *storage.Request,
) (*storage.Results, error) {
	return e.execute(ctx, category, name, kind, op, req, func(ctx context.Context) (storage.Connection, error) {
		return e.store.ConnectLocal(ctx, location)
	})
}

func (e *Executor) execute(ctx context.Context, category apierrors.Category, name string,
	kind storage.ScopeKind, op storage.OpCode, req *storage.Request,
	connect func(context.Context) (storage.Connection, error),
) (*storage.Results, error) {
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		res, err := e.executeOnce(ctx, kind, op, req, connect)
		if err == nil {
			if res.Code != proto.ResultSuccess {
				if e.onFailure != nil {
					e.onFailure(op, req, res.Code)
				}
				metrics.StoreOperationDuration.WithLabelValues(name, "failure").Observe(time.Since(start).Seconds())
				return res, ResultError(category, name, res.Code)
			}
			metrics.StoreOperationDuration.WithLabelValues(name, "success").Observe(time.Since(start).Seconds())
			return res, nil
		}
		lastErr = err
		if !e.transient(err) || attempt == e.retry.MaxAttempts {
			break
		}
		metrics.StoreRetries.WithLabelValues(name).Inc()
		span.Warnf("transient store fault in %s, attempt %d/%d: %v", name, attempt, e.retry.MaxAttempts, err)
		if err = e.sleep(ctx, attempt); err != nil {
			return nil, err
		}
	}
	metrics.StoreOperationDuration.WithLabelValues(name, "error").Observe(time.Since(start).Seconds())
	return nil, apierrors.New(category, apierrors.CodeStorageOperationFailure, name, "%v", lastErr)
}

func (e *Executor) executeOnce(ctx context.Context, kind storage.ScopeKind,
	op storage.OpCode, req *storage.Request,
	connect func(context.Context) (storage.Connection, error),
) (*storage.Results, error) {
	conn, err := connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	scope, err := conn.BeginScope(ctx, kind)
	if err != nil {
		return nil, err
	}
	res, err := scope.Execute(ctx, op, req)
	commit := err == nil && res.Code == proto.ResultSuccess
	if doneErr := scope.Done(commit); doneErr != nil && err == nil {
		return nil, doneErr
	}
	return res, err
}
