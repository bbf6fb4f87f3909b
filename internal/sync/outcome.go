package sync

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swent-agendapp/eventsync/internal/model"
)

// RemoteSyncError classifies a failed remote attempt reported to the
// [ErrorSink].
type RemoteSyncError int

const (
	InsertFailed RemoteSyncError = iota + 1
	UpdateFailed
	DeleteFailed
	GetFailed
)

func (k RemoteSyncError) String() string {
	switch k {
	case InsertFailed:
		return "insert_failed"
	case UpdateFailed:
		return "update_failed"
	case DeleteFailed:
		return "delete_failed"
	case GetFailed:
		return "get_failed"
	default:
		return fmt.Sprintf("RemoteSyncError(%d)", int(k))
	}
}

// ErrorSink is called exactly once per failed remote attempt.
type ErrorSink func(kind RemoteSyncError, cause error)

// Outcome is the result of one remote attempt. A non-nil Err means the
// attempt failed and the caller must take its local fallback path.
type Outcome[T any] struct {
	Value T
	Err   error
}

// OK reports whether the attempt succeeded.
func (o Outcome[T]) OK() bool { return o.Err == nil }

// attempt runs fn against the remote store under the engine's remote timeout.
// A failure is reported once (sink, counter, warn log) before it is returned.
func attempt[T any](ctx context.Context, e *Engine, kind RemoteSyncError, fn func(ctx context.Context) (T, error)) Outcome[T] {
	rctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()

	v, err := fn(rctx)
	if err == nil {
		return Outcome[T]{Value: v}
	}

	err = asUnavailable(err)
	e.report(ctx, kind, err)
	return Outcome[T]{Err: err}
}

func attemptErr(ctx context.Context, e *Engine, kind RemoteSyncError, fn func(ctx context.Context) error) Outcome[struct{}] {
	return attempt(ctx, e, kind, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}

// asUnavailable marks cancellation and deadline errors as
// model.ErrRemoteUnavailable so they follow the same fallback path.
func asUnavailable(err error) error {
	if errors.Is(err, model.ErrRemoteUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", model.ErrRemoteUnavailable, err)
	}
	return err
}

func (e *Engine) report(ctx context.Context, kind RemoteSyncError, cause error) {
	e.cntRemoteFailures.Add(context.WithoutCancel(ctx), 1,
		metric.WithAttributes(attribute.String("kind", kind.String())))
	e.log.Warn("remote attempt failed, using local store", "kind", kind.String(), "error", cause)
	if e.sink != nil {
		e.sink(kind, cause)
	}
}
