package keyed

import (
	"context"
	"fmt"
)

// Submit runs work on key's queue at priority p and returns its typed result.
//
//	n, err := keyed.Submit(ctx, reg, "tenant-42", keyed.LevelHigh.Priority(), func(ctx context.Context) (int, error) {
//		return sendBatch(ctx)
//	})
func Submit[T any](ctx context.Context, r *Registry, key string, p Priority, work func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if work == nil {
		return zero, ErrNilWork
	}
	v, err := r.Do(ctx, key, p, func(ctx context.Context) (any, error) {
		return work(ctx)
	})
	if v == nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("keyed: unexpected result type %T", v)
	}
	return t, err
}
