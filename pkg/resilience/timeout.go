package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WithTimeout calls fn with a context that ends after timeout. fn must
// return once its context is done. A zero timeout calls fn with ctx as is.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(tctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w after %v: %w", name, context.DeadlineExceeded, timeout, err)
	}
	return err
}
