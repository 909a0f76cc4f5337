// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/jllopis/ipcollab/pkg/errors"
)

// WithTimeout runs fn with a derived deadline. fn receives the bounded
// context; if it does not return before the deadline, WithTimeout returns a
// CodeTimeout error without waiting for it.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result{zero, errors.New(errors.CodeInternal, "operation panicked", fmt.Errorf("%v", r)).
					WithRecoverable(false)}
			}
		}()
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, errors.New(errors.CodeTimeout, "operation exceeded timeout", ctx.Err()).
			WithContext("timeout", d.String()).
			WithRecoverable(true)
	case res := <-done:
		return res.value, res.err
	}
}
