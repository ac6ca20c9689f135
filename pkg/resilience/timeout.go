// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jllopis/escriba/pkg/errors"
)

// CallWithTimeout runs fn under a deadline. A deadline hit maps to a typed
// transient error with type "timeout" so classification and health tracking
// count it. Cancellation of the parent context passes through untouched.
func CallWithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := fn(tctx)
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		te := errors.NewTransient("request timed out after "+d.String(), err)
		te.ErrorType = "timeout"
		return te
	}
	return err
}
