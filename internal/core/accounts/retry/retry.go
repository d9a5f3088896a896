// Package retry implements the optimistic update engine (C4): it applies
// a caller-supplied mutator under bounded retry-on-contention and hands
// back a detached, fresh copy of the account.
package retry

import (
	"context"
	"errors"

	goretry "github.com/sethvargo/go-retry"
)

// MaxAttempts is the bounded number of persister attempts spec.md §4.4
// allows before raising a retry-limit error. No backoff is applied
// between attempts (§5: "the primary store's contention is already rare
// under typical load").
const MaxAttempts = 10

// Contested marks an error from Persist as retryable contention. Any
// other error returned by Mutate, Persist, or Refetch aborts the loop
// immediately.
type Contested struct {
	Err error
}

func (c *Contested) Error() string { return c.Err.Error() }
func (c *Contested) Unwrap() error { return c.Err }

// Account is the narrow shape retry.Run needs from the domain's account
// type: something that can be deep-copied and flagged stale once
// superseded. internal/core/accounts.Account satisfies this.
type Account[T any] interface {
	Clone() (T, error)
	MarkStale()
}

// Run executes the C4 algorithm:
//
//  1. mutate(a). If it reports no change, return a unchanged.
//  2. Up to MaxAttempts: persist(a). On success, clone a, mark a stale,
//     return the clone.
//  3. On Contested, reload a via refetch and re-run mutate; if mutate now
//     reports no change (someone else already achieved the desired
//     state), return the refetched copy.
//  4. After MaxAttempts contested attempts, return a *LimitExceededError.
//
// Any non-Contested error from persist propagates immediately, unretried
// (spec.md §4.4 step 4 — this is how UsernameNotAvailable escapes).
func Run[T Account[T]](
	ctx context.Context,
	a T,
	mutate func(T) (changed bool, err error),
	persist func(context.Context, T) error,
	refetch func(context.Context) (T, error),
) (T, error) {
	var zero T

	changed, err := mutate(a)
	if err != nil {
		return zero, err
	}
	if !changed {
		return a, nil
	}

	backoff := goretry.NewConstant(0)
	attempt := 0
	var result T
	var resultSet bool

	// WithMaxRetries(n, ...) bounds the number of retries *after* the first
	// call, so Do invokes the closure up to 1+n times. Pass MaxAttempts-1
	// so the closure itself (and thus persist) runs at most MaxAttempts
	// times total, matching spec.md §4.4's "up to 10 attempts" exactly.
	err = goretry.Do(ctx, goretry.WithMaxRetries(MaxAttempts-1, backoff), func(ctx context.Context) error {
		attempt++

		perr := persist(ctx, a)
		if perr == nil {
			clone, cerr := a.Clone()
			if cerr != nil {
				return cerr
			}
			a.MarkStale()
			result = clone
			resultSet = true
			return nil
		}

		var contested *Contested
		if !errors.As(perr, &contested) {
			return perr
		}

		refreshed, rerr := refetch(ctx)
		if rerr != nil {
			return rerr
		}
		a = refreshed

		changed, merr := mutate(a)
		if merr != nil {
			return merr
		}
		if !changed {
			result = a
			resultSet = true
			return nil
		}

		return goretry.RetryableError(contested)
	})

	if err != nil {
		// Do returns the final retryable error unchanged once the backoff
		// policy gives up; a *Contested still wrapped in the returned
		// error means every attempt up to MaxAttempts was contested. Any
		// other error (e.g. UsernameNotAvailable) was never retryable and
		// propagated straight through on its first occurrence.
		var contested *Contested
		if errors.As(err, &contested) {
			return zero, &LimitExceededError{Attempts: attempt}
		}
		return zero, err
	}
	if !resultSet {
		return zero, &LimitExceededError{Attempts: attempt}
	}
	return result, nil
}

// LimitExceededError is raised once MaxAttempts contested attempts have
// all failed.
type LimitExceededError struct {
	Attempts int
}

func (e *LimitExceededError) Error() string {
	return "retry: optimistic lock retry limit exceeded"
}
