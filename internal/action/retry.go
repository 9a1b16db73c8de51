package action

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds retries of transient failures.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// MaxElapsed stops retrying once exceeded. Zero retries until the
	// context ends.
	MaxElapsed time.Duration

	// MaxRetries caps attempts after the first. Zero means no cap.
	MaxRetries uint64
}

// DefaultPolicy suits package downloads over a flaky mirror.
var DefaultPolicy = Policy{
	InitialInterval: 5 * time.Second,
	MaxInterval:     time.Minute,
	MaxElapsed:      5 * time.Minute,
}

// Retrying re-runs an action on transient failure with exponential backoff.
//
// This is the only retry layer: the step runner never retries, so a step
// fails once Retrying gives up.
type Retrying struct {
	Action Action
	Policy Policy

	// Retryable classifies errors. Nil treats every error as transient
	// except those wrapped with Permanent.
	Retryable func(error) bool

	Logger *slog.Logger
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func (r Retrying) Run(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := backoff.NewExponentialBackOff()
	if r.Policy.InitialInterval > 0 {
		b.InitialInterval = r.Policy.InitialInterval
	}
	if r.Policy.MaxInterval > 0 {
		b.MaxInterval = r.Policy.MaxInterval
	}
	b.MaxElapsedTime = r.Policy.MaxElapsed

	var bo backoff.BackOff = b
	if r.Policy.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, r.Policy.MaxRetries)
	}
	bo = backoff.WithContext(bo, ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := r.Action.Run(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		if r.Retryable != nil && !r.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("transient failure; retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(op, bo, notify)
}

// ExitTempFail is the sysexits EX_TEMPFAIL status. Phase scripts exit with
// it when a failure is worth retrying, such as an unreachable mirror.
const ExitTempFail = 75

// TransientExit returns a Retryable that accepts only the given exit codes.
func TransientExit(codes ...int) func(error) bool {
	return func(err error) bool {
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			return false
		}
		for _, c := range codes {
			if exitErr.Code == c {
				return true
			}
		}
		return false
	}
}
