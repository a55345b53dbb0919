// Package backend hides inference providers behind one call contract.
// Concrete variants build provider-specific requests; callers only see
// Infer plus a transient/fatal failure classification.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Turn is one prior exchange entry, oldest first. Role is "user" or
// "assistant"; the final turn is always the user prompt being answered.
type Turn struct {
	Role    string
	Content string
}

// Params are the per-persona generation settings.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// Reply is one completed inference call.
type Reply struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Backend is the uniform capability over a provider.
type Backend interface {
	// Infer runs one completion. turns include the new prompt as the last
	// user entry. Errors are *Error with a Kind; transient ones have
	// already been retried up to the configured budget.
	Infer(ctx context.Context, systemPrompt string, turns []Turn, params Params) (*Reply, error)

	// Healthy reports whether the provider endpoint is reachable.
	Healthy(ctx context.Context) bool

	Name() string
}

// Kind classifies a failed call.
type Kind int

const (
	// Transient failures (connect errors, 5xx, timeouts) are retried.
	Transient Kind = iota
	// Fatal failures (auth, validation, malformed config) are surfaced
	// immediately and never retried.
	Fatal
)

// Error is a classified backend failure. Message is safe to show in-room.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func transientf(format string, args ...interface{}) *Error {
	return &Error{Kind: Transient, Message: fmt.Sprintf(format, args...)}
}

func fatalf(format string, args ...interface{}) *Error {
	return &Error{Kind: Fatal, Message: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err is a retryable backend failure.
func IsTransient(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == Transient
}

// RetryPolicy bounds the retry loop shared by all variants.
type RetryPolicy struct {
	Retries int           // retries after the first attempt
	Backoff time.Duration // base for exponential backoff
	Timeout time.Duration // per-attempt request timeout
}

// withRetry runs fn up to policy.Retries+1 times, backing off 1<<attempt
// between transient failures. Fatal failures and context cancellation stop
// the loop immediately.
func withRetry(ctx context.Context, log *slog.Logger, policy RetryPolicy, fn func(context.Context) (*Reply, error)) (*Reply, error) {
	var lastErr error

	for attempt := 0; attempt <= policy.Retries; attempt++ {
		if attempt > 0 {
			delay := policy.Backoff * time.Duration(1<<uint(attempt-1))
			log.Warn("retrying after transient failure", "attempt", attempt, "delay", delay, "err", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, transientf("cancelled while retrying: %v", ctx.Err())
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}
		reply, err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return reply, nil
		}

		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, transientf("cancelled: %v", ctx.Err())
		}
	}

	return nil, &Error{Kind: Transient, Message: "retries exhausted", Err: lastErr}
}

// retryable reports whether an HTTP status should be retried.
func retryable(status int) bool {
	return status == 408 || status == 429 || status >= 500
}
