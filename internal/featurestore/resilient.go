package featurestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/EcoNet-NZ/cams-weeds-utilities-sub000/internal/cams"
)

// Default retry policy values. The store is a shared service; a couple of
// quick retries smooth over connection blips without masking real outages.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second

	// DefaultRequestsPerSecond caps the pipeline's call rate against the
	// store so bulk runs do not starve interactive dashboard queries.
	DefaultRequestsPerSecond = 20
	DefaultBurst             = 40
)

// ErrInvalidRetryPolicy is returned when a retry policy has non-positive attempts.
var ErrInvalidRetryPolicy = errors.New("retry policy max attempts must be >= 1")

type (
	// RetryPolicy is an explicit transient-failure policy applied at the
	// client boundary: max attempts with exponential backoff. It is
	// deliberately independent of the pipeline's own batch-level
	// continue-on-failure handling.
	RetryPolicy struct {
		// MaxAttempts is the total number of attempts (1 = no retry).
		MaxAttempts int

		// InitialBackoff is the wait before the first retry; each subsequent
		// retry doubles it up to MaxBackoff.
		InitialBackoff time.Duration

		// MaxBackoff caps the backoff growth.
		MaxBackoff time.Duration

		// Retryable classifies errors. Nil means every error is retryable.
		Retryable func(error) bool
	}

	// ResilientClient decorates a Client with the retry policy and a
	// token-bucket rate limit. It implements Client itself, so the pipeline
	// stays unaware of either concern.
	ResilientClient struct {
		inner   Client
		policy  RetryPolicy
		limiter *rate.Limiter
	}
)

// Compile-time interface assertion.
var _ Client = (*ResilientClient)(nil)

// DefaultRetryPolicy returns the production retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

// NewResilientClient wraps inner with retry and rate limiting.
// A nil limiter disables rate limiting.
func NewResilientClient(inner Client, policy RetryPolicy, limiter *rate.Limiter) (*ResilientClient, error) {
	if policy.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRetryPolicy, policy.MaxAttempts)
	}

	return &ResilientClient{
		inner:   inner,
		policy:  policy,
		limiter: limiter,
	}, nil
}

// Count implements Client.
func (c *ResilientClient) Count(ctx context.Context, dataset string, predicate Predicate) (int, error) {
	var count int

	err := c.do(ctx, func() error {
		var err error
		count, err = c.inner.Count(ctx, dataset, predicate)

		return err
	})

	return count, err
}

// Query implements Client.
func (c *ResilientClient) Query(ctx context.Context, spec QuerySpec) ([]cams.TargetRecord, error) {
	var records []cams.TargetRecord

	err := c.do(ctx, func() error {
		var err error
		records, err = c.inner.Query(ctx, spec)

		return err
	})

	return records, err
}

// BatchWrite implements Client.
//
// Writes are NOT retried at this layer: a partially applied batch must be
// surfaced to the update coordinator's tally/rollback logic, not replayed.
// Only the rate limit applies.
func (c *ResilientClient) BatchWrite(
	ctx context.Context,
	dataset string,
	updates []FieldUpdate,
) ([]WriteResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	return c.inner.BatchWrite(ctx, dataset, updates)
}

// SpatialQuery implements Client.
func (c *ResilientClient) SpatialQuery(
	ctx context.Context,
	dataset string,
	geometry *cams.Geometry,
	codeField string,
) ([]BoundaryFeature, error) {
	var features []BoundaryFeature

	err := c.do(ctx, func() error {
		var err error
		features, err = c.inner.SpatialQuery(ctx, dataset, geometry, codeField)

		return err
	})

	return features, err
}

// LastModified implements Client.
func (c *ResilientClient) LastModified(ctx context.Context, dataset string) (*time.Time, error) {
	var stamp *time.Time

	err := c.do(ctx, func() error {
		var err error
		stamp, err = c.inner.LastModified(ctx, dataset)

		return err
	})

	return stamp, err
}

// do runs op under the rate limit and retry policy.
func (c *ResilientClient) do(ctx context.Context, op func() error) error {
	backoff := c.policy.InitialBackoff

	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if err := c.wait(ctx); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if c.policy.Retryable != nil && !c.policy.Retryable(lastErr) {
			return lastErr
		}

		// Context errors are never worth retrying.
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}

		if attempt == c.policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if c.policy.MaxBackoff > 0 && backoff > c.policy.MaxBackoff {
			backoff = c.policy.MaxBackoff
		}
	}

	return lastErr
}

// wait blocks until the rate limiter admits one call.
func (c *ResilientClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}

	return nil
}
