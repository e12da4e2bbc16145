package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/clawinfra/examsync/internal/types"
)

// Recovery seeds a resumed exam session from the server copy.
type Recovery struct {
	client   *Client
	logger   *slog.Logger
	maxTries uint
	base     time.Duration
}

// NewRecovery creates a recovery helper over client.
func NewRecovery(client *Client, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		client:   client,
		logger:   logger.With("component", "recovery"),
		maxTries: 3,
		base:     100 * time.Millisecond,
	}
}

// Resume returns the in-progress draft of module to continue from, or nil
// when there is nothing to resume. Transient failures are retried a few
// times with exponential backoff.
func (r *Recovery) Resume(ctx context.Context, module, examContext string) (*types.Progress, error) {
	if module == "" {
		module = types.DefaultModule
	}
	r.logger.Info("resuming session", "module", module, "context", examContext)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.base
	eb.RandomizationFactor = 0

	op := func() (*types.Progress, error) {
		p, err := r.client.Progress(ctx, module, examContext)
		if err == nil || errors.Is(err, ErrNoProgress) {
			return p, backoff.Permanent(err)
		}
		if !types.Classify(err).Retryable() {
			return nil, backoff.Permanent(err)
		}
		r.logger.Debug("progress read failed, retrying", "error", err)
		return nil, err
	}

	p, err := backoff.Retry(ctx, op, backoff.WithBackOff(eb), backoff.WithMaxTries(r.maxTries))
	if errors.Is(err, ErrNoProgress) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", module, err)
	}
	if p == nil || p.Completed {
		return nil, nil
	}
	return p, nil
}
