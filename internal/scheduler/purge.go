package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawinfra/examsync/internal/clock"
)

// PurgeJobID identifies the autosave marker purge job.
const PurgeJobID = "purge-autosaves"

// AutosavePurger deletes autosave markers of attempts submitted before
// cutoff.
type AutosavePurger interface {
	PurgeAutosaves(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewPurgeJob returns a job that purges markers older than retention.
// A nil clock means the wall clock.
func NewPurgeJob(p AutosavePurger, schedule string, retention time.Duration, clk clock.Clock, logger *slog.Logger) *Job {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("job", PurgeJobID)

	return &Job{
		ID:       PurgeJobID,
		Name:     "purge autosave markers",
		Schedule: schedule,
		Enabled:  true,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			cutoff := clk.Now().Add(-retention)
			n, err := p.PurgeAutosaves(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("purge autosaves: %w", err)
			}
			logger.Info("autosave markers purged", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
			return nil
		},
	}
}
