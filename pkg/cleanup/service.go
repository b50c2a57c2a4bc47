// Package cleanup enforces data retention in the background.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/papergraph/papergraph/pkg/config"
	"github.com/papergraph/papergraph/pkg/store"
)

// Service periodically enforces retention policies:
//   - Deletes terminal pipeline jobs past the job retention window
//   - Deletes usage ledger rows past the usage retention window
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	config config.RetentionConfig
	store  store.GraphStore
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg config.RetentionConfig, s store.GraphStore) *Service {
	return &Service{
		config: cfg,
		store:  s,
		now:    time.Now,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup service started",
		"job_retention", s.config.JobRetention,
		"usage_retention", s.config.UsageRetention,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneTerminalJobs(ctx)
	s.pruneUsageEvents(ctx)
}

func (s *Service) pruneTerminalJobs(ctx context.Context) {
	cutoff := s.now().Add(-s.config.JobRetention)
	count, err := s.store.DeleteTerminalJobsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("retention: job cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("retention: deleted terminal jobs", "count", count, "cutoff", cutoff)
	}
}

func (s *Service) pruneUsageEvents(ctx context.Context) {
	cutoff := s.now().Add(-s.config.UsageRetention)
	count, err := s.store.DeleteUsageEventsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("retention: usage ledger cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("retention: deleted usage events", "count", count, "cutoff", cutoff)
	}
}
