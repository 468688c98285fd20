// Package scheduler runs the periodic maintenance sweeps: site liveness,
// stop-grace enforcement, aggregate re-evaluation, coordinator-silence
// detection and mailbox compaction. Every sweep is idempotent; a missed tick
// is caught up by the next one.
package scheduler

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fedrelay/internal/config"
	"fedrelay/internal/domain"
	"fedrelay/internal/mailbox"
	"fedrelay/internal/repo"
	"fedrelay/internal/run"
)

type Scheduler struct {
	Repo    repo.Repo
	Machine *run.Machine
	Mailbox *mailbox.Store
	Config  *config.Config
	Logger  *zap.Logger
	Now     func() time.Time
}

func New(db *sql.DB, machine *run.Machine, mbox *mailbox.Store, cfg *config.Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Repo:    repo.Repo{DB: db},
		Machine: machine,
		Mailbox: mbox,
		Config:  cfg,
		Logger:  logger,
		Now:     time.Now,
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Config.Liveness.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep executes one round of all maintenance passes. The passes are
// independent, so they run concurrently; errors are logged, never fatal.
func (s *Scheduler) Sweep(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.sweepLiveness(gctx); return nil })
	g.Go(func() error { s.sweepStopping(gctx); return nil })
	g.Go(func() error { s.sweepRunning(gctx); return nil })
	g.Go(func() error { s.sweepMailboxes(gctx); return nil })
	g.Go(func() error { s.WarnStaleParticipants(gctx); return nil })
	_ = g.Wait()
}

// sweepLiveness flags sites silent for longer than the threshold. Unreachable
// is advisory: the site flips back to active on its next authenticated call.
func (s *Scheduler) sweepLiveness(ctx context.Context) {
	cutoff := s.now().Add(-s.Config.Liveness.SiteThreshold).UTC().Format(time.RFC3339)
	ids, err := s.Repo.MarkSitesUnreachable(ctx, cutoff)
	if err != nil {
		s.Logger.Warn("liveness sweep", zap.Error(err))
		return
	}
	for _, id := range ids {
		s.Logger.Info("site marked unreachable", zap.String("site_id", id))
	}
}

// sweepStopping forces stopping runs past their grace deadline to stopped.
func (s *Scheduler) sweepStopping(ctx context.Context) {
	runs, err := s.Repo.ListRunsInStates(ctx, domain.RunStopping)
	if err != nil {
		s.Logger.Warn("stop sweep", zap.Error(err))
		return
	}
	for _, r := range runs {
		if _, err := s.Machine.EvaluateStop(ctx, r.ID); err != nil {
			s.Logger.Warn("evaluate stop", zap.String("run_id", r.ID), zap.Error(err))
		}
	}
}

// sweepRunning re-evaluates completion for running runs (covering reports
// whose inline evaluation was interrupted) and fails runs whose coordinator
// has gone silent past the threshold, unless a participant already completed
// work. Runs still in starting are covered too:
// a coordinator that vanished before quorum would otherwise pin the run in
// starting forever.
func (s *Scheduler) sweepRunning(ctx context.Context) {
	runs, err := s.Repo.ListRunsInStates(ctx, domain.RunStarting, domain.RunRunning)
	if err != nil {
		s.Logger.Warn("run sweep", zap.Error(err))
		return
	}
	silenceCutoff := s.now().Add(-s.Config.Liveness.CoordinatorThreshold)
	for _, r := range runs {
		if r.State == domain.RunRunning {
			if _, err := s.Machine.EvaluateAggregate(ctx, r.ID); err != nil {
				s.Logger.Warn("evaluate aggregate", zap.String("run_id", r.ID), zap.Error(err))
				continue
			}
		}
		silent, err := s.coordinatorSilent(ctx, r, silenceCutoff)
		if err != nil {
			s.Logger.Warn("coordinator silence check", zap.String("run_id", r.ID), zap.Error(err))
			continue
		}
		if !silent {
			continue
		}
		// Liveness never discards achieved results: once any participant has
		// completed work, the run is left to the completion guard.
		done, err := s.anyParticipantCompleted(ctx, r.ID)
		if err != nil {
			s.Logger.Warn("participant status check", zap.String("run_id", r.ID), zap.Error(err))
			continue
		}
		if done {
			s.Logger.Info("coordinator silent but work completed; run kept",
				zap.String("run_id", r.ID))
			continue
		}
		s.Logger.Warn("failing run: coordinator silent", zap.String("run_id", r.ID))
		if _, err := s.Machine.Fail(ctx, r.ID, "relay", "coordinator unreachable past silence threshold", nil); err != nil {
			s.Logger.Warn("fail silent run", zap.String("run_id", r.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) anyParticipantCompleted(ctx context.Context, runID string) (bool, error) {
	participants, err := s.Repo.ListRunParticipants(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, p := range participants {
		if p.Status == domain.ParticipantCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) coordinatorSilent(ctx context.Context, r domain.Run, cutoff time.Time) (bool, error) {
	p, err := s.Repo.GetProject(ctx, r.ProjectID)
	if err != nil {
		return false, err
	}
	site, err := s.Repo.GetSite(ctx, p.CoordinatorID)
	if err != nil {
		return false, err
	}
	if site.LastSeenAt == nil {
		// Never seen at all; measure from the run's start instead.
		if r.StartedAt == nil {
			return false, nil
		}
		started, err := time.Parse(time.RFC3339, *r.StartedAt)
		return err == nil && started.Before(cutoff), nil
	}
	seen, err := time.Parse(time.RFC3339, *site.LastSeenAt)
	if err != nil {
		return false, err
	}
	return seen.Before(cutoff), nil
}

// sweepMailboxes compacts acknowledged history on every mailbox of a
// non-terminal run down to the retention window.
func (s *Scheduler) sweepMailboxes(ctx context.Context) {
	keep := s.Config.Mailbox.RetentionKeep
	if keep < 0 {
		return
	}
	runs, err := s.Repo.ListRunsInStates(ctx, domain.RunStarting, domain.RunRunning, domain.RunStopping)
	if err != nil {
		s.Logger.Warn("mailbox sweep", zap.Error(err))
		return
	}
	for _, r := range runs {
		recipients, err := s.Mailbox.Recipients(ctx, r.ID)
		if err != nil {
			s.Logger.Warn("list mailboxes", zap.String("run_id", r.ID), zap.Error(err))
			continue
		}
		for _, recipient := range recipients {
			if err := s.Mailbox.Compact(ctx, r.ID, recipient, keep); err != nil {
				s.Logger.Warn("compact mailbox",
					zap.String("run_id", r.ID),
					zap.String("recipient_id", recipient),
					zap.Error(err),
				)
			}
		}
	}
}

// WarnStaleParticipants records a delivery warning for every participant of an
// active run whose heartbeat is older than the site threshold. Advisory only;
// run state is untouched.
func (s *Scheduler) WarnStaleParticipants(ctx context.Context) {
	cutoff := s.now().Add(-s.Config.Liveness.SiteThreshold)
	runs, err := s.Repo.ListRunsInStates(ctx, domain.RunRunning)
	if err != nil {
		s.Logger.Warn("stale participant sweep", zap.Error(err))
		return
	}
	for _, r := range runs {
		participants, err := s.Repo.ListRunParticipants(ctx, r.ID)
		if err != nil {
			continue
		}
		for _, p := range participants {
			if p.Status == domain.ParticipantCompleted || p.LastHeartbeatAt == nil {
				continue
			}
			beat, err := time.Parse(time.RFC3339, *p.LastHeartbeatAt)
			if err != nil || !beat.Before(cutoff) {
				continue
			}
			w := domain.Warning{
				ID:        uuid.New().String(),
				RunID:     r.ID,
				SiteID:    p.SiteID,
				Kind:      "participant_stale",
				Detail:    "no heartbeat since " + *p.LastHeartbeatAt,
				CreatedAt: s.now().UTC().Format(time.RFC3339),
			}
			if err := s.Repo.InsertWarning(ctx, w); err != nil {
				s.Logger.Warn("insert warning", zap.String("run_id", r.ID), zap.Error(err))
			}
		}
	}
}
