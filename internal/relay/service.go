// Package relay is the API-facing coordination service. It validates caller
// identity against run membership and orchestrates the run state machine and
// the mailbox store; it holds no durable state of its own.
package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fedrelay/internal/config"
	"fedrelay/internal/domain"
	"fedrelay/internal/mailbox"
	"fedrelay/internal/metrics"
	"fedrelay/internal/repo"
	"fedrelay/internal/run"
	"fedrelay/internal/worker"
)

// ErrUnauthorizedCaller means the caller is not the coordinator or a
// participant of the addressed run. Not retriable.
var ErrUnauthorizedCaller = errors.New("unauthorized caller")

// Command types the relay routes to state transitions. Any other type is
// forwarded verbatim to participant mailboxes.
const (
	CommandStart = "start"
	CommandStop  = "stop"
	CommandFail  = "fail"
)

// Command is a coordinator-issued instruction. Parameters are forwarded as
// opaque bytes; the relay never interprets them.
type Command struct {
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type Service struct {
	Repo    repo.Repo
	Mailbox *mailbox.Store
	Machine *run.Machine
	Pool    *worker.Pool
	Config  *config.Config
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

func New(db *sql.DB, mbox *mailbox.Store, machine *run.Machine, pool *worker.Pool, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Repo:    repo.Repo{DB: db},
		Mailbox: mbox,
		Machine: machine,
		Pool:    pool,
		Config:  cfg,
		Metrics: m,
		Logger:  logger,
		Now:     time.Now,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) touch(ctx context.Context, siteID string) {
	if err := s.Repo.TouchSite(ctx, siteID, s.now().UTC().Format(time.RFC3339)); err != nil {
		s.Logger.Warn("touch site", zap.String("site_id", siteID), zap.Error(err))
	}
}

// requireCoordinator resolves the run and checks the caller owns its project.
func (s *Service) requireCoordinator(ctx context.Context, runID, siteID string) (domain.Run, error) {
	r, err := s.Repo.GetRun(ctx, runID)
	if err != nil {
		return r, err
	}
	p, err := s.Repo.GetProject(ctx, r.ProjectID)
	if err != nil {
		return r, err
	}
	if p.CoordinatorID != siteID {
		return r, fmt.Errorf("%w: site %s is not the coordinator of run %s", ErrUnauthorizedCaller, siteID, runID)
	}
	return r, nil
}

// requireMember checks the caller is a run participant or its coordinator.
func (s *Service) requireMember(ctx context.Context, runID, siteID string) (domain.Run, error) {
	r, err := s.Repo.GetRun(ctx, runID)
	if err != nil {
		return r, err
	}
	ok, err := s.Repo.IsRunParticipant(ctx, runID, siteID)
	if err != nil {
		return r, err
	}
	if ok {
		return r, nil
	}
	// Before the start snapshot exists, fall back to project membership.
	if r.State == domain.RunCreated {
		if ok, err = s.Repo.IsParticipant(ctx, r.ProjectID, siteID); err != nil {
			return r, err
		}
		if ok {
			return r, nil
		}
	}
	p, err := s.Repo.GetProject(ctx, r.ProjectID)
	if err != nil {
		return r, err
	}
	if p.CoordinatorID == siteID {
		return r, nil
	}
	return r, fmt.Errorf("%w: site %s is not a member of run %s", ErrUnauthorizedCaller, siteID, runID)
}

// CreateRun creates a run in state created. Only the coordinator may do so.
func (s *Service) CreateRun(ctx context.Context, projectID, siteID string) (domain.Run, error) {
	p, err := s.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Run{}, err
	}
	if p.CoordinatorID != siteID {
		return domain.Run{}, fmt.Errorf("%w: site %s is not the coordinator of project %s", ErrUnauthorizedCaller, siteID, projectID)
	}
	s.touch(ctx, siteID)
	return s.Machine.Create(ctx, projectID, siteID)
}

// IssueCommand validates the coordinator, delegates the transition to the
// state machine, and fans the command out to participant mailboxes. It
// returns once the fan-out is durably queued, not necessarily delivered.
func (s *Service) IssueCommand(ctx context.Context, runID, siteID string, cmd Command) (domain.Run, error) {
	r, err := s.requireCoordinator(ctx, runID, siteID)
	if err != nil {
		return r, err
	}
	s.touch(ctx, siteID)
	payload, err := json.Marshal(cmd)
	if err != nil {
		return r, err
	}

	switch cmd.Type {
	case CommandStart:
		r, err = s.Machine.Start(ctx, runID, siteID, payload)
	case CommandStop:
		r, err = s.Machine.Stop(ctx, runID, siteID, payload)
	case CommandFail:
		r, err = s.Machine.Fail(ctx, runID, siteID, failReason(cmd.Parameters), payload)
	default:
		r, err = s.forwardCommand(ctx, r, siteID, payload)
	}
	if err == nil && s.Metrics != nil {
		s.Metrics.MessagesAppended.WithLabelValues("command").Add(1)
	}
	return r, err
}

func failReason(params json.RawMessage) string {
	var body struct {
		Reason string `json:"reason"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &body)
	}
	if body.Reason == "" {
		return "coordinator reported unrecoverable failure"
	}
	return body.Reason
}

// forwardCommand delivers a non-lifecycle command to every participant.
// Small runs are appended synchronously; larger ones are split into one job
// per recipient so a single slow append cannot block the coordinator.
func (s *Service) forwardCommand(ctx context.Context, r domain.Run, siteID string, payload []byte) (domain.Run, error) {
	switch r.State {
	case domain.RunStarting, domain.RunRunning, domain.RunStopping:
	default:
		return r, fmt.Errorf("%w: run %s does not accept commands in state %s", run.ErrInvalidTransition, r.ID, r.State)
	}
	participants, err := s.Repo.ListRunParticipants(ctx, r.ID)
	if err != nil {
		return r, err
	}
	if len(participants) <= s.Config.Workers.FanoutSyncThreshold {
		for _, p := range participants {
			if _, err := s.Mailbox.Append(ctx, r.ID, p.SiteID, siteID, payload); err != nil {
				return r, err
			}
		}
		return r, nil
	}
	for _, p := range participants {
		recipient := p.SiteID
		job := worker.Job{
			Name:   "mailbox.fanout",
			RunID:  r.ID,
			SiteID: recipient,
			Fn: func(jctx context.Context) error {
				_, err := s.Mailbox.Append(jctx, r.ID, recipient, siteID, payload)
				return err
			},
		}
		if err := s.Pool.Submit(worker.Fanout, job); err != nil {
			return r, fmt.Errorf("queue fan-out for %s: %w", recipient, err)
		}
	}
	return r, nil
}

// ReportProgress applies a participant's progress report and triggers the
// aggregate evaluation. With echo enabled, a summarized progress message is
// left in the coordinator's mailbox.
func (s *Service) ReportProgress(ctx context.Context, runID, siteID string, ordinal int, status string) (domain.Run, error) {
	r, err := s.Repo.GetRun(ctx, runID)
	if err != nil {
		return r, err
	}
	ok, err := s.Repo.IsRunParticipant(ctx, runID, siteID)
	if err != nil {
		return r, err
	}
	if !ok {
		return r, fmt.Errorf("%w: site %s is not a participant of run %s", ErrUnauthorizedCaller, siteID, runID)
	}
	s.touch(ctx, siteID)

	r, err = s.Machine.Progress(ctx, runID, siteID, ordinal, status)
	if err != nil {
		return r, err
	}
	if r.State == domain.RunStopping {
		runID := runID
		_ = s.Pool.Submit(worker.Control, worker.Job{
			Name:  "run.evaluate_stop",
			RunID: runID,
			Fn: func(jctx context.Context) error {
				_, err := s.Machine.EvaluateStop(jctx, runID)
				return err
			},
		})
	}
	if s.Config.Runs.EchoProgressToCoordinator {
		if err := s.echoProgress(ctx, r, siteID, ordinal, status); err != nil {
			// Echo is best-effort; the report itself already succeeded.
			s.Logger.Warn("echo progress to coordinator", zap.String("run_id", runID), zap.Error(err))
		}
	}
	return r, nil
}

func (s *Service) echoProgress(ctx context.Context, r domain.Run, siteID string, ordinal int, status string) error {
	p, err := s.Repo.GetProject(ctx, r.ProjectID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"type":         "progress",
		"site_id":      siteID,
		"task_ordinal": ordinal,
		"status":       status,
		"run_state":    r.State,
	})
	if err != nil {
		return err
	}
	if _, err := s.Mailbox.Append(ctx, r.ID, p.CoordinatorID, "relay", payload); err != nil {
		return err
	}
	if s.Metrics != nil {
		s.Metrics.MessagesAppended.WithLabelValues("echo").Add(1)
	}
	return nil
}

// RunStatus returns the run and its participant snapshot to any member.
func (s *Service) RunStatus(ctx context.Context, runID, siteID string) (domain.Run, []domain.ParticipantStatus, error) {
	r, err := s.requireMember(ctx, runID, siteID)
	if err != nil {
		return r, nil, err
	}
	participants, err := s.Repo.ListRunParticipants(ctx, runID)
	if err != nil {
		return r, nil, err
	}
	return r, participants, nil
}

// Poll is a membership-validated pass-through to the mailbox store.
func (s *Service) Poll(ctx context.Context, runID, siteID string, cursor int64, maxBatch int) ([]domain.Message, int64, error) {
	if _, err := s.requireMember(ctx, runID, siteID); err != nil {
		return nil, 0, err
	}
	s.touch(ctx, siteID)
	if maxBatch < 1 || maxBatch > s.Config.Mailbox.PollMaxBatch {
		maxBatch = s.Config.Mailbox.PollMaxBatch
	}
	msgs, next, err := s.Mailbox.Poll(ctx, runID, siteID, cursor, maxBatch)
	if s.Metrics != nil {
		outcome := "ok"
		if errors.Is(err, mailbox.ErrStaleCursor) {
			outcome = "stale_cursor"
		} else if err != nil {
			outcome = "error"
		}
		s.Metrics.PollsServed.WithLabelValues(outcome).Add(1)
	}
	return msgs, next, err
}

// Ack advances the caller's read cursor. During starting it doubles as the
// start-command acknowledgment that feeds the quorum policy; during stopping
// it may be the final ack the grace window is waiting for.
func (s *Service) Ack(ctx context.Context, runID, siteID string, upTo int64) (domain.Run, error) {
	r, err := s.requireMember(ctx, runID, siteID)
	if err != nil {
		return r, err
	}
	s.touch(ctx, siteID)
	if err := s.Mailbox.Ack(ctx, runID, siteID, upTo); err != nil {
		return r, err
	}
	switch r.State {
	case domain.RunStarting:
		return s.Machine.NoteStartAck(ctx, runID, siteID)
	case domain.RunStopping:
		return s.Machine.EvaluateStop(ctx, runID)
	}
	return r, nil
}
