// Package run owns the lifecycle of a Run. No other component transitions a
// run's state; every mutation happens under a per-run lock so two concurrent
// progress reports cannot both decide they were the last to complete.
package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fedrelay/internal/config"
	"fedrelay/internal/domain"
	"fedrelay/internal/events"
	"fedrelay/internal/mailbox"
	"fedrelay/internal/repo"
)

// ErrInvalidTransition is returned when a transition guard fails. The run's
// state is left unchanged.
var ErrInvalidTransition = errors.New("invalid transition")

type Machine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Mailbox *mailbox.Store
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time

	// OnTransition is invoked after a committed state change, outside the
	// run lock. Used for metrics; may be nil.
	OnTransition func(runID, from, to string)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB, mbox *mailbox.Store, cfg *config.Config) *Machine {
	return &Machine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Mailbox: mbox,
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (m *Machine) runLock(runID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[runID] = l
	}
	return l
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Machine) nowStr() string {
	return m.now().UTC().Format(time.RFC3339)
}

func terminal(state string) bool {
	switch state {
	case domain.RunCompleted, domain.RunStopped, domain.RunFailed:
		return true
	}
	return false
}

func (m *Machine) notify(runID, from, to string) {
	if m.OnTransition != nil && from != to {
		m.OnTransition(runID, from, to)
	}
}

// Create records a new run for a project in state created. The task sequence
// of the project becomes immutable from this point on.
func (m *Machine) Create(ctx context.Context, projectID, actorID string) (domain.Run, error) {
	if _, err := m.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Run{}, err
	}
	r := domain.Run{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		State:     domain.RunCreated,
		Quorum:    m.Config.Runs.Quorum,
		CreatedAt: m.nowStr(),
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()
	if err := m.Repo.InsertRun(ctx, tx, r); err != nil {
		return domain.Run{}, err
	}
	if err := m.Events.Append(ctx, tx, events.RunCreated, projectID, "run", r.ID, actorID, nil); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return r, nil
}

// Start moves created -> starting: it snapshots the project's current
// participants into the run and broadcasts the start command to every
// participant mailbox. The state flip and the broadcast share one
// transaction; either both happen or neither does.
func (m *Machine) Start(ctx context.Context, runID, actorID string, payload []byte) (domain.Run, error) {
	l := m.runLock(runID)
	l.Lock()
	defer l.Unlock()

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	r, err := m.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return r, err
	}
	if r.State != domain.RunCreated {
		return r, fmt.Errorf("%w: cannot start run in state %s", ErrInvalidTransition, r.State)
	}
	participants, err := m.Repo.ListParticipantsTx(ctx, tx, r.ProjectID)
	if err != nil {
		return r, err
	}
	if len(participants) == 0 {
		return r, fmt.Errorf("%w: project %s has no participants", ErrInvalidTransition, r.ProjectID)
	}
	maxOrdinal, err := m.Repo.MaxTaskOrdinalTx(ctx, tx, r.ProjectID)
	if err != nil {
		return r, err
	}
	if maxOrdinal < 0 {
		return r, fmt.Errorf("%w: project %s has no tasks", ErrInvalidTransition, r.ProjectID)
	}

	now := m.nowStr()
	for _, siteID := range participants {
		if err := m.Repo.InsertRunParticipant(ctx, tx, domain.ParticipantStatus{
			RunID:  runID,
			SiteID: siteID,
			Status: domain.ParticipantNotStarted,
		}); err != nil {
			return r, err
		}
		if _, err := m.Mailbox.AppendTx(ctx, tx, runID, siteID, actorID, payload); err != nil {
			return r, err
		}
	}
	r.State = domain.RunStarting
	r.StartedAt = &now
	if err := m.Repo.UpdateRun(ctx, tx, r); err != nil {
		return r, err
	}
	if err := m.Events.Append(ctx, tx, events.RunStarting, r.ProjectID, "run", runID, actorID, events.EventPayload{
		"participants": len(participants),
	}); err != nil {
		return r, err
	}
	if err := tx.Commit(); err != nil {
		return r, err
	}
	m.notify(runID, domain.RunCreated, domain.RunStarting)
	return r, nil
}

// NoteStartAck records that a participant has observed the start command
// (either by acknowledging its mailbox or by reporting progress) and
// advances starting -> running once the configured quorum is met.
func (m *Machine) NoteStartAck(ctx context.Context, runID, siteID string) (domain.Run, error) {
	l := m.runLock(runID)
	l.Lock()
	defer l.Unlock()
	return m.noteStartAckLocked(ctx, runID, siteID)
}

func (m *Machine) noteStartAckLocked(ctx context.Context, runID, siteID string) (domain.Run, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	r, err := m.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return r, err
	}
	if r.State != domain.RunStarting {
		return r, tx.Commit()
	}
	p, err := m.Repo.GetRunParticipant(ctx, tx, runID, siteID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return r, tx.Commit()
		}
		return r, err
	}
	if !p.StartAcked {
		p.StartAcked = true
		now := m.nowStr()
		p.LastHeartbeatAt = &now
		if err := m.Repo.UpdateRunParticipant(ctx, tx, p); err != nil {
			return r, err
		}
	}
	all, err := m.Repo.ListRunParticipantsTx(ctx, tx, runID)
	if err != nil {
		return r, err
	}
	acked := 0
	for _, rp := range all {
		if rp.StartAcked {
			acked++
		}
	}
	if !quorumMet(r.Quorum, m.Config.Runs.QuorumN, acked, len(all)) {
		return r, tx.Commit()
	}
	r.State = domain.RunRunning
	if err := m.Repo.UpdateRun(ctx, tx, r); err != nil {
		return r, err
	}
	if err := m.Events.Append(ctx, tx, events.RunRunning, r.ProjectID, "run", runID, siteID, events.EventPayload{
		"acked": acked, "participants": len(all),
	}); err != nil {
		return r, err
	}
	if err := tx.Commit(); err != nil {
		return r, err
	}
	m.notify(runID, domain.RunStarting, domain.RunRunning)
	return r, nil
}

func quorumMet(policy string, n, acked, total int) bool {
	switch policy {
	case config.QuorumAny:
		return acked >= 1
	case config.QuorumN:
		if n > total {
			n = total
		}
		return acked >= n
	default: // all
		return acked >= total
	}
}

// Progress applies a participant progress report. It is the running
// self-loop: the participant's status row is updated, and if this was the
// final participant to complete the final task ordinal the run completes.
func (m *Machine) Progress(ctx context.Context, runID, siteID string, ordinal int, status string) (domain.Run, error) {
	switch status {
	case domain.ParticipantNotStarted, domain.ParticipantInProgress, domain.ParticipantCompleted, domain.ParticipantFailed:
	default:
		return domain.Run{}, fmt.Errorf("invalid participant status %q", status)
	}

	l := m.runLock(runID)
	l.Lock()
	defer l.Unlock()

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	r, err := m.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return r, err
	}
	switch r.State {
	case domain.RunStarting, domain.RunRunning, domain.RunStopping:
	default:
		return r, fmt.Errorf("%w: run %s does not accept progress in state %s", ErrInvalidTransition, runID, r.State)
	}
	p, err := m.Repo.GetRunParticipant(ctx, tx, runID, siteID)
	if err != nil {
		return r, err
	}
	now := m.nowStr()
	p.TaskOrdinal = ordinal
	p.Status = status
	p.StartAcked = true
	p.LastHeartbeatAt = &now
	if err := m.Repo.UpdateRunParticipant(ctx, tx, p); err != nil {
		return r, err
	}
	if err := m.Events.Append(ctx, tx, events.RunProgress, r.ProjectID, "run", runID, siteID, events.EventPayload{
		"task_ordinal": ordinal, "status": status,
	}); err != nil {
		return r, err
	}
	if err := tx.Commit(); err != nil {
		return r, err
	}

	// A progress report implies the start command was received.
	if r.State == domain.RunStarting {
		if r, err = m.noteStartAckLocked(ctx, runID, siteID); err != nil {
			return r, err
		}
	}
	return m.evaluateLocked(ctx, runID)
}

// EvaluateAggregate re-runs the completion guard for a run. Safe to call at
// any time; used by the async aggregate-evaluation worker and the scheduler.
func (m *Machine) EvaluateAggregate(ctx context.Context, runID string) (domain.Run, error) {
	l := m.runLock(runID)
	l.Lock()
	defer l.Unlock()
	return m.evaluateLocked(ctx, runID)
}

// evaluateLocked decides global completion. It decides conservatively: a
// single participant still in progress blocks completion indefinitely.
func (m *Machine) evaluateLocked(ctx context.Context, runID string) (domain.Run, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	r, err := m.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return r, err
	}
	if r.State != domain.RunRunning {
		return r, tx.Commit()
	}
	finalOrdinal, err := m.Repo.MaxTaskOrdinalTx(ctx, tx, r.ProjectID)
	if err != nil {
		return r, err
	}
	all, err := m.Repo.ListRunParticipantsTx(ctx, tx, runID)
	if err != nil {
		return r, err
	}
	for _, p := range all {
		if p.Status != domain.ParticipantCompleted || p.TaskOrdinal != finalOrdinal {
			return r, tx.Commit()
		}
	}
	now := m.nowStr()
	r.State = domain.RunCompleted
	r.EndedAt = &now
	if err := m.Repo.UpdateRun(ctx, tx, r); err != nil {
		return r, err
	}
	if err := m.Events.Append(ctx, tx, events.RunCompleted, r.ProjectID, "run", runID, "relay", events.EventPayload{
		"participants": len(all),
	}); err != nil {
		return r, err
	}
	if err := tx.Commit(); err != nil {
		return r, err
	}
	m.notify(runID, domain.RunRunning, domain.RunCompleted)
	return r, nil
}

// Stop moves running -> stopping: it broadcasts the stop command and arms the
// grace deadline after which the scheduler forces the terminal stopped state.
func (m *Machine) Stop(ctx context.Context, runID, actorID string, payload []byte) (domain.Run, error) {
	l := m.runLock(runID)
	l.Lock()
	defer l.Unlock()

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	r, err := m.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return r, err
	}
	switch r.State {
	case domain.RunStarting, domain.RunRunning:
	default:
		return r, fmt.Errorf("%w: cannot stop run in state %s", ErrInvalidTransition, r.State)
	}
	from := r.State
	all, err := m.Repo.ListRunParticipantsTx(ctx, tx, runID)
	if err != nil {
		return r, err
	}
	for _, p := range all {
		if _, err := m.Mailbox.AppendTx(ctx, tx, runID, p.SiteID, actorID, payload); err != nil {
			return r, err
		}
	}
	deadline := m.now().Add(m.Config.Runs.StopGrace).UTC().Format(time.RFC3339)
	r.State = domain.RunStopping
	r.StopDeadline = &deadline
	if err := m.Repo.UpdateRun(ctx, tx, r); err != nil {
		return r, err
	}
	if err := m.Events.Append(ctx, tx, events.RunStopping, r.ProjectID, "run", runID, actorID, events.EventPayload{
		"deadline": deadline,
	}); err != nil {
		return r, err
	}
	if err := tx.Commit(); err != nil {
		return r, err
	}
	m.notify(runID, from, domain.RunStopping)
	return r, nil
}

// EvaluateStop finishes stopping -> stopped once every participant has
// acknowledged its whole mailbox (best-effort ack of the stop broadcast) or
// the grace deadline has passed.
func (m *Machine) EvaluateStop(ctx context.Context, runID string) (domain.Run, error) {
	l := m.runLock(runID)
	l.Lock()
	defer l.Unlock()

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	r, err := m.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return r, err
	}
	if r.State != domain.RunStopping {
		return r, tx.Commit()
	}
	expired := false
	if r.StopDeadline != nil {
		if dl, err := time.Parse(time.RFC3339, *r.StopDeadline); err == nil && m.now().After(dl) {
			expired = true
		}
	}
	if !expired {
		allAcked, err := m.allMailboxesAcked(ctx, tx, runID)
		if err != nil {
			return r, err
		}
		if !allAcked {
			return r, tx.Commit()
		}
	}
	now := m.nowStr()
	r.State = domain.RunStopped
	r.EndedAt = &now
	if err := m.Repo.UpdateRun(ctx, tx, r); err != nil {
		return r, err
	}
	if err := m.Events.Append(ctx, tx, events.RunStopped, r.ProjectID, "run", runID, "relay", events.EventPayload{
		"grace_expired": expired,
	}); err != nil {
		return r, err
	}
	if err := tx.Commit(); err != nil {
		return r, err
	}
	m.notify(runID, domain.RunStopping, domain.RunStopped)
	return r, nil
}

func (m *Machine) allMailboxesAcked(ctx context.Context, tx *sql.Tx, runID string) (bool, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT c.recipient_id, c.acked_seq, COALESCE(MAX(m.seq),0)
		 FROM mailbox_cursors c
		 JOIN run_participants rp ON rp.run_id=c.run_id AND rp.site_id=c.recipient_id
		 LEFT JOIN mailbox_messages m ON m.run_id=c.run_id AND m.recipient_id=c.recipient_id
		 WHERE c.run_id=?
		 GROUP BY c.recipient_id, c.acked_seq`, runID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var acked, max int64
		if err := rows.Scan(&id, &acked, &max); err != nil {
			return false, err
		}
		if acked < max {
			return false, nil
		}
	}
	return true, rows.Err()
}

// Fail forces any non-terminal run to failed and leaves a failure notice in
// every participant mailbox so the outcome is visible on the next poll. A
// caller-supplied payload is forwarded verbatim; otherwise the relay
// synthesizes the notice from the reason.
func (m *Machine) Fail(ctx context.Context, runID, actorID, reason string, payload []byte) (domain.Run, error) {
	l := m.runLock(runID)
	l.Lock()
	defer l.Unlock()

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	r, err := m.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return r, err
	}
	if terminal(r.State) {
		return r, fmt.Errorf("%w: run %s already terminal (%s)", ErrInvalidTransition, runID, r.State)
	}
	from := r.State
	notice := payload
	if len(notice) == 0 {
		notice, err = json.Marshal(map[string]string{"type": "fail", "reason": reason})
		if err != nil {
			return r, err
		}
	}
	all, err := m.Repo.ListRunParticipantsTx(ctx, tx, runID)
	if err != nil {
		return r, err
	}
	for _, p := range all {
		if _, err := m.Mailbox.AppendTx(ctx, tx, runID, p.SiteID, actorID, notice); err != nil {
			return r, err
		}
	}
	now := m.nowStr()
	r.State = domain.RunFailed
	r.EndedAt = &now
	r.FailureReason = reason
	if err := m.Repo.UpdateRun(ctx, tx, r); err != nil {
		return r, err
	}
	if err := m.Events.Append(ctx, tx, events.RunFailed, r.ProjectID, "run", runID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return r, err
	}
	if err := tx.Commit(); err != nil {
		return r, err
	}
	m.notify(runID, from, domain.RunFailed)
	return r, nil
}
