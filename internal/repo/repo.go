package repo

import (
	"context"
	"database/sql"
	"errors"

	"fedrelay/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx. The pool holds a single
// connection, so any lookup made while a transaction is open must go through
// that transaction; Tx method variants exist for exactly those call sites.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- sites ---

func (r Repo) InsertSite(ctx context.Context, tx *sql.Tx, s domain.Site) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sites(id,name,status,last_seen_at,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.Name, s.Status, s.LastSeenAt, s.CreatedAt)
	return err
}

func (r Repo) GetSite(ctx context.Context, id string) (domain.Site, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,status,last_seen_at,created_at FROM sites WHERE id=?`, id)
	var s domain.Site
	err := row.Scan(&s.ID, &s.Name, &s.Status, &s.LastSeenAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSites(ctx context.Context) ([]domain.Site, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,last_seen_at,created_at FROM sites ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Site
	for rows.Next() {
		var s domain.Site
		if err := rows.Scan(&s.ID, &s.Name, &s.Status, &s.LastSeenAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// TouchSite records activity from a site. Any authenticated call counts as
// liveness; a touched site returns to active.
func (r Repo) TouchSite(ctx context.Context, id, ts string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE sites SET last_seen_at=?, status=CASE WHEN status='deactivated' THEN status ELSE 'active' END WHERE id=?`, ts, id)
	return err
}

func (r Repo) SetSiteStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sites SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSitesUnreachable flags active sites whose last_seen_at is older than
// cutoff (or never set) and returns the affected site IDs.
func (r Repo) MarkSitesUnreachable(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id FROM sites WHERE status='active' AND (last_seen_at IS NULL OR last_seen_at < ?)`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := r.DB.ExecContext(ctx, `UPDATE sites SET status='unreachable' WHERE id=?`, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,coordinator_id,name,status,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.CoordinatorID, p.Name, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,coordinator_id,name,status,created_at FROM projects WHERE id=?`, id)
	var p domain.Project
	err := row.Scan(&p.ID, &p.CoordinatorID, &p.Name, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,coordinator_id,name,status,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.CoordinatorID, &p.Name, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) AddParticipant(ctx context.Context, projectID, siteID, ts string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO project_participants(project_id,site_id,joined_at) VALUES (?,?,?)`,
		projectID, siteID, ts)
	return err
}

func (r Repo) ListParticipants(ctx context.Context, projectID string) ([]string, error) {
	return listParticipants(ctx, r.DB, projectID)
}

func (r Repo) ListParticipantsTx(ctx context.Context, tx *sql.Tx, projectID string) ([]string, error) {
	return listParticipants(ctx, tx, projectID)
}

func listParticipants(ctx context.Context, q querier, projectID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT site_id FROM project_participants WHERE project_id=? ORDER BY joined_at`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (r Repo) IsParticipant(ctx context.Context, projectID, siteID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM project_participants WHERE project_id=? AND site_id=? LIMIT 1`, projectID, siteID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- project tasks ---

func (r Repo) InsertTaskDef(ctx context.Context, t domain.TaskDef) error {
	return insertTaskDef(ctx, r.DB, t)
}

func (r Repo) InsertTaskDefTx(ctx context.Context, tx *sql.Tx, t domain.TaskDef) error {
	return insertTaskDef(ctx, tx, t)
}

func insertTaskDef(ctx context.Context, q querier, t domain.TaskDef) error {
	_, err := q.ExecContext(ctx, `INSERT INTO project_tasks(project_id,ordinal,name,params_json) VALUES (?,?,?,?)`,
		t.ProjectID, t.Ordinal, t.Name, nullable(t.ParamsJSON))
	return err
}

func (r Repo) ListTaskDefs(ctx context.Context, projectID string) ([]domain.TaskDef, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,ordinal,name,COALESCE(params_json,'') FROM project_tasks WHERE project_id=? ORDER BY ordinal`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskDef
	for rows.Next() {
		var t domain.TaskDef
		if err := rows.Scan(&t.ProjectID, &t.Ordinal, &t.Name, &t.ParamsJSON); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MaxTaskOrdinal returns the highest ordinal, or -1 when the project has no
// task definitions.
func (r Repo) MaxTaskOrdinal(ctx context.Context, projectID string) (int, error) {
	return maxTaskOrdinal(ctx, r.DB, projectID)
}

func (r Repo) MaxTaskOrdinalTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	return maxTaskOrdinal(ctx, tx, projectID)
}

func maxTaskOrdinal(ctx context.Context, q querier, projectID string) (int, error) {
	row := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal),-1) FROM project_tasks WHERE project_id=?`, projectID)
	var max int
	err := row.Scan(&max)
	return max, err
}

// ProjectHasRuns reports whether any run exists for the project. The task
// sequence is immutable once true.
func (r Repo) ProjectHasRuns(ctx context.Context, projectID string) (bool, error) {
	return projectHasRuns(ctx, r.DB, projectID)
}

func (r Repo) ProjectHasRunsTx(ctx context.Context, tx *sql.Tx, projectID string) (bool, error) {
	return projectHasRuns(ctx, tx, projectID)
}

func projectHasRuns(ctx context.Context, q querier, projectID string) (bool, error) {
	row := q.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE project_id=? LIMIT 1`, projectID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- runs ---

func scanRun(row interface{ Scan(...any) error }) (domain.Run, error) {
	var run domain.Run
	var reason sql.NullString
	err := row.Scan(&run.ID, &run.ProjectID, &run.State, &run.Quorum, &run.CreatedAt,
		&run.StartedAt, &run.EndedAt, &run.StopDeadline, &reason)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if reason.Valid {
		run.FailureReason = reason.String
	}
	return run, err
}

const runColumns = `id,project_id,state,quorum,created_at,started_at,ended_at,stop_deadline,failure_reason`

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.State, run.Quorum, run.CreatedAt,
		run.StartedAt, run.EndedAt, run.StopDeadline, nullable(run.FailureReason))
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET state=?, started_at=?, ended_at=?, stop_deadline=?, failure_reason=? WHERE id=?`,
		run.State, run.StartedAt, run.EndedAt, run.StopDeadline, nullable(run.FailureReason), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListRuns(ctx context.Context, projectID string) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ListRunsInStates returns runs whose state matches any of the given states.
func (r Repo) ListRunsInStates(ctx context.Context, states ...string) ([]domain.Run, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE state IN (?` + repeat(",?", len(states)-1) + `)`
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = s
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// CountActiveRuns counts runs in a non-terminal state.
func (r Repo) CountActiveRuns(ctx context.Context) (int, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE state NOT IN ('completed','stopped','failed')`)
	var n int
	err := row.Scan(&n)
	return n, err
}

// --- run participants ---

func (r Repo) InsertRunParticipant(ctx context.Context, tx *sql.Tx, p domain.ParticipantStatus) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO run_participants(run_id,site_id,task_ordinal,status,start_acked,last_heartbeat_at) VALUES (?,?,?,?,?,?)`,
		p.RunID, p.SiteID, p.TaskOrdinal, p.Status, boolInt(p.StartAcked), p.LastHeartbeatAt)
	return err
}

func (r Repo) GetRunParticipant(ctx context.Context, tx *sql.Tx, runID, siteID string) (domain.ParticipantStatus, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT run_id,site_id,task_ordinal,status,start_acked,last_heartbeat_at FROM run_participants WHERE run_id=? AND site_id=?`,
		runID, siteID)
	var p domain.ParticipantStatus
	var acked int
	err := row.Scan(&p.RunID, &p.SiteID, &p.TaskOrdinal, &p.Status, &acked, &p.LastHeartbeatAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.StartAcked = acked != 0
	return p, err
}

func (r Repo) UpdateRunParticipant(ctx context.Context, tx *sql.Tx, p domain.ParticipantStatus) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE run_participants SET task_ordinal=?, status=?, start_acked=?, last_heartbeat_at=? WHERE run_id=? AND site_id=?`,
		p.TaskOrdinal, p.Status, boolInt(p.StartAcked), p.LastHeartbeatAt, p.RunID, p.SiteID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListRunParticipants(ctx context.Context, runID string) ([]domain.ParticipantStatus, error) {
	return listRunParticipants(ctx, r.DB.QueryContext, runID)
}

func (r Repo) ListRunParticipantsTx(ctx context.Context, tx *sql.Tx, runID string) ([]domain.ParticipantStatus, error) {
	return listRunParticipants(ctx, tx.QueryContext, runID)
}

func listRunParticipants(ctx context.Context, query func(context.Context, string, ...any) (*sql.Rows, error), runID string) ([]domain.ParticipantStatus, error) {
	rows, err := query(ctx,
		`SELECT run_id,site_id,task_ordinal,status,start_acked,last_heartbeat_at FROM run_participants WHERE run_id=? ORDER BY site_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ParticipantStatus
	for rows.Next() {
		var p domain.ParticipantStatus
		var acked int
		if err := rows.Scan(&p.RunID, &p.SiteID, &p.TaskOrdinal, &p.Status, &acked, &p.LastHeartbeatAt); err != nil {
			return nil, err
		}
		p.StartAcked = acked != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

// IsRunParticipant checks membership against the run's snapshot, not the
// project's current roster.
func (r Repo) IsRunParticipant(ctx context.Context, runID, siteID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM run_participants WHERE run_id=? AND site_id=? LIMIT 1`, runID, siteID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- warnings ---

func (r Repo) InsertWarning(ctx context.Context, w domain.Warning) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO run_warnings(id,run_id,site_id,kind,detail,created_at) VALUES (?,?,?,?,?,?)`,
		w.ID, w.RunID, w.SiteID, w.Kind, nullable(w.Detail), w.CreatedAt)
	return err
}

func (r Repo) ListWarnings(ctx context.Context, runID string) ([]domain.Warning, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,site_id,kind,COALESCE(detail,''),created_at FROM run_warnings WHERE run_id=? ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Warning
	for rows.Next() {
		var w domain.Warning
		if err := rows.Scan(&w.ID, &w.RunID, &w.SiteID, &w.Kind, &w.Detail, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) ListEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
