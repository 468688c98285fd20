package relay_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fedrelay/internal/config"
	"fedrelay/internal/db"
	"fedrelay/internal/domain"
	"fedrelay/internal/mailbox"
	"fedrelay/internal/metrics"
	"fedrelay/internal/migrate"
	"fedrelay/internal/relay"
	"fedrelay/internal/repo"
	"fedrelay/internal/run"
	"fedrelay/internal/worker"
)

const (
	coordinator = "site-coord"
	siteA       = "site-a"
	siteB       = "site-b"
	outsider    = "site-outsider"
)

type testEnv struct {
	DB      *sql.DB
	Repo    repo.Repo
	Store   *mailbox.Store
	Machine *run.Machine
	Service *relay.Service
	Config  *config.Config
	Ctx     context.Context
}

func newTestEnv(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	now := "2026-01-01T00:00:00Z"

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, id := range []string{coordinator, siteA, siteB, outsider} {
		if err := r.InsertSite(ctx, tx, domain.Site{ID: id, Name: id, Status: domain.SiteActive, CreatedAt: now}); err != nil {
			t.Fatalf("insert site: %v", err)
		}
	}
	if err := r.InsertProject(ctx, tx, domain.Project{ID: "proj-1", CoordinatorID: coordinator, Name: "p", Status: "active", CreatedAt: now}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for _, id := range []string{siteA, siteB} {
		if err := r.AddParticipant(ctx, "proj-1", id, now); err != nil {
			t.Fatalf("add participant: %v", err)
		}
	}
	if err := r.InsertTaskDef(ctx, domain.TaskDef{ProjectID: "proj-1", Ordinal: 0, Name: "train"}); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	store := mailbox.New(conn)
	machine := run.New(conn, store, cfg)
	pool := worker.NewPool(worker.Config{
		Workers:      2,
		ControlQueue: 16,
		FanoutQueue:  16,
		Retry:        worker.DefaultRetryPolicy(1),
	})
	t.Cleanup(pool.Close)
	m := metrics.New(prometheus.NewRegistry())
	svc := relay.New(conn, store, machine, pool, cfg, m, nil)
	return testEnv{DB: conn, Repo: r, Store: store, Machine: machine, Service: svc, Config: cfg, Ctx: ctx}
}

func startedRun(t *testing.T, env testEnv) domain.Run {
	t.Helper()
	r, err := env.Service.CreateRun(env.Ctx, "proj-1", coordinator)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	r, err = env.Service.IssueCommand(env.Ctx, r.ID, coordinator, relay.Command{Type: relay.CommandStart})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return r
}

func TestCreateRunRequiresCoordinator(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.Service.CreateRun(env.Ctx, "proj-1", siteA); !errors.Is(err, relay.ErrUnauthorizedCaller) {
		t.Fatalf("err = %v, want ErrUnauthorizedCaller", err)
	}
}

func TestIssueCommandRequiresCoordinator(t *testing.T) {
	env := newTestEnv(t, nil)
	r, err := env.Service.CreateRun(env.Ctx, "proj-1", coordinator)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := env.Service.IssueCommand(env.Ctx, r.ID, siteA, relay.Command{Type: relay.CommandStart}); !errors.Is(err, relay.ErrUnauthorizedCaller) {
		t.Fatalf("err = %v, want ErrUnauthorizedCaller", err)
	}
}

func TestStartCommandBroadcastsItself(t *testing.T) {
	env := newTestEnv(t, nil)
	r := startedRun(t, env)
	if r.State != domain.RunStarting {
		t.Fatalf("state = %s, want starting", r.State)
	}
	msgs, _, err := env.Store.Poll(env.Ctx, r.ID, siteA, 0, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("mailbox: %d messages err=%v", len(msgs), err)
	}
	var cmd relay.Command
	if err := json.Unmarshal(msgs[0].Payload, &cmd); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if cmd.Type != relay.CommandStart {
		t.Fatalf("payload type = %q", cmd.Type)
	}
}

func TestCustomCommandForwardsVerbatim(t *testing.T) {
	env := newTestEnv(t, nil)
	r := startedRun(t, env)
	params := json.RawMessage(`{"round":3,"weights_url":"s3://bucket/round-3"}`)
	if _, err := env.Service.IssueCommand(env.Ctx, r.ID, coordinator, relay.Command{Type: "next_round", Parameters: params}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	for _, site := range []string{siteA, siteB} {
		msgs, _, err := env.Store.Poll(env.Ctx, r.ID, site, 1, 10)
		if err != nil || len(msgs) != 1 {
			t.Fatalf("mailbox %s: %d messages err=%v", site, len(msgs), err)
		}
		var cmd relay.Command
		if err := json.Unmarshal(msgs[0].Payload, &cmd); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if cmd.Type != "next_round" || string(cmd.Parameters) != string(params) {
			t.Fatalf("forwarded command mangled: type=%q params=%s", cmd.Type, cmd.Parameters)
		}
	}
}

func TestCustomCommandRejectedBeforeStart(t *testing.T) {
	env := newTestEnv(t, nil)
	r, err := env.Service.CreateRun(env.Ctx, "proj-1", coordinator)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := env.Service.IssueCommand(env.Ctx, r.ID, coordinator, relay.Command{Type: "next_round"}); !errors.Is(err, run.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestAsyncFanoutSurfacesQueueFull(t *testing.T) {
	cfg := config.Default()
	// Force every fan-out through the pool, whose queue has no room.
	cfg.Workers.FanoutSyncThreshold = 0
	env := newTestEnv(t, cfg)
	full := worker.NewPool(worker.Config{Workers: 1, ControlQueue: 1, FanoutQueue: 1})
	env.Service.Pool = full
	t.Cleanup(full.Close)

	r := startedRun(t, env)
	_, err := env.Service.IssueCommand(env.Ctx, r.ID, coordinator, relay.Command{Type: "next_round"})
	if !errors.Is(err, worker.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestReportProgressRequiresParticipant(t *testing.T) {
	env := newTestEnv(t, nil)
	r := startedRun(t, env)
	for _, site := range []string{outsider, coordinator} {
		if _, err := env.Service.ReportProgress(env.Ctx, r.ID, site, 0, domain.ParticipantInProgress); !errors.Is(err, relay.ErrUnauthorizedCaller) {
			t.Fatalf("%s: err = %v, want ErrUnauthorizedCaller", site, err)
		}
	}
}

func TestReportProgressEchoesToCoordinator(t *testing.T) {
	env := newTestEnv(t, nil)
	r := startedRun(t, env)
	if _, err := env.Service.ReportProgress(env.Ctx, r.ID, siteA, 0, domain.ParticipantInProgress); err != nil {
		t.Fatalf("report: %v", err)
	}
	msgs, _, err := env.Store.Poll(env.Ctx, r.ID, coordinator, 0, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("coordinator mailbox: %d messages err=%v", len(msgs), err)
	}
	var echo struct {
		Type        string `json:"type"`
		SiteID      string `json:"site_id"`
		TaskOrdinal int    `json:"task_ordinal"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(msgs[0].Payload, &echo); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if echo.Type != "progress" || echo.SiteID != siteA || echo.Status != domain.ParticipantInProgress {
		t.Fatalf("echo = %+v", echo)
	}
}

func TestEchoDisabledLeavesCoordinatorMailboxEmpty(t *testing.T) {
	cfg := config.Default()
	cfg.Runs.EchoProgressToCoordinator = false
	env := newTestEnv(t, cfg)
	r := startedRun(t, env)
	if _, err := env.Service.ReportProgress(env.Ctx, r.ID, siteA, 0, domain.ParticipantInProgress); err != nil {
		t.Fatalf("report: %v", err)
	}
	msgs, _, err := env.Store.Poll(env.Ctx, r.ID, coordinator, 0, 10)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("coordinator mailbox: %d messages err=%v, want empty", len(msgs), err)
	}
}

func TestAckDrivesStartQuorum(t *testing.T) {
	env := newTestEnv(t, nil)
	r := startedRun(t, env)

	r, err := env.Service.Ack(env.Ctx, r.ID, siteA, 1)
	if err != nil {
		t.Fatalf("ack a: %v", err)
	}
	if r.State != domain.RunStarting {
		t.Fatalf("state after one ack = %s", r.State)
	}
	r, err = env.Service.Ack(env.Ctx, r.ID, siteB, 1)
	if err != nil {
		t.Fatalf("ack b: %v", err)
	}
	if r.State != domain.RunRunning {
		t.Fatalf("state after all acks = %s, want running", r.State)
	}
}

func TestAckDuringStoppingFinishesTheRun(t *testing.T) {
	env := newTestEnv(t, nil)
	r := startedRun(t, env)
	r, err := env.Service.IssueCommand(env.Ctx, r.ID, coordinator, relay.Command{Type: relay.CommandStop})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if r.State != domain.RunStopping {
		t.Fatalf("state = %s, want stopping", r.State)
	}
	if _, err := env.Service.Ack(env.Ctx, r.ID, siteA, 2); err != nil {
		t.Fatalf("ack a: %v", err)
	}
	r, err = env.Service.Ack(env.Ctx, r.ID, siteB, 2)
	if err != nil {
		t.Fatalf("ack b: %v", err)
	}
	if r.State != domain.RunStopped {
		t.Fatalf("state = %s, want stopped", r.State)
	}
}

func TestFailCommandCarriesReason(t *testing.T) {
	env := newTestEnv(t, nil)
	r := startedRun(t, env)
	r, err := env.Service.IssueCommand(env.Ctx, r.ID, coordinator, relay.Command{
		Type:       relay.CommandFail,
		Parameters: json.RawMessage(`{"reason":"model diverged"}`),
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if r.State != domain.RunFailed || r.FailureReason != "model diverged" {
		t.Fatalf("state = %s reason = %q", r.State, r.FailureReason)
	}
	// The failure notice lands in participant mailboxes.
	msgs, _, err := env.Store.Poll(env.Ctx, r.ID, siteA, 1, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("mailbox: %d messages err=%v", len(msgs), err)
	}
}

func TestPollValidatesMembershipAndClampsBatch(t *testing.T) {
	cfg := config.Default()
	cfg.Mailbox.PollMaxBatch = 2
	env := newTestEnv(t, cfg)
	r := startedRun(t, env)

	if _, _, err := env.Service.Poll(env.Ctx, r.ID, outsider, 0, 10); !errors.Is(err, relay.ErrUnauthorizedCaller) {
		t.Fatalf("outsider poll: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := env.Store.Append(env.Ctx, r.ID, siteA, coordinator, []byte(`{"type":"noise"}`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	msgs, next, err := env.Service.Poll(env.Ctx, r.ID, siteA, 0, 100)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 2 || next != 2 {
		t.Fatalf("got %d messages next=%d, want clamp to 2", len(msgs), next)
	}
}

func TestPollTouchesSiteHeartbeat(t *testing.T) {
	env := newTestEnv(t, nil)
	fixed := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	env.Service.Now = func() time.Time { return fixed }
	r := startedRun(t, env)
	if _, _, err := env.Service.Poll(env.Ctx, r.ID, siteA, 0, 10); err != nil {
		t.Fatalf("poll: %v", err)
	}
	s, err := env.Repo.GetSite(env.Ctx, siteA)
	if err != nil {
		t.Fatalf("get site: %v", err)
	}
	if s.LastSeenAt == nil || *s.LastSeenAt != fixed.Format(time.RFC3339) {
		t.Fatalf("last_seen_at = %v", s.LastSeenAt)
	}
}
