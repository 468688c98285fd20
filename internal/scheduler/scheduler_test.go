package scheduler_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"fedrelay/internal/config"
	"fedrelay/internal/db"
	"fedrelay/internal/domain"
	"fedrelay/internal/mailbox"
	"fedrelay/internal/migrate"
	"fedrelay/internal/repo"
	"fedrelay/internal/run"
	"fedrelay/internal/scheduler"
)

const (
	coordinator = "site-coord"
	siteA       = "site-a"
	siteB       = "site-b"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	DB        *sql.DB
	Repo      repo.Repo
	Store     *mailbox.Store
	Machine   *run.Machine
	Scheduler *scheduler.Scheduler
	Config    *config.Config
	Ctx       context.Context
	Clock     *fakeClock
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	now := clock.Now().Format(time.RFC3339)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, id := range []string{coordinator, siteA, siteB} {
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
	store.Now = clock.Now
	machine := run.New(conn, store, cfg)
	machine.Now = clock.Now
	sched := scheduler.New(conn, machine, store, cfg, nil)
	sched.Now = clock.Now
	return testEnv{DB: conn, Repo: r, Store: store, Machine: machine, Scheduler: sched, Config: cfg, Ctx: ctx, Clock: clock}
}

func startedRun(t *testing.T, env testEnv) domain.Run {
	t.Helper()
	r, err := env.Machine.Create(env.Ctx, "proj-1", coordinator)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	r, err = env.Machine.Start(env.Ctx, r.ID, coordinator, []byte(`{"type":"start"}`))
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return r
}

func touchAll(t *testing.T, env testEnv, sites ...string) {
	t.Helper()
	ts := env.Clock.Now().UTC().Format(time.RFC3339)
	for _, id := range sites {
		if err := env.Repo.TouchSite(env.Ctx, id, ts); err != nil {
			t.Fatalf("touch %s: %v", id, err)
		}
	}
}

func TestLivenessSweepMarksSilentSitesUnreachable(t *testing.T) {
	env := newTestEnv(t)
	touchAll(t, env, coordinator, siteA)
	env.Clock.Advance(env.Config.Liveness.SiteThreshold + time.Minute)
	// Only the coordinator checks in again.
	touchAll(t, env, coordinator)

	env.Scheduler.Sweep(env.Ctx)

	a, _ := env.Repo.GetSite(env.Ctx, siteA)
	if a.Status != domain.SiteUnreachable {
		t.Fatalf("siteA status = %s, want unreachable", a.Status)
	}
	c, _ := env.Repo.GetSite(env.Ctx, coordinator)
	if c.Status != domain.SiteActive {
		t.Fatalf("coordinator status = %s, want active", c.Status)
	}
	// A site that never checked in at all counts as silent too.
	b, _ := env.Repo.GetSite(env.Ctx, siteB)
	if b.Status != domain.SiteUnreachable {
		t.Fatalf("siteB status = %s, want unreachable", b.Status)
	}
}

func TestStopSweepForcesStoppedPastGraceDeadline(t *testing.T) {
	env := newTestEnv(t)
	touchAll(t, env, coordinator)
	r := startedRun(t, env)
	r, err := env.Machine.Stop(env.Ctx, r.ID, coordinator, []byte(`{"type":"stop"}`))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Before the deadline the sweep leaves the run stopping.
	env.Scheduler.Sweep(env.Ctx)
	got, _ := env.Repo.GetRun(env.Ctx, r.ID)
	if got.State != domain.RunStopping {
		t.Fatalf("state before deadline = %s", got.State)
	}

	env.Clock.Advance(env.Config.Runs.StopGrace + time.Second)
	touchAll(t, env, coordinator)
	env.Scheduler.Sweep(env.Ctx)
	got, _ = env.Repo.GetRun(env.Ctx, r.ID)
	if got.State != domain.RunStopped {
		t.Fatalf("state after deadline = %s, want stopped", got.State)
	}
}

func TestRunningSweepCompletesFinishedRuns(t *testing.T) {
	env := newTestEnv(t)
	touchAll(t, env, coordinator)
	r := startedRun(t, env)
	for _, id := range []string{siteA, siteB} {
		if _, err := env.Machine.Progress(env.Ctx, r.ID, id, 0, domain.ParticipantCompleted); err != nil {
			t.Fatalf("progress %s: %v", id, err)
		}
	}
	// Progress already completed the run inline; the sweep must not disturb a
	// terminal state.
	env.Scheduler.Sweep(env.Ctx)
	got, _ := env.Repo.GetRun(env.Ctx, r.ID)
	if got.State != domain.RunCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
}

func TestCoordinatorSilenceFailsTheRun(t *testing.T) {
	env := newTestEnv(t)
	touchAll(t, env, coordinator, siteA, siteB)
	r := startedRun(t, env)

	env.Clock.Advance(env.Config.Liveness.CoordinatorThreshold + time.Minute)
	// Participants stay lively; only the coordinator went dark.
	touchAll(t, env, siteA, siteB)
	env.Scheduler.Sweep(env.Ctx)

	got, _ := env.Repo.GetRun(env.Ctx, r.ID)
	if got.State != domain.RunFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.FailureReason == "" {
		t.Fatal("failure reason not recorded")
	}
}

func TestCoordinatorSilenceCoversStuckStartingRuns(t *testing.T) {
	env := newTestEnv(t)
	r := startedRun(t, env) // no acks ever arrive
	env.Clock.Advance(env.Config.Liveness.CoordinatorThreshold + time.Minute)
	env.Scheduler.Sweep(env.Ctx)

	got, _ := env.Repo.GetRun(env.Ctx, r.ID)
	if got.State != domain.RunFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
}

func TestActiveCoordinatorKeepsRunAlive(t *testing.T) {
	env := newTestEnv(t)
	touchAll(t, env, coordinator)
	r := startedRun(t, env)
	env.Clock.Advance(time.Minute)
	touchAll(t, env, coordinator)
	env.Scheduler.Sweep(env.Ctx)

	got, _ := env.Repo.GetRun(env.Ctx, r.ID)
	if got.State != domain.RunStarting {
		t.Fatalf("state = %s, want starting", got.State)
	}
}

func TestMailboxSweepCompactsAckedHistory(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Mailbox.RetentionKeep = 2
	touchAll(t, env, coordinator)
	r := startedRun(t, env)
	for i := 0; i < 9; i++ {
		if _, err := env.Store.Append(env.Ctx, r.ID, siteA, coordinator, []byte(`{"type":"noise"}`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := env.Store.Ack(env.Ctx, r.ID, siteA, 10); err != nil {
		t.Fatalf("ack: %v", err)
	}
	env.Scheduler.Sweep(env.Ctx)

	// Floor rises to acked-keep; a poll from the floor sees only the tail.
	msgs, _, err := env.Store.Poll(env.Ctx, r.ID, siteA, 8, 100)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Seq != 9 {
		t.Fatalf("got %d messages first=%d, want 2 starting at 9", len(msgs), msgs[0].Seq)
	}
}

func TestStaleParticipantsGetWarnings(t *testing.T) {
	env := newTestEnv(t)
	touchAll(t, env, coordinator)
	r := startedRun(t, env)
	// Both heartbeat in, moving the run to running under quorum all.
	for _, id := range []string{siteA, siteB} {
		if _, err := env.Machine.Progress(env.Ctx, r.ID, id, 0, domain.ParticipantInProgress); err != nil {
			t.Fatalf("progress %s: %v", id, err)
		}
	}
	env.Clock.Advance(env.Config.Liveness.SiteThreshold + time.Minute)
	touchAll(t, env, coordinator)
	// siteB heartbeats again; siteA stays silent.
	if _, err := env.Machine.Progress(env.Ctx, r.ID, siteB, 0, domain.ParticipantInProgress); err != nil {
		t.Fatalf("progress b: %v", err)
	}
	env.Scheduler.Sweep(env.Ctx)

	warnings, err := env.Repo.ListWarnings(env.Ctx, r.ID)
	if err != nil {
		t.Fatalf("list warnings: %v", err)
	}
	stale := 0
	for _, w := range warnings {
		if w.Kind == "participant_stale" {
			if w.SiteID != siteA {
				t.Fatalf("warning for %s, want %s", w.SiteID, siteA)
			}
			stale++
		}
	}
	if stale != 1 {
		t.Fatalf("stale warnings = %d, want 1", stale)
	}
}

func TestCoordinatorSilenceSparesRunsWithCompletedWork(t *testing.T) {
	env := newTestEnv(t)
	touchAll(t, env, coordinator, siteA, siteB)
	r := startedRun(t, env)
	if _, err := env.Machine.Progress(env.Ctx, r.ID, siteA, 0, domain.ParticipantCompleted); err != nil {
		t.Fatalf("progress siteA: %v", err)
	}
	if _, err := env.Machine.Progress(env.Ctx, r.ID, siteB, 0, domain.ParticipantInProgress); err != nil {
		t.Fatalf("progress siteB: %v", err)
	}

	env.Clock.Advance(env.Config.Liveness.CoordinatorThreshold + time.Minute)
	// Participants stay lively while the coordinator goes dark, but siteA's
	// finished work keeps the run out of liveness failure.
	touchAll(t, env, siteA, siteB)
	env.Scheduler.Sweep(env.Ctx)

	got, _ := env.Repo.GetRun(env.Ctx, r.ID)
	if got.State != domain.RunRunning {
		t.Fatalf("state = %s, want running", got.State)
	}
}
