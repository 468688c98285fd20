// Package registry manages Site and Project records: the identity and
// membership lookups the relay core consumes. From the relay's perspective
// these are read-only collaborators; all writes happen through here.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fedrelay/internal/domain"
	"fedrelay/internal/events"
	"fedrelay/internal/repo"
)

// ErrTasksFrozen means the project's task sequence is immutable because its
// first run already exists.
var ErrTasksFrozen = errors.New("task sequence is frozen")

type Registry struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) *Registry {
	return &Registry{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (g *Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// RegisterSite creates a site and issues its first API key. The raw key is
// returned exactly once; only its hash is stored.
func (g *Registry) RegisterSite(ctx context.Context, id, name string) (domain.Site, string, error) {
	if name == "" {
		return domain.Site{}, "", errors.New("name is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	now := g.now().UTC().Format(time.RFC3339)
	s := domain.Site{
		ID:        id,
		Name:      name,
		Status:    domain.SiteActive,
		CreatedAt: now,
	}
	rawKey := uuid.NewString() + uuid.NewString()

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, "", err
	}
	defer tx.Rollback()
	if err := g.Repo.InsertSite(ctx, tx, s); err != nil {
		return s, "", fmt.Errorf("insert site: %w", err)
	}
	if err := g.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID:        uuid.New().String(),
		SiteID:    s.ID,
		Name:      "registration",
		KeyHash:   repo.HashAPIKey(rawKey),
		CreatedAt: now,
	}); err != nil {
		return s, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := g.Events.Append(ctx, tx, events.SiteRegistered, "", "site", s.ID, s.ID, events.EventPayload{"name": name}); err != nil {
		return s, "", err
	}
	if err := tx.Commit(); err != nil {
		return s, "", err
	}
	return s, rawKey, nil
}

// IssueKey issues an additional API key for an existing site.
func (g *Registry) IssueKey(ctx context.Context, siteID, name string) (string, error) {
	if _, err := g.Repo.GetSite(ctx, siteID); err != nil {
		return "", err
	}
	rawKey := uuid.NewString() + uuid.NewString()
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := g.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID:        uuid.New().String(),
		SiteID:    siteID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(rawKey),
		CreatedAt: g.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return rawKey, nil
}

// DeactivateSite takes a site out of rotation. Sites are never deleted.
func (g *Registry) DeactivateSite(ctx context.Context, siteID string) error {
	return g.Repo.SetSiteStatus(ctx, siteID, domain.SiteDeactivated)
}

// CreateProject creates a collaboration owned by its coordinator site.
func (g *Registry) CreateProject(ctx context.Context, id, name, coordinatorID string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if _, err := g.Repo.GetSite(ctx, coordinatorID); err != nil {
		return domain.Project{}, fmt.Errorf("coordinator: %w", err)
	}
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Project{
		ID:            id,
		CoordinatorID: coordinatorID,
		Name:          name,
		Status:        "active",
		CreatedAt:     g.now().UTC().Format(time.RFC3339),
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := g.Repo.InsertProject(ctx, tx, p); err != nil {
		return p, fmt.Errorf("insert project: %w", err)
	}
	if err := g.Events.Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, coordinatorID, events.EventPayload{"name": name}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// AddTask appends a task definition at the next ordinal. The parameter bag is
// stored verbatim. Fails once the project's first run exists; the freeze check
// and the insert share one transaction so a concurrent first run cannot slip
// a task in behind it.
func (g *Registry) AddTask(ctx context.Context, projectID, name string, params json.RawMessage) (domain.TaskDef, error) {
	if name == "" {
		return domain.TaskDef{}, errors.New("name is required")
	}
	if _, err := g.Repo.GetProject(ctx, projectID); err != nil {
		return domain.TaskDef{}, err
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskDef{}, err
	}
	defer tx.Rollback()
	frozen, err := g.Repo.ProjectHasRunsTx(ctx, tx, projectID)
	if err != nil {
		return domain.TaskDef{}, err
	}
	if frozen {
		return domain.TaskDef{}, fmt.Errorf("%w: project %s already has runs", ErrTasksFrozen, projectID)
	}
	max, err := g.Repo.MaxTaskOrdinalTx(ctx, tx, projectID)
	if err != nil {
		return domain.TaskDef{}, err
	}
	t := domain.TaskDef{
		ProjectID:  projectID,
		Ordinal:    max + 1,
		Name:       name,
		ParamsJSON: string(params),
	}
	if err := g.Repo.InsertTaskDefTx(ctx, tx, t); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// AddParticipant joins a site to a project. Joining after a run started does
// not affect that run's participant snapshot.
func (g *Registry) AddParticipant(ctx context.Context, projectID, siteID, actorID string) error {
	p, err := g.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.CoordinatorID == siteID {
		return errors.New("coordinator cannot join as participant")
	}
	if _, err := g.Repo.GetSite(ctx, siteID); err != nil {
		return err
	}
	if err := g.Repo.AddParticipant(ctx, projectID, siteID, g.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := g.Events.Append(ctx, tx, events.ParticipantJoined, projectID, "project", projectID, actorID, events.EventPayload{"site_id": siteID}); err != nil {
		return err
	}
	return tx.Commit()
}
