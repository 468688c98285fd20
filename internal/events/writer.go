// Package events records the relay's append-only audit trail. Every state
// mutation appends one event row inside the same transaction that performed
// it, so the trail can never disagree with the tables it describes.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the relay core.
const (
	SiteRegistered    = "site.registered"
	ProjectCreated    = "project.created"
	ParticipantJoined = "project.participant_joined"
	RunCreated        = "run.created"
	RunStarting       = "run.starting"
	RunRunning        = "run.running"
	RunProgress       = "run.progress"
	RunCompleted      = "run.completed"
	RunStopping       = "run.stopping"
	RunStopped        = "run.stopped"
	RunFailed         = "run.failed"
)

// EventPayload is the free-form detail bag stored as JSON alongside an event.
type EventPayload map[string]any

// Writer appends events. The zero Now falls back to the wall clock; tests
// inject a fixed one.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append records one event within the caller's transaction. projectID and
// entityID may be empty and are stored as NULL.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		w.now().UTC().Format(time.RFC3339), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
