package domain

// Run states. Terminal states are never left.
const (
	RunCreated   = "created"
	RunStarting  = "starting"
	RunRunning   = "running"
	RunStopping  = "stopping"
	RunCompleted = "completed"
	RunStopped   = "stopped"
	RunFailed    = "failed"
)

// Participant progress states for a single run.
const (
	ParticipantNotStarted = "not_started"
	ParticipantInProgress = "in_progress"
	ParticipantCompleted  = "completed"
	ParticipantFailed     = "failed"
)

// Site liveness, derived by the background sweep.
const (
	SiteActive      = "active"
	SiteUnreachable = "unreachable"
	SiteDeactivated = "deactivated"
)

type Site struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Status     string  `json:"status" enum:"active,unreachable,deactivated"`
	LastSeenAt *string `json:"last_seen_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type Project struct {
	ID            string `json:"id"`
	CoordinatorID string `json:"coordinator_id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// TaskDef is one entry of a project's ordered task sequence. The parameter
// bag is stored verbatim and never interpreted by the relay.
type TaskDef struct {
	ProjectID  string `json:"project_id"`
	Ordinal    int    `json:"ordinal"`
	Name       string `json:"name"`
	ParamsJSON string `json:"params_json,omitempty"`
}

type Run struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	State         string  `json:"state" enum:"created,starting,running,stopping,completed,stopped,failed"`
	Quorum        string  `json:"quorum"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	StartedAt     *string `json:"started_at,omitempty" format:"date-time"`
	EndedAt       *string `json:"ended_at,omitempty" format:"date-time"`
	StopDeadline  *string `json:"stop_deadline,omitempty" format:"date-time"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// ParticipantStatus is the per-(run, site) progress record, one row for every
// site that had joined the project when the run started.
type ParticipantStatus struct {
	RunID           string  `json:"run_id"`
	SiteID          string  `json:"site_id"`
	TaskOrdinal     int     `json:"task_ordinal"`
	Status          string  `json:"status" enum:"not_started,in_progress,completed,failed"`
	StartAcked      bool    `json:"start_acked"`
	LastHeartbeatAt *string `json:"last_heartbeat_at,omitempty" format:"date-time"`
}

// Message is an opaque mailbox entry. Seq is scoped to (run, recipient) and
// strictly increasing; payload bytes are never parsed by the relay.
type Message struct {
	RunID       string `json:"run_id"`
	RecipientID string `json:"recipient_id"`
	Seq         int64  `json:"seq"`
	SenderID    string `json:"sender_id"`
	Payload     []byte `json:"payload"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Warning records a non-fatal delivery failure surfaced after retries.
type Warning struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	SiteID    string `json:"site_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	SiteID    string `json:"site_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
