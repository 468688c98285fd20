package server

import (
	"encoding/json"

	"fedrelay/internal/domain"
)

// Request payloads

type RegisterSiteRequest struct {
	ID   *string `json:"id,omitempty"`
	Name string  `json:"name"`
}

type IssueKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type CreateProjectRequest struct {
	ID   *string `json:"id,omitempty"`
	Name string  `json:"name"`
}

type AddTaskRequest struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

type AddParticipantRequest struct {
	// SiteID defaults to the caller (self-join) when omitted.
	SiteID string `json:"site_id,omitempty"`
}

type IssueCommandRequest struct {
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type ReportProgressRequest struct {
	TaskOrdinal int    `json:"task_ordinal"`
	Status      string `json:"status" enum:"not_started,in_progress,completed,failed"`
}

type AckRequest struct {
	Cursor int64 `json:"cursor"`
}

// Response payloads

type RegisterSiteResponse struct {
	Site   domain.Site `json:"site"`
	APIKey string      `json:"api_key"`
}

type IssueKeyResponse struct {
	APIKey string `json:"api_key"`
}

type RunStatusResponse struct {
	Run          domain.Run                 `json:"run"`
	Participants []domain.ParticipantStatus `json:"participants"`
	Warnings     []domain.Warning           `json:"warnings,omitempty"`
}

type MessageResponse struct {
	Seq       int64           `json:"seq"`
	SenderID  string          `json:"sender_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

type PollResponse struct {
	Messages []MessageResponse `json:"messages"`
	Next     int64             `json:"next"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Conversion helpers

func messageResponse(m domain.Message) MessageResponse {
	payload := json.RawMessage(m.Payload)
	if !json.Valid(payload) {
		// Payloads are opaque; non-JSON bytes are wrapped so the response
		// still serializes.
		payload, _ = json.Marshal(string(m.Payload))
	}
	return MessageResponse{
		Seq:       m.Seq,
		SenderID:  m.SenderID,
		Payload:   payload,
		CreatedAt: m.CreatedAt,
	}
}

func mapMessages(in []domain.Message) []MessageResponse {
	res := make([]MessageResponse, 0, len(in))
	for _, m := range in {
		res = append(res, messageResponse(m))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp map[string]any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	return tmp
}
