package classreq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Event types recorded in the class audit trail.
const (
	EventCreated       = "CLASS_CREATED"
	EventAssigned      = "CLASS_ASSIGNED"
	EventStatusChanged = "CLASS_STATUS_CHANGED"
	EventSessionChange = "SESSION_STATUS_CHANGED"
	EventDisputeOpened = "DISPUTE_OPENED"
	EventDisputeClosed = "DISPUTE_RESOLVED"
)

// AppendEvent records an immutable audit event for a class inside the
// caller's transaction. Requests are never deleted, so the trail survives
// terminal states.
func AppendEvent(ctx context.Context, tx pgx.Tx, classID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("classreq: marshal event payload: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	const q = `
		INSERT INTO class_events (class_id, type, payload, actor_id)
		VALUES ($1, $2, $3::jsonb, $4::uuid)
	`
	if _, err := tx.Exec(ctx, q, classID, eventType, body, actor); err != nil {
		return fmt.Errorf("classreq: insert event: %w", err)
	}
	return nil
}
