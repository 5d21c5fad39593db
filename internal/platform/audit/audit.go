// Package audit records domain events (query lifecycle, rule management,
// workflow configuration changes) to the audit_log_event table.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/edc/edc/internal/platform/db"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event types.
const (
	QueryCreated          = "query_created"
	QueryTransitioned     = "query_transitioned"
	RuleCreated           = "validation_rule_created"
	RuleUpdated           = "validation_rule_updated"
	RuleToggled           = "validation_rule_toggled"
	RuleDeleted           = "validation_rule_deleted"
	WorkflowConfigUpdated = "workflow_config_updated"
)

// Event is a single audit record. OldValue and NewValue hold JSON snapshots
// or plain text.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	EntityType string    `json:"entity_type"`
	EntityID   int       `json:"entity_id"`
	EntityName string    `json:"entity_name,omitempty"`
	OldValue   string    `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	UserID     *int      `json:"user_id,omitempty"`
	Recorded   time.Time `json:"recorded"`
}

// Recorder persists audit events. Callers treat a failed Record as a logged
// warning; it never undoes the audited change.
type Recorder interface {
	Record(ctx context.Context, e *Event) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, e *Event) error

func (f RecorderFunc) Record(ctx context.Context, e *Event) error { return f(ctx, e) }

// Nop discards every event.
var Nop Recorder = RecorderFunc(func(context.Context, *Event) error { return nil })

// Snapshot renders v as JSON for OldValue/NewValue. A nil v yields "".
func Snapshot(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// PGRecorder writes events using the tenant connection from context when
// present, otherwise the pool.
type PGRecorder struct {
	pool *pgxpool.Pool
}

func NewPGRecorder(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{pool: pool}
}

func (r *PGRecorder) Record(ctx context.Context, e *Event) error {
	prepare(e)

	const query = `
		INSERT INTO audit_log_event (
			audit_id, event_type, entity_type, entity_id, entity_name,
			old_value, new_value, reason_for_change, user_id, audit_date
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := db.Conn(ctx, r.pool).Exec(ctx, query,
		e.ID, e.Type, e.EntityType, e.EntityID, e.EntityName,
		e.OldValue, e.NewValue, e.Reason, e.UserID, e.Recorded,
	)
	if err != nil {
		return fmt.Errorf("audit: record %s: %w", e.Type, err)
	}
	return nil
}

func prepare(e *Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Recorded.IsZero() {
		e.Recorded = time.Now().UTC()
	}
}

// MemoryRecorder keeps events in memory. Used by tests and the CLI dry runs.
type MemoryRecorder struct {
	Events []*Event
}

func (m *MemoryRecorder) Record(_ context.Context, e *Event) error {
	prepare(e)
	m.Events = append(m.Events, e)
	return nil
}
