package activity

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	pulseline_errors "pulseline/pkg/errors"
)

// Action represents the kind of mutation an activity records.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ErrorInfo describes why a captured change could not be fully processed.
// An activity carrying a non-nil ErrorInfo is a dead letter: it stays
// queryable for operators but is skipped during fan-out.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Activity is one entry in the append-only ledger. Exactly one of
// EntityType or ResourceType is set. Seq is the authoritative ordering
// key; CreatedAt is advisory.
type Activity struct {
	ID             uuid.UUID  `json:"id"`
	Seq            int64      `json:"seq"`
	TableName      string     `json:"tableName"`
	EntityType     *string    `json:"entityType"`
	ResourceType   *string    `json:"resourceType"`
	Action         Action     `json:"action"`
	Type           string     `json:"type"`
	EntityID       string     `json:"entityId"`
	UserID         *string    `json:"userId"`
	OrganizationID *string    `json:"organizationId,omitempty"`
	ProjectID      *string    `json:"projectId,omitempty"`
	Tx             *string    `json:"tx"`
	ChangedKeys    []string   `json:"changedKeys"`
	CreatedAt      time.Time  `json:"createdAt"`
	Error          *ErrorInfo `json:"error"`
}

// Kind returns whichever of EntityType or ResourceType is populated.
func (a *Activity) Kind() string {
	if a.EntityType != nil {
		return *a.EntityType
	}
	if a.ResourceType != nil {
		return *a.ResourceType
	}
	return ""
}

// IsDeadLetter reports whether downstream processing failed for this row.
func (a *Activity) IsDeadLetter() bool {
	return a.Error != nil
}

// Validate enforces the ledger invariants that can be checked before insert.
func (a *Activity) Validate() error {
	if a.TableName == "" {
		return fmt.Errorf("%w: table name is required", pulseline_errors.ErrInvalidInput)
	}
	if a.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", pulseline_errors.ErrInvalidInput)
	}
	if (a.EntityType == nil) == (a.ResourceType == nil) {
		return fmt.Errorf("%w: exactly one of entityType or resourceType must be set", pulseline_errors.ErrInvalidInput)
	}
	switch a.Action {
	case ActionCreate, ActionDelete:
		if a.ChangedKeys != nil {
			return fmt.Errorf("%w: changedKeys must be null for %s", pulseline_errors.ErrInvalidInput, a.Action)
		}
	case ActionUpdate:
		if len(a.ChangedKeys) == 0 {
			return fmt.Errorf("%w: changedKeys is required for update", pulseline_errors.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", pulseline_errors.ErrInvalidInput, a.Action)
	}
	return nil
}

// TopicFor derives the event bus topic for a kind and action, e.g.
// ("user", create) -> "user.created".
func TopicFor(kind string, action Action) string {
	suffix := ""
	switch action {
	case ActionCreate:
		suffix = "created"
	case ActionUpdate:
		suffix = "updated"
	case ActionDelete:
		suffix = "deleted"
	}
	return kind + "." + suffix
}

// StrPtr is a convenience for optional string columns.
func StrPtr(s string) *string {
	return &s
}
