package capture

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"pulseline/internal/activity"
	pulseline_errors "pulseline/pkg/errors"
)

// activityNamespace seeds the deterministic ids assigned to captured
// changes: reprocessing the same change after a crash produces the same id,
// and the ledger's insert-or-ignore drops the duplicate.
var activityNamespace = uuid.MustParse("9f2c1d76-4a5b-4e83-9c70-2f4f8f6f1a11")

// bookkeepingColumns never count as changed keys.
var bookkeepingColumns = map[string]bool{
	"updated_at":  true,
	"modified_at": true,
}

// TableSpec describes how one tracked table maps to activities.
type TableSpec struct {
	// Entity is the singular entity name (e.g. "user"); Resource is set
	// instead for resource tables (e.g. "membership"). Exactly one is set.
	Entity   string
	Resource string

	// PrimaryKey is the column carrying the entity id. Defaults to "id".
	PrimaryKey string

	// ActorColumn names the column holding the acting user, if any.
	ActorColumn string

	// OrgColumn and ProjectColumn name optional tenant context columns.
	OrgColumn     string
	ProjectColumn string

	// TxColumn names the column carrying the client correlation token.
	TxColumn string

	// IgnoreColumns are excluded from changedKeys on top of the global
	// bookkeeping set.
	IgnoreColumns []string
}

func (s TableSpec) kind() string {
	if s.Entity != "" {
		return s.Entity
	}
	return s.Resource
}

// Mapper turns decoded row changes into ledger activities. The skip
// predicate is explicit configuration, never ambient state: primary keys it
// matches (synthetic/seed rows) produce no activity at all.
type Mapper struct {
	tables map[string]TableSpec
	skip   func(entityID string) bool
}

// SkipPrefix returns a predicate matching ids with the given prefix. An
// empty prefix skips nothing.
func SkipPrefix(prefix string) func(string) bool {
	if prefix == "" {
		return func(string) bool { return false }
	}
	return func(id string) bool { return strings.HasPrefix(id, prefix) }
}

func NewMapper(tables map[string]TableSpec, skip func(string) bool) *Mapper {
	if skip == nil {
		skip = SkipPrefix("")
	}
	normalized := make(map[string]TableSpec, len(tables))
	for name, spec := range tables {
		if spec.PrimaryKey == "" {
			spec.PrimaryKey = "id"
		}
		normalized[name] = spec
	}
	return &Mapper{tables: normalized, skip: skip}
}

// Tracks reports whether the table is mapped at all.
func (m *Mapper) Tracks(table string) bool {
	_, ok := m.tables[table]
	return ok
}

// Map produces zero or one activity for a change. A nil activity with nil
// error means the change was deliberately skipped (untracked table or
// synthetic row). Mapping errors are returned for the worker to persist as
// dead letters; they never silently drop the change.
func (m *Mapper) Map(ch RowChange) (*activity.Activity, error) {
	spec, ok := m.tables[ch.Table]
	if !ok {
		return nil, nil
	}

	row := ch.After
	if ch.Op == OpDelete {
		row = ch.Before
	}

	entityID := row[spec.PrimaryKey]
	if entityID == "" {
		return nil, fmt.Errorf("%w: table %s change at %d has no %s", pulseline_errors.ErrInvalidInput, ch.Table, ch.Position, spec.PrimaryKey)
	}
	if m.skip(entityID) {
		return nil, nil
	}

	var action activity.Action
	switch ch.Op {
	case OpInsert:
		action = activity.ActionCreate
	case OpUpdate:
		action = activity.ActionUpdate
	case OpDelete:
		action = activity.ActionDelete
	default:
		return nil, fmt.Errorf("%w: unsupported operation %q", pulseline_errors.ErrInvalidInput, ch.Op)
	}

	a := &activity.Activity{
		ID:        changeID(ch.Table, entityID, ch.Position),
		TableName: ch.Table,
		Action:    action,
		Type:      activity.TopicFor(spec.kind(), action),
		EntityID:  entityID,
	}
	if spec.Entity != "" {
		a.EntityType = activity.StrPtr(spec.Entity)
	} else {
		a.ResourceType = activity.StrPtr(spec.Resource)
	}

	if spec.ActorColumn != "" {
		if v := row[spec.ActorColumn]; v != "" {
			a.UserID = activity.StrPtr(v)
		}
	}
	if spec.OrgColumn != "" {
		if v := row[spec.OrgColumn]; v != "" {
			a.OrganizationID = activity.StrPtr(v)
		}
	}
	if spec.ProjectColumn != "" {
		if v := row[spec.ProjectColumn]; v != "" {
			a.ProjectID = activity.StrPtr(v)
		}
	}
	if spec.TxColumn != "" {
		if v := row[spec.TxColumn]; v != "" {
			a.Tx = activity.StrPtr(v)
		}
	}

	if action == activity.ActionUpdate {
		keys := changedKeys(ch.Before, ch.After, spec.IgnoreColumns)
		if len(keys) == 0 {
			// Bookkeeping-only touch; nothing worth recording.
			return nil, nil
		}
		a.ChangedKeys = keys
	}

	return a, nil
}

// DeadLetter builds the activity persisted when mapping fails: the fact of
// the change is recorded with error populated so the stream can advance.
func (m *Mapper) DeadLetter(ch RowChange, cause error) *activity.Activity {
	row := ch.After
	if ch.Op == OpDelete {
		row = ch.Before
	}

	entityID := row["id"]
	if spec, ok := m.tables[ch.Table]; ok && spec.PrimaryKey != "" {
		if v := row[spec.PrimaryKey]; v != "" {
			entityID = v
		}
	}
	if entityID == "" {
		entityID = fmt.Sprintf("pos-%d", ch.Position)
	}

	var action activity.Action
	switch ch.Op {
	case OpUpdate:
		action = activity.ActionUpdate
	case OpDelete:
		action = activity.ActionDelete
	default:
		action = activity.ActionCreate
	}

	kind := singular(ch.Table)
	a := &activity.Activity{
		ID:         changeID(ch.Table, entityID, ch.Position),
		TableName:  ch.Table,
		EntityType: activity.StrPtr(kind),
		Action:     action,
		Type:       activity.TopicFor(kind, action),
		EntityID:   entityID,
		Error: &activity.ErrorInfo{
			Code:    "capture_mapping_failed",
			Message: cause.Error(),
		},
	}
	if action == activity.ActionUpdate {
		a.ChangedKeys = []string{"unknown"}
	}
	return a
}

func changeID(table, entityID string, position uint64) uuid.UUID {
	return uuid.NewSHA1(activityNamespace, []byte(fmt.Sprintf("%s|%s|%d", table, entityID, position)))
}

// changedKeys is the symmetric difference of the before/after column sets:
// columns whose value changed plus columns present on only one side.
func changedKeys(before, after map[string]string, ignore []string) []string {
	ignored := make(map[string]bool, len(ignore))
	for _, col := range ignore {
		ignored[col] = true
	}

	set := make(map[string]bool)
	for col, oldVal := range before {
		if bookkeepingColumns[col] || ignored[col] {
			continue
		}
		newVal, ok := after[col]
		if !ok || newVal != oldVal {
			set[col] = true
		}
	}
	for col := range after {
		if bookkeepingColumns[col] || ignored[col] {
			continue
		}
		if _, ok := before[col]; !ok {
			set[col] = true
		}
	}

	keys := make([]string, 0, len(set))
	for col := range set {
		keys = append(keys, col)
	}
	sort.Strings(keys)
	return keys
}

// singular trims a plural table name to its entity name, best effort.
func singular(table string) string {
	switch {
	case strings.HasSuffix(table, "ies"):
		return table[:len(table)-3] + "y"
	case strings.HasSuffix(table, "ses"):
		return table[:len(table)-2]
	case strings.HasSuffix(table, "s"):
		return table[:len(table)-1]
	default:
		return table
	}
}
