package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pulseline/internal/activity"
)

func TestBuildWhereEmptyFilter(t *testing.T) {
	where, args := buildWhere(Filter{})
	assert.Empty(t, where)
	assert.Nil(t, args)
}

func TestBuildWhereSingleField(t *testing.T) {
	where, args := buildWhere(Filter{UserID: "u-1"})
	assert.Equal(t, " WHERE user_id = $1", where)
	assert.Equal(t, []any{"u-1"}, args)
}

func TestBuildWhereCombinesWithAnd(t *testing.T) {
	where, args := buildWhere(Filter{
		EntityType: "user",
		Action:     activity.ActionUpdate,
		TableName:  "users",
	})
	assert.Equal(t, " WHERE entity_type = $1 AND action = $2 AND table_name = $3", where)
	assert.Equal(t, []any{"user", "update", "users"}, args)
}

func TestBuildWhereDeadLettersOnly(t *testing.T) {
	where, args := buildWhere(Filter{DeadLettersOnly: true})
	assert.Equal(t, " WHERE error IS NOT NULL", where)
	assert.Nil(t, args)

	where, args = buildWhere(Filter{Type: "user.created", DeadLettersOnly: true})
	assert.Equal(t, " WHERE type = $1 AND error IS NOT NULL", where)
	assert.Equal(t, []any{"user.created"}, args)
}

func TestBuildWhereAllFields(t *testing.T) {
	where, args := buildWhere(Filter{
		UserID:       "u-1",
		EntityType:   "user",
		ResourceType: "membership",
		Action:       activity.ActionCreate,
		TableName:    "users",
		Type:         "user.created",
		EntityID:     "e-1",
	})
	assert.Contains(t, where, "user_id = $1")
	assert.Contains(t, where, "entity_id = $7")
	assert.Len(t, args, 7)
}

func TestOrderColumnsWhitelist(t *testing.T) {
	assert.Equal(t, "created_at", orderColumns["createdAt"])
	assert.Equal(t, "type", orderColumns["type"])
	assert.Equal(t, "table_name", orderColumns["tableName"])

	// Anything else falls back to the default in Query.
	_, ok := orderColumns["seq; DROP TABLE activities"]
	assert.False(t, ok)
}
