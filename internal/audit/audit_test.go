package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
	"github.com/flocklabs/flock/internal/fleet/store/memory"
)

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	svc := NewService(mem.Audit(), nil)

	svc.Append(ctx, Entry{AgentID: "alice", Action: "home.transition", Detail: "IDLE -> LEASED"})

	entries, err := svc.Query(ctx, store.AuditFilter{AgentID: "alice"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, models.AuditGreen, entries[0].Level, "level defaults to GREEN")
}

func TestQueryCapsLimitAt100(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	svc := NewService(mem.Audit(), nil)

	for i := 0; i < 150; i++ {
		svc.Append(ctx, Entry{AgentID: "alice", Action: "tick", Level: models.AuditGreen})
	}

	entries, err := svc.Query(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 100)

	entries, err = svc.Query(ctx, store.AuditFilter{Limit: 500})
	require.NoError(t, err)
	assert.Len(t, entries, 100)

	entries, err = svc.Query(ctx, store.AuditFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, entries, 10)

	n, err := svc.Count(ctx, store.AuditFilter{AgentID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(150), n, "count is not capped")
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	svc := NewService(mem.Audit(), nil)

	svc.Append(ctx, Entry{AgentID: "alice", HomeID: "alice@n1", Action: "lease", Level: models.AuditGreen})
	svc.Append(ctx, Entry{AgentID: "bob", Action: "freeze", Level: models.AuditYellow})
	cutoff := time.Now().UTC()
	svc.Append(ctx, Entry{AgentID: "alice", Action: "release", Level: models.AuditGreen})

	yellow, err := svc.Query(ctx, store.AuditFilter{Level: models.AuditYellow})
	require.NoError(t, err)
	require.Len(t, yellow, 1)
	assert.Equal(t, "bob", yellow[0].AgentID)

	byHome, err := svc.Query(ctx, store.AuditFilter{HomeID: "alice@n1"})
	require.NoError(t, err)
	assert.Len(t, byHome, 1)

	recent, err := svc.Query(ctx, store.AuditFilter{Since: &cutoff})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "release", recent[0].Action)
}
