package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklabs/flock/internal/a2a"
	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/channel"
	"github.com/flocklabs/flock/internal/directory"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
	"github.com/flocklabs/flock/internal/fleet/store/memory"
	"github.com/flocklabs/flock/internal/home"
	"github.com/flocklabs/flock/internal/migration"
	"github.com/flocklabs/flock/internal/scheduler"
	"github.com/flocklabs/flock/internal/task"
)

type world struct {
	dispatcher *Dispatcher
	store      store.Store
	homes      *home.Manager
	registry   *directory.Registry
	engine     *migration.Engine
	client     *a2a.Loopback
}

func newWorld(t *testing.T) *world {
	t.Helper()
	mem := memory.New()
	auditSvc := audit.NewService(mem.Audit(), nil)
	homes := home.NewManager(mem, auditSvc, nil, nil, home.LeaseBounds{})
	provisioner := home.NewProvisioner(homes, auditSvc, t.TempDir())
	client := a2a.NewLoopback()
	tasks := task.NewService(mem.Tasks(), auditSvc, client, nil, nil)
	channels := channel.NewService(mem, auditSvc, nil, nil)
	sched := scheduler.New(mem, homes, client, auditSvc, nil, scheduler.Options{
		TickInterval:       time.Minute,
		InterDispatchDelay: time.Millisecond,
	})
	tasks.SetWaker(sched)
	channels.SetLoopControl(sched)
	engine := migration.New(mem, homes, auditSvc, nil, nil, "n1", "nats://n1:4222")
	registry := directory.NewRegistry()
	engine.SetRelocator(registry)

	dispatcher := NewDispatcher(homes, provisioner, tasks, channels, auditSvc, sched, engine, registry, nil, "n1")
	return &world{
		dispatcher: dispatcher,
		store:      mem,
		homes:      homes,
		registry:   registry,
		engine:     engine,
		client:     client,
	}
}

func (w *world) invoke(t *testing.T, op, caller string, params Params) Result {
	t.Helper()
	if params == nil {
		params = Params{}
	}
	return w.dispatcher.Invoke(context.Background(), op, caller, params)
}

// provisionLeased provisions the agent and takes a lease on its home.
func (w *world) provisionLeased(t *testing.T, agentID string) string {
	t.Helper()
	res := w.invoke(t, "provision", "system", Params{"agentId": agentID, "nodeId": "n1"})
	require.True(t, res.OK, res.Error)
	homeID := models.MakeHomeID(agentID, "n1")
	res = w.invoke(t, "lease", agentID, Params{"action": "request", "homeId": homeID})
	require.True(t, res.OK, res.Error)
	return homeID
}

func TestInvokeGuards(t *testing.T) {
	w := newWorld(t)

	res := w.invoke(t, "status", "", nil)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "missing caller")

	res = w.invoke(t, "launch-missiles", "alice", nil)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "unknown operation")
}

func TestLeaseOwnershipDenial(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	homeID := w.provisionLeased(t, "alice")

	res := w.invoke(t, "lease", "bob", Params{
		"action":     "renew",
		"homeId":     homeID,
		"durationMs": float64(3_600_000),
	})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "permission denied")

	// state unchanged and no transition recorded for the denied call
	h, err := w.homes.Get(ctx, homeID)
	require.NoError(t, err)
	assert.Equal(t, models.HomeStateLeased, h.State)
	transitions, err := w.store.Transitions().List(ctx, store.TransitionFilter{HomeID: homeID})
	require.NoError(t, err)
	for _, tr := range transitions {
		assert.NotEqual(t, "lease-renew-denied", tr.Reason)
	}

	// the owner renews fine
	res = w.invoke(t, "lease", "alice", Params{
		"action": "renew", "homeId": homeID, "durationMs": float64(3_600_000),
	})
	assert.True(t, res.OK, res.Error)
}

func TestLeaseDefaultsToCallerHome(t *testing.T) {
	w := newWorld(t)
	w.provisionLeased(t, "alice")

	res := w.invoke(t, "lease", "alice", Params{"action": "release"})
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Output, "alice@n1 is IDLE")
}

func TestChannelRoundTripThroughTools(t *testing.T) {
	w := newWorld(t)

	res := w.invoke(t, "channel.create", "alice", Params{
		"channelId": "proj",
		"topic":     "project work",
		"members":   []any{"bob"},
	})
	require.True(t, res.OK, res.Error)

	res = w.invoke(t, "channel.post", "alice", Params{
		"channelId": "proj", "message": "hello @bob",
	})
	require.True(t, res.OK, res.Error)
	assert.Contains(t, res.Output, "seq 1")

	res = w.invoke(t, "channel.read", "alice", Params{"channelId": "proj"})
	require.True(t, res.OK, res.Error)
	msgs, converted := res.Data.([]*models.ChannelMessage)
	require.True(t, converted)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello @bob", msgs[0].Content)

	res = w.invoke(t, "channel.create", "alice", Params{"channelId": "-bad-"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "invalid channel id")
}

func TestMessageDispatchAndHistory(t *testing.T) {
	w := newWorld(t)
	w.client.Register("bob", func(ctx context.Context, req a2a.Request) (*a2a.SendResult, error) {
		return &a2a.SendResult{State: a2a.StateCompleted, Response: "on it"}, nil
	})

	res := w.invoke(t, "message", "alice", Params{"to": "bob", "message": "please review"})
	require.True(t, res.OK, res.Error)

	res = w.invoke(t, "history", "alice", nil)
	require.True(t, res.OK, res.Error)
	tasks, converted := res.Data.([]*models.Task)
	require.True(t, converted)
	require.Len(t, tasks, 1)
	assert.Equal(t, "bob", tasks[0].ToAgentID)

	res = w.invoke(t, "message", "alice", Params{"to": "bob"})
	assert.False(t, res.OK, "message body required")
}

func TestAuditAndTaskQueryFilters(t *testing.T) {
	w := newWorld(t)
	w.provisionLeased(t, "alice")

	res := w.invoke(t, "audit", "alice", Params{"agentId": "alice"})
	require.True(t, res.OK, res.Error)
	entries, converted := res.Data.([]*models.AuditEntry)
	require.True(t, converted)
	require.NotEmpty(t, entries, "provisioning leaves audit entries")

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	res = w.invoke(t, "audit", "alice", Params{"agentId": "alice", "since": future})
	require.True(t, res.OK, res.Error)
	assert.Empty(t, res.Data, "future since excludes everything")

	w.client.Register("bob", func(ctx context.Context, req a2a.Request) (*a2a.SendResult, error) {
		return &a2a.SendResult{State: a2a.StateCompleted}, nil
	})
	res = w.invoke(t, "message", "alice", Params{"to": "bob", "message": "hello"})
	require.True(t, res.OK, res.Error)

	res = w.invoke(t, "tasks", "alice", Params{"fromAgentId": "alice", "messageType": "message"})
	require.True(t, res.OK, res.Error)
	require.Len(t, res.Data, 1)

	res = w.invoke(t, "tasks", "alice", Params{"fromAgentId": "alice", "messageType": "broadcast"})
	require.True(t, res.OK, res.Error)
	assert.Empty(t, res.Data)

	res = w.invoke(t, "tasks", "alice", Params{
		"fromAgentId": "alice",
		"since":       float64(time.Now().Add(time.Hour).UnixMilli()),
	})
	require.True(t, res.OK, res.Error)
	assert.Empty(t, res.Data, "future since excludes the dispatched task")
}

func TestSleepTool(t *testing.T) {
	w := newWorld(t)
	res := w.invoke(t, "sleep", "alice", nil)
	assert.False(t, res.OK, "unknown agent cannot sleep")

	require.NoError(t, w.dispatcher.sched.Wake(context.Background(), "alice", "direct-task"))
	res = w.invoke(t, "sleep", "alice", Params{"reason": "done for today"})
	assert.True(t, res.OK, res.Error)
}

func TestMigrateRequiresRole(t *testing.T) {
	w := newWorld(t)
	w.provisionLeased(t, "alice")

	res := w.invoke(t, "migrate", "mallory", Params{
		"targetAgentId": "alice", "targetNodeId": "n2",
	})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "role required")
}

func TestMigrateFullLifecycle(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	w.provisionLeased(t, "alice")
	w.registry.Register(directory.Card{AgentID: "alice", Role: "developer", NodeID: "n1"})
	w.registry.Register(directory.Card{AgentID: "boss", Role: "orchestrator", NodeID: "n1"})

	res := w.invoke(t, "migrate", "boss", Params{
		"targetAgentId": "alice", "targetNodeId": "n2", "reason": "node_retiring",
	})
	require.True(t, res.OK, res.Error)
	ticket, converted := res.Data.(*models.MigrationTicket)
	require.True(t, converted)

	require.Eventually(t, func() bool {
		got, err := w.engine.Get(ctx, ticket.MigrationID)
		return err == nil && got.Phase == models.PhaseCompleted
	}, 5*time.Second, 10*time.Millisecond, "background lifecycle finishes")

	h, err := w.homes.Get(ctx, "alice@n1")
	require.NoError(t, err)
	assert.Equal(t, models.HomeStateRetired, h.State)

	card, err := w.registry.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "n2", card.NodeID, "directory follows the agent")
}

func TestDecommissionGuards(t *testing.T) {
	w := newWorld(t)
	w.provisionLeased(t, "alice")
	w.registry.Register(directory.Card{AgentID: "boss", Role: "sysadmin", NodeID: "n1"})
	w.registry.Register(directory.Card{AgentID: "alice", Role: "developer", NodeID: "n1"})

	res := w.invoke(t, "decommissionAgent", "boss", Params{"agentId": "boss"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "forbidden")

	res = w.invoke(t, "decommissionAgent", "boss", Params{"agentId": "alice"})
	require.True(t, res.OK, res.Error)

	_, err := w.registry.Get("alice")
	assert.ErrorIs(t, err, directory.ErrNotRegistered)
	h, err := w.homes.Get(context.Background(), "alice@n1")
	require.NoError(t, err)
	assert.Equal(t, models.HomeStateRetired, h.State)
}

func TestRestartGateway(t *testing.T) {
	w := newWorld(t)
	w.registry.Register(directory.Card{AgentID: "ops", Role: "sysadmin", NodeID: "n1"})

	res := w.invoke(t, "restartGateway", "ops", nil)
	assert.False(t, res.OK, "no hook installed")

	fired := make(chan struct{})
	w.dispatcher.SetRestartHook(func() { close(fired) })
	res = w.invoke(t, "restartGateway", "ops", nil)
	require.True(t, res.OK, res.Error)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("restart hook not fired")
	}

	res = w.invoke(t, "restartGateway", "alice", nil)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "role required")
}

func TestUpdateCard(t *testing.T) {
	w := newWorld(t)
	w.registry.Register(directory.Card{AgentID: "alice", Name: "Alice", Role: "developer", NodeID: "n1"})

	res := w.invoke(t, "updateCard", "alice", Params{
		"description": "reviews backend changes",
		"skills":      []any{"go", "sql"},
	})
	require.True(t, res.OK, res.Error)
	card, err := w.registry.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "reviews backend changes", card.Description)
	assert.Equal(t, []string{"go", "sql"}, card.Skills)
	assert.Equal(t, "Alice", card.Name, "absent fields untouched")
}
