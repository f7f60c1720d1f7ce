package home

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
	"github.com/flocklabs/flock/internal/fleet/store/memory"
)

func newTestManager(t *testing.T) (*Manager, store.Store, *audit.Service) {
	t.Helper()
	mem := memory.New()
	auditSvc := audit.NewService(mem.Audit(), nil)
	manager := NewManager(mem, auditSvc, nil, nil, LeaseBounds{})
	return manager, mem, auditSvc
}

func TestCreateAndTransition(t *testing.T) {
	ctx := context.Background()
	manager, mem, _ := newTestManager(t)

	home, err := manager.Create(ctx, "alice", "n1")
	require.NoError(t, err)
	assert.Equal(t, "alice@n1", home.HomeID)
	assert.Equal(t, models.HomeStateUnassigned, home.State)

	home, err = manager.Transition(ctx, "alice@n1", models.HomeStateProvisioning, "provisioning", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.HomeStateProvisioning, home.State)

	_, err = manager.Transition(ctx, "alice@n1", models.HomeStateLeased, "skip ahead", "alice")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// transition log chains fromState to the prior toState
	transitions, err := mem.Transitions().List(ctx, store.TransitionFilter{HomeID: "alice@n1"})
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, models.HomeStateUnassigned, transitions[1].FromState)
	assert.Equal(t, models.HomeStateProvisioning, transitions[1].ToState)
}

func TestTransitionAuditLevels(t *testing.T) {
	ctx := context.Background()
	manager, mem, _ := newTestManager(t)

	_, err := manager.Create(ctx, "alice", "n1")
	require.NoError(t, err)
	_, err = manager.Transition(ctx, "alice@n1", models.HomeStateProvisioning, "p", "alice")
	require.NoError(t, err)
	_, err = manager.Transition(ctx, "alice@n1", models.HomeStateFrozen, "emergency", "sysadmin")
	require.NoError(t, err)

	yellow, err := mem.Audit().List(ctx, store.AuditFilter{Level: models.AuditYellow})
	require.NoError(t, err)
	require.Len(t, yellow, 1)
	assert.Contains(t, yellow[0].Detail, "FROZEN")

	green, err := mem.Audit().List(ctx, store.AuditFilter{Level: models.AuditGreen})
	require.NoError(t, err)
	assert.Len(t, green, 1)
}

func leasedHome(t *testing.T, ctx context.Context, manager *Manager, agentID, nodeID string) *models.Home {
	t.Helper()
	_, err := manager.Create(ctx, agentID, nodeID)
	require.NoError(t, err)
	homeID := models.MakeHomeID(agentID, nodeID)
	_, err = manager.Transition(ctx, homeID, models.HomeStateProvisioning, "p", agentID)
	require.NoError(t, err)
	_, err = manager.Transition(ctx, homeID, models.HomeStateIdle, "ready", agentID)
	require.NoError(t, err)
	home, err := manager.RequestLease(ctx, agentID, homeID, time.Hour)
	require.NoError(t, err)
	return home
}

func TestLeaseOwnershipDenied(t *testing.T) {
	ctx := context.Background()
	manager, mem, _ := newTestManager(t)
	leasedHome(t, ctx, manager, "alice", "n1")

	_, err := manager.RenewLease(ctx, "bob", "alice@n1", time.Hour)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = manager.ReleaseLease(ctx, "bob", "alice@n1")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = manager.Freeze(ctx, "bob", "alice@n1", "because")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// no state change and no home.transition audit after the denials
	home, err := manager.Get(ctx, "alice@n1")
	require.NoError(t, err)
	assert.Equal(t, models.HomeStateLeased, home.State)

	entries, err := mem.Audit().List(ctx, store.AuditFilter{AgentID: "bob"})
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "home.transition", e.Action)
		assert.Equal(t, models.AuditYellow, e.Level)
	}
}

func TestLeaseClamping(t *testing.T) {
	manager, _, _ := newTestManager(t)

	assert.Equal(t, DefaultLease, manager.ClampLease(0))
	assert.Equal(t, MinLease, manager.ClampLease(time.Second))
	assert.Equal(t, MaxLease, manager.ClampLease(48*time.Hour))
	assert.Equal(t, 2*time.Hour, manager.ClampLease(2*time.Hour))
}

func TestRenewRequiresLeasedOrActive(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newTestManager(t)
	leasedHome(t, ctx, manager, "alice", "n1")

	_, err := manager.RenewLease(ctx, "alice", "alice@n1", time.Hour)
	require.NoError(t, err)

	_, err = manager.Transition(ctx, "alice@n1", models.HomeStateActive, "working", "alice")
	require.NoError(t, err)
	_, err = manager.RenewLease(ctx, "alice", "alice@n1", time.Hour)
	require.NoError(t, err)

	_, err = manager.ReleaseLease(ctx, "alice", "alice@n1")
	require.NoError(t, err)
	_, err = manager.RenewLease(ctx, "alice", "alice@n1", time.Hour)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReleaseClearsLease(t *testing.T) {
	ctx := context.Background()
	manager, _, _ := newTestManager(t)
	home := leasedHome(t, ctx, manager, "alice", "n1")
	require.NotNil(t, home.LeaseExpiresAt)

	home, err := manager.ReleaseLease(ctx, "alice", "alice@n1")
	require.NoError(t, err)
	assert.Equal(t, models.HomeStateIdle, home.State)
	assert.Nil(t, home.LeaseExpiresAt)
}

func TestExpireLeases(t *testing.T) {
	ctx := context.Background()
	manager, mem, _ := newTestManager(t)
	leasedHome(t, ctx, manager, "alice", "n1")
	leasedHome(t, ctx, manager, "bob", "n1")

	// backdate alice's lease
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, manager.SetLeaseExpiry(ctx, "alice@n1", past))

	expired, err := manager.ExpireLeases(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	alice, err := manager.Get(ctx, "alice@n1")
	require.NoError(t, err)
	assert.Equal(t, models.HomeStateIdle, alice.State)
	assert.Nil(t, alice.LeaseExpiresAt)

	bob, err := manager.Get(ctx, "bob@n1")
	require.NoError(t, err)
	assert.Equal(t, models.HomeStateLeased, bob.State)

	transitions, err := mem.Transitions().List(ctx, store.TransitionFilter{HomeID: "alice@n1"})
	require.NoError(t, err)
	last := transitions[len(transitions)-1]
	assert.Equal(t, "lease-expired", last.Reason)
	assert.Equal(t, "system", last.TriggeredBy)
}

func TestProvisionWritesWorkspace(t *testing.T) {
	ctx := context.Background()
	manager, _, auditSvc := newTestManager(t)
	dir := t.TempDir()
	provisioner := NewProvisioner(manager, auditSvc, dir)

	home, err := provisioner.Provision(ctx, "alice", "n1")
	require.NoError(t, err)
	assert.Equal(t, models.HomeStateIdle, home.State)

	data, err := os.ReadFile(filepath.Join(dir, "alice", "agent.yaml"))
	require.NoError(t, err)
	var card AgentCard
	require.NoError(t, yaml.Unmarshal(data, &card))
	assert.Equal(t, "alice", card.AgentID)
	assert.Equal(t, "alice@n1", card.HomeID)

	info, err := os.Stat(filepath.Join(dir, "alice", "sessions"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
