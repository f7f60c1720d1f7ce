package channel

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
	"github.com/flocklabs/flock/internal/fleet/store/memory"
)

// fakeLoop records scheduler interactions.
type fakeLoop struct {
	mu    sync.Mutex
	wakes []string // "agent:reason"
	ticks []string
	seen  map[string]int64 // "agent/channel" -> seq
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{seen: make(map[string]int64)}
}

func (f *fakeLoop) Wake(ctx context.Context, agentID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakes = append(f.wakes, agentID+":"+reason)
	return nil
}

func (f *fakeLoop) RequestImmediateTick(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, agentID)
}

func (f *fakeLoop) MarkSeen(agentID, channelID string, seq int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[agentID+"/"+channelID] = seq
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []string
	fail     bool
}

func (f *fakeNotifier) NotifyArchived(ctx context.Context, bridge *models.Bridge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, bridge.BridgeID)
	if f.fail {
		return assert.AnError
	}
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeLoop, store.Store) {
	t.Helper()
	mem := memory.New()
	svc := NewService(mem, audit.NewService(mem.Audit(), nil), nil, nil)
	loop := newFakeLoop()
	svc.SetLoopControl(loop)
	return svc, loop, mem
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	for _, bad := range []string{"", "-lead", "has space", "ok!", "über"} {
		_, err := svc.Create(ctx, "alice", bad, "t", nil)
		assert.ErrorIs(t, err, ErrInvalidChannelID, "id %q", bad)
	}

	ch, err := svc.Create(ctx, "alice", "proj-1", "project", []string{"bob", "bob", "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, ch.Members, "creator first, duplicates dropped")

	_, err = svc.Create(ctx, "bob", "proj-1", "again", nil)
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestMentions(t *testing.T) {
	members := []string{"alice", "bob", "human:operator"}

	assert.Equal(t, []string{"bob"}, Mentions("hey @bob please review", members))
	assert.Empty(t, Mentions("mail me at bob@example.com", members))
	assert.Empty(t, Mentions("@bobby is not bob", members), "longer id is not a mention of bob")
	assert.Equal(t, []string{"alice", "bob"}, Mentions("@alice and @bob", members))
	assert.Equal(t, []string{"human:operator"}, Mentions("cc @human:operator", members))
	assert.Equal(t, []string{"bob"}, Mentions("@bobby then @bob", members))
	assert.Empty(t, Mentions("@carol is not a member", members))
}

func TestPostSemantics(t *testing.T) {
	ctx := context.Background()
	svc, loop, _ := newTestService(t)
	_, err := svc.Create(ctx, "alice", "proj", "t", []string{"bob", "carol"})
	require.NoError(t, err)

	msg, err := svc.Post(ctx, "proj", "alice", "@bob please review", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)

	// poster woken and their cursor advanced past their own message
	assert.Contains(t, loop.wakes, "alice:channel-post")
	assert.Equal(t, int64(1), loop.seen["alice/proj"])

	// mentioned member woken with an immediate tick; carol is not
	assert.Contains(t, loop.wakes, "bob:agent-mention-wake")
	assert.Equal(t, []string{"bob"}, loop.ticks)

	// self-mention does not tick the poster
	loop.ticks = nil
	_, err = svc.Post(ctx, "proj", "alice", "note to @alice", true)
	require.NoError(t, err)
	assert.Empty(t, loop.ticks)

	// notify=false suppresses mention routing
	loop.ticks = nil
	_, err = svc.Post(ctx, "proj", "alice", "@bob quietly", false)
	require.NoError(t, err)
	assert.Empty(t, loop.ticks)
}

func TestReadSinceSeq(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, err := svc.Create(ctx, "alice", "proj", "t", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := svc.Post(ctx, "proj", "alice", "m", false)
		require.NoError(t, err)
	}

	msgs, err := svc.Read(ctx, "proj", 3, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(4), msgs[0].Seq)

	_, err = svc.Read(ctx, "ghost", 0, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMembershipUpdates(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, err := svc.Create(ctx, "alice", "proj", "t", nil)
	require.NoError(t, err)

	ch, err := svc.AddMembers(ctx, "proj", []string{"bob", "bob", "carol"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, ch.Members)

	ch, err = svc.RemoveMembers(ctx, "proj", []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, ch.Members)
}

func TestTwoPhaseArchive(t *testing.T) {
	ctx := context.Background()
	svc, _, mem := newTestService(t)
	notifier := &fakeNotifier{}
	svc.SetNotifier(notifier)

	_, err := svc.Create(ctx, "alice", "x", "t", []string{"bob", "human:operator", "main"})
	require.NoError(t, err)
	bridge, err := svc.CreateBridge(ctx, "alice", "x", models.BridgePlatformDiscord, "ext-1", "", "")
	require.NoError(t, err)

	status, err := svc.Archive(ctx, "x", false)
	require.NoError(t, err)
	assert.True(t, status.Pending)
	assert.False(t, status.Archived)
	assert.Equal(t, 2, status.TotalCount, "human: and main excluded from readiness")
	assert.ElementsMatch(t, []string{"alice", "bob"}, status.Waiting)

	// a system message asked members to signal readiness
	msgs, err := svc.Read(ctx, "x", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, SystemAgentID, msgs[0].AgentID)

	status, err = svc.ArchiveReady(ctx, "x", "alice")
	require.NoError(t, err)
	assert.True(t, status.Pending)
	assert.Equal(t, 1, status.ReadyCount)
	assert.Equal(t, []string{"bob"}, status.Waiting)

	// idempotent re-ready
	status, err = svc.ArchiveReady(ctx, "x", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, status.ReadyCount)

	status, err = svc.ArchiveReady(ctx, "x", "bob")
	require.NoError(t, err)
	assert.True(t, status.Archived)
	assert.False(t, status.Pending)

	ch, err := svc.Get(ctx, "x")
	require.NoError(t, err)
	assert.True(t, ch.Archived)
	assert.Nil(t, ch.ArchivingStartedAt)

	// closing system message appended before the channel went read-only
	msgs, err = svc.Read(ctx, "x", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, SystemAgentID, msgs[len(msgs)-1].AgentID)

	// bridge notified best-effort and deactivated
	assert.Equal(t, []string{bridge.BridgeID}, notifier.notified)
	got, err := mem.Bridges().Get(ctx, bridge.BridgeID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	// posting into the archived channel fails
	_, err = svc.Post(ctx, "x", "alice", "too late", false)
	assert.ErrorIs(t, err, ErrChannelArchived)
}

func TestArchiveForceAndIdempotence(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, err := svc.Create(ctx, "alice", "x", "t", []string{"bob"})
	require.NoError(t, err)

	status, err := svc.Archive(ctx, "x", true)
	require.NoError(t, err)
	assert.True(t, status.Archived)

	// force-archiving an archived channel is a no-op success
	status, err = svc.Archive(ctx, "x", true)
	require.NoError(t, err)
	assert.True(t, status.Archived)
}

func TestArchiveReadyGuards(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, err := svc.Create(ctx, "alice", "x", "t", []string{"bob"})
	require.NoError(t, err)

	_, err = svc.ArchiveReady(ctx, "x", "alice")
	assert.ErrorIs(t, err, ErrArchiveNotPending)

	_, err = svc.Archive(ctx, "x", false)
	require.NoError(t, err)

	_, err = svc.ArchiveReady(ctx, "x", "carol")
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestBridgeUniqueness(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, err := svc.Create(ctx, "alice", "a", "t", nil)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "alice", "b", "t", nil)
	require.NoError(t, err)

	first, err := svc.CreateBridge(ctx, "alice", "a", models.BridgePlatformSlack, "ext", "", "")
	require.NoError(t, err)

	// same external channel, still active -> duplicate
	_, err = svc.CreateBridge(ctx, "alice", "b", models.BridgePlatformSlack, "ext", "", "")
	assert.ErrorIs(t, err, ErrDuplicateBridge)

	// other platform is fine
	_, err = svc.CreateBridge(ctx, "alice", "b", models.BridgePlatformDiscord, "ext", "", "")
	require.NoError(t, err)

	// pausing frees the slot; resuming re-checks it
	_, err = svc.PauseBridge(ctx, first.BridgeID)
	require.NoError(t, err)
	second, err := svc.CreateBridge(ctx, "alice", "b", models.BridgePlatformSlack, "ext", "", "")
	require.NoError(t, err)
	_, err = svc.ResumeBridge(ctx, first.BridgeID)
	assert.ErrorIs(t, err, ErrDuplicateBridge)

	_, err = svc.PauseBridge(ctx, second.BridgeID)
	require.NoError(t, err)
	resumed, err := svc.ResumeBridge(ctx, first.BridgeID)
	require.NoError(t, err)
	assert.True(t, resumed.Active)

	// unknown platform rejected
	_, err = svc.CreateBridge(ctx, "alice", "a", "matrix", "ext2", "", "")
	assert.ErrorIs(t, err, ErrInvalidPlatform)
}

func TestBridgeOnArchivedChannelFails(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, err := svc.Create(ctx, "alice", "x", "t", nil)
	require.NoError(t, err)
	_, err = svc.Archive(ctx, "x", true)
	require.NoError(t, err)

	_, err = svc.CreateBridge(ctx, "alice", "x", models.BridgePlatformSlack, "ext", "", "")
	assert.ErrorIs(t, err, ErrChannelArchived)
}
