package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklabs/flock/internal/a2a"
	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
	"github.com/flocklabs/flock/internal/fleet/store/memory"
	"github.com/flocklabs/flock/internal/home"
)

type fixture struct {
	sched  *Scheduler
	client *a2a.Loopback
	store  store.Store
	homes  *home.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memory.New()
	auditSvc := audit.NewService(mem.Audit(), nil)
	homes := home.NewManager(mem, auditSvc, nil, nil, home.LeaseBounds{})
	client := a2a.NewLoopback()
	sched := New(mem, homes, client, auditSvc, nil, Options{
		TickInterval:       time.Minute,
		InterDispatchDelay: time.Millisecond,
	})
	sched.immediateDelay = func() time.Duration { return time.Millisecond }
	return &fixture{sched: sched, client: client, store: mem, homes: homes}
}

// captureTicks registers an agent handler recording every payload it gets.
func (f *fixture) captureTicks(agentID string) func() []string {
	var mu sync.Mutex
	var payloads []string
	f.client.Register(agentID, func(ctx context.Context, req a2a.Request) (*a2a.SendResult, error) {
		mu.Lock()
		defer mu.Unlock()
		payloads = append(payloads, req.Message.Text)
		return &a2a.SendResult{State: a2a.StateCompleted}, nil
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), payloads...)
	}
}

func (f *fixture) seedChannel(t *testing.T, channelID string, members []string, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Channels().Insert(ctx, &models.Channel{
		ChannelID: channelID,
		Members:   members,
		CreatedAt: time.Now().UTC(),
	}))
	for i := 0; i < n; i++ {
		_, err := f.store.ChannelMessages().Append(ctx, &models.ChannelMessage{
			ChannelID: channelID,
			AgentID:   members[0],
			Content:   "m",
			Timestamp: time.Now().UTC(),
		})
		require.NoError(t, err)
	}
}

func TestJitterDeterministicAndBounded(t *testing.T) {
	// agent-148983 hashes into the very top of the offset span; it must not
	// land past the +10s bound.
	for _, id := range []string{"alice", "bob", "carol", "a-very-long-agent-identifier", "agent-148983"} {
		j := jitter(id)
		assert.Equal(t, j, jitter(id), "jitter is stable for %s", id)
	}
	assert.NotEqual(t, jitter("alice"), jitter("bob"), "distinct agents spread out")

	// sweep a large id space; every offset must stay within [-10s, +10s)
	for i := 0; i < 200_000; i++ {
		id := fmt.Sprintf("agent-%d", i)
		if j := jitter(id); j < -jitterRange || j >= jitterRange {
			t.Fatalf("jitter(%s) = %s outside [-10s, +10s)", id, j)
		}
	}
}

func TestWakeSleepCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// waking an unknown agent creates the loop record
	require.NoError(t, f.sched.Wake(ctx, "alice", "agent-mention-wake"))
	loop, err := f.sched.LoopState(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.LoopStateAwake, loop.State)

	// waking an awake agent is a no-op and records no second audit entry
	require.NoError(t, f.sched.Wake(ctx, "alice", "channel-post"))
	entries, err := f.store.Audit().List(ctx, store.AuditFilter{AgentID: "alice"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent-mention-wake", entries[0].Action)

	require.NoError(t, f.sched.Sleep(ctx, "alice", "no pending work"))
	loop, err = f.sched.LoopState(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.LoopStateSleep, loop.State)
	require.NotNil(t, loop.SleptAt)
	assert.Equal(t, "no pending work", loop.SleepReason)

	err = f.sched.Sleep(ctx, "alice", "again")
	assert.ErrorIs(t, err, ErrNotAwake)

	require.NoError(t, f.sched.Wake(ctx, "alice", "direct-task"))
	loop, err = f.sched.LoopState(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, loop.SleptAt, "sleep metadata cleared on wake")
	assert.Empty(t, loop.SleepReason)
}

func TestReactiveAgentsSkipPeriodicTicks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	got := f.captureTicks("rex")

	require.NoError(t, f.sched.SetReactive(ctx, "rex"))
	require.NoError(t, f.sched.Wake(ctx, "rex", "direct-task"))
	loop, err := f.sched.LoopState(ctx, "rex")
	require.NoError(t, err)
	assert.Equal(t, models.LoopStateReactive, loop.State, "wake does not demote reactive agents")

	f.sched.runCycle(ctx)
	assert.Empty(t, got(), "reactive agents are not visited periodically")
}

func TestDeltaTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	got := f.captureTicks("a")

	f.seedChannel(t, "c", []string{"a", "b"}, 10)
	require.NoError(t, f.sched.Wake(ctx, "a", "direct-task"))
	f.sched.MarkSeen("a", "c", 5)

	f.sched.runCycle(ctx)

	payloads := got()
	require.Len(t, payloads, 1)
	assert.Contains(t, payloads[0], "#c (seq 6..10)")
	assert.Contains(t, payloads[0], "[6] a: m")
	assert.Contains(t, payloads[0], "[10] a: m")
	assert.NotContains(t, payloads[0], "[5]")

	cur := f.sched.cursorFor("a", "c")
	assert.Equal(t, int64(10), cur.sent, "sent cursor advanced on success")

	loop, err := f.sched.LoopState(ctx, "a")
	require.NoError(t, err)
	assert.False(t, loop.LastTickAt.IsZero(), "lastTickAt updated")

	// nothing new: the next cycle is gated by lastTickAt
	f.sched.runCycle(ctx)
	assert.Len(t, got(), 1)
}

func TestDeltaCapAndSnippetTruncation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	got := f.captureTicks("a")

	f.seedChannel(t, "c", []string{"a"}, 0)
	long := strings.Repeat("x", 450)
	for i := 0; i < 30; i++ {
		_, err := f.store.ChannelMessages().Append(ctx, &models.ChannelMessage{
			ChannelID: "c", AgentID: "a", Content: long, Timestamp: time.Now().UTC(),
		})
		require.NoError(t, err)
	}
	require.NoError(t, f.sched.Wake(ctx, "a", "direct-task"))

	f.sched.runCycle(ctx)

	payloads := got()
	require.Len(t, payloads, 1)
	assert.Contains(t, payloads[0], "seq 11..30", "only the most recent 20 included")
	assert.Contains(t, payloads[0], "older messages omitted")
	assert.NotContains(t, payloads[0], long, "snippets truncated to the cap")
	assert.Contains(t, payloads[0], strings.Repeat("x", 400))
}

func TestFailedDispatchDoesNotAdvanceCursor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.client.Register("a", func(ctx context.Context, req a2a.Request) (*a2a.SendResult, error) {
		return nil, errors.New("agent down")
	})

	f.seedChannel(t, "c", []string{"a"}, 3)
	require.NoError(t, f.sched.Wake(ctx, "a", "direct-task"))
	f.sched.MarkSeen("a", "c", 0)

	f.sched.runCycle(ctx)

	cur := f.sched.cursorFor("a", "c")
	assert.Equal(t, int64(0), cur.sent, "failed delivery will be retried")
	assert.Equal(t, int64(0), cur.scheduled, "scheduled horizon rolled back")

	yellow, err := f.store.Audit().List(ctx, store.AuditFilter{Level: models.AuditYellow})
	require.NoError(t, err)
	require.NotEmpty(t, yellow)
	assert.Equal(t, "scheduler.tick-failed", yellow[0].Action)
}

// brokenMessageLog fails every List call; MaxSeq and Append still work.
type brokenMessageLog struct {
	store.MessageStore
}

func (b brokenMessageLog) List(ctx context.Context, filter store.MessageFilter) ([]*models.ChannelMessage, error) {
	return nil, errors.New("message log unavailable")
}

type brokenMessageStore struct {
	store.Store
}

func (s brokenMessageStore) ChannelMessages() store.MessageStore {
	return brokenMessageLog{s.Store.ChannelMessages()}
}

func TestFailedDeltaCollectionRollsBackScheduled(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	auditSvc := audit.NewService(mem.Audit(), nil)
	homes := home.NewManager(mem, auditSvc, nil, nil, home.LeaseBounds{})
	sched := New(brokenMessageStore{mem}, homes, a2a.NewLoopback(), auditSvc, nil, Options{
		TickInterval:       time.Minute,
		InterDispatchDelay: time.Millisecond,
	})
	sched.immediateDelay = func() time.Duration { return time.Millisecond }

	require.NoError(t, mem.Channels().Insert(ctx, &models.Channel{
		ChannelID: "c",
		Members:   []string{"a"},
		CreatedAt: time.Now().UTC(),
	}))
	for i := 0; i < 3; i++ {
		_, err := mem.ChannelMessages().Append(ctx, &models.ChannelMessage{
			ChannelID: "c",
			AgentID:   "a",
			Content:   "m",
			Timestamp: time.Now().UTC(),
		})
		require.NoError(t, err)
	}
	require.NoError(t, sched.Wake(ctx, "a", "direct-task"))

	// the request bumps the scheduled horizon to seq 3; delta collection then
	// fails, so the horizon must come back to the sent position or later
	// immediate ticks for the same range stay suppressed
	sched.RequestImmediateTick("a")

	require.Eventually(t, func() bool {
		cur := sched.cursorFor("a", "c")
		return cur.scheduled == cur.sent
	}, time.Second, 5*time.Millisecond, "scheduled horizon rolled back after collection failure")
	assert.Equal(t, int64(0), sched.cursorFor("a", "c").sent, "nothing was delivered")
}

func TestImmediateTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	got := f.captureTicks("b")

	f.seedChannel(t, "c", []string{"a", "b"}, 2)
	require.NoError(t, f.sched.Wake(ctx, "b", "agent-mention-wake"))
	f.sched.MarkSeen("b", "c", 0)

	f.sched.RequestImmediateTick("b")
	require.Eventually(t, func() bool { return len(got()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, got()[0], "#c (seq 1..2)")
	assert.Equal(t, int64(2), f.sched.cursorFor("b", "c").sent)

	// nothing new: a second request is suppressed
	f.sched.RequestImmediateTick("b")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, got(), 1)
}

func TestImmediateTickStaleSkip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	got := f.captureTicks("b")

	f.seedChannel(t, "c", []string{"a", "b"}, 1)
	require.NoError(t, f.sched.Wake(ctx, "b", "agent-mention-wake"))
	f.sched.MarkSeen("b", "c", 0)

	release := make(chan struct{})
	f.sched.immediateDelay = func() time.Duration {
		<-release
		return 0
	}
	f.sched.RequestImmediateTick("b")

	// a newer message lands during the burst-absorbing delay
	_, err := f.store.ChannelMessages().Append(ctx, &models.ChannelMessage{
		ChannelID: "c", AgentID: "a", Content: "newer", Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got(), "stale dispatch skipped; the fresher request carries both")
}

func TestRebuildCursors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedChannel(t, "c", []string{"a", "b"}, 7)

	require.NoError(t, f.sched.RebuildCursors(ctx))
	assert.Equal(t, int64(7), f.sched.cursorFor("a", "c").sent)
	assert.Equal(t, int64(7), f.sched.cursorFor("b", "c").sent)
}

func TestCycleSweepsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.store.Homes().Insert(ctx, &models.Home{
		HomeID:         "a@node-1",
		AgentID:        "a",
		NodeID:         "node-1",
		State:          models.HomeStateLeased,
		LeaseExpiresAt: &past,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}))

	f.sched.runCycle(ctx)

	got, err := f.store.Homes().Get(ctx, "a@node-1")
	require.NoError(t, err)
	assert.Equal(t, models.HomeStateIdle, got.State)
	assert.Nil(t, got.LeaseExpiresAt)
}

func TestStartStopIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.sched.Start(ctx))
	require.NoError(t, f.sched.Start(ctx))
	f.sched.Stop()
	f.sched.Stop()
}

func TestNonReentrantCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	blocked := make(chan struct{})
	release := make(chan struct{})
	f.client.Register("a", func(ctx context.Context, req a2a.Request) (*a2a.SendResult, error) {
		close(blocked)
		<-release
		return &a2a.SendResult{State: a2a.StateCompleted}, nil
	})
	f.seedChannel(t, "c", []string{"a"}, 1)
	require.NoError(t, f.sched.Wake(ctx, "a", "direct-task"))

	go f.sched.runCycle(ctx)
	<-blocked

	// a firing during the in-progress cycle is skipped, not queued
	done := make(chan struct{})
	go func() {
		f.sched.runCycle(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("overlapping cycle was not skipped")
	}
	close(release)
}
