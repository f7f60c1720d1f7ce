package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklabs/flock/internal/a2a"
	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
	"github.com/flocklabs/flock/internal/fleet/store/memory"
)

func newTestService(t *testing.T) (*Service, *a2a.Loopback, store.Store) {
	t.Helper()
	mem := memory.New()
	auditSvc := audit.NewService(mem.Audit(), nil)
	client := a2a.NewLoopback()
	svc := NewService(mem.Tasks(), auditSvc, client, nil, nil)
	return svc, client, mem
}

// waitForState polls until the background continuation settles the task.
func waitForState(t *testing.T, svc *Service, taskID string, want models.TaskState) *models.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := svc.Get(context.Background(), taskID)
		require.NoError(t, err)
		if task.State == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", taskID, want)
	return nil
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to models.TaskState
		want     bool
	}{
		{models.TaskStateSubmitted, models.TaskStateWorking, true},
		{models.TaskStateSubmitted, models.TaskStateCompleted, true},
		{models.TaskStateSubmitted, models.TaskStateFailed, true},
		{models.TaskStateWorking, models.TaskStateCompleted, true},
		{models.TaskStateWorking, models.TaskStateInputRequired, true},
		{models.TaskStateInputRequired, models.TaskStateWorking, true},
		{models.TaskStateInputRequired, models.TaskStateCompleted, false},
		{models.TaskStateCompleted, models.TaskStateWorking, false},
		{models.TaskStateFailed, models.TaskStateWorking, false},
		{models.TaskStateCanceled, models.TaskStateSubmitted, false},
		{models.TaskStateWorking, models.TaskStateWorking, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ValidTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestDispatchReturnsImmediatelyAndSettles(t *testing.T) {
	ctx := context.Background()
	svc, client, _ := newTestService(t)

	unblock := make(chan struct{})
	client.Register("bob", func(ctx context.Context, req a2a.Request) (*a2a.SendResult, error) {
		<-unblock
		return &a2a.SendResult{State: a2a.StateCompleted, Response: "done"}, nil
	})

	task, err := svc.Dispatch(ctx, "alice", "bob", "please review", nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateSubmitted, task.State, "caller sees the task before the call settles")
	assert.Nil(t, task.CompletedAt)

	close(unblock)
	settled := waitForState(t, svc, task.TaskID, models.TaskStateCompleted)
	assert.Equal(t, "done", settled.ResponseText)
	require.NotNil(t, settled.CompletedAt, "completedAt set with the terminal state")
}

func TestDispatchFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	svc, client, mem := newTestService(t)

	client.Register("bob", func(ctx context.Context, req a2a.Request) (*a2a.SendResult, error) {
		return nil, errors.New("agent unreachable")
	})

	task, err := svc.Dispatch(ctx, "alice", "bob", "hello", nil)
	require.NoError(t, err)

	settled := waitForState(t, svc, task.TaskID, models.TaskStateFailed)
	require.NotNil(t, settled.CompletedAt)

	yellow, err := mem.Audit().List(ctx, store.AuditFilter{Level: models.AuditYellow})
	require.NoError(t, err)
	require.NotEmpty(t, yellow)
	assert.Equal(t, "task.dispatch-failed", yellow[0].Action)
}

func TestDispatchWakesRecipient(t *testing.T) {
	ctx := context.Background()
	svc, client, _ := newTestService(t)
	client.Register("bob", func(ctx context.Context, req a2a.Request) (*a2a.SendResult, error) {
		return &a2a.SendResult{State: a2a.StateCompleted}, nil
	})

	woken := make(chan string, 1)
	svc.SetWaker(wakerFunc(func(ctx context.Context, agentID, reason string) error {
		woken <- agentID + ":" + reason
		return nil
	}))

	_, err := svc.Dispatch(ctx, "alice", "bob", "wake up", nil)
	require.NoError(t, err)
	select {
	case got := <-woken:
		assert.Equal(t, "bob:direct-task", got)
	default:
		t.Fatal("recipient was not woken")
	}
}

type wakerFunc func(ctx context.Context, agentID, reason string) error

func (f wakerFunc) Wake(ctx context.Context, agentID, reason string) error {
	return f(ctx, agentID, reason)
}

func TestRespond(t *testing.T) {
	ctx := context.Background()
	svc, client, _ := newTestService(t)
	client.Register("alice", func(ctx context.Context, req a2a.Request) (*a2a.SendResult, error) {
		return &a2a.SendResult{State: a2a.StateCompleted}, nil
	})
	client.Register("bob", func(ctx context.Context, req a2a.Request) (*a2a.SendResult, error) {
		return &a2a.SendResult{State: a2a.StateInputRequired, Response: "need more detail"}, nil
	})

	task, err := svc.Dispatch(ctx, "alice", "bob", "do the thing", nil)
	require.NoError(t, err)
	waitForState(t, svc, task.TaskID, models.TaskStateInputRequired)

	// only the recipient may respond
	_, err = svc.Respond(ctx, task.TaskID, "carol", "here")
	assert.ErrorIs(t, err, ErrNotResponder)

	updated, err := svc.Respond(ctx, task.TaskID, "bob", "here is the detail")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStateWorking, updated.State)
	assert.Equal(t, "here is the detail", updated.ResponseText)

	// a follow-up task to the original sender was dispatched
	followUps, err := svc.List(ctx, store.TaskFilter{FromAgentID: "bob", ToAgentID: "alice"})
	require.NoError(t, err)
	require.Len(t, followUps, 1)
	assert.Equal(t, task.TaskID, followUps[0].Payload["inResponseTo"])

	// responding again fails: the task is no longer input-required
	_, err = svc.Respond(ctx, task.TaskID, "bob", "again")
	assert.ErrorIs(t, err, ErrNotInputRequired)
}

func TestListCapsLimit(t *testing.T) {
	ctx := context.Background()
	svc, client, _ := newTestService(t)
	client.Register("bob", func(ctx context.Context, req a2a.Request) (*a2a.SendResult, error) {
		return &a2a.SendResult{State: a2a.StateCompleted}, nil
	})

	for i := 0; i < 120; i++ {
		_, err := svc.Dispatch(ctx, "alice", "bob", "msg", nil)
		require.NoError(t, err)
	}

	tasks, err := svc.List(ctx, store.TaskFilter{FromAgentID: "alice", Limit: 500})
	require.NoError(t, err)
	assert.Len(t, tasks, 100)
}
