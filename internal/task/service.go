// Package task records the A2A request lifecycle: a six-state FSM over
// durable task records, with fire-and-forget outbound dispatch.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flocklabs/flock/internal/a2a"
	"github.com/flocklabs/flock/internal/audit"
	"github.com/flocklabs/flock/internal/common/logger"
	"github.com/flocklabs/flock/internal/events/bus"
	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

// MaxQueryLimit caps task listings.
const MaxQueryLimit = 100

const summaryMaxLen = 200

var (
	// ErrInvalidTransition is returned for illegal task state edges.
	ErrInvalidTransition = errors.New("invalid task state transition")
	// ErrNotResponder is returned when someone other than the task's
	// recipient tries to respond.
	ErrNotResponder = errors.New("permission denied: only the task recipient may respond")
	// ErrNotInputRequired is returned when responding to a task that is not
	// waiting for input.
	ErrNotInputRequired = errors.New("task is not in input-required state")
)

// Waker wakes an agent's work loop on a direct trigger. The scheduler
// provides the implementation; a nil Waker disables wake-on-dispatch.
type Waker interface {
	Wake(ctx context.Context, agentID, reason string) error
}

// Service provides the task lifecycle over the Tasks store.
type Service struct {
	tasks  store.TaskStore
	audit  *audit.Service
	client a2a.Client
	bus    bus.EventBus
	logger *logger.Logger
	waker  Waker
}

// NewService creates a task service. The bus and waker may be nil.
func NewService(tasks store.TaskStore, auditSvc *audit.Service, client a2a.Client, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		tasks:  tasks,
		audit:  auditSvc,
		client: client,
		bus:    eventBus,
		logger: log,
	}
}

// SetWaker installs the scheduler's wake hook. Called once during wiring;
// breaks the construction cycle between the scheduler and this service.
func (s *Service) SetWaker(w Waker) { s.waker = w }

// ValidTransition reports whether from -> to is a legal task state edge.
// A submitted task may settle directly to a terminal state: the background
// continuation of a fire-and-forget dispatch never passes through working.
func ValidTransition(from, to models.TaskState) bool {
	if from == to {
		return false
	}
	switch from {
	case models.TaskStateSubmitted:
		return true
	case models.TaskStateWorking:
		switch to {
		case models.TaskStateCompleted, models.TaskStateFailed,
			models.TaskStateCanceled, models.TaskStateInputRequired:
			return true
		}
	case models.TaskStateInputRequired:
		return to == models.TaskStateWorking || to == models.TaskStateCanceled
	}
	return false
}

// Get returns the task by id.
func (s *Service) Get(ctx context.Context, taskID string) (*models.Task, error) {
	return s.tasks.Get(ctx, taskID)
}

// List returns tasks matching the filter, newest first, capped at
// MaxQueryLimit.
func (s *Service) List(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	if filter.Limit <= 0 || filter.Limit > MaxQueryLimit {
		filter.Limit = MaxQueryLimit
	}
	return s.tasks.List(ctx, filter)
}

// SetState validates and applies a state transition. CompletedAt is set
// exactly when the new state is terminal.
func (s *Service) SetState(ctx context.Context, taskID string, state models.TaskState, responseText string) (*models.Task, error) {
	current, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ValidTransition(current.State, state) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, state)
	}

	update := store.TaskUpdate{State: &state}
	if responseText != "" {
		update.ResponseText = &responseText
	}
	if state.IsTerminal() {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	if err := s.tasks.Update(ctx, taskID, update); err != nil {
		return nil, fmt.Errorf("failed to update task state: %w", err)
	}
	s.publish(ctx, current, state)
	return s.tasks.Get(ctx, taskID)
}

func (s *Service) publish(ctx context.Context, task *models.Task, state models.TaskState) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, bus.SubjectTaskState, bus.TaskStateEvent{
		TaskID:      task.TaskID,
		FromAgentID: task.FromAgentID,
		ToAgentID:   task.ToAgentID,
		State:       string(state),
	}); err != nil {
		s.logger.WithError(err).Warn("failed to publish task state", zap.String("task_id", task.TaskID))
	}
}

// Dispatch inserts a task as submitted, wakes the recipient, and starts the
// outbound A2A call in the background. The caller gets the task immediately
// and never blocks on the outbound call.
func (s *Service) Dispatch(ctx context.Context, fromAgentID, toAgentID, text string, contextData map[string]any) (*models.Task, error) {
	now := time.Now().UTC()
	task := &models.Task{
		TaskID:      uuid.NewString(),
		ContextID:   uuid.NewString(),
		FromAgentID: fromAgentID,
		ToAgentID:   toAgentID,
		State:       models.TaskStateSubmitted,
		MessageType: "message",
		Summary:     summarize(text),
		Payload:     contextData,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.tasks.Insert(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	s.publish(ctx, task, models.TaskStateSubmitted)

	// A direct task is a wake trigger for the recipient.
	if s.waker != nil {
		if err := s.waker.Wake(ctx, toAgentID, "direct-task"); err != nil {
			s.logger.WithError(err).WithAgentID(toAgentID).Warn("failed to wake task recipient")
		}
	}

	req := a2a.Request{FromAgentID: fromAgentID, Message: a2a.Message{Text: text}}
	if len(contextData) > 0 {
		req.Message.DataParts = []a2a.DataPart{{Kind: "context", Data: contextData}}
	}
	go s.settle(task.TaskID, fromAgentID, toAgentID, req)

	return task, nil
}

// settle is the background continuation of a dispatch. It updates the task
// with the peer's settlement and appends an audit entry. Errors never reach
// the original caller.
func (s *Service) settle(taskID, fromAgentID, toAgentID string, req a2a.Request) {
	ctx := context.Background()

	result, err := s.client.Send(ctx, toAgentID, req)
	if err != nil {
		if _, serr := s.SetState(ctx, taskID, models.TaskStateFailed, err.Error()); serr != nil {
			s.logger.WithError(serr).Warn("failed to mark task failed", zap.String("task_id", taskID))
		}
		s.audit.Append(ctx, audit.Entry{
			AgentID: fromAgentID,
			Action:  "task.dispatch-failed",
			Level:   models.AuditYellow,
			Detail:  fmt.Sprintf("a2a send to %s failed: %v", toAgentID, err),
		})
		return
	}

	state := models.TaskState(result.State)
	switch state {
	case models.TaskStateCompleted, models.TaskStateFailed, models.TaskStateInputRequired:
	default:
		state = models.TaskStateCompleted
	}
	if _, err := s.SetState(ctx, taskID, state, result.Response); err != nil {
		s.logger.WithError(err).Warn("failed to settle task", zap.String("task_id", taskID))
		return
	}
	level := models.AuditGreen
	if state == models.TaskStateFailed {
		level = models.AuditYellow
	}
	s.audit.Append(ctx, audit.Entry{
		AgentID: fromAgentID,
		Action:  "task.settled",
		Level:   level,
		Detail:  fmt.Sprintf("task %s to %s settled as %s", taskID, toAgentID, state),
	})
}

// Respond handles an input-required task. Only the recipient may respond;
// the task moves to working, the response text is stored, and a follow-up
// message is dispatched to the original sender fire-and-forget.
func (s *Service) Respond(ctx context.Context, taskID, callerAgentID, text string) (*models.Task, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.ToAgentID != callerAgentID {
		return nil, fmt.Errorf("%w: task %s belongs to %s", ErrNotResponder, taskID, task.ToAgentID)
	}
	if task.State != models.TaskStateInputRequired {
		return nil, fmt.Errorf("%w: task %s is %s", ErrNotInputRequired, taskID, task.State)
	}

	updated, err := s.SetState(ctx, taskID, models.TaskStateWorking, text)
	if err != nil {
		return nil, err
	}
	if _, err := s.Dispatch(ctx, callerAgentID, task.FromAgentID, text,
		map[string]any{"inResponseTo": taskID}); err != nil {
		s.logger.WithError(err).Warn("failed to dispatch follow-up", zap.String("task_id", taskID))
	}
	return updated, nil
}

func summarize(text string) string {
	if len(text) <= summaryMaxLen {
		return text
	}
	return text[:summaryMaxLen]
}
