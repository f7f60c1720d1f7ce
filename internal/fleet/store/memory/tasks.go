package memory

import (
	"context"
	"sort"
	"time"

	"github.com/flocklabs/flock/internal/fleet/models"
	"github.com/flocklabs/flock/internal/fleet/store"
)

type taskStore Store

var _ store.TaskStore = (*taskStore)(nil)

func cloneTask(t *models.Task) *models.Task {
	c := *t
	c.Payload = copyAnyMap(t.Payload)
	c.ResponsePayload = copyAnyMap(t.ResponsePayload)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func (s *taskStore) Insert(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskID]; ok {
		return store.ErrAlreadyExists
	}
	s.tasks[task.TaskID] = cloneTask(task)
	return nil
}

func (s *taskStore) Get(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *taskStore) Update(ctx context.Context, taskID string, update store.TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if update.State != nil {
		task.State = *update.State
	}
	if update.ResponseText != nil {
		task.ResponseText = *update.ResponseText
	}
	if update.ResponsePayload != nil {
		task.ResponsePayload = copyAnyMap(update.ResponsePayload)
	}
	if update.CompletedAt != nil {
		at := *update.CompletedAt
		task.CompletedAt = &at
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *taskStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return store.ErrNotFound
	}
	delete(s.tasks, taskID)
	return nil
}

func (s *taskStore) List(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, task := range s.tasks {
		if filter.FromAgentID != "" && task.FromAgentID != filter.FromAgentID {
			continue
		}
		if filter.ToAgentID != "" && task.ToAgentID != filter.ToAgentID {
			continue
		}
		if filter.State != "" && task.State != filter.State {
			continue
		}
		if filter.MessageType != "" && task.MessageType != filter.MessageType {
			continue
		}
		if filter.Since != nil && task.CreatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID > out[j].TaskID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
