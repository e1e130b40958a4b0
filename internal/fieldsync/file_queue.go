package fieldsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type fileActionQueue struct {
	path     string
	capacity int
	mu       sync.Mutex
	nextID   int64
	items    []QueuedAction
}

type fileActionQueueState struct {
	NextID int64          `json:"nextId"`
	Items  []QueuedAction `json:"items"`
}

// NewFileActionQueue opens a JSON-file-backed action queue. Every mutation
// is flushed with an atomic rename before the call returns, so queued
// actions survive process restarts.
func NewFileActionQueue(path string, capacity int) (ActionQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileActionQueue{
		path:     path,
		capacity: capacity,
		items:    []QueuedAction{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileActionQueue) Enqueue(kind ActionKind, payload ActionPayload) (int64, error) {
	if err := ValidateAction(kind, payload); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return 0, ErrQueueFull
	}
	q.nextID++
	action := QueuedAction{
		ID:         q.nextID,
		Kind:       kind,
		Payload:    payload,
		Status:     ActionStatusPending,
		EnqueuedAt: time.Now().UTC(),
	}
	q.items = append(q.items, action)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		q.nextID--
		return 0, err
	}
	return action.ID, nil
}

func (q *fileActionQueue) ListPending() ([]QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return filterActionsLocked(q.items, ActionStatusPending), nil
}

func (q *fileActionQueue) ListFailed() ([]QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return filterActionsLocked(q.items, ActionStatusFailed), nil
}

func (q *fileActionQueue) Remove(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID != id {
			continue
		}
		removed := item
		q.items = append(q.items[:i], q.items[i+1:]...)
		if err := q.saveLocked(); err != nil {
			q.items = append(q.items[:i], append([]QueuedAction{removed}, q.items[i:]...)...)
			return err
		}
		return nil
	}
	return ErrNotFound
}

func (q *fileActionQueue) RecordFailure(id int64, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID != id {
			continue
		}
		previous := q.items[i]
		applyFailure(&q.items[i], errMsg)
		if err := q.saveLocked(); err != nil {
			q.items[i] = previous
			return err
		}
		return nil
	}
	return ErrNotFound
}

func (q *fileActionQueue) Retry(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID != id {
			continue
		}
		if q.items[i].Status != ActionStatusFailed {
			return ErrInvalidState
		}
		previous := q.items[i]
		q.items[i].Status = ActionStatusPending
		q.items[i].RetryCount = 0
		q.items[i].LastError = ""
		if err := q.saveLocked(); err != nil {
			q.items[i] = previous
			return err
		}
		return nil
	}
	return ErrNotFound
}

func (q *fileActionQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, item := range q.items {
		if item.Status == ActionStatusPending {
			count++
		}
	}
	return count
}

func (q *fileActionQueue) Close() error {
	return nil
}

func (q *fileActionQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileActionQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	q.nextID = snapshot.NextID
	q.items = append([]QueuedAction(nil), snapshot.Items...)
	for _, item := range q.items {
		if item.ID > q.nextID {
			q.nextID = item.ID
		}
	}
	return nil
}

func (q *fileActionQueue) saveLocked() error {
	snapshot := fileActionQueueState{
		NextID: q.nextID,
		Items:  append([]QueuedAction(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
