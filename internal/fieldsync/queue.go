package fieldsync

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrQueueFull      = errors.New("queue full")
	ErrNotImplemented = errors.New("not implemented")
)

// An action that fails this many times stops being replayed automatically.
const actionRetryCeiling = 5

const defaultQueueCapacity = 1024

// ActionQueue is the durable record of not-yet-confirmed mutations. Enqueue
// must persist the action before returning so a crash between user action
// and network call never loses it. ListPending returns pending actions in
// enqueue order; later actions can depend causally on earlier ones.
type ActionQueue interface {
	Enqueue(kind ActionKind, payload ActionPayload) (int64, error)
	ListPending() ([]QueuedAction, error)
	ListFailed() ([]QueuedAction, error)
	Remove(id int64) error
	RecordFailure(id int64, errMsg string) error
	Retry(id int64) error
	PendingCount() int
	Close() error
}

type inMemoryActionQueue struct {
	mu       sync.Mutex
	capacity int
	nextID   int64
	items    []QueuedAction
}

func NewInMemoryActionQueue(capacity int) ActionQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryActionQueue{capacity: capacity}
}

func (q *inMemoryActionQueue) Enqueue(kind ActionKind, payload ActionPayload) (int64, error) {
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
	return action.ID, nil
}

func (q *inMemoryActionQueue) ListPending() ([]QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return filterActionsLocked(q.items, ActionStatusPending), nil
}

func (q *inMemoryActionQueue) ListFailed() ([]QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return filterActionsLocked(q.items, ActionStatusFailed), nil
}

func (q *inMemoryActionQueue) Remove(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (q *inMemoryActionQueue) RecordFailure(id int64, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID != id {
			continue
		}
		applyFailure(&q.items[i], errMsg)
		return nil
	}
	return ErrNotFound
}

func (q *inMemoryActionQueue) Retry(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID != id {
			continue
		}
		if q.items[i].Status != ActionStatusFailed {
			return ErrInvalidState
		}
		q.items[i].Status = ActionStatusPending
		q.items[i].RetryCount = 0
		q.items[i].LastError = ""
		return nil
	}
	return ErrNotFound
}

func (q *inMemoryActionQueue) PendingCount() int {
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

func (q *inMemoryActionQueue) Close() error {
	return nil
}

func filterActionsLocked(items []QueuedAction, status ActionStatus) []QueuedAction {
	out := make([]QueuedAction, 0, len(items))
	for _, item := range items {
		if item.Status == status {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

func applyFailure(action *QueuedAction, errMsg string) {
	action.RetryCount++
	action.LastError = errMsg
	if action.RetryCount >= actionRetryCeiling {
		action.Status = ActionStatusFailed
	}
}
