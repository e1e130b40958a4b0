package fieldsync

import (
	"fmt"
	"sync"
	"time"
)

type RunStatus string

const (
	RunScheduled  RunStatus = "scheduled"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunCancelled  RunStatus = "cancelled"
)

type RequestStatus string

const (
	RequestPending          RequestStatus = "pending"
	RequestTaken            RequestStatus = "taken"
	RequestReadyForDelivery RequestStatus = "ready_for_delivery"
	RequestDelivered        RequestStatus = "delivered"
	RequestCancelled        RequestStatus = "cancelled"
)

// StatusDeliveryAttemptFailed is a history-only sentinel: it is appended to
// a request's history but never becomes the request's visible status.
const StatusDeliveryAttemptFailed = "delivery_attempt_failed"

type StatusHistoryEntry struct {
	Status    string    `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	UserID    int64     `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type Request struct {
	ID            int64                `json:"id"`
	FriendID      int64                `json:"friendId"`
	LocationID    int64                `json:"locationId"`
	RunID         *int64               `json:"runId,omitempty"`
	Category      string               `json:"category"`
	ItemName      string               `json:"itemName"`
	Description   string               `json:"description,omitempty"`
	Quantity      int                  `json:"quantity"`
	Priority      string               `json:"priority,omitempty"`
	Status        RequestStatus        `json:"status"`
	StatusHistory []StatusHistoryEntry `json:"statusHistory"`
}

var visibleRequestStatuses = map[string]struct{}{
	string(RequestPending):          {},
	string(RequestTaken):            {},
	string(RequestReadyForDelivery): {},
	string(RequestDelivered):        {},
	string(RequestCancelled):        {},
}

// ApplyStatus appends a history entry and, except for the
// delivery_attempt_failed sentinel, overwrites the visible status to match.
func (r *Request) ApplyStatus(status, notes string, userID int64, at time.Time) error {
	if r == nil {
		return ErrInvalidInput
	}
	_, visible := visibleRequestStatuses[status]
	if !visible && status != StatusDeliveryAttemptFailed {
		return fmt.Errorf("%w: request status %q", ErrInvalidInput, status)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	r.StatusHistory = append(r.StatusHistory, StatusHistoryEntry{
		Status:    status,
		Notes:     notes,
		UserID:    userID,
		Timestamp: at,
	})
	if visible {
		r.Status = RequestStatus(status)
	}
	return nil
}

type ExpectedFriend struct {
	FriendID   int64      `json:"friendId"`
	Name       string     `json:"name"`
	Spotted    bool       `json:"spotted"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

type StopDelivery struct {
	MealsDelivered *int   `json:"mealsDelivered"`
	Notes          string `json:"notes,omitempty"`
}

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Stop struct {
	ID              int64            `json:"id"`
	LocationID      int64            `json:"locationId"`
	Name            string           `json:"name"`
	Address         string           `json:"address,omitempty"`
	Coordinates     *Coordinates     `json:"coordinates,omitempty"`
	Requests        []Request        `json:"requests"`
	ExpectedFriends []ExpectedFriend `json:"expectedFriends"`
	Delivery        StopDelivery     `json:"delivery"`
}

type RunInfo struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name,omitempty"`
	Status       RunStatus  `json:"status"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// RunExecutionContext is the read-mostly projection of a run in progress.
// Invariant: 0 <= CurrentStopIndex <= len(Stops); == len(Stops) only when
// the run is completed.
type RunExecutionContext struct {
	Run              RunInfo   `json:"run"`
	Stops            []Stop    `json:"stops"`
	CurrentStopIndex int       `json:"currentStopIndex"`
	ServerTimestamp  time.Time `json:"serverTimestamp"`
}

func (c *RunExecutionContext) CurrentStop() (*Stop, bool) {
	if c == nil || c.CurrentStopIndex < 0 || c.CurrentStopIndex >= len(c.Stops) {
		return nil, false
	}
	return &c.Stops[c.CurrentStopIndex], true
}

func (c *RunExecutionContext) Completed() bool {
	return c != nil && len(c.Stops) > 0 && c.CurrentStopIndex == len(c.Stops)
}

type Spotting struct {
	FriendID   int64     `json:"friendId"`
	LocationID int64     `json:"locationId"`
	RunID      *int64    `json:"runId,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	SpottedAt  time.Time `json:"spottedAt"`
}

// ChangeFeed is the incremental delta envelope returned by the changes
// endpoint. Any populated field means the local context is stale.
type ChangeFeed struct {
	Run             *RunInfo   `json:"run,omitempty"`
	UpdatedRequests []Request  `json:"updatedRequests"`
	RecentSpottings []Spotting `json:"recentSpottings"`
	ServerTimestamp time.Time  `json:"serverTimestamp"`
}

// RunSession holds the locally-mutable copy of a run's execution context.
// The controller mutates it optimistically; the reconciler replaces it
// wholesale. Last writer wins.
type RunSession struct {
	mu         sync.Mutex
	state      RunExecutionContext
	lastSynced time.Time
}

func NewRunSession(initial RunExecutionContext) *RunSession {
	return &RunSession{state: initial, lastSynced: initial.ServerTimestamp}
}

func (s *RunSession) Snapshot() RunExecutionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneContext(s.state)
}

func (s *RunSession) LastSynced() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSynced
}

// Replace swaps the whole context for a freshly fetched one and advances
// the last-synced watermark to the server-reported timestamp.
func (s *RunSession) Replace(state RunExecutionContext, serverTimestamp time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = cloneContext(state)
	if !serverTimestamp.IsZero() {
		s.lastSynced = serverTimestamp
	}
}

func (s *RunSession) mutate(fn func(*RunExecutionContext) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.state)
}

func cloneContext(state RunExecutionContext) RunExecutionContext {
	clone := state
	clone.Stops = make([]Stop, len(state.Stops))
	for i, stop := range state.Stops {
		cloned := stop
		cloned.Requests = append([]Request(nil), stop.Requests...)
		for j, req := range cloned.Requests {
			cloned.Requests[j].StatusHistory = append([]StatusHistoryEntry(nil), req.StatusHistory...)
		}
		cloned.ExpectedFriends = append([]ExpectedFriend(nil), stop.ExpectedFriends...)
		if stop.Delivery.MealsDelivered != nil {
			meals := *stop.Delivery.MealsDelivered
			cloned.Delivery.MealsDelivered = &meals
		}
		if stop.Coordinates != nil {
			coords := *stop.Coordinates
			cloned.Coordinates = &coords
		}
		clone.Stops[i] = cloned
	}
	return clone
}
