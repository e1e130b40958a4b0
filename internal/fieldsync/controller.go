package fieldsync

import (
	"fmt"
	"time"
)

// Controller translates user intent on the execution screen into queued
// actions plus optimistic local updates. The queue's enqueue order carries
// the causal dependencies (a stop's delivery is recorded before the advance
// that leaves it), and the sync engine replays in that order.
type Controller struct {
	session *RunSession
	engine  *Engine
	userID  int64
}

func NewController(session *RunSession, engine *Engine, userID int64) (*Controller, error) {
	if session == nil || engine == nil {
		return nil, ErrInvalidInput
	}
	return &Controller{session: session, engine: engine, userID: userID}, nil
}

// StartRun moves a scheduled run into execution.
func (c *Controller) StartRun() error {
	var runID int64
	err := c.session.mutate(func(state *RunExecutionContext) error {
		if state.Run.Status != RunScheduled {
			return fmt.Errorf("%w: run %d is %s, not scheduled", ErrInvalidState, state.Run.ID, state.Run.Status)
		}
		state.Run.Status = RunInProgress
		now := time.Now().UTC()
		state.Run.StartedAt = &now
		runID = state.Run.ID
		return nil
	})
	if err != nil {
		return err
	}
	_, err = c.engine.Enqueue(ActionStartRun, ActionPayload{RunID: runID})
	return err
}

// RecordDelivery stores the meals-delivered entry for the current stop.
// Last write for a stop wins; zero is a valid, explicit entry.
func (c *Controller) RecordDelivery(mealsDelivered int, notes string) error {
	if mealsDelivered < 0 {
		return fmt.Errorf("%w: negative meals delivered", ErrInvalidInput)
	}
	var payload ActionPayload
	err := c.session.mutate(func(state *RunExecutionContext) error {
		stop, ok := state.CurrentStop()
		if !ok {
			return fmt.Errorf("%w: no current stop", ErrInvalidState)
		}
		meals := mealsDelivered
		stop.Delivery = StopDelivery{MealsDelivered: &meals, Notes: notes}
		payload = ActionPayload{
			RunID:          state.Run.ID,
			LocationID:     stop.LocationID,
			MealsDelivered: &meals,
			Notes:          notes,
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = c.engine.Enqueue(ActionRecordDelivery, payload)
	return err
}

// AdvanceStop moves to the next stop. Preconditions: not at the last stop,
// and a meals-delivered value has been entered for the current stop. The
// delivery for the stop being left is queued immediately before the advance
// so the replay order preserves the dependency.
func (c *Controller) AdvanceStop() error {
	var (
		deliveryPayload ActionPayload
		runID           int64
	)
	err := c.session.mutate(func(state *RunExecutionContext) error {
		if state.CurrentStopIndex >= len(state.Stops)-1 {
			return fmt.Errorf("%w: already at the last stop", ErrInvalidState)
		}
		stop, ok := state.CurrentStop()
		if !ok {
			return fmt.Errorf("%w: no current stop", ErrInvalidState)
		}
		if stop.Delivery.MealsDelivered == nil {
			return fmt.Errorf("%w: meals delivered not entered for stop %d", ErrInvalidState, stop.ID)
		}
		meals := *stop.Delivery.MealsDelivered
		deliveryPayload = ActionPayload{
			RunID:          state.Run.ID,
			LocationID:     stop.LocationID,
			MealsDelivered: &meals,
			Notes:          stop.Delivery.Notes,
		}
		runID = state.Run.ID
		state.CurrentStopIndex++
		if state.CurrentStopIndex > len(state.Stops)-1 {
			state.CurrentStopIndex = len(state.Stops) - 1
		}
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := c.engine.Enqueue(ActionRecordDelivery, deliveryPayload); err != nil {
		return err
	}
	_, err = c.engine.Enqueue(ActionAdvanceStop, ActionPayload{RunID: runID})
	return err
}

// PreviousStop moves back one stop. Backward navigation is always allowed
// except at the first stop.
func (c *Controller) PreviousStop() error {
	var runID int64
	err := c.session.mutate(func(state *RunExecutionContext) error {
		if state.CurrentStopIndex <= 0 {
			return fmt.Errorf("%w: already at the first stop", ErrInvalidState)
		}
		state.CurrentStopIndex--
		runID = state.Run.ID
		return nil
	})
	if err != nil {
		return err
	}
	_, err = c.engine.Enqueue(ActionPreviousStop, ActionPayload{RunID: runID})
	return err
}

// SpotFriend records a sighting of a friend at the current stop and flips
// the run-scoped spotted flag. Request state is untouched.
func (c *Controller) SpotFriend(friendID int64, notes string) error {
	var payload ActionPayload
	err := c.session.mutate(func(state *RunExecutionContext) error {
		stop, ok := state.CurrentStop()
		if !ok {
			return fmt.Errorf("%w: no current stop", ErrInvalidState)
		}
		for i := range stop.ExpectedFriends {
			if stop.ExpectedFriends[i].FriendID == friendID {
				stop.ExpectedFriends[i].Spotted = true
				now := time.Now().UTC()
				stop.ExpectedFriends[i].LastSeenAt = &now
			}
		}
		payload = ActionPayload{
			RunID:      state.Run.ID,
			FriendID:   friendID,
			LocationID: stop.LocationID,
			Notes:      notes,
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = c.engine.Enqueue(ActionSpotFriend, payload)
	return err
}

// MarkDelivered hands off a requested item: the request's visible status
// becomes delivered and history records it.
func (c *Controller) MarkDelivered(requestID int64, notes string) error {
	err := c.applyRequestStatus(requestID, string(RequestDelivered), notes)
	if err != nil {
		return err
	}
	_, err = c.engine.Enqueue(ActionMarkDelivered, ActionPayload{RequestID: requestID, Notes: notes})
	return err
}

// DeliveryFailed records a failed hand-off attempt. History gains a
// delivery_attempt_failed entry; the visible status does not change, so
// the request stays available for a future attempt.
func (c *Controller) DeliveryFailed(requestID int64, notes string) error {
	err := c.applyRequestStatus(requestID, StatusDeliveryAttemptFailed, notes)
	if err != nil {
		return err
	}
	_, err = c.engine.Enqueue(ActionDeliveryFailed, ActionPayload{RequestID: requestID, Notes: notes})
	return err
}

func (c *Controller) applyRequestStatus(requestID int64, status, notes string) error {
	return c.session.mutate(func(state *RunExecutionContext) error {
		for i := range state.Stops {
			for j := range state.Stops[i].Requests {
				if state.Stops[i].Requests[j].ID != requestID {
					continue
				}
				return state.Stops[i].Requests[j].ApplyStatus(status, notes, c.userID, time.Now().UTC())
			}
		}
		return fmt.Errorf("%w: request %d", ErrNotFound, requestID)
	})
}
