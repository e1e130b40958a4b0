package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeTransport records the calls a drain makes, in order, and fails the
// kinds listed in failKinds.
type fakeTransport struct {
	mu        sync.Mutex
	calls     []string
	failKinds map[ActionKind]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failKinds: map[ActionKind]error{}}
}

func (f *fakeTransport) record(kind ActionKind, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failKinds[kind]; ok {
		return err
	}
	f.calls = append(f.calls, detail)
	return nil
}

func (f *fakeTransport) failWith(kind ActionKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failKinds[kind] = err
}

func (f *fakeTransport) heal(kind ActionKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failKinds, kind)
}

func (f *fakeTransport) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) StartRun(ctx context.Context, runID int64) error {
	return f.record(ActionStartRun, fmt.Sprintf("start:%d", runID))
}

func (f *fakeTransport) AdvanceStop(ctx context.Context, runID int64) error {
	return f.record(ActionAdvanceStop, fmt.Sprintf("advance:%d", runID))
}

func (f *fakeTransport) PreviousStop(ctx context.Context, runID int64) error {
	return f.record(ActionPreviousStop, fmt.Sprintf("previous:%d", runID))
}

func (f *fakeTransport) RecordStopDelivery(ctx context.Context, runID, locationID int64, mealsDelivered int, notes string) error {
	return f.record(ActionRecordDelivery, fmt.Sprintf("delivery:%d:%d:%d", runID, locationID, mealsDelivered))
}

func (f *fakeTransport) SpotFriend(ctx context.Context, runID, friendID, locationID int64, notes string) error {
	return f.record(ActionSpotFriend, fmt.Sprintf("spot:%d:%d:%d", runID, friendID, locationID))
}

func (f *fakeTransport) MarkDelivered(ctx context.Context, requestID int64, notes string) error {
	return f.record(ActionMarkDelivered, fmt.Sprintf("delivered:%d", requestID))
}

func (f *fakeTransport) DeliveryFailed(ctx context.Context, requestID int64, notes string) error {
	return f.record(ActionDeliveryFailed, fmt.Sprintf("delivery_failed:%d", requestID))
}

// newTestEngine builds an engine over an in-memory queue. Tests enqueue on
// the queue directly so no async drain fires and DrainOnce stays
// deterministic.
func newTestEngine(t *testing.T, transport Transport, opts EngineOptions) (*Engine, ActionQueue) {
	t.Helper()
	queue := NewInMemoryActionQueue(64)
	engine, err := NewEngine(queue, transport, NewEventBus(), opts)
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, queue
}

func mustEnqueue(t *testing.T, queue ActionQueue, kind ActionKind, payload ActionPayload) int64 {
	t.Helper()
	id, err := queue.Enqueue(kind, payload)
	if err != nil {
		t.Fatalf("enqueue %s failed: %v", kind, err)
	}
	return id
}

func TestEngineDrainsInEnqueueOrder(t *testing.T) {
	transport := newFakeTransport()
	engine, queue := newTestEngine(t, transport, EngineOptions{})

	mustEnqueue(t, queue, ActionStartRun, ActionPayload{RunID: 5})
	mustEnqueue(t, queue, ActionRecordDelivery, ActionPayload{RunID: 5, LocationID: 2, MealsDelivered: intPtr(12)})
	mustEnqueue(t, queue, ActionAdvanceStop, ActionPayload{RunID: 5})

	if !engine.DrainOnce(context.Background()) {
		t.Fatalf("expected drain to run")
	}

	calls := transport.recorded()
	want := []string{"start:5", "delivery:5:2:12", "advance:5"}
	if len(calls) != len(want) {
		t.Fatalf("expected %d transport calls, got %v", len(want), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d: expected %q, got %q (all: %v)", i, want[i], calls[i], calls)
		}
	}
	if count := queue.PendingCount(); count != 0 {
		t.Fatalf("expected drained queue, got %d pending", count)
	}
}

func TestEngineKeepsFailedActionAndContinues(t *testing.T) {
	transport := newFakeTransport()
	transport.failWith(ActionRecordDelivery, errors.New("503 from coordinator"))
	engine, queue := newTestEngine(t, transport, EngineOptions{})

	mustEnqueue(t, queue, ActionRecordDelivery, ActionPayload{RunID: 5, LocationID: 2, MealsDelivered: intPtr(8)})
	mustEnqueue(t, queue, ActionSpotFriend, ActionPayload{RunID: 5, FriendID: 9, LocationID: 2})

	if !engine.DrainOnce(context.Background()) {
		t.Fatalf("expected drain to run")
	}

	calls := transport.recorded()
	if len(calls) != 1 || calls[0] != "spot:5:9:2" {
		t.Fatalf("expected only the spot call to land, got %v", calls)
	}
	pending, err := queue.ListPending()
	if err != nil {
		t.Fatalf("list pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Kind != ActionRecordDelivery {
		t.Fatalf("expected the failed delivery to stay pending, got %+v", pending)
	}
	if pending[0].RetryCount != 1 || pending[0].LastError == "" {
		t.Fatalf("expected failure bookkeeping on the pending action, got %+v", pending[0])
	}

	transport.heal(ActionRecordDelivery)
	if !engine.DrainOnce(context.Background()) {
		t.Fatalf("expected second drain to run")
	}
	if count := queue.PendingCount(); count != 0 {
		t.Fatalf("expected queue to empty once the server recovers, got %d pending", count)
	}
}

func TestEngineStopsReplayingAtRetryCeiling(t *testing.T) {
	transport := newFakeTransport()
	transport.failWith(ActionMarkDelivered, errors.New("500 from coordinator"))
	engine, queue := newTestEngine(t, transport, EngineOptions{})

	mustEnqueue(t, queue, ActionMarkDelivered, ActionPayload{RequestID: 31})

	for i := 0; i < actionRetryCeiling+2; i++ {
		engine.DrainOnce(context.Background())
	}

	failed, err := queue.ListFailed()
	if err != nil {
		t.Fatalf("list failed failed: %v", err)
	}
	if len(failed) != 1 || failed[0].RetryCount != actionRetryCeiling {
		t.Fatalf("expected one failed action with exactly %d attempts, got %+v", actionRetryCeiling, failed)
	}
	if count := queue.PendingCount(); count != 0 {
		t.Fatalf("expected nothing pending after the ceiling, got %d", count)
	}
}

func TestEngineSingleFlight(t *testing.T) {
	transport := newFakeTransport()
	engine, _ := newTestEngine(t, transport, EngineOptions{})

	if !engine.beginDrain() {
		t.Fatalf("expected first drain claim to succeed")
	}
	if engine.DrainOnce(context.Background()) {
		t.Fatalf("expected concurrent drain to be refused")
	}
	engine.endDrain()
	if !engine.DrainOnce(context.Background()) {
		t.Fatalf("expected drain to run after the first finished")
	}
}

func TestEngineOfflineSuppressesDrains(t *testing.T) {
	transport := newFakeTransport()
	engine, queue := newTestEngine(t, transport, EngineOptions{})
	engine.SetOnline(false)

	mustEnqueue(t, queue, ActionStartRun, ActionPayload{RunID: 3})
	if engine.DrainOnce(context.Background()) {
		t.Fatalf("expected no drain while offline")
	}
	if count := queue.PendingCount(); count != 1 {
		t.Fatalf("expected action to wait for connectivity, got %d pending", count)
	}

	// The offline to online transition itself triggers a drain.
	engine.SetOnline(true)
	deadline := time.Now().Add(2 * time.Second)
	for queue.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if count := queue.PendingCount(); count != 0 {
		t.Fatalf("expected reconnect to flush the queue, got %d pending", count)
	}
}

func TestEngineEnqueueTriggersImmediateDrain(t *testing.T) {
	transport := newFakeTransport()
	engine, queue := newTestEngine(t, transport, EngineOptions{})

	if _, err := engine.Enqueue(ActionStartRun, ActionPayload{RunID: 8}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for queue.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if count := queue.PendingCount(); count != 0 {
		t.Fatalf("expected enqueue to trigger an immediate drain, got %d pending", count)
	}
}

func TestEnginePublishesLifecycleEvents(t *testing.T) {
	transport := newFakeTransport()
	transport.failWith(ActionAdvanceStop, errors.New("409 from coordinator"))
	engine, queue := newTestEngine(t, transport, EngineOptions{})
	events, dispose := engine.Events().Subscribe(32)
	defer dispose()

	mustEnqueue(t, queue, ActionStartRun, ActionPayload{RunID: 6})
	mustEnqueue(t, queue, ActionAdvanceStop, ActionPayload{RunID: 6})
	engine.DrainOnce(context.Background())

	var seen []EventType
	for len(seen) < 4 {
		select {
		case event := <-events:
			seen = append(seen, event.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, saw %v", seen)
		}
	}
	want := []EventType{EventSyncStart, EventSynced, EventSyncError, EventSyncEnd}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s (all: %v)", i, want[i], seen[i], seen)
		}
	}
}

func TestEngineEmptyDrainStillAnnouncesLifecycle(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeTransport(), EngineOptions{})
	events, dispose := engine.Events().Subscribe(8)
	defer dispose()

	if !engine.DrainOnce(context.Background()) {
		t.Fatalf("expected drain over an empty queue to run")
	}

	var seen []Event
	for len(seen) < 2 {
		select {
		case event := <-events:
			seen = append(seen, event)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, saw %v", seen)
		}
	}
	if seen[0].Type != EventSyncStart || seen[1].Type != EventSyncEnd {
		t.Fatalf("expected start then end for an idle drain, got %v", seen)
	}
	if seen[1].Remaining != 0 {
		t.Fatalf("expected zero remaining on an idle drain, got %d", seen[1].Remaining)
	}
}

func TestEngineRunsDrainCallbackOnlyAfterSuccess(t *testing.T) {
	transport := newFakeTransport()
	transport.failWith(ActionStartRun, errors.New("unreachable"))
	var callbacks atomic.Int32
	engine, queue := newTestEngine(t, transport, EngineOptions{
		OnDrainSuccess: func() { callbacks.Add(1) },
	})

	mustEnqueue(t, queue, ActionStartRun, ActionPayload{RunID: 2})
	engine.DrainOnce(context.Background())
	if got := callbacks.Load(); got != 0 {
		t.Fatalf("expected no callback after a fully failed drain, got %d", got)
	}

	transport.heal(ActionStartRun)
	engine.DrainOnce(context.Background())
	if got := callbacks.Load(); got != 1 {
		t.Fatalf("expected one callback after a successful drain, got %d", got)
	}
}
