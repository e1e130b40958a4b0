package fieldsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Transport maps each action kind to one remote call against the
// coordinator's execution and requests API surfaces.
type Transport interface {
	StartRun(ctx context.Context, runID int64) error
	AdvanceStop(ctx context.Context, runID int64) error
	PreviousStop(ctx context.Context, runID int64) error
	RecordStopDelivery(ctx context.Context, runID, locationID int64, mealsDelivered int, notes string) error
	SpotFriend(ctx context.Context, runID, friendID, locationID int64, notes string) error
	MarkDelivered(ctx context.Context, requestID int64, notes string) error
	DeliveryFailed(ctx context.Context, requestID int64, notes string) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type EngineOptions struct {
	SyncInterval   time.Duration
	IntervalJitter float64
	Logger         Logger
	// OnDrainSuccess runs after a drain cycle that confirmed at least one
	// action, typically to force a context refresh.
	OnDrainSuccess func()
}

const defaultSyncInterval = 30 * time.Second

// Engine drains the durable action queue against the remote transport:
// serially, in enqueue order, one drain cycle in flight at a time.
type Engine struct {
	queue     ActionQueue
	transport Transport
	bus       *EventBus
	logger    Logger
	interval  time.Duration
	jitter    float64
	onSuccess func()

	mu       sync.Mutex
	draining bool
	online   bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewEngine(queue ActionQueue, transport Transport, bus *EventBus, opts EngineOptions) (*Engine, error) {
	if queue == nil || transport == nil {
		return nil, ErrInvalidInput
	}
	if bus == nil {
		bus = NewEventBus()
	}
	interval := opts.SyncInterval
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		queue:     queue,
		transport: transport,
		bus:       bus,
		logger:    opts.Logger,
		interval:  interval,
		jitter:    clampJitterRatio(opts.IntervalJitter),
		onSuccess: opts.OnDrainSuccess,
		online:    true,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (e *Engine) Events() *EventBus {
	return e.bus
}

// Enqueue validates and durably records an action, then requests an
// immediate drain. The action is on disk before this returns.
func (e *Engine) Enqueue(kind ActionKind, payload ActionPayload) (int64, error) {
	id, err := e.queue.Enqueue(kind, payload)
	if err != nil {
		return 0, err
	}
	e.TriggerSync()
	return id, nil
}

// SetOnline records connectivity as reported by the caller. A transition
// from offline to online triggers a drain.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	wasOnline := e.online
	e.online = online
	e.mu.Unlock()
	if online && !wasOnline {
		e.TriggerSync()
	}
}

func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// TriggerSync asks for a drain now. It is a no-op while offline or while a
// drain is already in flight; remaining work is picked up by the next
// periodic or event trigger.
func (e *Engine) TriggerSync() {
	if !e.beginDrain() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.endDrain()
		e.drain(e.ctx)
	}()
}

// DrainOnce runs one drain cycle synchronously, respecting the same
// single-flight guard. Used by the drain utility and by tests.
func (e *Engine) DrainOnce(ctx context.Context) bool {
	if !e.beginDrain() {
		return false
	}
	defer e.endDrain()
	e.drain(ctx)
	return true
}

func (e *Engine) beginDrain() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining || !e.online {
		return false
	}
	select {
	case <-e.ctx.Done():
		return false
	default:
	}
	e.draining = true
	return true
}

func (e *Engine) endDrain() {
	e.mu.Lock()
	e.draining = false
	e.mu.Unlock()
}

func (e *Engine) drain(ctx context.Context) {
	pending, err := e.queue.ListPending()
	if err != nil {
		e.logf("list pending actions failed: %v", err)
		return
	}
	// An idle drain still announces itself so listeners get a fresh
	// remaining count after a manual trigger.
	e.bus.Publish(Event{Type: EventSyncStart})
	if len(pending) == 0 {
		e.bus.Publish(Event{Type: EventSyncEnd, Remaining: 0})
		return
	}
	succeeded := 0
	for _, action := range pending {
		select {
		case <-ctx.Done():
			e.bus.Publish(Event{Type: EventSyncEnd, Remaining: e.queue.PendingCount()})
			return
		default:
		}
		if err := e.dispatch(ctx, action); err != nil {
			e.logf("action %d (%s) failed: %v", action.ID, action.Kind, err)
			if recErr := e.queue.RecordFailure(action.ID, err.Error()); recErr != nil {
				e.logf("record failure for action %d: %v", action.ID, recErr)
			}
			e.bus.Publish(Event{Type: EventSyncError, ActionID: action.ID, Kind: action.Kind, Err: err.Error()})
			continue
		}
		if err := e.queue.Remove(action.ID); err != nil {
			e.logf("remove confirmed action %d: %v", action.ID, err)
		}
		succeeded++
		e.bus.Publish(Event{Type: EventSynced, ActionID: action.ID, Kind: action.Kind})
	}
	e.bus.Publish(Event{Type: EventSyncEnd, Remaining: e.queue.PendingCount()})
	if succeeded > 0 && e.onSuccess != nil {
		e.onSuccess()
	}
}

func (e *Engine) dispatch(ctx context.Context, action QueuedAction) error {
	p := action.Payload
	switch action.Kind {
	case ActionStartRun:
		return e.transport.StartRun(ctx, p.RunID)
	case ActionAdvanceStop:
		return e.transport.AdvanceStop(ctx, p.RunID)
	case ActionPreviousStop:
		return e.transport.PreviousStop(ctx, p.RunID)
	case ActionRecordDelivery:
		if p.MealsDelivered == nil {
			return fmt.Errorf("%w: record delivery without meals count", ErrInvalidInput)
		}
		return e.transport.RecordStopDelivery(ctx, p.RunID, p.LocationID, *p.MealsDelivered, p.Notes)
	case ActionSpotFriend:
		return e.transport.SpotFriend(ctx, p.RunID, p.FriendID, p.LocationID, p.Notes)
	case ActionMarkDelivered:
		return e.transport.MarkDelivered(ctx, p.RequestID, p.Notes)
	case ActionDeliveryFailed:
		return e.transport.DeliveryFailed(ctx, p.RequestID, p.Notes)
	default:
		return fmt.Errorf("%w: action kind %q", ErrInvalidInput, action.Kind)
	}
}

// Run fires the periodic drain trigger until ctx is cancelled. In-flight
// drain work is not cancelled by ctx; Close handles that.
func (e *Engine) Run(ctx context.Context) {
	timer := time.NewTimer(jitteredInterval(e.interval, e.jitter))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.ctx.Done():
			return
		case <-timer.C:
			e.TriggerSync()
			timer.Reset(jitteredInterval(e.interval, e.jitter))
		}
	}
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
	})
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
