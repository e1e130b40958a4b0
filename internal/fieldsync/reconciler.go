package fieldsync

import (
	"context"
	"time"
)

// ContextFetcher is the read side of the coordinator API used for
// reconciliation.
type ContextFetcher interface {
	ExecutionContext(ctx context.Context, runID int64) (RunExecutionContext, error)
	Changes(ctx context.Context, runID int64, since time.Time) (ChangeFeed, error)
}

type ReconcilerOptions struct {
	PollInterval   time.Duration
	IntervalJitter float64
	Logger         Logger
}

const defaultPollInterval = 20 * time.Second

// Reconciler folds out-of-band server changes (coordinator edits, other
// volunteers' spottings) into the local run session. The merge policy is
// deliberately conservative: any detected change triggers a full refetch
// and wholesale replacement of the context. A poll landing mid-flight can
// overwrite optimistic state that has not round-tripped yet; the queued
// actions replay it on the next drain.
type Reconciler struct {
	fetcher  ContextFetcher
	session  *RunSession
	bus      *EventBus
	runID    int64
	interval time.Duration
	jitter   float64
	logger   Logger
}

func NewReconciler(fetcher ContextFetcher, session *RunSession, bus *EventBus, runID int64, opts ReconcilerOptions) (*Reconciler, error) {
	if fetcher == nil || session == nil || runID <= 0 {
		return nil, ErrInvalidInput
	}
	if bus == nil {
		bus = NewEventBus()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Reconciler{
		fetcher:  fetcher,
		session:  session,
		bus:      bus,
		runID:    runID,
		interval: interval,
		jitter:   clampJitterRatio(opts.IntervalJitter),
		logger:   opts.Logger,
	}, nil
}

// PollOnce asks the server what changed since the last watermark and, if
// anything did, refetches and replaces the whole context.
func (r *Reconciler) PollOnce(ctx context.Context) error {
	since := r.session.LastSynced()
	feed, err := r.fetcher.Changes(ctx, r.runID, since)
	if err != nil {
		return err
	}
	if !r.feedIndicatesChange(feed) {
		return nil
	}
	return r.Refresh(ctx, feed.ServerTimestamp)
}

// Refresh unconditionally refetches the execution context and replaces the
// session. Called after successful drains and on detected changes.
func (r *Reconciler) Refresh(ctx context.Context, serverTimestamp time.Time) error {
	fresh, err := r.fetcher.ExecutionContext(ctx, r.runID)
	if err != nil {
		return err
	}
	if serverTimestamp.IsZero() {
		serverTimestamp = fresh.ServerTimestamp
	}
	r.session.Replace(fresh, serverTimestamp)
	r.bus.Publish(Event{Type: EventContextNew})
	return nil
}

func (r *Reconciler) feedIndicatesChange(feed ChangeFeed) bool {
	// The feed carries only entities touched since the watermark, so a
	// present run means the server edited it even if the status matches.
	return feed.Run != nil || len(feed.UpdatedRequests) > 0 || len(feed.RecentSpottings) > 0
}

// Run polls on a fixed cadence until ctx is cancelled. Cancellation stops
// only this loop; sync engine activity already in flight continues and
// reconciliation resumes lazily on the next start.
func (r *Reconciler) Run(ctx context.Context) {
	timer := time.NewTimer(jitteredInterval(r.interval, r.jitter))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := r.PollOnce(ctx); err != nil && ctx.Err() == nil {
				r.logf("reconcile poll failed: %v", err)
			}
			timer.Reset(jitteredInterval(r.interval, r.jitter))
		}
	}
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
