// Package stream implements the in-process run event feed: a per-run
// publish/subscribe broker, the join iterator HTTP handlers stream from, and
// the heartbeat adapter that keeps idle connections alive.
//
// The broker is process-local by design. Multi-node deployments need an
// external broker keyed by run id; the subscribe-before-create ordering
// contract below must be preserved by any replacement.
package stream

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/graphflow/internal/metrics"
	"github.com/BaSui01/graphflow/types"
)

// Event is one (mode, payload) pair emitted by a run.
type Event struct {
	Mode    string
	Payload []byte
}

// RunSource is the slice of the persistence layer Join needs: existence and
// terminal-state checks, plus out-of-band cancellation for
// cancel-on-disconnect.
type RunSource interface {
	// GetRunView returns the run's current state, or a NOT_FOUND types.Error.
	GetRunView(ctx context.Context, runID uuid.UUID, threadID *uuid.UUID) (*RunView, error)
	// CancelRun requests interruption of the run out of band.
	CancelRun(ctx context.Context, runID uuid.UUID, threadID *uuid.UUID, action string) error
}

// RunView is the broker's read model of a run.
type RunView struct {
	ID          uuid.UUID
	ThreadID    uuid.UUID
	Status      types.RunStatus
	StreamModes []string
	Output      []byte
}

// subBuffer bounds each subscription's in-memory event channel.
const subBuffer = 256

// Broker is the per-run stream registry.
//
// Ordering contract: Subscribe for a run id must be issued, and allowed to
// complete, strictly before the run row becomes visible to the worker that
// will publish into it. Creation flows therefore always subscribe first and
// release the handle if creation fails.
type Broker struct {
	logger    *zap.Logger
	collector *metrics.Collector

	mu    sync.Mutex
	feeds map[uuid.UUID]*feed
}

type feed struct {
	subs map[*Subscription]struct{}
}

// Subscription is one consumer's cursor over a run's event feed.
type Subscription struct {
	runID     uuid.UUID
	broker    *Broker
	ch        chan Event
	done      chan struct{} // closed on Release; unblocks pending publishers
	completed chan struct{} // closed on CloseRun; the event channel itself never closes
	once      sync.Once
}

// NewBroker creates an empty broker. collector may be nil.
func NewBroker(logger *zap.Logger, collector *metrics.Collector) *Broker {
	return &Broker{
		logger:    logger.With(zap.String("component", "stream_broker")),
		collector: collector,
		feeds:     make(map[uuid.UUID]*feed),
	}
}

// Subscribe opens a subscription for runID. Multiple subscriptions to the
// same run each receive their own copy of every subsequent event.
func (b *Broker) Subscribe(runID uuid.UUID) *Subscription {
	sub := &Subscription{
		runID:     runID,
		broker:    b,
		ch:        make(chan Event, subBuffer),
		done:      make(chan struct{}),
		completed: make(chan struct{}),
	}

	b.mu.Lock()
	f, ok := b.feeds[runID]
	if !ok {
		f = &feed{subs: make(map[*Subscription]struct{})}
		b.feeds[runID] = f
	}
	f.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.collector.SubscriptionOpened()
	return sub
}

// Publish fans out one event to every current subscription of runID. With no
// subscribers the event is dropped: the subscribe-before-create ordering
// guarantees interested consumers are already attached. Publish applies
// backpressure per subscriber and unblocks when a slow subscriber releases.
func (b *Broker) Publish(ctx context.Context, runID uuid.UUID, mode string, payload []byte) error {
	b.mu.Lock()
	f, ok := b.feeds[runID]
	var subs []*Subscription
	if ok {
		subs = make([]*Subscription, 0, len(f.subs))
		for s := range f.subs {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	if len(subs) == 0 {
		return nil
	}

	ev := Event{Mode: mode, Payload: payload}
	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-s.completed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.collector.RecordEventPublished(mode)
	return nil
}

// CloseRun marks runID's feed complete and removes it: every subscription's
// completed signal fires, pending publishers unblock, and consumers drain
// whatever is still buffered before stopping. The event channel itself is
// never closed, so a publisher racing CloseRun cannot hit a closed-channel
// send. Called by the worker when the run reaches a terminal state.
func (b *Broker) CloseRun(runID uuid.UUID) {
	b.mu.Lock()
	f, ok := b.feeds[runID]
	if ok {
		delete(b.feeds, runID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	for s := range f.subs {
		close(s.completed)
	}
}

// Feeds returns the number of open feeds, for resource accounting.
func (b *Broker) Feeds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.feeds)
}

// Subscribers returns the number of open subscriptions for runID.
func (b *Broker) Subscribers(runID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.feeds[runID]; ok {
		return len(f.subs)
	}
	return 0
}

// Events exposes the subscription's channel. It is never closed; completion
// is signaled through Completed, after which any buffered events remain
// readable.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Completed is closed when the run's feed completes. Events buffered before
// completion stay available on Events.
func (s *Subscription) Completed() <-chan struct{} {
	return s.completed
}

// RunID returns the run this subscription is bound to.
func (s *Subscription) RunID() uuid.UUID {
	return s.runID
}

// Release tears down the handle: it detaches from the feed and unblocks any
// producer waiting to publish into it. Must be called when run creation fails
// after a successful Subscribe, and by every consumer that stops reading
// early. Idempotent; safe concurrently with CloseRun.
func (s *Subscription) Release() {
	s.once.Do(func() {
		close(s.done)

		b := s.broker
		b.mu.Lock()
		if f, ok := b.feeds[s.runID]; ok {
			delete(f.subs, s)
			if len(f.subs) == 0 {
				delete(b.feeds, s.runID)
			}
		}
		b.mu.Unlock()

		b.collector.SubscriptionClosed()
	})
}

// JoinOptions configure Join.
type JoinOptions struct {
	// ThreadID scopes the lookup; nil for stateless runs.
	ThreadID *uuid.UUID
	// StreamModes filters delivered events; empty means the run's requested
	// modes. Error events always pass the filter.
	StreamModes []string
	// CancelOnDisconnect turns consumer-context cancellation into an
	// out-of-band interrupt of the run.
	CancelOnDisconnect bool
	// IgnoreMissing yields an empty stream instead of NOT_FOUND.
	IgnoreMissing bool
	// Sub reuses a handle opened before the run was created. Nil attaches a
	// fresh subscription, which may miss events already published.
	Sub *Subscription
}

// Join produces a finite sequence of events for runID, terminating when the
// run reaches a terminal state. The returned channel is closed when the
// stream ends for any reason. Joining a completed run replays its final chunk
// from storage. A new Join is required to re-read; the stream is not
// restartable.
func (b *Broker) Join(ctx context.Context, src RunSource, runID uuid.UUID, opts JoinOptions) (<-chan Event, error) {
	sub := opts.Sub
	if sub == nil {
		sub = b.Subscribe(runID)
	}

	run, err := src.GetRunView(ctx, runID, opts.ThreadID)
	if err != nil {
		sub.Release()
		if types.IsNotFound(err) && opts.IgnoreMissing {
			out := make(chan Event)
			close(out)
			return out, nil
		}
		return nil, err
	}

	modes := opts.StreamModes
	if len(modes) == 0 {
		modes = run.StreamModes
	}
	if len(modes) == 0 {
		modes = []string{types.StreamModeValues}
	}

	out := make(chan Event, 1)

	// Completed run: replay the stored terminal chunk, no live feed left.
	if run.Status.IsTerminal() {
		sub.Release()
		go func() {
			defer close(out)
			ev, ok := terminalEvent(run)
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}()
		return out, nil
	}

	go func() {
		defer close(out)
		defer sub.Release()
		forward := func(ev Event) bool {
			if !deliverable(ev.Mode, modes) {
				return true
			}
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				b.onDisconnect(src, runID, opts)
				return false
			}
		}
		for {
			select {
			case ev := <-sub.ch:
				if !forward(ev) {
					return
				}
			case <-sub.completed:
				// deliver what was buffered before completion, then end
				for {
					select {
					case ev := <-sub.ch:
						if !forward(ev) {
							return
						}
					default:
						return
					}
				}
			case <-ctx.Done():
				b.onDisconnect(src, runID, opts)
				return
			}
		}
	}()
	return out, nil
}

// onDisconnect propagates a consumer disconnect into the run itself when
// requested. Runs on a fresh context: the consumer's is already canceled.
func (b *Broker) onDisconnect(src RunSource, runID uuid.UUID, opts JoinOptions) {
	if !opts.CancelOnDisconnect {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := src.CancelRun(ctx, runID, opts.ThreadID, types.CancelActionInterrupt); err != nil {
		b.logger.Warn("cancel on disconnect failed",
			zap.String("run_id", runID.String()),
			zap.Error(err),
		)
	}
}

func deliverable(mode string, allowed []string) bool {
	if mode == types.StreamModeError {
		return true
	}
	return slices.Contains(allowed, mode)
}

// terminalEvent maps a finished run to the single chunk a late join replays.
func terminalEvent(run *RunView) (Event, bool) {
	if run.Output == nil {
		return Event{}, false
	}
	if run.Status == types.RunStatusError {
		return Event{Mode: types.StreamModeError, Payload: run.Output}, true
	}
	return Event{Mode: types.StreamModeValues, Payload: run.Output}, true
}
