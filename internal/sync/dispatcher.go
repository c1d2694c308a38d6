package sync

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/appgrav/poscore/internal/connectivity"
	"github.com/appgrav/poscore/internal/db"
	"github.com/appgrav/poscore/internal/logging"
	"github.com/appgrav/poscore/internal/models"
)

// Activity holds cumulative dispatcher counters since process start. The
// offline-period tracker snapshots these to attribute transaction volume to
// an outage window.
type Activity struct {
	Created int64 `json:"created"`
	Synced  int64 `json:"synced"`
	Failed  int64 `json:"failed"`
}

// Delta returns the counter movement from an earlier snapshot.
func (a Activity) Delta(since Activity) Activity {
	return Activity{
		Created: a.Created - since.Created,
		Synced:  a.Synced - since.Synced,
		Failed:  a.Failed - since.Failed,
	}
}

// Dispatcher drains the sync queue in entity-priority order.
//
// Ordering rules: at most one in-flight push per entity type, so intra-type
// resolution order equals enqueue order; independent entity types are drained
// concurrently; a failed envelope blocks its own type (no reordering past it)
// until an operator retries or removes it, but never blocks other types.
type Dispatcher struct {
	store  *db.QueueStore
	remote RemoteStore
	signal *connectivity.Signal
	log    *logging.Logger

	mu          sync.Mutex
	inFlight    map[models.EntityType]bool
	subscribers map[int]func(models.QueueCounts)
	nextSub     int

	syncedTotal atomic.Int64
	failedTotal atomic.Int64

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	unsubStore  func()
	unsubSignal func()
}

// NewDispatcher creates a Dispatcher. Call Start to begin draining.
func NewDispatcher(store *db.QueueStore, remote RemoteStore, signal *connectivity.Signal) *Dispatcher {
	return &Dispatcher{
		store:       store,
		remote:      remote,
		signal:      signal,
		log:         logging.Component("sync-dispatcher"),
		inFlight:    make(map[models.EntityType]bool),
		subscribers: make(map[int]func(models.QueueCounts)),
		kick:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
}

// Start wires the dispatcher to queue changes and connectivity transitions
// and begins the background drain loop. The loop idles when the queue is
// empty and wakes on new pending work or a reconnect.
func (d *Dispatcher) Start(ctx context.Context) {
	d.unsubStore = d.store.Subscribe(func() {
		d.publishCounts()
		d.Kick()
	})
	d.unsubSignal = d.signal.Subscribe(func(online bool) {
		if online {
			// Reconnect flush: one pass over every pending envelope.
			// Failed envelopes stay parked for operator retry so a
			// reconnect cannot thundering-herd known-bad pushes.
			d.log.Info("connectivity restored, flushing pending envelopes")
			d.Kick()
		}
	})

	d.wg.Add(1)
	go d.run(ctx, d.stop)

	if d.signal.IsOnline() {
		d.Kick()
	}
}

// Stop halts the drain loop. In-flight pushes finish via ctx cancellation.
// Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stop == nil {
		d.mu.Unlock()
		return
	}
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()

	if d.unsubStore != nil {
		d.unsubStore()
	}
	if d.unsubSignal != nil {
		d.unsubSignal()
	}
	close(stop)
	d.wg.Wait()
}

// Kick nudges the drain loop. Safe to call from any goroutine; coalesces
// into at most one queued wake-up.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run(ctx context.Context, stop <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-d.kick:
			if !d.signal.IsOnline() {
				continue
			}
			if err := d.Flush(ctx); err != nil {
				d.log.Error("flush pass failed", err)
			}
		}
	}
}

// Flush runs one dispatch pass: every entity type with pending work is
// drained, independent types concurrently. It returns after all per-type
// drains complete. Only local-storage errors are returned; push failures are
// recorded on the envelopes themselves.
func (d *Dispatcher) Flush(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(models.EntityTypesByPriority))

	for _, entity := range models.EntityTypesByPriority {
		if !d.claim(entity) {
			continue
		}
		wg.Add(1)
		go func(entity models.EntityType) {
			defer wg.Done()
			defer d.release(entity)
			if err := d.drain(ctx, entity); err != nil {
				errCh <- err
			}
		}(entity)
	}

	wg.Wait()
	close(errCh)
	return <-errCh
}

// claim marks an entity type in flight; false when a drain is already
// running for it. This per-type flag is the single-in-flight discipline.
func (d *Dispatcher) claim(entity models.EntityType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[entity] {
		return false
	}
	d.inFlight[entity] = true
	return true
}

func (d *Dispatcher) release(entity models.EntityType) {
	d.mu.Lock()
	delete(d.inFlight, entity)
	d.mu.Unlock()
	d.publishCounts()
}

// drain pushes the type's pending envelopes oldest-first. It stops at the
// first failure: the failed envelope becomes the type's blocked head and
// later envelopes of the same type must not overtake it.
func (d *Dispatcher) drain(ctx context.Context, entity models.EntityType) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		blocked, err := d.store.HasBlockedHead(entity)
		if err != nil {
			return err
		}
		if blocked {
			return nil
		}

		envelope, err := d.store.NextPending(entity)
		if err != nil {
			return err
		}
		if envelope == nil {
			return nil
		}

		if err := d.store.MarkSyncing(envelope.ID); err != nil {
			return err
		}
		d.publishCounts()

		pushErr := d.remote.Push(ctx, envelope.Entity, envelope.EntityID, envelope.Payload)
		if pushErr != nil {
			d.failedTotal.Add(1)
			if err := d.store.MarkFailed(envelope.ID, pushErr.Error()); err != nil {
				return err
			}
			d.log.Warn("remote push failed", map[string]interface{}{
				"id": envelope.ID, "entity": string(entity), "error": pushErr.Error(),
			})
			return nil
		}

		d.syncedTotal.Add(1)
		if err := d.store.MarkSynced(envelope.ID); err != nil {
			return err
		}
	}
}

// Counts returns the live queue counters for UI badges.
func (d *Dispatcher) Counts() models.QueueCounts {
	counts, err := d.store.Counts()
	if err != nil {
		d.log.Error("failed to read queue counts", err)
		return models.QueueCounts{}
	}
	return counts
}

// IsSyncing reports whether any entity type has an in-flight push.
func (d *Dispatcher) IsSyncing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight) > 0
}

// HasFailed reports whether the badge should show its warning state.
func (d *Dispatcher) HasFailed() bool {
	return d.Counts().HasFailed()
}

// Activity returns cumulative counters since process start.
func (d *Dispatcher) Activity() Activity {
	return Activity{
		Created: d.store.EnqueuedTotal(),
		Synced:  d.syncedTotal.Load(),
		Failed:  d.failedTotal.Load(),
	}
}

// Subscribe registers a counts observer for UI badges; returns unsubscribe.
func (d *Dispatcher) Subscribe(fn func(models.QueueCounts)) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subscribers[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
}

func (d *Dispatcher) publishCounts() {
	d.mu.Lock()
	if len(d.subscribers) == 0 {
		d.mu.Unlock()
		return
	}
	fns := make([]func(models.QueueCounts), 0, len(d.subscribers))
	for _, fn := range d.subscribers {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	counts := d.Counts()
	for _, fn := range fns {
		fn(counts)
	}
}
