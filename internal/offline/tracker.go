// Package offline records outage windows. Each transition to offline opens a
// period row, activity during the window is checkpointed so a crash loses at
// most one checkpoint interval, and the return of connectivity closes the
// period with its duration and transaction counters.
package offline

import (
	"sync"
	"time"

	"github.com/appgrav/poscore/internal/connectivity"
	"github.com/appgrav/poscore/internal/db"
	"github.com/appgrav/poscore/internal/logging"
	"github.com/appgrav/poscore/internal/models"
	syncer "github.com/appgrav/poscore/internal/sync"
)

// DefaultCheckpointInterval bounds how much counter history an unclean
// shutdown can lose.
const DefaultCheckpointInterval = 15 * time.Second

// ActivitySource supplies cumulative transaction counters, normally the sync
// dispatcher.
type ActivitySource interface {
	Activity() syncer.Activity
}

// Tracker ties the connectivity signal to the offline period store.
type Tracker struct {
	periods *db.PeriodStore
	source  ActivitySource
	signal  *connectivity.Signal
	log     *logging.Logger

	checkpointEvery time.Duration
	now             func() time.Time

	mu       sync.Mutex
	activeID int64
	baseline syncer.Activity
	stopCh   chan struct{}
	unsub    func()
}

// NewTracker creates a stopped tracker. checkpointEvery <= 0 selects the
// default interval.
func NewTracker(periods *db.PeriodStore, source ActivitySource, signal *connectivity.Signal, checkpointEvery time.Duration) *Tracker {
	if checkpointEvery <= 0 {
		checkpointEvery = DefaultCheckpointInterval
	}
	return &Tracker{
		periods:         periods,
		source:          source,
		signal:          signal,
		log:             logging.Component("offline-tracker"),
		checkpointEvery: checkpointEvery,
		now:             time.Now,
	}
}

// Start reconciles periods orphaned by a previous crash, then begins
// tracking transitions. If the process starts offline a period opens
// immediately.
func (t *Tracker) Start() error {
	closed, err := t.periods.ReconcileOrphans()
	if err != nil {
		return err
	}
	if closed > 0 {
		t.log.Warn("closed orphaned offline periods", map[string]interface{}{"count": closed})
	}

	t.mu.Lock()
	t.stopCh = make(chan struct{})
	stopCh := t.stopCh
	t.mu.Unlock()

	t.unsub = t.signal.Subscribe(func(online bool) {
		if online {
			t.closePeriod()
		} else {
			t.openPeriod()
		}
	})
	if !t.signal.IsOnline() {
		t.openPeriod()
	}

	go t.checkpointLoop(stopCh)
	return nil
}

// Stop checkpoints any open period and stops tracking. The open period stays
// open; the next Start reconciles it if connectivity never returned.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopCh == nil {
		t.mu.Unlock()
		return
	}
	close(t.stopCh)
	t.stopCh = nil
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	t.checkpoint()
}

func (t *Tracker) openPeriod() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeID != 0 {
		return
	}
	startTime := t.now().UnixMilli()
	id, err := t.periods.Open(startTime)
	if err != nil {
		t.log.Error("failed to open offline period", err)
		return
	}
	t.activeID = id
	t.baseline = t.source.Activity()
	t.log.Warn("connectivity lost, offline period opened", map[string]interface{}{"period_id": id})
}

func (t *Tracker) closePeriod() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeID == 0 {
		return
	}
	delta := t.source.Activity().Delta(t.baseline)
	endTime := t.now().UnixMilli()
	if err := t.periods.Close(t.activeID, endTime, int(delta.Created), int(delta.Synced), int(delta.Failed)); err != nil {
		t.log.Error("failed to close offline period", err)
		return
	}
	t.log.Info("connectivity restored, offline period closed", map[string]interface{}{
		"period_id":            t.activeID,
		"transactions_created": delta.Created,
		"transactions_synced":  delta.Synced,
	})
	t.activeID = 0
}

func (t *Tracker) checkpointLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(t.checkpointEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			t.checkpoint()
		}
	}
}

// checkpoint persists the current counters of the open period, if any.
func (t *Tracker) checkpoint() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.activeID == 0 {
		return
	}
	delta := t.source.Activity().Delta(t.baseline)
	at := t.now().UnixMilli()
	if err := t.periods.Checkpoint(t.activeID, at, int(delta.Created), int(delta.Synced), int(delta.Failed)); err != nil {
		t.log.Error("failed to checkpoint offline period", err)
	}
}

// Current returns the open period, nil when online.
func (t *Tracker) Current() (*models.OfflinePeriod, error) {
	return t.periods.Active()
}

// Periods returns the most recent periods, newest first.
func (t *Tracker) Periods(limit int) ([]*models.OfflinePeriod, error) {
	return t.periods.Recent(limit)
}

// Stats returns aggregate outage statistics.
func (t *Tracker) Stats() (*models.OfflineStats, error) {
	return t.periods.Stats()
}
