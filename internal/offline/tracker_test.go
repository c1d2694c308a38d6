package offline

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/appgrav/poscore/internal/connectivity"
	"github.com/appgrav/poscore/internal/db"
	syncer "github.com/appgrav/poscore/internal/sync"
)

// fakeActivity is a hand-driven counter source.
type fakeActivity struct {
	created atomic.Int64
	synced  atomic.Int64
	failed  atomic.Int64
}

func (f *fakeActivity) Activity() syncer.Activity {
	return syncer.Activity{
		Created: f.created.Load(),
		Synced:  f.synced.Load(),
		Failed:  f.failed.Load(),
	}
}

func newTestTracker(t *testing.T) (*Tracker, *fakeActivity, *connectivity.Signal, *db.PeriodStore) {
	t.Helper()
	database, err := db.Setup(t.TempDir())
	if err != nil {
		t.Fatalf("failed to set up database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	periods := db.NewPeriodStore(database)
	source := &fakeActivity{}
	signal := connectivity.NewSignal(true)
	tracker := NewTracker(periods, source, signal, time.Hour)
	return tracker, source, signal, periods
}

func TestOfflineTransitionOpensAndClosesPeriod(t *testing.T) {
	tracker, source, signal, periods := newTestTracker(t)
	if err := tracker.Start(); err != nil {
		t.Fatalf("failed to start tracker: %v", err)
	}
	defer tracker.Stop()

	// Some activity happens before the outage and must not be attributed
	// to it.
	source.created.Store(10)
	source.synced.Store(10)

	signal.Set(false)
	current, err := tracker.Current()
	if err != nil {
		t.Fatalf("failed to query current period: %v", err)
	}
	if current == nil {
		t.Fatal("expected an open period while offline")
	}

	source.created.Add(5)
	source.synced.Add(3)

	signal.Set(true)
	current, err = tracker.Current()
	if err != nil {
		t.Fatalf("failed to query current period: %v", err)
	}
	if current != nil {
		t.Fatal("expected no open period after reconnect")
	}

	recent, err := periods.Recent(1)
	if err != nil {
		t.Fatalf("failed to list periods: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 period, got %d", len(recent))
	}
	period := recent[0]
	if period.IsOpen() {
		t.Error("period should be closed")
	}
	if period.TransactionsCreated != 5 {
		t.Errorf("expected 5 created during outage, got %d", period.TransactionsCreated)
	}
	if period.TransactionsSynced != 3 {
		t.Errorf("expected 3 synced during outage, got %d", period.TransactionsSynced)
	}
	if period.DurationMs != period.EndTime-period.StartTime {
		t.Errorf("duration %d does not match window %d", period.DurationMs, period.EndTime-period.StartTime)
	}
}

func TestRepeatedTransitionsAreIdempotent(t *testing.T) {
	tracker, _, signal, periods := newTestTracker(t)
	if err := tracker.Start(); err != nil {
		t.Fatalf("failed to start tracker: %v", err)
	}
	defer tracker.Stop()

	// Signal dedup plus tracker guards: only real transitions open rows.
	signal.Set(false)
	signal.Set(false)
	signal.Set(true)
	signal.Set(true)
	signal.Set(false)
	signal.Set(true)

	recent, err := periods.Recent(10)
	if err != nil {
		t.Fatalf("failed to list periods: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("expected 2 periods from 2 outages, got %d", len(recent))
	}
}

func TestStartWhileOfflineOpensPeriod(t *testing.T) {
	database, err := db.Setup(t.TempDir())
	if err != nil {
		t.Fatalf("failed to set up database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	periods := db.NewPeriodStore(database)
	signal := connectivity.NewSignal(false)
	tracker := NewTracker(periods, &fakeActivity{}, signal, time.Hour)
	if err := tracker.Start(); err != nil {
		t.Fatalf("failed to start tracker: %v", err)
	}
	defer tracker.Stop()

	current, err := tracker.Current()
	if err != nil {
		t.Fatalf("failed to query current period: %v", err)
	}
	if current == nil {
		t.Fatal("expected an open period when starting offline")
	}
}

func TestStartReconcilesOrphans(t *testing.T) {
	database, err := db.Setup(t.TempDir())
	if err != nil {
		t.Fatalf("failed to set up database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	periods := db.NewPeriodStore(database)
	id, err := periods.Open(1000)
	if err != nil {
		t.Fatalf("failed to open period: %v", err)
	}
	if err := periods.Checkpoint(id, 5000, 4, 1, 0); err != nil {
		t.Fatalf("failed to checkpoint: %v", err)
	}

	signal := connectivity.NewSignal(true)
	tracker := NewTracker(periods, &fakeActivity{}, signal, time.Hour)
	if err := tracker.Start(); err != nil {
		t.Fatalf("failed to start tracker: %v", err)
	}
	defer tracker.Stop()

	current, err := tracker.Current()
	if err != nil {
		t.Fatalf("failed to query current period: %v", err)
	}
	if current != nil {
		t.Fatal("orphaned period should have been closed at startup")
	}

	recent, err := periods.Recent(1)
	if err != nil {
		t.Fatalf("failed to list periods: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 period, got %d", len(recent))
	}
	if recent[0].EndTime != 5000 {
		t.Errorf("expected orphan closed at last checkpoint 5000, got %d", recent[0].EndTime)
	}
	if recent[0].TransactionsCreated != 4 {
		t.Errorf("expected checkpointed counters preserved, got %d", recent[0].TransactionsCreated)
	}
}

func TestCheckpointPersistsCounters(t *testing.T) {
	tracker, source, signal, periods := newTestTracker(t)
	if err := tracker.Start(); err != nil {
		t.Fatalf("failed to start tracker: %v", err)
	}
	defer tracker.Stop()

	signal.Set(false)
	source.created.Add(7)
	source.failed.Add(2)
	tracker.checkpoint()

	current, err := periods.Active()
	if err != nil {
		t.Fatalf("failed to query active period: %v", err)
	}
	if current == nil {
		t.Fatal("expected an open period")
	}
	if current.TransactionsCreated != 7 {
		t.Errorf("expected checkpointed created=7, got %d", current.TransactionsCreated)
	}
	if current.TransactionsFailed != 2 {
		t.Errorf("expected checkpointed failed=2, got %d", current.TransactionsFailed)
	}
	if current.LastActivity < current.StartTime {
		t.Errorf("checkpoint time %d precedes start %d", current.LastActivity, current.StartTime)
	}
}
