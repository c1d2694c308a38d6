// Integration tests for the offline round-trip: sales queued during an
// outage survive restart-free reconnection, drain to the remote store in
// dependency order, and the outage itself is recorded with its transaction
// counters.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/appgrav/poscore/internal/connectivity"
	"github.com/appgrav/poscore/internal/db"
	"github.com/appgrav/poscore/internal/models"
	"github.com/appgrav/poscore/internal/offline"
	syncer "github.com/appgrav/poscore/internal/sync"
)

// recordingRemote is an httptest-backed remote that records push order and
// can reject selected entity ids.
type recordingRemote struct {
	mu     sync.Mutex
	pushes []string // "entity/entity_id"
	reject map[string]bool
}

func (r *recordingRemote) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		// Path shape: /sync/{entity}
		entity := strings.TrimPrefix(req.URL.Path, "/sync/")
		var body struct {
			EntityID string `json:"entity_id"`
		}
		json.NewDecoder(req.Body).Decode(&body)

		r.mu.Lock()
		defer r.mu.Unlock()
		key := entity + "/" + body.EntityID
		if r.reject[key] {
			http.Error(w, "rejected", http.StatusUnprocessableEntity)
			return
		}
		r.pushes = append(r.pushes, key)
		w.WriteHeader(http.StatusOK)
	}
}

func (r *recordingRemote) pushed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pushes...)
}

type fixture struct {
	store      *db.QueueStore
	periods    *db.PeriodStore
	signal     *connectivity.Signal
	dispatcher *syncer.Dispatcher
	tracker    *offline.Tracker
	remote     *recordingRemote
}

func setupFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	database, err := db.Setup(t.TempDir())
	if err != nil {
		t.Fatalf("failed to set up database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	remote := &recordingRemote{reject: make(map[string]bool)}
	server := httptest.NewServer(remote.handler())
	t.Cleanup(server.Close)

	store := db.NewQueueStore(database, 0)
	periods := db.NewPeriodStore(database)
	signal := connectivity.NewSignal(online)
	dispatcher := syncer.NewDispatcher(store, syncer.NewHTTPRemote(server.URL, "term-1", 0), signal)
	dispatcher.Start(context.Background())
	t.Cleanup(dispatcher.Stop)

	tracker := offline.NewTracker(periods, dispatcher, signal, time.Hour)
	if err := tracker.Start(); err != nil {
		t.Fatalf("failed to start tracker: %v", err)
	}
	t.Cleanup(tracker.Stop)

	return &fixture{
		store:      store,
		periods:    periods,
		signal:     signal,
		dispatcher: dispatcher,
		tracker:    tracker,
		remote:     remote,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func enqueue(t *testing.T, f *fixture, entity models.EntityType, entityID string) {
	t.Helper()
	payload := json.RawMessage(fmt.Sprintf(`{"id":%q}`, entityID))
	if _, err := f.store.Enqueue(entity, entityID, payload); err != nil {
		t.Fatalf("failed to enqueue %s/%s: %v", entity, entityID, err)
	}
}

func TestOfflineSaleRoundTrip(t *testing.T) {
	f := setupFixture(t, true)

	// Connectivity drops mid-shift.
	f.signal.Set(false)
	current, err := f.tracker.Current()
	if err != nil || current == nil {
		t.Fatalf("expected an open offline period, got %v (%v)", current, err)
	}

	// Three sales happen during the outage.
	enqueue(t, f, models.EntityPOSSessions, "session-1")
	for i := 1; i <= 3; i++ {
		enqueue(t, f, models.EntityOrders, fmt.Sprintf("order-%d", i))
		enqueue(t, f, models.EntityPayments, fmt.Sprintf("payment-%d", i))
	}

	// Nothing reaches the remote while offline.
	time.Sleep(50 * time.Millisecond)
	if len(f.remote.pushed()) != 0 {
		t.Fatalf("pushed while offline: %v", f.remote.pushed())
	}

	// Connectivity returns; the queue drains without operator action.
	f.signal.Set(true)
	waitFor(t, func() bool {
		counts, err := f.store.Counts()
		return err == nil && counts.Total() == 0
	}, "queue never drained after reconnect")

	pushed := f.remote.pushed()
	if len(pushed) != 7 {
		t.Fatalf("expected 7 pushes, got %d: %v", len(pushed), pushed)
	}
	// Entity types drain concurrently; the guarantee is resolution in
	// enqueue order within each type, not across types.
	pos := make(map[string]int, len(pushed))
	for i, key := range pushed {
		pos[key] = i
	}
	for i := 1; i < 3; i++ {
		earlierOrder := fmt.Sprintf("orders/order-%d", i)
		laterOrder := fmt.Sprintf("orders/order-%d", i+1)
		if pos[earlierOrder] > pos[laterOrder] {
			t.Errorf("%s pushed after %s", earlierOrder, laterOrder)
		}
		earlierPayment := fmt.Sprintf("payments/payment-%d", i)
		laterPayment := fmt.Sprintf("payments/payment-%d", i+1)
		if pos[earlierPayment] > pos[laterPayment] {
			t.Errorf("%s pushed after %s", earlierPayment, laterPayment)
		}
	}
	if _, ok := pos["pos_sessions/session-1"]; !ok {
		t.Error("session never pushed")
	}

	// The outage is recorded with the activity it contained.
	waitFor(t, func() bool {
		current, err := f.tracker.Current()
		return err == nil && current == nil
	}, "offline period never closed")
	recent, err := f.periods.Recent(1)
	if err != nil || len(recent) != 1 {
		t.Fatalf("expected 1 recorded period, got %v (%v)", recent, err)
	}
	period := recent[0]
	if period.TransactionsCreated != 7 {
		t.Errorf("expected 7 created during outage, got %d", period.TransactionsCreated)
	}
	if period.DurationMs != period.EndTime-period.StartTime {
		t.Errorf("duration %d does not match window", period.DurationMs)
	}
}

func TestFailedEnvelopeBlocksItsTypeUntilRetried(t *testing.T) {
	f := setupFixture(t, false)

	f.remote.mu.Lock()
	f.remote.reject["orders/order-2"] = true
	f.remote.mu.Unlock()

	enqueue(t, f, models.EntityOrders, "order-1")
	enqueue(t, f, models.EntityOrders, "order-2")
	enqueue(t, f, models.EntityOrders, "order-3")
	enqueue(t, f, models.EntityPayments, "payment-1")

	f.signal.Set(true)
	waitFor(t, func() bool {
		counts, err := f.store.Counts()
		return err == nil && counts.Failed == 1 && counts.Pending == 1 && counts.Syncing == 0
	}, "dispatcher never settled with one failure")

	pushed := f.remote.pushed()
	for _, key := range pushed {
		if key == "orders/order-3" {
			t.Fatal("order-3 pushed past the failed order-2")
		}
	}
	// Other entity types keep flowing.
	found := false
	for _, key := range pushed {
		if key == "payments/payment-1" {
			found = true
		}
	}
	if !found {
		t.Error("payment-1 should have pushed despite the blocked orders type")
	}

	// Operator fixes the remote and retries; the type unblocks in order.
	f.remote.mu.Lock()
	delete(f.remote.reject, "orders/order-2")
	f.remote.mu.Unlock()

	failed, err := f.store.ListByStatus(models.StatusFailed)
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected 1 failed envelope, got %v (%v)", failed, err)
	}
	retried, err := f.store.Retry(failed[0].ID)
	if err != nil || !retried {
		t.Fatalf("retry failed: %v %v", retried, err)
	}
	f.dispatcher.Kick()

	waitFor(t, func() bool {
		counts, err := f.store.Counts()
		return err == nil && counts.Total() == 0
	}, "queue never drained after retry")

	pushed = f.remote.pushed()
	pos := make(map[string]int, len(pushed))
	for i, key := range pushed {
		pos[key] = i
	}
	if !(pos["orders/order-1"] < pos["orders/order-2"] && pos["orders/order-2"] < pos["orders/order-3"]) {
		t.Errorf("orders resolved out of enqueue order: %v", pushed)
	}
}

func TestCrashDuringOutageIsReconciled(t *testing.T) {
	dataDir := t.TempDir()

	// First process: goes offline, records activity, then dies without
	// closing the period.
	database, err := db.Setup(dataDir)
	if err != nil {
		t.Fatalf("failed to set up database: %v", err)
	}
	periods := db.NewPeriodStore(database)
	id, err := periods.Open(time.Now().Add(-10 * time.Minute).UnixMilli())
	if err != nil {
		t.Fatalf("failed to open period: %v", err)
	}
	checkpointAt := time.Now().Add(-5 * time.Minute).UnixMilli()
	if err := periods.Checkpoint(id, checkpointAt, 4, 1, 0); err != nil {
		t.Fatalf("failed to checkpoint: %v", err)
	}
	database.Close()

	// Second process: same data directory, fresh start.
	database, err = db.Setup(dataDir)
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	periods = db.NewPeriodStore(database)

	signal := connectivity.NewSignal(true)
	tracker := offline.NewTracker(periods, nullActivity{}, signal, time.Hour)
	if err := tracker.Start(); err != nil {
		t.Fatalf("failed to start tracker: %v", err)
	}
	t.Cleanup(tracker.Stop)

	current, err := tracker.Current()
	if err != nil {
		t.Fatalf("failed to query current period: %v", err)
	}
	if current != nil {
		t.Fatal("orphaned period should have been closed at startup")
	}
	recent, err := periods.Recent(1)
	if err != nil || len(recent) != 1 {
		t.Fatalf("expected the orphaned period, got %v (%v)", recent, err)
	}
	if recent[0].EndTime != checkpointAt {
		t.Errorf("expected orphan closed at checkpoint %d, got %d", checkpointAt, recent[0].EndTime)
	}
	if recent[0].TransactionsCreated != 4 {
		t.Errorf("expected checkpointed counters kept, got %d", recent[0].TransactionsCreated)
	}
}

type nullActivity struct{}

func (nullActivity) Activity() syncer.Activity { return syncer.Activity{} }
