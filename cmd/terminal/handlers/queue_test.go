package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/appgrav/poscore/internal/connectivity"
	"github.com/appgrav/poscore/internal/db"
	"github.com/appgrav/poscore/internal/models"
	syncer "github.com/appgrav/poscore/internal/sync"
)

func newQueueMux(t *testing.T, maxSize int) (*http.ServeMux, *db.QueueStore) {
	t.Helper()
	database, err := db.Setup(t.TempDir())
	if err != nil {
		t.Fatalf("failed to set up database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := db.NewQueueStore(database, maxSize)
	// Offline signal keeps the dispatcher from draining during the test.
	signal := connectivity.NewSignal(false)
	remote := syncer.PushFunc(func(ctx context.Context, entity models.EntityType, entityID string, payload json.RawMessage) error {
		return nil
	})
	dispatcher := syncer.NewDispatcher(store, remote, signal)
	handler := NewQueueHandler(store, dispatcher)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/queue", handler.Enqueue)
	mux.HandleFunc("GET /api/queue", handler.List)
	mux.HandleFunc("GET /api/queue/counts", handler.Counts)
	mux.HandleFunc("POST /api/queue/{id}/retry", handler.Retry)
	mux.HandleFunc("DELETE /api/queue/{id}", handler.Remove)
	return mux, store
}

func doRequest(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueAndList(t *testing.T) {
	mux, _ := newQueueMux(t, 10)

	rec := doRequest(mux, http.MethodPost, "/api/queue",
		`{"entity":"orders","entity_id":"order-1","payload":{"total":12.5}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created["id"] != 1.0 {
		t.Errorf("expected first envelope id 1, got %v", created["id"])
	}

	rec = doRequest(mux, http.MethodGet, "/api/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var listed struct {
		Groups []struct {
			Entity    models.EntityType       `json:"entity"`
			Envelopes []*models.SyncEnvelope  `json:"envelopes"`
		} `json:"groups"`
		Counts models.QueueCounts `json:"counts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("failed to decode list response: %v", err)
	}
	if len(listed.Groups) != 1 || listed.Groups[0].Entity != models.EntityOrders {
		t.Fatalf("unexpected groups: %+v", listed.Groups)
	}
	if listed.Counts.Pending != 1 {
		t.Errorf("expected 1 pending, got %d", listed.Counts.Pending)
	}
}

func TestEnqueueRejectsUnknownEntity(t *testing.T) {
	mux, _ := newQueueMux(t, 10)

	rec := doRequest(mux, http.MethodPost, "/api/queue",
		`{"entity":"gift_cards","entity_id":"g-1","payload":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	mux, _ := newQueueMux(t, 1)

	rec := doRequest(mux, http.MethodPost, "/api/queue",
		`{"entity":"orders","entity_id":"order-1","payload":{}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	rec = doRequest(mux, http.MethodPost, "/api/queue",
		`{"entity":"orders","entity_id":"order-2","payload":{}}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 when the queue is full, got %d", rec.Code)
	}
}

func TestRetryEndpoint(t *testing.T) {
	mux, store := newQueueMux(t, 10)

	id, err := store.Enqueue(models.EntityOrders, "order-1", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := store.MarkSyncing(id); err != nil {
		t.Fatalf("mark syncing failed: %v", err)
	}
	if err := store.MarkFailed(id, "remote rejected"); err != nil {
		t.Fatalf("mark failed failed: %v", err)
	}

	rec := doRequest(mux, http.MethodPost, "/api/queue/1/retry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["retried"] != true {
		t.Errorf("expected retried=true, got %v", resp["retried"])
	}

	// Retrying an envelope that is no longer failed reports false, not an
	// error.
	rec = doRequest(mux, http.MethodPost, "/api/queue/1/retry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["retried"] != false {
		t.Errorf("expected retried=false on second retry, got %v", resp["retried"])
	}
}

func TestRemoveEndpoint(t *testing.T) {
	mux, store := newQueueMux(t, 10)

	if _, err := store.Enqueue(models.EntityOrders, "order-1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	rec := doRequest(mux, http.MethodDelete, "/api/queue/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doRequest(mux, http.MethodDelete, "/api/queue/1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a removed envelope, got %d", rec.Code)
	}
	rec = doRequest(mux, http.MethodDelete, "/api/queue/not-a-number", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad id, got %d", rec.Code)
	}
}

func TestCountsEndpoint(t *testing.T) {
	mux, store := newQueueMux(t, 10)

	for i, entityID := range []string{"order-1", "order-2"} {
		id, err := store.Enqueue(models.EntityOrders, entityID, json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
		if i == 1 {
			store.MarkSyncing(id)
			store.MarkFailed(id, "boom")
		}
	}

	rec := doRequest(mux, http.MethodGet, "/api/queue/counts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Counts       models.QueueCounts `json:"counts"`
		PendingTotal int                `json:"pending_total"`
		HasFailed    bool               `json:"has_failed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode counts: %v", err)
	}
	if resp.Counts.Pending != 1 || resp.Counts.Failed != 1 {
		t.Errorf("unexpected counts: %+v", resp.Counts)
	}
	if resp.PendingTotal != 2 {
		t.Errorf("expected badge total 2, got %d", resp.PendingTotal)
	}
	if !resp.HasFailed {
		t.Error("expected has_failed")
	}
}
