package db

import (
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/appgrav/poscore/internal/errors"
	"github.com/appgrav/poscore/internal/logging"
	"github.com/appgrav/poscore/internal/models"
)

// DefaultMaxQueueSize caps locally held envelopes so a long outage cannot
// exhaust disk on a small terminal.
const DefaultMaxQueueSize = 500

// QueueStore is the durable sync queue. Envelopes are written locally before
// any network attempt and removed only when the remote push succeeds.
//
// The store is owned by the local process; consumers read via queries or the
// change subscription, never by direct writes.
type QueueStore struct {
	db      *DB
	maxSize int
	log     *logging.Logger

	// enqueued counts envelopes accepted since process start, for
	// offline-period attribution.
	enqueued atomic.Int64

	mu        sync.Mutex
	listeners map[int]func()
	nextSub   int
}

// NewQueueStore creates a QueueStore over an opened database.
func NewQueueStore(database *DB, maxSize int) *QueueStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxQueueSize
	}
	return &QueueStore{
		db:        database,
		maxSize:   maxSize,
		log:       logging.Component("sync-queue"),
		listeners: make(map[int]func()),
	}
}

// Subscribe registers a change callback fired after every queue mutation.
// The returned function unsubscribes.
func (s *QueueStore) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *QueueStore) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Enqueue records a local mutation. It succeeds or fails on local storage
// alone and never touches the network.
func (s *QueueStore) Enqueue(entity models.EntityType, entityID string, payload json.RawMessage) (int64, error) {
	if !entity.IsValid() {
		return 0, errors.Newf(errors.ErrUnknownEntity, "unknown entity type %q", entity)
	}
	if entityID == "" {
		return 0, errors.New(errors.ErrInvalid, "entity id must not be empty")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	// The cap check and the insert share one transaction so concurrent
	// enqueues cannot slip past the limit between them.
	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to begin enqueue", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRow("SELECT COUNT(*) FROM sync_queue").Scan(&total); err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to count queue", err)
	}
	if total >= s.maxSize {
		return 0, errors.Newf(errors.ErrQueueFull, "sync queue full (max: %d)", s.maxSize)
	}

	now := time.Now().UnixMilli()
	res, err := tx.Exec(
		`INSERT INTO sync_queue (entity, entity_id, payload, status, retries, last_error, created_at)
		 VALUES (?, ?, ?, ?, 0, '', ?)`,
		string(entity), entityID, string(payload), string(models.StatusPending), now,
	)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to enqueue envelope", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to read envelope id", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to commit enqueue", err)
	}

	s.enqueued.Add(1)
	s.log.Debug("enqueued envelope", map[string]interface{}{
		"id": id, "entity": string(entity), "entity_id": entityID,
	})
	s.notify()
	return id, nil
}

// EnqueuedTotal returns the number of envelopes accepted since process start.
func (s *QueueStore) EnqueuedTotal() int64 {
	return s.enqueued.Load()
}

const envelopeColumns = "id, entity, entity_id, payload, status, retries, last_error, created_at"

func scanEnvelope(row interface{ Scan(...interface{}) error }) (*models.SyncEnvelope, error) {
	var e models.SyncEnvelope
	var entity, status, payload string
	if err := row.Scan(&e.ID, &entity, &e.EntityID, &payload, &status, &e.Retries, &e.LastError, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Entity = models.EntityType(entity)
	e.Status = models.EnvelopeStatus(status)
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

// Get returns one envelope by id.
func (s *QueueStore) Get(id int64) (*models.SyncEnvelope, error) {
	row := s.db.QueryRow("SELECT "+envelopeColumns+" FROM sync_queue WHERE id = ?", id)
	e, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrEnvelopeNotFound, "envelope %d not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to load envelope", err)
	}
	return e, nil
}

// ListByStatus returns envelopes with the given status, or all envelopes when
// status is empty, ordered by entity priority then enqueue time.
func (s *QueueStore) ListByStatus(status models.EnvelopeStatus) ([]*models.SyncEnvelope, error) {
	query := "SELECT " + envelopeColumns + " FROM sync_queue"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list envelopes", err)
	}
	defer rows.Close()

	var envelopes []*models.SyncEnvelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan envelope", err)
		}
		envelopes = append(envelopes, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list envelopes", err)
	}
	sortByPriority(envelopes)
	return envelopes, nil
}

// ListGrouped returns all envelopes grouped by entity type. Within a type,
// envelopes are ordered by enqueue time; the Groups slice follows the fixed
// entity priority.
func (s *QueueStore) ListGrouped() (map[models.EntityType][]*models.SyncEnvelope, error) {
	envelopes, err := s.ListByStatus("")
	if err != nil {
		return nil, err
	}
	grouped := make(map[models.EntityType][]*models.SyncEnvelope)
	for _, e := range envelopes {
		grouped[e.Entity] = append(grouped[e.Entity], e)
	}
	return grouped, nil
}

// sortByPriority orders envelopes by entity priority, then created_at, then id.
// The id tie-break keeps resolution order equal to enqueue order for
// envelopes created in the same millisecond.
func sortByPriority(envelopes []*models.SyncEnvelope) {
	// insertion sort keeps this allocation free; queues are small
	for i := 1; i < len(envelopes); i++ {
		for j := i; j > 0 && envelopeLess(envelopes[j], envelopes[j-1]); j-- {
			envelopes[j], envelopes[j-1] = envelopes[j-1], envelopes[j]
		}
	}
}

func envelopeLess(a, b *models.SyncEnvelope) bool {
	if a.Entity.Priority() != b.Entity.Priority() {
		return a.Entity.Priority() < b.Entity.Priority()
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// NextPending returns the oldest pending envelope of the given entity type,
// or nil when the type has no pending work.
func (s *QueueStore) NextPending(entity models.EntityType) (*models.SyncEnvelope, error) {
	row := s.db.QueryRow(
		"SELECT "+envelopeColumns+" FROM sync_queue WHERE entity = ? AND status = ? ORDER BY created_at ASC, id ASC LIMIT 1",
		string(entity), string(models.StatusPending),
	)
	e, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to load next pending envelope", err)
	}
	return e, nil
}

// HasBlockedHead reports whether the given entity type's queue head is a
// failed envelope older than every pending one. Dispatch must not reorder
// past it.
func (s *QueueStore) HasBlockedHead(entity models.EntityType) (bool, error) {
	row := s.db.QueryRow(
		"SELECT status FROM sync_queue WHERE entity = ? ORDER BY created_at ASC, id ASC LIMIT 1",
		string(entity),
	)
	var status string
	err := row.Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to inspect queue head", err)
	}
	return models.EnvelopeStatus(status) == models.StatusFailed, nil
}

// MarkSyncing transitions an envelope to syncing before the remote push.
func (s *QueueStore) MarkSyncing(id int64) error {
	return s.setStatus(id, models.StatusSyncing)
}

func (s *QueueStore) setStatus(id int64, status models.EnvelopeStatus) error {
	res, err := s.db.Exec("UPDATE sync_queue SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to update envelope status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Newf(errors.ErrEnvelopeNotFound, "envelope %d not found", id)
	}
	s.notify()
	return nil
}

// MarkSynced removes the envelope. An envelope leaves the store if and only
// if its remote push succeeded.
func (s *QueueStore) MarkSynced(id int64) error {
	res, err := s.db.Exec("DELETE FROM sync_queue WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to remove synced envelope", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Newf(errors.ErrEnvelopeNotFound, "envelope %d not found", id)
	}
	s.log.Debug("envelope synced", map[string]interface{}{"id": id})
	s.notify()
	return nil
}

// MarkFailed records a failed push attempt: status becomes failed, retries is
// incremented, and the last error is kept for the operator.
func (s *QueueStore) MarkFailed(id int64, errMsg string) error {
	res, err := s.db.Exec(
		"UPDATE sync_queue SET status = ?, retries = retries + 1, last_error = ? WHERE id = ?",
		string(models.StatusFailed), errMsg, id,
	)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to mark envelope failed", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Newf(errors.ErrEnvelopeNotFound, "envelope %d not found", id)
	}
	s.log.Warn("envelope failed", map[string]interface{}{"id": id, "error": errMsg})
	s.notify()
	return nil
}

// Retry returns a failed envelope to pending for another attempt. It reports
// false, without error, when the envelope no longer exists or is not in the
// failed state: a double-clicked retry button must be a no-op, not a fault.
func (s *QueueStore) Retry(id int64) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE sync_queue SET status = ?, last_error = '' WHERE id = ? AND status = ?",
		string(models.StatusPending), id, string(models.StatusFailed),
	)
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to retry envelope", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	s.log.Info("envelope queued for retry", map[string]interface{}{"id": id})
	s.notify()
	return true, nil
}

// Remove abandons an envelope without syncing it. Operator-initiated and
// irreversible; reports false when the envelope was already gone.
func (s *QueueStore) Remove(id int64) (bool, error) {
	res, err := s.db.Exec("DELETE FROM sync_queue WHERE id = ?", id)
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to remove envelope", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	s.log.Warn("envelope abandoned", map[string]interface{}{"id": id})
	s.notify()
	return true, nil
}

// Counts returns per-status envelope counts.
func (s *QueueStore) Counts() (models.QueueCounts, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM sync_queue GROUP BY status")
	if err != nil {
		return models.QueueCounts{}, errors.Wrap(errors.ErrStorage, "failed to count queue", err)
	}
	defer rows.Close()

	var counts models.QueueCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.QueueCounts{}, errors.Wrap(errors.ErrStorage, "failed to scan counts", err)
		}
		switch models.EnvelopeStatus(status) {
		case models.StatusPending:
			counts.Pending = n
		case models.StatusSyncing:
			counts.Syncing = n
		case models.StatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// Total returns the number of envelopes in the store.
func (s *QueueStore) Total() (int, error) {
	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sync_queue").Scan(&total); err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to count queue", err)
	}
	return total, nil
}

// RecoverInFlight returns envelopes stuck in syncing (a crash mid-push) to
// pending so a restart re-attempts them. At-least-once delivery: the remote
// store upserts by entity id.
func (s *QueueStore) RecoverInFlight() (int, error) {
	res, err := s.db.Exec(
		"UPDATE sync_queue SET status = ? WHERE status = ?",
		string(models.StatusPending), string(models.StatusSyncing),
	)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to recover in-flight envelopes", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("recovered in-flight envelopes", map[string]interface{}{"count": n})
		s.notify()
	}
	return int(n), nil
}
