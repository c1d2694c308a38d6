package db

import (
	"database/sql"

	"github.com/appgrav/poscore/internal/errors"
	"github.com/appgrav/poscore/internal/logging"
	"github.com/appgrav/poscore/internal/models"
)

// PeriodStore persists the offline-period audit history. Periods are
// append-only: opened on connectivity loss, closed on recovery, never
// deleted.
type PeriodStore struct {
	db  *DB
	log *logging.Logger
}

// NewPeriodStore creates a PeriodStore over an opened database.
func NewPeriodStore(database *DB) *PeriodStore {
	return &PeriodStore{db: database, log: logging.Component("offline-periods")}
}

// Open inserts a new ongoing period. The partial unique index on end_time=0
// rejects a second open period; callers treat that as a logic error.
func (s *PeriodStore) Open(startTime int64) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO offline_periods (start_time, end_time, last_activity) VALUES (?, 0, ?)",
		startTime, startTime,
	)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to open offline period", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to read period id", err)
	}
	s.log.Info("offline period opened", map[string]interface{}{"id": id, "start_time": startTime})
	return id, nil
}

// Active returns the ongoing period, or nil when connectivity is healthy.
func (s *PeriodStore) Active() (*models.OfflinePeriod, error) {
	row := s.db.QueryRow(periodSelect + " WHERE end_time = 0")
	p, err := scanPeriod(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to load active period", err)
	}
	return p, nil
}

// Checkpoint refreshes the open period's last-activity timestamp and counter
// snapshot so a crash can be reconciled from the last known state.
func (s *PeriodStore) Checkpoint(id int64, at int64, created, synced, failed int) error {
	_, err := s.db.Exec(
		`UPDATE offline_periods
		 SET last_activity = ?, tx_created = ?, tx_synced = ?, tx_failed = ?
		 WHERE id = ? AND end_time = 0`,
		at, created, synced, failed, id,
	)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to checkpoint period", err)
	}
	return nil
}

// Close finalizes a period with its end time and attributed counters.
func (s *PeriodStore) Close(id int64, endTime int64, created, synced, failed int) error {
	res, err := s.db.Exec(
		`UPDATE offline_periods
		 SET end_time = ?, duration_ms = ? - start_time, last_activity = ?,
		     tx_created = ?, tx_synced = ?, tx_failed = ?
		 WHERE id = ? AND end_time = 0`,
		endTime, endTime, endTime, created, synced, failed, id,
	)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to close offline period", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Newf(errors.ErrNotFound, "no open offline period with id %d", id)
	}
	s.log.Info("offline period closed", map[string]interface{}{
		"id": id, "end_time": endTime, "synced": synced, "failed": failed,
	})
	return nil
}

// ReconcileOrphans closes any period left open by a crash or forced shutdown.
// Policy: the orphan is closed at its last checkpointed activity timestamp
// (never before its start), keeping the last checkpointed counters.
func (s *PeriodStore) ReconcileOrphans() (int, error) {
	res, err := s.db.Exec(
		`UPDATE offline_periods
		 SET end_time = MAX(last_activity, start_time),
		     duration_ms = MAX(last_activity, start_time) - start_time
		 WHERE end_time = 0`,
	)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "failed to reconcile orphaned periods", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn("closed orphaned offline periods from previous run", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

const periodSelect = `SELECT id, start_time, end_time, duration_ms, last_activity,
	tx_created, tx_synced, tx_failed FROM offline_periods`

func scanPeriod(row interface{ Scan(...interface{}) error }) (*models.OfflinePeriod, error) {
	var p models.OfflinePeriod
	if err := row.Scan(&p.ID, &p.StartTime, &p.EndTime, &p.DurationMs, &p.LastActivity,
		&p.TransactionsCreated, &p.TransactionsSynced, &p.TransactionsFailed); err != nil {
		return nil, err
	}
	return &p, nil
}

// Recent returns at most limit periods, most recent first.
func (s *PeriodStore) Recent(limit int) ([]*models.OfflinePeriod, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(periodSelect+" ORDER BY start_time DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list offline periods", err)
	}
	defer rows.Close()

	var periods []*models.OfflinePeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to scan offline period", err)
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// Stats aggregates across the full history, not just one page. The average
// duration covers closed periods only: an ongoing outage has no duration yet.
func (s *PeriodStore) Stats() (*models.OfflineStats, error) {
	var stats models.OfflineStats
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(duration_ms), 0),
		        COALESCE(SUM(tx_created), 0),
		        COALESCE(SUM(tx_synced), 0),
		        COALESCE(SUM(tx_failed), 0)
		 FROM offline_periods`,
	).Scan(&stats.TotalPeriods, &stats.TotalDurationMs,
		&stats.TotalCreated, &stats.TotalSynced, &stats.TotalFailed)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to aggregate offline stats", err)
	}

	var closed int
	var closedDuration int64
	err = s.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(duration_ms), 0) FROM offline_periods WHERE end_time != 0",
	).Scan(&closed, &closedDuration)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to aggregate closed periods", err)
	}
	if closed > 0 {
		stats.AverageDurationMs = closedDuration / int64(closed)
	}
	return &stats, nil
}
