package models

// OfflinePeriod records one connectivity outage. Rows are append-only audit
// history: created on loss, closed on recovery, never deleted.
type OfflinePeriod struct {
	ID        int64 `db:"id" json:"id"`
	StartTime int64 `db:"start_time" json:"start_time"` // unix ms
	// EndTime is 0 while the period is ongoing. A zero EndTime is the
	// defining test of "active".
	EndTime    int64 `db:"end_time" json:"end_time,omitempty"`
	DurationMs int64 `db:"duration_ms" json:"duration_ms"`
	// LastActivity is checkpointed while the period is open and is used to
	// close a period orphaned by a process crash.
	LastActivity int64 `db:"last_activity" json:"-"`

	TransactionsCreated int `db:"tx_created" json:"transactions_created"`
	TransactionsSynced  int `db:"tx_synced" json:"transactions_synced"`
	TransactionsFailed  int `db:"tx_failed" json:"transactions_failed"`
}

// TableName returns the table name for OfflinePeriod.
func (OfflinePeriod) TableName() string {
	return "offline_periods"
}

// IsOpen reports whether the outage is still ongoing.
func (p OfflinePeriod) IsOpen() bool {
	return p.EndTime == 0
}

// OfflineStats aggregates across all recorded periods, not just one page.
type OfflineStats struct {
	TotalPeriods      int   `json:"total_periods"`
	TotalDurationMs   int64 `json:"total_duration_ms"`
	AverageDurationMs int64 `json:"average_duration_ms"` // closed periods only
	TotalCreated      int   `json:"total_created"`
	TotalSynced       int   `json:"total_synced"`
	TotalFailed       int   `json:"total_failed"`
}
