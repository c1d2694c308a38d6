package models

import (
	"testing"
	"time"
)

func TestEntityPriorityOrdering(t *testing.T) {
	if len(EntityTypesByPriority) != len(EntityPriority) {
		t.Fatalf("priority list has %d entries, map has %d", len(EntityTypesByPriority), len(EntityPriority))
	}
	for i, entity := range EntityTypesByPriority {
		if entity.Priority() != i {
			t.Errorf("entity %s at position %d has priority %d", entity, i, entity.Priority())
		}
	}
	// Session and order parents replay before their dependents.
	if EntityPOSSessions.Priority() >= EntityOrders.Priority() {
		t.Error("sessions must replay before orders")
	}
	if EntityOrders.Priority() >= EntityPayments.Priority() {
		t.Error("orders must replay before payments")
	}
}

func TestEntityTypeIsValid(t *testing.T) {
	for _, entity := range EntityTypesByPriority {
		if !entity.IsValid() {
			t.Errorf("expected %s to be valid", entity)
		}
	}
	if EntityType("gift_cards").IsValid() {
		t.Error("unknown entity type should be invalid")
	}
	if got := EntityType("gift_cards").Priority(); got != 99 {
		t.Errorf("unknown entity should sort last, got priority %d", got)
	}
}

func TestQueueCounts(t *testing.T) {
	counts := QueueCounts{Pending: 3, Syncing: 1, Failed: 2}
	if counts.Total() != 6 {
		t.Errorf("expected total 6, got %d", counts.Total())
	}
	if counts.PendingTotal() != 5 {
		t.Errorf("expected badge count 5, got %d", counts.PendingTotal())
	}
	if !counts.HasFailed() {
		t.Error("expected failed state")
	}
	if (QueueCounts{Pending: 1}).HasFailed() {
		t.Error("pending-only counts should not be in the failed state")
	}
}

func TestHeartbeatAge(t *testing.T) {
	now := time.Now()
	rec := DeviceRecord{LastHeartbeat: now.Add(-45 * time.Second)}
	age := rec.HeartbeatAge(now)
	if age != 45*time.Second {
		t.Errorf("expected 45s, got %s", age)
	}
}

func TestOfflinePeriodIsOpen(t *testing.T) {
	open := OfflinePeriod{StartTime: 1000}
	if !open.IsOpen() {
		t.Error("period without an end time should be open")
	}
	closed := OfflinePeriod{StartTime: 1000, EndTime: 2000, DurationMs: 1000}
	if closed.IsOpen() {
		t.Error("period with an end time should be closed")
	}
}
