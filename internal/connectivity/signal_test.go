package connectivity

import "testing"

// TestSignalTransitions verifies subscribers see each transition once.
func TestSignalTransitions(t *testing.T) {
	s := NewSignal(true)

	var seen []bool
	s.Subscribe(func(online bool) { seen = append(seen, online) })

	s.Set(false)
	s.Set(false) // duplicate, must not notify
	s.Set(true)

	if len(seen) != 2 {
		t.Fatalf("expected 2 notifications, got %d: %v", len(seen), seen)
	}
	if seen[0] != false || seen[1] != true {
		t.Errorf("transitions = %v, want [false true]", seen)
	}
	if !s.IsOnline() {
		t.Error("IsOnline() = false, want true")
	}
}

// TestSignalUnsubscribe verifies the returned function stops notifications.
func TestSignalUnsubscribe(t *testing.T) {
	s := NewSignal(true)

	fired := 0
	unsubscribe := s.Subscribe(func(bool) { fired++ })

	s.Set(false)
	unsubscribe()
	s.Set(true)

	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}
