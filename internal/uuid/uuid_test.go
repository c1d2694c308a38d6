package uuid

import "testing"

// TestNew verifies generated ids are valid v4 and unique.
func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("New() produced invalid UUID: %s", id)
		}
		if seen[id] {
			t.Fatalf("New() produced duplicate UUID: %s", id)
		}
		seen[id] = true
	}
}

// TestIsValid checks accept/reject cases for the v4 format.
func TestIsValid(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"550e8400-e29b-41d4-a716-446655440000", true},
		{"550E8400-E29B-41D4-A716-446655440000", true},
		{"", false},
		{"not-a-uuid", false},
		{"550e8400-e29b-11d4-a716-446655440000", false}, // v1, not v4
		{"550e8400-e29b-41d4-c716-446655440000", false}, // bad variant
		{"550e8400e29b41d4a716446655440000", false},     // no dashes
	}

	for _, c := range cases {
		if got := IsValid(c.in); got != c.want {
			t.Errorf("IsValid(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

// TestValidate verifies the error path.
func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate(New()) = %v, want nil", err)
	}
	if err := Validate("bogus"); err == nil {
		t.Error("Validate(bogus) should fail")
	}
}
