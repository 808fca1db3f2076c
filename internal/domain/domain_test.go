package domain

import (
	"regexp"
	"testing"
)

func TestNewUUID(t *testing.T) {
	id := NewUUID()
	if id == "" {
		t.Fatal("expected non-empty UUID")
	}

	re := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	if !re.MatchString(id) {
		t.Errorf("UUID %q does not match v4 format", id)
	}
}

func TestNewUUID_unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewUUID()
		if seen[id] {
			t.Fatalf("duplicate UUID on iteration %d: %s", i, id)
		}
		seen[id] = true
	}
}

func TestGenericEventStepIndex_negative(t *testing.T) {
	if GenericEventStepIndex >= 0 {
		t.Fatalf("GenericEventStepIndex must be negative to distinguish from plan steps, got %d", GenericEventStepIndex)
	}
}
