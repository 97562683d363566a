package keypackage

import (
	"strings"
	"testing"
)

func TestAvailabilityPredicate(t *testing.T) {
	if !strings.HasPrefix(strings.TrimSpace(availabilityPredicate), "AND") {
		t.Fatalf("availabilityPredicate must begin with AND, got %q", availabilityPredicate)
	}
	for _, clause := range []string{"consumed_at IS NULL", "expires_at > now()", "reserved_at"} {
		if !strings.Contains(availabilityExpr, clause) {
			t.Errorf("availabilityExpr missing %q", clause)
		}
	}
}

func TestDefaultReplenishThreshold(t *testing.T) {
	if DefaultReplenishThreshold <= 0 {
		t.Fatal("DefaultReplenishThreshold must be positive")
	}
}

func TestStatsNeedsReplenish(t *testing.T) {
	s := Stats{Available: 3, Threshold: DefaultReplenishThreshold}
	if s.Available >= s.Threshold {
		t.Fatal("test fixture invalid: expected available < threshold")
	}
}
