package metrics

import "testing"

func TestRegistryGathers(t *testing.T) {
	AssignmentsCreated.WithLabelValues("rotating").Inc()
	EscrowReleases.WithLabelValues("immediate").Inc()

	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one metric family")
	}
}

func TestHandlerNotNil(t *testing.T) {
	if Handler() == nil {
		t.Fatal("expected handler")
	}
}
