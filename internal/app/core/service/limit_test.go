package service

import "testing"

func TestClampLimit(t *testing.T) {
	if got := ClampLimit(0, 25, 500); got != 25 {
		t.Fatalf("default not applied: %d", got)
	}
	if got := ClampLimit(1000, 25, 500); got != 500 {
		t.Fatalf("max not applied: %d", got)
	}
	if got := ClampLimit(10, 25, 500); got != 10 {
		t.Fatalf("value not preserved: %d", got)
	}
}

func TestRoundHelpers(t *testing.T) {
	if got := Round2(66.666666); got != 66.67 {
		t.Fatalf("round2: %v", got)
	}
	if got := Round4(0.123456); got != 0.1235 {
		t.Fatalf("round4: %v", got)
	}
}
