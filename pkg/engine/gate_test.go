package engine

import (
	"testing"
)

func TestGate_EnforcesCeiling(t *testing.T) {
	g := NewGate(2, nil)

	release1, err := g.Acquire("sub-a")
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	release2, err := g.Acquire("sub-a")
	if err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}

	if _, err := g.Acquire("sub-a"); err == nil {
		t.Fatal("Expected third acquire rejected, got nil")
	} else if !IsThrottled(err) {
		t.Errorf("Expected throttled class, got %v", err)
	}

	// Another subscription has its own budget.
	releaseB, err := g.Acquire("sub-b")
	if err != nil {
		t.Fatalf("Acquire for other subscription failed: %v", err)
	}
	releaseB()

	release1()
	if _, err := g.Acquire("sub-a"); err != nil {
		t.Errorf("Expected slot freed after release, got %v", err)
	}
	release2()
}

func TestGate_ReleaseIsIdempotent(t *testing.T) {
	g := NewGate(1, nil)

	release, err := g.Acquire("sub-a")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release()
	release()

	if g.InFlight("sub-a") != 0 {
		t.Errorf("Expected 0 in flight after release, got %d", g.InFlight("sub-a"))
	}
	if _, err := g.Acquire("sub-a"); err != nil {
		t.Errorf("Expected acquire after double release, got %v", err)
	}
}

func TestGate_DisabledAdmitsEverything(t *testing.T) {
	g := NewGate(0, nil)

	for i := 0; i < 100; i++ {
		release, err := g.Acquire("sub-a")
		if err != nil {
			t.Fatalf("Acquire %d failed on disabled gate: %v", i, err)
		}
		// Disabled gate releases are no-ops.
		release()
	}
	if g.InFlight("sub-a") != 0 {
		t.Errorf("Expected no accounting on disabled gate, got %d", g.InFlight("sub-a"))
	}
}

func TestGate_SetMax(t *testing.T) {
	g := NewGate(1, nil)

	release, err := g.Acquire("sub-a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Acquire("sub-a"); err == nil {
		t.Fatal("Expected rejection at ceiling 1")
	}

	g.SetMax(2)
	release2, err := g.Acquire("sub-a")
	if err != nil {
		t.Fatalf("Expected raised ceiling to admit, got %v", err)
	}

	g.SetMax(0)
	if _, err := g.Acquire("sub-a"); err != nil {
		t.Errorf("Expected disabled gate to admit, got %v", err)
	}

	release()
	release2()
}
