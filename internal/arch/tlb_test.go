package arch

import "testing"

func TestCPUMaskSetClearHas(t *testing.T) {
	var m CPUMask
	m.Set(3)
	m.Set(40)
	if !m.Has(3) || !m.Has(40) {
		t.Fatal("expected both set bits to report present")
	}
	if m.Has(4) {
		t.Fatal("expected an unset bit to report absent")
	}
	m.Clear(3)
	if m.Has(3) {
		t.Fatal("expected cleared bit to report absent")
	}
	if !m.Has(40) {
		t.Fatal("clearing one bit must not disturb another")
	}
}

// TestShootdownTargetsOnlyMaskedCPUs is the per-CPU shootdown hook:
// only the CPUs named in mask should observe an invalidation.
func TestShootdownTargetsOnlyMaskedCPUs(t *testing.T) {
	var invs PerCPU[CountingInvalidator]
	var mask CPUMask
	mask.Set(1)
	mask.Set(5)

	Shootdown(&invs, mask, 0x1000, 3)

	if got := invs.Slot(1).Pages; got != 3 {
		t.Fatalf("cpu 1: got %d invalidated pages, want 3", got)
	}
	if got := invs.Slot(5).Pages; got != 3 {
		t.Fatalf("cpu 5: got %d invalidated pages, want 3", got)
	}
	if got := invs.Slot(0).Pages; got != 0 {
		t.Fatalf("cpu 0 was not in the mask, got %d invalidated pages, want 0", got)
	}
}
