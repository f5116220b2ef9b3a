package boot

import (
	"testing"

	"vmkernel/internal/arch"
)

func TestAllocPicksLargestFreeRegion(t *testing.T) {
	m := NewMemMap([]Region{
		{BasePage: 100, Pages: 4, Type: Free},
		{BasePage: 0, Pages: 16, Type: Free},
		{BasePage: 50, Pages: 8, Type: Used},
	})

	base := m.Alloc(2)
	if base != 0 {
		t.Fatalf("expected allocation from the largest region (base 0), got %v", base)
	}
	regs := m.Regions()
	if len(regs) != 3 {
		t.Fatalf("expected region count unchanged at 3, got %d", len(regs))
	}
	// the largest region should have shrunk, not been removed
	found := false
	for _, r := range regs {
		if r.BasePage == 2 && r.Pages == 14 && r.Type == Free {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected shrunk region {base:2 pages:14}, got %+v", regs)
	}
}

func TestAllocRemovesFullyConsumedRegion(t *testing.T) {
	m := NewMemMap([]Region{{BasePage: 10, Pages: 3, Type: Free}})
	base := m.Alloc(3)
	if want := arch.Pa_t(10) << arch.PGSHIFT; base != want {
		t.Fatalf("unexpected base %v, want %v", base, want)
	}
	if len(m.Regions()) != 0 {
		t.Fatalf("expected region removed, got %+v", m.Regions())
	}
}

func TestAllocFatalWhenNoRegionFits(t *testing.T) {
	m := NewMemMap([]Region{{BasePage: 0, Pages: 1, Type: Free}})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic (boot_alloc_fail) when no region fits")
		}
	}()
	m.Alloc(2)
}

func TestTotalFreeIgnoresNonFreeRegions(t *testing.T) {
	m := NewMemMap([]Region{
		{BasePage: 0, Pages: 4, Type: Free},
		{BasePage: 4, Pages: 4, Type: Used},
		{BasePage: 8, Pages: 2, Type: Device},
	})
	if got := m.TotalFree(); got != 4 {
		t.Fatalf("TotalFree() = %d, want 4", got)
	}
}
