package arch

import "testing"

func TestPTEFrameRoundTrip(t *testing.T) {
	phys := Pa_t(0x123456000)
	e := MkPTE(phys, FlagPresent|FlagWrite)
	if !e.Present() || !e.Writeable() {
		t.Fatalf("expected present+writeable, got %x", uint64(e))
	}
	if e.Frame() != phys {
		t.Fatalf("frame round-trip: got %x want %x", e.Frame(), phys)
	}
	if e.Large() || e.User() || e.NoExec() {
		t.Fatalf("unexpected flags set: %x", uint64(e))
	}
}

func TestPTEWithFramePanicsOnMisalignment(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unaligned frame")
		}
	}()
	PTE(0).WithFrame(Pa_t(0x1001))
}

func TestLevelPageSizes(t *testing.T) {
	cases := []struct {
		l    Level
		size int
	}{
		{LevelPDPT, PGSIZE1G},
		{LevelPD, PGSIZE2M},
		{LevelPT, PGSIZE},
	}
	for _, c := range cases {
		if got := c.l.PageSize(); got != c.size {
			t.Errorf("%v.PageSize() = %d, want %d", c.l, got, c.size)
		}
	}
}

func TestLevelIndex(t *testing.T) {
	// virt with distinct 9-bit fields at each level plus a 12-bit offset.
	virt := uintptr(0)
	virt |= 1 << 39 // PML4 idx 1
	virt |= 2 << 30 // PDPT idx 2
	virt |= 3 << 21 // PD idx 3
	virt |= 4 << 12 // PT idx 4
	if got := LevelPML4.Index(virt); got != 1 {
		t.Errorf("PML4 index = %d, want 1", got)
	}
	if got := LevelPDPT.Index(virt); got != 2 {
		t.Errorf("PDPT index = %d, want 2", got)
	}
	if got := LevelPD.Index(virt); got != 3 {
		t.Errorf("PD index = %d, want 3", got)
	}
	if got := LevelPT.Index(virt); got != 4 {
		t.Errorf("PT index = %d, want 4", got)
	}
}

func TestDetectFeaturesFallback(t *testing.T) {
	f := DetectFeatures(nil)
	if !f.GigabytePages || !f.NoExecute {
		t.Fatal("nil leaf reader should default to true for both bits")
	}
}

func TestDetectFeaturesFromLeaf(t *testing.T) {
	f := DetectFeatures(func(eax, ecx uint32) (uint32, uint32, uint32, uint32) {
		return 0, 0, 0, (1 << 26) // gbpages set, NX clear
	})
	if !f.GigabytePages || f.NoExecute {
		t.Fatalf("unexpected features: %+v", f)
	}
}

func TestPerCPUSlots(t *testing.T) {
	var pc PerCPU[int]
	*pc.Slot(3) = 42
	if *pc.Slot(3) != 42 {
		t.Fatal("slot write/read mismatch")
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on out-of-range cpu id")
		}
	}()
	pc.Slot(MaxCPUs)
}
