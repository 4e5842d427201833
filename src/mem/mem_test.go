package mem

import "testing"

func newPool(t *testing.T, frames int) *Pool {
	t.Helper()
	p, err := NewPool(frames)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPageAllocZeroed(t *testing.T) {
	p := newPool(t, 4)
	pa, ok := p.PageAlloc()
	if !ok {
		t.Fatal("PageAlloc failed on a fresh pool")
	}
	b := p.Bytes(pa)
	for i, v := range b[:PGSIZE] {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, v)
		}
	}
	if p.Refcnt(pa) != 0 {
		t.Errorf("fresh frame refcnt = %d, want 0 (caller bumps on install)", p.Refcnt(pa))
	}
}

func TestPageAllocExhaustion(t *testing.T) {
	p := newPool(t, 2)
	if _, ok := p.PageAlloc(); !ok {
		t.Fatal("first alloc failed")
	}
	if _, ok := p.PageAlloc(); !ok {
		t.Fatal("second alloc failed")
	}
	if _, ok := p.PageAlloc(); ok {
		t.Fatal("third alloc on a 2-frame pool should fail")
	}
}

func TestRefupRefdown(t *testing.T) {
	p := newPool(t, 2)
	pa, _ := p.PageAlloc()
	p.Refup(pa)
	p.Refup(pa)
	if p.Refcnt(pa) != 2 {
		t.Fatalf("refcnt = %d, want 2", p.Refcnt(pa))
	}
	if p.Refdown(pa) {
		t.Fatal("Refdown reported free at refcnt 1->... should still be held")
	}
	if !p.Refdown(pa) {
		t.Fatal("Refdown should report the frame freed when refcnt reaches 0")
	}
	if p.Free() != 2 {
		t.Fatalf("pool free count = %d, want 2 after releasing the only allocated frame", p.Free())
	}
}

func TestRefdownBelowZeroPanics(t *testing.T) {
	p := newPool(t, 1)
	pa, _ := p.PageAlloc()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic refdowning an unreferenced frame")
		}
	}()
	p.Refdown(pa)
}

func TestPgdirWalkCreatesPageTable(t *testing.T) {
	p := newPool(t, 8)
	pgdir, pgdirPa, ok := p.NewPmap()
	if !ok {
		t.Fatal("NewPmap failed")
	}
	p.Refup(pgdirPa)

	va := uintptr(0x1000)
	pte, ok := p.PgdirWalk(pgdir, va, true)
	if !ok {
		t.Fatal("PgdirWalk with create=true failed")
	}
	if *pte&PTE_P != 0 {
		t.Error("freshly walked PTE should not be present yet")
	}

	pdx := (va >> 22) & 0x3ff
	if pgdir[pdx]&PTE_P == 0 {
		t.Error("PgdirWalk did not install the intermediate page table's PDE")
	}
}

func TestPgdirWalkNoCreate(t *testing.T) {
	p := newPool(t, 4)
	pgdir, _, _ := p.NewPmap()
	if _, ok := p.PgdirWalk(pgdir, 0x2000, false); ok {
		t.Error("PgdirWalk(create=false) should fail when no page table exists")
	}
}

func TestPageInsertAndLookup(t *testing.T) {
	p := newPool(t, 8)
	pgdir, pgdirPa, _ := p.NewPmap()
	p.Refup(pgdirPa)

	pa, _ := p.PageAlloc()
	va := uintptr(0x3000)
	if !p.PageInsert(pgdir, pa, va, PTE_U|PTE_W) {
		t.Fatal("PageInsert failed")
	}
	if p.Refcnt(pa) != 1 {
		t.Errorf("refcnt after one insert = %d, want 1", p.Refcnt(pa))
	}

	pte, ok := p.PageLookup(pgdir, va)
	if !ok {
		t.Fatal("PageLookup failed to find inserted mapping")
	}
	if *pte&PGMASK != pa {
		t.Errorf("PageLookup returned wrong frame: %#x, want %#x", *pte&PGMASK, pa)
	}
}

func TestPageInsertReplaceDifferentFrame(t *testing.T) {
	p := newPool(t, 8)
	pgdir, pgdirPa, _ := p.NewPmap()
	p.Refup(pgdirPa)

	pa1, _ := p.PageAlloc()
	pa2, _ := p.PageAlloc()
	va := uintptr(0x4000)

	p.PageInsert(pgdir, pa1, va, PTE_U|PTE_W)
	p.PageInsert(pgdir, pa2, va, PTE_U)

	if p.Refcnt(pa1) != 0 {
		t.Errorf("old frame refcnt after replacement = %d, want 0", p.Refcnt(pa1))
	}
	if p.Refcnt(pa2) != 1 {
		t.Errorf("new frame refcnt = %d, want 1", p.Refcnt(pa2))
	}
	pte, _ := p.PageLookup(pgdir, va)
	if *pte&PGMASK != pa2 {
		t.Error("lookup after replace returned stale frame")
	}
}

func TestPageInsertSameFrameNoDoubleCount(t *testing.T) {
	p := newPool(t, 8)
	pgdir, pgdirPa, _ := p.NewPmap()
	p.Refup(pgdirPa)

	pa, _ := p.PageAlloc()
	va := uintptr(0x5000)
	p.PageInsert(pgdir, pa, va, PTE_U|PTE_W)
	p.PageInsert(pgdir, pa, va, PTE_U) // remap the same frame, different perm

	if p.Refcnt(pa) != 1 {
		t.Errorf("refcnt after remapping the same frame = %d, want 1", p.Refcnt(pa))
	}
}

func TestPageRemove(t *testing.T) {
	p := newPool(t, 8)
	pgdir, pgdirPa, _ := p.NewPmap()
	p.Refup(pgdirPa)

	pa, _ := p.PageAlloc()
	va := uintptr(0x6000)
	p.PageInsert(pgdir, pa, va, PTE_U|PTE_W)
	p.PageRemove(pgdir, va)

	if _, ok := p.PageLookup(pgdir, va); ok {
		t.Error("PageLookup still finds a removed mapping")
	}
	if p.Refcnt(pa) != 0 {
		t.Errorf("refcnt after remove = %d, want 0", p.Refcnt(pa))
	}

	// Removing an already-absent mapping is a no-op, not an error.
	p.PageRemove(pgdir, va)
}

func TestDiscardReturnsFrameWithoutDecrementingBelowZero(t *testing.T) {
	p := newPool(t, 2)
	pa, _ := p.PageAlloc()
	free := p.Free()
	p.Discard(pa)
	if p.Free() != free+1 {
		t.Errorf("Free() after Discard = %d, want %d", p.Free(), free+1)
	}
}

func TestSyscallPermMaskIncludesCOW(t *testing.T) {
	// duppage (src/ulib) must be able to pass PTE_COW through sys_page_map.
	if SyscallPermMask&PTE_COW == 0 {
		t.Error("SyscallPermMask excludes PTE_COW; user-space fork cannot mark pages copy-on-write")
	}
}
