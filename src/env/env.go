// Package env implements the Environment Table (ET): the fixed-size pool
// of environment descriptors, their id/generation scheme, address-space
// construction and teardown, and ELF loading (spec §4.1).
package env

import (
	"sync"

	"nucleus/src/defs"
	"nucleus/src/mem"
	"nucleus/src/mlog"
)

// Env is one environment descriptor. Exported fields mirror spec §3's data
// model field-for-field.
type Env struct {
	Id       int32
	ParentId int32
	Status   defs.EnvStatus
	Type     defs.EnvType
	Runs     uint32
	Cpu      int

	Pgdir  *mem.Pmap_t
	PgdirPa mem.Pa_t

	Trapframe defs.Trapframe

	PgfaultUpcall uint32 // user VA, 0 means none installed

	IpcRecving bool
	IpcDstva   uint32
	IpcFrom    int32
	IpcValue   uint32
	IpcPerm    mem.Pa_t

	link int // index of next free slot, or -1
}

// Table is the fixed-size pool of environment descriptors plus the
// machinery operating on it: free list, per-CPU dispatch bookkeeping, and
// the master kernel page directory every live env's address space aliases.
type Table struct {
	mu   sync.Mutex
	Envs []Env

	freeHead int // -1 when empty

	Pool *mem.Pool

	// Kernel master directory: every live env's pgdir aliases the PDEs
	// covering VA >= KERNBASE. The windows between UTOP and KERNBASE
	// (UENVS, UPAGES, MMIOBASE) are not copied from it; only the UVPT slot
	// is filled, with the env's own self-map.
	Master   *mem.Pmap_t
	MasterPa mem.Pa_t
}

// NewTable allocates NENV descriptors and wires them into a free list in
// slot order, so the freshest table allocates slot 0 first (spec §3, P3).
func NewTable(pool *mem.Pool, master *mem.Pmap_t, masterPa mem.Pa_t) *Table {
	t := &Table{
		Envs:     make([]Env, defs.NENV),
		Pool:     pool,
		Master:   master,
		MasterPa: masterPa,
	}
	t.initLocked()
	return t
}

func (t *Table) initLocked() {
	for i := range t.Envs {
		t.Envs[i] = Env{Id: 0, Status: defs.ENV_FREE, link: i + 1}
	}
	t.Envs[len(t.Envs)-1].link = -1
	t.freeHead = 0
}

// ENVX extracts the slot index from an id.
func ENVX(id int32) int { return defs.ENVX(id) }

// Lookup resolves an env id, optionally enforcing the "current env or its
// immediate child" permission check (spec §4.1). id==0 means "the caller's
// own env".
func (t *Table) Lookup(id int32, checkPerm bool, curenv *Env) (*Env, defs.Err_t) {
	if id == 0 {
		if curenv == nil {
			return nil, defs.BAD_ENV
		}
		return curenv, 0
	}
	idx := ENVX(id)
	if idx < 0 || idx >= len(t.Envs) {
		return nil, defs.BAD_ENV
	}
	e := &t.Envs[idx]
	if e.Status == defs.ENV_FREE || e.Id != id {
		return nil, defs.BAD_ENV
	}
	if checkPerm {
		if e != curenv && e.ParentId != curenvID(curenv) {
			return nil, defs.BAD_ENV
		}
	}
	return e, 0
}

func curenvID(curenv *Env) int32 {
	if curenv == nil {
		return 0
	}
	return curenv.Id
}

// Alloc pops the free-list head, builds its address space, and assigns a
// fresh id per the generation scheme in spec §4.1.
func (t *Table) Alloc(parentID int32) (*Env, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.freeHead == -1 {
		return nil, defs.NO_FREE_ENV
	}
	idx := t.freeHead
	e := &t.Envs[idx]

	pgdir, pgdirPa, ok := t.envSetupVM()
	if !ok {
		return nil, defs.NO_MEM
	}

	t.freeHead = e.link

	generation := (uint32(e.Id) + 1<<defs.ENVGENSHIFT) &^ uint32(defs.NENV-1)
	if int32(generation) <= 0 {
		generation = 1 << defs.ENVGENSHIFT
	}
	newID := int32(generation) | int32(idx)

	*e = Env{
		Id:        newID,
		ParentId:  parentID,
		Status:    defs.ENV_RUNNABLE,
		Type:      defs.ENV_TYPE_USER,
		Runs:      0,
		Cpu:       -1,
		Pgdir:     pgdir,
		PgdirPa:   pgdirPa,
		Trapframe: defs.NewUserTrapframe(0),
		link:      -2, // not on free list
	}

	mlog.NewEnv(uint32(newID))
	return e, 0
}

// envSetupVM allocates a zeroed directory frame, bumps its refcount (so
// Free's decref balances), copies the master directory's PDEs from
// KERNBASE up to 4 GiB, and installs the UVPT self-map (spec §4.1).
func (t *Table) envSetupVM() (*mem.Pmap_t, mem.Pa_t, bool) {
	pgdir, pa, ok := t.Pool.NewPmap()
	if !ok {
		return nil, 0, false
	}
	t.Pool.Refup(pa)

	kernPDX := int(defs.KERNBASE >> 22)
	for i := kernPDX; i < 1024; i++ {
		pgdir[i] = t.Master[i]
	}

	uvptPDX := int(defs.UVPT >> 22)
	pgdir[uvptPDX] = pa | mem.PTE_P | mem.PTE_U

	return pgdir, pa, true
}

// Free tears down env's user-mode address space and returns its
// descriptor to the free list (spec §4.1). If env is current on this CPU
// the caller must have already switched to the kernel directory.
func (t *Table) Free(e *Env) {
	t.mu.Lock()
	defer t.mu.Unlock()

	utopPDX := int((defs.UTOP + defs.PDMAP - 1) >> 22)
	for pdx := 0; pdx < utopPDX; pdx++ {
		pde := e.Pgdir[pdx]
		if pde&mem.PTE_P == 0 {
			continue
		}
		pm := t.Pool.DerefPmap(pde & mem.PGMASK)
		for ptx := 0; ptx < 1024; ptx++ {
			if pm[ptx]&mem.PTE_P != 0 {
				va := uintptr(pdx)<<22 | uintptr(ptx)<<12
				t.Pool.PageRemove(e.Pgdir, va)
			}
		}
		t.Pool.Refdown(pde & mem.PGMASK)
	}
	t.Pool.Refdown(e.PgdirPa)

	idx := ENVX(e.Id)
	t.Envs[idx] = Env{Id: e.Id, Status: defs.ENV_FREE, link: t.freeHead}
	t.freeHead = idx
}

// Destroy implements the cross-CPU-safe teardown in spec §4.1. onCurrent
// reports whether e is RUNNING on the calling CPU (the only case Destroy
// actually frees synchronously); reap is called for every DYING env whose
// ParentId == e.Id before e itself is freed, so dying grandchildren are
// never orphaned.
func (t *Table) Destroy(e *Env, onCurrent bool, reapDyingChildren func(parent int32)) {
	if e.Status == defs.ENV_RUNNING && !onCurrent {
		e.Status = defs.ENV_DYING
		return
	}
	reapDyingChildren(e.Id)
	t.Free(e)
}

// All returns the live descriptor slice for scheduler scans.
func (t *Table) All() []Env { return t.Envs }
