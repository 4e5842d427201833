// Package mem is the in-module stand-in for the kernel's physical page
// allocator and two-level page-table layer (spec.md lists page_alloc,
// page_insert, page_lookup, page_remove, and pgdir_walk as external
// collaborators; this package gives them a concrete, testable body).
//
// Frames are reference counted, matching the teacher's Physmem_t free-list
// scheme, and backed by a single anonymous mmap region so that a Pa_t is a
// genuine page-aligned offset into real memory rather than a slice index.
package mem

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE = 1 << PGSHIFT

// Pa_t is a physical address: a byte offset into the frame pool's backing
// mapping, always used page-aligned except where an explicit offset is
// added.
type Pa_t uint32

// PGOFFSET masks the in-page offset of an address.
const PGOFFSET Pa_t = PGSIZE - 1

// PGMASK masks the page-aligned portion of an address.
const PGMASK Pa_t = ^PGOFFSET

// PTE/PDE bit layout. Bits 9-11 are available for software use on x86;
// PTE_COW claims one of them for the copy-on-write fork helper (spec
// §4.7), matching the precedent in the teacher's vm/as.go.
const (
	PTE_P     Pa_t = 1 << 0 // present
	PTE_W     Pa_t = 1 << 1 // writable
	PTE_U     Pa_t = 1 << 2 // user-accessible
	PTE_PWT   Pa_t = 1 << 3
	PTE_PCD   Pa_t = 1 << 4
	PTE_A     Pa_t = 1 << 5 // accessed
	PTE_D     Pa_t = 1 << 6 // dirty
	PTE_PS    Pa_t = 1 << 7 // page size (4MiB PDE)
	PTE_G     Pa_t = 1 << 8 // global
	PTE_COW   Pa_t = 1 << 11
	PTE_ADDR  Pa_t = PGMASK
)

// SyscallPermMask is the set of bits a user syscall may legally request;
// anything else in a requested `perm` is invalid (spec §4.2). PTE_COW is
// one of the three software-available bits and is included here: user-space
// fork (src/ulib's duppage) sets it through sys_page_map itself, the same
// way the original fork implementation marks a page copy-on-write — the
// kernel never sets PTE_COW on its own.
const SyscallPermMask = PTE_P | PTE_U | PTE_W | syscallAvailMask

// syscallAvailMask covers the three software-available bits 9-11 (AVAIL in
// spec's PRESENT|USER|WRITABLE|AVAIL mask), of which PTE_COW is one.
const syscallAvailMask = Pa_t(0xE00)

// Pg_t is a page's contents, addressable as words.
type Pg_t [PGSIZE / 8]uint64

// Pmap_t is a single level of the page table: 1024 32-bit Pa_t entries,
// exactly one frame, so the same type serves both PDEs and PTEs.
type Pmap_t [1024]Pa_t

// Frame describes one physical page's bookkeeping.
type Frame struct {
	Refcnt int32
	nexti  uint32
}

// Pool is a reference-counted physical frame allocator backed by one
// anonymous mmap'd region.
type Pool struct {
	sync.Mutex
	backing []byte // mmap'd region; index 0 corresponds to base
	frames  []Frame
	nframes uint32
	freei   uint32 // head of free list, ^uint32(0) if empty
	freelen int
}

const noFrame = ^uint32(0)

// NewPool allocates an anonymous mapping of nframes*PGSIZE bytes and
// initializes every frame as free.
func NewPool(nframes int) (*Pool, error) {
	size := nframes * PGSIZE
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mem: mmap %d frames: %w", nframes, err)
	}
	p := &Pool{
		backing: b,
		frames:  make([]Frame, nframes),
		nframes: uint32(nframes),
	}
	for i := 0; i < nframes; i++ {
		if i == nframes-1 {
			p.frames[i].nexti = noFrame
		} else {
			p.frames[i].nexti = uint32(i + 1)
		}
	}
	p.freei = 0
	p.freelen = nframes
	return p, nil
}

// Close releases the backing mapping. Only meant for tests/shutdown.
func (p *Pool) Close() error {
	return unix.Munmap(p.backing)
}

func (p *Pool) idx(pa Pa_t) uint32 {
	return uint32(uintptr(pa) / PGSIZE)
}

func (p *Pool) base(idx uint32) Pa_t {
	return Pa_t(uintptr(idx) * PGSIZE)
}

// PageAlloc allocates one zeroed frame. Its refcount starts at zero: the
// caller (env/vmsys) is responsible for bumping it once the frame is
// installed in a page table, matching the teacher's Refpg_new contract.
func (p *Pool) PageAlloc() (Pa_t, bool) {
	p.Lock()
	defer p.Unlock()
	if p.freei == noFrame {
		return 0, false
	}
	idx := p.freei
	p.freei = p.frames[idx].nexti
	p.freelen--
	p.frames[idx].Refcnt = 0
	pa := p.base(idx)
	zero(p.bytes(pa))
	return pa, true
}

func (p *Pool) bytes(pa Pa_t) []byte {
	off := uintptr(pa)
	return p.backing[off : off+PGSIZE]
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Deref returns a typed view over the frame's contents.
func (p *Pool) Deref(pa Pa_t) *Pg_t {
	b := p.bytes(pa & PGMASK)
	return (*Pg_t)(unsafe.Pointer(&b[0]))
}

// DerefPmap views a frame as a page-table/page-directory level, for
// walking a PDE's page table without going through PgdirWalk.
func (p *Pool) DerefPmap(pa Pa_t) *Pmap_t {
	b := p.bytes(pa & PGMASK)
	return (*Pmap_t)(unsafe.Pointer(&b[0]))
}

// Bytes returns the frame's contents as a byte slice starting at pa
// (which need not be page-aligned).
func (p *Pool) Bytes(pa Pa_t) []byte {
	base := pa &^ PGOFFSET
	off := pa & PGOFFSET
	return p.backing[uintptr(base)+uintptr(off) : uintptr(base)+PGSIZE]
}

// Refcnt returns a frame's current reference count.
func (p *Pool) Refcnt(pa Pa_t) int {
	p.Lock()
	defer p.Unlock()
	return int(p.frames[p.idx(pa)].Refcnt)
}

// Refup increments a frame's reference count. Called once per mapping
// installed against the frame.
func (p *Pool) Refup(pa Pa_t) {
	p.Lock()
	defer p.Unlock()
	p.frames[p.idx(pa)].Refcnt++
}

// Refdown decrements a frame's reference count, returning the frame to
// the free list and reporting true when it reaches zero.
func (p *Pool) Refdown(pa Pa_t) bool {
	p.Lock()
	defer p.Unlock()
	idx := p.idx(pa)
	f := &p.frames[idx]
	if f.Refcnt <= 0 {
		panic("mem: refdown below zero")
	}
	f.Refcnt--
	if f.Refcnt == 0 {
		f.nexti = p.freei
		p.freei = idx
		p.freelen++
		return true
	}
	return false
}

// Discard returns a freshly allocated, never-installed frame (refcnt
// still zero) directly to the free list. Used when a syscall allocates a
// frame and then fails to install it anywhere.
func (p *Pool) Discard(pa Pa_t) {
	p.Lock()
	defer p.Unlock()
	idx := p.idx(pa)
	if p.frames[idx].Refcnt != 0 {
		panic("mem: discard of referenced frame")
	}
	p.frames[idx].nexti = p.freei
	p.freei = idx
	p.freelen++
}

// Free reports the number of currently unallocated frames.
func (p *Pool) Free() int {
	p.Lock()
	defer p.Unlock()
	return p.freelen
}

// PgdirWalk returns a pointer to the PTE mapping va within pgdir,
// allocating the intermediate page table if create is true and none
// exists. It mirrors pgdir_walk's out-of-scope contract from spec §1.
func (p *Pool) PgdirWalk(pgdir *Pmap_t, va uintptr, create bool) (*Pa_t, bool) {
	pdx := (va >> 22) & 0x3ff
	ptx := (va >> 12) & 0x3ff
	pde := &pgdir[pdx]
	if *pde&PTE_P == 0 {
		if !create {
			return nil, false
		}
		pa, ok := p.PageAlloc()
		if !ok {
			return nil, false
		}
		p.Refup(pa)
		*pde = pa | PTE_P | PTE_W | PTE_U
	}
	pt := (*Pmap_t)(unsafe.Pointer(&p.bytes(*pde & PGMASK)[0]))
	return &pt[ptx], true
}

// PageInsert maps pa at va in pgdir with the given perm bits, replacing
// any prior mapping at va (and dropping that mapping's refcount). The new
// frame's refcount is bumped by exactly one.
func (p *Pool) PageInsert(pgdir *Pmap_t, pa Pa_t, va uintptr, perm Pa_t) bool {
	pte, ok := p.PgdirWalk(pgdir, va, true)
	if !ok {
		return false
	}
	p.Refup(pa)
	if *pte&PTE_P != 0 {
		old := *pte & PGMASK
		*pte = 0
		if old != pa&PGMASK {
			p.Refdown(old)
		} else {
			// mapping the same frame back in: undo the double refup.
			p.Refdown(pa)
		}
	}
	*pte = (pa & PGMASK) | perm | PTE_P
	return true
}

// PageLookup returns the PTE currently mapping va, if any.
func (p *Pool) PageLookup(pgdir *Pmap_t, va uintptr) (*Pa_t, bool) {
	pte, ok := p.PgdirWalk(pgdir, va, false)
	if !ok || *pte&PTE_P == 0 {
		return nil, false
	}
	return pte, true
}

// PageRemove unmaps va, decrementing the underlying frame's refcount. A
// no-op (success) if nothing was mapped there.
func (p *Pool) PageRemove(pgdir *Pmap_t, va uintptr) {
	pte, ok := p.PageLookup(pgdir, va)
	if !ok {
		return
	}
	pa := *pte & PGMASK
	*pte = 0
	p.Refdown(pa)
}

// NewPmap allocates a zeroed page-directory-shaped frame and returns a
// typed pointer to it alongside its physical address. The caller is
// responsible for Refup'ing it (env_setup_vm bumps it once, matching
// env_free's balancing decref).
func (p *Pool) NewPmap() (*Pmap_t, Pa_t, bool) {
	pa, ok := p.PageAlloc()
	if !ok {
		return nil, 0, false
	}
	return (*Pmap_t)(unsafe.Pointer(&p.bytes(pa)[0])), pa, true
}
