// Package ulib is the user-space library built purely on the syscall
// surface: page-fault handler registration and the copy-on-write fork
// helper (spec §4.7).
//
// The upcall trampoline's simultaneous esp/eip restore (the "ret trick",
// spec §4.5/§9) is intrinsically a few lines of assembly with no Go
// equivalent — real hardware jumps straight into user code at
// pgfault_upcall and the trampoline never calls back into the kernel.
// Since this module has no CPU to execute that jump on, Handler below
// plays the trampoline's role directly: it is invoked with the
// UTrapframe the kernel constructed (trap.Kernel.pageFaultHandler) and is
// expected to mutate the faulting env's mappings exactly as the real
// handler would before the (simulated) retry of the faulting instruction.
package ulib

import (
	"fmt"

	"nucleus/src/defs"
	"nucleus/src/env"
	"nucleus/src/mem"
	"nucleus/src/vmsys"
)

// Handler is a registered user-level page-fault handler.
type Handler func(e *env.Env, ut defs.UTrapframe) error

// Registry maps an env id to its installed handler, standing in for the
// kernel jumping to env.PgfaultUpcall. Library is the per-process runtime
// state a real libc-ish runtime would keep (one handler, since pgfault
// installs a single dispatcher that itself may chain to user-registered
// sub-handlers — out of scope here, one handler is all spec §4.7 needs).
type Registry struct {
	handlers map[int32]Handler
	pool     *mem.Pool
	vm       *vmsys.Layer
}

// NewRegistry builds a handler registry bound to the frame pool and VM
// syscall layer the fork/duppage algorithm below needs.
func NewRegistry(pool *mem.Pool, vm *vmsys.Layer) *Registry {
	return &Registry{handlers: make(map[int32]Handler), pool: pool, vm: vm}
}

// SetPgfault installs h as e's page-fault handler and records the
// upcall address via sys_env_set_pgfault_upcall (here, a nonzero sentinel
// address — no real code lives there, only the registry lookup does).
func (r *Registry) SetPgfault(e *env.Env, upcallVA uint32, h Handler) error {
	if err := r.vm.EnvSetPgfaultUpcall(e.Id, e, upcallVA); err != 0 {
		return err
	}
	r.handlers[e.Id] = h
	return nil
}

// Invoke plays the trampoline's role: look up e's handler and run it
// against the UTrapframe the kernel built. If no handler is registered,
// the caller (trap.Kernel) has already destroyed the env before this
// would ever be reached.
func (r *Registry) Invoke(e *env.Env, ut defs.UTrapframe) error {
	h, ok := r.handlers[e.Id]
	if !ok {
		return fmt.Errorf("ulib: no handler registered for env %08x", uint32(e.Id))
	}
	return h(e, ut)
}

// PFTEMP is the scratch VA the COW handler maps its fresh copy at before
// retargeting it to the faulting address.
const PFTEMP = defs.UTOP - 2*mem.PGSIZE

// CowPageFault is the standard duppage-era COW handler (spec §4.7): on a
// write fault against a COW page, allocate a fresh page, copy the old
// contents in, remap it writable at the faulting VA, and drop the scratch
// mapping.
func CowPageFault(pool *mem.Pool, vm *vmsys.Layer) Handler {
	return func(e *env.Env, ut defs.UTrapframe) error {
		faultVA := ut.FaultVa
		if ut.Err&uint32(mem.PTE_W) == 0 {
			return fmt.Errorf("cow fault handler called on non-write fault at %#x", faultVA)
		}
		page := faultVA &^ (mem.PGSIZE - 1)
		pte, ok := pool.PageLookup(e.Pgdir, uintptr(page))
		if !ok || *pte&mem.PTE_COW == 0 {
			return fmt.Errorf("cow fault handler called on non-COW page at %#x", faultVA)
		}

		if err := vm.PageAlloc(e.Id, e, PFTEMP, mem.PTE_P|mem.PTE_U|mem.PTE_W); err != 0 {
			return err
		}
		src := pool.Bytes(*pte & mem.PGMASK)
		scratchPTE, _ := pool.PageLookup(e.Pgdir, uintptr(PFTEMP))
		dst := pool.Bytes(*scratchPTE & mem.PGMASK)
		copy(dst[:mem.PGSIZE], src[:mem.PGSIZE])

		if err := vm.PageMap(e.Id, PFTEMP, e.Id, page, mem.PTE_P|mem.PTE_U|mem.PTE_W, e); err != 0 {
			return err
		}
		return vmUnmap(vm, e, PFTEMP)
	}
}

func vmUnmap(vm *vmsys.Layer, e *env.Env, va uint32) error {
	if err := vm.PageUnmap(e.Id, e, va); err != 0 {
		return err
	}
	return nil
}
