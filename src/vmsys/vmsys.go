// Package vmsys implements the VM Syscall Layer (VM, spec §4.2):
// cross-environment page allocation, mapping, and unmapping, and the
// small trapframe/upcall/status setters that ride along the same
// envid-resolution path.
package vmsys

import (
	"nucleus/src/defs"
	"nucleus/src/env"
	"nucleus/src/mem"
)

// Layer binds the VM syscalls to a concrete env table and frame pool.
type Layer struct {
	Envs *env.Table
	Pool *mem.Pool
}

func aligned(va uint32) bool { return va%mem.PGSIZE == 0 }

func permOK(perm mem.Pa_t) bool {
	if perm&mem.PTE_P == 0 || perm&mem.PTE_U == 0 {
		return false
	}
	return perm&^mem.SyscallPermMask == 0
}

// PageAlloc services sys_page_alloc: allocate a zeroed frame and install
// it at va in envid's address space. The frame is freed back to the pool
// on any failure after allocation, so there is no partial side effect.
func (l *Layer) PageAlloc(envid int32, curenv *env.Env, va uint32, perm mem.Pa_t) defs.Err_t {
	e, err := l.Envs.Lookup(envid, true, curenv)
	if err != 0 {
		return err
	}
	if va >= defs.UTOP || !aligned(va) {
		return defs.INVAL
	}
	if !permOK(perm) {
		return defs.INVAL
	}
	pa, ok := l.Pool.PageAlloc()
	if !ok {
		return defs.NO_MEM
	}
	if !l.Pool.PageInsert(e.Pgdir, pa, uintptr(va), perm) {
		l.Pool.Discard(pa)
		return defs.NO_MEM
	}
	return 0
}

// PageMap services sys_page_map: share src's mapping at srcva into dst at
// dstva with the requested perm. Fails if perm requests WRITABLE but the
// source mapping is not itself writable.
func (l *Layer) PageMap(srcid int32, srcva uint32, dstid int32, dstva uint32, perm mem.Pa_t, curenv *env.Env) defs.Err_t {
	if srcva >= defs.UTOP || dstva >= defs.UTOP || !aligned(srcva) || !aligned(dstva) {
		return defs.INVAL
	}
	if !permOK(perm) {
		return defs.INVAL
	}
	srcEnv, err := l.Envs.Lookup(srcid, true, curenv)
	if err != 0 {
		return err
	}
	dstEnv, err := l.Envs.Lookup(dstid, true, curenv)
	if err != 0 {
		return err
	}
	pte, ok := l.Pool.PageLookup(srcEnv.Pgdir, uintptr(srcva))
	if !ok {
		return defs.INVAL
	}
	if perm&mem.PTE_W != 0 && *pte&mem.PTE_W == 0 {
		return defs.INVAL
	}
	pa := *pte & mem.PGMASK
	if !l.Pool.PageInsert(dstEnv.Pgdir, pa, uintptr(dstva), perm) {
		return defs.NO_MEM
	}
	return 0
}

// PageUnmap services sys_page_unmap: removing an absent mapping is
// success.
func (l *Layer) PageUnmap(envid int32, curenv *env.Env, va uint32) defs.Err_t {
	e, err := l.Envs.Lookup(envid, true, curenv)
	if err != 0 {
		return err
	}
	if va >= defs.UTOP || !aligned(va) {
		return defs.INVAL
	}
	l.Pool.PageRemove(e.Pgdir, uintptr(va))
	return 0
}

// EnvSetStatus services sys_env_set_status.
func (l *Layer) EnvSetStatus(envid int32, curenv *env.Env, status defs.EnvStatus) defs.Err_t {
	e, err := l.Envs.Lookup(envid, true, curenv)
	if err != 0 {
		return err
	}
	if status != defs.ENV_RUNNABLE && status != defs.ENV_NOT_RUNNABLE {
		return defs.INVAL
	}
	e.Status = status
	return 0
}

// EnvSetPgfaultUpcall services sys_env_set_pgfault_upcall.
func (l *Layer) EnvSetPgfaultUpcall(envid int32, curenv *env.Env, fn uint32) defs.Err_t {
	e, err := l.Envs.Lookup(envid, true, curenv)
	if err != 0 {
		return err
	}
	e.PgfaultUpcall = fn
	return 0
}

// EnvSetTrapframe services sys_env_set_trapframe: the caller's esp is
// preserved verbatim (spec §4.2), only the segment/IF/IOPL fields are
// normalized.
func (l *Layer) EnvSetTrapframe(envid int32, curenv *env.Env, tf defs.Trapframe) defs.Err_t {
	e, err := l.Envs.Lookup(envid, true, curenv)
	if err != 0 {
		return err
	}
	normalized := defs.ForceUserSegments(tf)
	e.Trapframe = normalized
	return 0
}
