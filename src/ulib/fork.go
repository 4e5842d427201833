package ulib

import (
	"nucleus/src/defs"
	"nucleus/src/env"
	"nucleus/src/mem"
	"nucleus/src/vmsys"
)

// Fork implements the copy-on-write fork helper (spec §4.7): install the
// COW fault handler, exofork a child, duppage every present page below
// USTACKTOP, give the child a fresh (never-COW) exception stack,
// propagate the parent's upcall, and mark the child runnable.
//
// sysExofork is the caller-supplied exofork syscall (src/syscall's
// sys_exofork service) rather than a direct env.Table.Alloc call: real
// user code can only reach env.Table through the syscall surface, and
// threading that through here keeps this package honest about being a
// user-space library.
func Fork(envs *env.Table, pool *mem.Pool, vm *vmsys.Layer, registry *Registry, upcallVA uint32, parent *env.Env, sysExofork func() (*env.Env, defs.Err_t)) (*env.Env, error) {
	registry.handlers[parent.Id] = CowPageFault(pool, vm)

	child, err := sysExofork()
	if err != 0 {
		return nil, err
	}

	for pdx := 0; pdx <= int((defs.USTACKTOP-1)>>22); pdx++ {
		pde := parent.Pgdir[pdx]
		if pde&mem.PTE_P == 0 {
			continue
		}
		pt := pool.DerefPmap(pde & mem.PGMASK)
		for ptx := 0; ptx < 1024; ptx++ {
			if pt[ptx]&mem.PTE_P == 0 {
				continue
			}
			va := uint32(pdx)<<22 | uint32(ptx)<<12
			if va >= defs.USTACKTOP {
				continue
			}
			if err := duppage(pool, vm, parent, child, va, pt[ptx]); err != nil {
				return nil, err
			}
		}
	}

	// The child's exception stack is always a fresh writable page — a COW
	// fault on it would recurse fatally (spec §4.7).
	if err := vm.PageAlloc(child.Id, parent, defs.UXSTACKTOP-mem.PGSIZE, mem.PTE_P|mem.PTE_U|mem.PTE_W); err != 0 {
		return nil, err
	}

	if err := vm.EnvSetPgfaultUpcall(child.Id, parent, upcallVA); err != 0 {
		return nil, err
	}
	registry.handlers[child.Id] = registry.handlers[parent.Id]

	if err := vm.EnvSetStatus(child.Id, parent, defs.ENV_RUNNABLE); err != 0 {
		return nil, err
	}
	return child, nil
}

// duppage maps pn's frame into child: read-only and COW-marked if the
// parent's PTE is writable or already COW, preserved verbatim otherwise.
// Both the child's and (when downgrading) the parent's own mapping are
// rewritten to U|P|COW, so a subsequent write by either side faults and
// is resolved by CowPageFault.
func duppage(pool *mem.Pool, vm *vmsys.Layer, parent, child *env.Env, va uint32, pte mem.Pa_t) error {
	perm := pte & (mem.PTE_U | mem.PTE_W | mem.PTE_COW)
	if perm&(mem.PTE_W|mem.PTE_COW) != 0 {
		newPerm := mem.PTE_P | mem.PTE_U | mem.PTE_COW
		if err := vm.PageMap(parent.Id, va, child.Id, va, newPerm, parent); err != 0 {
			return err
		}
		if err := vm.PageMap(parent.Id, va, parent.Id, va, newPerm, parent); err != 0 {
			return err
		}
		return nil
	}
	newPerm := mem.PTE_P | (perm & mem.PTE_U)
	if err := vm.PageMap(parent.Id, va, child.Id, va, newPerm, parent); err != 0 {
		return err
	}
	return nil
}
