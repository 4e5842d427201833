// Package syscall implements the Syscall Dispatch layer (SYS, spec §4.4
// ABI + §6): number-to-handler routing and the register argument
// convention.
package syscall

import (
	"fmt"

	"nucleus/src/defs"
	"nucleus/src/env"
	"nucleus/src/ipc"
	"nucleus/src/mem"
	"nucleus/src/mlog"
	"nucleus/src/vmsys"
)

// Console is the minimal out-of-scope console collaborator sys_cputs and
// sys_cgetc depend on (spec §1: console I/O is external).
type Console interface {
	Puts(s string)
	Getc() (byte, bool)
}

// Router dispatches by syscall number to the VM, IPC, env, and console
// layers. Its Dispatch method matches the trap.Syscall function type.
type Router struct {
	Envs    *env.Table
	VM      *vmsys.Layer
	IPC     *ipc.Rendezvous
	Console Console
	Pool    *mem.Pool

	// DestroyEnv is supplied by cmd/kernel so sys_env_destroy can route
	// through the same cross-CPU-aware Destroy path trap's unhandled-fault
	// case uses, without syscall importing sched/trap and creating a cycle.
	DestroyEnv func(target *env.Env, onCurrentCPU bool)
	CurrentCPU func(e *env.Env) bool
}

// Dispatch routes one syscall. eax holds the number; edx, ecx, ebx, edi,
// esi hold up to five arguments; the return value is written to eax by
// the caller (trap.Kernel.trapDispatch).
//
// Spec §9 flags a latent ABI inconsistency in the original kernel: one
// code path reads edx twice (as both a1 and a4) while the syscall
// trampoline itself uses (edx, ecx, ebx, edi, esi). This dispatcher does
// not reproduce that quirk: a1..a5 below follow the trampoline's
// convention on every path.
func (r *Router) Dispatch(curenv *env.Env, num, a1, a2, a3, a4, a5 uint32) defs.Err_t {
	switch num {
	case defs.SYS_cputs:
		return r.sysCputs(curenv, a1, a2)
	case defs.SYS_cgetc:
		return r.sysCgetc()
	case defs.SYS_getenvid:
		return defs.Err_t(curenv.Id)
	case defs.SYS_env_destroy:
		return r.sysEnvDestroy(curenv, int32(a1))
	case defs.SYS_yield:
		return 0 // trap.Enter's post-dispatch check drives the actual yield
	case defs.SYS_exofork:
		return r.sysExofork(curenv)
	case defs.SYS_env_set_status:
		return r.VM.EnvSetStatus(int32(a1), curenv, defs.EnvStatus(a2))
	case defs.SYS_env_set_pgfault_upcall:
		return r.VM.EnvSetPgfaultUpcall(int32(a1), curenv, a2)
	case defs.SYS_page_alloc:
		return r.VM.PageAlloc(int32(a1), curenv, a2, mem.Pa_t(a3))
	case defs.SYS_page_map:
		return r.VM.PageMap(int32(a1), a2, int32(a3), a4, mem.Pa_t(a5), curenv)
	case defs.SYS_page_unmap:
		return r.VM.PageUnmap(int32(a1), curenv, a2)
	case defs.SYS_ipc_try_send:
		return r.sysIPCTrySend(curenv, int32(a1), a2, a3, mem.Pa_t(a4))
	case defs.SYS_ipc_recv:
		return r.IPC.Recv(curenv, a1)
	case defs.SYS_env_set_trapframe:
		return r.sysEnvSetTrapframe(curenv, int32(a1), a2)
	default:
		return defs.INVAL
	}
}

func (r *Router) sysCputs(curenv *env.Env, va, length uint32) defs.Err_t {
	buf := make([]byte, length)
	for i := uint32(0); i < length; i++ {
		pte, ok := r.Pool.PageLookup(curenv.Pgdir, uintptr((va+i)&^(mem.PGSIZE-1)))
		if !ok || *pte&mem.PTE_U == 0 {
			return defs.INVAL
		}
		b := r.Pool.Bytes(*pte&mem.PGMASK | mem.Pa_t((va+i)%mem.PGSIZE))
		buf[i] = b[0]
	}
	r.Console.Puts(string(buf))
	return 0
}

func (r *Router) sysCgetc() defs.Err_t {
	c, ok := r.Console.Getc()
	if !ok {
		return 0
	}
	return defs.Err_t(c)
}

func (r *Router) sysEnvDestroy(curenv *env.Env, target int32) defs.Err_t {
	e, err := r.Envs.Lookup(target, true, curenv)
	if err != 0 {
		return err
	}
	onCurrent := r.CurrentCPU(e)
	if e == curenv {
		mlog.Exiting(uint32(e.Id))
	} else {
		fmt.Printf("[%08x] destroying %08x\n", uint32(curenv.Id), uint32(e.Id))
	}
	r.DestroyEnv(e, onCurrent)
	return 0
}

func (r *Router) sysExofork(curenv *env.Env) defs.Err_t {
	child, err := r.Envs.Alloc(curenv.Id)
	if err != 0 {
		return err
	}
	child.Status = defs.ENV_NOT_RUNNABLE
	child.Trapframe = curenv.Trapframe
	child.Trapframe.Regs.Eax = 0 // child observes a return value of 0
	return defs.Err_t(child.Id)
}

func (r *Router) sysIPCTrySend(curenv *env.Env, dstid int32, value, srcva uint32, perm mem.Pa_t) defs.Err_t {
	return r.IPC.TrySend(curenv, dstid, value, srcva, perm)
}

func (r *Router) sysEnvSetTrapframe(curenv *env.Env, target int32, tfva uint32) defs.Err_t {
	e, err := r.Envs.Lookup(target, true, curenv)
	if err != 0 {
		return err
	}
	tf, ok := r.readTrapframe(curenv, tfva)
	if !ok {
		return defs.INVAL
	}
	return r.VM.EnvSetTrapframe(e.Id, curenv, tf)
}

// readTrapframe copies a defs.Trapframe out of the caller's user memory at
// tfva. Real hardware would let the kernel dereference the (already
// validated) user pointer directly; here we walk the page table
// explicitly since there is no MMU backing this process's address space.
func (r *Router) readTrapframe(curenv *env.Env, tfva uint32) (defs.Trapframe, bool) {
	var tf defs.Trapframe
	sz := uint32(unsafeSizeofTrapframe)
	raw := make([]byte, sz)
	for i := uint32(0); i < sz; i++ {
		pte, ok := r.Pool.PageLookup(curenv.Pgdir, uintptr((tfva+i)&^(mem.PGSIZE-1)))
		if !ok || *pte&mem.PTE_U == 0 {
			return tf, false
		}
		b := r.Pool.Bytes(*pte&mem.PGMASK | mem.Pa_t((tfva+i)%mem.PGSIZE))
		raw[i] = b[0]
	}
	return decodeTrapframe(raw), true
}
