// Package ipc implements the synchronous IPC rendezvous (spec §4.6):
// blocking receive, non-blocking try-send with an optional single-page
// transfer, and no queueing.
package ipc

import (
	"nucleus/src/defs"
	"nucleus/src/env"
	"nucleus/src/mem"
)

// Rendezvous ties the IPC syscalls to the env table and frame pool. A
// receiver that blocks is reported to the caller only via Status
// transitioning to NOT_RUNNABLE; trap.Enter's post-dispatch check (status
// != RUNNING → Sched.Yield) is what actually takes the receiver off the
// CPU (spec §4.6: ipc_recv never returns to its own caller directly).
type Rendezvous struct {
	Envs *env.Table
	Pool *mem.Pool
}

// Recv services sys_ipc_recv: validate dstva, mark the caller blocked and
// not runnable, and report INVAL synchronously if dstva was misaligned.
// The caller's eventual return value (0 on success, or a send-time error)
// is written into its own trapframe.eax by the matching Send call; this
// function never returns a value the caller observes as its own syscall
// result on the success path; it returns immediately only on the INVAL
// fast-path rejection.
func (r *Rendezvous) Recv(e *env.Env, dstva uint32) defs.Err_t {
	if dstva < defs.UTOP && dstva%mem.PGSIZE != 0 {
		return defs.INVAL
	}
	if dstva >= defs.UTOP {
		e.IpcDstva = defs.UTOP
	} else {
		e.IpcDstva = dstva
	}
	e.IpcRecving = true
	e.Status = defs.ENV_NOT_RUNNABLE
	return 0
}

// TrySend services sys_ipc_try_send. Any env may message any env: dstid
// is resolved without a permission check (spec §4.6).
func (r *Rendezvous) TrySend(sender *env.Env, dstid int32, value uint32, srcva uint32, perm mem.Pa_t) defs.Err_t {
	dst, err := r.Envs.Lookup(dstid, false, sender)
	if err != 0 {
		return err
	}
	if !dst.IpcRecving {
		return defs.IPC_NOT_RECV
	}

	dst.IpcPerm = 0
	if srcva < defs.UTOP && dst.IpcDstva < defs.UTOP {
		if srcva%mem.PGSIZE != 0 {
			return defs.INVAL
		}
		if perm&mem.PTE_P == 0 || perm&mem.PTE_U == 0 || perm&^mem.SyscallPermMask != 0 {
			return defs.INVAL
		}
		pte, ok := r.Pool.PageLookup(sender.Pgdir, uintptr(srcva))
		if !ok {
			return defs.INVAL
		}
		if perm&mem.PTE_W != 0 && *pte&mem.PTE_W == 0 {
			return defs.INVAL
		}
		pa := *pte & mem.PGMASK
		if !r.Pool.PageInsert(dst.Pgdir, pa, uintptr(dst.IpcDstva), perm) {
			return defs.NO_MEM
		}
		dst.IpcPerm = perm
	}

	dst.IpcFrom = sender.Id
	dst.IpcValue = value
	dst.IpcRecving = false
	dst.Status = defs.ENV_RUNNABLE
	dst.Trapframe.Regs.Eax = 0
	return 0
}
