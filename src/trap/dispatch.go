package trap

import (
	"fmt"
	"sync/atomic"

	"nucleus/src/defs"
	"nucleus/src/env"
	"nucleus/src/ipc"
	"nucleus/src/mem"
	"nucleus/src/sched"
)

// Syscall is the signature the syscall dispatch layer (src/syscall)
// implements; trap only needs to route vector 48 into it. Kept as a
// function value here (rather than importing src/syscall directly) to
// avoid a dependency cycle, since src/syscall itself calls back into
// trap's BKL-free helpers.
type Syscall func(curenv *env.Env, num, a1, a2, a3, a4, a5 uint32) defs.Err_t

// Kernel wires the trap dispatcher to the collaborating layers: the env
// table, the scheduler, IPC, and the syscall router.
type Kernel struct {
	BKL      *BKL
	Envs     *env.Table
	Sched    *sched.Scheduler
	Pool     *mem.Pool
	IPC      *ipc.Rendezvous
	Dispatch Syscall

	cpuStatus []int32 // atomic CPUStatus per CPU
	panicked  int32
}

// NewKernel allocates per-CPU status words, all STARTED.
func NewKernel(bkl *BKL, envs *env.Table, s *sched.Scheduler, pool *mem.Pool, rv *ipc.Rendezvous, dispatch Syscall, ncpu int) *Kernel {
	return &Kernel{
		BKL: bkl, Envs: envs, Sched: s, Pool: pool, IPC: rv, Dispatch: dispatch,
		cpuStatus: make([]int32, ncpu),
	}
}

// Panic marks the machine panicked; every CPU's next kernel entry halts.
func (k *Kernel) Panic(format string, args ...any) {
	atomic.StoreInt32(&k.panicked, 1)
	panic(fmt.Sprintf(format, args...))
}

func fromUser(cs uint16) bool { return cs&0x3 == defs.DPL_USER }

// Enter runs the trap() entry sequence (spec §4.4, steps 1-7) for one
// incoming trap on CPU c, given the hardware-pushed trapframe tf and
// (for page faults) the faulting address cr2. It returns the Dispatch the
// scheduler produced, if any — the caller (cmd/kernel's per-CPU loop) is
// responsible for the iret tail once this returns.
func (k *Kernel) Enter(c *sched.CPU, tf defs.Trapframe, cr2 uint32) sched.Dispatch {
	tf.Eflags &^= 1 << 10 // clear DF

	if atomic.LoadInt32(&k.panicked) != 0 {
		return sched.Dispatch{Halt: true}
	}

	wasHalted := atomic.SwapInt32(&k.cpuStatus[c.ID], int32(StatusStarted)) == int32(StatusHalted)
	fromU := fromUser(tf.Cs)

	// A halted CPU is always in kernel mode (it woke from hlt), so these
	// two conditions never hold at once; acquiring once here rather than
	// once per branch avoids deadlocking the weight-1 BKL semaphore against
	// itself. An IRQ that interrupts an already-kernel-mode CPU (neither
	// condition true) finds the BKL already held by that context and must
	// not acquire it again.
	acquired := wasHalted || fromU
	if acquired {
		k.BKL.Acquire()
	}

	if fromU {
		if c.Curenv == nil {
			k.Panic("trap: user-mode entry with no curenv")
		}
		if c.Curenv.Status == defs.ENV_DYING {
			// reapSelf clears c.Curenv: the trapframe copy and dispatch
			// below both assume a live curenv, so stop here (spec §4.4
			// step 5 / scenario 6) rather than falling through to them.
			k.reapSelf(c)
			d := k.Sched.Yield(c)
			if acquired {
				k.BKL.Release()
			}
			return d
		}
		c.Curenv.Trapframe = tf
	}

	k.trapDispatch(c, tf, cr2)

	var d sched.Dispatch
	if c.Curenv != nil && c.Curenv.Status == defs.ENV_RUNNING {
		d = sched.Dispatch{Env: c.Curenv}
		k.Sched.EnvRun(c, c.Curenv)
	} else {
		d = k.Sched.Yield(c)
	}

	// Release right where the real env_pop_tf tail (resuming d.Env) or
	// sched_halt (d.Halt) would drop the lock just before leaving kernel
	// mode — the only two ways Enter ever hands control back out.
	if acquired {
		k.BKL.Release()
	}
	return d
}

// reapSelf frees a DYING curenv on its own CPU and yields — the only path
// through which a cross-CPU destroy (which sets DYING and returns,
// spec §4.1) is actually completed.
func (k *Kernel) reapSelf(c *sched.CPU) {
	e := c.Curenv
	k.Envs.Free(e)
	c.Curenv = nil
}

func (k *Kernel) trapDispatch(c *sched.CPU, tf defs.Trapframe, cr2 uint32) {
	switch tf.Trapno {
	case defs.T_BRKPT:
		// Interactive monitor entry; out of scope for the core.
		return
	case defs.T_PGFLT:
		k.pageFaultHandler(c, cr2)
	case defs.T_SYSCALL:
		regs := c.Curenv.Trapframe.Regs
		ret := k.Dispatch(c.Curenv, regs.Eax, regs.Edx, regs.Ecx, regs.Ebx, regs.Edi, regs.Esi)
		c.Curenv.Trapframe.Regs.Eax = uint32(int32(ret))
	case uint32(defs.IRQVec(defs.IRQ_TIMER)):
		// lapic_eoi() is an out-of-scope driver call. Demote curenv back to
		// RUNNABLE and let Enter's post-dispatch step do the actual Yield
		// (spec §4.3/§4.4 step 7) — calling Yield here too would dispatch
		// twice and double-bump the chosen env's run counter.
		if c.Curenv != nil {
			c.Curenv.Status = defs.ENV_RUNNABLE
		}
	case uint32(defs.IRQVec(defs.IRQ_SPURIOUS)):
		fmt.Println("trap: spurious IRQ")
	case uint32(defs.IRQVec(defs.IRQ_KBD)), uint32(defs.IRQVec(defs.IRQ_SERIAL)):
		// Driver handler is an out-of-scope collaborator; resume.
	default:
		fmt.Printf("trap: unhandled vector %d, eip=%#x\n", tf.Trapno, tf.Eip)
		if !fromUser(tf.Cs) {
			k.Panic("unhandled trap in kernel mode")
		}
		k.destroyCurrent(c)
	}
}

func (k *Kernel) destroyCurrent(c *sched.CPU) {
	e := c.Curenv
	k.Envs.Destroy(e, true, k.reapDyingChildren)
	c.Curenv = nil
}

func (k *Kernel) reapDyingChildren(parent int32) {
	for i := range k.Envs.All() {
		e := &k.Envs.All()[i]
		if e.Status == defs.ENV_DYING && e.ParentId == parent {
			k.Envs.Free(e)
		}
	}
}
