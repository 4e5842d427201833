package trap

import (
	"nucleus/src/defs"
	"nucleus/src/env"
	"nucleus/src/mem"
	"nucleus/src/sched"
)

// pageFaultHandler implements spec §4.5: on a user-mode page fault, build
// a UTrapframe on the user exception stack and redirect execution to the
// registered upcall. A fault with no upcall installed, or one that fails
// the write/read validation below, destroys the env.
func (k *Kernel) pageFaultHandler(c *sched.CPU, faultVA uint32) {
	e := c.Curenv
	tf := e.Trapframe

	if e.PgfaultUpcall == 0 {
		k.destroyCurrent(c)
		return
	}

	nested := tf.Esp >= defs.USTACKTOP && tf.Esp < defs.UXSTACKTOP
	var top uint32
	if nested {
		top = tf.Esp - 4 // reserve the scratch word the ret-trick needs
	} else {
		top = defs.UXSTACKTOP
	}

	frameBase := top - 4*defs.UTrapframeWords
	ut := defs.UTrapframe{
		FaultVa: faultVA,
		Err:     tf.Err,
		Regs:    tf.Regs,
		Eip:     tf.Eip,
		Eflags:  tf.Eflags,
		Esp:     tf.Esp,
	}

	if !k.userRangeWritable(e, frameBase, uint32(4*defs.UTrapframeWords)) ||
		!k.userPageReadable(e, e.PgfaultUpcall) {
		k.destroyCurrent(c)
		return
	}

	k.writeUTrapframe(e, frameBase, ut)

	e.Trapframe.Esp = frameBase
	e.Trapframe.Eip = e.PgfaultUpcall
}

// userRangeWritable checks U+W+P over every page touched by [va, va+n).
func (k *Kernel) userRangeWritable(e *env.Env, va, n uint32) bool {
	start := va &^ (mem.PGSIZE - 1)
	end := (va + n + mem.PGSIZE - 1) &^ (mem.PGSIZE - 1)
	for cur := start; cur < end; cur += mem.PGSIZE {
		pte, ok := k.Pool.PageLookup(e.Pgdir, uintptr(cur))
		if !ok || *pte&(mem.PTE_U|mem.PTE_W) != mem.PTE_U|mem.PTE_W {
			return false
		}
	}
	return true
}

// userPageReadable checks U+P on the page containing va.
func (k *Kernel) userPageReadable(e *env.Env, va uint32) bool {
	page := va &^ (mem.PGSIZE - 1)
	pte, ok := k.Pool.PageLookup(e.Pgdir, uintptr(page))
	if !ok || *pte&mem.PTE_U == 0 {
		return false
	}
	return true
}

// writeUTrapframe pushes the UTrapframe's 13 words into the env's user
// memory starting at base, in the field order spec §4.5 mandates.
func (k *Kernel) writeUTrapframe(e *env.Env, base uint32, ut defs.UTrapframe) {
	words := [defs.UTrapframeWords]uint32{
		ut.FaultVa, ut.Err,
		ut.Regs.Edi, ut.Regs.Esi, ut.Regs.Ebp, ut.Regs.Oesp,
		ut.Regs.Ebx, ut.Regs.Edx, ut.Regs.Ecx, ut.Regs.Eax,
		ut.Eip, ut.Eflags, ut.Esp,
	}
	for i, w := range words {
		k.writeUserWord(e, base+uint32(i*4), w)
	}
}

func (k *Kernel) writeUserWord(e *env.Env, va uint32, val uint32) {
	pte, ok := k.Pool.PageLookup(e.Pgdir, uintptr(va&^(mem.PGSIZE-1)))
	if !ok {
		panic("writeUserWord: unmapped after validation")
	}
	b := k.Pool.Bytes(*pte&mem.PGMASK | mem.Pa_t(va%mem.PGSIZE))
	b[0] = byte(val)
	b[1] = byte(val >> 8)
	b[2] = byte(val >> 16)
	b[3] = byte(val >> 24)
}
