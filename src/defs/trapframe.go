package defs

// GeneralRegs mirrors the layout pusha/popa expect, eax last so that
// syscall return values can be written to tf.Regs.Eax without touching
// anything else.
type GeneralRegs struct {
	Edi, Esi, Ebp, Oesp, Ebx, Edx, Ecx, Eax uint32
}

// Trapframe is wire-exact with what the CPU pushes on a privilege-changing
// interrupt (Eip..Ss) plus the segment registers and general registers the
// entry stub pushes above it (spec §3). Field order matters: this is
// exactly the layout the (out-of-scope) entry stubs and env_pop_tf must
// agree on bit-for-bit.
type Trapframe struct {
	Regs GeneralRegs

	Es uint16
	_  uint16
	Ds uint16
	_  uint16

	Trapno uint32
	Err    uint32

	// Hardware-pushed region: Eip, Cs and Eflags are pushed on every trap;
	// Esp and Ss only on a privilege-changing one, per the 32-bit
	// protected-mode iret frame.
	Eip    uint32
	Cs     uint16
	_      uint16
	Eflags uint32
	Esp    uint32
	Ss     uint16
	_      uint16
}

// NewUserTrapframe builds the initial trapframe for a freshly allocated
// environment: RPL=3 segment selectors, esp at USTACKTOP, IF set so the
// env runs with interrupts enabled in user mode.
func NewUserTrapframe(eip uint32) Trapframe {
	return Trapframe{
		Ds: GD_UD | DPL_USER,
		Es: GD_UD | DPL_USER,
		Cs: GD_UT | DPL_USER,
		Ss: GD_UD | DPL_USER,
		Esp: USTACKTOP,
		Eip: eip,
		Eflags: FL_IF,
	}
}

// ForceUserSegments normalizes a trapframe supplied by env_set_trapframe:
// RPL=3 on every segment, IF set, IOPL=0 (spec §4.2). The caller's esp is
// left untouched — they have already arranged the target stack.
func ForceUserSegments(tf Trapframe) Trapframe {
	tf.Ds = GD_UD | DPL_USER
	tf.Es = GD_UD | DPL_USER
	tf.Cs = GD_UT | DPL_USER
	tf.Ss = GD_UD | DPL_USER
	tf.Eflags |= FL_IF
	tf.Eflags &^= FL_IOPL
	return tf
}

// UTrapframe is the compact frame pushed onto the user exception stack for
// a page-fault upcall (spec §4.5). Field order is the push order in
// reverse: FaultVa is at the lowest address, Esp at the highest.
type UTrapframe struct {
	FaultVa uint32
	Err     uint32
	Regs    GeneralRegs
	Eip     uint32
	Eflags  uint32
	Esp     uint32
}

// UTrapframeWords is the frame's size in 32-bit words (13, per spec §4.5).
const UTrapframeWords = 13
