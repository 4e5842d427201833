package trap

import "nucleus/src/defs"

// GateType distinguishes interrupt gates (which clear IF on entry) from
// trap gates (which don't). Every IDT entry here is an interrupt gate —
// spec §4.4 requires IF to be clear on every kernel entry, exception or
// interrupt alike, since user mode always runs with IF=1.
type GateType int

const (
	InterruptGate GateType = iota
)

// Gate describes one IDT entry's dispatch-relevant fields. The actual
// GDT/IDT hardware encoding (selector, offset split across three fields,
// present bit) is an out-of-scope collaborator (spec §1); this is the
// subset TRAP's own logic and cmd/lockcheck's static checks care about.
type Gate struct {
	Vector int
	Type   GateType
	DPL    int // 0 or 3
}

// IDT is the fixed table of gates the core installs. Exceptions 0..19 are
// DPL=0 except the breakpoint (user int3 must be allowed); the syscall
// vector and every external IRQ are DPL=3 so user mode can "interrupt"
// into them without a prior privilege fault (spec §4.4).
var IDT = buildIDT()

func buildIDT() []Gate {
	var gates []Gate
	for v := 0; v <= 19; v++ {
		dpl := defs.DPL_KERNEL
		if v == defs.T_BRKPT {
			dpl = defs.DPL_USER
		}
		gates = append(gates, Gate{Vector: v, Type: InterruptGate, DPL: dpl})
	}
	gates = append(gates, Gate{Vector: defs.T_SYSCALL, Type: InterruptGate, DPL: defs.DPL_USER})
	for _, irq := range []int{defs.IRQ_TIMER, defs.IRQ_KBD, defs.IRQ_SERIAL, defs.IRQ_SPURIOUS, defs.IRQ_IDE, defs.IRQ_ERROR} {
		gates = append(gates, Gate{Vector: defs.IRQVec(irq), Type: InterruptGate, DPL: defs.DPL_USER})
	}
	return gates
}

// TSSFor describes the per-CPU TSS fields the core depends on (spec
// §4.4): esp0 points at that CPU's kernel stack top, ss0 is the kernel
// data selector, and the IO permission bitmap offset is set out of range
// to deny user I/O entirely (FS envs get I/O access via IOPL instead, not
// the TSS bitmap).
type TSS struct {
	Selector uint16
	Esp0     uint32
	Ss0      uint16
	IOMB     uint16 // out-of-range value denies all port I/O
}

const iombDenyAll = 0xFFFF

// NewTSS builds the TSS descriptor for CPU cpu, whose kernel stack top is
// KSTACKTOP - cpu*(KSTKSIZE+KSTKGAP).
func NewTSS(cpu int) TSS {
	top := defs.KSTACKTOP - cpu*(defs.KSTKSIZE+defs.KSTKGAP)
	return TSS{
		Selector: defs.TSSSel(cpu),
		Esp0:     uint32(top),
		Ss0:      defs.GD_KD,
		IOMB:     iombDenyAll,
	}
}
