// Package kstat is the kernel's diagnostics surface: per-CPU/per-env
// counters, a pprof-profile export of scheduler activity, x/text-formatted
// stats dumps, and a disassembly-assisted panic/destroy print for the
// trap dispatcher's "otherwise: print trapframe" path (spec §4.4).
//
// This generalizes the teacher's own `stats` package (a dedicated
// counters module alongside the kernel) from raw PMC sampling — out of
// scope here, since device/driver access is external — to the
// scheduler-observable counters the core itself produces.
package kstat

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	googlepprof "github.com/google/pprof/profile"
)

// Counters tracks per-CPU run/halt counts and kernel-wide IRQ/IPC totals.
type Counters struct {
	mu       sync.Mutex
	cpuRuns  map[int]int64
	cpuHalts map[int]int64
	irqs     map[int]int64
	ipcSends int64
	ipcRecvs int64
}

// New builds an empty counter set.
func New() *Counters {
	return &Counters{
		cpuRuns:  make(map[int]int64),
		cpuHalts: make(map[int]int64),
		irqs:     make(map[int]int64),
	}
}

func (c *Counters) RecordRun(cpu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cpuRuns[cpu]++
}

func (c *Counters) RecordHalt(cpu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cpuHalts[cpu]++
}

func (c *Counters) RecordIRQ(vec int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irqs[vec]++
}

func (c *Counters) RecordIPCSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ipcSends++
}

func (c *Counters) RecordIPCRecv() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ipcRecvs++
}

// Dump formats a human-readable stats line using an x/text message
// printer so large counters get thousands separators, the same cosmetic
// role x/text plays pulled into the teacher's own module.
func (c *Counters) Dump() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := message.NewPrinter(language.English)
	var totalRuns, totalHalts int64
	for _, n := range c.cpuRuns {
		totalRuns += n
	}
	for _, n := range c.cpuHalts {
		totalHalts += n
	}
	return p.Sprintf("runs=%d halts=%d ipc_sends=%d ipc_recvs=%d\n",
		totalRuns, totalHalts, c.ipcSends, c.ipcRecvs)
}

// Snapshot encodes the current counters into a pprof profile with one
// sample per CPU, so cmd/kernel can dump scheduler activity to a file a
// standard pprof viewer can open — the scheduler-observable analogue of
// the teacher's bprof_t/perfsetup PMC profiling path.
func (c *Counters) Snapshot(now time.Time) *googlepprof.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()

	runsType := &googlepprof.ValueType{Type: "runs", Unit: "count"}
	haltsType := &googlepprof.ValueType{Type: "halts", Unit: "count"}
	prof := &googlepprof.Profile{
		SampleType: []*googlepprof.ValueType{runsType, haltsType},
		TimeNanos:  now.UnixNano(),
	}

	loc := &googlepprof.Location{ID: uint64(1)}
	prof.Location = []*googlepprof.Location{loc}

	for cpu := range union(c.cpuRuns, c.cpuHalts) {
		prof.Sample = append(prof.Sample, &googlepprof.Sample{
			Location: []*googlepprof.Location{loc},
			Value:    []int64{c.cpuRuns[cpu], c.cpuHalts[cpu]},
			Label:    map[string][]string{"cpu": {fmt.Sprintf("%d", cpu)}},
		})
	}
	return prof
}

func union(a, b map[int]int64) map[int]bool {
	u := make(map[int]bool)
	for k := range a {
		u[k] = true
	}
	for k := range b {
		u[k] = true
	}
	return u
}

// DisassembleFault decodes the instruction at code[off:] using
// golang.org/x/arch/x86/x86asm so the trap dispatcher's unhandled-trap
// print (spec §4.4) can show a real disassembly line instead of a bare
// hex dump. mode is 32 for this core's protected-mode target.
func DisassembleFault(code []byte, off int) string {
	inst, err := x86asm.Decode(code[off:], 32)
	if err != nil {
		return fmt.Sprintf("<undecodable: %v>", err)
	}
	return x86asm.GNUSyntax(inst, 0, nil)
}
