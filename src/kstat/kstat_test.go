package kstat

import (
	"strings"
	"testing"
	"time"
)

func TestRecordRunAndHaltAccumulatePerCPU(t *testing.T) {
	c := New()
	c.RecordRun(0)
	c.RecordRun(0)
	c.RecordRun(1)
	c.RecordHalt(1)

	if c.cpuRuns[0] != 2 {
		t.Errorf("cpuRuns[0] = %d, want 2", c.cpuRuns[0])
	}
	if c.cpuRuns[1] != 1 {
		t.Errorf("cpuRuns[1] = %d, want 1", c.cpuRuns[1])
	}
	if c.cpuHalts[1] != 1 {
		t.Errorf("cpuHalts[1] = %d, want 1", c.cpuHalts[1])
	}
}

func TestRecordIRQAndIPC(t *testing.T) {
	c := New()
	c.RecordIRQ(32)
	c.RecordIRQ(32)
	c.RecordIPCSend()
	c.RecordIPCRecv()
	c.RecordIPCRecv()

	if c.irqs[32] != 2 {
		t.Errorf("irqs[32] = %d, want 2", c.irqs[32])
	}
	if c.ipcSends != 1 {
		t.Errorf("ipcSends = %d, want 1", c.ipcSends)
	}
	if c.ipcRecvs != 2 {
		t.Errorf("ipcRecvs = %d, want 2", c.ipcRecvs)
	}
}

func TestDumpFormatsTotals(t *testing.T) {
	c := New()
	c.RecordRun(0)
	c.RecordRun(1)
	c.RecordHalt(0)
	c.RecordIPCSend()

	got := c.Dump()
	for _, want := range []string{"runs=2", "halts=1", "ipc_sends=1", "ipc_recvs=0"} {
		if !strings.Contains(got, want) {
			t.Errorf("Dump() = %q, want substring %q", got, want)
		}
	}
}

func TestSnapshotOneSamplePerCPU(t *testing.T) {
	c := New()
	c.RecordRun(0)
	c.RecordRun(1)
	c.RecordHalt(2)

	prof := c.Snapshot(time.Unix(0, 1000))
	if len(prof.Sample) != 3 {
		t.Fatalf("got %d samples, want 3 (one per distinct cpu)", len(prof.Sample))
	}
	if len(prof.SampleType) != 2 || prof.SampleType[0].Type != "runs" || prof.SampleType[1].Type != "halts" {
		t.Errorf("unexpected SampleType: %+v", prof.SampleType)
	}
	if prof.TimeNanos != 1000 {
		t.Errorf("TimeNanos = %d, want 1000", prof.TimeNanos)
	}
}

func TestSnapshotEmptyCountersNoSamples(t *testing.T) {
	c := New()
	prof := c.Snapshot(time.Unix(0, 0))
	if len(prof.Sample) != 0 {
		t.Errorf("got %d samples from empty counters, want 0", len(prof.Sample))
	}
}

func TestDisassembleFaultDecodesNop(t *testing.T) {
	// 0x90 is NOP on x86; x86asm should decode it cleanly regardless of mode.
	got := DisassembleFault([]byte{0x90}, 0)
	if strings.Contains(got, "undecodable") {
		t.Errorf("DisassembleFault(NOP) = %q, want a decoded instruction", got)
	}
}

func TestDisassembleFaultReportsUndecodable(t *testing.T) {
	got := DisassembleFault([]byte{}, 0) // no bytes to decode
	if !strings.Contains(got, "undecodable") {
		t.Errorf("DisassembleFault(empty) = %q, want an undecodable report", got)
	}
}
