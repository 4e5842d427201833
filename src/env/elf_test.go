package env

import (
	"bytes"
	"encoding/binary"
	"testing"

	"nucleus/src/defs"
	"nucleus/src/mem"
)

// buildELF32 hand-assembles a minimal little-endian 32-bit ELF executable
// with exactly one PT_LOAD segment, so loadICode can be exercised without a
// real toolchain-built fixture binary (the role chentry.go played for the
// teacher's own test fixtures).
func buildELF32(t *testing.T, vaddr uint32, data []byte, entry uint32) []byte {
	t.Helper()
	const ehsize = 52
	const phsize = 32

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0})
	buf.Write(make([]byte, 8)) // e_ident padding

	hdr := struct {
		Type, Machine         uint16
		Version               uint32
		Entry, Phoff, Shoff   uint32
		Flags                 uint32
		Ehsize, Phentsize     uint16
		Phnum, Shentsize      uint16
		Shnum, Shstrndx       uint16
	}{
		Type: 2, Machine: 3, Version: 1,
		Entry: entry, Phoff: ehsize, Shoff: 0,
		Ehsize: ehsize, Phentsize: phsize, Phnum: 1,
	}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatalf("write ehdr: %v", err)
	}

	dataOff := uint32(ehsize + phsize)
	ph := struct {
		Type, Offset                 uint32
		Vaddr, Paddr                 uint32
		Filesz, Memsz                uint32
		Flags, Align                 uint32
	}{
		Type: 1, Offset: dataOff, Vaddr: vaddr, Paddr: vaddr,
		Filesz: uint32(len(data)), Memsz: uint32(len(data)), Flags: 5, Align: mem.PGSIZE,
	}
	if err := binary.Write(&buf, binary.LittleEndian, ph); err != nil {
		t.Fatalf("write phdr: %v", err)
	}
	buf.Write(data)
	return buf.Bytes()
}

func elfTestTable(t *testing.T) *Table {
	return newTestTableSized(t, 64)
}

func TestCreateLoadsSegmentAndSetsEntry(t *testing.T) {
	tbl := elfTestTable(t)
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	const vaddr = 0x800000
	const entry = vaddr + 1

	img := buildELF32(t, vaddr, payload, entry)
	e, err := tbl.Create(img, defs.ENV_TYPE_USER)
	if err != 0 {
		t.Fatalf("Create: %v", err)
	}
	if e.Trapframe.Eip != entry {
		t.Errorf("Eip = %#x, want %#x", e.Trapframe.Eip, entry)
	}

	pte, ok := tbl.Pool.PageLookup(e.Pgdir, uintptr(vaddr))
	if !ok {
		t.Fatal("PT_LOAD segment was not mapped into the env's directory")
	}
	got := tbl.Pool.Bytes(*pte&mem.PGMASK | mem.Pa_t(vaddr%mem.PGSIZE))
	if !bytes.Equal(got[:len(payload)], payload) {
		t.Errorf("segment contents = %x, want %x", got[:len(payload)], payload)
	}
}

func TestCreateFSTypeGetsIOPL(t *testing.T) {
	tbl := elfTestTable(t)
	img := buildELF32(t, 0x800000, []byte{0x90}, 0x800000)
	e, err := tbl.Create(img, defs.ENV_TYPE_FS)
	if err != 0 {
		t.Fatalf("Create: %v", err)
	}
	if e.Trapframe.Eflags&defs.FL_IOPL == 0 {
		t.Error("FS-type env did not get IOPL=3")
	}
}

func TestCreateAllocatesStackPage(t *testing.T) {
	tbl := elfTestTable(t)
	img := buildELF32(t, 0x800000, []byte{0x90}, 0x800000)
	e, err := tbl.Create(img, defs.ENV_TYPE_USER)
	if err != 0 {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := tbl.Pool.PageLookup(e.Pgdir, uintptr(defs.USTACKTOP-mem.PGSIZE)); !ok {
		t.Error("initial user stack page was not mapped")
	}
}

func TestCreateRejectsBadMagic(t *testing.T) {
	tbl := elfTestTable(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on malformed ELF magic")
		}
	}()
	tbl.Create([]byte("not an elf file"), defs.ENV_TYPE_USER)
}
