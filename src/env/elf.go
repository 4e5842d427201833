package env

import (
	"debug/elf"
	"fmt"

	"golang.org/x/mod/semver"

	"nucleus/src/defs"
	"nucleus/src/mem"
	"nucleus/src/util"
)

// KernelABI is the ABI tag this kernel build understands. load_icode logs
// (never fails on) a newer tag found in a binary's .note.abi section, per
// SPEC_FULL §2's x/mod wiring.
const KernelABI = "v1.0.0"

// Create allocates a new env with parent=0, loads an ELF image into it, and
// grants IOPL=3 to FS-type environments (spec §4.1).
func (t *Table) Create(binary []byte, typ defs.EnvType) (*Env, defs.Err_t) {
	e, err := t.Alloc(0)
	if err != 0 {
		return nil, err
	}
	e.Type = typ
	if typ == defs.ENV_TYPE_FS {
		e.Trapframe.Eflags |= defs.FL_IOPL
	}
	if loaderr := t.loadICode(e, binary); loaderr != nil {
		panic(fmt.Sprintf("load_icode: %v", loaderr))
	}
	return e, 0
}

// regionAlloc allocates user pages covering the byte range [va, va+len),
// mapped with perm, in e's own directory. Rounding is byte-addressed: va
// rounds down, va+len rounds up, and the loop condition is strictly
// `cur < ROUNDUP(va+len)` — spec §4.1 calls out the off-by-one here as a
// known bug class.
func (t *Table) regionAlloc(e *Env, va uint32, length uint32, perm mem.Pa_t) {
	start := util.Rounddown(va, uint32(mem.PGSIZE))
	end := util.Roundup(va+length, uint32(mem.PGSIZE))
	for cur := start; cur < end; cur += mem.PGSIZE {
		pa, ok := t.Pool.PageAlloc()
		if !ok {
			panic("region_alloc: out of memory")
		}
		if !t.Pool.PageInsert(e.Pgdir, pa, uintptr(cur), perm) {
			panic("region_alloc: page_insert failed")
		}
	}
}

// loadICode validates the ELF header, maps and populates every PT_LOAD
// segment, allocates the initial stack page, and sets the entry point
// (spec §4.1). Malformed ELF is fatal in the teaching setting, matching
// the original kernel's panic-on-bad-binary behavior.
func (t *Table) loadICode(e *Env, binary []byte) error {
	if len(binary) < 4 || string(binary[:4]) != "\x7fELF" {
		return fmt.Errorf("bad ELF magic")
	}
	f, err := elf.NewFile(bytesReaderAt(binary))
	if err != nil {
		return fmt.Errorf("parse ELF: %w", err)
	}

	checkABINote(f)

	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		perm := mem.PTE_U | mem.PTE_W
		t.regionAlloc(e, uint32(ph.Vaddr), uint32(ph.Memsz), perm)

		// The kernel must touch these pages to copy file contents: also
		// map them into the kernel master directory, matching the
		// dual-mapping shortcut spec §4.1 describes. Free does not remove
		// these master-directory mappings when the env is torn down.
		t.dualMapForLoad(e, uint32(ph.Vaddr), uint32(ph.Memsz), perm)

		data := make([]byte, ph.Filesz)
		if _, err := ph.ReadAt(data, 0); err != nil {
			return fmt.Errorf("read segment: %w", err)
		}
		t.copyToUser(e, uint32(ph.Vaddr), data)
		// zero-fill [Filesz, Memsz) is implicit: PageAlloc returns zeroed
		// frames and regionAlloc only ever allocates fresh frames.
	}

	// One stack page at USTACKTOP - PGSIZE.
	t.regionAlloc(e, defs.USTACKTOP-mem.PGSIZE, mem.PGSIZE, mem.PTE_U|mem.PTE_W)

	e.Trapframe.Eip = uint32(f.Entry)
	return nil
}

func checkABINote(f *elf.File) {
	sec := f.Section(".note.abi")
	if sec == nil {
		return
	}
	data, err := sec.Data()
	if err != nil || len(data) == 0 {
		return
	}
	tag := "v" + string(data)
	if !semver.IsValid(tag) {
		return
	}
	if semver.Compare(tag, KernelABI) > 0 {
		fmt.Printf("load_icode: binary ABI %s is newer than kernel ABI %s\n", tag, KernelABI)
	}
}

// dualMapForLoad additionally maps [va, va+len) into the kernel master
// directory so the kernel can memcpy the file contents in before the
// env's own directory is ever loaded into cr3 (spec §4.1, §9 design note).
func (t *Table) dualMapForLoad(e *Env, va, length uint32, perm mem.Pa_t) {
	start := util.Rounddown(va, uint32(mem.PGSIZE))
	end := util.Roundup(va+length, uint32(mem.PGSIZE))
	for cur := start; cur < end; cur += mem.PGSIZE {
		pte, ok := t.Pool.PageLookup(e.Pgdir, uintptr(cur))
		if !ok {
			continue
		}
		pa := *pte & mem.PGMASK
		t.Pool.PageInsert(t.Master, pa, uintptr(cur), perm)
	}
}

func (t *Table) copyToUser(e *Env, va uint32, data []byte) {
	off := 0
	for off < len(data) {
		pageVA := util.Rounddown(va+uint32(off), uint32(mem.PGSIZE))
		pte, ok := t.Pool.PageLookup(e.Pgdir, uintptr(pageVA))
		if !ok {
			panic("copyToUser: no mapping")
		}
		dst := t.Pool.Bytes(*pte & mem.PGMASK | mem.Pa_t((va+uint32(off))%mem.PGSIZE))
		n := mem.PGSIZE - int((va+uint32(off))%mem.PGSIZE)
		if n > len(data)-off {
			n = len(data) - off
		}
		copy(dst[:n], data[off:off+n])
		off += n
	}
}

// bytesReaderAt adapts a byte slice to io.ReaderAt for debug/elf.
type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, fmt.Errorf("EOF")
	}
	n := copy(p, b[off:])
	return n, nil
}
