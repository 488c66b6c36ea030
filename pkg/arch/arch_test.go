package arch

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"reflect"
	"testing"

	"github.com/rivosinc/humility/pkg/core"
	"github.com/rivosinc/humility/pkg/disasm"
	"github.com/rivosinc/humility/pkg/regs"
)

type fakeStruct map[string]uint32

func (s fakeStruct) MemberOffset(member string) (uint32, error) {
	off, ok := s[member]
	if !ok {
		return 0, fmt.Errorf("no member %s", member)
	}
	return off, nil
}

type fakeImage struct {
	target   string
	features map[string]bool
	syms     map[string]uint32
	dumpRegs map[regs.Register]uint64
}

func (i *fakeImage) LookupSymWord(name string) (uint32, error) {
	addr, ok := i.syms[name]
	if !ok {
		return 0, fmt.Errorf("symbol %s not found", name)
	}
	return addr, nil
}

func (i *fakeImage) Target() string                          { return i.target }
func (i *fakeImage) HasFeature(f string) bool                { return i.features[f] }
func (i *fakeImage) DumpRegisters() map[regs.Register]uint64 { return i.dumpRegs }

// fakeCore serves reads from a single memory window and a register map.
type fakeCore struct {
	base uint32
	mem  []byte
	regs map[regs.Register]uint64
}

func (c *fakeCore) Info() string { return "fake" }

func (c *fakeCore) Read8(addr uint32, buf []byte) error {
	off := int(addr) - int(c.base)
	if off < 0 || off+len(buf) > len(c.mem) {
		return core.UnmappedError{Addr: addr}
	}
	copy(buf, c.mem[off:])
	return nil
}

func (c *fakeCore) ReadWord32(addr uint32) (uint32, error) {
	var buf [4]byte
	if err := c.Read8(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (c *fakeCore) ReadReg(r regs.Register) (uint64, error) {
	v, ok := c.regs[r]
	if !ok {
		return 0, core.RegisterError{Reg: r}
	}
	return v, nil
}

func (c *fakeCore) WriteReg(regs.Register, uint64) error { return nil }
func (c *fakeCore) WriteWord32(uint32, uint32) error     { return nil }
func (c *fakeCore) Write8(uint32, []byte) error          { return nil }
func (c *fakeCore) Halt() error                          { return nil }
func (c *fakeCore) Run() error                           { return nil }
func (c *fakeCore) Step() error                          { return nil }
func (c *fakeCore) Reset() error                         { return nil }
func (c *fakeCore) OpStart() error                       { return nil }
func (c *fakeCore) OpDone() error                        { return nil }
func (c *fakeCore) InitSWV() error                       { return nil }
func (c *fakeCore) ReadSWV() ([]byte, error)             { return nil, nil }
func (c *fakeCore) Load(string) error                    { return nil }
func (c *fakeCore) IsDump() bool                         { return true }
func (c *fakeCore) Detach() error                        { return nil }

func TestFromELF(t *testing.T) {
	a, err := FromELF(elf.EM_ARM, elf.ELFCLASS32)
	if err != nil {
		t.Fatal(err)
	}
	if a.Family() != regs.ARM || a.Bits() != 32 {
		t.Errorf("EM_ARM: got %v/%d", a.Family(), a.Bits())
	}

	a, err = FromELF(elf.EM_RISCV, elf.ELFCLASS64)
	if err != nil {
		t.Fatal(err)
	}
	if a.Family() != regs.RISCV || a.Bits() != 64 {
		t.Errorf("EM_RISCV/ELFCLASS64: got %v/%d", a.Family(), a.Bits())
	}

	if _, err := FromELF(elf.EM_X86_64, elf.ELFCLASS64); err == nil {
		t.Error("EM_X86_64 should not resolve to a descriptor")
	}
}

func TestRVDwarfMapping(t *testing.T) {
	a := RV{class: elf.ELFCLASS32}
	for _, tc := range []struct {
		dwarf uint32
		want  regs.Register
	}{
		{2, regs.RiscV(regs.RV_SP)},
		{10, regs.RiscV(regs.RV_A0)},
		{33, regs.RiscV(regs.RV_F0 + 1)},
		{4096 + 0x300, regs.RiscV(regs.RV_MSTATUS)},
		{4096 + 0x7b1, regs.RiscV(regs.RV_PC)},
	} {
		got, err := a.RegisterFromDwarf(tc.dwarf)
		if err != nil {
			t.Errorf("dwarf id %d: %v", tc.dwarf, err)
			continue
		}
		if got != tc.want {
			t.Errorf("dwarf id %d: got %s, want %s", tc.dwarf, got, tc.want)
		}
	}
	if r, err := a.RegisterFromDwarf(96); err == nil {
		t.Errorf("dwarf id 96 resolved to %s, want error", r)
	}
}

func TestDisasmRegMapping(t *testing.T) {
	arm := ARM{}
	for _, tc := range []struct {
		id   disasm.Reg
		want regs.Register
	}{
		{0, regs.Arm(regs.ARM_R0)},
		{13, regs.Arm(regs.ARM_SP)},
		{15, regs.Arm(regs.ARM_PC)},
	} {
		got, err := arm.RegisterFromDisasm(tc.id)
		if err != nil || got != tc.want {
			t.Errorf("arm disasm reg %d: got %s, %v", tc.id, got, err)
		}
	}

	rv := RV{class: elf.ELFCLASS32}
	got, err := rv.RegisterFromDisasm(2)
	if err != nil || got != regs.RiscV(regs.RV_SP) {
		t.Errorf("rv disasm reg 2: got %s, %v", got, err)
	}
	if _, err := rv.RegisterFromDisasm(32); err == nil {
		t.Error("rv disasm reg 32 should not resolve")
	}
}

func TestSyscallArgReg(t *testing.T) {
	arm := ARM{}
	r, err := arm.SyscallArgReg(0)
	if err != nil || r != regs.Arm(regs.ARM_R4) {
		t.Errorf("arm arg 0: got %s, %v", r, err)
	}
	if _, err := arm.SyscallArgReg(9); err == nil {
		t.Error("arm arg 9 should be rejected")
	}

	rv := RV{class: elf.ELFCLASS32}
	r, err = rv.SyscallArgReg(3)
	if err != nil || r != regs.RiscV(regs.RV_A3) {
		t.Errorf("rv arg 3: got %s, %v", r, err)
	}
}

func TestARMPresyscallPushes(t *testing.T) {
	a := ARM{}
	// mov r0, r8; mov r1, r9; push {r0, r1, r4, r5}; push {r6}; pop {r6}
	window := []disasm.Instruction{
		{Op: disasm.OpMov, Regs: []disasm.Reg{0, 8}},
		{Op: disasm.OpMov, Regs: []disasm.Reg{1, 9}},
		{Op: disasm.OpPush, Regs: []disasm.Reg{0, 1, 4, 5}},
		{Op: disasm.OpPush, Regs: []disasm.Reg{6}},
		{Op: disasm.OpPop, Regs: []disasm.Reg{6}},
	}
	got, err := a.PresyscallPushes(window)
	if err != nil {
		t.Fatal(err)
	}
	want := []regs.Register{
		regs.Arm(regs.ARM_R8), regs.Arm(regs.ARM_R9),
		regs.Arm(regs.ARM_R4), regs.Arm(regs.ARM_R5),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRVPresyscallPushes(t *testing.T) {
	a := RV{class: elf.ELFCLASS32}
	// sw a0, ...; c.sw s1, ...
	window := []disasm.Instruction{
		{Op: disasm.OpStoreWord, Regs: []disasm.Reg{10, 2}},
		{Op: disasm.OpStoreWord, Regs: []disasm.Reg{9, 2}},
	}
	got, err := a.PresyscallPushes(window)
	if err != nil {
		t.Fatal(err)
	}
	want := []regs.Register{regs.RiscV(regs.RV_S1), regs.RiscV(regs.RV_A0)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func armSavedState() ([]byte, fakeStruct) {
	state := fakeStruct{"psp": 32}
	saved := make([]byte, 36)
	for i := 0; i < 8; i++ {
		state[fmt.Sprintf("r%d", i+4)] = uint32(i * 4)
		binary.LittleEndian.PutUint32(saved[i*4:], uint32(0x4000+i))
	}
	binary.LittleEndian.PutUint32(saved[32:], 0x20001000)
	return saved, state
}

func armExceptionStack(psr uint32) *fakeCore {
	mem := make([]byte, 32)
	for i, v := range []uint32{0x10, 0x11, 0x12, 0x13, 0xc0, 0xfffffffd, 0x08000101, psr} {
		binary.LittleEndian.PutUint32(mem[i*4:], v)
	}
	return &fakeCore{base: 0x20001000, mem: mem}
}

func TestARMReadSavedTaskRegs(t *testing.T) {
	a := ARM{}
	saved, state := armSavedState()
	img := &fakeImage{target: "thumbv7em-none-eabihf"}

	got, err := a.ReadSavedTaskRegs(saved, state, img, armExceptionStack(0x0100000f))
	if err != nil {
		t.Fatal(err)
	}

	if v := got[regs.Arm(regs.ARM_R4)]; v != 0x4000 {
		t.Errorf("r4 = %#x, want 0x4000", v)
	}
	if v := got[regs.Arm(regs.ARM_R11)]; v != 0x4007 {
		t.Errorf("r11 = %#x, want 0x4007", v)
	}
	if v := got[regs.Arm(regs.ARM_R0)]; v != 0x10 {
		t.Errorf("r0 = %#x, want 0x10", v)
	}
	if v := got[regs.Arm(regs.ARM_PC)]; v != 0x08000101 {
		t.Errorf("pc = %#x, want 0x08000101", v)
	}

	// 8 core words + 17 fp words + 1 pad word
	if v := got[regs.Arm(regs.ARM_SP)]; v != 0x20001000+26*4 {
		t.Errorf("sp = %#x, want %#x", v, 0x20001000+26*4)
	}
}

func TestARMStackRealign(t *testing.T) {
	a := ARM{}
	saved, state := armSavedState()
	img := &fakeImage{target: "thumbv6m-none-eabi"}

	// realignment bit clear: frame is exactly the 8 hardware words
	got, err := a.ReadSavedTaskRegs(saved, state, img, armExceptionStack(0x0100000f))
	if err != nil {
		t.Fatal(err)
	}
	if v := got[regs.Arm(regs.ARM_SP)]; v != 0x20001000+8*4 {
		t.Errorf("sp = %#x, want %#x", v, 0x20001000+8*4)
	}

	// realignment bit set: the hardware inserted 4 bytes of slack
	got, err = a.ReadSavedTaskRegs(saved, state, img, armExceptionStack(0x0100000f|1<<9))
	if err != nil {
		t.Fatal(err)
	}
	if v := got[regs.Arm(regs.ARM_SP)]; v != 0x20001000+8*4+4 {
		t.Errorf("sp = %#x, want %#x", v, 0x20001000+8*4+4)
	}
}

func TestRVReadSavedTaskRegs(t *testing.T) {
	a := RV{class: elf.ELFCLASS32}
	state := fakeStruct{"ra": 0, "sp": 4, "a0": 8, "pc": 12}
	saved := make([]byte, 16)
	for i, v := range []uint32{0x100, 0x20002000, 7, 0x80000100} {
		binary.LittleEndian.PutUint32(saved[i*4:], v)
	}

	got, err := a.ReadSavedTaskRegs(saved, state, &fakeImage{}, &fakeCore{})
	if err != nil {
		t.Fatal(err)
	}
	want := map[regs.Register]uint32{
		regs.RiscV(regs.RV_RA): 0x100,
		regs.RiscV(regs.RV_SP): 0x20002000,
		regs.RiscV(regs.RV_A0): 7,
		regs.RiscV(regs.RV_PC): 0x80000100,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRVCurrentTaskPtr(t *testing.T) {
	a := RV{class: elf.ELFCLASS32}

	// symbol present: dereference it
	mem := make([]byte, 4)
	binary.LittleEndian.PutUint32(mem, 0x20003000)
	c := &fakeCore{base: 0x20000100, mem: mem}
	img := &fakeImage{syms: map[string]uint32{"CURRENT_TASK_PTR": 0x20000100}}
	ptr, err := a.CurrentTaskPtr(img, c)
	if err != nil || ptr != 0x20003000 {
		t.Errorf("via symbol: got %#x, %v", ptr, err)
	}

	// no symbol, m-mode build: MSCRATCH
	c = &fakeCore{regs: map[regs.Register]uint64{regs.RiscV(regs.RV_MSCRATCH): 0x20004000}}
	ptr, err = a.CurrentTaskPtr(&fakeImage{}, c)
	if err != nil || ptr != 0x20004000 {
		t.Errorf("via mscratch: got %#x, %v", ptr, err)
	}

	// no symbol, s-mode build: SSCRATCH
	c = &fakeCore{regs: map[regs.Register]uint64{regs.RiscV(regs.RV_SSCRATCH): 0x20005000}}
	img = &fakeImage{features: map[string]bool{"s-mode": true}}
	ptr, err = a.CurrentTaskPtr(img, c)
	if err != nil || ptr != 0x20005000 {
		t.Errorf("via sscratch: got %#x, %v", ptr, err)
	}
}

func TestARMBranchTarget(t *testing.T) {
	a := ARM{}
	for _, tc := range []struct {
		name string
		ins  disasm.Instruction
		want Branch
		ok   bool
	}{
		{
			"bl",
			disasm.Instruction{Op: disasm.OpBranchLink, Imm: 0x8000100, HasImm: true,
				Groups: disasm.GroupCall | disasm.GroupBranchRelative},
			Branch{Kind: BranchCall, Target: 0x8000100}, true,
		},
		{
			"b",
			disasm.Instruction{Op: disasm.OpBranch, Imm: 0x8000200, HasImm: true,
				Groups: disasm.GroupJump | disasm.GroupBranchRelative},
			Branch{Kind: BranchDirect, Target: 0x8000200}, true,
		},
		{
			"blx r3",
			disasm.Instruction{Op: disasm.OpBranchLink, Regs: []disasm.Reg{3},
				Groups: disasm.GroupCall},
			Branch{Kind: BranchIndirectCall}, true,
		},
		{
			"bx lr",
			disasm.Instruction{Op: disasm.OpBranch, Regs: []disasm.Reg{14},
				Groups: disasm.GroupJump},
			Branch{Kind: BranchReturn}, true,
		},
		{
			"bx r2",
			disasm.Instruction{Op: disasm.OpBranch, Regs: []disasm.Reg{2},
				Groups: disasm.GroupJump},
			Branch{Kind: BranchIndirect}, true,
		},
		{
			"pop {r4, pc}",
			disasm.Instruction{Op: disasm.OpPop, Regs: []disasm.Reg{4, 15}},
			Branch{Kind: BranchReturn}, true,
		},
		{
			"pop {r4, r5}",
			disasm.Instruction{Op: disasm.OpPop, Regs: []disasm.Reg{4, 5}},
			Branch{}, false,
		},
		{
			"mov",
			disasm.Instruction{Op: disasm.OpMov, Regs: []disasm.Reg{0, 1}},
			Branch{}, false,
		},
	} {
		got, ok := a.BranchTarget(tc.ins)
		if ok != tc.ok || got != tc.want {
			t.Errorf("%s: got %+v/%v, want %+v/%v", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestExtractFnPointer(t *testing.T) {
	if got := (ARM{}).ExtractFnPointer(0x08000101); got != 0x08000100 {
		t.Errorf("arm: got %#x, want thumb bit cleared", got)
	}
	if got := (RV{}).ExtractFnPointer(0x80000101); got != 0x80000101 {
		t.Errorf("rv: got %#x, want value unchanged", got)
	}
}

func TestUnhaltedReadWindows(t *testing.T) {
	win := (ARM{}).UnhaltedReadWindows()
	if len(win) != 1 || !win[0].Contains(0xe000ed00, 4) {
		t.Errorf("the system control block should be always readable, got %v", win)
	}
	if win[0].Contains(0xdfffffff, 4) || win[0].Contains(0xe0100000, 1) {
		t.Error("addresses outside the PPB reported always readable")
	}
}
