package arch

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/rivosinc/humility/pkg/core"
	"github.com/rivosinc/humility/pkg/disasm"
	"github.com/rivosinc/humility/pkg/image"
	"github.com/rivosinc/humility/pkg/logflags"
	"github.com/rivosinc/humility/pkg/regs"
)

// RV is the descriptor for RISC-V targets; class selects RV32 or RV64.
type RV struct {
	class elf.Class
}

func (RV) Family() regs.Family  { return regs.RISCV }
func (RV) Machine() elf.Machine { return elf.EM_RISCV }
func (a RV) Class() elf.Class   { return a.class }

func (a RV) Bits() int {
	if a.class == elf.ELFCLASS64 {
		return 64
	}
	return 32
}

func (RV) SyscallOp() disasm.Op { return disasm.OpECall }

func (RV) RetReg() regs.Register { return regs.RiscV(regs.RV_RA) }
func (RV) SP() regs.Register     { return regs.RiscV(regs.RV_SP) }
func (RV) PC() regs.Register     { return regs.RiscV(regs.RV_PC) }

func (RV) AllGPR() []regs.Register {
	var gpr []regs.Register
	for _, r := range regs.AllRV() {
		if r.IsGeneralPurpose() {
			gpr = append(gpr, r)
		}
	}
	return gpr
}

func (RV) AllRegisters() []regs.Register { return regs.AllRV() }

func (RV) RegisterFromNative(id uint32) (regs.Register, error) {
	r, ok := regs.LookupRV(id)
	if !ok {
		return regs.Register{}, fmt.Errorf("unsupported RISC-V register id %#x", id)
	}
	return r, nil
}

// RegisterFromDwarf resolves a DWARF register number. The DWARF numbering
// overlaps the native spaces and must be remapped: integer registers are
// 0-31 and floating-point registers 32-63 (both 0x1000 below their native
// abstract-command number), while each CSR is its CSR number plus 4096.
func (a RV) RegisterFromDwarf(id uint32) (regs.Register, error) {
	switch {
	case id >= 4096 && id < 8192:
		id -= 4096
	case id < 64:
		id += 0x1000
	}
	r, ok := regs.LookupRV(id)
	if !ok {
		return regs.Register{}, fmt.Errorf("unsupported RISC-V dwarf id %#x", id)
	}
	return r, nil
}

// RegisterFromDisasm resolves a disassembler operand id; the disassembler
// numbers the integer registers x0-x31.
func (RV) RegisterFromDisasm(r disasm.Reg) (regs.Register, error) {
	if r > 31 {
		return regs.Register{}, fmt.Errorf("unsupported RISC-V disassembler register %d", r)
	}
	return regs.RiscV(regs.RV_ZERO + regs.RVRegister(r)), nil
}

// SyscallArgReg returns the register for syscall argument n: the kernel ABI
// passes arguments in A0 upward.
func (RV) SyscallArgReg(n int) (regs.Register, error) {
	if n < 0 || n > 8 {
		return regs.Register{}, fmt.Errorf("invalid syscall argument number %d", n)
	}
	return regs.RiscV(regs.RV_A0 + regs.RVRegister(n)), nil
}

func (RV) GenericChip() string { return "riscv" }

func (RV) Decode(mem []byte, pc uint64) (disasm.Instruction, error) {
	return disasm.RV32(mem, pc)
}

// PresyscallPushes recovers the addressing order of the registers a syscall
// stub stored before trapping. RISC-V stubs spill with plain word stores
// rather than a push instruction, so every sw in the window is assumed to be
// a spill and the stores are assumed to land in order. This is a heuristic.
func (a RV) PresyscallPushes(instrs []disasm.Instruction) ([]regs.Register, error) {
	var stored []regs.Register
	for _, ins := range instrs {
		if ins.Op != disasm.OpStoreWord || len(ins.Regs) == 0 {
			continue
		}
		r, err := a.RegisterFromDisasm(ins.Regs[0])
		if err != nil {
			return nil, err
		}
		stored = append(stored, r)
	}
	for i, j := 0, len(stored)-1; i < j; i, j = i+1, j-1 {
		stored[i], stored[j] = stored[j], stored[i]
	}
	return stored, nil
}

// ReadSavedTaskRegs recovers the register state of a task stopped in a
// syscall. The kernel saves every register in its saved-state structure, so
// nothing is read from the stack; registers without a corresponding member
// are skipped.
func (a RV) ReadSavedTaskRegs(saved []byte, state image.Struct, img image.Info, c core.Core) (map[regs.Register]uint32, error) {
	out := make(map[regs.Register]uint32)
	for _, r := range regs.AllRV() {
		v, err := readMember(strings.ToLower(r.String()), saved, state)
		if err != nil {
			continue
		}
		out[r] = v
	}
	return out, nil
}

// CurrentTaskPtr locates the running task: through the kernel's task pointer
// symbol when the build has one, otherwise from the scratch CSR the kernel
// parks it in, selected by whether the build declares supervisor mode.
func (RV) CurrentTaskPtr(img image.Info, c core.Core) (uint64, error) {
	if addr, err := img.LookupSymWord("CURRENT_TASK_PTR"); err == nil {
		v, err := c.ReadWord32(addr)
		return uint64(v), err
	}
	scratch := regs.RV_MSCRATCH
	if img.HasFeature("s-mode") {
		scratch = regs.RV_SSCRATCH
	}
	logflags.UnwindLogger().Debugf("no task pointer symbol, reading %s", scratch)
	return c.ReadReg(regs.RiscV(scratch))
}

func (RV) ExtractFnPointer(v uint32) uint32 { return v }

// BranchTarget is not classified on RISC-V; it is only consumed by ARM
// trace decoding.
func (RV) BranchTarget(ins disasm.Instruction) (Branch, bool) {
	return Branch{}, false
}

func (RV) UnhaltedReadWindows() []core.AddrRange { return nil }
