package arch

import (
	"debug/elf"
	"fmt"

	"github.com/rivosinc/humility/pkg/core"
	"github.com/rivosinc/humility/pkg/disasm"
	"github.com/rivosinc/humility/pkg/image"
	"github.com/rivosinc/humility/pkg/logflags"
	"github.com/rivosinc/humility/pkg/regs"
)

// ARM is the descriptor for ARM Cortex-M (ARMv6-M through ARMv8-M) targets.
type ARM struct{}

func (ARM) Family() regs.Family  { return regs.ARM }
func (ARM) Machine() elf.Machine { return elf.EM_ARM }
func (ARM) Class() elf.Class     { return elf.ELFCLASS32 }
func (ARM) Bits() int            { return 32 }

func (ARM) SyscallOp() disasm.Op { return disasm.OpSVC }

func (ARM) RetReg() regs.Register { return regs.Arm(regs.ARM_LR) }
func (ARM) SP() regs.Register     { return regs.Arm(regs.ARM_SP) }
func (ARM) PC() regs.Register     { return regs.Arm(regs.ARM_PC) }

func (ARM) AllGPR() []regs.Register {
	var gpr []regs.Register
	for _, r := range regs.AllARM() {
		if r.IsGeneralPurpose() {
			gpr = append(gpr, r)
		}
	}
	return gpr
}

func (ARM) AllRegisters() []regs.Register { return regs.AllARM() }

func (ARM) RegisterFromNative(id uint32) (regs.Register, error) {
	r, ok := regs.LookupARM(id)
	if !ok {
		return regs.Register{}, fmt.Errorf("unsupported ARM register id %#x", id)
	}
	return r, nil
}

// RegisterFromDwarf resolves a DWARF register number, which on ARM coincides
// with the native selector value for every modeled register.
func (a ARM) RegisterFromDwarf(id uint32) (regs.Register, error) {
	r, err := a.RegisterFromNative(id)
	if err != nil {
		return regs.Register{}, fmt.Errorf("unsupported ARM dwarf id %#x", id)
	}
	return r, nil
}

// RegisterFromDisasm resolves a disassembler operand id; the disassembler
// numbers r0-r15 exactly like the native encoding.
func (a ARM) RegisterFromDisasm(r disasm.Reg) (regs.Register, error) {
	if r > 15 {
		return regs.Register{}, fmt.Errorf("unsupported ARM disassembler register %d", r)
	}
	return regs.Arm(regs.ARMRegister(r)), nil
}

// SyscallArgReg returns the register for syscall argument n: on ARM the
// kernel ABI passes arguments in R4 upward.
func (a ARM) SyscallArgReg(n int) (regs.Register, error) {
	if n < 0 || n > 8 {
		return regs.Register{}, fmt.Errorf("invalid syscall argument number %d", n)
	}
	return regs.Arm(regs.ARM_R4 + regs.ARMRegister(n)), nil
}

func (ARM) GenericChip() string { return "armv7m" }

func (ARM) Decode(mem []byte, pc uint64) (disasm.Instruction, error) {
	return disasm.Thumb(mem, pc)
}

// PresyscallPushes walks the instruction window preceding a syscall trap and
// recovers, in addressing order, the registers the stub pushed. ARMv6-M
// cannot push R8-R11 directly; stubs first move them into low registers, so
// moves are tracked in a substitution map and the moved-from register is
// recorded instead of the one physically pushed. The result is a heuristic.
func (a ARM) PresyscallPushes(instrs []disasm.Instruction) ([]regs.Register, error) {
	subst := make(map[disasm.Reg]disasm.Reg)
	var pushed []disasm.Reg

	for _, ins := range instrs {
		switch ins.Op {
		case disasm.OpMov:
			if len(ins.Regs) == 2 {
				subst[ins.Regs[0]] = ins.Regs[1]
			}
		case disasm.OpPush:
			// highest register is pushed first
			for i := len(ins.Regs) - 1; i >= 0; i-- {
				r := ins.Regs[i]
				if src, ok := subst[r]; ok {
					r = src
				}
				pushed = append(pushed, r)
			}
		case disasm.OpPop:
			for range ins.Regs {
				if len(pushed) == 0 {
					logflags.UnwindLogger().Warnf("pop at %#x underflows the push record", ins.PC)
					break
				}
				pushed = pushed[:len(pushed)-1]
			}
		}
	}

	// pushed is in push order; addressing order is the inverse.
	out := make([]regs.Register, len(pushed))
	for i, r := range pushed {
		reg, err := a.RegisterFromDisasm(r)
		if err != nil {
			return nil, err
		}
		out[len(pushed)-1-i] = reg
	}
	return out, nil
}

// armCoreFrame is the number of words the hardware pushes onto the exception
// stack: R0-R3, R12, LR, PC, PSR.
const armCoreFrame = 8

// exceptionStackRealign returns the adjustment the hardware applied to align
// the stack on exception entry. Functions keep the stack 8-byte aligned, but
// exceptions are asynchronous; when the CPU had to realign it sets bit 9 of
// the saved PSR, and the slack is always exactly 4 bytes.
func exceptionStackRealign(saved map[regs.Register]uint32) uint32 {
	if psr, ok := saved[regs.Arm(regs.ARM_PSR)]; ok && psr&(1<<9) != 0 {
		return 4
	}
	return 0
}

// ReadSavedTaskRegs recovers the register state of a task stopped in a
// syscall. The kernel's saved-state structure holds only the callee-saved
// registers R4-R11 and the process stack pointer; R0-R3, R12, LR, the return
// PC and the PSR are on the exception stack the hardware pushed, and are read
// back through the core.
func (a ARM) ReadSavedTaskRegs(saved []byte, state image.Struct, img image.Info, c core.Core) (map[regs.Register]uint32, error) {
	out := make(map[regs.Register]uint32)

	for r := regs.ARM_R4; r <= regs.ARM_R11; r++ {
		v, err := readMember(fmt.Sprintf("r%d", uint16(r)), saved, state)
		if err != nil {
			return nil, err
		}
		out[regs.Arm(r)] = v
	}

	sp, err := readMember("psp", saved, state)
	if err != nil {
		return nil, err
	}

	stack := make([]byte, armCoreFrame*4)
	if err := c.Read8(sp, stack); err != nil {
		return nil, err
	}
	frame := []regs.ARMRegister{
		regs.ARM_R0, regs.ARM_R1, regs.ARM_R2, regs.ARM_R3,
		regs.ARM_R12, regs.ARM_LR, regs.ARM_PC, regs.ARM_PSR,
	}
	for i, r := range frame {
		out[regs.Arm(r)] = uint32(stack[i*4]) | uint32(stack[i*4+1])<<8 |
			uint32(stack[i*4+2])<<16 | uint32(stack[i*4+3])<<24
	}

	// ARMv6-M never has floating point; everything else pushes S0-S15 and
	// the FPSCR (17 words) plus one pad word keeping the frame 8-byte
	// aligned.
	nfp, align := 17, 1
	if img.Target() == "thumbv6m-none-eabi" {
		nfp, align = 0, 0
	}

	adjust := uint32(armCoreFrame+nfp+align)*4 + exceptionStackRealign(out)
	out[regs.Arm(regs.ARM_SP)] = sp + adjust

	return out, nil
}

// CurrentTaskPtr locates the running task through the kernel's task pointer
// symbol.
func (ARM) CurrentTaskPtr(img image.Info, c core.Core) (uint64, error) {
	addr, err := img.LookupSymWord("CURRENT_TASK_PTR")
	if err != nil {
		return 0, err
	}
	v, err := c.ReadWord32(addr)
	return uint64(v), err
}

// ExtractFnPointer clears the Thumb interworking bit.
func (ARM) ExtractFnPointer(v uint32) uint32 { return v &^ 1 }

// BranchTarget classifies a control transfer for trace decoding: a relative
// branch resolves to its absolute target, a jump whose operands include LR
// is (or could be) a return, and a pop that writes the PC is a return.
func (ARM) BranchTarget(ins disasm.Instruction) (Branch, bool) {
	call := ins.Groups&disasm.GroupCall != 0
	jump := ins.Groups&disasm.GroupJump != 0

	if ins.Groups&disasm.GroupBranchRelative != 0 && ins.HasImm {
		if call {
			return Branch{Kind: BranchCall, Target: uint32(ins.Imm)}, true
		}
		return Branch{Kind: BranchDirect, Target: uint32(ins.Imm)}, true
	}
	if call {
		return Branch{Kind: BranchIndirectCall}, true
	}
	if jump {
		for _, r := range ins.Regs {
			if r == 14 {
				return Branch{Kind: BranchReturn}, true
			}
		}
		return Branch{Kind: BranchIndirect}, true
	}
	if ins.Op == disasm.OpPop {
		for _, r := range ins.Regs {
			if r == 15 {
				return Branch{Kind: BranchReturn}, true
			}
		}
	}
	return Branch{}, false
}

// UnhaltedReadWindows returns the PPB, mapped at 0xe0000000 for 1MB. It holds
// the control registers needed to determine MCU state and can be read without
// halting the core on every Cortex-M.
func (ARM) UnhaltedReadWindows() []core.AddrRange {
	return []core.AddrRange{{Base: 0xe000_0000, Size: 1024 * 1024}}
}
