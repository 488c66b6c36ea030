// Package arch provides the architecture descriptors: immutable singletons,
// chosen once from the target image's ELF machine and class fields, that
// reconcile register numbering, syscall ABI and trap-stub stack recovery
// between ARM Cortex-M and RISC-V targets.
package arch

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/rivosinc/humility/pkg/core"
	"github.com/rivosinc/humility/pkg/disasm"
	"github.com/rivosinc/humility/pkg/image"
	"github.com/rivosinc/humility/pkg/regs"
)

// Arch describes one target architecture. Implementations are stateless and
// safe for concurrent use.
type Arch interface {
	Family() regs.Family

	// Machine and Class are the ELF header fields this descriptor
	// corresponds to.
	Machine() elf.Machine
	Class() elf.Class

	// Bits is the target word size.
	Bits() int

	// SyscallOp is the instruction that triggers a syscall trap.
	SyscallOp() disasm.Op

	RetReg() regs.Register
	SP() regs.Register
	PC() regs.Register

	// AllGPR returns the general-purpose registers; AllRegisters every
	// register modeled for this architecture. Both are in ascending
	// native id order.
	AllGPR() []regs.Register
	AllRegisters() []regs.Register

	// RegisterFromNative resolves a native selector id.
	RegisterFromNative(id uint32) (regs.Register, error)

	// RegisterFromDwarf resolves a DWARF register number.
	RegisterFromDwarf(id uint32) (regs.Register, error)

	// RegisterFromDisasm resolves a disassembler operand id.
	RegisterFromDisasm(r disasm.Reg) (regs.Register, error)

	// SyscallArgReg returns the register carrying syscall argument n,
	// 0-based, for n in [0, 8].
	SyscallArgReg(n int) (regs.Register, error)

	// GenericChip is the chip identifier handed to the probe driver when
	// attaching without an explicit chip. It supports attachment but not
	// flashing.
	GenericChip() string

	// Decode decodes the instruction at the start of mem, mapped at pc.
	Decode(mem []byte, pc uint64) (disasm.Instruction, error)

	// PresyscallPushes recovers the addressing order of the registers a
	// syscall stub pushed before trapping, from the instruction window
	// preceding the trap. This is a heuristic over a bounded window, not
	// a sound analysis; callers treat a wrong answer as a degraded
	// unwind, not a bug.
	PresyscallPushes(instrs []disasm.Instruction) ([]regs.Register, error)

	// ReadSavedTaskRegs recovers the register state a task saved across a
	// trap: saved is the raw bytes of the kernel's saved-state structure,
	// state its layout, and c a core for reading the exception stack.
	ReadSavedTaskRegs(saved []byte, state image.Struct, img image.Info, c core.Core) (map[regs.Register]uint32, error)

	// CurrentTaskPtr locates the descriptor of the currently running
	// task.
	CurrentTaskPtr(img image.Info, c core.Core) (uint64, error)

	// ExtractFnPointer clears any non-address bits a function pointer
	// carries on this architecture.
	ExtractFnPointer(v uint32) uint32

	// BranchTarget classifies a control-transfer instruction, reporting
	// false for instructions that do not affect control flow.
	BranchTarget(ins disasm.Instruction) (Branch, bool)

	// UnhaltedReadWindows returns the address ranges that may be read
	// without halting the target.
	UnhaltedReadWindows() []core.AddrRange
}

// BranchKind classifies a control-transfer instruction for trace decoding.
type BranchKind int

const (
	BranchCall         BranchKind = iota // direct call with known target
	BranchDirect                         // direct jump with known target
	BranchIndirectCall                   // call through a register
	BranchIndirect                       // jump through a register
	BranchReturn
)

func (k BranchKind) String() string {
	switch k {
	case BranchCall:
		return "call"
	case BranchDirect:
		return "direct"
	case BranchIndirectCall:
		return "indirect-call"
	case BranchIndirect:
		return "indirect"
	case BranchReturn:
		return "return"
	}
	return fmt.Sprintf("branch(%d)", int(k))
}

// Branch is a classified control transfer. Target is valid only for
// BranchCall and BranchDirect.
type Branch struct {
	Kind   BranchKind
	Target uint32
}

// FromELF selects the architecture descriptor for an ELF machine/class pair.
func FromELF(machine elf.Machine, class elf.Class) (Arch, error) {
	switch machine {
	case elf.EM_ARM:
		return ARM{}, nil
	case elf.EM_RISCV:
		if class != elf.ELFCLASS32 && class != elf.ELFCLASS64 {
			return nil, fmt.Errorf("unsupported RISC-V ELF class %v", class)
		}
		return RV{class: class}, nil
	}
	return nil, fmt.Errorf("unsupported ELF machine %v", machine)
}

// readMember extracts a little-endian 32-bit member of a saved-state
// structure by name.
func readMember(name string, saved []byte, state image.Struct) (uint32, error) {
	off, err := state.MemberOffset(name)
	if err != nil {
		return 0, err
	}
	if uint64(off)+4 > uint64(len(saved)) {
		return 0, fmt.Errorf("member %s at offset %d is outside the %d-byte saved state",
			name, off, len(saved))
	}
	return binary.LittleEndian.Uint32(saved[off:]), nil
}
