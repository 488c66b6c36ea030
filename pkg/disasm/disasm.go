// Package disasm defines the minimal instruction model the architecture
// layer consumes, together with bounded instruction decoders for the two
// instruction sets the targets use (Thumb and RV32C).
//
// This is not a general disassembler. The decoders recognize exactly the
// instructions the trap-stub analysis and the branch classifier need (stack
// pushes and pops, register moves, syscall traps, branches) and report
// everything else as OpUnknown with the correct instruction size, so that a
// decode window can still be walked instruction by instruction.
package disasm

import "errors"

// Reg is a register operand id in the disassembler's own numbering: on ARM
// r0-r15, on RISC-V x0-x31. The architecture descriptors convert these to
// the native register model.
type Reg uint8

// Op identifies the instructions the architecture layer cares about.
type Op int

const (
	OpUnknown    Op = iota
	OpPush          // push {reglist} / stmdb sp!
	OpPop           // pop {reglist} / ldmia sp!
	OpMov           // register-to-register move
	OpSVC           // ARM supervisor call
	OpECall         // RISC-V environment call
	OpStoreWord     // RISC-V sw / c.sw / c.swsp
	OpBranch        // b / b.w / bx
	OpBranchLink    // bl / blx
)

// Group is a bitmask of instruction classification groups, mirroring the
// group metadata disassembler libraries attach to decoded instructions.
type Group uint8

const (
	GroupJump Group = 1 << iota
	GroupCall
	GroupBranchRelative
)

// Instruction is one decoded instruction.
type Instruction struct {
	PC     uint64
	Size   int
	Op     Op
	Regs   []Reg // register operands, in encoding order
	Imm    int64 // immediate operand, valid if HasImm
	HasImm bool
	Groups Group
}

// ErrShortBuffer is returned when the byte window ends in the middle of an
// instruction.
var ErrShortBuffer = errors.New("disasm: instruction extends past end of buffer")

// DecodeFunc decodes the instruction at the start of mem, which the target
// maps at pc.
type DecodeFunc func(mem []byte, pc uint64) (Instruction, error)

// DecodeWindow decodes an entire byte window into consecutive instructions.
// Unrecognized instructions appear as OpUnknown entries; the window ends
// early only if the final instruction is truncated.
func DecodeWindow(decode DecodeFunc, mem []byte, pc uint64) ([]Instruction, error) {
	var instrs []Instruction
	for len(mem) > 0 {
		ins, err := decode(mem, pc)
		if err != nil {
			return instrs, err
		}
		instrs = append(instrs, ins)
		mem = mem[ins.Size:]
		pc += uint64(ins.Size)
	}
	return instrs, nil
}
