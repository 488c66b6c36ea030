// Package regs defines the architecture-tagged register model shared by the
// core backends and the architecture descriptors.
//
// A Register identifies one target register in its architecture's native
// debug-access encoding: the ARM Debug Core Register Selector value, or the
// RISC-V abstract-command regno from the debug specification. Conversions to
// the other id spaces (DWARF, GDB remote protocol, disassembler) live either
// here (GDB, because the protocol backends are architecture-independent and
// only have the register in hand) or in pkg/arch (DWARF and disassembler,
// which need the architecture descriptor).
package regs

import (
	"fmt"
	"math/bits"
	"strings"
)

// Family tags a register with its architecture.
type Family int

const (
	ARM Family = iota
	RISCV
)

func (f Family) String() string {
	switch f {
	case ARM:
		return "arm"
	case RISCV:
		return "riscv"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// Register is a single target register. The zero value is ARM R0.
// Within one family the native id identifies the register uniquely, so
// Register is comparable and usable as a map key.
type Register struct {
	Family Family
	ID     uint16 // native selector id
}

// Arm returns the Register for an ARM native id.
func Arm(r ARMRegister) Register {
	return Register{Family: ARM, ID: uint16(r)}
}

// RiscV returns the Register for a RISC-V native id.
func RiscV(r RVRegister) Register {
	return Register{Family: RISCV, ID: uint16(r)}
}

// IsPC reports whether r is the program counter of its architecture.
func (r Register) IsPC() bool {
	switch r.Family {
	case ARM:
		return ARMRegister(r.ID) == ARM_PC
	case RISCV:
		return RVRegister(r.ID) == RV_PC
	}
	return false
}

// IsSP reports whether r is the stack pointer of its architecture.
func (r Register) IsSP() bool {
	switch r.Family {
	case ARM:
		return ARMRegister(r.ID) == ARM_SP
	case RISCV:
		return RVRegister(r.ID) == RV_SP
	}
	return false
}

// IsGeneralPurpose reports whether r is a general-purpose register.
func (r Register) IsGeneralPurpose() bool {
	switch r.Family {
	case ARM:
		return ARMRegister(r.ID).isGeneralPurpose()
	case RISCV:
		return RVRegister(r.ID).isGeneralPurpose()
	}
	return false
}

// IsSpecial reports whether r is a status or control register.
func (r Register) IsSpecial() bool {
	switch r.Family {
	case ARM:
		return ARMRegister(r.ID).isSpecial()
	case RISCV:
		return RVRegister(r.ID).isSpecial()
	}
	return false
}

// IsFloatingPoint reports whether r is a floating-point register.
func (r Register) IsFloatingPoint() bool {
	switch r.Family {
	case ARM:
		return ARMRegister(r.ID).isFloatingPoint()
	case RISCV:
		return RVRegister(r.ID).isFloatingPoint()
	}
	return false
}

// GDBNum returns the register number used for r by the GDB remote protocol
// and by OpenOCD's register command. This is the fixed, architecture-defined
// numbering; a live GDB session may override it for special registers with
// the table negotiated from the target description.
func (r Register) GDBNum() uint32 {
	switch r.Family {
	case ARM:
		return ARMRegister(r.ID).gdbNum()
	case RISCV:
		return RVRegister(r.ID).gdbNum()
	}
	return uint32(r.ID)
}

// GDBName returns the register name used by GDB target descriptions.
func (r Register) GDBName() string {
	if r.Family == ARM && ARMRegister(r.ID) == ARM_PSR {
		// the m-profile feature document calls the status register xpsr
		return "xpsr"
	}
	return strings.ToLower(r.String())
}

// Fields returns the named bit ranges of r, or nil if r has no bitfield
// metadata. The result is display metadata only.
func (r Register) Fields() []Field {
	switch r.Family {
	case ARM:
		return armFields[ARMRegister(r.ID)]
	case RISCV:
		return rvFields[RVRegister(r.ID)]
	}
	return nil
}

func (r Register) String() string {
	switch r.Family {
	case ARM:
		return ARMRegister(r.ID).String()
	case RISCV:
		return RVRegister(r.ID).String()
	}
	return fmt.Sprintf("reg(%d)", r.ID)
}

// Field describes a named bit range inside a composite register.
type Field struct {
	HighBit uint16
	LowBit  uint16
	Name    string
}

// NewField returns a Field covering bits [lowbit, highbit].
func NewField(highbit, lowbit uint16, name string) Field {
	return Field{HighBit: highbit, LowBit: lowbit, Name: name}
}

// Bit returns a single-bit Field.
func Bit(bit uint16, name string) Field {
	return Field{HighBit: bit, LowBit: bit, Name: name}
}

// Extract returns the value of the field within v.
func (f Field) Extract(v uint64) uint64 {
	width := int(f.HighBit-f.LowBit) + 1
	if width >= 64 {
		return v >> f.LowBit
	}
	return (v >> f.LowBit) & (1<<width - 1)
}

// Describe renders v the way the register display does: the raw hex value
// followed by the decoded fields. Single-bit fields appear by name when set,
// wider fields as name=value. Bits not covered by any field are reported as
// unknown when set.
func Describe(r Register, v uint64, size int) string {
	fields := r.Fields()
	if fields == nil {
		return fmt.Sprintf("%#0*x", size/4+2, v)
	}
	var mask uint64
	var out []string
	for _, f := range fields {
		width := int(f.HighBit-f.LowBit) + 1
		fmask := uint64(1<<width-1) << f.LowBit
		mask |= fmask
		if width == 1 {
			if v&fmask != 0 {
				out = append(out, f.Name)
			}
			continue
		}
		out = append(out, fmt.Sprintf("%s=%x", f.Name, f.Extract(v)))
	}
	if rest := v &^ mask; rest != 0 && bits.Len64(rest) <= size {
		out = append(out, fmt.Sprintf("unknown=%x", rest))
	}
	return fmt.Sprintf("%#0*x\t[%s]", size/4+2, v, strings.Join(out, " "))
}
