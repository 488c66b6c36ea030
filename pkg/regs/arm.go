package regs

import "fmt"

// ARMRegister is an ARM register in its native debug-access encoding: the
// value written to the Debug Core Register Selector Register (DCRSR) to
// transfer it; see C1.6.3 in the ARM v7-M Architecture Reference Manual.
// The same numbering doubles as the ARM DWARF and GDB numbering for the
// registers modeled here.
type ARMRegister uint16

const (
	ARM_R0 ARMRegister = iota
	ARM_R1
	ARM_R2
	ARM_R3
	ARM_R4
	ARM_R5
	ARM_R6
	ARM_R7
	ARM_R8
	ARM_R9
	ARM_R10
	ARM_R11
	ARM_R12
	ARM_SP
	ARM_LR
	ARM_PC
	ARM_PSR
	ARM_MSP
	ARM_PSP
)

const (
	// SPR is the special-purpose register group: CONTROL, FAULTMASK,
	// BASEPRI and PRIMASK packed into one selector.
	ARM_SPR   ARMRegister = 0b001_0100
	ARM_FPSCR ARMRegister = 0b010_0001
)

const (
	ARM_S0 ARMRegister = 0b100_0000 + iota
	ARM_S1
	ARM_S2
	ARM_S3
	ARM_S4
	ARM_S5
	ARM_S6
	ARM_S7
	ARM_S8
	ARM_S9
	ARM_S10
	ARM_S11
	ARM_S12
	ARM_S13
	ARM_S14
	ARM_S15
	ARM_S16
	ARM_S17
	ARM_S18
	ARM_S19
	ARM_S20
	ARM_S21
	ARM_S22
	ARM_S23
	ARM_S24
	ARM_S25
	ARM_S26
	ARM_S27
	ARM_S28
	ARM_S29
	ARM_S30
	ARM_S31
)

var armNames = map[ARMRegister]string{
	ARM_SP:    "SP",
	ARM_LR:    "LR",
	ARM_PC:    "PC",
	ARM_PSR:   "PSR",
	ARM_MSP:   "MSP",
	ARM_PSP:   "PSP",
	ARM_SPR:   "SPR",
	ARM_FPSCR: "FPSCR",
}

func (r ARMRegister) String() string {
	if name, ok := armNames[r]; ok {
		return name
	}
	if r <= ARM_R12 {
		return fmt.Sprintf("R%d", uint16(r))
	}
	if r >= ARM_S0 && r <= ARM_S31 {
		return fmt.Sprintf("S%d", uint16(r-ARM_S0))
	}
	return fmt.Sprintf("ARMRegister(%d)", uint16(r))
}

func (r ARMRegister) isGeneralPurpose() bool {
	return r <= ARM_PC
}

func (r ARMRegister) isSpecial() bool {
	switch r {
	case ARM_PSR, ARM_MSP, ARM_PSP, ARM_SPR, ARM_FPSCR:
		return true
	}
	return false
}

func (r ARMRegister) isFloatingPoint() bool {
	return r >= ARM_S0 && r <= ARM_S31
}

// gdbNum returns the GDB protocol number, which on ARM coincides with the
// native selector value.
func (r ARMRegister) gdbNum() uint32 {
	return uint32(r)
}

// LookupARM returns the Register for an ARM native id, reporting whether the
// id names a register that exists.
func LookupARM(id uint32) (Register, bool) {
	r := ARMRegister(id)
	if uint32(uint16(r)) != id {
		return Register{}, false
	}
	switch {
	case r <= ARM_PSP:
		return Arm(r), true
	case r == ARM_SPR || r == ARM_FPSCR:
		return Arm(r), true
	case r >= ARM_S0 && r <= ARM_S31:
		return Arm(r), true
	}
	return Register{}, false
}

// AllARM returns every ARM register in ascending native id order.
func AllARM() []Register {
	all := make([]Register, 0, 16+5+32)
	for r := ARM_R0; r <= ARM_PSP; r++ {
		all = append(all, Arm(r))
	}
	all = append(all, Arm(ARM_SPR), Arm(ARM_FPSCR))
	for r := ARM_S0; r <= ARM_S31; r++ {
		all = append(all, Arm(r))
	}
	return all
}

var armFields = map[ARMRegister][]Field{
	ARM_PSR: {
		Bit(31, "N"),
		Bit(30, "Z"),
		Bit(29, "C"),
		Bit(28, "V"),
		Bit(27, "Q"),
		NewField(26, 25, "IC/IT"),
		Bit(24, "T"),
		NewField(19, 16, "GE"),
		NewField(15, 10, "IC/IT"),
		NewField(8, 0, "Exception"),
	},
	ARM_SPR: {
		Bit(26, "CONTROL.FPCA"),
		Bit(25, "CONTROL.SPSEL"),
		Bit(24, "CONTROL.nPRIV"),
		Bit(16, "FAULTMASK"),
		NewField(15, 8, "BASEPRI"),
		Bit(0, "PRIMASK"),
	},
}
