package regs

import (
	"fmt"
	"sort"
)

// RVRegister is a RISC-V register in its native debug-access encoding, the
// abstract-command register number from table 3.3 of the RISC-V debug
// specification: CSRs at their CSR number, general-purpose registers at
// 0x1000 + n, floating-point registers at 0x1020 + n. The program counter is
// read through DPC.
//
// Neither the DWARF numbering nor the GDB protocol numbering matches this
// encoding; both are derived (see pkg/arch and gdbNum), never stored.
type RVRegister uint16

const (
	RV_SSCRATCH RVRegister = 0x140
	RV_MSTATUS  RVRegister = 0x300
	RV_MISA     RVRegister = 0x301
	RV_MEDELEG  RVRegister = 0x302
	RV_MIDELEG  RVRegister = 0x303
	RV_MIE      RVRegister = 0x304
	RV_MTVEC    RVRegister = 0x305
	RV_MSTATUSH RVRegister = 0x310
	RV_MSCRATCH RVRegister = 0x340
	RV_MEPC     RVRegister = 0x341
	RV_MCAUSE   RVRegister = 0x342
	RV_MTVAL    RVRegister = 0x343
	RV_MIP      RVRegister = 0x344
	RV_MSECCFG  RVRegister = 0x747
	RV_MSECCFGH RVRegister = 0x757
	RV_DCSR     RVRegister = 0x7b0
	RV_PC       RVRegister = 0x7b1 // DPC

	// PMP configuration and address CSRs; 16 and 64 consecutive
	// registers respectively.
	RV_PMPCFG0  RVRegister = 0x3a0
	RV_PMPADDR0 RVRegister = 0x3b0

	rvPMPCfgCount  = 16
	rvPMPAddrCount = 64
)

const (
	RV_ZERO RVRegister = 0x1000 + iota
	RV_RA
	RV_SP
	RV_GP
	RV_TP
	RV_T0
	RV_T1
	RV_T2
	RV_S0
	RV_S1
	RV_A0
	RV_A1
	RV_A2
	RV_A3
	RV_A4
	RV_A5
	RV_A6
	RV_A7
	RV_S2
	RV_S3
	RV_S4
	RV_S5
	RV_S6
	RV_S7
	RV_S8
	RV_S9
	RV_S10
	RV_S11
	RV_T3
	RV_T4
	RV_T5
	RV_T6
)

const (
	RV_F0  RVRegister = 0x1020
	RV_F31 RVRegister = 0x103f
)

const (
	rvCSREnd   RVRegister = 0xfff
	rvGPRStart            = RV_ZERO
	rvGPREnd              = RV_T6
)

var rvCSRNames = map[RVRegister]string{
	RV_SSCRATCH: "SSCRATCH",
	RV_MSTATUS:  "MSTATUS",
	RV_MISA:     "MISA",
	RV_MEDELEG:  "MEDELEG",
	RV_MIDELEG:  "MIDELEG",
	RV_MIE:      "MIE",
	RV_MTVEC:    "MTVEC",
	RV_MSTATUSH: "MSTATUSH",
	RV_MSCRATCH: "MSCRATCH",
	RV_MEPC:     "MEPC",
	RV_MCAUSE:   "MCAUSE",
	RV_MTVAL:    "MTVAL",
	RV_MIP:      "MIP",
	RV_MSECCFG:  "MSECCFG",
	RV_MSECCFGH: "MSECCFGH",
	RV_DCSR:     "DCSR",
	RV_PC:       "PC",
}

var rvGPRNames = [...]string{
	"ZERO", "RA", "SP", "GP", "TP", "T0", "T1", "T2",
	"S0", "S1", "A0", "A1", "A2", "A3", "A4", "A5",
	"A6", "A7", "S2", "S3", "S4", "S5", "S6", "S7",
	"S8", "S9", "S10", "S11", "T3", "T4", "T5", "T6",
}

func (r RVRegister) String() string {
	if name, ok := rvCSRNames[r]; ok {
		return name
	}
	switch {
	case r >= RV_PMPCFG0 && r < RV_PMPCFG0+rvPMPCfgCount:
		return fmt.Sprintf("PMPCFG%d", uint16(r-RV_PMPCFG0))
	case r >= RV_PMPADDR0 && r < RV_PMPADDR0+rvPMPAddrCount:
		return fmt.Sprintf("PMPADDR%d", uint16(r-RV_PMPADDR0))
	case r >= rvGPRStart && r <= rvGPREnd:
		return rvGPRNames[r-rvGPRStart]
	case r >= RV_F0 && r <= RV_F31:
		return fmt.Sprintf("F%d", uint16(r-RV_F0))
	}
	return fmt.Sprintf("RVRegister(%#x)", uint16(r))
}

func (r RVRegister) isGeneralPurpose() bool {
	return r >= rvGPRStart && r <= rvGPREnd
}

func (r RVRegister) isSpecial() bool {
	return r <= rvCSREnd
}

func (r RVRegister) isFloatingPoint() bool {
	return r >= RV_F0 && r <= RV_F31
}

// gdbNum returns the GDB protocol number: x0-x31 are 0-31, the PC is the
// reserved number 32, floating-point registers start at 33, and CSRs are
// offset by 65 (matching OpenOCD's gdb_regs numbering).
func (r RVRegister) gdbNum() uint32 {
	switch {
	case r == RV_PC:
		return 32
	case r.isGeneralPurpose():
		return uint32(r - rvGPRStart)
	case r.isFloatingPoint():
		return uint32(r-RV_F0) + 33
	default:
		return uint32(r) + 65
	}
}

// LookupRV returns the Register for a RISC-V native id, reporting whether
// the id names a register that exists.
func LookupRV(id uint32) (Register, bool) {
	r := RVRegister(id)
	if uint32(uint16(r)) != id {
		return Register{}, false
	}
	if _, ok := rvCSRNames[r]; ok {
		return RiscV(r), true
	}
	switch {
	case r >= RV_PMPCFG0 && r < RV_PMPCFG0+rvPMPCfgCount:
		return RiscV(r), true
	case r >= RV_PMPADDR0 && r < RV_PMPADDR0+rvPMPAddrCount:
		return RiscV(r), true
	case r >= rvGPRStart && r <= rvGPREnd:
		return RiscV(r), true
	case r >= RV_F0 && r <= RV_F31:
		return RiscV(r), true
	}
	return Register{}, false
}

// AllRV returns every RISC-V register in ascending native id order.
func AllRV() []Register {
	ids := make([]int, 0, len(rvCSRNames)+rvPMPCfgCount+rvPMPAddrCount+32+32)
	for r := range rvCSRNames {
		ids = append(ids, int(r))
	}
	for i := 0; i < rvPMPCfgCount; i++ {
		ids = append(ids, int(RV_PMPCFG0)+i)
	}
	for i := 0; i < rvPMPAddrCount; i++ {
		ids = append(ids, int(RV_PMPADDR0)+i)
	}
	for r := rvGPRStart; r <= rvGPREnd; r++ {
		ids = append(ids, int(r))
	}
	for r := RV_F0; r <= RV_F31; r++ {
		ids = append(ids, int(r))
	}
	sort.Ints(ids)
	all := make([]Register, len(ids))
	for i, id := range ids {
		all[i] = RiscV(RVRegister(id))
	}
	return all
}

var rvFields = map[RVRegister][]Field{
	RV_MCAUSE: {
		Bit(31, "INTERRUPT"),
	},
	RV_MSTATUS: {
		Bit(31, "SD"),
		Bit(22, "TSR"),
		Bit(21, "TW"),
		Bit(20, "TVM"),
		Bit(19, "MXR"),
		Bit(18, "SUM"),
		Bit(17, "MPRV"),
		NewField(16, 15, "XS"),
		NewField(14, 13, "FS"),
		NewField(12, 11, "MPP"),
		NewField(10, 9, "VS"),
		Bit(8, "SPP"),
		Bit(7, "MPIE"),
		Bit(6, "UBE"),
		Bit(5, "SPIE"),
		Bit(3, "MIE"),
		Bit(1, "SIE"),
	},
	RV_MSTATUSH: {
		Bit(5, "MBE"),
		Bit(4, "SBE"),
	},
	RV_MIP: {
		Bit(11, "MEIP"),
		Bit(9, "SEIP"),
		Bit(7, "MTIP"),
		Bit(5, "STIP"),
		Bit(3, "MSIP"),
		Bit(1, "SSIP"),
	},
	RV_MIE: {
		Bit(11, "MEIE"),
		Bit(9, "SEIE"),
		Bit(7, "MTIE"),
		Bit(5, "STIE"),
		Bit(3, "MSIE"),
		Bit(1, "SSIE"),
	},
	RV_DCSR: {
		NewField(31, 28, "debugver"),
		Bit(17, "ebreakvs"),
		Bit(16, "ebreakvu"),
		Bit(15, "ebreakm"),
		Bit(13, "ebreaks"),
		Bit(12, "ebreaku"),
		Bit(11, "stepie"),
		Bit(10, "stopcount"),
		Bit(9, "stoptime"),
		NewField(8, 6, "cause"),
		Bit(5, "v"),
		Bit(4, "mprven"),
		Bit(3, "nmip"),
		Bit(2, "step"),
		NewField(1, 0, "priv"),
	},
	RV_MTVEC: {
		NewField(1, 0, "mode"),
	},
}
