package disasm

import "encoding/binary"

// RV32 decodes the RISC-V instruction at the start of mem, including the
// compressed (C extension) encodings. Instructions are little-endian; an
// encoding whose low two bits are not 0b11 is a 16-bit compressed
// instruction. Only the instructions the trap-stub analysis needs are
// recognized.
func RV32(mem []byte, pc uint64) (Instruction, error) {
	if len(mem) < 2 {
		return Instruction{}, ErrShortBuffer
	}
	hw := binary.LittleEndian.Uint16(mem)
	if hw&0b11 != 0b11 {
		return rvc(hw, pc), nil
	}
	if len(mem) < 4 {
		return Instruction{}, ErrShortBuffer
	}
	return rv32(binary.LittleEndian.Uint32(mem), pc), nil
}

func rv32(w uint32, pc uint64) Instruction {
	ins := Instruction{PC: pc, Size: 4}
	switch {
	case w == 0x00000073: // ECALL
		ins.Op = OpECall
	case w&0x707f == 0x2023: // SW rs2, imm(rs1)
		ins.Op = OpStoreWord
		ins.Regs = []Reg{Reg(w>>20) & 0x1f, Reg(w>>15) & 0x1f}
		imm := int64(w>>25)<<5 | int64(w>>7)&0x1f
		if imm&0x800 != 0 {
			imm -= 0x1000
		}
		ins.Imm = imm
		ins.HasImm = true
	case w&0xfff0707f == 0x00000013 && w>>7&0x1f != 0: // ADDI rd, rs1, 0 == MV
		ins.Op = OpMov
		ins.Regs = []Reg{Reg(w>>7) & 0x1f, Reg(w>>15) & 0x1f}
	}
	return ins
}

func rvc(hw uint16, pc uint64) Instruction {
	ins := Instruction{PC: pc, Size: 2}
	op := hw & 0b11
	funct3 := hw >> 13
	switch {
	case op == 0b00 && funct3 == 0b110: // C.SW rs2', imm(rs1')
		ins.Op = OpStoreWord
		ins.Regs = []Reg{Reg(hw>>2)&0x7 + 8, Reg(hw>>7)&0x7 + 8}
		ins.Imm = int64(hw>>10&0x7)<<3 | int64(hw>>6&1)<<2 | int64(hw>>5&1)<<6
		ins.HasImm = true
	case op == 0b10 && funct3 == 0b110: // C.SWSP rs2, imm(sp)
		ins.Op = OpStoreWord
		ins.Regs = []Reg{Reg(hw>>2) & 0x1f, 2}
		ins.Imm = int64(hw>>9&0xf)<<2 | int64(hw>>7&0x3)<<6
		ins.HasImm = true
	case op == 0b10 && funct3 == 0b100 && hw&0x1000 == 0:
		rd := Reg(hw>>7) & 0x1f
		rs2 := Reg(hw>>2) & 0x1f
		if rd != 0 && rs2 != 0 { // C.MV rd, rs2
			ins.Op = OpMov
			ins.Regs = []Reg{rd, rs2}
		}
	}
	return ins
}
