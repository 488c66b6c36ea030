package disasm

import "encoding/binary"

// Thumb decodes the Thumb (T32) instruction at the start of mem. Halfwords
// are little-endian. Only the instructions the trap-stub analysis and the
// branch classifier need are recognized; every other encoding decodes as
// OpUnknown with the correct 2- or 4-byte size.
func Thumb(mem []byte, pc uint64) (Instruction, error) {
	if len(mem) < 2 {
		return Instruction{}, ErrShortBuffer
	}
	hw := binary.LittleEndian.Uint16(mem)

	// A5.1: a leading halfword with bits [15:11] of 0b11101, 0b11110 or
	// 0b11111 starts a 32-bit encoding.
	if hw>>11 >= 0b11101 {
		if len(mem) < 4 {
			return Instruction{}, ErrShortBuffer
		}
		return thumb32(hw, binary.LittleEndian.Uint16(mem[2:]), pc), nil
	}
	return thumb16(hw, pc), nil
}

func thumb16(hw uint16, pc uint64) Instruction {
	ins := Instruction{PC: pc, Size: 2}
	switch {
	case hw&0xfe00 == 0xb400: // PUSH {reglist} T1
		ins.Op = OpPush
		ins.Regs = reglist(hw & 0xff)
		if hw&0x0100 != 0 {
			ins.Regs = append(ins.Regs, 14) // LR
		}
	case hw&0xfe00 == 0xbc00: // POP {reglist} T1
		ins.Op = OpPop
		ins.Regs = reglist(hw & 0xff)
		if hw&0x0100 != 0 {
			ins.Regs = append(ins.Regs, 15) // PC
		}
	case hw&0xff00 == 0x4600: // MOV (register) T1
		rd := Reg(hw&0x7) | Reg(hw>>4)&0x8
		rm := Reg(hw>>3) & 0xf
		ins.Op = OpMov
		ins.Regs = []Reg{rd, rm}
	case hw&0xff00 == 0xdf00: // SVC T1
		ins.Op = OpSVC
		ins.Imm = int64(hw & 0xff)
		ins.HasImm = true
	case hw&0xff87 == 0x4700: // BX T1
		ins.Op = OpBranch
		ins.Regs = []Reg{Reg(hw>>3) & 0xf}
		ins.Groups = GroupJump
	case hw&0xff87 == 0x4780: // BLX (register) T1
		ins.Op = OpBranchLink
		ins.Regs = []Reg{Reg(hw>>3) & 0xf}
		ins.Groups = GroupCall
	case hw&0xf000 == 0xd000 && hw>>8&0xf < 0xe: // B<c> T1
		off := int64(int8(hw)) * 2
		ins.Op = OpBranch
		ins.Imm = int64(pc) + 4 + off
		ins.HasImm = true
		ins.Groups = GroupJump | GroupBranchRelative
	case hw&0xf800 == 0xe000: // B T2
		off := int64(hw&0x7ff) << 1
		if off&0x800 != 0 {
			off -= 0x1000
		}
		ins.Op = OpBranch
		ins.Imm = int64(pc) + 4 + off
		ins.HasImm = true
		ins.Groups = GroupJump | GroupBranchRelative
	}
	return ins
}

func thumb32(hw1, hw2 uint16, pc uint64) Instruction {
	ins := Instruction{PC: pc, Size: 4}
	switch {
	case hw1 == 0xe92d: // PUSH.W / STMDB SP!, {reglist} T2
		ins.Op = OpPush
		ins.Regs = reglist(hw2)
	case hw1 == 0xe8bd: // POP.W / LDMIA SP!, {reglist} T2
		ins.Op = OpPop
		ins.Regs = reglist(hw2)
	case hw1 == 0xea4f && hw2&0xf0f0 == 0x0000: // MOV (register) T3
		rd := Reg(hw2>>8) & 0xf
		rm := Reg(hw2) & 0xf
		ins.Op = OpMov
		ins.Regs = []Reg{rd, rm}
	case hw1&0xf800 == 0xf000 && hw2&0xd000 == 0xd000: // BL T1
		ins.Op = OpBranchLink
		ins.Imm = int64(pc) + 4 + branch24(hw1, hw2)
		ins.HasImm = true
		ins.Groups = GroupCall | GroupBranchRelative
	case hw1&0xf800 == 0xf000 && hw2&0xd000 == 0x9000: // B T4
		ins.Op = OpBranch
		ins.Imm = int64(pc) + 4 + branch24(hw1, hw2)
		ins.HasImm = true
		ins.Groups = GroupJump | GroupBranchRelative
	}
	return ins
}

// branch24 assembles the signed 25-bit offset of the BL and B.W encodings
// from the S, J1, J2, imm10 and imm11 fields.
func branch24(hw1, hw2 uint16) int64 {
	s := uint32(hw1>>10) & 1
	j1 := uint32(hw2>>13) & 1
	j2 := uint32(hw2>>11) & 1
	i1 := 1 &^ (j1 ^ s)
	i2 := 1 &^ (j2 ^ s)
	off := s<<24 | i1<<23 | i2<<22 | uint32(hw1&0x3ff)<<12 | uint32(hw2&0x7ff)<<1
	if s != 0 {
		return int64(off) - 1<<25
	}
	return int64(off)
}

func reglist(bits uint16) []Reg {
	var regs []Reg
	for i := Reg(0); i < 16; i++ {
		if bits&(1<<i) != 0 {
			regs = append(regs, i)
		}
	}
	return regs
}
