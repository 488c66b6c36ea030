package core

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"sort"

	"github.com/rivosinc/humility/pkg/image"
	"github.com/rivosinc/humility/pkg/regs"
)

// dumpRegion maps a load segment: [base, base+size) of target addresses
// backed by the dump file starting at off.
type dumpRegion struct {
	base uint32
	size uint32
	off  int
}

// DumpCore is the static backend: a core dump parsed once at attach. Reads
// are served from the stored image, registers from the snapshot recorded in
// the archive; every mutating operation fails with a CapabilityError.
type DumpCore struct {
	path      string
	contents  []byte
	regions   []dumpRegion // sorted by base
	registers map[regs.Register]uint64
}

// AttachDump opens a core dump. The register snapshot comes from the target
// image model.
func AttachDump(path string, img image.Info) (*DumpCore, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ef, err := elf.NewFile(bytes.NewReader(contents))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s as an ELF file: %v", path, err)
	}
	defer ef.Close()

	c := &DumpCore{
		path:      path,
		contents:  contents,
		registers: img.DumpRegisters(),
	}
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		c.regions = append(c.regions, dumpRegion{
			base: uint32(p.Vaddr),
			size: uint32(p.Memsz),
			off:  int(p.Off),
		})
	}
	sort.Slice(c.regions, func(i, j int) bool {
		return c.regions[i].base < c.regions[j].base
	})
	return c, nil
}

// locate resolves an n-byte access into a file offset, distinguishing an
// unmapped address from one a segment maps but the file does not contain
// (a truncated or corrupt dump).
func (c *DumpCore) locate(addr uint32, n int) (int, error) {
	i := sort.Search(len(c.regions), func(i int) bool {
		return c.regions[i].base > addr
	}) - 1
	if i < 0 {
		return 0, UnmappedError{Addr: addr}
	}
	r := c.regions[i]
	if uint64(addr-r.base)+uint64(n) > uint64(r.size) {
		return 0, UnmappedError{Addr: addr}
	}
	off := r.off + int(addr-r.base)
	if off+n > len(c.contents) {
		return 0, TruncatedError{Addr: addr, Offset: uint64(off)}
	}
	return off, nil
}

func (c *DumpCore) Info() string { return "core dump " + c.path }

func (c *DumpCore) ReadWord32(addr uint32) (uint32, error) {
	off, err := c.locate(addr, 4)
	if err != nil {
		return 0, err
	}
	b := c.contents[off:]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (c *DumpCore) Read8(addr uint32, buf []byte) error {
	if err := checkReadSize(len(buf)); err != nil {
		return err
	}
	off, err := c.locate(addr, len(buf))
	if err != nil {
		return err
	}
	copy(buf, c.contents[off:])
	return nil
}

func (c *DumpCore) ReadReg(r regs.Register) (uint64, error) {
	v, ok := c.registers[r]
	if !ok {
		return 0, RegisterError{Reg: r}
	}
	return v, nil
}

func (c *DumpCore) WriteReg(regs.Register, uint64) error {
	return CapabilityError{Backend: "dump", Op: "write a register"}
}

func (c *DumpCore) WriteWord32(uint32, uint32) error {
	return CapabilityError{Backend: "dump", Op: "write a word"}
}

func (c *DumpCore) Write8(uint32, []byte) error {
	return CapabilityError{Backend: "dump", Op: "write memory"}
}

// Halt and Run are no-ops: a dump is permanently halted, so the brackets the
// live backends need compose trivially here.
func (c *DumpCore) Halt() error    { return nil }
func (c *DumpCore) Run() error     { return nil }
func (c *DumpCore) OpStart() error { return nil }
func (c *DumpCore) OpDone() error  { return nil }

func (c *DumpCore) Step() error {
	return CapabilityError{Backend: "dump", Op: "step"}
}

func (c *DumpCore) Reset() error {
	return CapabilityError{Backend: "dump", Op: "reset"}
}

func (c *DumpCore) InitSWV() error {
	return CapabilityError{Backend: "dump", Op: "enable SWV"}
}

func (c *DumpCore) ReadSWV() ([]byte, error) {
	return nil, CapabilityError{Backend: "dump", Op: "read SWV"}
}

func (c *DumpCore) Load(string) error {
	return CapabilityError{Backend: "dump", Op: "flash an image"}
}

func (c *DumpCore) IsDump() bool  { return true }
func (c *DumpCore) Detach() error { return nil }
