package core

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rivosinc/humility/pkg/logflags"
	"github.com/rivosinc/humility/pkg/regs"
)

// ProbeCore is the live backend: a vendor probe session wrapped in the Core
// contract. It adds the recursive halt/run discipline and consults the
// always-readable windows before every read so that status-register polling
// does not force repeated halts.
type ProbeCore struct {
	session  ProbeSession
	info     ProbeInfo
	unhalted alwaysReadable
	canFlash bool
	nest     haltNest
	log      *logrus.Entry

	// Progress, if set, receives flash progress during Load.
	Progress FlashProgressFunc
}

// NewProbeCore wraps an attached session. windows are the architecture's
// always-readable address ranges; canFlash records whether the session was
// attached with an explicit chip (the generic chip supports attachment but
// the driver cannot flash it).
func NewProbeCore(session ProbeSession, info ProbeInfo, windows []AddrRange, canFlash bool) *ProbeCore {
	return &ProbeCore{
		session:  session,
		info:     info,
		unhalted: alwaysReadable(windows),
		canFlash: canFlash,
		log:      logflags.ProbeLogger(),
	}
}

func (c *ProbeCore) Info() string {
	s := fmt.Sprintf("%s, VID %04x, PID %04x", c.info.Identifier, c.info.VendorID, c.info.ProductID)
	if c.info.SerialNumber != "" {
		s += ", serial " + c.info.SerialNumber
	}
	return s
}

// haltedRead runs f inside a halt bracket.
func (c *ProbeCore) haltedRead(f func() error) error {
	if err := c.OpStart(); err != nil {
		return err
	}
	defer c.OpDone()
	return f()
}

func (c *ProbeCore) ReadWord32(addr uint32) (uint32, error) {
	if c.unhalted.contains(addr, 4) {
		return c.session.ReadWord32(addr)
	}
	var v uint32
	err := c.haltedRead(func() error {
		var err error
		v, err = c.session.ReadWord32(addr)
		return err
	})
	return v, err
}

func (c *ProbeCore) Read8(addr uint32, buf []byte) error {
	if err := checkReadSize(len(buf)); err != nil {
		return err
	}
	if c.unhalted.contains(addr, len(buf)) {
		return c.session.Read8(addr, buf)
	}
	return c.haltedRead(func() error {
		return c.session.Read8(addr, buf)
	})
}

func (c *ProbeCore) ReadReg(r regs.Register) (uint64, error) {
	return c.session.ReadCoreReg(r.ID)
}

func (c *ProbeCore) WriteReg(r regs.Register, v uint64) error {
	return c.session.WriteCoreReg(r.ID, v)
}

func (c *ProbeCore) WriteWord32(addr uint32, v uint32) error {
	return c.session.WriteWord32(addr, v)
}

func (c *ProbeCore) Write8(addr uint32, data []byte) error {
	return c.session.Write8(addr, data)
}

// Halt and Run are direct: a Halt on a halted target and a Run on a running
// one are no-ops.
func (c *ProbeCore) Halt() error {
	halted, err := c.session.Halted()
	if err != nil {
		return err
	}
	if halted {
		return nil
	}
	return c.session.Halt(time.Second)
}

func (c *ProbeCore) Run() error {
	halted, err := c.session.Halted()
	if err != nil {
		return err
	}
	if !halted {
		return nil
	}
	return c.session.Run()
}

// OpStart and OpDone nest: only the outermost bracket physically halts a
// running target, and only the matching OpDone resumes it.
func (c *ProbeCore) OpStart() error {
	halted, err := c.session.Halted()
	if err != nil {
		return err
	}
	if c.nest.enter(!halted) {
		if err := c.session.Halt(time.Second); err != nil {
			c.nest.abort()
			return err
		}
	}
	return nil
}

func (c *ProbeCore) OpDone() error {
	if c.nest.exit() {
		return c.session.Run()
	}
	return nil
}

func (c *ProbeCore) Step() error  { return c.session.Step() }
func (c *ProbeCore) Reset() error { return c.session.Reset() }

func (c *ProbeCore) InitSWV() error {
	if err := c.session.SetupSWV(2_000_000); err != nil {
		return err
	}
	// The probe can carry sticky errors; one discarded read assures any
	// further error is legit.
	c.session.ReadSWV()
	return nil
}

func (c *ProbeCore) ReadSWV() ([]byte, error) {
	return c.session.ReadSWV()
}

// Load flashes the image at path. Flashing needs the chip-specific flash
// algorithm, so it is only permitted when the session was attached with an
// explicit chip identifier.
func (c *ProbeCore) Load(path string) error {
	if !c.canFlash {
		return CapabilityError{Backend: "generic-chip probe", Op: "flash an image"}
	}
	progress := c.Progress
	if progress == nil {
		progress = func(phase FlashPhase, done, total int) {
			c.log.Debugf("%s %d/%d bytes", phase, done, total)
		}
	}
	return c.session.Flash(path, progress)
}

func (c *ProbeCore) IsDump() bool  { return false }
func (c *ProbeCore) Detach() error { return c.session.Close() }
