package core

import (
	"fmt"
	"time"

	"github.com/rivosinc/humility/pkg/regs"
)

// UnattachedCore is an opened probe with no target session: it can identify
// itself and toggle the reset line, nothing more. Every target operation
// fails with a CapabilityError.
type UnattachedCore struct {
	probe Probe
	info  ProbeInfo
}

// NewUnattachedCore wraps an opened probe.
func NewUnattachedCore(probe Probe) *UnattachedCore {
	return &UnattachedCore{probe: probe, info: probe.Info()}
}

func (c *UnattachedCore) Info() string {
	s := fmt.Sprintf("%s, VID %04x, PID %04x", c.info.Identifier, c.info.VendorID, c.info.ProductID)
	if c.info.SerialNumber != "" {
		s += ", serial " + c.info.SerialNumber
	}
	return s
}

func (c *UnattachedCore) err(op string) error {
	return CapabilityError{Backend: "unattached probe", Op: op}
}

func (c *UnattachedCore) ReadWord32(uint32) (uint32, error) { return 0, c.err("read memory") }
func (c *UnattachedCore) Read8(uint32, []byte) error        { return c.err("read memory") }
func (c *UnattachedCore) ReadReg(regs.Register) (uint64, error) {
	return 0, c.err("read a register")
}
func (c *UnattachedCore) WriteReg(regs.Register, uint64) error { return c.err("write a register") }
func (c *UnattachedCore) WriteWord32(uint32, uint32) error     { return c.err("write memory") }
func (c *UnattachedCore) Write8(uint32, []byte) error          { return c.err("write memory") }
func (c *UnattachedCore) Halt() error                          { return c.err("halt") }
func (c *UnattachedCore) Run() error                           { return c.err("run") }
func (c *UnattachedCore) Step() error                          { return c.err("step") }
func (c *UnattachedCore) OpStart() error                       { return c.err("bracket operations") }
func (c *UnattachedCore) OpDone() error                        { return c.err("bracket operations") }
func (c *UnattachedCore) InitSWV() error                       { return c.err("enable SWV") }
func (c *UnattachedCore) ReadSWV() ([]byte, error)             { return nil, c.err("read SWV") }
func (c *UnattachedCore) Load(string) error                    { return c.err("flash an image") }
func (c *UnattachedCore) IsDump() bool                         { return false }

// Reset drives the reset line directly. The hold time follows the CMSIS
// debug-description default.
func (c *UnattachedCore) Reset() error {
	if err := c.probe.TargetResetAssert(); err != nil {
		return err
	}
	time.Sleep(time.Second)
	return c.probe.TargetResetDeassert()
}

func (c *UnattachedCore) Detach() error { return c.probe.Close() }
