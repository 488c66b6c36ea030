package core

import "time"

// The live-probe backend delegates the USB/SWD/JTAG wire protocol to a
// vendor probe driver behind the interfaces below. The driver owns probe
// enumeration, chip knowledge and flash algorithms; the backend contributes
// the halt/run discipline and the always-readable windows.

// ProbeInfo identifies one attached debug probe.
type ProbeInfo struct {
	Identifier   string
	VendorID     uint16
	ProductID    uint16
	SerialNumber string
}

// ProbeDriver enumerates and opens debug probes.
type ProbeDriver interface {
	// List returns every probe currently attached to the host.
	List() ([]ProbeInfo, error)

	// Open claims a listed probe. A probe whose USB link is already in
	// use (another debugger running) fails here.
	Open(info ProbeInfo) (Probe, error)

	// OpenSelector claims a probe by "vid:pid" or "vid:pid:serial".
	OpenSelector(selector string) (Probe, error)
}

// Probe is an opened probe that is not yet attached to a target.
type Probe interface {
	Info() ProbeInfo

	// Attach connects to the target, identified by a chip name the
	// driver knows. Generic architecture names attach but cannot flash.
	Attach(chip string) (ProbeSession, error)

	// TargetResetAssert and TargetResetDeassert drive the reset line
	// directly, without a target connection.
	TargetResetAssert() error
	TargetResetDeassert() error

	Close() error
}

// FlashPhase is one of the two phases a flash download reports progress for.
type FlashPhase int

const (
	FlashErase FlashPhase = iota
	FlashProgram
)

func (p FlashPhase) String() string {
	if p == FlashErase {
		return "erasing"
	}
	return "flashing"
}

// FlashProgressFunc receives progress during a flash download: done and
// total are byte counts within the given phase.
type FlashProgressFunc func(phase FlashPhase, done, total int)

// ProbeSession is an attached target session provided by the driver.
type ProbeSession interface {
	Halted() (bool, error)
	Halt(timeout time.Duration) error
	Run() error
	Step() error
	Reset() error

	ReadWord32(addr uint32) (uint32, error)
	Read8(addr uint32, buf []byte) error
	WriteWord32(addr uint32, v uint32) error
	Write8(addr uint32, data []byte) error

	// ReadCoreReg and WriteCoreReg address registers by the
	// architecture's native selector id.
	ReadCoreReg(id uint16) (uint64, error)
	WriteCoreReg(id uint16, v uint64) error

	SetupSWV(baud uint32) error
	ReadSWV() ([]byte, error)

	// Flash downloads the image at path, reporting erase and program
	// progress through the callback.
	Flash(path string, progress FlashProgressFunc) error

	Close() error
}
