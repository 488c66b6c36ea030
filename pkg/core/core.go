// Package core provides the unified debug-target abstraction: one Core
// contract implemented by structurally different backends (static core dump,
// OpenOCD Tcl-RPC, GDB remote serial, live vendor probe, unattached). The
// backends are architecture-independent; architecture-specific knowledge
// (always-readable windows, generic chip names) is injected through
// AttachConfig by the caller.
package core

import (
	"fmt"

	"github.com/rivosinc/humility/pkg/regs"
)

// MaxReadSize bounds a single Read8/Write8 transfer.
const MaxReadSize = 64 * 1024

// Core is one attached debug target, live or static. Every method blocks
// until its transport round-trip completes; a Core must only be used from one
// goroutine at a time.
//
// Backends that cannot perform an operation return a CapabilityError rather
// than silently succeeding.
type Core interface {
	// Info returns a human-readable description of the attachment.
	Info() string

	ReadWord32(addr uint32) (uint32, error)
	// Read8 fills buf from target memory at addr. len(buf) must not
	// exceed MaxReadSize.
	Read8(addr uint32, buf []byte) error
	ReadReg(r regs.Register) (uint64, error)

	WriteReg(r regs.Register, v uint64) error
	WriteWord32(addr uint32, v uint32) error
	Write8(addr uint32, data []byte) error

	Halt() error
	Run() error
	Step() error
	Reset() error

	// OpStart begins a bracket of operations needing a consistent memory
	// view; OpDone ends it. Brackets nest: only the outermost bracket
	// physically halts a running target, and only the matching OpDone
	// resumes it.
	OpStart() error
	OpDone() error

	// InitSWV enables the target's SWV trace stream; ReadSWV returns the
	// next chunk of trace data, blocking until some is available.
	InitSWV() error
	ReadSWV() ([]byte, error)

	// Load flashes the image at path onto the target.
	Load(path string) error

	// IsDump reports whether this core is a static image rather than a
	// live target.
	IsDump() bool

	Detach() error
}

// ReadWord64 reads an 8-byte little-endian word as two 32-bit reads, for
// backends whose transport is word-oriented.
func ReadWord64(c Core, addr uint32) (uint64, error) {
	lo, err := c.ReadWord32(addr)
	if err != nil {
		return 0, err
	}
	hi, err := c.ReadWord32(addr + 4)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// AddrRange is a [Base, Base+Size) interval of target addresses.
type AddrRange struct {
	Base uint32
	Size uint32
}

// Contains reports whether the n-byte access at addr lies entirely inside
// the range.
func (r AddrRange) Contains(addr uint32, n int) bool {
	if addr < r.Base {
		return false
	}
	off := uint64(addr) - uint64(r.Base)
	return off+uint64(n) <= uint64(r.Size)
}

// alwaysReadable is the set of address ranges a backend may read without
// halting the target.
type alwaysReadable []AddrRange

func (ar alwaysReadable) contains(addr uint32, n int) bool {
	for _, r := range ar {
		if r.Contains(addr, n) {
			return true
		}
	}
	return false
}

// haltNest implements the halt/run nesting discipline shared by the live
// backends: a reference count where only the 0→1 transition physically halts
// and only the 1→0 transition resumes, and then only if the target was
// running before the outermost bracket.
type haltNest struct {
	depth      int
	wasRunning bool
}

// enter records one level of nesting and reports whether the caller must
// physically halt the target. running is the target's run state, consulted
// only on the outermost transition.
func (n *haltNest) enter(running bool) bool {
	n.depth++
	if n.depth > 1 {
		return false
	}
	n.wasRunning = running
	return running
}

// abort unwinds an enter whose physical halt failed, so the bracket does not
// count as open and the next outermost enter halts again.
func (n *haltNest) abort() {
	n.depth--
}

// exit unwinds one level and reports whether the caller must physically
// resume the target.
func (n *haltNest) exit() bool {
	if n.depth == 0 {
		return false
	}
	n.depth--
	return n.depth == 0 && n.wasRunning
}

func checkReadSize(n int) error {
	if n > MaxReadSize {
		return ReadSizeError{Size: n, Max: MaxReadSize}
	}
	return nil
}

// CapabilityError reports an operation the backend structurally cannot
// perform. It is never retried.
type CapabilityError struct {
	Backend string
	Op      string
}

func (e CapabilityError) Error() string {
	return fmt.Sprintf("%s target cannot %s", e.Backend, e.Op)
}

// ProtocolError reports a malformed or unexpected transport response. The
// raw response text is preserved for diagnosis.
type ProtocolError struct {
	Backend  string
	Cmd      string
	Response string
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error: command %q: unexpected response %q",
		e.Backend, e.Cmd, e.Response)
}

// ReadSizeError reports a bulk access exceeding the transfer bound.
type ReadSizeError struct {
	Size int
	Max  int
}

func (e ReadSizeError) Error() string {
	return fmt.Sprintf("%d-byte access exceeds %d-byte limit", e.Size, e.Max)
}

// UnmappedError reports an access to an address no dump segment maps.
type UnmappedError struct {
	Addr uint32
}

func (e UnmappedError) Error() string {
	return fmt.Sprintf("address %#x is not mapped by any segment", e.Addr)
}

// TruncatedError reports an access to an address that a segment maps but the
// dump file does not actually contain.
type TruncatedError struct {
	Addr   uint32
	Offset uint64
}

func (e TruncatedError) Error() string {
	return fmt.Sprintf("address %#x (file offset %#x) is beyond the end of the dump",
		e.Addr, e.Offset)
}

// RegisterError reports a register absent from a static image. Bulk register
// listings skip these and continue.
type RegisterError struct {
	Reg regs.Register
}

func (e RegisterError) Error() string {
	return fmt.Sprintf("register %s is not present", e.Reg)
}
