// Package image declares the contract between the debug core and the target
// image model, the ELF/DWARF symbol and type database built from the firmware
// archive. The database itself is maintained by the caller; the core and
// architecture layers only consume the lookups below.
package image

import "github.com/rivosinc/humility/pkg/regs"

// Info is the subset of the target image model the core and architecture
// layers need: symbol addresses, build metadata and, for core dumps, the
// register snapshot stored alongside the memory image.
type Info interface {
	// LookupSymWord returns the address of a data symbol, as stored in a
	// word-sized pointer. The error must identify the symbol name.
	LookupSymWord(name string) (uint32, error)

	// Target returns the build target triple, e.g. "thumbv7em-none-eabihf".
	Target() string

	// HasFeature reports whether the firmware build declares a named
	// architecture feature (e.g. "s-mode").
	HasFeature(feature string) bool

	// DumpRegisters returns the register snapshot recorded in a dump
	// archive, or nil if the image carries none.
	DumpRegisters() map[regs.Register]uint64
}

// Struct resolves member offsets of a named type from the image's DWARF
// data. The architecture layer uses it to locate fields of the kernel's
// saved-state structure without hardcoding its layout.
type Struct interface {
	// MemberOffset returns the byte offset of a named member. The error
	// must identify the member name.
	MemberOffset(member string) (uint32, error)
}

// StructLookup retrieves type layouts by name.
type StructLookup interface {
	// LookupStruct returns the layout of a named structure type.
	LookupStruct(name string) (Struct, error)
}
