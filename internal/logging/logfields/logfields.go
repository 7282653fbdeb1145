// Package logfields defines common logging fields which are used across packages
package logfields

const (
	// LogSubsys is the field denoting the subsystem when logging
	LogSubsys = "subsys"

	// PID is the target process identifier
	PID = "pid"

	// Address is an absolute address inside a target address space
	Address = "address"

	// Handle is a patch handle
	Handle = "handle"

	// Kind is the patch kind (hook or injection)
	Kind = "kind"

	// Size is a footprint in bytes
	Size = "size"

	// Depth is the number of hooks chained at an address
	Depth = "depth"

	// Module is a module name
	Module = "module"

	// ModuleID is the identifier the process registry assigned to a module
	ModuleID = "moduleID"

	// Segment is a loadable segment index
	Segment = "segment"

	// Offset is an offset relative to a segment
	Offset = "offset"

	// Symbol is a symbol name
	Symbol = "symbol"

	// Library is a library or symbol version name
	Library = "library"

	// Title is the title identifier plugins are loaded for
	Title = "title"

	// Path is a filesystem path
	Path = "path"

	// Arch is an instruction set name
	Arch = "arch"
)
