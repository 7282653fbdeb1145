// Package status defines the result codes returned across the patchbay API.
//
// Every code is a negative int32 so it can be returned in place of a
// non-negative handle, the way callers of the framework expect results.
package status

import (
	"errors"
	"fmt"
)

// Code is a negative result code. It implements error so it can be wrapped
// with fmt.Errorf and recovered with errors.Is or Of.
type Code int32

const (
	ErrSystem Code = 0x90010000 - 1<<32 + iota
	ErrMemory
	ErrNotFound
	ErrInvalidArgs
	ErrRestrictedAddress
	ErrPatchExists
	ErrMutationFailed
	ErrNotImplemented
	ErrInvalidHandle
	ErrNotAllowed
	ErrStubNotResolved
	ErrInvalidModule
)

var names = map[Code]string{
	ErrSystem:            "system error",
	ErrMemory:            "out of memory",
	ErrNotFound:          "not found",
	ErrInvalidArgs:       "invalid arguments",
	ErrRestrictedAddress: "address is in a restricted region",
	ErrPatchExists:       "patch exists",
	ErrMutationFailed:    "memory mutation failed",
	ErrNotImplemented:    "not implemented",
	ErrInvalidHandle:     "invalid handle",
	ErrNotAllowed:        "not allowed",
	ErrStubNotResolved:   "import stub not resolved",
	ErrInvalidModule:     "invalid module",
}

func (c Code) Error() string {
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("error 0x%08X", uint32(c))
}

// Of returns the code carried by err. Errors without a code map to
// ErrSystem. A nil error has no code and returns 0.
func Of(err error) Code {
	if err == nil {
		return 0
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return ErrSystem
}

// Result folds a (value, error) pair into the signed result form: value on
// success, the negative code on failure.
func Result(v int32, err error) int32 {
	if err != nil {
		return int32(Of(err))
	}
	return v
}
