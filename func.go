//go:build (amd64 || arm64) && (unix || windows)

package patchbay

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/pboyd/patchbay/patch"
	"github.com/pboyd/patchbay/procmap"
	"github.com/pboyd/patchbay/status"
)

// FuncHook is a hook on a Go function of the running program.
type FuncHook[T any] struct {
	fw     *Framework
	typ    reflect.Type
	handle patch.Handle
	ref    *patch.Ref
}

// HookFunc redirects every call of fn to hook. The signatures must match.
//
// Both functions must be top level functions or function literals that
// capture nothing. If fn has been inlined at a call site, that call site
// is not affected; add a noinline directive to fn where possible:
//
//	//go:noinline
//	func myfunc() {
//		...
//	}
func HookFunc[T any](fw *Framework, fn, hook T) (*FuncHook[T], error) {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func || fnv.IsNil() {
		return nil, fmt.Errorf("not a function, kind: %v: %w", fnv.Kind(), status.ErrInvalidArgs)
	}
	hookv := reflect.ValueOf(hook)
	if hookv.Kind() != reflect.Func || hookv.IsNil() {
		return nil, fmt.Errorf("not a function, kind: %v: %w", hookv.Kind(), status.ErrInvalidArgs)
	}
	if !funcsAreEqual(fnv.Type(), hookv.Type()) {
		return nil, fmt.Errorf("function signatures do not match: %w: %w", diffFuncs(fnv.Type(), hookv.Type()), status.ErrInvalidArgs)
	}

	h, ref, err := fw.HookFunctionAbs(procmap.KernelPID, fnv.Pointer(), hookv.Pointer())
	if err != nil {
		return nil, err
	}
	return &FuncHook[T]{fw: fw, typ: fnv.Type(), handle: h, ref: ref}, nil
}

// Handle returns the handle of the underlying hook.
func (h *FuncHook[T]) Handle() patch.Handle { return h.handle }

// Next returns the function a hook continues with: the hook installed
// before this one, or a relocated copy of the original function. The zero
// value is returned when the original could not be relocated.
func (h *FuncHook[T]) Next() T {
	var zero T
	addr, _ := h.ref.Next()
	if addr == 0 {
		return zero
	}
	if t, ok := funcAt(h.typ, addr).(T); ok {
		return t
	}
	return zero
}

// funcAt builds a func value of type typ that calls the code at addr. The
// code must not expect a closure context.
func funcAt(typ reflect.Type, addr uintptr) any {
	// A func value points at a word holding the code address.
	code := new(uintptr)
	*code = addr
	return reflect.NewAt(typ, unsafe.Pointer(&code)).Elem().Interface()
}

// Release removes the hook.
func (h *FuncHook[T]) Release() error {
	return h.fw.ReleaseHook(h.handle)
}
