package patchbay

import (
	"errors"
	"fmt"
	"reflect"
)

func funcsAreEqual(a, b reflect.Type) bool {
	return diffFuncs(a, b) == nil
}

// diffFuncs describes every parameter and result where the two function
// types disagree, or returns nil when they match.
func diffFuncs(a, b reflect.Type) error {
	var errs []error
	errs = appendDiffs(errs, "argument", a.NumIn(), b.NumIn(), a.In, b.In)
	errs = appendDiffs(errs, "output", a.NumOut(), b.NumOut(), a.Out, b.Out)
	if a.IsVariadic() != b.IsVariadic() {
		errs = append(errs, fmt.Errorf("variadic: %v != %v", a.IsVariadic(), b.IsVariadic()))
	}
	return errors.Join(errs...)
}

func appendDiffs(errs []error, what string, na, nb int, at, bt func(int) reflect.Type) []error {
	for i := 0; i < max(na, nb); i++ {
		var x, y reflect.Type
		if i < na {
			x = at(i)
		}
		if i < nb {
			y = bt(i)
		}
		if x != y {
			errs = append(errs, fmt.Errorf("%s %d: %v != %v", what, i, x, y))
		}
	}
	return errs
}
