//go:build (amd64 || arm64) && linux

package patchbay_test

import (
	"fmt"
	"time"

	"github.com/pboyd/patchbay"
)

func ExampleHookFunc() {
	fw, err := patchbay.Start(patchbay.Options{})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer fw.Stop()

	h, err := patchbay.HookFunc(fw, time.Now, func() time.Time {
		return time.Date(2000, 1, 1, 17, 0, 0, 0, time.FixedZone("somewhere", -5))
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer h.Release()

	fmt.Printf("It's %s\n", time.Now().Format("3:04 PM MST"))
	// Output: It's 5:00 PM somewhere
}
