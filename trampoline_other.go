//go:build !((amd64 || arm64) && (unix || windows))

package patchbay

import "github.com/pboyd/patchbay/patch"

// Relocating code is only supported on amd64 and arm64. Hooks still work
// elsewhere but cannot call the original.
func newTrampolines() patch.Trampoliner {
	return nil
}
