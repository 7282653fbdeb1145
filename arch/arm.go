package arch

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"golang.org/x/arch/arm/armasm"
)

const (
	// LDR PC, [PC, #-4]
	_LDRPCarm = uint32(0xe51ff004)

	// LDR.W PC, [PC, #0], first and second halfword
	_LDRWPCthumb1 = uint16(0xf8df)
	_LDRWPCthumb2 = uint16(0xf000)

	// B . in each mode
	_Bselfarm   = uint32(0xeafffffe)
	_Bselfthumb = uint16(0xe7fe)
)

// ARM redirects 32-bit ARM code. Bit 0 of the patched address selects the
// mode, as it does for interworking branches:
//
//	ARM:   LDR PC, [PC, #-4]; .word dest
//	Thumb: LDR.W PC, [PC, #0]; .word dest
//
// Both forms are 8 bytes and need a word aligned code address so the
// literal is where the load expects it, in its own aligned word.
var ARM Arch = arm{}

type arm struct{}

func (arm) Name() string { return "arm" }

func (arm) RedirectSize(at uintptr) int { return 8 }

func (arm) CodeAddr(addr uintptr) uintptr { return addr &^ 1 }

func isThumb(addr uintptr) bool { return addr&1 != 0 }

func (a arm) Redirect(at, dest uintptr) ([]byte, error) {
	if a.CodeAddr(at)&3 != 0 {
		return nil, ErrMisaligned
	}
	if uint64(dest) > math.MaxUint32 {
		return nil, ErrOutOfRange
	}

	buf := make([]byte, a.RedirectSize(at))
	if isThumb(at) {
		binary.LittleEndian.PutUint16(buf[0:], _LDRWPCthumb1)
		binary.LittleEndian.PutUint16(buf[2:], _LDRWPCthumb2)
	} else {
		binary.LittleEndian.PutUint32(buf[0:], _LDRPCarm)
	}
	binary.LittleEndian.PutUint32(buf[4:], uint32(dest))
	return buf, nil
}

func (a arm) RedirectTarget(code []byte, at uintptr) (uintptr, bool) {
	if len(code) < a.RedirectSize(at) {
		return 0, false
	}
	if isThumb(at) {
		if binary.LittleEndian.Uint16(code[0:]) != _LDRWPCthumb1 || binary.LittleEndian.Uint16(code[2:]) != _LDRWPCthumb2 {
			return 0, false
		}
	} else if binary.LittleEndian.Uint32(code[0:]) != _LDRPCarm {
		return 0, false
	}
	return uintptr(binary.LittleEndian.Uint32(code[4:])), true
}

func (arm) Park(at uintptr) []byte {
	if isThumb(at) {
		return binary.LittleEndian.AppendUint16(nil, _Bselfthumb)
	}
	return binary.LittleEndian.AppendUint32(nil, _Bselfarm)
}

func (a arm) Disassemble(code []byte, at uintptr) string {
	var buf bytes.Buffer
	pc := a.CodeAddr(at)

	// armasm only decodes ARM mode
	if isThumb(at) {
		for i := 0; i+2 <= len(code); i += 2 {
			fmt.Fprintf(&buf, "0x%08x\t%-20s\t?\n", pc+uintptr(i), hex.EncodeToString(code[i:i+2]))
		}
		return buf.String()
	}

	for i := 0; i < len(code)&^3; i += 4 {
		var asm string
		inst, err := armasm.Decode(code[i:], armasm.ModeARM)
		if err == nil {
			asm = inst.String()
		} else {
			asm = "?"
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", pc+uintptr(i), hex.EncodeToString(code[i:i+4]), asm)
	}

	return buf.String()
}
