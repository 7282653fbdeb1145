package patchbay

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"unsafe"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	// -----------------------------------
	// | 000101 | ... 26 bit address ... |
	// -----------------------------------
	_B = uint32(5 << 26)

	// -----------------------------------
	// | 100101 | ... 26 bit address ... |
	// -----------------------------------
	_BL = uint32(1<<31 | _B)

	// ADR/ADRP is encoded as:
	// --------------------------------------------------
	// | P | lo 2 bits | 10000 | hi 19 bits | 5-bit reg |
	// --------------------------------------------------
	adrAddressMask = uint32(3<<29 | 0x7ffff<<5)
)

// relocateFunc copies the machine code in src into dest, re-encoding the
// PC relative instructions that point outside the function. Both slices
// must sit at the addresses the code runs from.
func relocateFunc(src, dest []byte) ([]byte, error) {
	dest = dest[:len(src)]
	copy(dest, src)

	srcBase := uintptr(unsafe.Pointer(unsafe.SliceData(src)))
	srcEnd := srcBase + uintptr(len(src))

	for i := 0; i+4 <= len(src); i += 4 {
		raw := dest[i : i+4]

		inst, err := arm64asm.Decode(raw)
		if err != nil {
			// Zero padding after the last instruction.
			if bytes.Equal(raw, []byte{0, 0, 0, 0}) {
				break
			}
			return nil, fmt.Errorf("decode error at offset %d %v: %w", i, raw, err)
		}

		srcPC := srcBase + uintptr(i)
		for _, arg := range inst.Args {
			rel, ok := arg.(arm64asm.PCRel)
			if !ok {
				continue
			}
			target := uintptr(int64(srcPC) + int64(rel))
			if inst.Op != arm64asm.ADRP && target >= srcBase && target < srcEnd {
				break
			}
			err = fixPCRelAddress(inst, srcPC, raw)
			if err != nil {
				return nil, fmt.Errorf("offset %d: %w", i, err)
			}
		}
	}

	return dest, nil
}

func fixPCRelAddress(inst arm64asm.Inst, srcPC uintptr, dest []byte) error {
	destPC := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))

	switch inst.Op {
	case arm64asm.ADRP:
		// arm64asm reports the offset in bytes from the page of srcPC.
		oldOffset := int64(inst.Args[1].(arm64asm.PCRel))
		pages := (int64(srcPC&^uintptr(0xfff)) + oldOffset - int64(destPC&^uintptr(0xfff))) >> 12
		if pages < -(1<<20) || pages >= (1<<20) {
			return fmt.Errorf("ADRP target out of range: %d pages exceeds 4GiB", pages)
		}

		p := uint32(pages)
		encoded := binary.LittleEndian.Uint32(dest) &^ adrAddressMask
		encoded |= (p & 3) << 29
		encoded |= (p >> 2) << 5
		binary.LittleEndian.PutUint32(dest, encoded)

	case arm64asm.BL, arm64asm.B:
		if binary.LittleEndian.Uint32(dest)&^(1<<26-1)&^(1<<31) != _B {
			// Conditional branches only ever stay inside the function.
			return fmt.Errorf("%v leaves the function", inst)
		}
		oldOffset := int64(inst.Args[0].(arm64asm.PCRel))
		offset := int64(srcPC) + oldOffset - int64(destPC)
		if offset < -(1<<27) || offset >= (1<<27) {
			return fmt.Errorf("%v target out of range: %d bytes exceeds 128MiB", inst.Op, offset)
		}

		op := _B
		if inst.Op == arm64asm.BL {
			op = _BL
		}
		binary.LittleEndian.PutUint32(dest, op|(uint32(offset>>2)&(1<<26-1)))

	default:
		return fmt.Errorf("cannot relocate %v", inst)
	}

	return nil
}

func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for i := 0; i < len(code)&^3; i += 4 {
		asm := "?"
		if inst, err := arm64asm.Decode(code[i:]); err == nil {
			asm = inst.String()
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+4]), asm)
	}

	return buf.String(), nil
}
