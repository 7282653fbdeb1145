package patchbay

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeCALLabs = 0xff // CALL r/m64
	opcodeCALLrel = 0xe8 // CALL rel32
	opcodeINT3    = 0xcc
	opcodeJMP     = 0xe9 // JMP rel32
	opcodeLEA     = 0x8d

	opcodeMOV_imm_rm = 0xc7 // MOV imm, r/m
	opcodeMOV_r_rm   = 0x8b // MOV r, r/m

	regModeDirect = 3
	registerBP    = 5
)

// relocateFunc copies the machine code in src into dest, rewriting the
// instructions that address memory relative to the instruction pointer.
// Both slices must sit at the addresses the code runs from. Calls that no
// longer reach their target are routed through a stub appended to dest, so
// dest needs spare capacity.
func relocateFunc(src, dest []byte) ([]byte, error) {
	srcBase := uintptr(unsafe.Pointer(unsafe.SliceData(src)))
	destBase := uintptr(unsafe.Pointer(unsafe.SliceData(dest)))

	// Drop the INT3 padding that follows the function.
	end := len(src)
	for end > 0 && src[end-1] == opcodeINT3 {
		end--
	}
	src = src[:end]
	dest = dest[:len(src)]

	for i := 0; i < len(src); {
		inst, err := x86asm.Decode(src[i:], 64)
		if err != nil {
			return nil, fmt.Errorf("decode error at offset %d: %w", i, err)
		}

		next := i + inst.Len
		srcAddr := srcBase + uintptr(next)
		destAddr := destBase + uintptr(next)

		switch op := inst.Opcode >> 24; op {
		case opcodeCALLrel, opcodeJMP:
			rel, ok := inst.Args[0].(x86asm.Rel)
			if !ok || inst.Len != 5 {
				copy(dest[i:], src[i:next])
				break
			}

			target := srcAddr + uintptr(int64(rel))
			if target >= srcBase && target < srcBase+uintptr(len(src)) {
				// Branches within the function move with it.
				copy(dest[i:], src[i:next])
				break
			}

			disp := int64(target) - int64(destAddr)
			if disp >= math.MinInt32 && disp <= math.MaxInt32 {
				dest[i] = byte(op)
				binary.LittleEndian.PutUint32(dest[i+1:], uint32(int32(disp)))
				break
			}
			if op != opcodeCALLrel {
				return nil, fmt.Errorf("offset %d: jump target 0x%x out of range", i, target)
			}

			stub, err := farCall(target, int32(next-len(dest)))
			if err != nil {
				return nil, fmt.Errorf("offset %d: %w", i, err)
			}
			dest[i] = opcodeJMP
			binary.LittleEndian.PutUint32(dest[i+1:], uint32(int32(len(dest)-next)))
			dest = append(dest, stub...)

		case opcodeLEA, opcodeMOV_r_rm:
			m, ok := inst.Args[1].(x86asm.Mem)
			if !ok || m.Base != x86asm.RIP {
				copy(dest[i:], src[i:next])
				break
			}

			copy(dest[i:], src[i:next-4])
			disp := int64(srcAddr) + m.Disp - int64(destAddr)
			if disp < math.MinInt32 || disp > math.MaxInt32 {
				return nil, fmt.Errorf("offset %d: RIP relative operand out of range", i)
			}
			binary.LittleEndian.PutUint32(dest[next-4:], uint32(int32(disp)))

		default:
			copy(dest[i:], src[i:next])
		}

		i = next
	}

	for len(dest)&0xf != 0 {
		dest = append(dest, opcodeINT3)
	}
	return dest, nil
}

// farCall returns the machine code for:
//
//	MOVQ <callDest>, BP
//	CALL BP
//	JMP <jumpBack>
//
// jumpBack is relative to the start of the returned block.
func farCall(callDest uintptr, jumpBack int32) ([]byte, error) {
	if callDest > math.MaxUint32 {
		return nil, errors.New("64-bit call is not implemented")
	}

	buf := make([]byte, 14)
	i := 0

	// MOVQ <callDest>, BP
	buf[i] = byte(x86asm.PrefixREX) | byte(x86asm.PrefixREXW)
	i++
	buf[i] = opcodeMOV_imm_rm
	i++
	buf[i] = regModeDirect<<6 | registerBP
	i++
	binary.LittleEndian.PutUint32(buf[i:], uint32(callDest))
	i += 4

	// CALL BP
	buf[i] = opcodeCALLabs
	i++
	buf[i] = regModeDirect<<6 | 2<<3 | registerBP
	i++

	// JMP <jumpBack>
	buf[i] = opcodeJMP
	i++
	binary.LittleEndian.PutUint32(buf[i:], uint32(jumpBack-int32(i)-4))

	return buf, nil
}

func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for i := 0; i < len(code); {
		inst, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return "", fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+inst.Len]), inst.String())

		i += inst.Len
	}

	return buf.String(), nil
}
