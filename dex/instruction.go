// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package dex // import "github.com/dexvm/dexrt/dex"

import "fmt"

// Instruction is a decoding cursor positioned at one instruction inside a
// method's code unit stream. It never copies: all accessors read straight
// from the underlying stream.
type Instruction []uint16

// At positions an instruction cursor at pc. The caller guarantees pc is an
// instruction boundary inside the stream.
func At(insns []uint16, pc PC) Instruction {
	return Instruction(insns[pc:])
}

// Opcode returns the opcode at the cursor.
func (in Instruction) Opcode() Opcode {
	return Opcode(in[0] & 0xff)
}

// Fetch16 returns the code unit at the given offset from the cursor.
func (in Instruction) Fetch16(offset int) uint16 {
	return in[offset]
}

// Fetch32 reads two little-endian ordered code units as an int32.
func (in Instruction) Fetch32(offset int) int32 {
	return int32(uint32(in[offset]) | uint32(in[offset+1])<<16)
}

// Fetch64 reads four code units as an int64.
func (in Instruction) Fetch64(offset int) int64 {
	return int64(uint64(in[offset]) | uint64(in[offset+1])<<16 |
		uint64(in[offset+2])<<32 | uint64(in[offset+3])<<48)
}

// SizeInCodeUnits returns the instruction's size. Payload
// pseudo-instructions report their encoded payload size.
func (in Instruction) SizeInCodeUnits() int {
	if in.Opcode() == OpNop {
		switch in[0] {
		case PackedSwitchSignature:
			return 4 + 2*int(in[1])
		case SparseSwitchSignature:
			return 2 + 4*int(in[1])
		case FillArrayDataSignature:
			width := int(in[1])
			count := int(uint32(in[2]) | uint32(in[3])<<16)
			return 4 + (width*count+1)/2
		}
	}
	return in.Opcode().Format().Size()
}

// Next returns the pc of the following instruction.
func (in Instruction) Next(pc PC) PC {
	return pc + PC(in.SizeInCodeUnits())
}

// VRegA decodes the A operand for the instruction's format.
func (in Instruction) VRegA() int32 {
	switch in.Opcode().Format() {
	case Fmt10x:
		return 0
	case Fmt12x, Fmt11n, Fmt22t, Fmt22s, Fmt22c:
		return int32((in[0] >> 8) & 0x0f)
	case Fmt11x, Fmt21t, Fmt21s, Fmt21h, Fmt21c, Fmt22x, Fmt23x, Fmt22b,
		Fmt31i, Fmt31t, Fmt31c, Fmt3rc, Fmt4rcc, Fmt51l:
		return int32(in[0] >> 8)
	case Fmt10t:
		return int32(int8(in[0] >> 8))
	case Fmt20t:
		return int32(int16(in[1]))
	case Fmt30t:
		return in.Fetch32(1)
	case Fmt32x:
		return int32(in[1])
	case Fmt35c, Fmt45cc:
		return int32(in[0] >> 12) // argument count
	}
	panic(fmt.Sprintf("VRegA: unhandled format for %s", in.Opcode()))
}

// VRegB decodes the B operand for the instruction's format.
func (in Instruction) VRegB() int32 {
	switch in.Opcode().Format() {
	case Fmt12x, Fmt22t, Fmt22s, Fmt22c:
		return int32(in[0] >> 12)
	case Fmt11n:
		// Signed 4-bit literal lives in the top nibble.
		return int32(int16(in[0]) >> 12)
	case Fmt21t, Fmt21s:
		return int32(int16(in[1]))
	case Fmt21h:
		return int32(in[1])
	case Fmt21c, Fmt22x, Fmt35c, Fmt3rc, Fmt45cc, Fmt4rcc:
		return int32(in[1])
	case Fmt23x, Fmt22b:
		return int32(in[1] & 0xff)
	case Fmt31i, Fmt31t:
		return in.Fetch32(1)
	case Fmt31c:
		return in.Fetch32(1)
	case Fmt32x:
		return int32(in[2])
	}
	panic(fmt.Sprintf("VRegB: unhandled format for %s", in.Opcode()))
}

// VRegBWide decodes the 64-bit literal of a 51l instruction.
func (in Instruction) VRegBWide() int64 {
	return in.Fetch64(1)
}

// VRegC decodes the C operand for the instruction's format.
func (in Instruction) VRegC() int32 {
	switch in.Opcode().Format() {
	case Fmt22t, Fmt22s:
		return int32(int16(in[1]))
	case Fmt22c:
		return int32(in[1])
	case Fmt23x:
		return int32(in[1] >> 8)
	case Fmt22b:
		return int32(int8(in[1] >> 8))
	case Fmt35c, Fmt45cc:
		return int32(in[2] & 0x0f)
	case Fmt3rc, Fmt4rcc:
		return int32(in[2])
	}
	panic(fmt.Sprintf("VRegC: unhandled format for %s", in.Opcode()))
}

// Args35c decodes the up-to-five argument registers of a 35c instruction.
// The returned slice aliases a fixed array; the caller copies if it keeps it.
func (in Instruction) Args35c() []uint16 {
	count := int(in[0] >> 12)
	regs := in[2]
	args := make([]uint16, 0, 5)
	for i := 0; i < count && i < 4; i++ {
		args = append(args, (regs>>(4*i))&0x0f)
	}
	if count == 5 {
		args = append(args, (in[0]>>8)&0x0f) // G register
	}
	return args
}

// ArgsRange decodes the register run of a 3rc instruction.
func (in Instruction) ArgsRange() (first uint16, count uint16) {
	return in[2], in[0] >> 8
}

// PackedSwitch is a decoded packed-switch payload.
type PackedSwitch struct {
	FirstKey int32
	Targets  []int32
}

// SparseSwitch is a decoded sparse-switch payload.
type SparseSwitch struct {
	Keys    []int32
	Targets []int32
}

// switchNoMatchOffset is the branch offset used when a switch key misses:
// fall through to the next instruction, i.e. the switch's own size.
const switchNoMatchOffset = 3

// DecodePackedSwitch decodes the payload at the given stream offset.
func DecodePackedSwitch(insns []uint16, payloadPC PC) (*PackedSwitch, error) {
	p := insns[payloadPC:]
	if p[0] != PackedSwitchSignature {
		return nil, fmt.Errorf("bad packed-switch magic %#04x at pc %d", p[0], payloadPC)
	}
	size := int(p[1])
	ps := &PackedSwitch{
		FirstKey: int32(uint32(p[2]) | uint32(p[3])<<16),
		Targets:  make([]int32, size),
	}
	for i := 0; i < size; i++ {
		ps.Targets[i] = int32(uint32(p[4+2*i]) | uint32(p[5+2*i])<<16)
	}
	return ps, nil
}

// Find returns the branch offset for the given key, or the switch
// instruction's own size when no entry matches.
func (ps *PackedSwitch) Find(key int32) int32 {
	idx := int64(key) - int64(ps.FirstKey)
	if idx < 0 || idx >= int64(len(ps.Targets)) {
		return switchNoMatchOffset
	}
	return ps.Targets[idx]
}

// DecodeSparseSwitch decodes the payload at the given stream offset.
func DecodeSparseSwitch(insns []uint16, payloadPC PC) (*SparseSwitch, error) {
	p := insns[payloadPC:]
	if p[0] != SparseSwitchSignature {
		return nil, fmt.Errorf("bad sparse-switch magic %#04x at pc %d", p[0], payloadPC)
	}
	size := int(p[1])
	ss := &SparseSwitch{
		Keys:    make([]int32, size),
		Targets: make([]int32, size),
	}
	for i := 0; i < size; i++ {
		ss.Keys[i] = int32(uint32(p[2+2*i]) | uint32(p[3+2*i])<<16)
	}
	base := 2 + 2*size
	for i := 0; i < size; i++ {
		ss.Targets[i] = int32(uint32(p[base+2*i]) | uint32(p[base+2*i+1])<<16)
	}
	return ss, nil
}

// Find binary-searches the sorted key table and returns the branch offset,
// or the switch instruction's own size when no entry matches.
func (ss *SparseSwitch) Find(key int32) int32 {
	lo, hi := 0, len(ss.Keys)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch {
		case ss.Keys[mid] < key:
			lo = mid + 1
		case ss.Keys[mid] > key:
			hi = mid - 1
		default:
			return ss.Targets[mid]
		}
	}
	return switchNoMatchOffset
}

// FillArrayData is a decoded fill-array-data payload.
type FillArrayData struct {
	ElementWidth uint16
	Data         []byte
}

// DecodeFillArrayData decodes the payload at the given stream offset.
func DecodeFillArrayData(insns []uint16, payloadPC PC) (*FillArrayData, error) {
	p := insns[payloadPC:]
	if p[0] != FillArrayDataSignature {
		return nil, fmt.Errorf("bad array-data magic %#04x at pc %d", p[0], payloadPC)
	}
	width := p[1]
	count := int(uint32(p[2]) | uint32(p[3])<<16)
	data := make([]byte, count*int(width))
	for i := range data {
		unit := p[4+i/2]
		if i%2 == 0 {
			data[i] = byte(unit)
		} else {
			data[i] = byte(unit >> 8)
		}
	}
	return &FillArrayData{ElementWidth: width, Data: data}, nil
}
