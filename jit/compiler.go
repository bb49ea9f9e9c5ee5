// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package jit // import "github.com/dexvm/dexrt/jit"

import (
	"fmt"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/stackmap"
	"github.com/dexvm/dexrt/vmcore"
)

// vregClass is the flow-insensitive classification of one virtual
// register over the whole method body. A register written as both a
// reference and a primitive word anywhere in the method conflicts and
// gets no location, so neither the unwinder nor the deoptimizer can
// misread it.
type vregClass uint8

const (
	classUnused vregClass = iota
	classWord
	classRef
	classConflict
)

func mergeClass(old, new vregClass) vregClass {
	switch {
	case old == classUnused:
		return new
	case old == new:
		return old
	default:
		return classConflict
	}
}

// classifyVRegs seeds the argument registers from the shorty and then
// folds in every register-writing instruction of the body.
func classifyVRegs(m *vmcore.Method) []vregClass {
	numRegs := int(m.NumRegs())
	classes := make([]vregClass, numRegs)

	// Arguments occupy the top of the frame.
	reg := numRegs - int(m.NumIns())
	if !m.IsStatic() && reg < numRegs {
		classes[reg] = classRef
		reg++
	}
	for _, c := range m.Shorty[1:] {
		if reg >= numRegs {
			break
		}
		switch c {
		case 'L':
			classes[reg] = classRef
			reg++
		case 'J', 'D':
			classes[reg] = classWord
			if reg+1 < numRegs {
				classes[reg+1] = classWord
			}
			reg += 2
		default:
			classes[reg] = classWord
			reg++
		}
	}

	insns := m.Code.Insns
	for pc := dex.PC(0); int(pc) < len(insns); {
		in := dex.At(insns, pc)
		if dest, cls, wide, ok := writtenVReg(in); ok {
			if int(dest) < numRegs {
				classes[dest] = mergeClass(classes[dest], cls)
			}
			if wide && int(dest)+1 < numRegs {
				classes[dest+1] = mergeClass(classes[dest+1], classWord)
			}
		}
		pc = in.Next(pc)
	}
	return classes
}

// writtenVReg returns the destination register of an instruction, its
// class and whether the write is register-pair wide. ok is false for
// instructions that do not write a virtual register.
func writtenVReg(in dex.Instruction) (dest int32, cls vregClass, wide bool, ok bool) {
	op := in.Opcode()
	switch op {
	case dex.OpMoveObject, dex.OpMoveObjectFrom16, dex.OpMoveObject16,
		dex.OpMoveResultObject, dex.OpMoveException,
		dex.OpConstString, dex.OpConstStringJumbo, dex.OpConstClass,
		dex.OpNewInstance, dex.OpNewArray,
		dex.OpAgetObject, dex.OpIgetObject, dex.OpSgetObject,
		dex.OpIgetObjectQuick:
		return in.VRegA(), classRef, false, true

	case dex.OpMoveWide, dex.OpMoveWideFrom16, dex.OpMoveWide16,
		dex.OpMoveResultWide,
		dex.OpConstWide16, dex.OpConstWide32, dex.OpConstWide, dex.OpConstWideHigh16,
		dex.OpAgetWide, dex.OpIgetWide, dex.OpSgetWide, dex.OpIgetWideQuick,
		dex.OpNegLong, dex.OpNotLong, dex.OpNegDouble,
		dex.OpIntToLong, dex.OpIntToDouble, dex.OpLongToDouble,
		dex.OpFloatToLong, dex.OpFloatToDouble, dex.OpDoubleToLong:
		return in.VRegA(), classWord, true, true

	case dex.OpMove, dex.OpMoveFrom16, dex.OpMove16, dex.OpMoveResult,
		dex.OpConst4, dex.OpConst16, dex.OpConst, dex.OpConstHigh16,
		dex.OpInstanceOf, dex.OpArrayLength,
		dex.OpCmplFloat, dex.OpCmpgFloat, dex.OpCmplDouble, dex.OpCmpgDouble,
		dex.OpCmpLong,
		dex.OpAget, dex.OpAgetBoolean, dex.OpAgetByte, dex.OpAgetChar, dex.OpAgetShort,
		dex.OpIget, dex.OpIgetBoolean, dex.OpIgetByte, dex.OpIgetChar, dex.OpIgetShort,
		dex.OpSget, dex.OpSgetBoolean, dex.OpSgetByte, dex.OpSgetChar, dex.OpSgetShort,
		dex.OpNegInt, dex.OpNotInt, dex.OpNegFloat,
		dex.OpLongToInt, dex.OpLongToFloat,
		dex.OpFloatToInt, dex.OpDoubleToInt, dex.OpDoubleToFloat,
		dex.OpIntToFloat, dex.OpIntToByte, dex.OpIntToChar, dex.OpIntToShort,
		dex.OpIgetQuick, dex.OpIgetBooleanQuick, dex.OpIgetByteQuick,
		dex.OpIgetCharQuick, dex.OpIgetShortQuick:
		return in.VRegA(), classWord, false, true
	}

	switch {
	case op >= dex.OpAddLong && op <= dex.OpUshrLong,
		op >= dex.OpAddDouble && op <= dex.OpRemDouble,
		op >= dex.OpAddLong2Addr && op <= dex.OpUshrLong2Addr,
		op >= dex.OpAddDouble2Addr && op <= dex.OpRemDouble2Addr:
		return in.VRegA(), classWord, true, true

	case op >= dex.OpAddInt && op <= dex.OpUshrInt,
		op >= dex.OpAddFloat && op <= dex.OpRemFloat,
		op >= dex.OpAddInt2Addr && op <= dex.OpUshrInt2Addr,
		op >= dex.OpAddFloat2Addr && op <= dex.OpRemFloat2Addr,
		op >= dex.OpAddIntLit16 && op <= dex.OpUshrIntLit8:
		return in.VRegA(), classWord, false, true
	}
	return 0, classUnused, false, false
}

// compileMethod builds a stack-map-only body for the method. Every
// instruction gets a map entry at a synthetic native pc, every live
// vreg a dedicated spill slot above the method-pointer slot, so the
// simulated body can be unwound and deoptimized at any point. Returns
// the body and its accounted size in bytes.
func compileMethod(m *vmcore.Method, osr bool) (*vmcore.CompiledCode, uintptr, error) {
	code := m.Code
	if code == nil {
		return nil, 0, fmt.Errorf("%s has no code item", m.PrettyName())
	}
	numRegs := m.NumRegs()
	frameSize := 8 * (uint32(numRegs) + 1)
	b := stackmap.NewBuilder(numRegs, frameSize)

	classes := classifyVRegs(m)
	locs := make([]stackmap.Location, numRegs)
	refMask := stackmap.NewRefMask(int(numRegs) + 1)
	for v := 0; v < int(numRegs); v++ {
		switch classes[v] {
		case classWord:
			locs[v] = stackmap.Location{Kind: stackmap.KindInStack, Value: int32(8 * (1 + v))}
		case classRef:
			locs[v] = stackmap.Location{Kind: stackmap.KindInStack, Value: int32(8 * (1 + v))}
			refMask.Set(1 + v)
		default:
			locs[v] = stackmap.Location{Kind: stackmap.KindNone}
		}
	}

	insns := code.Insns
	index := 0
	for pc := dex.PC(0); int(pc) < len(insns); {
		in := dex.At(insns, pc)
		b.AddEntry(stackmap.Entry{
			NativePCOffset: 4 * uint32(index+1),
			DexPC:          pc,
			Locations:      locs,
			StackRefMask:   refMask,
		})
		index++
		pc = in.Next(pc)
	}

	seen := make(map[dex.PC]bool)
	addCatch := func(pc dex.PC) {
		if pc == dex.NoPC || seen[pc] {
			return
		}
		seen[pc] = true
		b.AddCatchEntry(stackmap.CatchEntry{DexPC: pc, Locations: locs})
	}
	for i := range code.Tries {
		try := &code.Tries[i]
		for _, h := range try.Handlers {
			addCatch(h.HandlerPC)
		}
		addCatch(try.CatchAll)
	}

	enc := b.Encode()
	ci, err := stackmap.Decode(enc)
	if err != nil {
		return nil, 0, fmt.Errorf("compiling %s: %w", m.PrettyName(), err)
	}
	return vmcore.NewCompiledCode(m, ci, osr), uintptr(len(enc)), nil
}
