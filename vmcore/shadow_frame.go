// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package vmcore // import "github.com/dexvm/dexrt/vmcore"

import (
	"math"
	"sync/atomic"

	"github.com/dexvm/dexrt/dex"
)

// JValue is the result register of one invocation: a primitive word pair
// and/or a reference.
type JValue struct {
	Bits uint64
	Ref  *Object
}

// Int returns the value as a 32-bit integer.
func (v JValue) Int() int32 { return int32(uint32(v.Bits)) }

// Long returns the value as a 64-bit integer.
func (v JValue) Long() int64 { return int64(v.Bits) }

// Float returns the value as a float.
func (v JValue) Float() float32 { return math.Float32frombits(uint32(v.Bits)) }

// Double returns the value as a double.
func (v JValue) Double() float64 { return math.Float64frombits(v.Bits) }

var nextFrameID atomic.Uint64

// ShadowFrame is the interpreter's activation record: the bytecode
// mirror of a native frame. Virtual registers are one 32-bit slot each,
// wide values span two adjacent slots, and a parallel reference array
// tags which slots hold references for exact collection.
type ShadowFrame struct {
	Link   *ShadowFrame
	Method *Method
	DexPC  dex.PC

	vregs []uint32
	refs  []*Object

	// Result register for sub-invocations (move-result reads it).
	Result JValue

	// Hotness countdown pair: the cached baseline and the remaining
	// countdown before the next JIT sample batch.
	CachedHotnessCountdown uint16
	HotnessCountdown       uint16

	// ID matches debugger-installed shadow frames to quick frames.
	ID uint64
}

// NewShadowFrame allocates a frame with the given register count.
func NewShadowFrame(method *Method, numRegs uint16) *ShadowFrame {
	return &ShadowFrame{
		Method: method,
		vregs:  make([]uint32, numRegs),
		refs:   make([]*Object, numRegs),
		ID:     nextFrameID.Add(1),
	}
}

// NumRegs returns the frame's register count.
func (f *ShadowFrame) NumRegs() int { return len(f.vregs) }

// GetVReg reads a 32-bit register slot.
func (f *ShadowFrame) GetVReg(i int32) uint32 { return f.vregs[i] }

// SetVReg writes a primitive 32-bit value and clears the reference tag.
func (f *ShadowFrame) SetVReg(i int32, v uint32) {
	f.vregs[i] = v
	f.refs[i] = nil
}

// SetVRegKeepRef writes a raw slot without touching the reference tag.
// Deoptimization uses it when the reference-ness comes from the map.
func (f *ShadowFrame) SetVRegKeepRef(i int32, v uint32) { f.vregs[i] = v }

// GetVRegLong reads the wide pair starting at slot i.
func (f *ShadowFrame) GetVRegLong(i int32) int64 {
	return int64(uint64(f.vregs[i]) | uint64(f.vregs[i+1])<<32)
}

// SetVRegLong writes the wide pair starting at slot i.
func (f *ShadowFrame) SetVRegLong(i int32, v int64) {
	f.vregs[i] = uint32(uint64(v))
	f.vregs[i+1] = uint32(uint64(v) >> 32)
	f.refs[i] = nil
	f.refs[i+1] = nil
}

// GetVRegFloat reads slot i as a float.
func (f *ShadowFrame) GetVRegFloat(i int32) float32 {
	return math.Float32frombits(f.vregs[i])
}

// SetVRegFloat writes slot i as a float.
func (f *ShadowFrame) SetVRegFloat(i int32, v float32) {
	f.SetVReg(i, math.Float32bits(v))
}

// GetVRegDouble reads the wide pair at slot i as a double.
func (f *ShadowFrame) GetVRegDouble(i int32) float64 {
	return math.Float64frombits(uint64(f.GetVRegLong(i)))
}

// SetVRegDouble writes the wide pair at slot i as a double.
func (f *ShadowFrame) SetVRegDouble(i int32, v float64) {
	f.SetVRegLong(i, int64(math.Float64bits(v)))
}

// GetVRegRef reads the reference in slot i, nil for primitive slots.
func (f *ShadowFrame) GetVRegRef(i int32) *Object { return f.refs[i] }

// SetVRegRef writes a reference into slot i.
func (f *ShadowFrame) SetVRegRef(i int32, o *Object) {
	f.vregs[i] = 0
	f.refs[i] = o
}

// CopyVReg copies slot src to slot dst including the reference tag.
func (f *ShadowFrame) CopyVReg(dst, src int32) {
	f.vregs[dst] = f.vregs[src]
	f.refs[dst] = f.refs[src]
}

// ReplaceAliases writes obj into every slot currently holding old. The
// string-constructor deoptimization path uses this to heal receiver
// aliases after the constructor produced the real instance.
func (f *ShadowFrame) ReplaceAliases(old, obj *Object) {
	if old == nil {
		return
	}
	for i := range f.refs {
		if f.refs[i] == old {
			f.refs[i] = obj
		}
	}
}

// VisitRoots reports every reference slot to the visitor, including the
// result register.
func (f *ShadowFrame) VisitRoots(visit func(**Object)) {
	for i := range f.refs {
		if f.refs[i] != nil {
			visit(&f.refs[i])
		}
	}
	if f.Result.Ref != nil {
		visit(&f.Result.Ref)
	}
}
