// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package stackmap reads and writes the compiler-emitted side tables that
// map native code positions back to the bytecode register state. The
// tables are kept serialized; readers use a cursor that decodes fields on
// demand instead of materializing whole maps.
package stackmap // import "github.com/dexvm/dexrt/stackmap"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/dexvm/dexrt/dex"
)

// LocationKind says where a virtual register lives at a native pc.
type LocationKind uint8

const (
	KindNone LocationKind = iota
	KindConstant
	KindInStack
	KindInRegister
	KindInRegisterHigh
	KindInFpuRegister
	KindInFpuRegisterHigh
)

var kindNames = [...]string{
	"none", "constant", "in-stack", "in-register", "in-register-high",
	"in-fpu-register", "in-fpu-register-high",
}

func (k LocationKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Location is one virtual register's location. Value is a constant, a
// frame-pointer-relative byte offset, or a register number depending on
// the kind.
type Location struct {
	Kind  LocationKind
	Value int32
}

// RefMask is a bit set over spill slots, one word per 64 slots. Frames
// can spill more than 64 words, so the mask length follows the frame
// size rather than a fixed machine word.
type RefMask []uint64

// NewRefMask returns a mask covering numSlots spill slots.
func NewRefMask(numSlots int) RefMask {
	return make(RefMask, (numSlots+63)/64)
}

// Set marks slot as holding a reference.
func (m RefMask) Set(slot int) {
	m[slot/64] |= 1 << uint(slot%64)
}

// Get reports whether slot holds a reference. Out-of-range slots are
// not references.
func (m RefMask) Get(slot int) bool {
	if slot < 0 || slot/64 >= len(m) {
		return false
	}
	return m[slot/64]&(1<<uint(slot%64)) != 0
}

// Entry describes the register state at one native pc. Used by the
// builder only; readers go through Cursor.
type Entry struct {
	NativePCOffset  uint32
	DexPC           dex.PC
	Locations       []Location
	StackRefMask    RefMask // bit n set: spill slot n holds a reference
	RegisterRefMask uint32  // bit n set: core register n holds a reference
}

// CatchEntry describes the slot layout a catch handler expects,
// keyed by handler dex-pc.
type CatchEntry struct {
	DexPC     dex.PC
	Locations []Location
}

const (
	headerSize     = 20
	entryFixedSize = 4 + 4 + 4 // nativePC, dexPC, regRefMask; stack mask follows
	locationSize   = 5         // kind byte + 4 value bytes
	catchMetaSize  = 4
	magic          = uint32(0x50414d53) // "SMAP"
)

// maskWordsForFrame returns the stack mask length in 64-bit words for a
// frame of the given byte size. Slots are one machine word wide.
func maskWordsForFrame(frameSizeBytes uint32) int {
	slots := int(frameSizeBytes+7) / 8
	return (slots + 63) / 64
}

// Builder assembles a serialized CodeInfo. The fake compiler in the JIT
// and the tests are the only writers.
type Builder struct {
	numVRegs       uint16
	frameSizeBytes uint32
	maskWords      int
	entries        []Entry
	catchEntries   []CatchEntry
}

// NewBuilder returns a builder for a method with the given register count
// and compiled frame size.
func NewBuilder(numVRegs uint16, frameSizeBytes uint32) *Builder {
	return &Builder{
		numVRegs:       numVRegs,
		frameSizeBytes: frameSizeBytes,
		maskWords:      maskWordsForFrame(frameSizeBytes),
	}
}

// AddEntry records the register state at a native pc. A short stack
// mask is padded to the frame's width; one longer than the frame is a
// writer bug.
func (b *Builder) AddEntry(e Entry) {
	if len(e.Locations) != int(b.numVRegs) {
		panic(fmt.Sprintf("stackmap: entry has %d locations, method has %d vregs",
			len(e.Locations), b.numVRegs))
	}
	if len(e.StackRefMask) > b.maskWords {
		panic(fmt.Sprintf("stackmap: stack mask has %d words, frame holds %d",
			len(e.StackRefMask), b.maskWords))
	}
	if len(e.StackRefMask) < b.maskWords {
		padded := make(RefMask, b.maskWords)
		copy(padded, e.StackRefMask)
		e.StackRefMask = padded
	}
	b.entries = append(b.entries, e)
}

// AddCatchEntry records the catch-phi destination layout for a handler.
func (b *Builder) AddCatchEntry(e CatchEntry) {
	if len(e.Locations) != int(b.numVRegs) {
		panic(fmt.Sprintf("stackmap: catch entry has %d locations, method has %d vregs",
			len(e.Locations), b.numVRegs))
	}
	b.catchEntries = append(b.catchEntries, e)
}

// Encode serializes the tables. Entries are sorted by native pc so the
// reader can binary search.
func (b *Builder) Encode() []byte {
	sort.Slice(b.entries, func(i, j int) bool {
		return b.entries[i].NativePCOffset < b.entries[j].NativePCOffset
	})
	sort.Slice(b.catchEntries, func(i, j int) bool {
		return b.catchEntries[i].DexPC < b.catchEntries[j].DexPC
	})

	entrySize := entryFixedSize + 8*b.maskWords + locationSize*int(b.numVRegs)
	catchSize := catchMetaSize + locationSize*int(b.numVRegs)
	out := make([]byte, headerSize+entrySize*len(b.entries)+catchSize*len(b.catchEntries))

	le := binary.LittleEndian
	le.PutUint32(out[0:], magic)
	le.PutUint16(out[4:], b.numVRegs)
	le.PutUint32(out[6:], b.frameSizeBytes)
	le.PutUint32(out[10:], uint32(len(b.entries)))
	le.PutUint32(out[14:], uint32(len(b.catchEntries)))

	off := headerSize
	for i := range b.entries {
		e := &b.entries[i]
		le.PutUint32(out[off:], e.NativePCOffset)
		le.PutUint32(out[off+4:], uint32(e.DexPC))
		le.PutUint32(out[off+8:], e.RegisterRefMask)
		for w, word := range e.StackRefMask {
			le.PutUint64(out[off+entryFixedSize+8*w:], word)
		}
		putLocations(out[off+entryFixedSize+8*b.maskWords:], e.Locations)
		off += entrySize
	}
	for i := range b.catchEntries {
		e := &b.catchEntries[i]
		le.PutUint32(out[off:], uint32(e.DexPC))
		putLocations(out[off+catchMetaSize:], e.Locations)
		off += catchSize
	}
	return out
}

func putLocations(dst []byte, locs []Location) {
	for i, l := range locs {
		dst[i*locationSize] = byte(l.Kind)
		binary.LittleEndian.PutUint32(dst[i*locationSize+1:], uint32(l.Value))
	}
}

// CodeInfo is a read-only view over a serialized table.
type CodeInfo struct {
	data       []byte
	numVRegs   uint16
	frameSize  uint32
	numEntries int
	numCatch   int
	maskWords  int
	entrySize  int
	catchSize  int
	catchBase  int
}

// ErrBadCodeInfo is returned for truncated or mismatched table bytes.
var ErrBadCodeInfo = errors.New("malformed stack map data")

// Decode wraps serialized table bytes. The bytes are retained, not copied.
func Decode(data []byte) (*CodeInfo, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadCodeInfo, len(data))
	}
	le := binary.LittleEndian
	if le.Uint32(data[0:]) != magic {
		return nil, fmt.Errorf("%w: bad magic %#08x", ErrBadCodeInfo, le.Uint32(data[0:]))
	}
	ci := &CodeInfo{
		data:       data,
		numVRegs:   le.Uint16(data[4:]),
		frameSize:  le.Uint32(data[6:]),
		numEntries: int(le.Uint32(data[10:])),
		numCatch:   int(le.Uint32(data[14:])),
	}
	ci.maskWords = maskWordsForFrame(ci.frameSize)
	ci.entrySize = entryFixedSize + 8*ci.maskWords + locationSize*int(ci.numVRegs)
	ci.catchSize = catchMetaSize + locationSize*int(ci.numVRegs)
	ci.catchBase = headerSize + ci.entrySize*ci.numEntries
	want := ci.catchBase + ci.catchSize*ci.numCatch
	if len(data) < want {
		return nil, fmt.Errorf("%w: have %d bytes, want %d", ErrBadCodeInfo, len(data), want)
	}
	return ci, nil
}

// NumVRegs returns the method's virtual register count.
func (ci *CodeInfo) NumVRegs() int { return int(ci.numVRegs) }

// FrameSizeBytes returns the compiled frame size. Slot 0 of the frame
// holds the artificial method pointer.
func (ci *CodeInfo) FrameSizeBytes() uint32 { return ci.frameSize }

// NumEntries returns the number of stack map entries.
func (ci *CodeInfo) NumEntries() int { return ci.numEntries }

// Cursor is a positioned reader over one stack map entry.
type Cursor struct {
	ci  *CodeInfo
	off int
}

// EntryAt positions a cursor at entry index i.
func (ci *CodeInfo) EntryAt(i int) Cursor {
	return Cursor{ci: ci, off: headerSize + i*ci.entrySize}
}

// FindNativePC returns the cursor for the entry with the exact native pc
// offset, or false.
func (ci *CodeInfo) FindNativePC(nativePC uint32) (Cursor, bool) {
	i := sort.Search(ci.numEntries, func(i int) bool {
		return ci.EntryAt(i).NativePCOffset() >= nativePC
	})
	if i < ci.numEntries && ci.EntryAt(i).NativePCOffset() == nativePC {
		return ci.EntryAt(i), true
	}
	return Cursor{}, false
}

// FindDexPC returns the first entry mapped to the given dex pc, or false.
// Used for OSR entry lookup and mapping a handler dex-pc to native code.
func (ci *CodeInfo) FindDexPC(pc dex.PC) (Cursor, bool) {
	for i := 0; i < ci.numEntries; i++ {
		if c := ci.EntryAt(i); c.DexPC() == pc {
			return c, true
		}
	}
	return Cursor{}, false
}

// NativePCOffset returns the entry's native pc offset.
func (c Cursor) NativePCOffset() uint32 {
	return binary.LittleEndian.Uint32(c.ci.data[c.off:])
}

// DexPC returns the entry's dex pc.
func (c Cursor) DexPC() dex.PC {
	return dex.PC(binary.LittleEndian.Uint32(c.ci.data[c.off+4:]))
}

// RegisterIsRef reports whether core register reg holds a reference here.
func (c Cursor) RegisterIsRef(reg int32) bool {
	mask := binary.LittleEndian.Uint32(c.ci.data[c.off+8:])
	return reg >= 0 && reg < 32 && mask&(1<<uint(reg)) != 0
}

// StackSlotIsRef reports whether the spill slot at the given byte offset
// holds a reference. Slots are one machine word (8 bytes) wide.
func (c Cursor) StackSlotIsRef(byteOffset int32) bool {
	slot := int(byteOffset / 8)
	if byteOffset < 0 || slot/64 >= c.ci.maskWords {
		return false
	}
	word := binary.LittleEndian.Uint64(c.ci.data[c.off+entryFixedSize+8*(slot/64):])
	return word&(1<<uint(slot%64)) != 0
}

// Location returns the location of virtual register vreg at this entry.
func (c Cursor) Location(vreg int) Location {
	base := c.off + entryFixedSize + 8*c.ci.maskWords + vreg*locationSize
	return Location{
		Kind:  LocationKind(c.ci.data[base]),
		Value: int32(binary.LittleEndian.Uint32(c.ci.data[base+1:])),
	}
}

// CatchCursor is a positioned reader over one catch-handler entry.
type CatchCursor struct {
	ci  *CodeInfo
	off int
}

// FindCatchDexPC returns the catch-handler layout for the handler at the
// given dex pc, or false.
func (ci *CodeInfo) FindCatchDexPC(pc dex.PC) (CatchCursor, bool) {
	i := sort.Search(ci.numCatch, func(i int) bool {
		off := ci.catchBase + i*ci.catchSize
		return dex.PC(binary.LittleEndian.Uint32(ci.data[off:])) >= pc
	})
	if i < ci.numCatch {
		off := ci.catchBase + i*ci.catchSize
		if dex.PC(binary.LittleEndian.Uint32(ci.data[off:])) == pc {
			return CatchCursor{ci: ci, off: off}, true
		}
	}
	return CatchCursor{}, false
}

// DexPC returns the handler dex pc of this catch entry.
func (c CatchCursor) DexPC() dex.PC {
	return dex.PC(binary.LittleEndian.Uint32(c.ci.data[c.off:]))
}

// Location returns where the handler expects virtual register vreg.
func (c CatchCursor) Location(vreg int) Location {
	base := c.off + catchMetaSize + vreg*locationSize
	return Location{
		Kind:  LocationKind(c.ci.data[base]),
		Value: int32(binary.LittleEndian.Uint32(c.ci.data[base+1:])),
	}
}
