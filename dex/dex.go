// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package dex models the dex-like bytecode container consumed by the
// execution core: typed index spaces, per-method code items with their
// try/catch tables, and the instruction stream decoder.
package dex // import "github.com/dexvm/dexrt/dex"

import (
	"fmt"

	"github.com/zeebo/xxh3"
)

// PC is a bytecode offset in 16-bit code units from the start of a
// method's instruction stream.
type PC uint32

// TypeIndex references an entry in a dex file's type id table.
type TypeIndex uint16

// MethodIndex references an entry in a dex file's method id table.
type MethodIndex uint32

// FieldIndex references an entry in a dex file's field id table.
type FieldIndex uint32

// StringIndex references an entry in a dex file's string table.
type StringIndex uint32

// ClassDefIndex references an entry in a dex file's class def table.
type ClassDefIndex uint32

// NoIndex marks an unresolved or absent index slot.
const NoIndex = ^uint32(0)

// MethodID names one method: the defining type, its name and its shorty.
// The shorty is the compressed signature: return type descriptor first,
// then one character per argument ('L' for any reference, 'J'/'D' wide).
type MethodID struct {
	ClassIdx  TypeIndex
	Name      string
	Shorty    string
	Signature string
}

// FieldID names one field and its type descriptor.
type FieldID struct {
	ClassIdx TypeIndex
	Name     string
	TypeDesc string
}

// TryItem covers [StartPC, StartPC+InsnCount) and points at a list of
// catch handlers. CatchAllPC is NoPC when there is no catch-all arm.
type TryItem struct {
	StartPC   PC
	InsnCount uint16
	Handlers  []CatchHandler
	CatchAll  PC
}

// NoPC marks an absent handler address.
const NoPC = PC(0xffffffff)

// CatchHandler is one typed arm of a try block.
type CatchHandler struct {
	TypeIdx   TypeIndex
	HandlerPC PC
}

// CodeItem is the executable payload of one method.
type CodeItem struct {
	RegistersSize uint16 // number of virtual registers, arguments included
	InsSize       uint16 // number of incoming argument registers
	OutsSize      uint16 // outgoing argument area size
	Insns         []uint16
	Tries         []TryItem
}

// TriesAt returns the innermost try item covering pc, or nil.
// Dex try items do not nest in the encoded form; the first hit wins.
func (c *CodeItem) TriesAt(pc PC) *TryItem {
	for i := range c.Tries {
		t := &c.Tries[i]
		if pc >= t.StartPC && pc < t.StartPC+PC(t.InsnCount) {
			return t
		}
	}
	return nil
}

// ClassDef is one class definition inside a dex file.
type ClassDef struct {
	ClassIdx   TypeIndex
	Descriptor string
	SuperIdx   TypeIndex
	AccessFlags uint32
}

// File is an in-memory dex file. Byte layout of the container is not part
// of this package's contract; the execution core only consumes the decoded
// tables.
type File struct {
	Location string
	Checksum uint32

	Strings   []string
	TypeDescs []string
	Methods   []MethodID
	Fields    []FieldID
	ClassDefs []ClassDef

	// Code items keyed by method index. Methods without an entry are
	// abstract or native.
	Code map[MethodIndex]*CodeItem
}

// NewFile returns an empty dex file for the given location. The checksum
// is derived from the location until real content is attached; callers
// building synthetic files for tests may override it.
func NewFile(location string) *File {
	return &File{
		Location: location,
		Checksum: uint32(xxh3.HashString(location)),
		Code:     make(map[MethodIndex]*CodeItem),
	}
}

// TypeDescriptor returns the descriptor for a type index.
func (f *File) TypeDescriptor(idx TypeIndex) string {
	if int(idx) >= len(f.TypeDescs) {
		return ""
	}
	return f.TypeDescs[idx]
}

// ClassDescriptor returns the descriptor of the class at the given class
// def index.
func (f *File) ClassDescriptor(idx ClassDefIndex) string {
	if int(idx) >= len(f.ClassDefs) {
		return ""
	}
	return f.ClassDefs[idx].Descriptor
}

// NumClassDefs returns the number of class definitions in the file.
func (f *File) NumClassDefs() int {
	return len(f.ClassDefs)
}

// MethodName returns a printable name for a method index.
func (f *File) MethodName(idx MethodIndex) string {
	if int(idx) >= len(f.Methods) {
		return fmt.Sprintf("<method#%d>", idx)
	}
	m := &f.Methods[idx]
	return f.TypeDescriptor(m.ClassIdx) + "." + m.Name
}

// FieldName returns a printable name for a field index.
func (f *File) FieldName(idx FieldIndex) string {
	if int(idx) >= len(f.Fields) {
		return fmt.Sprintf("<field#%d>", idx)
	}
	fl := &f.Fields[idx]
	return f.TypeDescriptor(fl.ClassIdx) + "." + fl.Name
}
