// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package regtype implements the verifier's register-type lattice: a
// closed set of tagged variants with pairwise merge rules, owned by a
// per-verifier cache that hands out stable 16-bit ids.
package regtype // import "github.com/dexvm/dexrt/regtype"

import (
	"fmt"
	"math/bits"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/vmcore"
)

// Kind discriminates the lattice variants.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindConflict

	KindBoolean
	KindByte
	KindShort
	KindChar
	KindInteger
	KindFloat
	KindLongLo
	KindLongHi
	KindDoubleLo
	KindDoubleHi

	KindPreciseConst
	KindImpreciseConst
	KindPreciseConstLo
	KindImpreciseConstLo
	KindPreciseConstHi
	KindImpreciseConstHi

	KindReference
	KindPreciseReference
	KindUninitializedReference
	KindUnresolvedReference
	KindUnresolvedMergedReference
	KindUnresolvedSuperClass
)

// Type is one lattice element. Instances are interned by their owning
// cache; pointer identity is semantic identity.
type Type struct {
	kind Kind
	id   uint16

	// Resolved reference types.
	klass   *vmcore.Class
	precise bool

	// Unresolved types.
	descriptor string

	// Constant value, or the literal half for lo/hi constants, or the
	// child id for unresolved-super-class.
	val int32

	// Uninitialized types: the allocating new-instance dex pc.
	allocPC dex.PC

	// Unresolved-merged: the resolved contribution plus the cache ids of
	// every unresolved contributor.
	resolvedPart *Type
	merged       *BitSet
}

// Kind returns the variant tag.
func (t *Type) Kind() Kind { return t.kind }

// ID returns the cache-stable id.
func (t *Type) ID() uint16 { return t.id }

// Class returns the resolved class for reference kinds, nil otherwise.
func (t *Type) Class() *vmcore.Class { return t.klass }

// Descriptor returns the type descriptor, where one is known.
func (t *Type) Descriptor() string {
	if t.klass != nil {
		return t.klass.Descriptor
	}
	return t.descriptor
}

// ConstantValue returns the constant payload.
func (t *Type) ConstantValue() int32 { return t.val }

// AllocPC returns the allocation site of an uninitialized type.
func (t *Type) AllocPC() dex.PC { return t.allocPC }

// ResolvedPart returns the resolved contribution of a merged reference.
func (t *Type) ResolvedPart() *Type { return t.resolvedPart }

// MergedSet returns the unresolved contributor ids of a merged reference.
func (t *Type) MergedSet() *BitSet { return t.merged }

// IsUndefined reports the Undefined variant.
func (t *Type) IsUndefined() bool { return t.kind == KindUndefined }

// IsConflict reports the Conflict variant.
func (t *Type) IsConflict() bool { return t.kind == KindConflict }

// IsPrecise reports precise constants and precise references.
func (t *Type) IsPrecise() bool {
	switch t.kind {
	case KindPreciseConst, KindPreciseConstLo, KindPreciseConstHi,
		KindPreciseReference:
		return true
	}
	return t.precise
}

// IsConstant reports a category-1 constant.
func (t *Type) IsConstant() bool {
	return t.kind == KindPreciseConst || t.kind == KindImpreciseConst
}

// IsConstantLo reports the low half of a category-2 constant.
func (t *Type) IsConstantLo() bool {
	return t.kind == KindPreciseConstLo || t.kind == KindImpreciseConstLo
}

// IsConstantHi reports the high half of a category-2 constant.
func (t *Type) IsConstantHi() bool {
	return t.kind == KindPreciseConstHi || t.kind == KindImpreciseConstHi
}

// IsZero reports the null constant.
func (t *Type) IsZero() bool { return t.kind == KindPreciseConst && t.val == 0 }

// IsConstantByte reports a constant whose value fits a byte.
func (t *Type) IsConstantByte() bool {
	return t.IsConstant() && t.val >= -128 && t.val <= 127
}

// IsConstantShort reports a constant whose value fits a short.
func (t *Type) IsConstantShort() bool {
	return t.IsConstant() && t.val >= -32768 && t.val <= 32767
}

// IsConstantChar reports a non-negative constant fitting a char.
func (t *Type) IsConstantChar() bool {
	return t.IsConstant() && t.val >= 0 && t.val <= 65535
}

// IsIntegralTypes reports boolean through int, constants included.
func (t *Type) IsIntegralTypes() bool {
	switch t.kind {
	case KindBoolean, KindByte, KindShort, KindChar, KindInteger,
		KindPreciseConst, KindImpreciseConst:
		return true
	}
	return false
}

// IsFloatTypes reports float or a category-1 constant.
func (t *Type) IsFloatTypes() bool {
	return t.kind == KindFloat || t.IsConstant()
}

// IsLongLoTypes reports long-lo or a constant low half.
func (t *Type) IsLongLoTypes() bool {
	return t.kind == KindLongLo || t.IsConstantLo()
}

// IsLongHiTypes reports long-hi or a constant high half.
func (t *Type) IsLongHiTypes() bool {
	return t.kind == KindLongHi || t.IsConstantHi()
}

// IsDoubleLoTypes reports double-lo or a constant low half.
func (t *Type) IsDoubleLoTypes() bool {
	return t.kind == KindDoubleLo || t.IsConstantLo()
}

// IsDoubleHiTypes reports double-hi or a constant high half.
func (t *Type) IsDoubleHiTypes() bool {
	return t.kind == KindDoubleHi || t.IsConstantHi()
}

// IsLowHalf reports any low-half variant.
func (t *Type) IsLowHalf() bool {
	return t.kind == KindLongLo || t.kind == KindDoubleLo || t.IsConstantLo()
}

// IsHighHalf reports any high-half variant.
func (t *Type) IsHighHalf() bool {
	return t.kind == KindLongHi || t.kind == KindDoubleHi || t.IsConstantHi()
}

// IsUninitialized reports a new-but-not-constructed reference.
func (t *Type) IsUninitialized() bool {
	return t.kind == KindUninitializedReference
}

// IsUnresolvedTypes reports any unresolved reference variant.
func (t *Type) IsUnresolvedTypes() bool {
	switch t.kind {
	case KindUnresolvedReference, KindUnresolvedMergedReference,
		KindUnresolvedSuperClass:
		return true
	}
	return false
}

// IsUnresolvedMergedReference reports the merged-reference variant.
func (t *Type) IsUnresolvedMergedReference() bool {
	return t.kind == KindUnresolvedMergedReference
}

// IsReferenceTypes reports anything usable where a reference is
// expected: resolved, unresolved, uninitialized, or the null constant.
func (t *Type) IsReferenceTypes() bool {
	switch t.kind {
	case KindReference, KindPreciseReference, KindUninitializedReference,
		KindUnresolvedReference, KindUnresolvedMergedReference,
		KindUnresolvedSuperClass:
		return true
	}
	return t.IsZero()
}

// IsObjectReference reports a resolved java.lang.Object reference.
func (t *Type) IsObjectReference() bool {
	return (t.kind == KindReference || t.kind == KindPreciseReference) &&
		t.klass != nil && t.klass.IsObjectClass()
}

func (t *Type) String() string {
	switch t.kind {
	case KindUndefined:
		return "Undefined"
	case KindConflict:
		return "Conflict"
	case KindBoolean:
		return "Boolean"
	case KindByte:
		return "Byte"
	case KindShort:
		return "Short"
	case KindChar:
		return "Char"
	case KindInteger:
		return "Integer"
	case KindFloat:
		return "Float"
	case KindLongLo:
		return "Long (Low Half)"
	case KindLongHi:
		return "Long (High Half)"
	case KindDoubleLo:
		return "Double (Low Half)"
	case KindDoubleHi:
		return "Double (High Half)"
	case KindPreciseConst:
		return fmt.Sprintf("Precise Constant: %d", t.val)
	case KindImpreciseConst:
		return fmt.Sprintf("Imprecise Constant: %d", t.val)
	case KindPreciseConstLo, KindImpreciseConstLo:
		return fmt.Sprintf("Constant (Low Half): %d", t.val)
	case KindPreciseConstHi, KindImpreciseConstHi:
		return fmt.Sprintf("Constant (High Half): %d", t.val)
	case KindReference:
		return "Reference: " + vmcore.PrettyDescriptor(t.Descriptor())
	case KindPreciseReference:
		return "Precise Reference: " + vmcore.PrettyDescriptor(t.Descriptor())
	case KindUninitializedReference:
		return fmt.Sprintf("Uninitialized Reference: %s (allocated at %d)",
			vmcore.PrettyDescriptor(t.Descriptor()), t.allocPC)
	case KindUnresolvedReference:
		return "Unresolved Reference: " + t.descriptor
	case KindUnresolvedMergedReference:
		return "Unresolved Merged Reference"
	case KindUnresolvedSuperClass:
		return fmt.Sprintf("Unresolved Super Class of id %d", t.val)
	}
	return "Unknown"
}

// CheckWidePair reports whether lo/hi form a matched wide register pair.
func CheckWidePair(lo, hi *Type) bool {
	switch {
	case lo.kind == KindLongLo:
		return hi.kind == KindLongHi
	case lo.kind == KindDoubleLo:
		return hi.kind == KindDoubleHi
	case lo.IsConstantLo():
		return hi.IsConstantHi()
	}
	return false
}

// BitSet is a fixed-purpose id set for unresolved-merged members.
type BitSet struct {
	words []uint64
}

// NewBitSet returns an empty set.
func NewBitSet() *BitSet { return &BitSet{} }

// Set adds id to the set.
func (b *BitSet) Set(id uint16) {
	w := int(id) / 64
	for len(b.words) <= w {
		b.words = append(b.words, 0)
	}
	b.words[w] |= 1 << (uint(id) % 64)
}

// Has reports membership.
func (b *BitSet) Has(id uint16) bool {
	w := int(id) / 64
	return w < len(b.words) && b.words[w]&(1<<(uint(id)%64)) != 0
}

// Union adds every member of other.
func (b *BitSet) Union(other *BitSet) {
	for len(b.words) < len(other.words) {
		b.words = append(b.words, 0)
	}
	for i, w := range other.words {
		b.words[i] |= w
	}
}

// Equal reports set equality.
func (b *BitSet) Equal(other *BitSet) bool {
	long, short := b.words, other.words
	if len(short) > len(long) {
		long, short = short, long
	}
	for i := range short {
		if long[i] != short[i] {
			return false
		}
	}
	for _, w := range long[len(short):] {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the member count.
func (b *BitSet) Count() int {
	n := 0
	for _, w := range b.words {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}
	return n
}

// ForEach calls fn for every member in ascending order.
func (b *BitSet) ForEach(fn func(uint16)) {
	for wi, w := range b.words {
		for ; w != 0; w &= w - 1 {
			fn(uint16(wi*64 + bits.TrailingZeros64(w)))
		}
	}
}

// Clone returns a copy.
func (b *BitSet) Clone() *BitSet {
	c := &BitSet{words: make([]uint64, len(b.words))}
	copy(c.words, b.words)
	return c
}
