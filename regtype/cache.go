// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package regtype // import "github.com/dexvm/dexrt/regtype"

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/vmcore"
)

// Fixed ids of the shared singleton prefix. Every cache starts with the
// same prefix so ids agree across caches.
const (
	idUndefined uint16 = iota
	idConflict
	idBoolean
	idByte
	idShort
	idChar
	idInteger
	idFloat
	idLongLo
	idLongHi
	idDoubleLo
	idDoubleHi
	idImpreciseByteConst
	idImpreciseShortConst
	idImpreciseCharConst
	idImpreciseIntConst
	idSmallConstFirst // precise constants -1..127 follow
)

const (
	smallConstMin = -1
	smallConstMax = 127
	numSmallConst = smallConstMax - smallConstMin + 1
)

// Shared singletons are created by Init and reference-counted across
// caches; the last Shutdown releases them. No first-access lazy init.
var (
	sharedMu    sync.Mutex
	sharedRefs  int
	sharedTypes []*Type
)

// Init creates (or retains) the process-wide singleton types. Every
// Init must be paired with a Shutdown.
func Init() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	sharedRefs++
	if sharedRefs > 1 {
		return
	}
	mk := func(id uint16, kind Kind, val int32) *Type {
		return &Type{kind: kind, id: id, val: val}
	}
	sharedTypes = []*Type{
		mk(idUndefined, KindUndefined, 0),
		mk(idConflict, KindConflict, 0),
		mk(idBoolean, KindBoolean, 0),
		mk(idByte, KindByte, 0),
		mk(idShort, KindShort, 0),
		mk(idChar, KindChar, 0),
		mk(idInteger, KindInteger, 0),
		mk(idFloat, KindFloat, 0),
		mk(idLongLo, KindLongLo, 0),
		mk(idLongHi, KindLongHi, 0),
		mk(idDoubleLo, KindDoubleLo, 0),
		mk(idDoubleHi, KindDoubleHi, 0),
		mk(idImpreciseByteConst, KindImpreciseConst, 127),
		mk(idImpreciseShortConst, KindImpreciseConst, 32767),
		mk(idImpreciseCharConst, KindImpreciseConst, 65535),
		mk(idImpreciseIntConst, KindImpreciseConst, 1<<31-1),
	}
	for v := smallConstMin; v <= smallConstMax; v++ {
		id := idSmallConstFirst + uint16(v-smallConstMin)
		sharedTypes = append(sharedTypes, mk(id, KindPreciseConst, int32(v)))
	}
}

// Shutdown releases one reference on the shared singletons.
func Shutdown() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedRefs == 0 {
		log.Fatal("regtype: Shutdown without Init")
	}
	sharedRefs--
	if sharedRefs == 0 {
		sharedTypes = nil
	}
}

// Cache owns the lattice types of one verifier run. All non-singleton
// types live for the cache's lifetime; ids index the entry list.
type Cache struct {
	linker vmcore.ClassLinker
	loader *vmcore.ClassLoader

	entries []*Type
}

// NewCache creates a cache for a verifier working under the given
// loader. Init must have been called.
func NewCache(linker vmcore.ClassLinker, loader *vmcore.ClassLoader) *Cache {
	sharedMu.Lock()
	shared := sharedTypes
	sharedMu.Unlock()
	if shared == nil {
		log.Fatal("regtype: NewCache before Init")
	}
	c := &Cache{linker: linker, loader: loader}
	c.entries = append(c.entries, shared...)
	return c
}

func (c *Cache) add(t *Type) *Type {
	t.id = uint16(len(c.entries))
	c.entries = append(c.entries, t)
	return t
}

// ByID returns the type with the given cache id.
func (c *Cache) ByID(id uint16) *Type { return c.entries[id] }

// Undefined returns the Undefined singleton.
func (c *Cache) Undefined() *Type { return c.entries[idUndefined] }

// Conflict returns the Conflict singleton.
func (c *Cache) Conflict() *Type { return c.entries[idConflict] }

// Boolean returns the boolean primitive type.
func (c *Cache) Boolean() *Type { return c.entries[idBoolean] }

// Byte returns the byte primitive type.
func (c *Cache) Byte() *Type { return c.entries[idByte] }

// Short returns the short primitive type.
func (c *Cache) Short() *Type { return c.entries[idShort] }

// Char returns the char primitive type.
func (c *Cache) Char() *Type { return c.entries[idChar] }

// Integer returns the int primitive type.
func (c *Cache) Integer() *Type { return c.entries[idInteger] }

// Float returns the float primitive type.
func (c *Cache) Float() *Type { return c.entries[idFloat] }

// LongLo returns the long low-half type.
func (c *Cache) LongLo() *Type { return c.entries[idLongLo] }

// LongHi returns the long high-half type.
func (c *Cache) LongHi() *Type { return c.entries[idLongHi] }

// DoubleLo returns the double low-half type.
func (c *Cache) DoubleLo() *Type { return c.entries[idDoubleLo] }

// DoubleHi returns the double high-half type.
func (c *Cache) DoubleHi() *Type { return c.entries[idDoubleHi] }

// Zero returns the null constant.
func (c *Cache) Zero() *Type { return c.entries[idSmallConstFirst+1] }

// ByteConstant returns the shared imprecise byte-range constant.
func (c *Cache) ByteConstant() *Type { return c.entries[idImpreciseByteConst] }

// ShortConstant returns the shared imprecise short-range constant.
func (c *Cache) ShortConstant() *Type { return c.entries[idImpreciseShortConst] }

// CharConstant returns the shared imprecise char-range constant.
func (c *Cache) CharConstant() *Type { return c.entries[idImpreciseCharConst] }

// IntConstant returns the shared imprecise int-range constant.
func (c *Cache) IntConstant() *Type { return c.entries[idImpreciseIntConst] }

// JavaLangObject returns the (imprecise) Object reference type.
func (c *Cache) JavaLangObject() *Type {
	return c.From(c.loader, vmcore.DescObject, false)
}

// From resolves or creates a reference type by descriptor. Primitive
// descriptors map to the primitive singletons; descriptors the linker
// cannot resolve become unresolved references.
func (c *Cache) From(loader *vmcore.ClassLoader, descriptor string, precise bool) *Type {
	switch descriptor {
	case "Z":
		return c.Boolean()
	case "B":
		return c.Byte()
	case "S":
		return c.Short()
	case "C":
		return c.Char()
	case "I":
		return c.Integer()
	case "F":
		return c.Float()
	case "J":
		return c.LongLo()
	case "D":
		return c.DoubleLo()
	case "V":
		return c.Conflict()
	}
	if c.linker != nil {
		if klass := c.linker.FindClass(descriptor, loader); klass != nil {
			return c.FromClass(klass, precise)
		}
	}
	for _, t := range c.entries {
		if t.kind == KindUnresolvedReference && t.descriptor == descriptor {
			return t
		}
	}
	return c.add(&Type{kind: KindUnresolvedReference, descriptor: descriptor})
}

// FromClass interns a resolved reference type.
func (c *Cache) FromClass(klass *vmcore.Class, precise bool) *Type {
	// Final classes are precise regardless of the caller's guess.
	precise = precise || klass.IsFinalClass()
	kind := KindReference
	if precise {
		kind = KindPreciseReference
	}
	for _, t := range c.entries {
		if t.kind == kind && t.klass == klass {
			return t
		}
	}
	return c.add(&Type{kind: kind, klass: klass, precise: precise})
}

// FromCat1Const interns a 32-bit constant. Precise small values share
// the process-wide singletons.
func (c *Cache) FromCat1Const(v int32, precise bool) *Type {
	if precise && v >= smallConstMin && v <= smallConstMax {
		return c.entries[idSmallConstFirst+uint16(v-smallConstMin)]
	}
	kind := KindImpreciseConst
	if precise {
		kind = KindPreciseConst
	}
	for _, t := range c.entries[idSmallConstFirst+numSmallConst:] {
		if t.kind == kind && t.val == v {
			return t
		}
	}
	return c.add(&Type{kind: kind, val: v})
}

// FromCat2ConstLo interns the low literal half of a 64-bit constant.
func (c *Cache) FromCat2ConstLo(v int32, precise bool) *Type {
	kind := KindImpreciseConstLo
	if precise {
		kind = KindPreciseConstLo
	}
	return c.internConst(kind, v)
}

// FromCat2ConstHi interns the high literal half of a 64-bit constant.
func (c *Cache) FromCat2ConstHi(v int32, precise bool) *Type {
	kind := KindImpreciseConstHi
	if precise {
		kind = KindPreciseConstHi
	}
	return c.internConst(kind, v)
}

func (c *Cache) internConst(kind Kind, v int32) *Type {
	for _, t := range c.entries {
		if t.kind == kind && t.val == v {
			return t
		}
	}
	return c.add(&Type{kind: kind, val: v})
}

// Uninitialized returns the new-but-not-constructed variant of a
// reference type, keyed by allocation pc.
func (c *Cache) Uninitialized(t *Type, allocPC dex.PC) *Type {
	desc := t.Descriptor()
	for _, e := range c.entries {
		if e.kind == KindUninitializedReference && e.allocPC == allocPC &&
			e.klass == t.klass && e.descriptor == desc {
			return e
		}
	}
	return c.add(&Type{
		kind:       KindUninitializedReference,
		klass:      t.klass,
		descriptor: desc,
		allocPC:    allocPC,
	})
}

// FromUninitialized returns the initialized counterpart after <init>.
func (c *Cache) FromUninitialized(u *Type) *Type {
	if u.klass != nil {
		return c.FromClass(u.klass, true)
	}
	return c.From(c.loader, u.descriptor, false)
}

// FromUnresolvedMerge builds the merged reference for rule 11: the
// resolved contributions joined, plus the id set of every unresolved
// contributor. Merged contributors donate their whole set, not
// themselves as an element.
func (c *Cache) FromUnresolvedMerge(a, b *Type) *Type {
	set := NewBitSet()
	resolved := c.Zero()
	accumulate := func(t *Type) {
		switch {
		case t.IsUnresolvedMergedReference():
			set.Union(t.merged)
			resolved = c.Merge(resolved, t.resolvedPart)
		case t.IsUnresolvedTypes():
			set.Set(t.id)
		default:
			resolved = c.Merge(resolved, t)
		}
	}
	accumulate(a)
	accumulate(b)

	for _, t := range c.entries {
		if t.kind == KindUnresolvedMergedReference &&
			t.resolvedPart == resolved && t.merged.Equal(set) {
			return t
		}
	}
	return c.add(&Type{
		kind:         KindUnresolvedMergedReference,
		resolvedPart: resolved,
		merged:       set,
	})
}

// FromUnresolvedSuperClass stands in for the superclass of an
// unresolved child type.
func (c *Cache) FromUnresolvedSuperClass(child *Type) *Type {
	for _, t := range c.entries {
		if t.kind == KindUnresolvedSuperClass && t.val == int32(child.id) {
			return t
		}
	}
	return c.add(&Type{kind: KindUnresolvedSuperClass, val: int32(child.id)})
}

// integral ranks for the join chain boolean < byte < short < int; char
// joins only with itself or int.
func integralRank(k Kind) int {
	switch k {
	case KindBoolean:
		return 0
	case KindByte:
		return 1
	case KindShort:
		return 2
	case KindInteger:
		return 4
	}
	return -1
}

// constFit maps a constant to the narrowest integral kind holding its
// value, using the signed chain for negatives.
func constFit(t *Type) Kind {
	v := t.val
	switch {
	case v == 0 || v == 1:
		return KindBoolean
	case v >= -128 && v <= 127:
		return KindByte
	case v >= -32768 && v <= 32767:
		return KindShort
	case v >= 0 && v <= 65535:
		return KindChar
	}
	return KindInteger
}

func (c *Cache) integralType(k Kind) *Type {
	switch k {
	case KindBoolean:
		return c.Boolean()
	case KindByte:
		return c.Byte()
	case KindShort:
		return c.Short()
	case KindChar:
		return c.Char()
	}
	return c.Integer()
}

// mergeConstants implements rule 4: the result is the shared imprecise
// constant of the smallest integral range holding both values.
func (c *Cache) mergeConstants(a, b *Type) *Type {
	v1, v2 := a.val, b.val
	if v1 >= 0 && v2 >= 0 {
		switch {
		case v1 <= 127 && v2 <= 127:
			return c.ByteConstant()
		case v1 <= 32767 && v2 <= 32767:
			return c.ShortConstant()
		case v1 <= 65535 && v2 <= 65535:
			return c.CharConstant()
		}
		return c.IntConstant()
	}
	if v1 < 0 && v2 < 0 {
		switch {
		case v1 >= -128 && v2 >= -128:
			return c.ByteConstant()
		case v1 >= -32768 && v2 >= -32768:
			return c.ShortConstant()
		}
		return c.IntConstant()
	}
	// Mixed signs: smallest signed range holding both.
	switch {
	case v1 >= -128 && v1 <= 127 && v2 >= -128 && v2 <= 127:
		return c.ByteConstant()
	case v1 >= -32768 && v1 <= 32767 && v2 >= -32768 && v2 <= 32767:
		return c.ShortConstant()
	}
	return c.IntConstant()
}

// Merge is the lattice join.
func (c *Cache) Merge(a, b *Type) *Type {
	if a == b {
		return a
	}
	if a.IsUndefined() || b.IsUndefined() {
		// Stronger than Conflict: undefined registers must never be
		// copied, so merging with anything stays Undefined.
		return c.Undefined()
	}
	if a.IsConflict() || b.IsConflict() {
		return c.Conflict()
	}

	if a.IsConstant() && b.IsConstant() {
		return c.mergeConstants(a, b)
	}
	if a.IsConstantLo() && b.IsConstantLo() {
		return c.internConst(KindImpreciseConstLo, a.val|b.val)
	}
	if a.IsConstantHi() && b.IsConstantHi() {
		return c.internConst(KindImpreciseConstHi, a.val|b.val)
	}

	// Zero merges into any initialized reference. An uninitialized
	// reference never absorbs null: the register would otherwise look
	// usable before its constructor ran.
	if a.IsZero() && b.IsReferenceTypes() {
		if b.IsUninitialized() {
			return c.Conflict()
		}
		return b
	}
	if b.IsZero() && a.IsReferenceTypes() {
		if a.IsUninitialized() {
			return c.Conflict()
		}
		return a
	}

	if a.IsIntegralTypes() && b.IsIntegralTypes() {
		ka, kb := a.kind, b.kind
		if a.IsConstant() {
			ka = constFit(a)
		}
		if b.IsConstant() {
			kb = constFit(b)
		}
		if ka == kb {
			return c.integralType(ka)
		}
		if ka == KindChar || kb == KindChar {
			return c.Integer()
		}
		ra, rb := integralRank(ka), integralRank(kb)
		if ra < rb {
			ra = rb
		}
		return c.integralType(rankKind(ra))
	}

	if a.IsFloatTypes() && b.IsFloatTypes() {
		return c.Float()
	}
	// Wide halves: a constant half adopts the concrete wide type; mixing
	// long and double halves is a conflict. Pairing of lo/hi slots is
	// checked separately by CheckWidePair.
	if a.IsLowHalf() && b.IsLowHalf() {
		switch {
		case a.kind == KindLongLo && b.kind == KindDoubleLo,
			a.kind == KindDoubleLo && b.kind == KindLongLo:
			return c.Conflict()
		case a.kind == KindLongLo || b.kind == KindLongLo:
			return c.LongLo()
		}
		return c.DoubleLo()
	}
	if a.IsHighHalf() && b.IsHighHalf() {
		switch {
		case a.kind == KindLongHi && b.kind == KindDoubleHi,
			a.kind == KindDoubleHi && b.kind == KindLongHi:
			return c.Conflict()
		case a.kind == KindLongHi || b.kind == KindLongHi:
			return c.LongHi()
		}
		return c.DoubleHi()
	}

	if a.IsReferenceTypes() && b.IsReferenceTypes() {
		// Distinct uninitialized operands never merge.
		if a.IsUninitialized() || b.IsUninitialized() {
			return c.Conflict()
		}
		if a.IsUnresolvedTypes() || b.IsUnresolvedTypes() {
			return c.FromUnresolvedMerge(a, b)
		}
		if a.IsObjectReference() {
			return a
		}
		if b.IsObjectReference() {
			return b
		}
		join := c.ClassJoin(a.klass, b.klass)
		if join == nil {
			return c.Conflict()
		}
		return c.FromClass(join, false)
	}

	return c.Conflict()
}

func rankKind(r int) Kind {
	switch r {
	case 0:
		return KindBoolean
	case 1:
		return KindByte
	case 2:
		return KindShort
	}
	return KindInteger
}

// ClassJoin computes the common superclass of two resolved classes.
// Reference arrays recurse on the element type; a primitive array joined
// with any other array collapses to Object.
func (c *Cache) ClassJoin(s, t *vmcore.Class) *vmcore.Class {
	if s == t {
		return s
	}
	if s == nil || t == nil {
		return nil
	}
	if s.IsArray() && t.IsArray() {
		if s.Component.IsPrimitive() || t.Component.IsPrimitive() {
			return c.objectClass()
		}
		elem := c.ClassJoin(s.Component, t.Component)
		if elem == nil {
			return nil
		}
		if c.linker == nil {
			return c.objectClass()
		}
		arr := c.linker.FindClass("["+elem.Descriptor, s.Loader)
		if arr == nil {
			return c.objectClass()
		}
		return arr
	}
	if s.IsArray() || t.IsArray() {
		return c.objectClass()
	}

	ds, dt := s.Depth(), t.Depth()
	for ds > dt {
		s = s.Super
		ds--
	}
	for dt > ds {
		t = t.Super
		dt--
	}
	for s != t {
		s, t = s.Super, t.Super
		if s == nil || t == nil {
			return nil
		}
	}
	return s
}

func (c *Cache) objectClass() *vmcore.Class {
	if c.linker == nil {
		return nil
	}
	return c.linker.FindClass(vmcore.DescObject, c.loader)
}
