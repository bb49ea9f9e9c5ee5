// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package memmap

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapAnonymousReadWrite(t *testing.T) {
	m, err := MapAnonymous("test-rw", 0, 3*pageSize, ProtRead|ProtWrite, false, false)
	require.NoError(t, err)
	defer m.Destroy()

	assert.EqualValues(t, 3*pageSize, m.Size())
	assert.Equal(t, "test-rw", m.Name())

	s := m.Slice()
	s[0] = 0xaa
	s[len(s)-1] = 0xbb
	assert.EqualValues(t, 0xaa, s[0])

	assert.True(t, m.HasAddress(m.Begin()))
	assert.True(t, m.HasAddress(m.End()-1))
	assert.False(t, m.HasAddress(m.End()))
}

func TestMapAnonymousRoundsUpToPage(t *testing.T) {
	m, err := MapAnonymous("test-small", 0, 100, ProtRead|ProtWrite, false, false)
	require.NoError(t, err)
	defer m.Destroy()
	assert.EqualValues(t, pageSize, m.Size())
}

func TestMapAnonymousZeroSizeFails(t *testing.T) {
	_, err := MapAnonymous("test-empty", 0, 0, ProtRead, false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero size")
}

func TestLow4GBPlacement(t *testing.T) {
	m, err := MapAnonymous("test-low", 0, 2*pageSize, ProtRead|ProtWrite, true, false)
	require.NoError(t, err)
	defer m.Destroy()

	assert.LessOrEqual(t, uint64(m.End()), uint64(1)<<32)
	s := m.Slice()
	s[0] = 1
}

func TestLow4GBSkipsRegisteredMaps(t *testing.T) {
	a, err := MapAnonymous("low-a", 0, pageSize, ProtRead|ProtWrite, true, false)
	require.NoError(t, err)
	defer a.Destroy()
	b, err := MapAnonymous("low-b", 0, pageSize, ProtRead|ProtWrite, true, false)
	require.NoError(t, err)
	defer b.Destroy()

	assert.NotEqual(t, a.Begin(), b.Begin())
	assert.False(t, a.HasAddress(b.Begin()))
}

func TestRemapAtEndSplitsMap(t *testing.T) {
	m, err := MapAnonymous("split-head", 0, 4*pageSize, ProtRead|ProtWrite, false, false)
	require.NoError(t, err)
	defer m.Destroy()

	splitAt := m.Begin() + 2*pageSize
	tail, err := m.RemapAtEnd(splitAt, "split-tail", ProtRead|ProtWrite)
	require.NoError(t, err)
	defer tail.Destroy()

	assert.EqualValues(t, 2*pageSize, m.Size())
	assert.EqualValues(t, 2*pageSize, tail.Size())
	assert.Equal(t, m.End(), tail.Begin())
	assert.Equal(t, "split-tail", tail.Name())

	// Both halves stay usable and independent.
	m.Slice()[0] = 1
	tail.Slice()[0] = 2

	assert.True(t, CheckNoGaps(m, tail))
}

func TestRemapAtEndRejectsUnalignedSplit(t *testing.T) {
	m, err := MapAnonymous("split-bad", 0, 2*pageSize, ProtRead|ProtWrite, false, false)
	require.NoError(t, err)
	defer m.Destroy()

	_, err = m.RemapAtEnd(m.Begin()+1, "tail", ProtRead)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not page aligned")

	_, err = m.RemapAtEnd(m.Begin(), "tail", ProtRead)
	require.Error(t, err)
}

func TestCheckNoGapsDetectsHole(t *testing.T) {
	m, err := MapAnonymous("gap-base", 0, 6*pageSize, ProtRead|ProtWrite, false, false)
	require.NoError(t, err)
	defer m.Destroy()

	tail, err := m.RemapAtEnd(m.Begin()+4*pageSize, "gap-tail", ProtRead|ProtWrite)
	require.NoError(t, err)
	defer tail.Destroy()
	mid, err := m.RemapAtEnd(m.Begin()+2*pageSize, "gap-mid", ProtRead|ProtWrite)
	require.NoError(t, err)

	require.True(t, CheckNoGaps(m, tail))
	// Punch a hole: destroying the middle map breaks contiguity.
	mid.Destroy()
	assert.False(t, CheckNoGaps(m, tail))
	assert.False(t, CheckNoGaps(mid, tail))
}

func TestProtectAndTryReadable(t *testing.T) {
	m, err := MapAnonymous("prot", 0, pageSize, ProtRead|ProtWrite, false, false)
	require.NoError(t, err)
	defer m.Destroy()

	assert.True(t, m.TryReadable())
	require.NoError(t, m.Protect(ProtNone))
	assert.False(t, m.TryReadable())
	require.NoError(t, m.Protect(ProtRead))
	assert.True(t, m.TryReadable())
}

func TestMadviseDontNeedAndZero(t *testing.T) {
	m, err := MapAnonymous("zero", 0, pageSize, ProtRead|ProtWrite, false, false)
	require.NoError(t, err)
	defer m.Destroy()

	s := m.Slice()
	for i := range s {
		s[i] = 0xff
	}
	m.MadviseDontNeedAndZero()
	assert.EqualValues(t, 0, s[0])
	assert.EqualValues(t, 0, s[len(s)-1])
}

func TestMapDummyIsNotUnmapped(t *testing.T) {
	m, err := MapAnonymous("backing", 0, pageSize, ProtRead|ProtWrite, false, false)
	require.NoError(t, err)
	defer m.Destroy()

	before := LiveMapCount()
	d := MapDummy("alias", m.Begin(), pageSize)
	assert.Equal(t, before+1, LiveMapCount())
	d.Destroy()
	assert.Equal(t, before, LiveMapCount())

	// The backing pages survived the dummy destruction.
	m.Slice()[0] = 7
}

func TestReuseMapRequiresExistingMapping(t *testing.T) {
	backing, err := MapAnonymous("reuse-backing", 0, 2*pageSize,
		ProtRead|ProtWrite, false, false)
	require.NoError(t, err)
	defer backing.Destroy()

	r, err := MapAnonymous("reuse", backing.Begin(), pageSize,
		ProtRead|ProtWrite, false, true)
	require.NoError(t, err)
	r.Destroy()
	// Destroying the reuse map leaves the backing pages intact.
	backing.Slice()[0] = 1

	// Far outside any mapping: rejected.
	_, err = MapAnonymous("reuse-bad", uintptr(0x1000), pageSize,
		ProtRead, false, true)
	require.Error(t, err)
}

func TestMapFileAtAddress(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "memmap-*.bin")
	require.NoError(t, err)
	defer f.Close()

	payload := make([]byte, pageSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = f.Write(payload)
	require.NoError(t, err)

	m, err := MapFileAtAddress(0, pageSize, ProtRead, 0, int(f.Fd()), 0,
		false, false, f.Name())
	require.NoError(t, err)
	defer m.Destroy()

	s := m.Slice()
	assert.EqualValues(t, payload[1], s[1])
	assert.EqualValues(t, payload[255], s[255])
	require.NoError(t, m.Sync())
}

func TestSetSizeShrinks(t *testing.T) {
	m, err := MapAnonymous("shrink", 0, 4*pageSize, ProtRead|ProtWrite, false, false)
	require.NoError(t, err)
	defer m.Destroy()

	require.NoError(t, m.SetSize(2*pageSize))
	assert.EqualValues(t, 2*pageSize, m.Size())
	require.Error(t, m.SetSize(8*pageSize))
}

func TestOverlapPredicates(t *testing.T) {
	// Abutting ranges are disjoint for placement but neighbors for the
	// diagnostics.
	assert.False(t, rangesOverlap(0, 100, 100, 200))
	assert.True(t, rangesOverlapOrAbut(0, 100, 100, 200))
	assert.False(t, rangesOverlap(100, 200, 0, 100))
	assert.True(t, rangesOverlapOrAbut(100, 200, 0, 100))

	assert.True(t, rangesOverlap(0, 101, 100, 200))
	assert.True(t, rangesOverlapOrAbut(0, 101, 100, 200))
	assert.False(t, rangesOverlap(0, 99, 100, 200))
	assert.False(t, rangesOverlapOrAbut(0, 99, 100, 200))
}

func TestPageAlign(t *testing.T) {
	assert.EqualValues(t, 0, PageAlignUp(0))
	assert.EqualValues(t, pageSize, PageAlignUp(1))
	assert.EqualValues(t, pageSize, PageAlignUp(pageSize))
	assert.EqualValues(t, 2*pageSize, PageAlignUp(pageSize+1))
	assert.EqualValues(t, 0, PageAlignDown(pageSize-1))
}
