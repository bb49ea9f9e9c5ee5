// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package memmap manages the runtime's virtual memory regions: anonymous
// and file-backed mappings, a process-wide registry of live maps, and a
// low-4GB placement allocator for compressed-pointer friendly regions.
package memmap // import "github.com/dexvm/dexrt/memmap"

import (
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dexvm/dexrt/metrics"
	"github.com/dexvm/dexrt/vmcore/xsync"
)

// Protection bits, re-exported so callers do not import unix directly.
const (
	ProtNone  = unix.PROT_NONE
	ProtRead  = unix.PROT_READ
	ProtWrite = unix.PROT_WRITE
	ProtExec  = unix.PROT_EXEC
)

const (
	// lowMemStart is the lowest address the low-4GB allocator hands out.
	lowMemStart = 64 * 1024
	// baseAddressLimit bounds the randomized allocator start position.
	baseAddressLimit = 0x70000000
	// low4GBLimit is the exclusive ceiling for low-4GB requests.
	low4GBLimit = uintptr(1) << 32
)

var pageSize = uintptr(os.Getpagesize())

// PageAlignUp rounds size up to a page multiple.
func PageAlignUp(n uintptr) uintptr {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// PageAlignDown rounds addr down to a page boundary.
func PageAlignDown(n uintptr) uintptr { return n &^ (pageSize - 1) }

// MemMap is one owned virtual memory region.
type MemMap struct {
	name string

	// base covers the whole mapping; begin/size may be a sub-range after
	// RemapAtEnd splits a map.
	baseBegin uintptr
	baseSize  uintptr
	begin     uintptr
	size      uintptr

	prot int

	// reuse maps sit inside somebody else's mapping and must not unmap.
	reuse bool
	// dummy maps describe external regions; never unmapped either.
	dummy bool
}

// Name returns the debug name the map was created with.
func (m *MemMap) Name() string { return m.name }

// Begin returns the first usable address.
func (m *MemMap) Begin() uintptr { return m.begin }

// Size returns the usable byte count.
func (m *MemMap) Size() uintptr { return m.size }

// End returns one past the last usable address.
func (m *MemMap) End() uintptr { return m.begin + m.size }

// BaseBegin returns the start of the underlying mapping.
func (m *MemMap) BaseBegin() uintptr { return m.baseBegin }

// BaseEnd returns one past the underlying mapping.
func (m *MemMap) BaseEnd() uintptr { return m.baseBegin + m.baseSize }

// Prot returns the current protection bits.
func (m *MemMap) Prot() int { return m.prot }

// HasAddress reports whether addr falls inside the usable range.
func (m *MemMap) HasAddress(addr uintptr) bool {
	return addr >= m.begin && addr < m.End()
}

// Slice returns the mapping as a byte slice.
func (m *MemMap) Slice() []byte {
	return unsafeSlice(m.begin, int(m.size))
}

// liveMaps is the process-wide registry of every live map, ordered by
// base address. It is a multimap: dummy maps may share a base with the
// region they alias.
type mapsList struct {
	maps []*MemMap
}

var liveMaps xsync.RWMutex[mapsList]

func insertLive(m *MemMap) {
	ml := liveMaps.WLock()
	defer liveMaps.WUnlock(&ml)
	i := sort.Search(len(ml.maps), func(i int) bool {
		return ml.maps[i].baseBegin > m.baseBegin
	})
	ml.maps = append(ml.maps, nil)
	copy(ml.maps[i+1:], ml.maps[i:])
	ml.maps[i] = m
	metrics.Add(metrics.IDMemMapCreated, 1)
}

func removeLive(m *MemMap) {
	ml := liveMaps.WLock()
	defer liveMaps.WUnlock(&ml)
	for i, other := range ml.maps {
		if other == m {
			ml.maps = append(ml.maps[:i], ml.maps[i+1:]...)
			return
		}
	}
	log.Fatalf("mem map %q at 0x%x not found in live list at destruction",
		m.name, m.baseBegin)
}

// nextLiveAfter returns the first live map whose base end is above addr.
func nextLiveAfter(addr uintptr) *MemMap {
	ml := liveMaps.RLock()
	defer liveMaps.RUnlock(&ml)
	for _, m := range ml.maps {
		if m.BaseEnd() > addr {
			return m
		}
	}
	return nil
}

// LiveMapCount returns the number of registered maps.
func LiveMapCount() int {
	ml := liveMaps.RLock()
	defer liveMaps.RUnlock(&ml)
	return len(ml.maps)
}

// CheckNoGaps reports whether the chain of live maps from begin to end
// is contiguous: each map's base end meets the next map's base begin.
func CheckNoGaps(begin, end *MemMap) bool {
	ml := liveMaps.RLock()
	defer liveMaps.RUnlock(&ml)
	idx := -1
	for i, m := range ml.maps {
		if m == begin {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	for ; idx < len(ml.maps); idx++ {
		m := ml.maps[idx]
		if m == end {
			return true
		}
		if idx+1 >= len(ml.maps) {
			return false
		}
		if ml.maps[idx+1].BaseBegin() != m.BaseEnd() {
			return false
		}
	}
	return false
}

// MapAnonymous creates an anonymous mapping. With expectedAddr non-zero
// the mapping must land there; with low4GB set the region is placed
// below 4GB by the cursor allocator. A reuse map must lie entirely
// within an existing live mapping and is never unmapped.
func MapAnonymous(name string, expectedAddr, byteCount uintptr, prot int,
	low4GB, reuse bool) (*MemMap, error) {
	if byteCount == 0 {
		return nil, fmt.Errorf("anonymous map %q: zero size", name)
	}
	size := PageAlignUp(byteCount)

	if reuse {
		if !regionIsMapped(expectedAddr, size) {
			return nil, fmt.Errorf(
				"reuse map %q [0x%x, 0x%x) not inside an existing mapping",
				name, expectedAddr, expectedAddr+size)
		}
		m := &MemMap{
			name: name, baseBegin: expectedAddr, baseSize: size,
			begin: expectedAddr, size: size, prot: prot, reuse: true,
		}
		insertLive(m)
		return m, nil
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	addr, err := placeMapping(name, expectedAddr, size, prot, flags, -1, 0, low4GB)
	if err != nil {
		return nil, err
	}
	m := &MemMap{
		name: name, baseBegin: addr, baseSize: size,
		begin: addr, size: size, prot: prot,
	}
	insertLive(m)
	return m, nil
}

// MapFileAtAddress maps a file range. Offset and size are page-aligned
// internally; the returned map's Begin points at the requested offset
// within the first page.
func MapFileAtAddress(expectedAddr, byteCount uintptr, prot, flags, fd int,
	start int64, low4GB, reuse bool, filename string) (*MemMap, error) {
	if byteCount == 0 {
		return nil, fmt.Errorf("file map %q: zero size", filename)
	}
	pageOffset := uintptr(start) % pageSize
	alignedStart := start - int64(pageOffset)
	size := PageAlignUp(byteCount + pageOffset)

	if reuse {
		if !regionIsMapped(expectedAddr, size) {
			return nil, fmt.Errorf(
				"reuse file map %q [0x%x, 0x%x) not inside an existing mapping",
				filename, expectedAddr, expectedAddr+size)
		}
	}
	if flags == 0 {
		flags = unix.MAP_PRIVATE
	}
	addr, err := placeMapping(filename, expectedAddr, size, prot, flags, fd,
		alignedStart, low4GB)
	if err != nil {
		return nil, err
	}
	m := &MemMap{
		name: filename, baseBegin: addr, baseSize: size,
		begin: addr + pageOffset, size: PageAlignUp(byteCount),
		prot: prot, reuse: reuse,
	}
	if m.begin+byteCount > m.BaseEnd() {
		m.size = m.BaseEnd() - m.begin
	}
	insertLive(m)
	return m, nil
}

// MapDummy registers an externally owned region so gap checks and the
// low-4GB allocator see it. Destroy removes the entry without unmapping.
func MapDummy(name string, addr, byteCount uintptr) *MemMap {
	m := &MemMap{
		name: name, baseBegin: addr, baseSize: PageAlignUp(byteCount),
		begin: addr, size: PageAlignUp(byteCount), dummy: true,
	}
	insertLive(m)
	return m
}

// RemapAtEnd splits the map at newEnd: the head keeps this map's
// identity, the tail is unmapped and remapped fresh under tailName with
// tailProt. newEnd must be page-aligned and inside the map.
func (m *MemMap) RemapAtEnd(newEnd uintptr, tailName string, tailProt int) (*MemMap, error) {
	if newEnd != PageAlignDown(newEnd) {
		return nil, fmt.Errorf("remap %q: split 0x%x not page aligned", m.name, newEnd)
	}
	if newEnd <= m.begin || newEnd >= m.BaseEnd() {
		return nil, fmt.Errorf("remap %q: split 0x%x outside [0x%x, 0x%x)",
			m.name, newEnd, m.begin, m.BaseEnd())
	}
	tailBegin := newEnd
	tailSize := m.BaseEnd() - tailBegin

	// Shrink the head first so the registry never shows an overlap.
	m.baseSize = tailBegin - m.baseBegin
	m.size = tailBegin - m.begin

	if err := munmap(tailBegin, tailSize); err != nil {
		return nil, fmt.Errorf("remap %q: unmap tail [0x%x, 0x%x): %v",
			m.name, tailBegin, tailBegin+tailSize, err)
	}
	addr, err := mmap(tailBegin, tailSize, tailProt,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("remap %q: map tail %q at [0x%x, 0x%x): %v",
			m.name, tailName, tailBegin, tailBegin+tailSize, err)
	}
	tail := &MemMap{
		name: tailName, baseBegin: addr, baseSize: tailSize,
		begin: addr, size: tailSize, prot: tailProt,
	}
	insertLive(tail)
	return tail, nil
}

// MadviseDontNeedAndZero returns the pages to the kernel and zeroes the
// usable range for writable maps.
func (m *MemMap) MadviseDontNeedAndZero() {
	if m.size == 0 {
		return
	}
	_ = unix.Madvise(m.Slice(), unix.MADV_DONTNEED)
	if m.prot&ProtWrite != 0 {
		s := m.Slice()
		for i := range s {
			s[i] = 0
		}
	}
}

// Sync flushes a file-backed map to its backing store.
func (m *MemMap) Sync() error {
	if m.size == 0 {
		return nil
	}
	return unix.Msync(m.Slice(), unix.MS_SYNC)
}

// Protect changes the protection of the whole map.
func (m *MemMap) Protect(prot int) error {
	if m.baseSize == 0 {
		m.prot = prot
		return nil
	}
	err := unix.Mprotect(unsafeSlice(m.baseBegin, int(m.baseSize)), prot)
	if err != nil {
		return fmt.Errorf("mprotect %q [0x%x, 0x%x) to 0x%x: %v",
			m.name, m.baseBegin, m.BaseEnd(), prot, err)
	}
	m.prot = prot
	return nil
}

// TryReadable probes every page with msync: a page that answers ENOMEM
// is unmapped. Readability additionally requires PROT_READ.
func (m *MemMap) TryReadable() bool {
	if m.prot&ProtRead == 0 {
		return false
	}
	for addr := PageAlignDown(m.begin); addr < m.End(); addr += pageSize {
		if !pageIsMapped(addr) {
			return false
		}
	}
	return true
}

// Destroy unmaps the region (unless it is a reuse or dummy map) and
// removes it from the live registry. Missing registry entries abort.
func (m *MemMap) Destroy() {
	removeLive(m)
	metrics.Add(metrics.IDMemMapDestroyed, 1)
	if m.reuse || m.dummy || m.baseSize == 0 {
		return
	}
	if err := munmap(m.baseBegin, m.baseSize); err != nil {
		log.Fatalf("munmap %q [0x%x, 0x%x): %v", m.name, m.baseBegin, m.BaseEnd(), err)
	}
}

// SetSize shrinks the usable size, releasing the pages past the new end.
func (m *MemMap) SetSize(newSize uintptr) error {
	newSize = PageAlignUp(newSize)
	if newSize > m.size {
		return fmt.Errorf("mem map %q: cannot grow from 0x%x to 0x%x",
			m.name, m.size, newSize)
	}
	if newSize == m.size {
		return nil
	}
	tailBegin := m.begin + newSize
	tailSize := m.size - newSize
	if err := munmap(tailBegin, tailSize); err != nil {
		return fmt.Errorf("mem map %q: shrink unmap [0x%x, 0x%x): %v",
			m.name, tailBegin, tailBegin+tailSize, err)
	}
	m.size = newSize
	m.baseSize = tailBegin - m.baseBegin
	return nil
}

// placeMapping chooses an address and mmaps. Non-zero expectedAddr
// demands that exact placement; low4GB routes through the cursor
// allocator.
func placeMapping(name string, expectedAddr, size uintptr, prot, flags, fd int,
	offset int64, low4GB bool) (uintptr, error) {
	if expectedAddr != 0 {
		addr, err := mmap(expectedAddr, size, prot, flags, fd, offset)
		if err != nil {
			return 0, mapError(name, expectedAddr, size, err)
		}
		if addr != expectedAddr {
			_ = munmap(addr, size)
			return 0, fmt.Errorf(
				"map %q requested [0x%x, 0x%x) but got 0x%x%s",
				name, expectedAddr, expectedAddr+size, addr,
				overlappingProcMapsEntry(expectedAddr, expectedAddr+size))
		}
		return addr, nil
	}
	if low4GB {
		return low4GBAlloc.allocate(name, size, prot, flags, fd, offset)
	}
	addr, err := mmap(0, size, prot, flags, fd, offset)
	if err != nil {
		return 0, mapError(name, 0, size, err)
	}
	return addr, nil
}

func mapError(name string, addr, size uintptr, err error) error {
	return fmt.Errorf("failed to map %q at [0x%x, 0x%x): %v%s",
		name, addr, addr+size, err, overlappingProcMapsEntry(addr, addr+size))
}

// low4GBAllocator walks a monotonic cursor through the low 4GB address
// space, probing page runs with msync and skipping registered maps.
type low4GBAllocator struct {
	mu      sync.Mutex
	nextPos uintptr
}

var low4GBAlloc = func() *low4GBAllocator {
	span := (baseAddressLimit - lowMemStart) / int(pageSize)
	start := uintptr(lowMemStart) + uintptr(rand.Intn(span))*pageSize
	return &low4GBAllocator{nextPos: start}
}()

func (a *low4GBAllocator) allocate(name string, size uintptr, prot, flags, fd int,
	offset int64) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	wrapped := false
	pos := a.nextPos
	for {
		if pos+size > low4GBLimit {
			if wrapped {
				break
			}
			wrapped = true
			metrics.Add(metrics.IDLow4GBRetry, 1)
			pos = lowMemStart
			continue
		}

		// Skip over registered maps overlapping the candidate run.
		if m := nextLiveAfter(pos); m != nil &&
			rangesOverlap(pos, pos+size, m.BaseBegin(), m.BaseEnd()) {
			pos = PageAlignUp(m.BaseEnd())
			if pos == 0 || (wrapped && pos >= a.nextPos) {
				break
			}
			continue
		}

		if !runIsFree(pos, size) {
			pos += pageSize
			if wrapped && pos >= a.nextPos {
				break
			}
			continue
		}

		addr, err := mmap(pos, size, prot, flags, fd, offset)
		if err != nil {
			pos += pageSize
			continue
		}
		if addr+size > low4GBLimit {
			// The kernel ignored the hint; step past the rejected range.
			_ = munmap(addr, size)
			pos += pageSize
			if wrapped && pos >= a.nextPos {
				break
			}
			continue
		}
		a.nextPos = addr + size
		return addr, nil
	}
	return 0, fmt.Errorf(
		"out of low-4GB address space mapping %q (0x%x bytes)", name, size)
}

// runIsFree msync-probes each page of the candidate run; ENOMEM means
// the page is unmapped and therefore usable.
func runIsFree(begin, size uintptr) bool {
	for addr := begin; addr < begin+size; addr += pageSize {
		if pageIsMapped(addr) {
			return false
		}
	}
	return true
}

func regionIsMapped(begin, size uintptr) bool {
	for addr := PageAlignDown(begin); addr < begin+size; addr += pageSize {
		if !pageIsMapped(addr) {
			return false
		}
	}
	return true
}

// rangesOverlap reports whether the half-open ranges share a byte.
// The placement allocator uses this: an abutting neighbor does not
// block a candidate run.
func rangesOverlap(lo1, hi1, lo2, hi2 uintptr) bool {
	return lo1 < hi2 && lo2 < hi1
}

// rangesOverlapOrAbut additionally counts ranges that merely touch on a
// boundary. The placement diagnostics use this so a mapping ending
// exactly where a failed request begins still names the culprit.
func rangesOverlapOrAbut(lo1, hi1, lo2, hi2 uintptr) bool {
	return lo1 <= hi2 && lo2 <= hi1
}

// overlappingProcMapsEntry formats the /proc/self/maps line overlapping
// [begin, end), empty when none is found.
func overlappingProcMapsEntry(begin, end uintptr) string {
	data, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		dash := strings.IndexByte(line, '-')
		space := strings.IndexByte(line, ' ')
		if dash < 0 || space < dash {
			continue
		}
		lo, err1 := strconv.ParseUint(line[:dash], 16, 64)
		hi, err2 := strconv.ParseUint(line[dash+1:space], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if rangesOverlapOrAbut(uintptr(lo), uintptr(hi), begin, end) {
			return "; overlaps " + line
		}
	}
	return ""
}
