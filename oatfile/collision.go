// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package oatfile // import "github.com/dexvm/dexrt/oatfile"

import (
	"container/heap"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/vmcore"
)

// classQueueEntry is one cursor into a dex file's class-def table.
type classQueueEntry struct {
	df            *dex.File
	classIdx      dex.ClassDefIndex
	fromLoadedOat bool

	// order is the dex file's collection index; it breaks descriptor
	// ties so the drain is deterministic.
	order int
}

func (e *classQueueEntry) descriptor() string {
	return e.df.ClassDescriptor(e.classIdx)
}

// classQueue is a min-heap ordered by class descriptor, ties broken by
// dex-file identity.
type classQueue []*classQueueEntry

func (q classQueue) Len() int { return len(q) }

func (q classQueue) Less(i, j int) bool {
	di, dj := q[i].descriptor(), q[j].descriptor()
	if di != dj {
		return di < dj
	}
	return q[i].order < q[j].order
}

func (q classQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *classQueue) Push(x any) { *q = append(*q, x.(*classQueueEntry)) }

func (q *classQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// pushFile seeds the queue with a cursor at the file's first class def.
func (q *classQueue) pushFile(df *dex.File, fromLoadedOat bool, order int) {
	if df.NumClassDefs() == 0 {
		return
	}
	heap.Push(q, &classQueueEntry{
		df: df, classIdx: 0, fromLoadedOat: fromLoadedOat, order: order,
	})
}

// advance refills the entry from its owning dex file with the next
// class-def index, dropping it when the file is exhausted.
func (q *classQueue) advance(e *classQueueEntry) {
	e.classIdx++
	if int(e.classIdx) < e.df.NumClassDefs() {
		heap.Push(q, e)
	}
}

// loaderClassPath flattens the dex files visible to a class loader
// chain, parents first. ok is false when an unsupported loader kind is
// in the chain and the caller must fall back to the superset query.
func loaderClassPath(loader *vmcore.ClassLoader, extra []*dex.File) ([]*dex.File, bool) {
	var files []*dex.File
	for _, ld := range loaderChain(loader) {
		switch ld.Kind {
		case vmcore.BootClassLoader:
			// Boot classes are deduplicated at image build time.
		case vmcore.PathClassLoader:
			files = append(files, ld.DexFiles...)
		default:
			return nil, false
		}
	}
	return append(files, extra...), true
}

// loaderChain returns the chain from the root parent down to the given
// loader.
func loaderChain(loader *vmcore.ClassLoader) []*vmcore.ClassLoader {
	var chain []*vmcore.ClassLoader
	for ld := loader; ld != nil; ld = ld.Parent {
		chain = append(chain, ld)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// checkCollision runs the duplicate-class scan of the candidate against
// the already-visible class path. A non-empty return names the first
// duplicated descriptor.
func checkCollision(candidate *OatFile, classPath []*dex.File) string {
	var q classQueue
	order := 0
	for _, df := range classPath {
		q.pushFile(df, true, order)
		order++
	}
	for _, df := range candidate.DexFiles() {
		q.pushFile(df, false, order)
		order++
	}
	heap.Init(&q)

	for q.Len() > 1 {
		top := heap.Pop(&q).(*classQueueEntry)
		next := q[0]
		if top.descriptor() == next.descriptor() {
			if top.fromLoadedOat != next.fromLoadedOat {
				return top.descriptor()
			}
			// Same side defines the class twice; both cursors move on.
			heap.Pop(&q)
			q.advance(next)
		}
		q.advance(top)
	}
	return ""
}

// CollisionError reports a duplicate class definition between a
// candidate container and the loader's visible class path.
type CollisionError struct {
	Candidate  string
	Descriptor string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("oat file %s defines %s already present on the class path",
		e.Candidate, e.Descriptor)
}

// validateBootClassPath is a cheap sanity pass used before boot
// containers register: boot files never collide by construction, so a
// duplicate here is a build problem worth a warning.
func validateBootClassPath(files []*dex.File) {
	seen := make(map[string]string)
	for _, df := range files {
		for i := range df.ClassDefs {
			desc := df.ClassDefs[i].Descriptor
			if prev, ok := seen[desc]; ok {
				log.Warnf("Boot class path defines %s in both %s and %s",
					desc, prev, df.Location)
				continue
			}
			seen[desc] = df.Location
		}
	}
}
