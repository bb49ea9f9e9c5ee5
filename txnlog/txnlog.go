// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package txnlog records heap mutations made during an unstarted-runtime
// class initialization so a failed <clinit> can be rolled back without
// leaving partially initialized state behind.
package txnlog // import "github.com/dexvm/dexrt/txnlog"

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dexvm/dexrt/vmcore"
)

// AbortDescriptor is the sentinel exception class set when a transaction
// aborts. The catch search propagates it past every handler while still
// releasing scoped monitors.
const AbortDescriptor = "Ldalvik/system/TransactionAbortError;"

// record is one undo entry. Entries are appended before the mutation and
// replayed in LIFO order on rollback.
type record interface {
	undo(l *Log)
	visitRoots(visit func(**vmcore.Object))
}

type staticFieldWrite struct {
	class   *vmcore.Class
	offset  uint32
	oldWord uint64
	oldRef  *vmcore.Object
}

func (r *staticFieldWrite) undo(*Log) {
	r.class.StaticWords[r.offset] = r.oldWord
	r.class.StaticRefs[r.offset] = r.oldRef
}

func (r *staticFieldWrite) visitRoots(visit func(**vmcore.Object)) {
	if r.oldRef != nil {
		visit(&r.oldRef)
	}
}

type instanceFieldWrite struct {
	obj     *vmcore.Object
	offset  uint32
	oldWord uint64
	oldRef  *vmcore.Object
}

func (r *instanceFieldWrite) undo(*Log) {
	r.obj.SetFieldWord(r.offset, r.oldWord)
	r.obj.SetFieldRef(r.offset, r.oldRef)
}

func (r *instanceFieldWrite) visitRoots(visit func(**vmcore.Object)) {
	visit(&r.obj)
	if r.oldRef != nil {
		visit(&r.oldRef)
	}
}

type arrayWrite struct {
	arr     *vmcore.Object
	index   int32
	oldWord uint64
}

func (r *arrayWrite) undo(*Log) { r.arr.SetElem(r.index, r.oldWord) }

func (r *arrayWrite) visitRoots(visit func(**vmcore.Object)) { visit(&r.arr) }

type arrayRefWrite struct {
	arr    *vmcore.Object
	index  int32
	oldRef *vmcore.Object
}

func (r *arrayRefWrite) undo(*Log) { r.arr.SetElemRef(r.index, r.oldRef) }

func (r *arrayRefWrite) visitRoots(visit func(**vmcore.Object)) {
	visit(&r.arr)
	if r.oldRef != nil {
		visit(&r.oldRef)
	}
}

type stringIntern struct {
	str *vmcore.Object
}

func (r *stringIntern) undo(l *Log) {
	if l.linker != nil {
		l.linker.RemoveIntern(r.str.StringValue())
	}
}

func (r *stringIntern) visitRoots(visit func(**vmcore.Object)) { visit(&r.str) }

type resolvedClass struct {
	class     *vmcore.Class
	oldStatus vmcore.ClassStatus
}

func (r *resolvedClass) undo(*Log) { r.class.SetStatus(r.oldStatus) }

func (r *resolvedClass) visitRoots(func(**vmcore.Object)) {}

type monitorEnter struct {
	obj *vmcore.Object
	tid uint32
}

func (r *monitorEnter) undo(*Log) { r.obj.MonitorExit(r.tid) }

func (r *monitorEnter) visitRoots(visit func(**vmcore.Object)) { visit(&r.obj) }

// Log is one open transaction. It implements vmcore.Transaction; the
// interpreter's write paths call the Record methods before mutating.
type Log struct {
	linker *vmcore.Linker

	mu           sync.Mutex
	records      []record
	aborted      bool
	abortMessage string
	closed       bool
}

// New opens a transaction. The linker is consulted to undo string
// interns; nil is accepted for tests without interning.
func New(linker *vmcore.Linker) *Log {
	return &Log{linker: linker}
}

func (l *Log) append(r record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		log.Warn("transaction: write recorded after commit/rollback, dropped")
		return
	}
	l.records = append(l.records, r)
}

// RecordStaticFieldWrite implements vmcore.Transaction.
func (l *Log) RecordStaticFieldWrite(c *vmcore.Class, offset uint32,
	oldWord uint64, oldRef *vmcore.Object) {
	l.append(&staticFieldWrite{class: c, offset: offset, oldWord: oldWord, oldRef: oldRef})
}

// RecordInstanceFieldWrite implements vmcore.Transaction.
func (l *Log) RecordInstanceFieldWrite(o *vmcore.Object, offset uint32,
	oldWord uint64, oldRef *vmcore.Object) {
	l.append(&instanceFieldWrite{obj: o, offset: offset, oldWord: oldWord, oldRef: oldRef})
}

// RecordArrayWrite implements vmcore.Transaction.
func (l *Log) RecordArrayWrite(arr *vmcore.Object, index int32, oldWord uint64) {
	l.append(&arrayWrite{arr: arr, index: index, oldWord: oldWord})
}

// RecordArrayRefWrite implements vmcore.Transaction.
func (l *Log) RecordArrayRefWrite(arr *vmcore.Object, index int32, oldRef *vmcore.Object) {
	l.append(&arrayRefWrite{arr: arr, index: index, oldRef: oldRef})
}

// RecordStringIntern implements vmcore.Transaction.
func (l *Log) RecordStringIntern(s *vmcore.Object) {
	l.append(&stringIntern{str: s})
}

// RecordResolvedClass implements vmcore.Transaction.
func (l *Log) RecordResolvedClass(c *vmcore.Class) {
	l.append(&resolvedClass{class: c, oldStatus: c.Status()})
}

// RecordMonitorEnter implements vmcore.Transaction.
func (l *Log) RecordMonitorEnter(o *vmcore.Object) {
	l.append(&monitorEnter{obj: o})
}

// RecordMonitorEnterBy records a scoped lock with the owning thread so
// rollback can release it.
func (l *Log) RecordMonitorEnterBy(o *vmcore.Object, tid uint32) {
	l.append(&monitorEnter{obj: o, tid: tid})
}

// Abort marks the transaction aborted with a diagnostic message.
func (l *Log) Abort(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.aborted {
		l.aborted = true
		l.abortMessage = msg
	}
}

// IsAborted implements vmcore.Transaction.
func (l *Log) IsAborted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aborted
}

// AbortMessage returns the first abort diagnostic.
func (l *Log) AbortMessage() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.abortMessage
}

// ThrowAbortError installs the abort-sentinel exception on the thread.
func (l *Log) ThrowAbortError(t *vmcore.Thread) {
	var klass *vmcore.Class
	if l.linker != nil {
		klass = l.linker.FindClass(AbortDescriptor, nil)
		if klass == nil {
			klass = l.linker.FindClass(vmcore.DescError, nil)
		}
	}
	if klass == nil {
		log.Errorf("transaction abort with no sentinel class: %s", l.AbortMessage())
		return
	}
	e := vmcore.NewObject(klass)
	if f := klass.FindInstanceField("detailMessage"); f != nil && l.linker != nil {
		e.SetFieldRef(f.Offset, l.linker.InternString(t, l.AbortMessage()))
	}
	t.SetException(e)
}

// Rollback replays the undo records newest-first and closes the log.
// Rolling back an already-closed log is a no-op.
func (l *Log) Rollback() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for i := len(l.records) - 1; i >= 0; i-- {
		l.records[i].undo(l)
	}
	l.records = nil
	l.closed = true
}

// Commit drops the undo records. Committing after a rollback is a no-op.
func (l *Log) Commit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.records = nil
	l.closed = true
}

// RecordCount returns the pending undo record count.
func (l *Log) RecordCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// VisitRoots reports every object reference held by the log as a strong
// root for the lifetime of the transaction.
func (l *Log) VisitRoots(visit func(**vmcore.Object)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		r.visitRoots(visit)
	}
}
