// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package vmcore // import "github.com/dexvm/dexrt/vmcore"

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/vmcore/xsync"
)

// suspendAllTimeout bounds the wait for every mutator to reach a
// safepoint; exceeding it is a runtime abort.
const suspendAllTimeout = 10 * time.Second

// ClassLinker resolves dex indices to runtime metadata. The execution
// core consumes resolution results; loading and linking themselves live
// behind this interface.
type ClassLinker interface {
	// ResolveType resolves a type index against the dex file, using the
	// given loader. A nil result means resolution failed and an
	// exception is pending on the thread.
	ResolveType(t *Thread, df *dex.File, idx dex.TypeIndex, loader *ClassLoader) *Class

	// ResolveMethod resolves a method index.
	ResolveMethod(t *Thread, df *dex.File, idx dex.MethodIndex, loader *ClassLoader) *Method

	// ResolveField resolves a field index; static selects the lookup
	// namespace.
	ResolveField(t *Thread, df *dex.File, idx dex.FieldIndex, loader *ClassLoader, static bool) *Field

	// ResolveString resolves a string index to an interned string object.
	ResolveString(t *Thread, df *dex.File, idx dex.StringIndex) *Object

	// FindClass looks a class up by descriptor.
	FindClass(desc string, loader *ClassLoader) *Class

	// EnsureInitialized drives static initialization of the class,
	// running <clinit> if needed. Returns false with a pending exception
	// on failure.
	EnsureInitialized(t *Thread, c *Class) bool
}

// Transaction records writes during an unstarted-runtime class
// initialization so a failed <clinit> can be rolled back.
type Transaction interface {
	RecordStaticFieldWrite(c *Class, offset uint32, oldWord uint64, oldRef *Object)
	RecordInstanceFieldWrite(o *Object, offset uint32, oldWord uint64, oldRef *Object)
	RecordArrayWrite(arr *Object, index int32, oldWord uint64)
	RecordArrayRefWrite(arr *Object, index int32, oldRef *Object)
	RecordStringIntern(s *Object)
	RecordResolvedClass(c *Class)
	RecordMonitorEnter(o *Object)

	// IsAborted reports whether the transaction hit a forbidden
	// operation and execution must unwind.
	IsAborted() bool
}

// threadList is the suspend-all-protected view of every attached mutator.
type threadList struct {
	threads []*Thread
}

// Runtime ties the execution core together: the class linker, the
// attached threads, the preallocated errors and the instrumentation
// switchboard.
type Runtime struct {
	// InstanceID distinguishes runtime instances in logs and profile
	// accumulation.
	InstanceID uuid.UUID

	linker ClassLinker

	threads xsync.RWMutex[threadList]

	// parkedDuringSuspend counts threads that reached a safepoint while a
	// suspend-all was in force.
	parkedDuringSuspend atomic.Int32
	suspendAllActive    atomic.Bool
	suspendMu           sync.Mutex

	transaction atomic.Pointer[transactionHolder]

	// Preallocated errors thrown when allocating the real one could
	// recurse (stack overflow) or fail (OOM).
	preStackOverflow *Object
	preOOM           *Object

	instr Instrumentation

	// Hook for the interpreter's suspend poll frequency in tests.
	SuspendPollInterval uint32
}

// transaction pointers cannot be stored in atomic.Pointer[Transaction]
// directly because Transaction is an interface.
type transactionHolder struct{ tx Transaction }

// NewRuntime creates a runtime around a class linker.
func NewRuntime(linker ClassLinker) *Runtime {
	rt := &Runtime{
		InstanceID: uuid.New(),
		linker:     linker,
	}
	log.WithField("instance", rt.InstanceID).Debug("runtime created")
	return rt
}

// ClassLinker returns the runtime's class linker.
func (rt *Runtime) ClassLinker() ClassLinker { return rt.linker }

// Instrumentation returns the instrumentation switchboard.
func (rt *Runtime) Instrumentation() *Instrumentation { return &rt.instr }

// EnterTransaction installs the active transaction for an unstarted-
// runtime initialization.
func (rt *Runtime) EnterTransaction(tx Transaction) {
	rt.transaction.Store(&transactionHolder{tx: tx})
}

// ExitTransaction clears the active transaction.
func (rt *Runtime) ExitTransaction() { rt.transaction.Store(nil) }

// ActiveTransaction returns the transaction in force, nil outside one.
func (rt *Runtime) ActiveTransaction() Transaction {
	if h := rt.transaction.Load(); h != nil {
		return h.tx
	}
	return nil
}

// SetPreallocatedErrors installs the instances thrown when construction
// of the real error is impossible.
func (rt *Runtime) SetPreallocatedErrors(stackOverflow, oom *Object) {
	rt.preStackOverflow = stackOverflow
	rt.preOOM = oom
}

// PreallocatedStackOverflowError returns the reserve instance, nil if
// none was installed.
func (rt *Runtime) PreallocatedStackOverflowError() *Object { return rt.preStackOverflow }

// PreallocatedOutOfMemoryError returns the reserve instance.
func (rt *Runtime) PreallocatedOutOfMemoryError() *Object { return rt.preOOM }

func (rt *Runtime) registerThread(t *Thread) {
	tl := rt.threads.WLock()
	tl.threads = append(tl.threads, t)
	rt.threads.WUnlock(&tl)
}

// DetachThread removes a terminated thread from the runtime.
func (rt *Runtime) DetachThread(t *Thread) {
	tl := rt.threads.WLock()
	defer rt.threads.WUnlock(&tl)
	for i, other := range tl.threads {
		if other == t {
			tl.threads = append(tl.threads[:i], tl.threads[i+1:]...)
			return
		}
	}
}

// Threads returns a snapshot of the attached threads.
func (rt *Runtime) Threads() []*Thread {
	tl := rt.threads.RLock()
	defer rt.threads.RUnlock(&tl)
	out := make([]*Thread, len(tl.threads))
	copy(out, tl.threads)
	return out
}

func (rt *Runtime) noteThreadParked() {
	if rt.suspendAllActive.Load() {
		rt.parkedDuringSuspend.Add(1)
	}
}

// SuspendAll brings every runnable mutator except the caller to a
// safepoint. Threads in native state count as already suspended. The
// wait is bounded; a stuck mutator aborts the runtime rather than
// deadlocking it.
func (rt *Runtime) SuspendAll(self *Thread) {
	rt.suspendMu.Lock()
	rt.suspendAllActive.Store(true)
	rt.parkedDuringSuspend.Store(0)

	var waitingFor int32
	for _, t := range rt.Threads() {
		if t == self {
			continue
		}
		t.requestSuspend()
		if t.State() == ThreadRunnable {
			waitingFor++
		}
	}

	deadline := time.Now().Add(suspendAllTimeout)
	for rt.parkedDuringSuspend.Load() < waitingFor {
		if time.Now().After(deadline) {
			log.Fatalf("suspend all: timed out waiting for %d of %d threads",
				waitingFor-rt.parkedDuringSuspend.Load(), waitingFor)
		}
		time.Sleep(100 * time.Microsecond)
	}
	rt.suspendAllActive.Store(false)
}

// ResumeAll releases every thread parked by SuspendAll.
func (rt *Runtime) ResumeAll(self *Thread) {
	for _, t := range rt.Threads() {
		if t == self {
			continue
		}
		t.resume()
	}
	rt.suspendMu.Unlock()
}

// RunCheckpointOnAll schedules fn on every attached thread and runs it
// immediately for threads currently in native state.
func (rt *Runtime) RunCheckpointOnAll(fn func(*Thread)) {
	for _, t := range rt.Threads() {
		if t.State() == ThreadNative {
			fn(t)
			continue
		}
		t.RequestCheckpoint(fn)
	}
}

// VisitRoots reports every reference the runtime itself holds.
func (rt *Runtime) VisitRoots(visit func(**Object)) {
	if rt.preStackOverflow != nil {
		visit(&rt.preStackOverflow)
	}
	if rt.preOOM != nil {
		visit(&rt.preOOM)
	}
	for _, t := range rt.Threads() {
		t.VisitRoots(visit)
	}
}

// Abort terminates the runtime with a diagnostic. Recoverable errors
// never come through here.
func (rt *Runtime) Abort(format string, args ...any) {
	log.Fatalf("runtime aborting: %s", fmt.Sprintf(format, args...))
}
