// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package jit is the tiering controller: it counts interpreter activity
// per method, promotes methods through warm/hot/osr states, runs the
// compile tasks on a single low-priority worker and publishes the
// resulting bodies through the code cache.
package jit // import "github.com/dexvm/dexrt/jit"

import (
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/metrics"
	"github.com/dexvm/dexrt/vmcore"
)

// ProcessState mirrors the activity manager's view of the process.
// Hotness samples from jank-sensitive threads are weighted up only while
// the process is user-perceptible.
type ProcessState int32

const (
	StateJankPerceptible ProcessState = iota
	StateBackground
)

// Executor runs the tail of a method in a compiled body for on-stack
// replacement. The interpreter implements it.
type Executor interface {
	EnterOsr(t *vmcore.Thread, f *vmcore.ShadowFrame,
		cc *vmcore.CompiledCode, target dex.PC) bool
}

// Options are the tiering thresholds and weights. All values live in
// (0, 2^16) and the thresholds are strictly ordered warm < hot < osr.
type Options struct {
	// WarmThreshold is where a method gets its ProfilingInfo.
	WarmThreshold uint16
	// HotThreshold is where a compile task is enqueued.
	HotThreshold uint16
	// OsrThreshold is where backedge-heavy methods get an OSR body.
	OsrThreshold uint16

	// PriorityThreadWeight multiplies samples from jank-sensitive
	// threads while the process is user-perceptible.
	PriorityThreadWeight uint16
	// InvokeTransitionWeight is the sample weight of one transition
	// between the interpreter and compiled code.
	InvokeTransitionWeight uint16

	// CodeCacheCapacity bounds the bytes of published map data.
	CodeCacheCapacity uintptr
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		WarmThreshold:          5000,
		HotThreshold:           10000,
		OsrThreshold:           20000,
		PriorityThreadWeight:   500,
		InvokeTransitionWeight: 1000,
		CodeCacheCapacity:      4 << 20,
	}
}

func (o Options) validate() error {
	for name, v := range map[string]uint16{
		"warm threshold":           o.WarmThreshold,
		"hot threshold":            o.HotThreshold,
		"osr threshold":            o.OsrThreshold,
		"priority thread weight":   o.PriorityThreadWeight,
		"invoke transition weight": o.InvokeTransitionWeight,
	} {
		if v == 0 {
			return fmt.Errorf("jit: %s must be in (0, 2^16)", name)
		}
	}
	if !(o.WarmThreshold < o.HotThreshold && o.HotThreshold < o.OsrThreshold) {
		return fmt.Errorf("jit: thresholds must be ordered warm < hot < osr, got %d/%d/%d",
			o.WarmThreshold, o.HotThreshold, o.OsrThreshold)
	}
	if o.CodeCacheCapacity == 0 {
		return fmt.Errorf("jit: zero code cache capacity")
	}
	return nil
}

// Controller owns the per-process tiering state. It implements the
// interpreter's TieringHooks contract.
type Controller struct {
	opts  Options
	exec  Executor
	cache *codeCache

	processState atomic.Int32

	tasks   chan task
	wg      sync.WaitGroup
	pending sync.WaitGroup
	stop    sync.Once

	// Classes rooted for the duration of their method's task, so the
	// class cannot unload while the compiler walks its code.
	rootsMu sync.Mutex
	roots   map[*vmcore.Class]int

	// Methods holding a ProfilingInfo, polled by the profile saver.
	profiledMu sync.Mutex
	profiled   map[*vmcore.Method]struct{}

	// Invoked once per enqueued promotion; the profile saver hangs its
	// wake signal here.
	onActivity atomic.Pointer[func()]
}

// New creates the controller and starts its compile worker.
func New(opts Options, exec Executor) (*Controller, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	cache, err := newCodeCache(opts.CodeCacheCapacity)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		opts:  opts,
		exec:  exec,
		cache: cache,
		tasks:    make(chan task, taskQueueDepth),
		roots:    make(map[*vmcore.Class]int),
		profiled: make(map[*vmcore.Method]struct{}),
	}
	c.wg.Add(1)
	go c.worker()
	return c, nil
}

// Stop drains the worker and releases the code cache region.
func (c *Controller) Stop() {
	c.stop.Do(func() {
		close(c.tasks)
		c.wg.Wait()
		c.cache.destroy()
	})
}

// SetProcessState records the activity manager's process state.
func (c *Controller) SetProcessState(s ProcessState) {
	c.processState.Store(int32(s))
}

// AddSamples implements TieringHooks: hotness accounting with one-tier-
// at-a-time promotion. Class initializers and uncompilable methods are
// never counted.
func (c *Controller) AddSamples(t *vmcore.Thread, m *vmcore.Method,
	samples uint16, withBackedges bool) {
	if m.IsClassInitializer() || !m.IsCompilable() {
		return
	}
	delta := uint32(samples)
	if ProcessState(c.processState.Load()) == StateJankPerceptible &&
		t != nil && t.JankSensitive {
		delta *= uint32(c.opts.PriorityThreadWeight)
	}
	old := uint32(m.HotnessCount())
	count := old + delta
	if count > vmcore.MaxHotnessCount {
		count = vmcore.MaxHotnessCount
	}

	warm := uint32(c.opts.WarmThreshold)
	hot := uint32(c.opts.HotThreshold)
	osr := uint32(c.opts.OsrThreshold)
	switch {
	case old < warm && count >= warm:
		// Allocate the profiling info inline when the thread can take
		// the allocation; otherwise hand it to the worker.
		if t != nil && t.State() == vmcore.ThreadRunnable {
			m.SwapProfilingInfo(vmcore.NewProfilingInfo(m))
			c.recordProfiled(m)
		} else {
			c.enqueue(taskAllocateProfile, m)
		}
		count = hot - 1
	case old < hot && count >= hot:
		if m.EntryPoint() == nil {
			c.enqueue(taskCompile, m)
		}
		count = osr - 1
	case old < osr && count >= osr:
		if !withBackedges {
			return
		}
		if m.OsrCode() == nil {
			c.enqueue(taskCompileOsr, m)
		}
	}
	m.SetHotnessCount(uint16(count))
}

// NotifyInterpreterToCompiledCodeTransition weights a bridge crossing
// like a burst of invoke samples.
func (c *Controller) NotifyInterpreterToCompiledCodeTransition(t *vmcore.Thread,
	caller *vmcore.Method) {
	c.AddSamples(t, caller, c.opts.InvokeTransitionWeight, false)
}

// NotifyCompiledCodeToInterpreterTransition is the reverse crossing.
func (c *Controller) NotifyCompiledCodeToInterpreterTransition(t *vmcore.Thread,
	callee *vmcore.Method) {
	c.AddSamples(t, callee, c.opts.InvokeTransitionWeight, false)
}

// MaybeCompiledCode implements TieringHooks: returns a body that is safe
// to enter, or nil.
func (c *Controller) MaybeCompiledCode(m *vmcore.Method) *vmcore.CompiledCode {
	if m.ForceInterpreter() {
		return nil
	}
	cc := m.EntryPoint()
	if cc == nil || cc.IsDeoptimized() {
		return nil
	}
	return cc
}

// MaybeDoOnStackReplacement implements TieringHooks: at a backward
// branch, switch the frame into its OSR body when one exists and has a
// map entry for the branch target.
func (c *Controller) MaybeDoOnStackReplacement(t *vmcore.Thread,
	f *vmcore.ShadowFrame, dexPC dex.PC, offset int32) bool {
	if c.exec == nil {
		return false
	}
	m := f.Method
	if m.ForceInterpreter() {
		return false
	}
	cc := m.OsrCode()
	if cc == nil || cc.IsDeoptimized() {
		return false
	}
	target := dex.PC(int32(dexPC) + offset)
	if _, ok := cc.CodeInfo.FindDexPC(target); !ok {
		return false
	}
	if !c.exec.EnterOsr(t, f, cc, target) {
		return false
	}
	metrics.Add(metrics.IDJITOsrEntry, 1)
	return true
}

// InvalidateBody takes a compiled body out of circulation, typically
// after a single-frame deoptimization reported it.
func (c *Controller) InvalidateBody(body *vmcore.CompiledCode) {
	c.cache.invalidate(body)
}

// ProfiledMethods snapshots every method that owns a ProfilingInfo. The
// profile saver polls this on each save cycle.
func (c *Controller) ProfiledMethods() []*vmcore.Method {
	c.profiledMu.Lock()
	defer c.profiledMu.Unlock()
	out := make([]*vmcore.Method, 0, len(c.profiled))
	for m := range c.profiled {
		out = append(out, m)
	}
	return out
}

func (c *Controller) recordProfiled(m *vmcore.Method) {
	c.profiledMu.Lock()
	c.profiled[m] = struct{}{}
	c.profiledMu.Unlock()
}

// VisitRoots reports the classes rooted by in-flight tasks.
func (c *Controller) VisitRoots(visit func(*vmcore.Class)) {
	c.rootsMu.Lock()
	defer c.rootsMu.Unlock()
	for k := range c.roots {
		visit(k)
	}
}

func (c *Controller) rootClass(k *vmcore.Class) {
	c.rootsMu.Lock()
	c.roots[k]++
	c.rootsMu.Unlock()
}

func (c *Controller) unrootClass(k *vmcore.Class) {
	c.rootsMu.Lock()
	if c.roots[k]--; c.roots[k] <= 0 {
		delete(c.roots, k)
	}
	c.rootsMu.Unlock()
}

// SetActivityListener registers a callback fired on every enqueued
// promotion task.
func (c *Controller) SetActivityListener(f func()) {
	c.onActivity.Store(&f)
}

func (c *Controller) enqueue(kind taskKind, m *vmcore.Method) {
	if f := c.onActivity.Load(); f != nil {
		(*f)()
	}
	c.rootClass(m.DeclaringClass)
	c.pending.Add(1)
	select {
	case c.tasks <- task{kind: kind, method: m}:
	default:
		// Promotion is idempotent; a full queue just delays it until the
		// counter crosses the threshold again.
		log.Debugf("jit: queue full, dropping %s for %s", kind, m.PrettyName())
		c.unrootClass(m.DeclaringClass)
		c.pending.Done()
	}
}

// waitIdle blocks until every enqueued task has run. Test hook.
func (c *Controller) waitIdle() {
	c.pending.Wait()
}
