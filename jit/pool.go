// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package jit // import "github.com/dexvm/dexrt/jit"

import (
	"runtime"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dexvm/dexrt/metrics"
	"github.com/dexvm/dexrt/vmcore"
)

const taskQueueDepth = 128

// workerNiceness keeps compilation from competing with mutator threads
// for cpu.
const workerNiceness = 9

type taskKind uint8

const (
	taskCompile taskKind = iota
	taskCompileOsr
	taskAllocateProfile
)

var taskKindNames = [...]string{"compile", "compile-osr", "allocate-profile"}

func (k taskKind) String() string {
	if int(k) < len(taskKindNames) {
		return taskKindNames[k]
	}
	return "unknown"
}

// task promotes one method. The declaring class stays rooted from
// enqueue until the task finished.
type task struct {
	kind   taskKind
	method *vmcore.Method
}

// worker is the single compile thread.
func (c *Controller) worker() {
	defer c.wg.Done()
	runtime.LockOSThread()
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, workerNiceness); err != nil {
		log.Debugf("jit: worker priority: %v", err)
	}
	for tk := range c.tasks {
		c.runTask(tk)
		c.unrootClass(tk.method.DeclaringClass)
		c.pending.Done()
	}
}

func (c *Controller) runTask(tk task) {
	m := tk.method
	switch tk.kind {
	case taskAllocateProfile:
		m.SwapProfilingInfo(vmcore.NewProfilingInfo(m))
		c.recordProfiled(m)

	case taskCompile:
		if m.EntryPoint() != nil {
			return
		}
		if m.ProfilingInfo() == nil {
			m.SwapProfilingInfo(vmcore.NewProfilingInfo(m))
			c.recordProfiled(m)
		}
		body, err := c.cache.compile(m, false)
		if err != nil {
			log.Warnf("jit: compiling %s: %v", m.PrettyName(), err)
			return
		}
		m.SetEntryPoint(body)
		metrics.Add(metrics.IDJITCompileTask, 1)

	case taskCompileOsr:
		if m.OsrCode() != nil {
			return
		}
		body, err := c.cache.compile(m, true)
		if err != nil {
			log.Warnf("jit: compiling %s for osr: %v", m.PrettyName(), err)
			return
		}
		m.SetOsrCode(body)
		metrics.Add(metrics.IDJITOsrTask, 1)
	}
}
