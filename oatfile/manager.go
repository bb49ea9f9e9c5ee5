// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package oatfile // import "github.com/dexvm/dexrt/oatfile"

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dexvm/dexrt/dex"
	"github.com/dexvm/dexrt/metrics"
	"github.com/dexvm/dexrt/vmcore"
	"github.com/dexvm/dexrt/vmcore/xsync"
)

// registry is the rwlock-guarded state of the manager.
type registry struct {
	oats       []*OatFile
	byLocation map[string]*OatFile
}

// Manager owns the process-wide set of opened containers and answers
// collision queries against it.
type Manager struct {
	files xsync.RWMutex[registry]
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	mg := &Manager{}
	r := mg.files.WLock()
	r.byLocation = make(map[string]*OatFile)
	mg.files.WUnlock(&r)
	return mg
}

// Register admits a container into the registry. Boot containers get a
// duplicate-descriptor sanity pass instead of a collision check.
func (mg *Manager) Register(f *OatFile) error {
	if f.IsBoot {
		validateBootClassPath(f.DexFiles())
	}
	r := mg.files.WLock()
	defer mg.files.WUnlock(&r)
	if _, ok := r.byLocation[f.Location]; ok {
		return fmt.Errorf("oat file %s already registered", f.Location)
	}
	r.oats = append(r.oats, f)
	r.byLocation[f.Location] = f
	metrics.Add(metrics.IDOatOpened, 1)
	return nil
}

// Unregister removes a container, typically when its loader unloads.
func (mg *Manager) Unregister(f *OatFile) {
	r := mg.files.WLock()
	defer mg.files.WUnlock(&r)
	for i, other := range r.oats {
		if other == f {
			r.oats = append(r.oats[:i], r.oats[i+1:]...)
			delete(r.byLocation, f.Location)
			return
		}
	}
	log.Warnf("Unregistering oat file %s that was never registered", f.Location)
}

// FindByLocation returns the registered container for a location.
func (mg *Manager) FindByLocation(location string) *OatFile {
	r := mg.files.RLock()
	defer mg.files.RUnlock(&r)
	return r.byLocation[location]
}

// appDexFiles flattens every registered non-boot container's dex files.
// This is the superset the detector scans when the loader chain has an
// unsupported loader kind.
func (mg *Manager) appDexFiles() []*dex.File {
	r := mg.files.RLock()
	defer mg.files.RUnlock(&r)
	var files []*dex.File
	for _, f := range r.oats {
		if f.IsBoot {
			continue
		}
		files = append(files, f.dexFiles...)
	}
	return files
}

// CheckCollision reports whether admitting the candidate under the
// given loader would introduce a duplicate class definition. extra
// lists dex elements the caller will install alongside the candidate.
// A nil return means no collision.
func (mg *Manager) CheckCollision(candidate *OatFile, loader *vmcore.ClassLoader,
	extra []*dex.File) error {
	metrics.Add(metrics.IDCollisionCheck, 1)

	if candidate.skipsCollisionCheck() {
		log.Debugf("Skipping collision check for %s: shared-library class path",
			candidate.Location)
		return nil
	}

	classPath, supported := loaderClassPath(loader, extra)
	if !supported {
		// Unknown loader kind: the partial result is unusable, scan
		// against everything registered instead.
		log.Debugf("Unsupported class loader for %s, using superset query",
			candidate.Location)
		classPath = mg.appDexFiles()
	} else if candidate.classPathMatches(classPath) {
		return nil
	}

	if desc := checkCollision(candidate, classPath); desc != "" {
		metrics.Add(metrics.IDCollisionHit, 1)
		return &CollisionError{Candidate: candidate.Location, Descriptor: desc}
	}
	return nil
}
