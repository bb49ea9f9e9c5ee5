// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package profiles // import "github.com/dexvm/dexrt/profiles"

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dexvm/dexrt/metrics"
	"github.com/dexvm/dexrt/periodic"
	"github.com/dexvm/dexrt/vmcore"
)

// MethodSource enumerates the methods that have accumulated profiling
// state. The tiering controller implements it.
type MethodSource interface {
	ProfiledMethods() []*vmcore.Method
}

// Options tune the saver cadence and wake thresholds.
type Options struct {
	// SavePeriod is the regular cycle interval.
	SavePeriod time.Duration
	// MinSavePeriod throttles activity-triggered wakes: a manual wake
	// arriving earlier than this after the last save is ignored.
	MinSavePeriod time.Duration

	// MinMethodsToSave is the method+class delta below which a cycle
	// skips the write.
	MinMethodsToSave int

	// MinNotificationBeforeWake wakes the saver once per cycle;
	// MaxNotificationBeforeWake wakes it every time.
	MinNotificationBeforeWake uint32
	MaxNotificationBeforeWake uint32
}

// DefaultOptions returns the stock cadence.
func DefaultOptions() Options {
	return Options{
		SavePeriod:                40 * time.Second,
		MinSavePeriod:             40 * time.Second,
		MinMethodsToSave:          10,
		MinNotificationBeforeWake: 10,
		MaxNotificationBeforeWake: 50,
	}
}

func (o Options) validate() error {
	if o.SavePeriod <= 0 || o.MinSavePeriod <= 0 {
		return fmt.Errorf("profiles: non-positive save period")
	}
	if o.MinMethodsToSave < 0 {
		return fmt.Errorf("profiles: negative save delta")
	}
	if o.MinNotificationBeforeWake > o.MaxNotificationBeforeWake {
		return fmt.Errorf("profiles: wake thresholds inverted: %d > %d",
			o.MinNotificationBeforeWake, o.MaxNotificationBeforeWake)
	}
	return nil
}

// trackedFile is the saver-side state of one output profile.
type trackedFile struct {
	// locations are the dex locations whose methods feed this file.
	locations map[string]bool

	data            *Data
	resolvedClasses map[string]struct{}

	lastSaveMethods int
	lastSaveClasses int
}

// Saver is the background profile writer. One instance exists per
// process; repeated Start calls accumulate tracked locations on it
// instead of spawning further threads.
type Saver struct {
	opts   Options
	source MethodSource
	id     uuid.UUID

	mu      sync.Mutex
	tracked map[string]*trackedFile

	notifications atomic.Uint32
	wokeThisCycle atomic.Bool

	wake     chan bool
	cancel   context.CancelFunc
	stopTick func()

	// cycleMu serializes save cycles against shutdown's final save.
	cycleMu  sync.Mutex
	lastSave time.Time

	totalSaves  uint64
	totalSkips  uint64
	totalFailed uint64
}

// NewSaver creates the saver and starts its cycle timer.
func NewSaver(opts Options, source MethodSource) (*Saver, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.SavePeriod < opts.MinSavePeriod {
		opts.SavePeriod = opts.MinSavePeriod
	}
	s := &Saver{
		opts:    opts,
		source:  source,
		id:      uuid.New(),
		tracked: make(map[string]*trackedFile),
		wake:    make(chan bool, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopTick = periodic.StartWithManualTrigger(ctx, opts.SavePeriod, s.wake,
		s.cycle)
	log.Infof("Profile saver %s started, period %v", s.id, opts.SavePeriod)
	return s, nil
}

// Track registers an output file and the dex locations feeding it.
// Tracking the same file again unions the location sets.
func (s *Saver) Track(outputPath string, locations []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tf := s.tracked[outputPath]
	if tf == nil {
		tf = &trackedFile{
			locations:       make(map[string]bool),
			data:            NewData(),
			resolvedClasses: make(map[string]struct{}),
		}
		s.tracked[outputPath] = tf
	}
	for _, loc := range locations {
		tf.locations[loc] = true
	}
}

// NotifyClassResolved records a resolved class for the save-delta
// heuristic of every file tracking the class's dex location.
func (s *Saver) NotifyClassResolved(location, descriptor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tf := range s.tracked {
		if tf.locations[location] {
			tf.resolvedClasses[location+":"+descriptor] = struct{}{}
		}
	}
}

// NotifyJitActivity is the tiering controller's wake signal. Crossing
// the minimum threshold wakes the saver once per cycle; crossing the
// spike threshold wakes it every time.
func (s *Saver) NotifyJitActivity() {
	n := s.notifications.Add(1)
	if n >= s.opts.MaxNotificationBeforeWake {
		s.notifications.Store(0)
		s.signalWake()
		return
	}
	if n >= s.opts.MinNotificationBeforeWake &&
		s.wokeThisCycle.CompareAndSwap(false, true) {
		s.signalWake()
	}
}

func (s *Saver) signalWake() {
	select {
	case s.wake <- true:
	default:
	}
}

// Stop cancels the cycle timer and runs one final save so shutdown does
// not lose the tail of the profile.
func (s *Saver) Stop() {
	s.cancel()
	s.stopTick()
	s.cycleMu.Lock()
	s.saveAll()
	s.cycleMu.Unlock()
	s.mu.Lock()
	log.Infof("Profile saver %s stopped: %d saves, %d skips, %d failures",
		s.id, s.totalSaves, s.totalSkips, s.totalFailed)
	s.mu.Unlock()
}

func (s *Saver) cycle(manual bool) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	if manual && time.Since(s.lastSave) < s.opts.MinSavePeriod {
		return
	}
	s.wokeThisCycle.Store(false)
	s.notifications.Store(0)
	s.saveAll()
	s.lastSave = time.Now()
}

func (s *Saver) saveAll() {
	s.mu.Lock()
	paths := make([]string, 0, len(s.tracked))
	for path := range s.tracked {
		paths = append(paths, path)
	}
	s.mu.Unlock()

	var methods []*vmcore.Method
	if s.source != nil {
		methods = s.source.ProfiledMethods()
	}
	for _, path := range paths {
		s.saveOne(path, methods)
	}
}

func (s *Saver) saveOne(path string, methods []*vmcore.Method) {
	s.mu.Lock()
	tf := s.tracked[path]
	var locations map[string]bool
	if tf != nil {
		locations = make(map[string]bool, len(tf.locations))
		for loc := range tf.locations {
			locations[loc] = true
		}
	}
	s.mu.Unlock()
	if tf == nil {
		return
	}

	for _, m := range methods {
		k := m.DeclaringClass
		if k == nil || k.DexFile == nil || !locations[k.DexFile.Location] {
			continue
		}
		boot := k.Loader != nil && k.Loader.Kind == vmcore.BootClassLoader
		var size uint32
		if m.Code != nil {
			size = uint32(2 * len(m.Code.Insns))
		}
		tf.data.Observe(m.PrettyName(), uint64(m.HotnessCount()), size, boot)
	}

	s.mu.Lock()
	classes := len(tf.resolvedClasses)
	s.mu.Unlock()
	delta := (tf.data.NumMethods() - tf.lastSaveMethods) +
		(classes - tf.lastSaveClasses)
	if delta < s.opts.MinMethodsToSave {
		log.Debugf("Profile saver %s: %s delta %d below %d, skipping",
			s.id, path, delta, s.opts.MinMethodsToSave)
		s.mu.Lock()
		s.totalSkips++
		s.mu.Unlock()
		return
	}

	n, err := tf.data.MergeAndSave(path)
	if err != nil {
		// Recoverable: counted and retried on the next cycle.
		log.Warnf("Profile saver %s: saving %s: %v", s.id, path, err)
		s.mu.Lock()
		s.totalFailed++
		s.mu.Unlock()
		return
	}
	metrics.Add(metrics.IDProfileSave, 1)
	metrics.Add(metrics.IDProfileMergedMethods, metrics.MetricValue(n))

	// Resolved classes written once never need resaving.
	s.mu.Lock()
	tf.resolvedClasses = make(map[string]struct{})
	tf.lastSaveMethods = tf.data.NumMethods()
	tf.lastSaveClasses = 0
	s.totalSaves++
	s.mu.Unlock()
	log.Debugf("Profile saver %s: wrote %d methods to %s", s.id, n, path)
}

// Process-wide instance. Explicit start/stop, no lazy init.
var (
	profilerMu sync.Mutex
	instance   *Saver
)

// Start creates the process saver on first use and registers the given
// output file and code locations with it.
func Start(opts Options, source MethodSource, outputPath string,
	locations []string) error {
	profilerMu.Lock()
	defer profilerMu.Unlock()
	if instance == nil {
		s, err := NewSaver(opts, source)
		if err != nil {
			return err
		}
		instance = s
	}
	instance.Track(outputPath, locations)
	return nil
}

// Stop tears down the process saver after a final save.
func Stop() {
	profilerMu.Lock()
	s := instance
	instance = nil
	profilerMu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// NotifyJitActivity forwards a tiering wake signal to the process
// saver, if one is running.
func NotifyJitActivity() {
	profilerMu.Lock()
	s := instance
	profilerMu.Unlock()
	if s != nil {
		s.NotifyJitActivity()
	}
}

// IsStarted reports whether the process saver is running.
func IsStarted() bool {
	profilerMu.Lock()
	defer profilerMu.Unlock()
	return instance != nil
}
