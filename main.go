// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/dexvm/dexrt/exceptions"
	"github.com/dexvm/dexrt/interpreter"
	"github.com/dexvm/dexrt/jit"
	"github.com/dexvm/dexrt/metrics"
	"github.com/dexvm/dexrt/oatfile"
	"github.com/dexvm/dexrt/options"
	"github.com/dexvm/dexrt/periodic"
	"github.com/dexvm/dexrt/profiles"
	"github.com/dexvm/dexrt/vc"
	"github.com/dexvm/dexrt/vmcore"
)

var copyright = `Copyright The DexRT Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this software except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
`

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if args.copyright {
		fmt.Print(copyright)
		return exitSuccess
	}

	if args.version {
		fmt.Printf("%s\n", vc.Version())
		return exitSuccess
	}

	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		args.dump()
	}

	if code := sanityCheck(args); code != exitSuccess {
		return code
	}

	ropts, err := options.Parse(args.runtimeArgs, os.Getenv)
	if err != nil {
		return parseError("Failure to parse runtime options: %v", err)
	}

	// Context to drive the main goroutine and the background services.
	mainCtx, mainCancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM, unix.SIGABRT)
	defer mainCancel()

	instanceID := uuid.New()
	log.Infof("Starting dexrt %s (revision %s, build timestamp %s), instance %s",
		vc.Version(), vc.Revision(), vc.BuildTimestamp(), instanceID)

	linker := vmcore.NewLinker()
	linker.BootstrapCore()
	exc := exceptions.New(linker)
	rt := vmcore.NewRuntime(linker)
	ip := interpreter.New(rt, linker, exc)

	var jitController *jit.Controller
	if ropts.UseJIT {
		jopts := jitOptions(ropts)
		jitController, err = jit.New(jopts, ip)
		if err != nil {
			return failure("Failed to start the JIT controller: %v", err)
		}
		defer jitController.Stop()
		ip.Tiering = jitController
		log.Debugf("JIT thresholds: warm %d, hot %d, osr %d",
			jopts.WarmThreshold, jopts.HotThreshold, jopts.OsrThreshold)
	} else {
		log.Info("Running interpret-only (-Xint)")
	}

	mgr := oatfile.NewManager()
	appLoader := &vmcore.ClassLoader{
		Kind:   vmcore.PathClassLoader,
		Parent: linker.BootLoader(),
		Name:   "app",
	}

	if args.bootOat != "" {
		boot, err := oatfile.Open(args.bootOat, nil)
		if err != nil {
			return failure("Failed to open boot oat %s: %v", args.bootOat, err)
		}
		boot.IsBoot = true
		if err := mgr.Register(boot); err != nil {
			return failure("Failed to register boot oat: %v", err)
		}
		bootLoader := linker.BootLoader()
		bootLoader.DexFiles = append(bootLoader.DexFiles, boot.DexFiles()...)
	}

	var appLocations []string
	for _, path := range args.oatPaths() {
		f, err := oatfile.Open(path, nil)
		if err != nil {
			return failure("Failed to open oat %s: %v", path, err)
		}
		if err := mgr.CheckCollision(f, appLoader, nil); err != nil {
			return failure("Rejecting %s: %v", path, err)
		}
		if err := mgr.Register(f); err != nil {
			return failure("Failed to register oat: %v", err)
		}
		appLoader.DexFiles = append(appLoader.DexFiles, f.DexFiles()...)
		for _, df := range f.DexFiles() {
			appLocations = append(appLocations, df.Location)
			if args.markerDir != "" {
				profiles.MarkForeignDexUse(df.Location, args.appDataDir,
					args.markerDir, args.oatPaths())
			}
		}
		log.Debugf("Loaded %s with %d dex files", path, len(f.DexFiles()))
	}

	if args.profileFile != "" && jitController != nil {
		popts := profiles.DefaultOptions()
		popts.SavePeriod = args.profilePeriod
		if err := profiles.Start(popts, jitController, args.profileFile,
			appLocations); err != nil {
			return failure("Failed to start the profile saver: %v", err)
		}
		defer profiles.Stop()
		jitController.SetActivityListener(profiles.NotifyJitActivity)
	}

	stopMetrics := periodic.Start(mainCtx, args.metricsInterval, dumpMetrics)
	defer stopMetrics()

	g, ctx := errgroup.WithContext(mainCtx)
	if len(ropts.Args) > 0 {
		g.Go(func() error {
			defer mainCancel()
			return runProgram(ip, rt, linker, appLoader, ropts.Args)
		})
	} else {
		// Service mode: stay up until a signal arrives.
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}

	err = g.Wait()
	dumpMetrics()
	if err != nil {
		return failure("%v", err)
	}

	log.Info("Exiting ...")
	return exitSuccess
}

// runProgram resolves the named class and invokes its no-argument static
// main method on a fresh mutator thread.
func runProgram(ip *interpreter.Interpreter, rt *vmcore.Runtime,
	linker *vmcore.Linker, loader *vmcore.ClassLoader, argv []string) error {
	desc := classDescriptor(argv[0])
	k := linker.FindClass(desc, loader)
	if k == nil {
		return fmt.Errorf("class %s not found", argv[0])
	}
	var m *vmcore.Method
	for _, dm := range k.Direct {
		if dm.Name == "main" && dm.IsStatic() {
			m = dm
			break
		}
	}
	if m == nil {
		return fmt.Errorf("class %s has no static main method", argv[0])
	}

	th := vmcore.NewThread(rt, "main")
	th.JankSensitive = true
	var res vmcore.JValue
	if !ip.EnterFromInvoke(th, m, nil, nil, &res, false) {
		e := th.Exception()
		if e != nil {
			return fmt.Errorf("uncaught exception %s in %s",
				vmcore.PrettyDescriptor(e.Class().Descriptor), m.PrettyName())
		}
		return fmt.Errorf("invocation of %s failed", m.PrettyName())
	}
	return nil
}

// classDescriptor converts "com.app.Main" to "Lcom/app/Main;".
func classDescriptor(name string) string {
	if strings.HasPrefix(name, "L") && strings.HasSuffix(name, ";") {
		return name
	}
	return "L" + strings.ReplaceAll(name, ".", "/") + ";"
}

// jitOptions applies the -Xjit* overrides onto the stock thresholds.
func jitOptions(ropts *options.RuntimeOptions) jit.Options {
	jopts := jit.DefaultOptions()
	if ropts.JitWarmThreshold != 0 {
		jopts.WarmThreshold = ropts.JitWarmThreshold
	}
	if ropts.JitHotThreshold != 0 {
		jopts.HotThreshold = ropts.JitHotThreshold
	}
	if ropts.JitOsrThreshold != 0 {
		jopts.OsrThreshold = ropts.JitOsrThreshold
	}
	if ropts.JitPriThreadWeight != 0 {
		jopts.PriorityThreadWeight = ropts.JitPriThreadWeight
	}
	if ropts.JitCodeCacheSize != 0 {
		jopts.CodeCacheCapacity = uintptr(ropts.JitCodeCacheSize)
	}
	return jopts
}

// dumpMetrics logs the counters touched since the last dump.
func dumpMetrics() {
	summary := metrics.Report()
	if len(summary) == 0 {
		return
	}
	names := make(map[metrics.MetricID]string)
	for _, def := range metrics.GetDefinitions() {
		names[def.ID] = def.Name
	}
	for id, value := range summary {
		log.Infof("metric %s: %d", names[id], value)
	}
}

func sanityCheck(args *arguments) exitCode {
	if args.metricsInterval <= 0 {
		return parseError("Invalid metrics interval %v", args.metricsInterval)
	}
	if args.profilePeriod <= 0 {
		return parseError("Invalid profile period %v", args.profilePeriod)
	}
	if args.markerDir != "" && args.appDataDir == "" {
		return parseError("marker-dir requires app-data-dir")
	}
	return exitSuccess
}

func parseError(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

func failure(msg string, args ...interface{}) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
