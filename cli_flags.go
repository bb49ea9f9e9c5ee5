// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"
)

const (
	// Default values for CLI flags
	defaultMetricsInterval = 60 * time.Second
	defaultProfilePeriod   = 40 * time.Second
)

// Help strings for command line arguments
var (
	copyrightHelp   = "Show copyright and short license text."
	verboseModeHelp = "Enable verbose logging and debugging capabilities."
	versionHelp     = "Show version."
	bootOatHelp     = "Path to the boot image oat container."
	oatHelp         = "Comma-separated list of app oat containers to load."
	profileFileHelp = "Output file for the method profile. Profiling is " +
		"disabled when empty."
	profilePeriodHelp   = "Interval between background profile saves."
	markerDirHelp       = "Directory for foreign-dex use markers."
	appDataDirHelp      = "The app's data directory, used to classify dex loads."
	metricsIntervalHelp = "Interval between metrics summary dumps."
)

type arguments struct {
	copyright       bool
	verboseMode     bool
	version         bool
	bootOat         string
	oats            string
	profileFile     string
	profilePeriod   time.Duration
	markerDir       string
	appDataDir      string
	metricsInterval time.Duration

	// Everything after the flags: -X runtime options, the main class and
	// its argv.
	runtimeArgs []string

	fs *flag.FlagSet
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("dexrt", flag.ExitOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&args.appDataDir, "app-data-dir", "", appDataDirHelp)
	fs.StringVar(&args.bootOat, "boot-oat", "", bootOatHelp)
	fs.BoolVar(&args.copyright, "copyright", false, copyrightHelp)
	fs.StringVar(&args.markerDir, "marker-dir", "", markerDirHelp)
	fs.DurationVar(&args.metricsInterval, "metrics-interval", defaultMetricsInterval,
		metricsIntervalHelp)
	fs.StringVar(&args.oats, "oat", "", oatHelp)
	fs.StringVar(&args.profileFile, "profile-file", "", profileFileHelp)
	fs.DurationVar(&args.profilePeriod, "profile-period", defaultProfilePeriod,
		profilePeriodHelp)
	fs.BoolVar(&args.verboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	args.fs = fs

	err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("DEXRT"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
	args.runtimeArgs = fs.Args()
	return &args, err
}

// oatPaths splits the -oat list.
func (args *arguments) oatPaths() []string {
	var out []string
	for _, p := range strings.Split(args.oats, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (args *arguments) dump() {
	log.Debug("Config:")
	args.fs.VisitAll(func(f *flag.Flag) {
		log.Debug(f.Name, ": ", f.Value)
	})
	log.Debug("runtime args: ", strings.Join(args.runtimeArgs, " "))
}
