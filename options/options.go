// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package options parses the -X style runtime arguments into typed
// settings. Parsing is pure: the environment is consulted through a
// caller-supplied lookup so tests control it.
package options // import "github.com/dexvm/dexrt/options"

import (
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// VerifyMode gates the bytecode verifier.
type VerifyMode int

const (
	VerifyAll VerifyMode = iota
	VerifyNone
	VerifyRemote
	VerifySoftFail
)

var verifyModeNames = map[string]VerifyMode{
	"all":      VerifyAll,
	"none":     VerifyNone,
	"remote":   VerifyRemote,
	"softfail": VerifySoftFail,
}

func (m VerifyMode) String() string {
	for name, v := range verifyModeNames {
		if v == m {
			return name
		}
	}
	return "unknown"
}

// RuntimeOptions are the parsed settings the runtime boots from.
type RuntimeOptions struct {
	BootClassPath []string
	ClassPath     []string

	// Heap sizes in bytes. Zero means "use the default".
	HeapInitial     uint64
	HeapMax         uint64
	HeapGrowthLimit uint64

	// GC is the collector spec string from -Xgc:, uninterpreted here.
	GC string

	// UseJIT is cleared by -Xint.
	UseJIT bool

	// JIT threshold overrides; zero keeps the controller default.
	JitWarmThreshold   uint16
	JitHotThreshold    uint16
	JitOsrThreshold    uint16
	JitCodeCacheSize   uint64
	JitPriThreadWeight uint16

	Verify       VerifyMode
	Experimental []string

	// Remaining non-option arguments: the main class and its argv.
	Args []string
}

// Getenv is the environment lookup; pass os.Getenv outside tests.
type Getenv func(string) string

// Parse consumes runtime arguments up to the first non-option argument.
// BOOTCLASSPATH and CLASSPATH env vars apply only when the matching flag
// is absent.
func Parse(args []string, getenv Getenv) (*RuntimeOptions, error) {
	opts := &RuntimeOptions{UseJIT: true, Verify: VerifyAll}
	sawBootClassPath := false
	sawClassPath := false

	i := 0
	for ; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-cp" || arg == "-classpath":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires an argument", arg)
			}
			i++
			opts.ClassPath = splitPath(args[i])
			sawClassPath = true

		case strings.HasPrefix(arg, "-Xbootclasspath:"):
			opts.BootClassPath = splitPath(strings.TrimPrefix(arg, "-Xbootclasspath:"))
			sawBootClassPath = true

		case strings.HasPrefix(arg, "-Xms"):
			v, err := parseMemory(strings.TrimPrefix(arg, "-Xms"))
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", arg, err)
			}
			opts.HeapInitial = v

		case strings.HasPrefix(arg, "-Xmx"):
			v, err := parseMemory(strings.TrimPrefix(arg, "-Xmx"))
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", arg, err)
			}
			opts.HeapMax = v

		case strings.HasPrefix(arg, "-XX:HeapGrowthLimit="):
			v, err := parseMemory(strings.TrimPrefix(arg, "-XX:HeapGrowthLimit="))
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", arg, err)
			}
			opts.HeapGrowthLimit = v

		case strings.HasPrefix(arg, "-Xgc:"):
			opts.GC = strings.TrimPrefix(arg, "-Xgc:")

		case arg == "-Xint":
			opts.UseJIT = false

		case strings.HasPrefix(arg, "-Xjitwarmthreshold:"):
			if err := parseU16(arg, &opts.JitWarmThreshold); err != nil {
				return nil, err
			}
		case strings.HasPrefix(arg, "-Xjitthreshold:"):
			if err := parseU16(arg, &opts.JitHotThreshold); err != nil {
				return nil, err
			}
		case strings.HasPrefix(arg, "-Xjitosrthreshold:"):
			if err := parseU16(arg, &opts.JitOsrThreshold); err != nil {
				return nil, err
			}
		case strings.HasPrefix(arg, "-Xjitprithreadweight:"):
			if err := parseU16(arg, &opts.JitPriThreadWeight); err != nil {
				return nil, err
			}
		case strings.HasPrefix(arg, "-Xjitcodecachesize:"):
			v, err := parseMemory(arg[strings.IndexByte(arg, ':')+1:])
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", arg, err)
			}
			opts.JitCodeCacheSize = v

		case strings.HasPrefix(arg, "-Xverify:"):
			mode, ok := verifyModeNames[strings.TrimPrefix(arg, "-Xverify:")]
			if !ok {
				return nil, fmt.Errorf("unknown verify mode in %s", arg)
			}
			opts.Verify = mode

		case strings.HasPrefix(arg, "-Xexperimental:"):
			flag := strings.TrimPrefix(arg, "-Xexperimental:")
			log.Warnf("Enabling experimental feature %q; compatibility is not guaranteed", flag)
			opts.Experimental = append(opts.Experimental, flag)

		case strings.HasPrefix(arg, "-X") || strings.HasPrefix(arg, "-XX:"):
			// Unrecognized runtime options are ignored, matching the
			// traditional launcher behavior.
			log.Warnf("Ignoring unrecognized runtime option %s", arg)

		case strings.HasPrefix(arg, "-"):
			return nil, fmt.Errorf("unrecognized option %s", arg)

		default:
			// First non-option argument: main class and program argv.
			opts.Args = args[i:]
			i = len(args)
		}
	}

	if !sawBootClassPath {
		if v := getenv("BOOTCLASSPATH"); v != "" {
			opts.BootClassPath = splitPath(v)
		}
	}
	if !sawClassPath {
		if v := getenv("CLASSPATH"); v != "" {
			opts.ClassPath = splitPath(v)
		}
	}

	if opts.HeapMax != 0 && opts.HeapInitial > opts.HeapMax {
		return nil, fmt.Errorf("initial heap %d exceeds maximum heap %d",
			opts.HeapInitial, opts.HeapMax)
	}
	return opts, nil
}

func splitPath(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ":") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseMemory parses "<n>[k|m|g]" byte counts. The result must be a
// multiple of 1024.
func parseMemory(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	v := n * mult
	if v%1024 != 0 {
		return 0, fmt.Errorf("size %d is not a multiple of 1024", v)
	}
	return v, nil
}

func parseU16(arg string, dst *uint16) error {
	v, err := strconv.ParseUint(arg[strings.IndexByte(arg, ':')+1:], 10, 16)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", arg, err)
	}
	*dst = uint16(v)
	return nil
}
