// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package profiles holds the offline method profile: the text format its
// files use, cross-process merging under a file lock, the background
// saver thread fed by the tiering controller, and the foreign-dex use
// markers.
package profiles // import "github.com/dexvm/dexrt/profiles"

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Frame is one inlined-call frame of a profiled invoke site.
type Frame struct {
	Method string
	DexPC  uint32
}

// InlineSite is the per-dex-pc context of a profiled method: how often
// the site was sampled and through which inlined frames.
type InlineSite struct {
	DexPC  uint32
	Count  uint64
	Frames []Frame
}

// MethodRecord is one profiled method.
type MethodRecord struct {
	Name       string
	TotalCount uint64
	MethodSize uint32
	Sites      []InlineSite
}

// Data is the in-memory profile of one output file.
//
// The header counters track total samples, samples whose method had no
// resolvable size, and samples attributed to boot-class-path methods.
type Data struct {
	Samples uint64
	Nulls   uint64
	Boots   uint64

	methods map[string]*MethodRecord
}

// NewData returns an empty profile.
func NewData() *Data {
	return &Data{methods: make(map[string]*MethodRecord)}
}

// NumMethods returns the number of profiled methods.
func (d *Data) NumMethods() int { return len(d.methods) }

// Method returns the record for a method name, or nil.
func (d *Data) Method(name string) *MethodRecord { return d.methods[name] }

// Observe folds one online sample of a method into the profile. Counts
// from the same process are cumulative snapshots, so the larger value
// wins rather than summing.
func (d *Data) Observe(name string, count uint64, size uint32, boot bool) {
	r := d.methods[name]
	if r == nil {
		r = &MethodRecord{Name: name, MethodSize: size}
		d.methods[name] = r
	}
	if count > r.TotalCount {
		d.Samples += count - r.TotalCount
		r.TotalCount = count
	}
	if size > r.MethodSize {
		r.MethodSize = size
	}
	if size == 0 {
		d.Nulls++
	}
	if boot {
		d.Boots++
	}
}

// Merge folds another profile into this one. Unlike Observe this sums:
// the other side is a different process's view, not a snapshot of ours.
func (d *Data) Merge(other *Data) {
	d.Samples += other.Samples
	d.Nulls += other.Nulls
	d.Boots += other.Boots
	for name, or := range other.methods {
		r := d.methods[name]
		if r == nil {
			r = &MethodRecord{Name: name}
			d.methods[name] = r
		}
		r.TotalCount += or.TotalCount
		if or.MethodSize > r.MethodSize {
			r.MethodSize = or.MethodSize
		}
		for _, os := range or.Sites {
			r.mergeSite(os)
		}
	}
}

func (r *MethodRecord) mergeSite(s InlineSite) {
	for i := range r.Sites {
		if r.Sites[i].DexPC == s.DexPC && framesEqual(r.Sites[i].Frames, s.Frames) {
			r.Sites[i].Count += s.Count
			return
		}
	}
	r.Sites = append(r.Sites, s)
}

func framesEqual(a, b []Frame) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Serialize renders the text form: a "samples/nulls/boots" header line,
// then one line per method, name-sorted for determinism.
func (d *Data) Serialize() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d/%d/%d\n", d.Samples, d.Nulls, d.Boots)

	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := d.methods[name]
		fmt.Fprintf(&buf, "%s/%d/%d", r.Name, r.TotalCount, r.MethodSize)
		if len(r.Sites) > 0 {
			buf.WriteString("/[")
			sites := append([]InlineSite(nil), r.Sites...)
			sort.Slice(sites, func(i, j int) bool {
				return sites[i].DexPC < sites[j].DexPC
			})
			for i, s := range sites {
				if i > 0 {
					buf.WriteByte('#')
				}
				fmt.Fprintf(&buf, "%d:%d:", s.DexPC, s.Count)
				for j, fr := range s.Frames {
					if j > 0 {
						buf.WriteByte('@')
					}
					fmt.Fprintf(&buf, "%s@%d", fr.Method, fr.DexPC)
				}
			}
			buf.WriteByte(']')
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Parse decodes the text form. Empty input yields an empty profile so a
// freshly created file merges cleanly.
func Parse(data []byte) (*Data, error) {
	d := NewData()
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		lineNo++
		if line == "" {
			continue
		}
		if lineNo == 1 {
			if err := d.parseHeader(line); err != nil {
				return nil, err
			}
			continue
		}
		if err := d.parseMethodLine(line); err != nil {
			return nil, fmt.Errorf("profile line %d: %w", lineNo, err)
		}
	}
	return d, sc.Err()
}

func (d *Data) parseHeader(line string) error {
	parts := strings.Split(line, "/")
	if len(parts) != 3 {
		return fmt.Errorf("profile header %q: want samples/nulls/boots", line)
	}
	vals := make([]uint64, 3)
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return fmt.Errorf("profile header %q: %w", line, err)
		}
		vals[i] = v
	}
	d.Samples, d.Nulls, d.Boots = vals[0], vals[1], vals[2]
	return nil
}

func (d *Data) parseMethodLine(line string) error {
	var contexts string
	if i := strings.IndexByte(line, '['); i >= 0 {
		if !strings.HasSuffix(line, "]") {
			return fmt.Errorf("unterminated context list in %q", line)
		}
		contexts = line[i+1 : len(line)-1]
		line = strings.TrimSuffix(line[:i], "/")
	}

	// The method name may itself contain '/', so take the two numeric
	// fields from the right.
	i := strings.LastIndexByte(line, '/')
	if i < 0 {
		return fmt.Errorf("missing method size in %q", line)
	}
	size, err := strconv.ParseUint(line[i+1:], 10, 32)
	if err != nil {
		return fmt.Errorf("method size in %q: %w", line, err)
	}
	line = line[:i]
	i = strings.LastIndexByte(line, '/')
	if i < 0 {
		return fmt.Errorf("missing total count in %q", line)
	}
	count, err := strconv.ParseUint(line[i+1:], 10, 64)
	if err != nil {
		return fmt.Errorf("total count in %q: %w", line, err)
	}
	name := line[:i]
	if name == "" {
		return fmt.Errorf("empty method name")
	}

	r := &MethodRecord{Name: name, TotalCount: count, MethodSize: uint32(size)}
	if contexts != "" {
		for _, entry := range strings.Split(contexts, "#") {
			s, err := parseSite(entry)
			if err != nil {
				return err
			}
			r.Sites = append(r.Sites, s)
		}
	}
	d.methods[name] = r
	return nil
}

func parseSite(entry string) (InlineSite, error) {
	parts := strings.SplitN(entry, ":", 3)
	if len(parts) != 3 {
		return InlineSite{}, fmt.Errorf("context entry %q: want dex-pc:count:frames", entry)
	}
	pc, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return InlineSite{}, fmt.Errorf("context dex-pc in %q: %w", entry, err)
	}
	count, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return InlineSite{}, fmt.Errorf("context count in %q: %w", entry, err)
	}
	s := InlineSite{DexPC: uint32(pc), Count: count}
	if parts[2] != "" {
		fields := strings.Split(parts[2], "@")
		if len(fields)%2 != 0 {
			return InlineSite{}, fmt.Errorf("odd frame chain in %q", entry)
		}
		for i := 0; i < len(fields); i += 2 {
			fpc, err := strconv.ParseUint(fields[i+1], 10, 32)
			if err != nil {
				return InlineSite{}, fmt.Errorf("frame pc in %q: %w", entry, err)
			}
			s.Frames = append(s.Frames, Frame{Method: fields[i], DexPC: uint32(fpc)})
		}
	}
	return s, nil
}

// MergeAndSave folds whatever is already on disk into this profile and
// writes the union back, all under an exclusive flock so concurrent
// processes writing the same file serialize their read-merge-write.
// Returns the number of methods written.
func (d *Data) MergeAndSave(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening profile %s: %w", path, err)
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()

	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return 0, fmt.Errorf("locking profile %s: %w", path, err)
	}

	existing, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading profile %s: %w", path, err)
	}
	if len(existing) > 0 {
		onDisk, err := Parse(existing)
		if err != nil {
			return 0, fmt.Errorf("parsing profile %s: %w", path, err)
		}
		d.Merge(onDisk)
	}

	if err := f.Truncate(0); err != nil {
		return 0, fmt.Errorf("truncating profile %s: %w", path, err)
	}
	if _, err := f.WriteAt(d.Serialize(), 0); err != nil {
		return 0, fmt.Errorf("writing profile %s: %w", path, err)
	}
	return len(d.methods), nil
}
