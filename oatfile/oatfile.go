// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package oatfile models ahead-of-time compilation containers: a
// string-keyed header store plus the embedded dex files, a process-wide
// registry, and the duplicate-class collision detector consulted before
// a container is admitted into a class loader.
package oatfile // import "github.com/dexvm/dexrt/oatfile"

import (
	"strconv"
	"strings"

	"github.com/dexvm/dexrt/dex"
)

// Header keys the execution core depends on.
const (
	// KeyClassPath stores the '*'-delimited (location, checksum) pairs
	// the container was compiled against, or SpecialSharedLibrary.
	KeyClassPath = "classpath"

	// KeyCompilerFilter records the filter the container was produced
	// with. Informational; dumps only.
	KeyCompilerFilter = "compiler-filter"
)

// SpecialSharedLibrary is the class-path sentinel that tells the
// collision detector to skip the check for this container.
const SpecialSharedLibrary = "&"

// OatFile is one opened container.
type OatFile struct {
	Location string

	// IsBoot marks boot-image containers; they are exempt from
	// collision queries and excluded from the superset fallback.
	IsBoot bool

	header   map[string]string
	dexFiles []*dex.File
}

// New assembles a container from decoded parts.
func New(location string, dexFiles []*dex.File, keyValues map[string]string) *OatFile {
	header := make(map[string]string, len(keyValues))
	for k, v := range keyValues {
		header[k] = v
	}
	return &OatFile{Location: location, header: header, dexFiles: dexFiles}
}

// DexFiles returns the embedded dex files in container order.
func (f *OatFile) DexFiles() []*dex.File { return f.dexFiles }

// HeaderValue returns the value stored under key.
func (f *OatFile) HeaderValue(key string) (string, bool) {
	v, ok := f.header[key]
	return v, ok
}

// SetHeaderValue stores a header entry.
func (f *OatFile) SetHeaderValue(key, value string) {
	f.header[key] = value
}

// EncodeClassPath renders the class-path key value for a dex file list:
// '*'-delimited location and checksum pairs, in order.
func EncodeClassPath(files []*dex.File) string {
	parts := make([]string, 0, 2*len(files))
	for _, df := range files {
		parts = append(parts, df.Location,
			strconv.FormatUint(uint64(df.Checksum), 10))
	}
	return strings.Join(parts, "*")
}

// classPathMatches reports whether the stored class-path key lists
// exactly the given dex files. An absent key never matches.
func (f *OatFile) classPathMatches(files []*dex.File) bool {
	stored, ok := f.header[KeyClassPath]
	if !ok {
		return false
	}
	return stored == EncodeClassPath(files)
}

// skipsCollisionCheck reports whether the container opted out of the
// collision check via the shared-library sentinel.
func (f *OatFile) skipsCollisionCheck() bool {
	return f.header[KeyClassPath] == SpecialSharedLibrary
}
