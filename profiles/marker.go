// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package profiles // import "github.com/dexvm/dexrt/profiles"

import (
	"errors"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MarkForeignDexUse records that the app loaded a dex file from outside
// its own code paths and data directory: a zero-byte file named after
// the canonicalized dex path, with '/' flattened to '@', is created in
// the marker directory. Returns true when the dex location is foreign,
// whether or not a new marker was written.
func MarkForeignDexUse(dexLocation, appDataDir, markerDir string,
	codePaths []string) bool {
	real, err := filepath.EvalSymlinks(dexLocation)
	if err != nil {
		// A location that cannot be resolved cannot be attributed to the
		// app either way; leave no marker.
		log.Debugf("Not marking %s: %v", dexLocation, err)
		return false
	}
	if appDataDir != "" {
		if rad, err := filepath.EvalSymlinks(appDataDir); err == nil &&
			pathHasPrefix(real, rad) {
			return false
		}
	}
	for _, cp := range codePaths {
		if rcp, err := filepath.EvalSymlinks(cp); err == nil && pathHasPrefix(real, rcp) {
			return false
		}
	}

	marker := filepath.Join(markerDir, strings.ReplaceAll(real, "/", "@"))
	fd, err := unix.Open(marker,
		unix.O_CREAT|unix.O_RDONLY|unix.O_EXCL|unix.O_CLOEXEC|unix.O_NOFOLLOW, 0)
	switch {
	case err == nil:
		unix.Close(fd)
	case errors.Is(err, unix.EEXIST), errors.Is(err, unix.EACCES):
		// Already marked, or the marker dir belongs to another user.
	default:
		log.Warnf("Could not mark use of %s: %v", dexLocation, err)
	}
	return true
}

func pathHasPrefix(path, prefix string) bool {
	prefix = filepath.Clean(prefix)
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
