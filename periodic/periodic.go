// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

// Package periodic allows periodic calls of functions.
package periodic // import "github.com/dexvm/dexrt/periodic"

import (
	"context"
	"math/rand"
	"time"
)

// Start starts a timer that calls <callback> every <interval> until the
// <ctx> is canceled.
func Start(ctx context.Context, interval time.Duration, callback func()) func() {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback()
			case <-ctx.Done():
				return
			}
		}
	}()

	return ticker.Stop
}

// StartWithManualTrigger starts a timer that calls <callback> every
// <interval> until the <ctx> is canceled. Additionally the 'trigger'
// channel can be used to trigger callback immediately.
func StartWithManualTrigger(ctx context.Context, interval time.Duration, trigger chan bool,
	callback func(manualTrigger bool)) func() {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback(false)
			case <-trigger:
				callback(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	return ticker.Stop
}

// AddJitter adds +/- jitter (jitter is [0..1]) to baseDuration.
func AddJitter(baseDuration time.Duration, jitter float64) time.Duration {
	if jitter < 0.0 || jitter > 1.0 {
		return baseDuration
	}
	//nolint:gosec
	return time.Duration((1 + jitter - 2*jitter*rand.Float64()) * float64(baseDuration))
}

// StartWithJitter starts a timer that calls <callback> every
// <baseDuration+jitter> until the <ctx> is canceled. <jitter>, [0..1],
// is used to add +/- jitter to <baseDuration> at every iteration.
func StartWithJitter(ctx context.Context, baseDuration time.Duration, jitter float64,
	callback func()) func() {
	ticker := time.NewTicker(AddJitter(baseDuration, jitter))
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				callback()
			case <-ctx.Done():
				return
			}
			ticker.Reset(AddJitter(baseDuration, jitter))
		}
	}()

	return ticker.Stop
}
