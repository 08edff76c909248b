// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the fedsync build and formats model
// versions.
//
// Build information is injected with -ldflags, for example:
//
//	go build -ldflags "-X github.com/chithram/fedsync/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set via -ldflags at build time.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info returns a one-line build description for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full adds the Go version and platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// modelVersionLayout sorts lexically in time order.
const modelVersionLayout = "20060102150405"

// ModelVersion returns the version string of a global model published
// at t, in UTC.
func ModelVersion(t time.Time) string {
	return t.UTC().Format(modelVersionLayout)
}

// ParseModelVersion is the inverse of ModelVersion.
func ParseModelVersion(s string) (time.Time, error) {
	t, err := time.ParseInLocation(modelVersionLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid model version %q: %w", s, err)
	}
	return t, nil
}
