// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// CatalogVersion identifies the tool catalog revision compiled into
// this binary. It is recorded in every checkpoint so a resumed
// engagement can detect a catalog mismatch.
const CatalogVersion = "v1"

var startTime = time.Now()

// Info returns all build and runtime info as a map.
func Info() map[string]string {
	return map[string]string{
		"version":         Version,
		"git_commit":      GitCommit,
		"build_time":      BuildTime,
		"catalog_version": CatalogVersion,
		"go_version":      runtime.Version(),
		"os":              runtime.GOOS,
		"arch":            runtime.GOARCH,
		"uptime":          time.Since(startTime).Truncate(time.Second).String(),
	}
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("Talon %s (%s) catalog %s built %s", Version, GitCommit, CatalogVersion, BuildTime)
}

// UserAgent returns the User-Agent header sent on outbound HTTP requests.
func UserAgent() string {
	return "Talon/" + Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
