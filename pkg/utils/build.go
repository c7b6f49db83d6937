// Build information for the bucketcache binary. Values are injected with -ldflags at build time, e.g.
// -X github.com/nobletooth/bucketcache/pkg/utils.Version=v1.2.0
// Missing values are filled with placeholders so that logs never carry empty fields.

package utils

import (
	"log/slog"
	"strconv"
	"time"
)

const devVersion = "v0.0.0-dev"

var (
	TestMode   string // Set to "true" by test builds; turns invariant violations into panics.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
)

func init() {
	StartTime = time.Now()

	if Version == "" {
		Version = devVersion
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false.", "error", err)
		}
	}
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(StartTime)
}
