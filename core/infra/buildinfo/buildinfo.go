// Package buildinfo carries version stamps set with -ldflags at link time.
package buildinfo

import (
	"fmt"
	"runtime"

	"github.com/cordum/teamflow/core/infra/logging"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log writes the build banner for a binary.
func Log(service string) {
	logging.Info(service, "starting", "version", Version, "commit", Commit, "date", Date, "go", runtime.Version())
}
