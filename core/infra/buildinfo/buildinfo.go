package buildinfo

import (
	"fmt"
	"runtime"

	"github.com/cordum/evaluator/core/infra/logging"
)

// Set at link time with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log writes the build summary as a structured record for service.
func Log(service string) {
	logging.Info(service, "starting", "version", Version, "commit", Commit, "build_date", Date, "go", runtime.Version())
}
