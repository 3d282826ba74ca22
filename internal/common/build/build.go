// Package build holds version information injected at link time, e.g.
// -ldflags "-X github.com/crankbench/crank/internal/common/build.ReleaseVersion=v1.2.0".
package build

import (
	"fmt"
	"io"
	"runtime"
	"text/tabwriter"
)

var (
	ReleaseVersion = "UNKNOWN_VERSION"
	GitCommit      = "UNKNOWN_GITCOMMIT"
	BuildTime      = "UNKNOWN_BUILDTIME"
	GoVersion      = runtime.Version()
)

// Print writes the build information as an aligned table.
func Print(out io.Writer) error {
	w := tabwriter.NewWriter(out, 1, 1, 1, ' ', 0)
	fmt.Fprintf(w, "Version:\t%s\n", ReleaseVersion)
	fmt.Fprintf(w, "Commit:\t%s\n", GitCommit)
	fmt.Fprintf(w, "Go version:\t%s\n", GoVersion)
	fmt.Fprintf(w, "Built:\t%s\n", BuildTime)
	return w.Flush()
}
