// Package buildinfo stands in for the teacher's
// github.com/perforce/p4prometheus/version import: this repo ships no
// Perforce build tags, so version/revision/build date are populated via
// -ldflags at release time and default to "dev"/"unknown" otherwise.
package buildinfo

import "fmt"

var (
	Version   = "dev"
	Revision  = "unknown"
	BuildDate = "unknown"
)

// Print renders a one-line banner in the same shape as p4prometheus's
// version.Print(app), suitable for both kingpin.Version() and a startup
// log line.
func Print(app string) string {
	return fmt.Sprintf("%s version %s (revision %s, built %s)", app, Version, Revision, BuildDate)
}
