// Package version holds the master version, overridden at link time for
// release builds.
package version

// Version is the current version of the master.
var Version = "0.1.0-dev"
