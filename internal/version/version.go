// Package version holds the build version, overridden at link time with
// -ldflags "-X github.com/cip999/limmat/internal/version.Version=...".
package version

var Version = "dev"
