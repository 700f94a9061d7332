// Package version holds the build version, overridden at release time via
// -ldflags "-X github.com/sergeknystautas/specmux/internal/version.Version=...".
package version

// Version is the current specmux version.
var Version = "0.1.0-dev"
