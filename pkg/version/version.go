package version

// Version is the application version. Overridden at build time with
// -ldflags "-X tourplayer/pkg/version.Version=...".
var Version = "v0.3.0"
