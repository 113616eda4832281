package version

// Version is overridden at build time with -ldflags "-X He6CRES/udprx/internal/version.Version=...".
var Version = "dev"
