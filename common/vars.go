package common

// PackageName is used as the Prometheus metrics namespace.
const PackageName = "release_storage"

// Version is set at build time via -ldflags.
var Version = "dev"
