package common

// PackageName identifies this module in logs and metrics.
const PackageName = "github.com/georelay/georelay"

// Version is set at build time via -ldflags.
var Version = "dev"
