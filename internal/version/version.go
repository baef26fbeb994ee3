package version

// Version is the current version of stratum.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.2.0"

// Name is the application name.
const Name = "stratum"

// Description is a short description of the application.
const Description = "Declarative, resumable data-migration engine"
