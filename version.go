package fabric

// Build information, overridden at link time.
const (
	// Version is the current fabric version.
	Version = "development"

	// BuildDate is set during build time.
	BuildDate = "development"

	// GitCommit is set during build time.
	GitCommit = "unknown"
)
