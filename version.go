package courier

// Version information for the courier daemon.
const (
	// Version is the current release; overridden at build time.
	Version = "development"

	// APIVersion is the wire API version served by httpapi.
	APIVersion = "v1"
)
