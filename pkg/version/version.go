package version

// Version holds the semantic version of this binary. It is overridden at
// build time via ldflags.
var Version = "0.1.0"
