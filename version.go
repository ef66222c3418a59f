// Package maestro is an agent orchestration engine: a shared agent registry,
// prompt template store and workflow context store feeding a DAG workflow
// engine, single-request orchestration patterns, managed OS processes, and
// the self-critique and multi-agent discussion services built on top.
package maestro

// Version information for the engine
const (
	// Version is the current engine version
	Version = "development"

	// APIVersion is the current API version
	APIVersion = "v1"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
