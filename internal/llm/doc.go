// Package llm defines the reasoning adapter consumed by the run orchestrator
// and hosts its provider implementations. Every provider answers the three
// planning questions of a run (think, decide, build) with structured JSON.
package llm
