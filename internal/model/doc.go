// Package model holds the records shared by the orchestrator, the paywall,
// the event bridge and the storage backends: runs and their phase history,
// retrieved memories, payment transactions, entitlements, run logs and
// build artifacts.
package model
