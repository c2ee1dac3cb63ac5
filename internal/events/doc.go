// Package events defines the typed run events and the bridge that carries
// them from a running orchestrator to a remote subscriber: an ordered,
// append-only stream per run, a registry keyed by run id, and the
// Server-Sent Events wire framing.
package events
