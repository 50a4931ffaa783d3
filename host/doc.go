// Package host implements the extension host orchestrator: extension
// lifecycle, capability dispatch, activation, and supervision of sandboxed
// execution contexts over a correlated message protocol.
//
// The host never blocks its own control flow on sandbox execution except
// while awaiting a specific correlated response. A hung sandbox is detected
// by per-call deadlines, terminated, and transparently respawned on the next
// call against its extension; the extension's registered capabilities survive
// the replacement.
package host
