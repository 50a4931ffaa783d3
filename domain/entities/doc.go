// Package entities provides the core domain types of the extension host:
// manifests, permission grants, protocol messages, activation events, and the
// error taxonomy. Collaborator-specific types belong to the adapters that
// implement them.
package entities
