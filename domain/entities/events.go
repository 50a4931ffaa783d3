package entities

import (
	"fmt"
	"strings"
)

// Activation event names. Exact events match verbatim; parameterized events
// carry an id after the colon.
const (
	EventStartupFinished = "onStartupFinished"

	// EventViewActivated is the broadcast event name (distinct from the
	// onView:<id> activation event that gates entry-point execution).
	EventViewActivated = "viewActivated"

	viewEventPrefix      = "onView:"
	connectorEventPrefix = "onDataConnector:"
	commandEventPrefix   = "onCommand:"
	functionEventPrefix  = "onCustomFunction:"
)

// CanonicalViewID normalizes a view id to its canonical string form used in
// event payloads and activation-event matching.
func CanonicalViewID(viewID any) string {
	return strings.TrimSpace(fmt.Sprint(viewID))
}

// ViewActivationEvent returns the activation event gating a view.
func ViewActivationEvent(viewID any) string {
	return viewEventPrefix + CanonicalViewID(viewID)
}

// ConnectorActivationEvent returns the activation event gating a connector.
func ConnectorActivationEvent(connectorID string) string {
	return connectorEventPrefix + connectorID
}

// CommandActivationEvent returns the activation event gating a command.
func CommandActivationEvent(commandID string) string {
	return commandEventPrefix + commandID
}

// FunctionActivationEvent returns the activation event gating a custom
// function.
func FunctionActivationEvent(name string) string {
	return functionEventPrefix + name
}
