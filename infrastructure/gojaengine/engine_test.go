package gojaengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridlet-dev/gridlet-host/domain/entities"
	"github.com/gridlet-dev/gridlet-host/domain/ports"
)

const testScript = `
var activations = 0;

function activate(payload) {
	activations++;
	return { reason: payload.reason };
}

function onCommand(id, args) {
	return { ran: id, activations: activations };
}

function onCustomFunction(name, args) {
	return args[0] * 3;
}

function onDataConnector(id, method, params) {
	var sheet = host.call("sheet", "readRange", { range: "A1" });
	return { first: sheet.values[0][0] };
}
`

func spawn(t *testing.T, source string) ports.Sandbox {
	t.Helper()
	engine := NewEngine()
	sb, err := engine.Spawn(context.Background(), ports.SandboxSpec{
		ExtensionID: "acme.script",
		Source:      []byte(source),
	})
	require.NoError(t, err)
	t.Cleanup(sb.Terminate)
	return sb
}

func readMessage(t *testing.T, sb ports.Sandbox) entities.Message {
	t.Helper()
	select {
	case msg, ok := <-sb.Receive():
		require.True(t, ok, "sandbox output closed unexpectedly")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sandbox output")
		return entities.Message{}
	}
}

func TestSpawn_RejectsSyntaxErrors(t *testing.T) {
	engine := NewEngine()
	_, err := engine.Spawn(context.Background(), ports.SandboxSpec{
		ExtensionID: "acme.broken",
		Source:      []byte("function ("),
	})
	require.Error(t, err)
}

func TestSandbox_ActivateRoundTrip(t *testing.T) {
	sb := spawn(t, testScript)

	require.NoError(t, sb.Send(entities.Message{
		Kind:    entities.KindActivate,
		ID:      "a1",
		Payload: map[string]any{"reason": "onView:dashboard"},
	}))

	msg := readMessage(t, sb)
	assert.Equal(t, entities.KindActivateResult, msg.Kind)
	assert.Equal(t, "a1", msg.ID)
	assert.Equal(t, "onView:dashboard", msg.Payload["reason"])
}

func TestSandbox_CommandDispatch(t *testing.T) {
	sb := spawn(t, testScript)

	require.NoError(t, sb.Send(entities.Message{
		Kind: entities.KindAPICall, ID: "c1", Name: "command", Method: "export",
	}))

	msg := readMessage(t, sb)
	require.Equal(t, entities.KindAPIResult, msg.Kind)
	assert.Equal(t, "export", msg.Payload["ran"])
}

func TestSandbox_CustomFunctionValue(t *testing.T) {
	sb := spawn(t, testScript)

	require.NoError(t, sb.Send(entities.Message{
		Kind: entities.KindAPICall, ID: "f1", Name: "customFunction", Method: "TRIPLE",
		Payload: map[string]any{"args": []any{2}},
	}))

	msg := readMessage(t, sb)
	require.Equal(t, entities.KindAPIResult, msg.Kind)
	assert.EqualValues(t, 6, msg.Payload["value"])
}

func TestSandbox_HostCallFromScript(t *testing.T) {
	sb := spawn(t, testScript)

	require.NoError(t, sb.Send(entities.Message{
		Kind: entities.KindConnectorInvoke, ID: "d1", Name: "crm", Method: "query",
	}))

	// The script's host.call surfaces as an api_call the host must answer.
	call := readMessage(t, sb)
	require.Equal(t, entities.KindAPICall, call.Kind)
	assert.Equal(t, "sheet", call.Name)
	assert.Equal(t, "readRange", call.Method)
	assert.Equal(t, map[string]any{"range": "A1"}, call.Payload)

	require.NoError(t, sb.Send(call.Result(map[string]any{
		"values": []any{[]any{"total"}},
	})))

	result := readMessage(t, sb)
	require.Equal(t, entities.KindConnectorResult, result.Kind)
	assert.Equal(t, "d1", result.ID)
	assert.Equal(t, "total", result.Payload["first"])
}

func TestSandbox_HostCallError(t *testing.T) {
	sb := spawn(t, testScript)

	require.NoError(t, sb.Send(entities.Message{
		Kind: entities.KindConnectorInvoke, ID: "d1", Name: "crm", Method: "query",
	}))
	call := readMessage(t, sb)
	require.Equal(t, entities.KindAPICall, call.Kind)

	require.NoError(t, sb.Send(call.Failure(entities.ErrPermissionDenied)))

	result := readMessage(t, sb)
	assert.Equal(t, entities.KindConnectorError, result.Kind)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Message, "permission")
}

func TestSandbox_MissingEntryPoint(t *testing.T) {
	sb := spawn(t, `function unrelated() {}`)

	require.NoError(t, sb.Send(entities.Message{
		Kind: entities.KindActivate, ID: "a1", Payload: map[string]any{"reason": "x"},
	}))

	msg := readMessage(t, sb)
	assert.Equal(t, entities.KindActivateError, msg.Kind)
	require.NotNil(t, msg.Error)
	assert.Equal(t, entities.CodeExtensionFailure, msg.Error.Code)
}

func TestSandbox_ScriptException(t *testing.T) {
	sb := spawn(t, `function activate() { throw new Error("boom"); }`)

	require.NoError(t, sb.Send(entities.Message{
		Kind: entities.KindActivate, ID: "a1", Payload: map[string]any{},
	}))

	msg := readMessage(t, sb)
	assert.Equal(t, entities.KindActivateError, msg.Kind)
	require.NotNil(t, msg.Error)
	assert.Contains(t, msg.Error.Message, "boom")
}

func TestSandbox_TerminateInterruptsRunawayScript(t *testing.T) {
	sb := spawn(t, `function activate() { while (true) {} }`)

	require.NoError(t, sb.Send(entities.Message{
		Kind: entities.KindActivate, ID: "a1", Payload: map[string]any{},
	}))

	time.Sleep(50 * time.Millisecond) // let the loop start spinning
	sb.Terminate()

	// The output channel closes once the interrupted goroutine unwinds.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sb.Receive():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("sandbox did not shut down after terminate")
		}
	}
}

func TestSandbox_SendAfterTerminate(t *testing.T) {
	sb := spawn(t, testScript)
	sb.Terminate()

	err := sb.Send(entities.Message{Kind: entities.KindEvent, Name: "late"})
	assert.ErrorIs(t, err, entities.ErrWorkerTerminated)
}
