package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientMessageEveryType(t *testing.T) {
	t.Parallel()

	for _, typ := range ClientTypes() {
		raw := []byte(`{"type":"` + string(typ) + `"}`)
		msg, err := DecodeClientMessage(raw)
		require.NoError(t, err, "type %s", typ)
		assert.Equal(t, typ, msg.Type())
	}
	assert.Len(t, clientDecoders, len(ClientTypes()))
}

func TestDecodeClientMessageFields(t *testing.T) {
	t.Parallel()

	msg, err := DecodeClientMessage([]byte(`{"type":"card.action","cardId":"c1","action":"open","payload":{"path":"/tmp"}}`))
	require.NoError(t, err)

	action, ok := msg.(CardAction)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "c1", action.CardID)
	assert.Equal(t, "open", action.Action)
	assert.Equal(t, map[string]any{"path": "/tmp"}, action.Payload)
}

func TestDecodeClientMessageUnknownType(t *testing.T) {
	t.Parallel()

	_, err := DecodeClientMessage([]byte(`{"type":"card.explode"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))

	_, err = DecodeClientMessage([]byte(`not json`))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownType))
}

func TestEncodeClientMessageRoundTrip(t *testing.T) {
	t.Parallel()

	raw, err := EncodeClientMessage(OperationCancel{OperationID: "op-1"})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "operation.cancel", fields["type"])

	msg, err := DecodeClientMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, OperationCancel{OperationID: "op-1"}, msg)
}

func TestStageRankNeverRegresses(t *testing.T) {
	t.Parallel()

	order := []Stage{StageProcessing, StageCallingTool, StageGeneratingUI, StageAgentFallback, StageStreaming, StageComplete}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Rank(), order[i-1].Rank(), "%s after %s", order[i], order[i-1])
	}
	assert.Equal(t, StageComplete.Rank(), StageCancelled.Rank())
	assert.Equal(t, StageComplete.Rank(), StageError.Rank())
	assert.False(t, StageComplete.DefaultCancellable())
	assert.True(t, StageCallingTool.DefaultCancellable())
}

func TestServerMessageAppsListDistinguishesEmpty(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(ServerMessage{AppsList: []AppSummary{}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"appsList":[]`)

	raw, err = json.Marshal(ServerMessage{})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "appsList")
}

func TestDecodeServerMessageRejectsUnknownState(t *testing.T) {
	t.Parallel()

	_, err := DecodeServerMessage([]byte(`{"runId":"r1","state":"sideways"}`))
	require.Error(t, err)

	msg, err := DecodeServerMessage([]byte(`{"runId":"op-9","state":"error","operation":{"operationId":"op-9","stage":"error","label":"Not running"}}`))
	require.NoError(t, err)
	assert.True(t, msg.IsNotRunningReply())
}
