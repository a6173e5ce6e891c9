package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandTopic(t *testing.T) {
	require.Equal(t, "APP.CMD.CREATEUSER.Q", CommandTopic("CreateUser"))
	require.Equal(t, "APP.CMD.BOOKLIMITS.Q", CommandTopic("BookLimits"))
}

func TestEventTopic(t *testing.T) {
	require.Equal(t, "events.Payments", EventTopic("Payments"))
}

func TestNewCommand(t *testing.T) {
	env := NewCommand("CreateUser", "cmd-1", "corr-1", "cause-1", "user-1",
		json.RawMessage(`{"username":"alice"}`),
		map[string]string{HeaderIdempotencyKey: "k1"})

	require.NotEmpty(t, env.MessageID)
	require.Equal(t, TypeCommandRequested, env.Type)
	require.Equal(t, "CreateUser", env.Name)
	require.Equal(t, "cmd-1", env.CommandID)
	require.Equal(t, "corr-1", env.CorrelationID)
	require.Equal(t, "cause-1", env.CausationID)
	require.Equal(t, "user-1", env.BusinessKey())
	require.Equal(t, ReplyQueue, env.Header(HeaderReplyTo))
	require.Equal(t, SchemaVersion, env.Header(HeaderSchemaVersion))
	require.Equal(t, "k1", env.Header(HeaderIdempotencyKey))
	require.False(t, env.OccurredAt.IsZero())
}

func TestNewCommand_EmptyKeySerializesAsNull(t *testing.T) {
	env := NewCommand("Ping", "cmd-1", "corr-1", "", "", nil, nil)

	data, err := env.Encode()
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "null", string(raw["key"]))
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	env := NewCommand("CreateUser", "cmd-1", "corr-1", "cause-1", "user-1",
		json.RawMessage(`{"username":"alice"}`), nil)

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, env.MessageID, decoded.MessageID)
	require.Equal(t, env.Type, decoded.Type)
	require.Equal(t, env.CommandID, decoded.CommandID)
	require.Equal(t, env.BusinessKey(), decoded.BusinessKey())
	require.JSONEq(t, `{"username":"alice"}`, string(decoded.Payload))
}

func TestDecode_RejectsMissingFields(t *testing.T) {
	_, err := Decode([]byte(`{"type":"CommandRequested"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "messageId")

	_, err = Decode([]byte(`{"messageId":"m-1"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "type")

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestNewCompletedReply(t *testing.T) {
	request := NewCommand("CreateUser", "cmd-1", "corr-1", "", "user-1",
		json.RawMessage(`{"username":"alice"}`), nil)

	reply, err := NewCompletedReply(request, map[string]any{
		"userId":   "u-123",
		"username": "alice",
	})
	require.NoError(t, err)

	require.Equal(t, TypeCommandCompleted, reply.Type)
	require.Equal(t, "CreateUser", reply.Name)
	require.Equal(t, "cmd-1", reply.CommandID)
	require.Equal(t, "corr-1", reply.CorrelationID)
	require.Equal(t, request.MessageID, reply.CausationID)
	require.NotEqual(t, request.MessageID, reply.MessageID)
	require.True(t, reply.IsReply())

	result, err := reply.Result()
	require.NoError(t, err)
	require.Equal(t, "u-123", result["userId"])
	require.Equal(t, "alice", result["username"])
}

func TestNewFailedReply(t *testing.T) {
	request := NewCommand("CreateUser", "cmd-1", "corr-1", "", "", nil, nil)

	reply := NewFailedReply(request, "insufficient funds")
	require.Equal(t, TypeCommandFailed, reply.Type)
	require.Equal(t, "insufficient funds", reply.Error)
	require.True(t, reply.IsReply())

	timedOut := NewTimedOutReply(request, "lease expired")
	require.Equal(t, TypeCommandTimedOut, timedOut.Type)
	require.Equal(t, "lease expired", timedOut.Error)
}

func TestIsReply(t *testing.T) {
	request := NewCommand("X", "c", "c", "", "", nil, nil)
	require.False(t, request.IsReply())
}
