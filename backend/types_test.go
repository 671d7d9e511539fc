package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/relay/utils/json"
)

func TestTaskInputDecode(t *testing.T) {
	var msg InboundMessage
	err := json.Unmarshal([]byte(`{
		"messageId": "m-1",
		"sentAtMs": 1700000000000,
		"input": {
			"kind": "chat",
			"sessionKey": "telegram:123",
			"messageText": "hello",
			"media": [{"kind":"audio","mimeType":"audio/ogg","data":"b64"}],
			"openclawMeta": {"threadId": 9}
		}
	}`), &msg)
	require.NoError(t, err)

	assert.Equal(t, "m-1", msg.MessageID)
	assert.Equal(t, InputChat, msg.Input.Kind)
	require.NotNil(t, msg.Input.Chat)
	assert.Equal(t, "telegram:123", msg.Input.Chat.SessionKey)
	assert.Equal(t, "hello", msg.Input.Chat.Message)
	require.Len(t, msg.Input.Chat.Media, 1)
	assert.Equal(t, MediaAudio, msg.Input.Chat.Media[0].Kind)
	assert.JSONEq(t, `{"threadId":9}`, string(msg.Input.Chat.OpenClawMeta))
	assert.Empty(t, msg.Validate())
}

func TestTaskInputDecodeHandshake(t *testing.T) {
	var in TaskInput
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"handshake","nonce":"n1"}`), &in))
	require.NotNil(t, in.Handshake)
	assert.Equal(t, "n1", in.Handshake.Nonce)
	assert.Nil(t, in.Chat)
}

func TestTaskInputRoundTrip(t *testing.T) {
	in := TaskInput{
		Kind: InputChat,
		Chat: &ChatInput{SessionKey: "s", Message: "m"},
	}

	b, err := json.Marshal(in)
	require.NoError(t, err)

	var back TaskInput
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, InputChat, back.Kind)
	require.NotNil(t, back.Chat)
	assert.Equal(t, "s", back.Chat.SessionKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		msg    InboundMessage
		fields []string
	}{
		{
			name:   "missing everything",
			msg:    InboundMessage{},
			fields: []string{"messageId", "input.kind"},
		},
		{
			name: "unknown kind",
			msg: InboundMessage{
				MessageID: "m",
				Input:     TaskInput{Kind: "exec"},
			},
			fields: []string{"input.kind"},
		},
		{
			name: "chat without session or content",
			msg: InboundMessage{
				MessageID: "m",
				Input:     TaskInput{Kind: InputChat, Chat: &ChatInput{}},
			},
			fields: []string{"input.sessionKey", "input.messageText"},
		},
		{
			name: "media without data",
			msg: InboundMessage{
				MessageID: "m",
				Input: TaskInput{Kind: InputChat, Chat: &ChatInput{
					SessionKey: "s",
					Message:    "hi",
					Media:      []InputMedia{{Kind: "video"}},
				}},
			},
			fields: []string{"input.media[0].kind", "input.media[0].data"},
		},
		{
			name: "session_new is bare",
			msg: InboundMessage{
				MessageID: "m",
				Input:     TaskInput{Kind: InputSessionNew},
			},
			fields: nil,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			errs := test.msg.Validate()

			var got []string
			for _, e := range errs {
				got = append(got, e.Field)
			}
			assert.Equal(t, test.fields, got)
		})
	}
}

func TestMessageResultEncoding(t *testing.T) {
	res := MessageResult{
		RelayInstanceID: "relay-1",
		RelayMessageID:  "r-1",
		FinishedAtMS:    1700000000500,
		Outcome:         OutcomeReply,
		Reply: &Reply{
			RunID:   "run-9",
			Message: json.Raw(`{"text":"ok"}`),
		},
		OpenClawMeta: map[string]interface{}{
			"trace": map[string]interface{}{"backendMessageId": "m-1"},
		},
	}

	b, err := json.Marshal(res)
	require.NoError(t, err)

	s := string(b)
	assert.Contains(t, s, `"outcome":"reply"`)
	assert.Contains(t, s, `"message":{"text":"ok"}`)
	assert.NotContains(t, s, `"noReply"`, "unused variants stay absent")
	assert.NotContains(t, s, `"error"`)
}
