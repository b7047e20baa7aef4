package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Frame
		wantErr bool
	}{
		{
			name:  "message",
			input: `{"type":"message","data":{"content":"  hi  "}}`,
			want:  MessageFrame{Content: "hi"},
		},
		{
			name:  "message with reply and shared object",
			input: `{"type":"message","data":{"shared_object_id":"post-1","reply_to":"m1"}}`,
			want:  MessageFrame{SharedObjectID: "post-1", ReplyTo: "m1"},
		},
		{name: "typing", input: `{"type":"typing","data":{"is_typing":true}}`, want: TypingFrame{IsTyping: true}},
		{name: "edit", input: `{"type":"edit","data":{"message_id":"m1","content":"new"}}`, want: EditFrame{MessageID: "m1", Content: "new"}},
		{name: "delete", input: `{"type":"delete","data":{"message_id":"m1"}}`, want: DeleteFrame{MessageID: "m1"}},
		{name: "reaction", input: `{"type":"reaction","data":{"message_id":"m1","emoji":"👍"}}`, want: ReactionFrame{MessageID: "m1", Emoji: "👍"}},
		{name: "read without data", input: `{"type":"read"}`, want: ReadFrame{}},

		{name: "not json", input: `hello`, wantErr: true},
		{name: "unknown type", input: `{"type":"ping","data":{}}`, wantErr: true},
		{name: "missing type", input: `{"data":{"content":"x"}}`, wantErr: true},
		{name: "missing data", input: `{"type":"typing"}`, wantErr: true},
		{name: "blank message", input: `{"type":"message","data":{"content":"   "}}`, wantErr: true},
		{name: "wrong field type", input: `{"type":"typing","data":{"is_typing":"yes"}}`, wantErr: true},
		{name: "edit without id", input: `{"type":"edit","data":{"content":"x"}}`, wantErr: true},
		{name: "edit without content", input: `{"type":"edit","data":{"message_id":"m1"}}`, wantErr: true},
		{name: "delete without id", input: `{"type":"delete","data":{}}`, wantErr: true},
		{name: "reaction without emoji", input: `{"type":"reaction","data":{"message_id":"m1","emoji":" "}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFrame([]byte(tt.input))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeEvent(t *testing.T) {
	created := time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)
	data, err := EncodeEvent(EventMessage, NewMessageEvent(Message{
		ID:        "m1",
		Room:      "r1",
		Sender:    Identity{ID: "u1", Username: "alice"},
		Kind:      KindText,
		Content:   "hi",
		CreatedAt: created,
	}))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "message",
		"data": {
			"id": "m1",
			"kind": "text",
			"content": "hi",
			"sender": {"id": "u1", "username": "alice"},
			"created_at": "2026-04-05T06:07:08Z",
			"is_read": false
		}
	}`, string(data))
}

func TestContentCodec(t *testing.T) {
	tests := []struct {
		name     string
		content  Content
		wantKind MessageKind
	}{
		{name: "text", content: TextContent{Text: "hello"}, wantKind: KindText},
		{name: "shared object", content: SharedObjectContent{ObjectID: "post-1", Title: "Launch", Text: "look"}, wantKind: KindSharedObject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, stored, err := EncodeContent(tt.content)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)

			back, err := DecodeContent(kind, stored)
			require.NoError(t, err)
			assert.Equal(t, tt.content, back)
		})
	}
}

func TestSharedObjectStoredForm(t *testing.T) {
	_, stored, err := EncodeContent(SharedObjectContent{ObjectID: "post-1", Title: "Launch", Text: "look"})
	require.NoError(t, err)

	var raw map[string]string
	require.NoError(t, json.Unmarshal([]byte(stored), &raw))
	assert.Equal(t, map[string]string{
		"type":      "shared_object",
		"object_id": "post-1",
		"title":     "Launch",
		"message":   "look",
	}, raw)
}

func TestDecodeContentErrors(t *testing.T) {
	_, err := DecodeContent(KindSharedObject, "not json")
	assert.Error(t, err)

	_, err = DecodeContent("video", "x")
	assert.Error(t, err)

	got, err := DecodeContent("", "legacy")
	require.NoError(t, err)
	assert.Equal(t, TextContent{Text: "legacy"}, got)
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", ConnState(42).String())
}

func TestReplaceText(t *testing.T) {
	kind, stored, err := EncodeContent(SharedObjectContent{ObjectID: "post-1", Title: "Launch", Text: "look"})
	require.NoError(t, err)

	out, err := ReplaceText(kind, stored, "new text")
	require.NoError(t, err)
	got, err := DecodeContent(kind, out)
	require.NoError(t, err)
	assert.Equal(t, SharedObjectContent{ObjectID: "post-1", Title: "Launch", Text: "new text"}, got)

	out, err = ReplaceText(KindText, "old", "new")
	require.NoError(t, err)
	assert.Equal(t, "new", out)

	_, err = ReplaceText(KindSharedObject, "not json", "x")
	assert.Error(t, err)
}
