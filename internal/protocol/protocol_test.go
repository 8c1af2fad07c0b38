package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(msgType, sessionID string, data any) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	out, err := json.Marshal(Envelope{Type: msgType, SessionID: sessionID, Data: raw})
	if err != nil {
		panic(err)
	}
	return out
}

func TestDecodeClient_Text(t *testing.T) {
	msg, err := DecodeClient(frame(TypeClientText, "s-1", ClientText{Text: "hello"}))
	require.NoError(t, err)
	assert.Equal(t, TypeClientText, msg.Type)
	assert.Equal(t, "s-1", msg.SessionID)
	require.NotNil(t, msg.Text)
	assert.Equal(t, "hello", msg.Text.Text)
}

func TestDecodeClient_TextSizeBoundary(t *testing.T) {
	atLimit := strings.Repeat("a", MaxTextBytes)
	_, err := DecodeClient(frame(TypeClientText, "s-1", ClientText{Text: atLimit}))
	require.NoError(t, err)

	overLimit := strings.Repeat("a", MaxTextBytes+1)
	_, err = DecodeClient(frame(TypeClientText, "s-1", ClientText{Text: overLimit}))
	require.Error(t, err)
	assert.Equal(t, KindValidation, Classify(err).Kind)
}

func TestDecodeClient_EmptyTextRejected(t *testing.T) {
	_, err := DecodeClient(frame(TypeClientText, "s-1", ClientText{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text")
}

func TestDecodeClient_MissingEnvelopeFields(t *testing.T) {
	_, err := DecodeClient([]byte(`{"session_id":"s-1","data":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type")

	_, err = DecodeClient(frame(TypeClientText, "", ClientText{Text: "x"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_id")
}

func TestDecodeClient_MalformedJSON(t *testing.T) {
	_, err := DecodeClient([]byte(`{not json`))
	require.Error(t, err)
	assert.Equal(t, KindValidation, Classify(err).Kind)
}

func TestDecodeClient_UnknownType(t *testing.T) {
	_, err := DecodeClient(frame("client_telepathy", "s-1", map[string]any{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client_telepathy")
}

func TestDecodeClient_AudioStart(t *testing.T) {
	for _, rate := range []int{8000, 16000, 44100, 48000} {
		t.Run(fmt.Sprintf("%d", rate), func(t *testing.T) {
			msg, err := DecodeClient(frame(TypeClientAudioStart, "s-1", ClientAudioStart{
				SampleRate: rate, Encoding: EncodingPCM16,
			}))
			require.NoError(t, err)
			assert.Equal(t, rate, msg.AudioStart.SampleRate)
		})
	}
}

func TestDecodeClient_AudioStartRejectsBadParams(t *testing.T) {
	_, err := DecodeClient(frame(TypeClientAudioStart, "s-1", ClientAudioStart{
		SampleRate: 22050, Encoding: EncodingPCM16,
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample_rate")

	_, err = DecodeClient(frame(TypeClientAudioStart, "s-1", ClientAudioStart{
		SampleRate: 16000, Encoding: "MP3",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encoding")
}

func TestDecodeClient_AudioChunkBoundary(t *testing.T) {
	atLimit := base64.StdEncoding.EncodeToString(make([]byte, MaxAudioChunkBytes))
	msg, err := DecodeClient(frame(TypeClientAudioChunk, "s-1", ClientAudioChunk{Chunk: atLimit}))
	require.NoError(t, err)
	pcm, err := msg.AudioChunk.Decode()
	require.NoError(t, err)
	assert.Len(t, pcm, MaxAudioChunkBytes)

	overLimit := base64.StdEncoding.EncodeToString(make([]byte, MaxAudioChunkBytes+1))
	_, err = DecodeClient(frame(TypeClientAudioChunk, "s-1", ClientAudioChunk{Chunk: overLimit}))
	require.Error(t, err)
}

func TestDecodeClient_AudioChunkRejectsBadBase64(t *testing.T) {
	_, err := DecodeClient(frame(TypeClientAudioChunk, "s-1", ClientAudioChunk{Chunk: "not base64!!!"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base64")
}

func TestDecodeClient_AudioEnd(t *testing.T) {
	msg, err := DecodeClient(frame(TypeClientAudioEnd, "s-1", ClientAudioEnd{}))
	require.NoError(t, err)
	final, err := msg.AudioEnd.DecodeFinal()
	require.NoError(t, err)
	assert.Nil(t, final)

	withFinal := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	msg, err = DecodeClient(frame(TypeClientAudioEnd, "s-1", ClientAudioEnd{FinalChunk: withFinal}))
	require.NoError(t, err)
	final, err = msg.AudioEnd.DecodeFinal()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, final)
}

func TestEncode_RoundTrip(t *testing.T) {
	raw, err := Encode(TypeServerText, "s-1", ServerText{Text: "done"})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, TypeServerText, env.Type)
	assert.Equal(t, "s-1", env.SessionID)

	var payload ServerText
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "done", payload.Text)
}

func TestEncodeError(t *testing.T) {
	raw, err := EncodeError("s-1", STTError("upstream gone", true, errors.New("eof")))
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, TypeServerError, env.Type)

	var payload ServerError
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, string(KindSTT), payload.ErrorCode)
	assert.True(t, payload.Retriable)
	assert.Equal(t, "upstream gone", payload.Message)
}

func TestClassify(t *testing.T) {
	tagged := ValidationError("bad field")
	assert.Same(t, tagged, Classify(tagged))

	wrapped := fmt.Errorf("outer: %w", AuthError("no key"))
	assert.Equal(t, KindAuthentication, Classify(wrapped).Kind)

	plain := Classify(errors.New("boom"))
	assert.Equal(t, KindInternal, plain.Kind)
	assert.False(t, plain.Retriable)
	assert.Equal(t, "internal server error", plain.Message)
}

func TestHeartbeatFrame(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal(Heartbeat, &env))
	assert.Equal(t, TypeHeartbeat, env.Type)
}
