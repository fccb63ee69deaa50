package network

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"metadata","name":"a.txt","size":1,"mimeType":"text/plain"}`)

	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, KindControl, payload))
	require.NoError(t, WriteFrame(&buffer, KindBinary, []byte{0x00, 0xFF}))
	require.NoError(t, WriteFrame(&buffer, kindPing, nil))

	kind, got, err := ReadFrame(&buffer)
	require.NoError(t, err)
	assert.Equal(t, KindControl, kind)
	assert.Equal(t, payload, got)

	kind, got, err = ReadFrame(&buffer)
	require.NoError(t, err)
	assert.Equal(t, KindBinary, kind)
	assert.Equal(t, []byte{0x00, 0xFF}, got)

	kind, got, err = ReadFrame(&buffer)
	require.NoError(t, err)
	assert.Equal(t, kindPing, kind)
	assert.Empty(t, got)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	assert.ErrorIs(t, WriteFrame(&buffer, KindBinary, payload), ErrFrameTooLarge)
	assert.ErrorIs(t, WriteFrame(&buffer, MessageKind(9), nil), ErrUnknownFrameKind)
}

func TestReadFrameRejectsOversizedControlPayload(t *testing.T) {
	payload := make([]byte, MaxControlFrameSize+1)

	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, KindControl, payload))
	_, _, err := ReadFrame(&buffer)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	buffer.Reset()
	require.NoError(t, WriteFrame(&buffer, KindBinary, payload))
	_, got, err := ReadFrame(&buffer)
	require.NoError(t, err)
	assert.Len(t, got, len(payload))
}

func TestByteArrayMarshalsAsNumberArray(t *testing.T) {
	payload, err := EncodeJSON(KeyMessage{
		Type: TypeKey,
		Key:  ByteArray{1, 2, 255},
		IV:   ByteArray{},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"key","key":[1,2,255],"iv":[]}`, string(payload))

	var decoded KeyMessage
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, []byte{1, 2, 255}, []byte(decoded.Key))
}

func TestByteArrayAcceptsBase64AndRejectsOutOfRange(t *testing.T) {
	var decoded KeyMessage
	require.NoError(t, json.Unmarshal([]byte(`{"type":"key","key":"AQL/","iv":[7]}`), &decoded))
	assert.Equal(t, []byte{1, 2, 255}, []byte(decoded.Key))
	assert.Equal(t, []byte{7}, []byte(decoded.IV))

	err := json.Unmarshal([]byte(`{"type":"key","key":[256],"iv":[]}`), &decoded)
	assert.Error(t, err)
}

func TestMetadataContentTypeFallsBackToLegacyField(t *testing.T) {
	var legacy MetadataMessage
	require.NoError(t, json.Unmarshal([]byte(`{"type":"metadata","name":"a.png","size":3,"mime":"image/png"}`), &legacy))
	assert.Equal(t, "image/png", legacy.ContentType())

	var current MetadataMessage
	require.NoError(t, json.Unmarshal([]byte(`{"type":"metadata","name":"a.png","size":3,"mimeType":"image/jpeg","mime":"image/png"}`), &current))
	assert.Equal(t, "image/jpeg", current.ContentType())
}

func TestDecodeMessageType(t *testing.T) {
	msgType, err := DecodeMessageType([]byte(`{"type":"done"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeDone, msgType)

	_, err = DecodeMessageType([]byte(`{"name":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidMessageType)

	_, err = DecodeMessageType([]byte(`not json`))
	assert.Error(t, err)
}
