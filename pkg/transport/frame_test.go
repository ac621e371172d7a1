package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHeader_RoundTrips(t *testing.T) {
	h := Header{Kind: KindSearch, Mask: MaskSharding | MaskDPRequest, Size: 42, ID: 7, ReplyTo: 3}
	buf := encodeHeader(h)
	assert.Len(t, buf, frameSize)

	decoded, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h.Kind, decoded.Kind)
	assert.Equal(t, h.Mask, decoded.Mask)
	assert.Equal(t, h.Size, decoded.Size)
	assert.Equal(t, h.ID, decoded.ID)
	assert.Equal(t, h.ReplyTo, decoded.ReplyTo)
}

func TestEncodeHeader_PadsToDocumentedFrameSize(t *testing.T) {
	buf := encodeHeader(Header{})
	assert.Equal(t, headerSize+headerPadding, len(buf))
	assert.Equal(t, 32, len(buf), "spec.md §6 documents a fixed 17-byte header plus 15 bytes of padding")
}

func TestDecodeHeader_RejectsWrongSizedBuffer(t *testing.T) {
	_, err := decodeHeader(make([]byte, frameSize-1))
	assert.Error(t, err)
}

func TestWriteReadFrame_RoundTripsHeaderAndBody(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"query":"lexis"}`)

	require.NoError(t, WriteFrame(&buf, Header{Kind: KindSearch, Mask: MaskDPRequest, ID: 11, ReplyTo: 0}, body))

	h, gotBody, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindSearch, h.Kind)
	assert.Equal(t, MaskDPRequest, h.Mask)
	assert.Equal(t, uint32(11), h.ID)
	assert.Equal(t, uint32(len(body)), h.Size)
	assert.Equal(t, body, gotBody)
}

func TestWriteReadFrame_EmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Header{Kind: KindShutdown}, nil))

	h, body, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), h.Size)
	assert.Empty(t, body)
}

func TestWriteReadFrame_MultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Header{Kind: KindSearch, ID: 1}, []byte("first")))
	require.NoError(t, WriteFrame(&buf, Header{Kind: KindDelete, ID: 2}, []byte("second")))

	h1, b1, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindSearch, h1.Kind)
	assert.Equal(t, "first", string(b1))

	h2, b2, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindDelete, h2.Kind)
	assert.Equal(t, "second", string(b2))
}
