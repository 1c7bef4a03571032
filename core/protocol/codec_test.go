package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCarriesLargePayload(t *testing.T) {
	// Larger than the fixed buffers a naive reader would use.
	payload := bytes.Repeat([]byte{0x00, 'a', 0xff}, 1_000_000)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, EncodeRequest(CmdInference, payload)))

	body, err := ReadFrame(&buf)
	require.NoError(t, err)

	cmd, got, err := DecodeRequest(body)
	require.NoError(t, err)
	assert.Equal(t, CmdInference, cmd)
	assert.Equal(t, payload, got, "separator bytes inside the payload are not interpreted")
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("OK\x00hello")))

	_, err := ReadFrame(bytes.NewReader(buf.Bytes()[:buf.Len()-2]))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

func TestDecodeResponse(t *testing.T) {
	payload, err := DecodeResponse(EncodeResponse(StatusOK, []byte("result")))
	require.NoError(t, err)
	assert.Equal(t, []byte("result"), payload)

	_, err = DecodeResponse(EncodeResponse(StatusErr, []byte("model not loaded")))
	var protoErr *ProtocolError
	require.True(t, errors.As(err, &protoErr))
	assert.Equal(t, "model not loaded", err.Error())

	_, err = DecodeResponse([]byte("OK"))
	require.ErrorIs(t, err, ErrMalformedFrame)

	_, err = DecodeResponse([]byte("MAYBE\x00x"))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeRequestRejectsUnknownCommand(t *testing.T) {
	_, _, err := DecodeRequest([]byte("TRAIN\x00x"))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestJoinPaths(t *testing.T) {
	payload, err := JoinPaths([]string{"/tmp/ais_1/0.txt", "/tmp/ais_1/1.png"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ais_1/0.txt\x00/tmp/ais_1/1.png", string(payload))
	assert.Equal(t, []string{"/tmp/ais_1/0.txt", "/tmp/ais_1/1.png"}, SplitPaths(payload))

	_, err = JoinPaths([]string{"/tmp/bad\x00name"})
	require.ErrorIs(t, err, ErrSeparatorInPath)

	assert.Nil(t, SplitPaths(nil))
}
