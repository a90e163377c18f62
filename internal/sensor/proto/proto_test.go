package proto

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykuka/lidargraph/internal/pointcloud"
)

func TestFrameEnvelopeRoundTrip(t *testing.T) {
	cloud := pointcloud.FromRows([][]float32{
		{1, 2, 3, 0.5}, {4, 5, 6, 0.25},
	})
	fields := []string{"x", "y", "z", "intensity"}
	env := FrameEnvelope("node01", cloud, fields, 123.456)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, env))

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindFrame, got.Kind)
	assert.Equal(t, "node01", got.NodeID)
	assert.Equal(t, 123.456, got.Timestamp)
	assert.Equal(t, fields, got.Fields)

	decoded, err := DecodePoints(got.Points, got.Cols)
	require.NoError(t, err)
	assert.Equal(t, cloud.Data, decoded.Data)
	assert.Equal(t, 4, decoded.Cols)
}

func TestStatusEnvelopeRoundTrip(t *testing.T) {
	env := StatusEnvelope("node01", EventError, "device unreachable", 7.5)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, env))
	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindStatus, got.Kind)
	assert.Equal(t, EventError, got.Event)
	assert.Equal(t, "device unreachable", got.Message)
}

func TestReadMultipleEnvelopes(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		cloud := pointcloud.FromRows([][]float32{{float32(i), 0, 0}})
		require.NoError(t, Write(&buf, FrameEnvelope("n", cloud, nil, float64(i))))
	}
	for i := 0; i < 3; i++ {
		env, err := Read(&buf)
		require.NoError(t, err)
		assert.Equal(t, float64(i), env.Timestamp, "envelopes arrive in write order")
	}
	_, err := Read(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodePointsRejectsBadPayloads(t *testing.T) {
	_, err := DecodePoints([]byte{1, 2, 3}, 3)
	assert.Error(t, err, "payload not divisible by float32 size")

	_, err = DecodePoints(make([]byte, 16), 3)
	assert.Error(t, err, "payload not divisible by column count")

	_, err = DecodePoints(make([]byte, 12), 2)
	assert.Error(t, err, "fewer than three columns")

	_, err = DecodePoints(make([]byte, 12), 99)
	assert.Error(t, err, "more than the maximum column count")
}
