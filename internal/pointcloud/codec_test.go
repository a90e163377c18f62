package pointcloud

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	points := FromRows([][]float32{{1, 2, 3}, {4, 5, 6}})
	ts := 1234567890.123

	packed := Pack(points, ts)
	require.Len(t, packed, 44)

	// Header bytes: magic, version, timestamp, count.
	assert.Equal(t, "LIDR", string(packed[0:4]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(packed[4:8]))
	assert.Equal(t, ts, math.Float64frombits(binary.LittleEndian.Uint64(packed[8:16])))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(packed[16:20]))

	unpacked, gotTS, err := Unpack(packed)
	require.NoError(t, err)
	assert.InDelta(t, ts, gotTS, 1e-9)
	assert.Equal(t, points.Data, unpacked.Data)
	assert.Equal(t, 3, unpacked.Cols)
}

func TestPackDropsExtraColumns(t *testing.T) {
	points := FromRows([][]float32{{1, 2, 3, 99, 100}})
	packed := Pack(points, 0)
	require.Len(t, packed, 20+12)

	unpacked, _, err := Unpack(packed)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, unpacked.Data)
}

func TestPackEmptyCloud(t *testing.T) {
	packed := Pack(NewCloud(3, 0), 42.5)
	require.Len(t, packed, HeaderSize)

	unpacked, ts, err := Unpack(packed)
	require.NoError(t, err)
	assert.Equal(t, 0, unpacked.Len())
	assert.Equal(t, 42.5, ts)
}

func TestUnpackErrors(t *testing.T) {
	good := Pack(FromRows([][]float32{{1, 2, 3}}), 1.0)

	bad := append([]byte(nil), good...)
	copy(bad[0:4], "NOPE")
	_, _, err := Unpack(bad)
	assert.ErrorIs(t, err, ErrInvalidMagic)

	bad = append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(bad[4:8], 7)
	_, _, err = Unpack(bad)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, _, err = Unpack(good[:len(good)-4])
	assert.ErrorIs(t, err, ErrSizeMismatch)

	_, _, err = Unpack(good[:10])
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestSlugIdempotent(t *testing.T) {
	cases := map[string]string{
		"Front Lidar #1":     "Front_Lidar_1",
		"test__sensor--name": "test_sensor_name",
		"":                   "sensor",
		"___":                "sensor",
	}
	for in, want := range cases {
		got := Slug(in)
		assert.Equal(t, want, got, "Slug(%q)", in)
		assert.Equal(t, got, Slug(got), "Slug should be idempotent for %q", in)
	}
}

func TestTopicDeterministic(t *testing.T) {
	assert.Equal(t, "Front_Lidar_abcdef12", Topic("Front Lidar", "abcdef1234567890"))
	// Re-adding a node with the same id restores the identical topic.
	assert.Equal(t, Topic("Front Lidar", "abcdef1234567890"), Topic("Front Lidar", "abcdef1234567890"))
	assert.Equal(t, "n_short", Topic("n", "short"))
}
