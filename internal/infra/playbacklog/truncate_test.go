package playbacklog

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		data     func(t *testing.T) []byte
		expected int64
	}{
		{
			name:     "binary keeps header",
			data:     func(t *testing.T) []byte { return encodeBinary(t, binary.BigEndian, binaryEvents) },
			expected: HeaderSize,
		},
		{
			name:     "text",
			data:     func(t *testing.T) []byte { return []byte("1143374412:200000:331000:/a.mp3\n") },
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeLog(t, tt.data(t))

			require.NoError(t, Truncate(path, TruncateEmpty))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, info.Size())

			events, tail, err := ReadAll(path, Options{})
			require.NoError(t, err)
			assert.False(t, tail)
			assert.Empty(t, events)
		})
	}
}

func TestTruncate_Remove(t *testing.T) {
	path := writeLog(t, encodeBinary(t, binary.LittleEndian, binaryEvents))

	require.NoError(t, Truncate(path, TruncateRemove))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestTruncate_UnknownMode(t *testing.T) {
	path := writeLog(t, []byte("x"))
	assert.Error(t, Truncate(path, "shred"))
}

func TestCreate_AppendsAfterTruncate(t *testing.T) {
	path := writeLog(t, nil)
	w, err := Create(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Write(binaryEvents[0]))
	require.NoError(t, w.Close())

	require.NoError(t, Truncate(path, TruncateEmpty))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	data := encodeBinary(t, binary.LittleEndian, binaryEvents[1:2])
	_, err = f.Write(data[HeaderSize:])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, _, err := ReadAll(path, Options{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, binaryEvents[1].Ref, events[0].Ref)
}

func TestCreate_ByteOrder(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(order.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "playback.log")
			w, err := Create(path, order)
			require.NoError(t, err)
			for _, ev := range binaryEvents {
				require.NoError(t, w.Write(ev))
			}
			require.NoError(t, w.Close())

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, encodeBinary(t, order, binaryEvents), data)

			events, tail, err := ReadAll(path, Options{})
			require.NoError(t, err)
			assert.False(t, tail)
			assert.Equal(t, withOffsets(binaryEvents), events)
		})
	}
}
