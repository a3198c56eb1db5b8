package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestWAV writes a mono 16-bit 8kHz WAV of the given length whose
// samples ramp upward, so slices are distinguishable by content.
func writeTestWAV(t *testing.T, dir, name string, durationMS int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, file.Close()) }()

	const sampleRate = 8000
	samples := durationMS * sampleRate / 1000
	data := make([]int, samples)
	for i := range data {
		data[i] = i % 2000
	}

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           data,
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	return path
}

func decodeWAV(t *testing.T, payload []byte) *audio.IntBuffer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decoded.wav")
	require.NoError(t, os.WriteFile(path, payload, 0o644))
	file, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = file.Close() }()

	decoder := wav.NewDecoder(file)
	require.True(t, decoder.IsValidFile())
	buf, err := decoder.FullPCMBuffer()
	require.NoError(t, err)
	return buf
}

func TestSliceWAV_SingleRange(t *testing.T) {
	path := writeTestWAV(t, t.TempDir(), "clip.wav", 1000)

	out, err := SliceWAV(path, []Range{{StartMS: 250, EndMS: 500}})

	require.NoError(t, err)
	buf := decodeWAV(t, out)
	// 250ms at 8kHz mono.
	assert.Equal(t, 2000, len(buf.Data))
	assert.Equal(t, 8000, buf.Format.SampleRate)
	assert.Equal(t, 1, buf.Format.NumChannels)
}

func TestSliceWAV_ConcatenatesRangesInOrder(t *testing.T) {
	path := writeTestWAV(t, t.TempDir(), "clip.wav", 1000)

	out, err := SliceWAV(path, []Range{
		{StartMS: 0, EndMS: 100},
		{StartMS: 800, EndMS: 900},
	})

	require.NoError(t, err)
	buf := decodeWAV(t, out)
	assert.Equal(t, 1600, len(buf.Data))
	// Second range starts at sample 6400 of the ramp source.
	assert.Equal(t, 6400%2000, buf.Data[800])
}

func TestSliceWAV_RangeBeyondClipClamped(t *testing.T) {
	path := writeTestWAV(t, t.TempDir(), "clip.wav", 500)

	out, err := SliceWAV(path, []Range{{StartMS: 400, EndMS: 5000}})

	require.NoError(t, err)
	buf := decodeWAV(t, out)
	assert.Equal(t, 800, len(buf.Data))
}

func TestSliceWAV_EmptySelectionIsError(t *testing.T) {
	path := writeTestWAV(t, t.TempDir(), "clip.wav", 200)

	_, err := SliceWAV(path, []Range{{StartMS: 900, EndMS: 1000}})
	require.Error(t, err)

	_, err = SliceWAV(path, []Range{{StartMS: 100, EndMS: 100}})
	require.Error(t, err)
}

func TestSliceWAV_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-audio.wav")
	require.NoError(t, os.WriteFile(path, []byte("definitely not RIFF"), 0o644))

	_, err := SliceWAV(path, []Range{{StartMS: 0, EndMS: 100}})
	require.Error(t, err)
}

func TestSliceWAV_MissingFile(t *testing.T) {
	_, err := SliceWAV(filepath.Join(t.TempDir(), "absent.wav"), []Range{{StartMS: 0, EndMS: 100}})
	require.Error(t, err)
}
