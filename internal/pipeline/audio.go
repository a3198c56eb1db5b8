package pipeline

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/earshot/earshot-go/internal/errors"
)

// Range is a half-open time slice of a clip in milliseconds.
type Range struct {
	StartMS int
	EndMS   int
}

// seekableBuffer implements io.WriteSeeker in memory so the WAV encoder
// can rewrite its header after the data chunk is known.
type seekableBuffer struct {
	data []byte
	pos  int64
}

func (b *seekableBuffer) Write(p []byte) (int, error) {
	if need := b.pos + int64(len(p)); need > int64(len(b.data)) {
		grown := make([]byte, need)
		copy(grown, b.data)
		b.data = grown
	}
	copy(b.data[b.pos:], p)
	b.pos += int64(len(p))
	return len(p), nil
}

func (b *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case 0:
		next = offset
	case 1:
		next = b.pos + offset
	case 2:
		next = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position %d", next)
	}
	b.pos = next
	return next, nil
}

// SliceWAV reads a WAV clip and returns a new WAV containing only the
// given time ranges, concatenated in order. Used to gather one speaker's
// utterances into a single buffer for embedding.
func SliceWAV(path string, ranges []Range) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, errors.Newf("invalid WAV file: %s", path).
			Component("pipeline").Category(errors.CategoryValidation).
			Context("path", path).Build()
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, errors.New(err).Component("pipeline").Category(errors.CategoryFileIO).
			Context("path", path).Build()
	}

	sampleRate := int(decoder.SampleRate)
	channels := int(decoder.NumChans)
	bitDepth := int(decoder.BitDepth)
	if sampleRate <= 0 || channels <= 0 {
		return nil, errors.Newf("WAV file reports no format: %s", path).
			Component("pipeline").Category(errors.CategoryValidation).Build()
	}

	var sliced []int
	for _, r := range ranges {
		if r.EndMS <= r.StartMS {
			continue
		}
		startFrame := r.StartMS * sampleRate / 1000
		endFrame := r.EndMS * sampleRate / 1000
		start := startFrame * channels
		end := endFrame * channels
		if start >= len(buf.Data) {
			continue
		}
		if end > len(buf.Data) {
			end = len(buf.Data)
		}
		sliced = append(sliced, buf.Data[start:end]...)
	}
	if len(sliced) == 0 {
		return nil, errors.Newf("ranges select no audio from %s", path).
			Component("pipeline").Category(errors.CategoryValidation).
			Context("ranges", len(ranges)).Build()
	}

	out := &seekableBuffer{}
	enc := wav.NewEncoder(out, sampleRate, bitDepth, channels, 1)
	err = enc.Write(&audio.IntBuffer{
		Data: sliced,
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  sampleRate,
		},
		SourceBitDepth: bitDepth,
	})
	if err != nil {
		return nil, errors.New(err).Component("pipeline").Category(errors.CategoryFileIO).Build()
	}
	if err := enc.Close(); err != nil {
		return nil, errors.New(err).Component("pipeline").Category(errors.CategoryFileIO).Build()
	}
	return out.data, nil
}
