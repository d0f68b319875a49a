package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/riff"
	"github.com/go-audio/wav"
)

// WAV format tags.
const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

const (
	outputDepth = 16
	// subFormatOffset is where the sub-format GUID, whose first two bytes are
	// the real format tag, starts inside an extensible fmt chunk.
	subFormatOffset = 24
)

var (
	// ErrInvalidWAV indicates a file that is not a readable RIFF/WAVE file.
	ErrInvalidWAV = errors.New("invalid wav file")
	// ErrUnsupportedEncoding indicates a WAV encoding other than integer PCM
	// or IEEE float.
	ErrUnsupportedEncoding = errors.New("unsupported wav encoding")
)

// Clip is the first channel of a WAV file as samples in [-1, 1].
type Clip struct {
	Path       string
	SampleRate int
	Channels   int
	Samples    []float64
}

// Duration returns the clip length in seconds.
func (c *Clip) Duration() float64 {
	if c.SampleRate == 0 {
		return 0
	}

	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// ReadClip decodes an integer PCM or IEEE float WAV file, plain or
// WAVE_FORMAT_EXTENSIBLE, and keeps its first channel.
func ReadClip(path string) (*Clip, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}

	channels := int(decoder.NumChans)
	if channels < 1 {
		return nil, fmt.Errorf("%w: %s has no channels", ErrInvalidWAV, path)
	}

	sampleRate := int(decoder.SampleRate)
	bitDepth := int(decoder.BitDepth)
	format := decoder.WavAudioFormat

	if format == wavFormatExtensible {
		format, err = extensibleSubFormat(file)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidWAV, path, err)
		}

		_, err = file.Seek(0, io.SeekStart)
		if err != nil {
			return nil, fmt.Errorf("failed to rewind %s: %w", path, err)
		}

		decoder = wav.NewDecoder(file)
	}

	var samples []float64

	switch format {
	case wavFormatPCM:
		samples, err = decodeIntPCM(decoder, channels, bitDepth)
	case wavFormatFloat:
		samples, err = decodeFloatPCM(decoder, channels, bitDepth)
	default:
		return nil, fmt.Errorf("%w: %s uses format %d", ErrUnsupportedEncoding, path, format)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return &Clip{
		Path:       path,
		SampleRate: sampleRate,
		Channels:   channels,
		Samples:    samples,
	}, nil
}

func decodeIntPCM(decoder *wav.Decoder, channels, bitDepth int) ([]float64, error) {
	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, err
	}

	frames := len(buffer.Data) / channels
	samples := make([]float64, frames)

	for frame := range frames {
		samples[frame] = toFloat(buffer.Data[frame*channels], bitDepth)
	}

	return samples, nil
}

// decodeFloatPCM reads the data chunk as little-endian float32 or float64
// samples. The go-audio decoder only converts integer samples.
func decodeFloatPCM(decoder *wav.Decoder, channels, bitDepth int) ([]float64, error) {
	if bitDepth != 32 && bitDepth != 64 {
		return nil, fmt.Errorf("%w: %d-bit float", ErrUnsupportedEncoding, bitDepth)
	}

	err := decoder.FwdToPCM()
	if err != nil {
		return nil, err
	}

	if decoder.PCMChunk == nil {
		return nil, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
	}

	data, err := io.ReadAll(decoder.PCMChunk)
	if err != nil {
		return nil, err
	}

	sampleSize := bitDepth / 8
	frameSize := sampleSize * channels
	frames := len(data) / frameSize
	samples := make([]float64, frames)

	for frame := range frames {
		offset := frame * frameSize

		if sampleSize == 4 {
			samples[frame] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[offset:])))
		} else {
			samples[frame] = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		}
	}

	return samples, nil
}

// extensibleSubFormat returns the format tag stored in the sub-format GUID of
// an extensible fmt chunk.
func extensibleSubFormat(file io.ReadSeeker) (uint16, error) {
	_, err := file.Seek(0, io.SeekStart)
	if err != nil {
		return 0, err
	}

	parser := riff.New(file)

	err = parser.ParseHeaders()
	if err != nil {
		return 0, err
	}

	for {
		chunk, err := parser.NextChunk()
		if err != nil {
			return 0, fmt.Errorf("fmt chunk not found: %w", err)
		}

		if chunk.ID != riff.FmtID {
			chunk.Drain()

			continue
		}

		header := make([]byte, chunk.Size)

		_, err = io.ReadFull(chunk, header)
		if err != nil {
			return 0, fmt.Errorf("short fmt chunk: %w", err)
		}

		if len(header) < subFormatOffset+2 {
			return 0, fmt.Errorf("extensible fmt chunk is %d bytes", len(header))
		}

		return binary.LittleEndian.Uint16(header[subFormatOffset:]), nil
	}
}

func toFloat(value, bitDepth int) float64 {
	if bitDepth == 8 {
		return float64(value-128) / 128
	}

	return float64(value) / math.Exp2(float64(bitDepth-1))
}

// WriteMono16 writes samples as a 16-bit mono PCM WAV file.
func WriteMono16(path string, sampleRate int, samples []float64) error {
	return WritePCM16(path, sampleRate, 1, samples)
}

// WritePCM16 writes interleaved samples as a 16-bit PCM WAV file. Samples
// outside [-1, 1] are clipped.
func WritePCM16(path string, sampleRate, channels int, interleaved []float64) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	data := make([]int, len(interleaved))
	for index, sample := range interleaved {
		data[index] = int(math.Round(clamp(sample) * math.MaxInt16))
	}

	encoder := wav.NewEncoder(file, sampleRate, outputDepth, channels, wavFormatPCM)

	err = encoder.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: outputDepth,
	})
	if err != nil {
		_ = file.Close()

		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	err = encoder.Close()
	if err != nil {
		_ = file.Close()

		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}

	return file.Close()
}

func clamp(sample float64) float64 {
	return math.Max(-1, math.Min(1, sample))
}
