package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/aiff"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
)

// WAVDecoder reads PCM WAV files of 8, 16, 24 or 32 bits.
type WAVDecoder struct{}

func (WAVDecoder) Decode(r io.ReadSeeker) (*Clip, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, ErrNotWAV
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, err
	}
	bits := int(d.BitDepth)
	if bits == 0 {
		bits = buf.SourceBitDepth
	}
	if bits < 8 || bits > 32 {
		return nil, fmt.Errorf("wav: unsupported bit depth %d", bits)
	}
	samples := scalePCM(buf.Data, bits)
	if bits == 8 {
		// 8-bit WAV is unsigned
		for i := range samples {
			samples[i] -= 1
		}
	}
	return &Clip{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		Samples:    samples,
	}, nil
}

// AIFFDecoder reads uncompressed AIFF files.
type AIFFDecoder struct{}

func (AIFFDecoder) Decode(r io.ReadSeeker) (*Clip, error) {
	d := aiff.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, errors.New("not a valid AIFF file")
	}
	d.ReadInfo()
	format := d.Format()
	if format == nil {
		return nil, errors.New("aiff: missing COMM chunk")
	}
	bits := int(d.BitDepth)
	if bits < 8 || bits > 32 {
		return nil, fmt.Errorf("aiff: unsupported bit depth %d", bits)
	}
	buf := &goaudio.IntBuffer{Format: format, Data: make([]int, 4096)}
	var data []int
	for {
		n, err := d.PCMBuffer(buf)
		data = append(data, buf.Data[:n]...)
		if err != nil || n == 0 {
			break
		}
	}
	return &Clip{
		SampleRate: format.SampleRate,
		Channels:   format.NumChannels,
		Samples:    scalePCM(data, bits),
	}, nil
}

func scalePCM(data []int, bits int) []float64 {
	scale := float64(int64(1) << (bits - 1))
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v) / scale
	}
	return out
}

// MP3Decoder decodes MPEG-1/2 layer III. go-mp3 always emits 16-bit stereo.
type MP3Decoder struct{}

func (MP3Decoder) Decode(r io.ReadSeeker) (*Clip, error) {
	dec, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, err
	}
	samples := make([]float64, len(raw)/2)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(raw[2*i:]))) / 32768.0
	}
	return &Clip{SampleRate: dec.SampleRate(), Channels: 2, Samples: samples}, nil
}

// VorbisDecoder decodes Ogg Vorbis streams.
type VorbisDecoder struct{}

func (VorbisDecoder) Decode(r io.ReadSeeker) (*Clip, error) {
	data, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, err
	}
	samples := make([]float64, len(data))
	for i, v := range data {
		samples[i] = float64(v)
	}
	return &Clip{SampleRate: format.SampleRate, Channels: format.Channels, Samples: samples}, nil
}
