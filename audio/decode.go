package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/h2non/filetype"
)

// Clip is decoded PCM audio with samples interleaved by channel and scaled
// to [-1, 1].
type Clip struct {
	SampleRate int
	Channels   int
	Samples    []float64
}

// Frames returns the number of samples per channel.
func (c *Clip) Frames() int {
	if c.Channels == 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

func (c *Clip) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.Frames()) * time.Second / time.Duration(c.SampleRate)
}

// Mono averages the channels of every frame.
func (c *Clip) Mono() []float64 {
	if c.Channels <= 1 {
		return append([]float64(nil), c.Samples...)
	}
	frames := c.Frames()
	out := make([]float64, frames)
	inv := 1 / float64(c.Channels)
	for f := 0; f < frames; f++ {
		var sum float64
		for ch := 0; ch < c.Channels; ch++ {
			sum += c.Samples[f*c.Channels+ch]
		}
		out[f] = sum * inv
	}
	return out
}

// Decoder turns an encoded stream into a Clip.
type Decoder interface {
	Decode(r io.ReadSeeker) (*Clip, error)
}

// Registry maps format names ("wav", "mp3", "ogg", "aiff") to decoders.
type Registry struct {
	mu     sync.Mutex
	codecs map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Decoder)}
}

// DefaultRegistry returns a registry with every built-in decoder.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("wav", WAVDecoder{})
	r.Register("mp3", MP3Decoder{})
	r.Register("ogg", VorbisDecoder{})
	r.Register("aiff", AIFFDecoder{})
	r.Register("aif", AIFFDecoder{})
	return r
}

func (r *Registry) Register(format string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[strings.ToLower(format)] = d
}

func (r *Registry) Get(format string) (Decoder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.codecs[strings.ToLower(format)]
	return d, ok
}

// Supports reports whether path has an extension with a registered decoder.
func (r *Registry) Supports(path string) bool {
	_, ok := r.Get(strings.TrimPrefix(filepath.Ext(path), "."))
	return ok
}

// Detect sniffs the container format from the first bytes of data.
func Detect(head []byte) (string, error) {
	kind, err := filetype.Match(head)
	if err != nil {
		return "", err
	}
	if kind == filetype.Unknown {
		return "", ErrUnsupportedFormat
	}
	return kind.Extension, nil
}

// DecodeFile decodes path, choosing the decoder by extension and falling
// back to content sniffing.
func (r *Registry) DecodeFile(path string) (*Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	dec, ok := r.Get(format)
	if !ok {
		if format, err = Detect(data[:min(len(data), 262)]); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if dec, ok = r.Get(format); !ok {
			return nil, fmt.Errorf("%s: %w: %s", path, ErrUnsupportedFormat, format)
		}
	}
	clip, err := dec.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if len(clip.Samples) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyClip)
	}
	return clip, nil
}
