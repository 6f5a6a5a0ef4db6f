package audio

import "errors"

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrNotWAV            = errors.New("not a valid WAV file")
	ErrEmptyClip         = errors.New("clip contains no samples")
)
