// Package audio prepares waveform training data: decoding WAV, AIFF, MP3 and Ogg
// Vorbis clips, mixing to mono, resampling, scaling to [-1, 1], slicing into
// fixed-length examples and computing the log-mel spectrograms used as
// conditioning. It also writes generated samples back out as 16-bit WAV.
package audio
