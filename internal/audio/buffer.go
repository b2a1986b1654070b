package audio

import (
	"fmt"
	"os"
	"time"
)

// Buffer is decoded mono audio. Source is the file it was decoded from, if
// any; engines that need a file on disk reuse it instead of re-encoding.
type Buffer struct {
	Source     string
	SampleRate int
	Samples    []float32
}

// Duration is the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// File returns a path holding the buffer's audio. When the buffer has no
// source file a temporary 16-bit WAV is written under dir; the returned
// cleanup removes it and is always safe to call.
func (b *Buffer) File(dir string) (string, func(), error) {
	noop := func() {}
	if b == nil {
		return "", noop, fmt.Errorf("audio buffer is nil")
	}
	if b.Source != "" {
		return b.Source, noop, nil
	}

	f, err := os.CreateTemp(dir, "voxpipe-*.wav")
	if err != nil {
		return "", noop, fmt.Errorf("create temp wav: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if err := Encode(f, b); err != nil {
		_ = f.Close()
		cleanup()
		return "", noop, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("close temp wav: %w", err)
	}
	return path, cleanup, nil
}
