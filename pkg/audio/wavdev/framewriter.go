package wavdev

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-audio/wav"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// FrameWriter persists captured frames to a file. A path ending in ".wav"
// produces a 16 kHz mono 16-bit WAV file; any other path receives the raw
// 3200-byte wire frames back to back.
//
// FrameWriter is safe for concurrent use.
type FrameWriter struct {
	mu     sync.Mutex
	file   *os.File
	raw    *bufio.Writer
	enc    *wav.Encoder
	ints   []int
	frames int64
	closed bool
}

// NewFrameWriter creates (or truncates) the file at path.
func NewFrameWriter(path string) (*FrameWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavdev: create %q: %w", path, err)
	}
	w := &FrameWriter{file: f}
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		w.enc = wav.NewEncoder(f, audio.TargetSampleRate, 16, 1, 1)
		w.ints = make([]int, audio.FrameSamples)
	} else {
		w.raw = bufio.NewWriterSize(f, 16*audio.FrameBytes)
	}
	return w, nil
}

// WriteFrame appends one frame.
func (w *FrameWriter) WriteFrame(fr audio.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("wavdev: frame writer closed")
	}

	if w.enc != nil {
		for i, s := range fr {
			w.ints[i] = int(s)
		}
		if err := w.enc.Write(pcmBuffer(w.ints, audio.TargetSampleRate)); err != nil {
			return fmt.Errorf("wavdev: write frame: %w", err)
		}
	} else if _, err := w.raw.Write(fr.Bytes()); err != nil {
		return fmt.Errorf("wavdev: write frame: %w", err)
	}
	w.frames++
	return nil
}

// Frames returns the number of frames written so far.
func (w *FrameWriter) Frames() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close flushes and closes the file. Close is idempotent.
func (w *FrameWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var flushErr error
	if w.enc != nil {
		flushErr = w.enc.Close()
	} else {
		flushErr = w.raw.Flush()
	}
	return errors.Join(flushErr, w.file.Close())
}
