package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
)

// Capturer acquires the local audio stream for a session.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) (*LocalStream, error)
}

// OggCapturer uses an Ogg/Opus file as the microphone, looping it for the
// life of the stream. A missing file is an absent device and an unreadable
// one is a denied permission.
type OggCapturer struct {
	Path   string
	Logger *slog.Logger
}

func (c OggCapturer) Capture(ctx context.Context, constraints Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := openOggSource(c.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: capture device %q not found", ErrUnavailable, c.Path)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: permission denied for %q", ErrUnavailable, c.Path)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return startStream(src, constraints, c.Logger)
}

// SilenceCapturer produces a stream of Opus silence.
type SilenceCapturer struct {
	Logger *slog.Logger
}

func (c SilenceCapturer) Capture(ctx context.Context, constraints Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return startStream(silenceSource{}, constraints, c.Logger)
}

func startStream(src Source, constraints Constraints, logger *slog.Logger) (*LocalStream, error) {
	track, err := NewLocalTrack(src, logger)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	track.start()
	return newLocalStream(constraints, track), nil
}
