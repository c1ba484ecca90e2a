package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// opusSilence is a 20ms Opus silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// Source produces a stream of encoded Opus frames.
type Source interface {
	// Next returns the next frame and how long it plays for.
	Next() ([]byte, time.Duration, error)
	Close() error
}

type silenceSource struct{}

func (silenceSource) Next() ([]byte, time.Duration, error) {
	return opusSilence, frameDuration, nil
}

func (silenceSource) Close() error { return nil }

// oggSource reads Opus pages from an Ogg file and starts over at EOF.
type oggSource struct {
	f           *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func openOggSource(path string) (*oggSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s := &oggSource{f: f}
	if err := s.rewind(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *oggSource) rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(s.f)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}
	s.reader = reader
	s.lastGranule = 0
	return nil
}

func (s *oggSource) Next() ([]byte, time.Duration, error) {
	rewound := false
	for {
		page, header, err := s.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if rewound {
				return nil, 0, fmt.Errorf("ogg file has no audio pages")
			}
			if err := s.rewind(); err != nil {
				return nil, 0, err
			}
			rewound = true
			continue
		}
		if err != nil {
			return nil, 0, err
		}

		// Granule positions count 48kHz samples.
		samples := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		if header.GranulePosition == 0 || samples == 0 {
			// Header and comment pages carry no audio.
			continue
		}
		return page, time.Duration(samples) * time.Second / 48000, nil
	}
}

func (s *oggSource) Close() error {
	return s.f.Close()
}

// OpenOgg opens an Ogg/Opus file as a looping Source.
func OpenOgg(path string) (Source, error) {
	return openOggSource(path)
}

// Silence returns a Source of 20ms Opus silence frames.
func Silence() Source {
	return silenceSource{}
}
