package router

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"copilot-gateway/internal/provider"
	"copilot-gateway/internal/translator"
)

// EventStream pulls upstream chunks and yields dialect frames. Next returns
// io.EOF once the terminal frames have been delivered. Errors are rendered as
// frames, so the caller only has to write what it gets.
type EventStream struct {
	chunks    provider.ChunkStream
	converter translator.StreamConverter
	onDone    func(success bool)

	pending []translator.Frame
	ended   bool

	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewEventStream wraps chunks. onDone, if set, is called once with whether
// the stream reached a clean end.
func NewEventStream(chunks provider.ChunkStream, converter translator.StreamConverter, onDone func(success bool)) *EventStream {
	return &EventStream{chunks: chunks, converter: converter, onDone: onDone}
}

// Next returns the next frame.
func (s *EventStream) Next() (translator.Frame, error) {
	for len(s.pending) == 0 {
		if s.ended {
			return translator.Frame{}, io.EOF
		}
		s.pull()
	}
	frame := s.pending[0]
	s.pending = s.pending[1:]
	return frame, nil
}

func (s *EventStream) pull() {
	chunk, err := s.chunks.Next()
	switch {
	case err == nil:
		frames, convErr := s.converter.Convert(chunk)
		s.pending = append(s.pending, frames...)
		if convErr != nil {
			s.fail(convErr)
		}
	case errors.Is(err, io.EOF):
		s.finish(true)
	case errors.Is(err, io.ErrUnexpectedEOF):
		slog.Warn("upstream stream ended without a terminator")
		s.finish(false)
	default:
		s.fail(err)
	}
}

// finish closes every open block and ends the stream.
func (s *EventStream) finish(success bool) {
	frames, err := s.converter.Finish()
	s.pending = append(s.pending, frames...)
	if err != nil {
		s.fail(err)
		return
	}
	s.end(success)
}

func (s *EventStream) fail(err error) {
	slog.Warn("stream aborted", "error", err)
	s.pending = append(s.pending, s.converter.Fail(err)...)
	s.end(false)
}

func (s *EventStream) end(success bool) {
	s.ended = true
	s.doneOnce.Do(func() {
		if s.onDone != nil {
			s.onDone(success)
		}
	})
	s.Close()
}

// Close cancels the upstream fetch. A stream closed before its end counts as
// failed.
func (s *EventStream) Close() error {
	s.doneOnce.Do(func() {
		if s.onDone != nil {
			s.onDone(false)
		}
	})
	s.closeOnce.Do(func() {
		s.closeErr = s.chunks.Close()
	})
	return s.closeErr
}
