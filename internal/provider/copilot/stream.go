package copilot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"copilot-gateway/internal/apierror"
	"copilot-gateway/internal/models"
)

const doneSentinel = "[DONE]"

// chunkStream reads chat.completion.chunk frames off an SSE body.
type chunkStream struct {
	ctx    context.Context
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc

	done      bool
	closeOnce sync.Once
}

func newChunkStream(ctx context.Context, body io.ReadCloser, cancel context.CancelFunc) *chunkStream {
	return &chunkStream{
		ctx:    ctx,
		body:   body,
		reader: bufio.NewReaderSize(body, 64*1024),
		cancel: cancel,
	}
}

// Next returns the next chunk, io.EOF after [DONE] and io.ErrUnexpectedEOF
// when the body ends without it.
func (s *chunkStream) Next() (*models.ChatChunk, error) {
	if s.done {
		return nil, io.EOF
	}

	for {
		line, readErr := s.reader.ReadString('\n')
		chunk, err := s.parseLine(strings.TrimRight(line, "\r\n"))
		if err != nil {
			return nil, err
		}
		if chunk != nil {
			return chunk, nil
		}
		if s.done {
			return nil, io.EOF
		}

		if readErr != nil {
			if s.ctx.Err() != nil {
				return nil, s.ctx.Err()
			}
			if errors.Is(readErr, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read upstream stream: %w", readErr)
		}
	}
}

// parseLine handles one SSE line. Comments, event names and blank lines
// yield nothing.
func (s *chunkStream) parseLine(line string) (*models.ChatChunk, error) {
	if !strings.HasPrefix(line, "data:") {
		return nil, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" {
		return nil, nil
	}
	if payload == doneSentinel {
		s.done = true
		return nil, nil
	}

	if !gjson.Valid(payload) {
		return nil, &apierror.TranslationError{Message: "upstream sent a malformed stream chunk"}
	}
	if errObj := gjson.Get(payload, "error"); errObj.Exists() {
		return nil, upstreamError(http.StatusBadGateway, []byte(payload))
	}

	var chunk models.ChatChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return nil, &apierror.TranslationError{Message: "upstream sent an unexpected stream chunk", Err: err}
	}
	return &chunk, nil
}

// Close cancels the upstream request and releases the body.
func (s *chunkStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
