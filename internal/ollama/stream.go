// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/jeranaias/rigrun-chat/internal/generation"
	"github.com/jeranaias/rigrun-chat/internal/model"
)

// maxLineSize bounds a single NDJSON line.
const maxLineSize = 1 << 20

// =============================================================================
// STREAM READER
// =============================================================================

// StreamReader turns an NDJSON /api/chat body into generation chunks.
// It implements generation.Stream.
type StreamReader struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner

	done    bool
	stopErr error

	closeOnce sync.Once
}

var _ generation.Stream = (*StreamReader)(nil)

// NewStreamReader creates a stream reader over a response body.
func NewStreamReader(ctx context.Context, body io.ReadCloser) *StreamReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &StreamReader{ctx: ctx, body: body, scanner: scanner}
}

// Recv returns the next chunk. After the final line it returns io.EOF, or a
// *generation.StoppedError when the model ran out of token budget.
func (s *StreamReader) Recv() (generation.Chunk, error) {
	if s.done {
		if s.stopErr != nil {
			err := s.stopErr
			s.stopErr = nil
			return generation.Chunk{}, err
		}
		return generation.Chunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var resp chatLine
		if err := json.Unmarshal(line, &resp); err != nil {
			// Skip malformed lines
			continue
		}
		if resp.Error != "" {
			s.done = true
			return generation.Chunk{}, &ClientError{Type: ErrTypeInvalidResponse, Message: resp.Error}
		}

		chunk := generation.Chunk{
			Text:         resp.Message.Content,
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
		}
		if resp.Grounding != nil {
			chunk.GroundingStatus, chunk.GroundingMetadata = convertGrounding(resp.Grounding)
		}

		if resp.Done {
			s.done = true
			if resp.DoneReason == DoneReasonLength {
				s.stopErr = &generation.StoppedError{Reason: "token limit reached"}
			}
			if chunk.Text == "" && !chunk.HasGrounding() && chunk.InputTokens == 0 && chunk.OutputTokens == 0 {
				return s.Recv()
			}
		}
		return chunk, nil
	}

	s.done = true
	if err := s.ctx.Err(); err != nil {
		return generation.Chunk{}, err
	}
	if err := s.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return generation.Chunk{}, &ClientError{Type: ErrTypeInvalidResponse, Message: "stream line too long", Cause: err}
		}
		return generation.Chunk{}, &ClientError{Type: ErrTypeConnection, Message: "stream interrupted", Cause: err}
	}
	return generation.Chunk{}, io.EOF
}

// Close releases the response body. It unblocks a pending Recv.
func (s *StreamReader) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}

func convertGrounding(g *groundingLine) (model.GroundingStatus, *model.GroundingMetadata) {
	var status model.GroundingStatus
	if g.Status != "" {
		status = model.ParseGroundingStatus(strings.ToUpper(g.Status))
	}
	if len(g.Queries) == 0 && len(g.Sources) == 0 {
		return status, nil
	}
	md := &model.GroundingMetadata{Queries: append([]string(nil), g.Queries...)}
	for _, src := range g.Sources {
		md.Sources = append(md.Sources, model.GroundingSource{Title: src.Title, URL: src.URL, Snippet: src.Snippet})
	}
	return status, md
}
