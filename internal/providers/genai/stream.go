package genai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// TextStream yields text deltas from a streamGenerateContent response.
// It is pull based: each Next call reads until the next non-empty delta.
type TextStream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	finish  string
	err     error
}

func newTextStream(body io.ReadCloser, cancel context.CancelFunc) *TextStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &TextStream{body: body, cancel: cancel, scanner: scanner}
}

// Next returns the next text delta, or io.EOF once the stream is done.
func (s *TextStream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var chunk geminiGenerateContentResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.err = fmt.Errorf("decode stream chunk: %w", err)
			return "", s.err
		}
		if chunk.PromptFeedback != nil && chunk.PromptFeedback.BlockReason != "" {
			s.err = &BlockedError{Reason: chunk.PromptFeedback.BlockReason}
			return "", s.err
		}
		var sb strings.Builder
		for _, cand := range chunk.Candidates {
			if cand.FinishReason != "" {
				s.finish = cand.FinishReason
			}
			for _, part := range cand.Content.Parts {
				sb.WriteString(part.Text)
			}
			break
		}
		if isBlockedFinish(s.finish) {
			s.err = &BlockedError{Reason: s.finish}
			return "", s.err
		}
		if sb.Len() > 0 {
			return sb.String(), nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("read stream: %w", err)
		return "", s.err
	}
	s.err = io.EOF
	return "", io.EOF
}

// FinishReason is the last finish reason seen on the stream.
func (s *TextStream) FinishReason() string { return s.finish }

// Close aborts the transfer and releases the connection.
func (s *TextStream) Close() error {
	s.cancel()
	return s.body.Close()
}

// ReadAll drains the stream and returns the concatenated text. onDelta, when
// set, sees every delta as it arrives.
func ReadAll(s *TextStream, onDelta func(string)) (string, error) {
	var sb strings.Builder
	for {
		delta, err := s.Next()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
}
