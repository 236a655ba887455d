// Package llm – stream.go handles response normalization: deciding between
// blocking-JSON and event-stream bodies by content type, and exposing SSE
// deltas as a lazily consumed stream.
package llm

import (
	"bufio"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
)

// sseTerminator is the literal end-of-stream marker line payload.
const sseTerminator = "[DONE]"

// assertResponse fails with an UpstreamStatusError for any non-200 response,
// draining the body into the error for diagnostics.
func assertResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &UpstreamStatusError{StatusCode: resp.StatusCode, Body: string(body)}
}

// contentType returns the media type of a response, lowercased, without
// parameters.
func contentType(resp *http.Response) string {
	ct := resp.Header.Get("Content-Type")
	media, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	}
	return media
}

// parseSingle consumes an entire response and returns the complete answer
// text. JSON bodies are extracted directly; event streams are drained and
// their deltas concatenated.
func parseSingle(resp *http.Response, ex Extractor) (string, error) {
	if err := assertResponse(resp); err != nil {
		return "", err
	}
	switch ct := contentType(resp); ct {
	case "application/json":
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", err
		}
		return ex.Answer(body)
	case "text/event-stream":
		s := newEventStream(resp.Body, ex, nil)
		for {
			if _, err := s.Recv(); err != nil {
				if errors.Is(err, io.EOF) {
					return s.Answer(), nil
				}
				return "", err
			}
		}
	default:
		return "", &UnsupportedContentTypeError{ContentType: ct}
	}
}

// CompletionStream is a finite, non-restartable sequence of text deltas.
// Recv returns the next non-empty delta, io.EOF at the end of the stream, or
// the error that terminated it. Close releases the underlying connection and
// must be called on every exit path; it is safe to call more than once.
type CompletionStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	ex      Extractor

	// single holds the one-chunk payload of a blocking JSON response that
	// was requested through the streaming entry point.
	single  string
	oneShot bool

	answer strings.Builder
	err    error

	release   func()
	closeOnce sync.Once
}

// newEventStream wraps an open SSE body. release, if non-nil, runs exactly
// once when the stream is closed.
func newEventStream(body io.ReadCloser, ex Extractor, release func()) *CompletionStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &CompletionStream{body: body, scanner: scanner, ex: ex, release: release}
}

// newSingleStream wraps an already-extracted blocking answer as a one-chunk
// stream so both response modes sit behind the same interface.
func newSingleStream(answer string, release func()) *CompletionStream {
	return &CompletionStream{single: answer, oneShot: true, release: release}
}

// Recv returns the next non-empty text delta in arrival order. After a
// terminal error (including io.EOF) every subsequent call returns the same
// error; a malformed payload poisons the stream but not the chunks already
// delivered.
func (s *CompletionStream) Recv() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.oneShot {
		s.oneShot = false
		s.err = io.EOF
		if s.single == "" {
			return "", io.EOF
		}
		s.answer.WriteString(s.single)
		return s.single, nil
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "data: ")
		if line == sseTerminator {
			s.err = io.EOF
			return "", s.err
		}
		// Comment lines and event-type lines carry no payload.
		if !strings.HasPrefix(line, "{") {
			continue
		}
		delta, err := s.ex.Delta([]byte(line))
		if err != nil {
			s.err = err
			return "", err
		}
		if delta == "" {
			continue
		}
		s.answer.WriteString(delta)
		return delta, nil
	}
	if err := s.scanner.Err(); err != nil {
		s.err = err
		return "", err
	}
	s.err = io.EOF
	return "", s.err
}

// Answer returns the text accumulated so far, equal to the concatenation of
// every delta Recv has returned.
func (s *CompletionStream) Answer() string {
	return s.answer.String()
}

// Close releases the underlying connection and concurrency slot.
func (s *CompletionStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.body != nil {
			err = s.body.Close()
		}
		if s.release != nil {
			s.release()
		}
	})
	return err
}
