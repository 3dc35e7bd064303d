package generate

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/casechat/internal/rag"
)

// Stream is a forward-only, single-consumer sequence of answer fragments.
type Stream struct {
	sr       *schema.StreamReader[*schema.Message]
	attempts int
	log      *slog.Logger

	closeOnce sync.Once
	closed    bool
	// Skipped counts malformed or empty frames dropped so far.
	Skipped int
}

// Recv returns the next non-empty fragment, io.EOF at the end of the answer
// or after Close, or a *rag.GenerationError when the stream fails.
// Malformed frames are skipped.
func (s *Stream) Recv() (string, error) {
	for {
		if s.closed {
			return "", io.EOF
		}
		msg, err := s.sr.Recv()
		if errors.Is(err, io.EOF) {
			s.Close()
			return "", io.EOF
		}
		if err != nil {
			if isMalformed(err) {
				s.skip("frame error", err)
				continue
			}
			s.Close()
			return "", &rag.GenerationError{Attempts: s.attempts, Err: err}
		}
		if msg == nil || msg.Content == "" {
			s.skip("empty frame", nil)
			continue
		}
		return msg.Content, nil
	}
}

func (s *Stream) skip(reason string, err error) {
	s.Skipped++
	attrs := []any{slog.String("reason", reason)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.log.Debug("generate: skipping stream frame", attrs...)
}

// Close detaches the consumer. The producer is not signalled beyond closing
// the reader; later Recv calls return io.EOF.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.closed = true
		s.sr.Close()
	})
}

// Attempts is the number of calls it took to open the stream.
func (s *Stream) Attempts() int { return s.attempts }

func isMalformed(err error) bool {
	if errors.Is(err, rag.ErrMalformedFrame) {
		return true
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
