package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/54b3r/casechat/internal/generate"
	"github.com/54b3r/casechat/internal/session"
)

// AnswerStream relays answer fragments to one consumer while writing them
// into the session's in-progress assistant turn.
//
// When the session moves on (a new question arrives), the turn writer goes
// stale and the stream ends with io.EOF without writing further.
type AnswerStream struct {
	agent  *CaseAgent
	ctx    context.Context
	sess   *session.Session
	stream *generate.Stream
	writer *session.TurnWriter
	start  time.Time
	log    *slog.Logger

	once sync.Once
	err  error
}

// Recv returns the next fragment, io.EOF when the answer is complete, or the
// generation error that ended it. After an error the partial answer has been
// kept and, unless the request context has ended, the apology appended;
// callers relay Apology to the user.
func (s *AnswerStream) Recv() (string, error) {
	frag, err := s.stream.Recv()
	if errors.Is(err, io.EOF) {
		s.finish(nil)
		return "", io.EOF
	}
	if err != nil {
		s.finish(err)
		return "", err
	}
	if !s.writer.Write(frag) {
		s.log.Info("agent: stream superseded by a newer turn")
		s.stream.Close()
		s.finish(nil)
		return "", io.EOF
	}
	return frag, nil
}

// Err returns the generation error that ended the stream, if any.
func (s *AnswerStream) Err() error { return s.err }

// Close detaches the consumer. Whatever was received so far stays in the
// session as a truncated answer.
func (s *AnswerStream) Close() {
	s.stream.Close()
	s.finish(nil)
}

func (s *AnswerStream) finish(err error) {
	s.once.Do(func() {
		content := s.writer.Content()
		live := s.writer.Finish()
		if live {
			s.agent.persist(s.ctx, s.sess, session.RoleAssistant, content)
		}
		mode := modeStream
		if err != nil {
			s.err = err
			if s.ctx.Err() != nil {
				// The consumer is gone and would never see an apology.
				s.log.Info("agent: stream ended by request context", slog.String("error", err.Error()))
				s.agent.metrics.answer(mode, outcomeError, time.Since(s.start))
				return
			}
			if live {
				s.agent.apologize(s.ctx, s.sess, &Result{}, err)
			}
			s.agent.metrics.answer(mode, outcomeApology, time.Since(s.start))
			return
		}
		s.agent.metrics.answer(mode, outcomeOK, time.Since(s.start))
		s.log.Info("agent: stream complete",
			slog.Int("chars", len(content)),
			slog.Int("skipped_frames", s.stream.Skipped),
			slog.Duration("duration", time.Since(s.start)),
		)
	})
}
