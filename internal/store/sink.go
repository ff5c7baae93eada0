package store

import (
	"context"
	"sync"

	"github.com/andresmejia3/proctor/internal/types"
	"github.com/sirupsen/logrus"
)

// Persister is the slice of Store a SessionSink writes through.
type Persister interface {
	InsertAlert(ctx context.Context, sessionID string, a types.Alert, st types.Status) error
}

// SessionSink persists alerts for one session, each with the latest status
// snapshot seen before it. Write failures are logged and the session carries on.
type SessionSink struct {
	ctx       context.Context
	db        Persister
	sessionID string
	log       *logrus.Entry

	mu     sync.Mutex
	last   types.Status
	failed int
}

func NewSessionSink(ctx context.Context, db Persister, sessionID string, log *logrus.Entry) *SessionSink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SessionSink{ctx: ctx, db: db, sessionID: sessionID, log: log}
}

func (s *SessionSink) Status(st types.Status) {
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
}

func (s *SessionSink) Alert(a types.Alert) {
	s.mu.Lock()
	st := s.last
	s.mu.Unlock()

	if err := s.db.InsertAlert(s.ctx, s.sessionID, a, st); err != nil {
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		s.log.WithError(err).WithField("kind", a.Kind).Error("failed to persist alert")
	}
}

// Failed returns how many alerts could not be written.
func (s *SessionSink) Failed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}
