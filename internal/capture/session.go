// Package capture guards the path from a camera capture to a job submission:
// of several overlapping capture attempts only the most recent one may hand
// its output on, whatever order the attempts finish in.
package capture

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platelab/platevision/internal/errors"
)

// File is the post-processed output of one capture attempt.
type File struct {
	AttemptID  uuid.UUID
	Path       string
	Data       []byte
	CapturedAt time.Time
}

// Session tracks the active attempt and the file it produced. A Session is
// shared by reference between the caller and every attempt's continuation.
type Session struct {
	mu      sync.Mutex
	active  uuid.UUID
	ready   *File
	failure error
	changed chan struct{} // closed and replaced on every state change
}

// NewSession returns an idle session.
func NewSession() *Session {
	return &Session{changed: make(chan struct{})}
}

// Attempt is one capture attempt. Only the attempt created by the latest
// Begin may commit.
type Attempt struct {
	id      uuid.UUID
	session *Session
}

// Begin starts a new attempt and makes it the active one. A file that was
// ready but not yet taken is discarded.
func (s *Session) Begin() *Attempt {
	id := uuid.New()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
	s.ready = nil
	s.failure = nil
	s.notifyLocked()
	return &Attempt{id: id, session: s}
}

// ID returns the attempt identity.
func (a *Attempt) ID() uuid.UUID {
	return a.id
}

// Commit stores f as the session's ready file if a is still the active
// attempt. Otherwise it returns an error wrapping errors.ErrSuperseded and
// the session is left untouched.
func (a *Attempt) Commit(f File) error {
	s := a.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != a.id {
		return a.superseded()
	}
	f.AttemptID = a.id
	s.ready = &f
	s.failure = nil
	s.notifyLocked()
	return nil
}

// Fail records err as the outcome of the active attempt. A superseded
// attempt's failure is dropped and reported as superseded.
func (a *Attempt) Fail(err error) error {
	s := a.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != a.id {
		return a.superseded()
	}
	s.failure = err
	s.notifyLocked()
	return nil
}

// Take hands out the ready file exactly once.
func (s *Session) Take() (File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready == nil {
		return File{}, false
	}
	f := *s.ready
	s.ready = nil
	return f, true
}

// Active returns the identity of the active attempt, or uuid.Nil.
func (s *Session) Active() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// state returns the ready file or failure of the active attempt and the
// channel closed on the next change.
func (s *Session) state() (ready bool, failure error, changed <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready != nil, s.failure, s.changed
}

func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (a *Attempt) superseded() error {
	return errors.Domain(errors.ErrSuperseded, "attempt %s", a.id).
		Component("capture").
		Context("attempt_id", a.id.String()).
		Build()
}
