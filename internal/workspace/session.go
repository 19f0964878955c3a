// Package workspace keeps a client's view of a board or page in step with
// the authority: mutations show up locally at once, then the authority's
// answer replaces them, and any failure throws local state away for a
// fresh read.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"tandem/api/internal/apperr"
)

type State int

const (
	Idle State = iota
	Loading
	Ready
	Mutating
	Reconciling
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Mutating:
		return "mutating"
	case Reconciling:
		return "reconciling"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var ErrNotReady = errors.New("workspace session is not ready")

// session is the state machine shared by boards and pages. base is the last
// state confirmed by the authority; overlay is the optimistic guess shown
// while mutations are in flight.
type session[T any] struct {
	name  string
	load  func(ctx context.Context) (T, error)
	clone func(T) T

	mu       sync.Mutex
	state    State
	base     T
	overlay  *T
	inflight int
	err      error
	onChange func(State, T)
}

func newSession[T any](name string, load func(context.Context) (T, error), clone func(T) T) *session[T] {
	return &session[T]{name: name, load: load, clone: clone, state: Idle}
}

func (s *session[T]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the last failure surfaced by the session.
func (s *session[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session[T]) view() T {
	if s.overlay != nil {
		return s.clone(*s.overlay)
	}
	return s.clone(s.base)
}

func (s *session[T]) View() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view()
}

func (s *session[T]) Confirmed() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clone(s.base)
}

func (s *session[T]) setLocked(state State) {
	s.state = state
	if s.onChange != nil {
		s.onChange(state, s.view())
	}
}

// Open performs the initial read. A failed load is final for the session.
func (s *session[T]) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return fmt.Errorf("open %s: %w", s.name, ErrNotReady)
	}
	s.setLocked(Loading)
	s.mu.Unlock()

	loaded, err := s.load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.err = fmt.Errorf("load %s: %w", s.name, err)
		s.setLocked(Failed)
		return s.err
	}
	s.base = loaded
	s.setLocked(Ready)
	return nil
}

// mutation describes one optimistic round-trip. apply derives the local
// guess from the current view; send asks the authority; confirm folds the
// authoritative answer into the confirmed base and reports false when the
// answer does not line up with local state, forcing a full read.
type mutation[T any, R any] struct {
	apply   func(T) (T, error)
	send    func(ctx context.Context) (R, error)
	confirm func(base T, result R) (T, bool)
}

func mutate[T any, R any](ctx context.Context, s *session[T], m mutation[T, R]) (R, error) {
	var zero R

	s.mu.Lock()
	if s.state != Ready && s.state != Mutating {
		s.mu.Unlock()
		return zero, fmt.Errorf("mutate %s: %w", s.name, ErrNotReady)
	}
	guess, err := m.apply(s.view())
	if err != nil {
		s.mu.Unlock()
		return zero, err
	}
	s.overlay = &guess
	s.inflight++
	s.setLocked(Mutating)
	s.mu.Unlock()

	result, sendErr := m.send(ctx)

	s.mu.Lock()
	s.inflight--
	if sendErr == nil {
		next, ok := m.confirm(s.clone(s.base), result)
		if ok {
			s.base = next
			s.err = nil
			if s.inflight == 0 {
				s.overlay = nil
				s.setLocked(Ready)
			}
			s.mu.Unlock()
			return result, nil
		}
		log.WithField("session", s.name).Info("workspace.diverged")
	}
	s.overlay = nil
	s.setLocked(Reconciling)
	s.mu.Unlock()

	reloadErr := s.reconcile(ctx)
	if sendErr != nil {
		s.mu.Lock()
		s.err = sendErr
		s.mu.Unlock()
		return zero, sendErr
	}
	if reloadErr != nil {
		return zero, reloadErr
	}
	return result, nil
}

// reconcile replaces local state with a fresh full read.
func (s *session[T]) reconcile(ctx context.Context) error {
	fresh, err := s.load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.err = fmt.Errorf("reload %s: %w", s.name, err)
		if apperr.KindOf(err) == apperr.KindNotFound || apperr.KindOf(err) == apperr.KindForbidden {
			s.setLocked(Failed)
			return s.err
		}
		// keep serving the confirmed base; the next mutation retries
		s.setLocked(Ready)
		return s.err
	}
	s.base = fresh
	if s.inflight == 0 {
		s.setLocked(Ready)
	} else {
		s.setLocked(Mutating)
	}
	return nil
}

// Refresh re-reads the authoritative state, dropping any optimistic guess.
func (s *session[T]) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Ready {
		s.mu.Unlock()
		return fmt.Errorf("refresh %s: %w", s.name, ErrNotReady)
	}
	s.overlay = nil
	s.setLocked(Reconciling)
	s.mu.Unlock()
	return s.reconcile(ctx)
}
